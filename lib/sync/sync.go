// Copyright (C) 2024 The syncdir Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sync wraps the stdlib sync primitives and adds lock-hold-time
// debug logging above a configurable threshold (see debug.go).
package sync

import (
	"runtime"
	stdsync "sync"
	"time"
)

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if !debug {
		return &stdsync.Mutex{}
	}
	return &loggedMutex{}
}

func NewRWMutex() RWMutex {
	if !debug {
		return &stdsync.RWMutex{}
	}
	return &loggedRWMutex{}
}

func NewWaitGroup() WaitGroup {
	return &stdsync.WaitGroup{}
}

type loggedMutex struct {
	mut      stdsync.Mutex
	lockedAt time.Time
	start    time.Time
}

func (m *loggedMutex) Lock() {
	m.start = time.Now()
	m.mut.Lock()
	m.lockedAt = time.Now()
	if d := m.lockedAt.Sub(m.start); d > threshold {
		l.Debugf("Mutex %p took %v to acquire at %s", m, d, callerString())
	}
}

func (m *loggedMutex) Unlock() {
	if d := time.Since(m.lockedAt); d > threshold {
		l.Debugf("Mutex %p held for %v, locked at %s", m, d, callerString())
	}
	m.mut.Unlock()
}

type loggedRWMutex struct {
	mut      stdsync.RWMutex
	lockedAt time.Time
	start    time.Time
}

func (m *loggedRWMutex) Lock() {
	m.start = time.Now()
	m.mut.Lock()
	m.lockedAt = time.Now()
	if d := m.lockedAt.Sub(m.start); d > threshold {
		l.Debugf("RWMutex %p took %v to acquire at %s", m, d, callerString())
	}
}

func (m *loggedRWMutex) Unlock() {
	if d := time.Since(m.lockedAt); d > threshold {
		l.Debugf("RWMutex %p held for %v, locked at %s", m, d, callerString())
	}
	m.mut.Unlock()
}

func (m *loggedRWMutex) RLock() {
	m.mut.RLock()
}

func (m *loggedRWMutex) RUnlock() {
	m.mut.RUnlock()
}

func callerString() string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown"
	}
	return file + ":" + itoa(line)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
