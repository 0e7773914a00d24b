// Copyright (C) 2024 The syncdir Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sync

import (
	stdsync "sync"
	"testing"
	"time"

	"github.com/mpopescu/syncdir/lib/logger"
)

const (
	logThreshold = 100 * time.Millisecond
	shortWait    = 5 * time.Millisecond
	longWait     = 125 * time.Millisecond
)

var skipTimingTests = false

func init() {
	for i := 0; i < 25; i++ {
		t0 := time.Now()
		time.Sleep(shortWait)
		if time.Since(t0) > logThreshold {
			skipTimingTests = true
			return
		}
	}
}

func TestTypes(t *testing.T) {
	debug = false
	l.SetDebug("sync", false)

	if _, ok := NewMutex().(*stdsync.Mutex); !ok {
		t.Error("wrong type for NewMutex with debug disabled")
	}
	if _, ok := NewRWMutex().(*stdsync.RWMutex); !ok {
		t.Error("wrong type for NewRWMutex with debug disabled")
	}

	debug = true
	l.SetDebug("sync", true)

	if _, ok := NewMutex().(*loggedMutex); !ok {
		t.Error("wrong type for NewMutex with debug enabled")
	}
	if _, ok := NewRWMutex().(*loggedRWMutex); !ok {
		t.Error("wrong type for NewRWMutex with debug enabled")
	}

	debug = false
	l.SetDebug("sync", false)
}

func TestMutexLogsSlowHolds(t *testing.T) {
	if skipTimingTests {
		t.Skip("insufficient timer accuracy")
	}

	debug = true
	l.SetDebug("sync", true)
	threshold = logThreshold

	var msgmut stdsync.Mutex
	var messages []string
	l.AddHandler(logger.LevelDebug, func(_ logger.LogLevel, message string) {
		msgmut.Lock()
		messages = append(messages, message)
		msgmut.Unlock()
	})

	mut := NewMutex()
	mut.Lock()
	time.Sleep(shortWait)
	mut.Unlock()
	if len(messages) > 0 {
		t.Errorf("unexpected message count after a short hold: %d", len(messages))
	}

	mut.Lock()
	time.Sleep(longWait)
	mut.Unlock()
	if len(messages) != 1 {
		t.Errorf("expected exactly one logged slow hold, got %d", len(messages))
	}

	debug = false
	l.SetDebug("sync", false)
}
