// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package watchregistry is the flat, growable table of active kernel
// watches. It bridges events coming off the kernel (here, delivered by
// github.com/syncthing/notify) to watch-tree nodes.
//
// The spec this is modeled on assumes raw inotify, where a watch is
// identified by an integer descriptor returned from inotify_add_watch.
// notify does not expose a descriptor; it is a path-keyed, channel-based
// API. The registry therefore resolves events by relative path instead of
// by descriptor; everything else (one entry per watched directory,
// installed incrementally as directories are discovered, index stability
// only between resizes, Node references stable across resizes) is kept.
//
// notify.Stop(c) tears down every watchpoint registered on channel c, so
// sharing one channel across all directories would make any single
// RemoveEntry deaf the whole tree. Each entry therefore gets its own
// watch channel, fanned into the registry's single shared events channel
// by a small per-entry forwarding goroutine; RemoveEntry stops only that
// entry's channel.
package watchregistry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/syncthing/notify"

	"github.com/mpopescu/syncdir/lib/logger"
	"github.com/mpopescu/syncdir/lib/sliceutil"
	"github.com/mpopescu/syncdir/lib/watchtree"
)

var l = logger.DefaultLogger.NewFacility("watchregistry", "Kernel watch table")

// EventMask is the set of raw kernel events the registry subscribes to for
// every directory it watches; create, delete, the two halves of a move,
// and content modification, matching SD_OPERATIONS_TO_WATCH.
const EventMask = notify.Create | notify.Remove | notify.Rename | notify.Write

// entryChannelCapacity is the buffer notify requires on a watch's
// destination channel; notify never blocks delivering to it, so an
// undersized buffer means lost events rather than backpressure. The
// forwarding goroutine drains it promptly; the buffer only has to absorb
// a burst between two drains.
const entryChannelCapacity = 16

// Entry is one live watch: the directory's relative/absolute paths plus a
// link to its Watch Tree node. Entries are non-owning with respect to the
// Node; tree ownership lives in watchtree.
//
// eventCh is this entry's own kernel watch channel, never shared with any
// other entry, so that notify.Stop(eventCh) on removal can only ever
// silence this one watch. done signals the forwarding goroutine fanning
// eventCh into the registry's shared events channel to exit.
type Entry struct {
	RelPath  string
	FullPath string
	Node     *watchtree.Node
	eventCh  chan notify.EventInfo
	done     chan struct{}
}

// Registry is the growable table of Entries, indexed by int. Removal frees
// the slot (and releases the kernel watch) but does not shift surviving
// indices around in a way callers would observe; callers are expected to
// hold Node references, not raw indices, across any mutation.
type Registry struct {
	mainDir string
	entries []*Entry
	free    []int
	byPath  map[string]int
	events  chan notify.EventInfo
}

// ErrTooManyWatches is returned when the kernel refuses to install a new
// watch because the user's inotify watch limit has been reached.
var ErrTooManyWatches = errors.New("watchregistry: failed to install a kernel watch; increase the inotify watch limit")

// New creates an empty registry rooted at mainDir. events is the channel
// every directory's watch will deliver notify.EventInfo on; the caller
// (lib/quiescence) owns draining it.
func New(mainDir string, events chan notify.EventInfo) *Registry {
	return &Registry{
		mainDir: mainDir,
		byPath:  make(map[string]int, 64),
		events:  events,
	}
}

// CreateEntry installs a kernel watch on fullPath and appends (or reuses a
// freed slot for) a new registry entry, returning its index. Failure to
// acquire the kernel watch fails the whole operation, matching the spec's
// "acquires a kernel watch ... failure to acquire fails the operation."
//
// The watch is installed on a channel private to this entry; a forwarding
// goroutine fans it into r.events so callers keep draining a single
// channel regardless of how many directories are watched.
func (r *Registry) CreateEntry(relPath, fullPath string, node *watchtree.Node) (int, error) {
	eventCh := make(chan notify.EventInfo, entryChannelCapacity)
	if err := notify.Watch(fullPath, eventCh, EventMask); err != nil {
		if isWatchLimitErr(err) {
			return -1, ErrTooManyWatches
		}
		return -1, fmt.Errorf("watchregistry: watch %s: %w", fullPath, err)
	}

	entry := &Entry{RelPath: relPath, FullPath: fullPath, Node: node, eventCh: eventCh, done: make(chan struct{})}
	go r.forward(entry)

	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
		r.entries[idx] = entry
	} else {
		idx = len(r.entries)
		r.entries = append(r.entries, entry)
	}
	r.byPath[relPath] = idx
	if node != nil {
		node.RegistryIndex = idx
	}
	l.Debugf("watch installed for %s at index %d", relPath, idx)
	return idx, nil
}

// forward copies events off entry's private channel onto the shared
// r.events, until either the channel is closed by notify.Stop or the
// entry is removed.
func (r *Registry) forward(entry *Entry) {
	for {
		select {
		case ev, ok := <-entry.eventCh:
			if !ok {
				return
			}
			select {
			case r.events <- ev:
			case <-entry.done:
				return
			}
		case <-entry.done:
			return
		}
	}
}

// RemoveEntry releases the kernel watch for the entry at index and frees
// the slot. notify.Stop is scoped to this entry's own channel, so it
// cannot silence any other entry's watch. The caller is responsible for
// detaching/freeing the associated Watch Node; the registry only owns
// the kernel watch and the path bookkeeping.
func (r *Registry) RemoveEntry(index int) {
	if index < 0 || index >= len(r.entries) || r.entries[index] == nil {
		return
	}
	entry := r.entries[index]
	notify.Stop(entry.eventCh)
	close(entry.done)
	delete(r.byPath, entry.RelPath)
	r.entries[index] = nil
	r.free = append(r.free, index)
	l.Debugf("watch removed for %s at index %d", entry.RelPath, index)
}

// EntryByPath resolves a relative path to its registry index, the
// practical equivalent of the spec's descriptor->entry lookup given
// notify's path-keyed event delivery.
func (r *Registry) EntryByPath(relPath string) (int, bool) {
	idx, ok := r.byPath[relPath]
	return idx, ok
}

// Entry returns the entry at index, or nil if the slot is empty.
func (r *Registry) Entry(index int) *Entry {
	if index < 0 || index >= len(r.entries) {
		return nil
	}
	return r.entries[index]
}

// UpdatePaths rewrites the relative/absolute path of the entry at index;
// called by the aggregator after a watchtree.Reparent, once per watch
// node in the moved subtree.
func (r *Registry) UpdatePaths(index int, relPath, fullPath string) {
	entry := r.Entry(index)
	if entry == nil {
		return
	}
	delete(r.byPath, entry.RelPath)
	entry.RelPath = relPath
	entry.FullPath = fullPath
	r.byPath[relPath] = index
}

// Len reports the number of live (non-freed) entries.
func (r *Registry) Len() int {
	n := 0
	for _, e := range r.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// Compact drops trailing freed slots to reclaim slice capacity. Never
// changes the index of a live entry, satisfying the spec's "index stable
// only between resizes" invariant for live entries.
func (r *Registry) Compact() {
	for len(r.entries) > 0 && r.entries[len(r.entries)-1] == nil {
		r.entries = r.entries[:len(r.entries)-1]
		if n := len(r.free); n > 0 && r.free[n-1] == len(r.entries) {
			r.free = sliceutil.RemoveAndZero(r.free, n-1)
		}
	}
}

func isWatchLimitErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "too many open files")
}
