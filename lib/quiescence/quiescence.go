// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package quiescence drives one aggregator from a live stream of kernel
// watch events to a settled File-Info map ready for transmission: block
// for the first event, drain whatever else is immediately available,
// sleep a jittered settle interval, and check once more; if nothing new
// arrived the accumulated changes are handed off and the cycle restarts.
//
// Grounded on WaitForEventsAndProcessChanges in syncdir_clt_events.cpp,
// translating github.com/syncthing/notify's path-keyed event delivery
// (see lib/watchregistry) back into the aggregator's RawEvent shape.
package quiescence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/syncthing/notify"
	"golang.org/x/sys/unix"

	"github.com/mpopescu/syncdir/lib/aggregator"
	"github.com/mpopescu/syncdir/lib/bootstrap"
	"github.com/mpopescu/syncdir/lib/fileinfo"
	"github.com/mpopescu/syncdir/lib/logger"
	"github.com/mpopescu/syncdir/lib/metrics"
	"github.com/mpopescu/syncdir/lib/rand"
	"github.com/mpopescu/syncdir/lib/scheduler"
)

var l = logger.DefaultLogger.NewFacility("quiescence", "Event drain and settle loop")

// SettleWindow bounds the randomised post-drain sleep. The original
// client sleeps (SD_MIN_TIME_BEFORE_SYNC * isMinTimeBeforeSyncActive) +
// rand()%SD_TIME_TRESHOLD_AT_SYNC seconds between drain passes;
// SD_MIN_TIME_BEFORE_SYNC is 0 and SD_TIME_TRESHOLD_AT_SYNC is 5, so the
// effective sleep is uniform in [0, SettleWindow).
const SettleWindow = 5 * time.Second

// EventChannelCapacity is the suggested size for the buffered channel
// handed to lib/watchregistry.New and shared with a Loop. notify does
// not block on delivery, so the channel must be large enough that a
// burst of kernel events between two drain passes doesn't overflow it.
const EventChannelCapacity = 500

// Loop owns the live half of one aggregator's lifecycle: the raw event
// channel, overflow detection, and the settle cycle that turns raw
// events into a scheduled transmission batch.
type Loop struct {
	Agg    *aggregator.Aggregator
	Events chan notify.EventInfo

	// OnSettle receives the priority-ordered transmission schedule once a
	// drain cycle finds nothing new. It is the hook lib/wire's sender
	// attaches to actually ship the batch.
	OnSettle func([]scheduler.Item) error

	// SettleWindow bounds the randomised post-drain sleep; defaults to
	// the package constant of the same name. Exposed mainly so tests can
	// shrink it.
	SettleWindow time.Duration
}

// New creates a Loop. events is the same channel passed to
// watchregistry.New for this aggregator's registry.
func New(agg *aggregator.Aggregator, events chan notify.EventInfo, onSettle func([]scheduler.Item) error) *Loop {
	return &Loop{Agg: agg, Events: events, OnSettle: onSettle, SettleWindow: SettleWindow}
}

// Run implements the suture/v4 service contract: see lib/svcutil.AsService.
// It never returns except on ctx cancellation or an unrecoverable
// aggregator error.
func (lp *Loop) Run(ctx context.Context) error {
	for {
		if lp.drainIfOverflowed() {
			if err := lp.rescan(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-lp.Events:
			if err := lp.handle(ev); err != nil {
				return err
			}
		}

		if err := lp.settle(ctx); err != nil {
			return err
		}
	}
}

// settle repeatedly drains whatever's queued, sleeps a jittered
// interval, and checks once more for new arrivals; once a check finds
// the channel empty, it schedules and hands off the settled batch.
func (lp *Loop) settle(ctx context.Context) error {
	minTimeActive := true
	for {
		if err := lp.drainAvailable(); err != nil {
			return err
		}

		wait := lp.settleSleep(minTimeActive)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		select {
		case ev := <-lp.Events:
			if err := lp.handle(ev); err != nil {
				return err
			}
			minTimeActive = false
			continue
		default:
		}
		break
	}

	return lp.emit()
}

// settleSleep mirrors (SD_MIN_TIME_BEFORE_SYNC * isMinTimeBeforeSyncActive)
// + rand()%SD_TIME_TRESHOLD_AT_SYNC. SD_MIN_TIME_BEFORE_SYNC is 0 in the
// original, so minTimeActive is currently inert; kept named rather than
// folded away so the constant stays meaningful if that ever changes.
func (lp *Loop) settleSleep(minTimeActive bool) time.Duration {
	_ = minTimeActive
	window := lp.SettleWindow
	if window <= 0 {
		window = SettleWindow
	}
	return time.Duration(rand.Intn(int(window/time.Millisecond))) * time.Millisecond
}

// emit schedules the accumulated File-Info map and hands it to OnSettle,
// then resets the aggregator's map for the next cycle. A map with
// nothing in it (every change turned out to be a no-op, or nothing
// happened since the last cycle) is not emitted at all.
func (lp *Loop) emit() error {
	if len(lp.Agg.Files) == 0 {
		return nil
	}
	metrics.FileInfoMapSize.Set(float64(len(lp.Agg.Files)))
	items := scheduler.Schedule(lp.Agg.Files)
	lp.Agg.Files = fileinfo.New()
	metrics.FileInfoMapSize.Set(0)
	if len(items) == 0 {
		return nil
	}
	if lp.OnSettle == nil {
		return nil
	}
	return lp.OnSettle(items)
}

// drainAvailable processes every event currently queued without
// blocking, checking for overflow before each receive.
func (lp *Loop) drainAvailable() error {
	for {
		if lp.drainIfOverflowed() {
			if err := lp.rescan(); err != nil {
				return err
			}
			continue
		}
		select {
		case ev := <-lp.Events:
			if err := lp.handle(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// drainIfOverflowed reports whether the event channel was found full,
// meaning notify has silently dropped at least one event already
// (notify.Watch never blocks on delivery), and if so, discards
// everything currently queued. Mirrors the overflow check in
// lib/fs/basicfs_watch.go's watchLoop. A Loop under test with an
// unbuffered channel (cap 0) is never considered overflowed.
func (lp *Loop) drainIfOverflowed() bool {
	capacity := cap(lp.Events)
	if capacity == 0 || len(lp.Events) < capacity {
		return false
	}
	l.Warnf("event channel overflowed (%d buffered events); discarding and scheduling a full rescan", capacity)
	metrics.OverflowsDetected.Inc()
drain:
	for {
		select {
		case <-lp.Events:
		default:
			break drain
		}
	}
	return true
}

// rescan runs the non-destructive full-tree rescan (C15): existing
// File-Infos and watch nodes are left untouched, and only what's missing
// is resynthesized, so overflow recovery never re-announces content the
// server already has.
func (lp *Loop) rescan() error {
	return bootstrap.Rescan(lp.Agg)
}

func (lp *Loop) handle(ev notify.EventInfo) error {
	raw, ok := lp.translate(ev)
	if !ok {
		return nil
	}
	if err := lp.Agg.Process(raw); err != nil {
		return err
	}
	return lp.drainPending()
}

func (lp *Loop) drainPending() error {
	for {
		pending := lp.Agg.DrainPending()
		if len(pending) == 0 {
			return nil
		}
		for _, ev := range pending {
			if err := lp.Agg.Process(ev); err != nil {
				return err
			}
		}
	}
}

// translate converts one notify.EventInfo into an aggregator.RawEvent.
// notify collapses inotify's paired IN_MOVED_FROM/IN_MOVED_TO into a
// single Rename event delivered once per affected path with no inherent
// ordering guarantee, so the two sides are told apart by whether the
// path still exists: present means this is the arriving side, absent
// means it's the departing side. IsDir for a departed or removed path,
// which can no longer be stat'd, is recovered from whether a watch was
// registered for it, since only directories are ever watched.
func (lp *Loop) translate(ev notify.EventInfo) (aggregator.RawEvent, bool) {
	full := ev.Path()
	rel, err := lp.relPath(full)
	if err != nil {
		l.Debugf("ignoring event outside the main directory: %s", full)
		return aggregator.RawEvent{}, false
	}

	event := ev.Event()
	switch {
	case event&notify.Remove != 0:
		_, isDir := lp.Agg.Registry.EntryByPath(rel)
		return aggregator.RawEvent{Op: aggregator.OpDelete, RelPath: rel, FullPath: full, IsDir: isDir}, true

	case event&notify.Rename != 0:
		cookie := cookieOf(ev)
		if info, statErr := os.Lstat(full); statErr == nil {
			return aggregator.RawEvent{Op: aggregator.OpMovedTo, RelPath: rel, FullPath: full, IsDir: info.IsDir(), Cookie: cookie}, true
		}
		_, isDir := lp.Agg.Registry.EntryByPath(rel)
		return aggregator.RawEvent{Op: aggregator.OpMovedFrom, RelPath: rel, FullPath: full, IsDir: isDir, Cookie: cookie}, true

	case event&notify.Create != 0:
		info, statErr := os.Lstat(full)
		if statErr != nil {
			l.Debugf("create event for %s vanished before it could be stat'd: %v", rel, statErr)
			return aggregator.RawEvent{}, false
		}
		return aggregator.RawEvent{Op: aggregator.OpCreate, RelPath: rel, FullPath: full, IsDir: info.IsDir()}, true

	case event&notify.Write != 0:
		return aggregator.RawEvent{Op: aggregator.OpModify, RelPath: rel, FullPath: full}, true

	default:
		return aggregator.RawEvent{}, false
	}
}

func (lp *Loop) relPath(full string) (string, error) {
	rel, err := filepath.Rel(lp.Agg.MainDir, full)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return ".", nil
	}
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("quiescence: %s escapes the main directory", full)
	}
	return "./" + rel, nil
}

// cookieOf extracts the kernel's move-pairing cookie when the backend
// exposes one. On Linux, notify's inotify backend surfaces the raw
// unix.InotifyEvent through Sys(), which carries inotify's own
// IN_MOVED_FROM/IN_MOVED_TO cookie unchanged. Backends that don't expose
// it report 0, which the aggregator already treats as "unmatched move":
// a MOVED_FROM with no corresponding cookie degrades to a plain DELETE,
// and a MOVED_TO degrades to a CREATE/MODIFY of content that appeared
// from outside the tree.
func cookieOf(ev notify.EventInfo) uint32 {
	if ie, ok := ev.Sys().(*unix.InotifyEvent); ok {
		return ie.Cookie
	}
	return 0
}
