// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package bootstrap performs the initial walk of a main directory,
// installing the root watch and synthesizing CREATE/MODIFY events for
// everything already on disk before the first kernel event can arrive.
// Grounded on BuildEventsForAllSubdirFiles in the original SyncDir
// client.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpopescu/syncdir/lib/aggregator"
	"github.com/mpopescu/syncdir/lib/logger"
	"github.com/mpopescu/syncdir/lib/watchtree"
)

var l = logger.DefaultLogger.NewFacility("bootstrap", "Initial directory walk")

// Run installs the root watch (if not already installed) and walks the
// aggregator's main directory, feeding synthetic events through the
// aggregator until every existing file and directory has a File-Info
// record and every directory has a kernel watch. Intended to run once,
// before the quiescence loop starts consuming real kernel events.
func Run(a *aggregator.Aggregator) error {
	if _, ok := a.Registry.EntryByPath("."); !ok {
		idx, err := a.Registry.CreateEntry(".", a.MainDir, a.Tree)
		if err != nil {
			return fmt.Errorf("bootstrap: watch root: %w", err)
		}
		a.Tree.RegistryIndex = idx
	}
	if err := a.ExpandDirectory(a.Tree, ".", a.MainDir); err != nil {
		return fmt.Errorf("bootstrap: expand root: %w", err)
	}
	if err := drain(a); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	l.Infof("bootstrap scan of %s complete: %d files tracked", a.MainDir, len(a.Files))
	return nil
}

// drain repeatedly processes the aggregator's queued synthetic events
// until none remain. Processing a directory CREATE queues more events
// for its own children, so this must loop rather than drain once.
func drain(a *aggregator.Aggregator) error {
	for {
		pending := a.DrainPending()
		if len(pending) == 0 {
			return nil
		}
		for _, ev := range pending {
			if err := a.Process(ev); err != nil {
				return err
			}
		}
	}
}

// Rescan non-destructively re-walks the tree after a detected watch
// overflow (see lib/quiescence): unlike Run, it never touches a File-Info
// or watch node that already exists. Only a watch node/registry entry
// missing for a directory, or a File-Info missing (or previously marked
// deleted) for a file, is synthesized; so running Rescan against an
// already-synced tree produces no wire traffic at all.
func Rescan(a *aggregator.Aggregator) error {
	if err := rescanDir(a, a.Tree, ".", a.MainDir); err != nil {
		return fmt.Errorf("bootstrap: rescan: %w", err)
	}
	return nil
}

func rescanDir(a *aggregator.Aggregator, node *watchtree.Node, relPath, fullPath string) error {
	if _, ok := a.Registry.EntryByPath(relPath); !ok {
		idx, err := a.Registry.CreateEntry(relPath, fullPath, node)
		if err != nil {
			return err
		}
		node.RegistryIndex = idx
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		l.Warnf("rescan %s: %v", relPath, err)
		return nil
	}

	for _, entry := range entries {
		childRel := joinRel(relPath, entry.Name())
		childFull := filepath.Join(fullPath, entry.Name())

		if entry.IsDir() {
			child := watchtree.FindChild(node, entry.Name())
			if child == nil {
				// Never watched: run it through the normal CREATE path,
				// which installs the watch, attaches the node and expands
				// its contents in one go.
				if err := a.Process(aggregator.RawEvent{Op: aggregator.OpCreate, RelPath: childRel, FullPath: childFull, IsDir: true}); err != nil {
					return err
				}
				if err := drain(a); err != nil {
					return err
				}
				continue
			}
			if err := rescanDir(a, child, childRel, childFull); err != nil {
				return err
			}
			continue
		}

		if fi, tracked := a.Files[childRel]; tracked && !fi.WasDeleted {
			continue
		}
		if err := a.Process(aggregator.RawEvent{Op: aggregator.OpModify, RelPath: childRel, FullPath: childFull, IsDir: false}); err != nil {
			return err
		}
		if err := drain(a); err != nil {
			return err
		}
	}
	return nil
}

func joinRel(dir, name string) string {
	if dir == "." || dir == "./" {
		return "./" + name
	}
	return dir + "/" + name
}
