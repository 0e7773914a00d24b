// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package aggregator is the event-aggregation state machine: it folds a
// stream of raw kernel events (plus synthetic events from directory
// bootstrap and subtree expansion) into File-Info updates, growing the
// watch tree and registry as directories come and go.
//
// Grounded on ProcessOperationAndAggregate, SetMovementCookiesForDirMovedFrom,
// CreateStructuresAndEventsForDirMovedToOnly and
// UpdatePathsByCookieForDirMovedFromAndTo in the original SyncDir client.
package aggregator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpopescu/syncdir/lib/fileinfo"
	"github.com/mpopescu/syncdir/lib/logger"
	"github.com/mpopescu/syncdir/lib/metrics"
	"github.com/mpopescu/syncdir/lib/watchregistry"
	"github.com/mpopescu/syncdir/lib/watchtree"
)

var l = logger.DefaultLogger.NewFacility("aggregator", "Event aggregation state machine")

// OpType is the raw operation kind delivered by the watch layer or
// synthesized by bootstrap/subtree expansion.
type OpType int

const (
	OpDelete OpType = iota
	OpMovedFrom
	OpMovedTo
	OpModify
	OpCreate
)

func (o OpType) String() string {
	switch o {
	case OpDelete:
		return "DELETE"
	case OpMovedFrom:
		return "MOVED_FROM"
	case OpMovedTo:
		return "MOVED_TO"
	case OpModify:
		return "MODIFY"
	case OpCreate:
		return "CREATE"
	default:
		return "UNKNOWN"
	}
}

// RawEvent is one (possibly synthetic) occurrence fed to the aggregator.
type RawEvent struct {
	Op       OpType
	RelPath  string
	FullPath string
	IsDir    bool
	Cookie   uint32
}

// Aggregator owns the watch tree, the watch registry and the File-Info
// map for one main directory. It is meant to be driven by a single
// goroutine (lib/quiescence); none of its state is protected by a lock.
type Aggregator struct {
	MainDir  string
	Tree     *watchtree.Node
	Registry *watchregistry.Registry
	Files    fileinfo.Map

	// Pending collects synthetic events produced while handling another
	// event (subtree expansion, bootstrap). The caller drains it after
	// each Process call, feeding the results back through Process.
	Pending []RawEvent
}

// New creates an aggregator rooted at mainDir with an empty tree and
// registry; the caller is expected to follow up with a bootstrap scan.
func New(mainDir string, tree *watchtree.Node, registry *watchregistry.Registry) *Aggregator {
	return &Aggregator{
		MainDir:  mainDir,
		Tree:     tree,
		Registry: registry,
		Files:    fileinfo.New(),
	}
}

// Process folds one event into the File-Info map, possibly mutating the
// watch tree/registry and queuing synthetic events into a.Pending.
func (a *Aggregator) Process(ev RawEvent) error {
	metrics.EventsObserved.WithLabelValues(ev.Op.String()).Inc()
	switch {
	case ev.Op == OpDelete:
		return a.handleDelete(ev)
	case ev.Op == OpMovedFrom:
		return a.handleMovedFrom(ev)
	case ev.Op == OpMovedTo && ev.IsDir:
		return a.handleDirMovedTo(ev)
	case ev.Op == OpMovedTo && !ev.IsDir:
		return a.handleFileMovedTo(ev)
	case ev.Op == OpModify:
		return a.handleModify(ev)
	case ev.Op == OpCreate:
		return a.handleCreate(ev)
	default:
		return fmt.Errorf("aggregator: unknown operation %v for %s", ev.Op, ev.RelPath)
	}
}

// DrainPending returns and clears the queued synthetic events.
func (a *Aggregator) DrainPending() []RawEvent {
	p := a.Pending
	a.Pending = nil
	return p
}

func (a *Aggregator) queue(ev RawEvent) {
	a.Pending = append(a.Pending, ev)
}

// --- DELETE ---------------------------------------------------------------

func (a *Aggregator) handleDelete(ev RawEvent) error {
	fi, existed := a.Files[ev.RelPath]
	if !existed {
		// No record for this path yet this window: it must have been on
		// disk before aggregation started, since a DELETE with nothing
		// preceding it cannot refer to something created in-window.
		fi = &fileinfo.Info{RelPath: ev.RelPath, Name: filepath.Base(ev.RelPath), PreExisted: true}
		a.Files[ev.RelPath] = fi
	}
	fi.WasDeleted = true

	if ev.IsDir {
		// Cascade: every File-Info nested under this path is dropped;
		// the directory's own DELETE already implies their removal, so
		// no child events reach the wire (spec scenario 4).
		for _, nested := range a.Files.UnderPath(ev.RelPath) {
			delete(a.Files, nested.RelPath)
		}
		if node, idx, ok := a.lookupDir(ev.RelPath); ok {
			a.destroySubtree(node, idx)
		}
	}
	return nil
}

// --- MOVED_FROM ------------------------------------------------------------

func (a *Aggregator) handleMovedFrom(ev RawEvent) error {
	fi, existed := a.Files[ev.RelPath]
	if !existed {
		fi = &fileinfo.Info{RelPath: ev.RelPath, Name: filepath.Base(ev.RelPath)}
		a.Files[ev.RelPath] = fi
	}
	fi.PreExisted = true
	fi.WasMovedFromOnly = true
	fi.WasDeleted = false
	fi.WasMovedFromAndTo = false
	fi.MovementCookie = ev.Cookie

	if ev.IsDir {
		a.stampCookie(ev.RelPath, ev.Cookie)
	}
	return nil
}

func (a *Aggregator) stampCookie(dirPath string, cookie uint32) {
	for _, nested := range a.Files.UnderPath(dirPath) {
		nested.MovementCookie = cookie
	}
}

// --- MOVED_TO (file) ---------------------------------------------------------

func (a *Aggregator) handleFileMovedTo(ev RawEvent) error {
	if matches := a.Files.ByCookie(ev.Cookie); ev.Cookie != 0 && len(matches) > 0 {
		old := matches[0]
		oldPath := old.RelPath
		old.OldRelPath = oldPath
		old.OldName = old.Name
		old.OldParentNode = old.ParentNode
		old.WasMovedFromAndTo = true
		old.WasMovedFromOnly = false
		old.WasDeleted = false
		old.Name = filepath.Base(ev.RelPath)
		old.MovementCookie = 0
		parentNode, _, _ := a.lookupDir(filepath.Dir(ev.RelPath))
		old.ParentNode = parentNode
		a.Files.Rekey(oldPath, ev.RelPath)
		return nil
	}
	// Cookie unmatched: treat exactly as MODIFY.
	return a.handleModify(RawEvent{Op: OpModify, RelPath: ev.RelPath, FullPath: ev.FullPath})
}

// --- MOVED_TO (directory) ---------------------------------------------------

func (a *Aggregator) handleDirMovedTo(ev RawEvent) error {
	if matches := a.Files.ByCookie(ev.Cookie); ev.Cookie != 0 && len(matches) > 0 {
		return a.reparentMovedDirectory(ev, matches)
	}
	// Unmatched: a subtree appeared from outside the tree. Build watches
	// and synthetic events for everything beneath it, then treat the
	// directory itself as a CREATE.
	if err := a.cleanupDuplicateName(filepath.Dir(ev.RelPath), filepath.Base(ev.RelPath)); err != nil {
		return err
	}
	return a.handleCreate(RawEvent{Op: OpCreate, RelPath: ev.RelPath, FullPath: ev.FullPath, IsDir: true})
}

func (a *Aggregator) reparentMovedDirectory(ev RawEvent, matches []*fileinfo.Info) error {
	node, _, ok := a.lookupDirByOldPath(matches)
	newParent, _, ok2 := a.lookupDir(filepath.Dir(ev.RelPath))
	if !ok || !ok2 {
		return fmt.Errorf("aggregator: moved_to directory %s has no resolvable watch node", ev.RelPath)
	}
	newName := filepath.Base(ev.RelPath)
	oldDirPath := watchtree.RelPath(node)

	watchtree.Reparent(node, newParent, newName, func(n *watchtree.Node, relPath string) {
		full := filepath.Join(a.MainDir, strings.TrimPrefix(relPath, "./"))
		a.Registry.UpdatePaths(n.RegistryIndex, relPath, full)
	})
	newDirPath := watchtree.RelPath(node)

	for _, fi := range matches {
		oldPath := fi.RelPath
		fi.OldRelPath = oldPath
		fi.OldName = fi.Name
		fi.OldParentNode = fi.ParentNode
		fi.WasMovedFromAndTo = true
		fi.WasMovedFromOnly = false
		fi.WasDeleted = false
		fi.MovementCookie = 0

		newPath := newDirPath + strings.TrimPrefix(oldPath, oldDirPath)
		fi.Name = filepath.Base(newPath)
		if parentNode, _, ok := a.lookupDir(filepath.Dir(newPath)); ok {
			fi.ParentNode = parentNode
		}
		if fi.Kind == fileinfo.KindSymlink {
			a.revalidateSymlink(fi, newPath)
		}
		a.Files.Rekey(oldPath, newPath)
	}
	return nil
}

func (a *Aggregator) revalidateSymlink(fi *fileinfo.Info, newPath string) {
	full := filepath.Join(a.MainDir, strings.TrimPrefix(newPath, "./"))
	target, ok := a.resolveSymlink(full)
	if !ok {
		l.Warnf("symlink %s escapes the main directory after move; dropping target", newPath)
		fi.RealRelPath = ""
		return
	}
	fi.RealRelPath = target
}

// --- MODIFY ------------------------------------------------------------------

func (a *Aggregator) handleModify(ev RawEvent) error {
	fi, existed := a.Files[ev.RelPath]
	if !existed {
		fi = &fileinfo.Info{RelPath: ev.RelPath, Name: filepath.Base(ev.RelPath), PreExisted: true}
		a.Files[ev.RelPath] = fi
	}
	fi.WasModified = true
	fi.WasDeleted = false
	fi.WasMovedFromOnly = false
	if fi.Kind == fileinfo.KindUnknown {
		fi.Kind = fileinfo.KindRegular
	}
	if info, err := os.Lstat(ev.FullPath); err == nil {
		fi.Size = info.Size()
	}
	return nil
}

// --- CREATE ------------------------------------------------------------------

func (a *Aggregator) handleCreate(ev RawEvent) error {
	fi, existed := a.Files[ev.RelPath]
	if !existed {
		fi = &fileinfo.Info{RelPath: ev.RelPath, Name: filepath.Base(ev.RelPath), PreExisted: false}
		a.Files[ev.RelPath] = fi
	} else {
		fi.WasDeleted = false
		fi.WasMovedFromOnly = false
		fi.WasMovedFromAndTo = false
		fi.WasModified = false
	}
	fi.WasCreated = true

	if !ev.IsDir {
		info, err := os.Lstat(ev.FullPath)
		if err != nil {
			l.Warnf("create event for %s but lstat failed: %v", ev.RelPath, err)
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			fi.Kind = fileinfo.KindSymlink
			target, ok := a.resolveSymlink(ev.FullPath)
			if !ok {
				l.Warnf("symlink %s escapes the main directory; dropping event", ev.RelPath)
				delete(a.Files, ev.RelPath)
				return nil
			}
			fi.RealRelPath = target
		} else {
			fi.Kind = fileinfo.KindRegular
			fi.Size = info.Size()
		}
		return nil
	}

	fi.Kind = fileinfo.KindDirectory
	parent, _, ok := a.lookupDir(filepath.Dir(ev.RelPath))
	if !ok {
		parent = a.Tree
	}
	if err := a.cleanupDuplicateName(filepath.Dir(ev.RelPath), filepath.Base(ev.RelPath)); err != nil {
		return err
	}
	node, err := watchtree.Attach(parent, filepath.Base(ev.RelPath))
	if err != nil {
		return err
	}
	idx, err := a.Registry.CreateEntry(ev.RelPath, ev.FullPath, node)
	if err != nil {
		return err
	}
	node.RegistryIndex = idx
	fi.ParentNode = parent

	// Races are expected: content may already exist under this
	// directory by the time the watch got installed. Emit synthetic
	// events for it the same way bootstrap does.
	return a.ExpandDirectory(node, ev.RelPath, ev.FullPath)
}

// ExpandDirectory lists the already-watched directory at relPath/fullPath
// and queues one synthetic event per entry: CREATE for directories and
// symlinks, MODIFY for regular files. It installs nothing itself; the
// watch, node and File-Info appear when the queued events are processed,
// and each directory CREATE expands its own contents in turn. Shared by
// directory CREATE, unmatched directory MOVED_TO, and bootstrap.
func (a *Aggregator) ExpandDirectory(node *watchtree.Node, relPath, fullPath string) error {
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		l.Warnf("expand %s: %v", relPath, err)
		return nil
	}
	for _, entry := range entries {
		childRel := joinRel(relPath, entry.Name())
		childFull := filepath.Join(fullPath, entry.Name())
		info, err := entry.Info()
		if err != nil {
			l.Warnf("expand %s: stat %s: %v", relPath, entry.Name(), err)
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			a.queue(RawEvent{Op: OpCreate, RelPath: childRel, FullPath: childFull, IsDir: false})
			continue
		}
		if entry.IsDir() {
			a.queue(RawEvent{Op: OpCreate, RelPath: childRel, FullPath: childFull, IsDir: true})
			continue
		}
		a.queue(RawEvent{Op: OpModify, RelPath: childRel, FullPath: childFull, IsDir: false})
	}
	return nil
}

// --- shared helpers ----------------------------------------------------------

// cleanupDuplicateName evicts a pre-existing child node named name under
// the directory at dirPath, including its kernel watches and nested
// File-Infos; the normal path for a moved_to directory replacing an
// existing same-named one.
func (a *Aggregator) cleanupDuplicateName(dirPath, name string) error {
	parent, _, ok := a.lookupDir(dirPath)
	if !ok {
		parent = a.Tree
	}
	existing := watchtree.FindChild(parent, name)
	if existing == nil {
		return nil
	}
	relPath := watchtree.RelPath(existing)
	for _, nested := range a.Files.UnderPath(relPath) {
		delete(a.Files, nested.RelPath)
	}
	delete(a.Files, relPath)
	a.destroySubtree(existing, existing.RegistryIndex)
	return nil
}

// destroySubtree removes every kernel watch and tree node under (and
// including) node. File-Info cleanup is the caller's responsibility.
func (a *Aggregator) destroySubtree(node *watchtree.Node, idx int) {
	for _, n := range watchtree.Subtree(node) {
		a.Registry.RemoveEntry(n.RegistryIndex)
	}
	watchtree.Detach(node)
}

func (a *Aggregator) lookupDir(relPath string) (*watchtree.Node, int, bool) {
	if relPath == "." || relPath == "" {
		return a.Tree, a.Tree.RegistryIndex, true
	}
	// filepath.Dir cleans "./a/b" to "a"; registry keys keep the "./" anchor.
	if !strings.HasPrefix(relPath, "./") {
		relPath = "./" + relPath
	}
	idx, ok := a.Registry.EntryByPath(relPath)
	if !ok {
		return nil, -1, false
	}
	entry := a.Registry.Entry(idx)
	if entry == nil || entry.Node == nil {
		return nil, -1, false
	}
	return entry.Node, idx, true
}

func (a *Aggregator) lookupDirByOldPath(matches []*fileinfo.Info) (*watchtree.Node, int, bool) {
	for _, fi := range matches {
		if node, idx, ok := a.lookupDir(fi.RelPath); ok {
			return node, idx, true
		}
	}
	return nil, -1, false
}

// resolveSymlink resolves target's real path and reports whether it stays
// within the main directory. On success it returns the relative path
// (main-directory-anchored) to report back to the peer.
func (a *Aggregator) resolveSymlink(fullPath string) (string, bool) {
	real, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(a.MainDir, real)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return "./" + rel, true
}

func joinRel(dir, name string) string {
	if dir == "." || dir == "./" {
		return "./" + name
	}
	return dir + "/" + name
}
