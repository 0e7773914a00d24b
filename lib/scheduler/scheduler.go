// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package scheduler orders the File-Info map for transmission once the
// quiescence loop decides the watched tree has settled: directories
// before non-directories, shallowest depth first within directories,
// and a fixed six-tier priority per entry. Grounded on
// SendAllFileInfoEventsToServer in the original SyncDir client.
package scheduler

import (
	"sort"

	"github.com/mpopescu/syncdir/lib/fileinfo"
)

// OpKind is the operation the wire protocol ultimately sends, distinct
// from fileinfo's raw event flags; this is the resolved, prioritized
// decision for one File-Info record.
type OpKind int

const (
	OpNone OpKind = iota
	OpDelete
	OpMovedFrom
	OpMovedToFile
	OpMove
	OpModify
	OpCreate
)

func (k OpKind) String() string {
	switch k {
	case OpDelete:
		return "DELETE"
	case OpMovedFrom:
		return "MOVED_FROM"
	case OpMovedToFile:
		return "MOVED_TO"
	case OpMove:
		return "MOVE"
	case OpModify:
		return "MODIFY"
	case OpCreate:
		return "CREATE"
	default:
		return "NONE"
	}
}

// Item is one scheduled transmission: a File-Info record plus the
// operation decided for it, in final emission order.
type Item struct {
	Info *fileinfo.Info
	Op   OpKind
	// FollowWithModify is set alongside OpMove when the moved file was
	// also modified: the wire layer must send MOVE then MODIFY for the
	// same record ("4. MOVE ... if any modifications ... send also
	// MODIFY" in the original).
	FollowWithModify bool
}

// Resolve applies the six-tier priority to a single File-Info record,
// returning OpNone if the record implies no net change and should be
// dropped silently (e.g. create-then-delete of a never-preexisting
// path).
func Resolve(fi *fileinfo.Info) Item {
	if fi.IsNoop() {
		return Item{Info: fi, Op: OpNone}
	}

	// 1. DELETE; only meaningful if the path existed before this window.
	if fi.WasDeleted {
		if fi.PreExisted {
			return Item{Info: fi, Op: OpDelete}
		}
		return Item{Info: fi, Op: OpNone}
	}

	// 2. MOVED_FROM (unmatched; the pairing MOVED_TO never arrived,
	// meaning the path left the watched tree entirely); same "delete,
	// but only if it existed before" rule.
	if fi.WasMovedFromOnly {
		if fi.PreExisted {
			return Item{Info: fi, Op: OpMovedFrom}
		}
		return Item{Info: fi, Op: OpNone}
	}

	// 3. MOVED_TO-only has no branch here: the aggregator records an
	// unmatched MOVED_TO as MODIFY (files) or CREATE (directories), so
	// it resolves through tiers 5 and 6 and Resolve never returns
	// OpMovedToFile.
	if fi.WasMovedFromAndTo {
		// 4. MOVE: renamed/re-parented inside the tree.
		if fi.WasModified {
			return Item{Info: fi, Op: OpMove, FollowWithModify: true}
		}
		return Item{Info: fi, Op: OpMove}
	}

	// 5. MODIFY
	if fi.WasModified {
		return Item{Info: fi, Op: OpModify}
	}

	// 6. CREATE
	if fi.WasCreated {
		return Item{Info: fi, Op: OpCreate}
	}

	return Item{Info: fi, Op: OpNone}
}

// Schedule drains files into emission order: directories first ordered
// by ascending depth (so a parent directory's CREATE always reaches
// the server before its children's), then every non-directory in
// map-iteration order. Depth is read off Info.ParentNode, falling back
// to OldParentNode for a record already re-keyed by a move.
func Schedule(files fileinfo.Map) []Item {
	items := make([]Item, 0, len(files))
	for _, fi := range files {
		it := Resolve(fi)
		if it.Op == OpNone {
			continue
		}
		items = append(items, it)
	}

	sort.SliceStable(items, func(i, j int) bool {
		di, dj := depthOf(items[i].Info), depthOf(items[j].Info)
		ciDir, cjDir := isDir(items[i].Info), isDir(items[j].Info)
		if ciDir != cjDir {
			return ciDir // directories before non-directories
		}
		if !ciDir {
			return false // non-directories keep stable relative order
		}
		return di < dj
	})
	return items
}

func isDir(fi *fileinfo.Info) bool {
	return fi.Kind == fileinfo.KindDirectory
}

func depthOf(fi *fileinfo.Info) int {
	if fi.ParentNode != nil {
		return fi.ParentNode.Depth + 1
	}
	if fi.OldParentNode != nil {
		return fi.OldParentNode.Depth + 1
	}
	return 0
}
