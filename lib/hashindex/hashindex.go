// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package hashindex is the server's content index: a by-path map that
// is the authoritative record of what the server believes is at each
// relative path, and a by-digest index used purely to answer "do I
// already have these bytes somewhere" during the MODIFY digest
// handshake. Grounded on HASH_INFO and InsertHashInfoOfFile /
// DeleteHashInfoOfFile / UpdateOrDeleteHashInfosForDirPath in
// syncdir_srv_hash_info_proc.cpp.
//
// The original keeps one greedy, unbounded by-digest slot per hash
// code (last insert wins, see InsertHashInfoOfFile's own doc comment
// on the resulting redundant-transfer tradeoff) inside the very same
// map as the by-path entries. That map grows without bound for the
// lifetime of the server process. Here the by-digest side is instead a
// bounded LRU (github.com/hashicorp/golang-lru/v2): it is explicitly a
// best-effort hint; losing an entry only costs a redundant transfer,
// never correctness; so bounding it trades a small amount of extra
// bandwidth for a flat memory ceiling.
package hashindex

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one file's indexed content state, mirroring HASH_INFO.
type Entry struct {
	RelPath string
	Digest  string
	Size    int64
}

// Index is the server's dual-keyed content index.
type Index struct {
	byPath   map[string]Entry
	byDigest *lru.Cache[string, Entry]
}

// DefaultDigestCacheSize bounds the by-digest LRU. Chosen generously:
// each entry is a few dozen bytes, so even a six-figure cache is a
// rounding error against file content itself.
const DefaultDigestCacheSize = 100_000

// New creates an empty index with the default digest-cache bound.
func New() *Index {
	return NewWithDigestCacheSize(DefaultDigestCacheSize)
}

// NewWithDigestCacheSize creates an empty index with an explicit
// by-digest LRU bound, mainly for tests.
func NewWithDigestCacheSize(size int) *Index {
	cache, err := lru.New[string, Entry](size)
	if err != nil {
		// Only returns an error for a non-positive size, which is a
		// programmer error, not a runtime condition to recover from.
		panic(err)
	}
	return &Index{byPath: make(map[string]Entry), byDigest: cache}
}

// Insert records (or overwrites) the entry for relPath, and makes it
// the by-digest index's current holder for digest; matching
// InsertHashInfoOfFile's "last insert wins" greedy policy.
func (idx *Index) Insert(relPath, digest string, size int64) {
	e := Entry{RelPath: relPath, Digest: digest, Size: size}
	idx.byPath[relPath] = e
	idx.byDigest.Add(digest, e)
}

// Lookup returns the indexed entry for relPath, if any.
func (idx *Index) Lookup(relPath string) (Entry, bool) {
	e, ok := idx.byPath[relPath]
	return e, ok
}

// LookupByDigest reports whether the server believes it already holds
// content with this digest, and if so where; the answer behind the
// MODIFY "File On Server" / "File Not On Server" reply.
func (idx *Index) LookupByDigest(digest string) (Entry, bool) {
	return idx.byDigest.Get(digest)
}

// Delete removes relPath's entry. It also evicts the by-digest slot
// if and only if that slot still points back at relPath; the same
// "verify existence, verify path match" guard DeleteHashInfoOfFile
// applies before erasing the hash-keyed slot, since a later insert for
// a different path may have already overwritten it.
func (idx *Index) Delete(relPath string) {
	e, ok := idx.byPath[relPath]
	if !ok {
		return
	}
	delete(idx.byPath, relPath)
	if cur, ok := idx.byDigest.Peek(e.Digest); ok && cur.RelPath == relPath {
		idx.byDigest.Remove(e.Digest)
	}
}

// Rename moves the entry at oldPath to newPath and re-inserts the
// by-digest slot for its digest so it points at the new path,
// unconditionally (last insert wins, as in Insert). Mirrors
// UpdateOrDeleteHashInfosForDirPath's per-file UPDATE branch (insert at
// the new path, delete the old).
func (idx *Index) Rename(oldPath, newPath string) {
	e, ok := idx.byPath[oldPath]
	if !ok {
		return
	}
	delete(idx.byPath, oldPath)
	e.RelPath = newPath
	idx.byPath[newPath] = e
	idx.byDigest.Add(e.Digest, e)
}

// DeleteUnderPath removes every indexed entry whose path lies beneath
// dirPath (dirPath itself excluded); the server-side counterpart of a
// cascade directory DELETE.
func (idx *Index) DeleteUnderPath(dirPath string) {
	prefix := dirPath
	if prefix != "." && prefix != "./" {
		prefix += "/"
	}
	for path := range idx.byPath {
		if path != dirPath && len(path) > len(prefix) && path[:len(prefix)] == prefix {
			idx.Delete(path)
		}
	}
}

// RenameUnderPath rewrites every indexed entry whose path lies beneath
// oldDirPath so it lies beneath newDirPath instead; the server-side
// counterpart of a directory MOVE.
func (idx *Index) RenameUnderPath(oldDirPath, newDirPath string) {
	prefix := oldDirPath
	if prefix != "." && prefix != "./" {
		prefix += "/"
	}
	var toRename []string
	for path := range idx.byPath {
		if path != oldDirPath && len(path) > len(prefix) && path[:len(prefix)] == prefix {
			toRename = append(toRename, path)
		}
	}
	for _, oldPath := range toRename {
		newPath := newDirPath + oldPath[len(oldDirPath):]
		idx.Rename(oldPath, newPath)
	}
}

// Len reports the number of path-indexed entries.
func (idx *Index) Len() int {
	return len(idx.byPath)
}

// BuildFromDir walks mainDir recursively and indexes every regular file
// it finds by its MD5 digest, giving the server a ready answer for the
// digest handshake on its very first client connection. Grounded on
// BuildHashInfoForEachFile, with the original's per-directory opendir
// recursion replaced by filepath.WalkDir and its fstatat(..., AT_SYMLINK_NOFOLLOW)
// non-follow behavior kept via WalkDir's own lstat-based DirEntry.
func BuildFromDir(mainDir string) (*Index, error) {
	idx := New()
	err := filepath.WalkDir(mainDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == mainDir || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(mainDir, path)
		if err != nil {
			return fmt.Errorf("hashindex: relativize %s: %w", path, err)
		}
		digest, size, err := digestFile(path)
		if err != nil {
			// A file that vanished or became unreadable between the
			// WalkDir stat and the open is skipped, not fatal; mirrors
			// the original's "continue" on a failed hash.
			return nil
		}
		idx.Insert("./"+filepath.ToSlash(rel), digest, size)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hashindex: walk %s: %w", mainDir, err)
	}
	return idx, nil
}

func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), size, nil
}
