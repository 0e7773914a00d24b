// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

package hashindex

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInsertAndLookup(t *testing.T) {
	idx := New()
	idx.Insert("./a.txt", "digest1", 10)

	e, ok := idx.Lookup("./a.txt")
	if !ok || e.Digest != "digest1" || e.Size != 10 {
		t.Fatalf("Lookup(./a.txt) = %+v, %v", e, ok)
	}
	e, ok = idx.LookupByDigest("digest1")
	if !ok || e.RelPath != "./a.txt" {
		t.Fatalf("LookupByDigest(digest1) = %+v, %v", e, ok)
	}
}

func TestDeleteGuardsDigestSlotAgainstLaterOverwrite(t *testing.T) {
	idx := New()
	idx.Insert("./a.txt", "dup", 10)
	idx.Insert("./b.txt", "dup", 10) // same digest, greedy overwrite per the original policy

	idx.Delete("./a.txt")
	if _, ok := idx.Lookup("./a.txt"); ok {
		t.Error("./a.txt should be gone from the by-path map")
	}
	// The digest slot now belongs to ./b.txt; deleting ./a.txt must not
	// take it down too.
	e, ok := idx.LookupByDigest("dup")
	if !ok || e.RelPath != "./b.txt" {
		t.Fatalf("LookupByDigest(dup) = %+v, %v, want ./b.txt still indexed", e, ok)
	}
}

func TestRename(t *testing.T) {
	idx := New()
	idx.Insert("./old.txt", "d1", 5)
	idx.Rename("./old.txt", "./new.txt")

	if _, ok := idx.Lookup("./old.txt"); ok {
		t.Error("old path still present after Rename")
	}
	e, ok := idx.Lookup("./new.txt")
	if !ok || e.Digest != "d1" {
		t.Fatalf("Lookup(./new.txt) = %+v, %v", e, ok)
	}
	e, ok = idx.LookupByDigest("d1")
	if !ok || e.RelPath != "./new.txt" {
		t.Fatalf("LookupByDigest(d1) after rename = %+v, %v", e, ok)
	}
}

func TestDeleteUnderPathCascades(t *testing.T) {
	idx := New()
	idx.Insert("./a", "dA", 0)
	idx.Insert("./a/b.txt", "dB", 1)
	idx.Insert("./a/sub/c.txt", "dC", 2)
	idx.Insert("./other.txt", "dO", 3)

	idx.DeleteUnderPath("./a")

	if _, ok := idx.Lookup("./a/b.txt"); ok {
		t.Error("./a/b.txt should have been cascade-deleted")
	}
	if _, ok := idx.Lookup("./a/sub/c.txt"); ok {
		t.Error("./a/sub/c.txt should have been cascade-deleted")
	}
	if _, ok := idx.Lookup("./a"); !ok {
		t.Error("./a itself should NOT be removed by DeleteUnderPath")
	}
	if _, ok := idx.Lookup("./other.txt"); !ok {
		t.Error("unrelated path should be untouched")
	}
}

func TestRenameUnderPath(t *testing.T) {
	idx := New()
	idx.Insert("./a/b.txt", "dB", 1)
	idx.Insert("./a/sub/c.txt", "dC", 2)

	idx.RenameUnderPath("./a", "./a2")

	if _, ok := idx.Lookup("./a/b.txt"); ok {
		t.Error("old nested path still present after RenameUnderPath")
	}
	if e, ok := idx.Lookup("./a2/b.txt"); !ok || e.Digest != "dB" {
		t.Errorf("Lookup(./a2/b.txt) = %+v, %v", e, ok)
	}
	if e, ok := idx.Lookup("./a2/sub/c.txt"); !ok || e.Digest != "dC" {
		t.Errorf("Lookup(./a2/sub/c.txt) = %+v, %v", e, ok)
	}
}

func TestDigestCacheIsBounded(t *testing.T) {
	idx := NewWithDigestCacheSize(2)
	idx.Insert("./a.txt", "d1", 1)
	idx.Insert("./b.txt", "d2", 1)
	idx.Insert("./c.txt", "d3", 1) // evicts the LRU slot (d1)

	if _, ok := idx.LookupByDigest("d1"); ok {
		t.Error("expected the oldest digest entry to have been evicted")
	}
	if _, ok := idx.LookupByDigest("d3"); !ok {
		t.Error("most recent digest entry should still be present")
	}
	// The by-path map is authoritative and unaffected by LRU eviction.
	if _, ok := idx.Lookup("./a.txt"); !ok {
		t.Error("by-path entry must survive digest-cache eviction")
	}
}

func TestBuildFromDirIndexesNestedRegularFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "top.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}

	idx, err := BuildFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 2 {
		t.Fatalf("BuildFromDir indexed %d files, want 2", idx.Len())
	}
	if _, ok := idx.Lookup("./top.txt"); !ok {
		t.Error("expected ./top.txt to be indexed")
	}
	if _, ok := idx.Lookup("./sub/nested.txt"); !ok {
		t.Error("expected ./sub/nested.txt to be indexed")
	}
}

func TestBuildFromDirSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "real.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "link.txt")); err != nil {
		t.Fatal(err)
	}

	idx, err := BuildFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 1 {
		t.Fatalf("BuildFromDir indexed %d files, want 1 (symlink skipped)", idx.Len())
	}
}
