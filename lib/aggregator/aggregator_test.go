// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

package aggregator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/syncthing/notify"

	"github.com/mpopescu/syncdir/lib/watchregistry"
	"github.com/mpopescu/syncdir/lib/watchtree"
)

func newTestAggregator(t *testing.T) (*Aggregator, string) {
	t.Helper()
	dir := t.TempDir()
	events := make(chan notify.EventInfo, 64)
	t.Cleanup(func() { notify.Stop(events) })
	reg := watchregistry.New(dir, events)
	root := watchtree.NewRoot()
	idx, err := reg.CreateEntry(".", dir, root)
	if err != nil {
		t.Fatalf("root watch: %v", err)
	}
	root.RegistryIndex = idx
	return New(dir, root, reg), dir
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

// Scenario 1: touch a/b.txt && echo hello > a/b.txt
func TestCreateDirThenModifyFile(t *testing.T) {
	a, dir := newTestAggregator(t)

	mustMkdir(t, filepath.Join(dir, "a"))
	if err := a.Process(RawEvent{Op: OpCreate, RelPath: "./a", FullPath: filepath.Join(dir, "a"), IsDir: true}); err != nil {
		t.Fatal(err)
	}

	mustWriteFile(t, filepath.Join(dir, "a", "b.txt"), "hello\n")
	if err := a.Process(RawEvent{Op: OpModify, RelPath: "./a/b.txt", FullPath: filepath.Join(dir, "a", "b.txt")}); err != nil {
		t.Fatal(err)
	}

	dirFI, ok := a.Files["./a"]
	if !ok || !dirFI.WasCreated {
		t.Error("expected a File-Info for ./a marked WasCreated")
	}
	fileFI, ok := a.Files["./a/b.txt"]
	if !ok || !fileFI.WasModified {
		t.Error("expected a File-Info for ./a/b.txt marked WasModified")
	}
}

// Scenario 2: mv a a2 (directory with one file b.txt) -> one MOVE, no MODIFY.
func TestDirectoryMoveCookieMatch(t *testing.T) {
	a, dir := newTestAggregator(t)
	mustMkdir(t, filepath.Join(dir, "a"))
	if err := a.Process(RawEvent{Op: OpCreate, RelPath: "./a", FullPath: filepath.Join(dir, "a"), IsDir: true}); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(dir, "a", "b.txt"), "x")
	if err := a.Process(RawEvent{Op: OpModify, RelPath: "./a/b.txt", FullPath: filepath.Join(dir, "a", "b.txt")}); err != nil {
		t.Fatal(err)
	}
	// Settle the setup MODIFY so the test observes only what the move does.
	a.Files["./a/b.txt"].WasModified = false

	const cookie = uint32(42)
	if err := os.Rename(filepath.Join(dir, "a"), filepath.Join(dir, "a2")); err != nil {
		t.Fatal(err)
	}
	if err := a.Process(RawEvent{Op: OpMovedFrom, RelPath: "./a", FullPath: filepath.Join(dir, "a"), IsDir: true, Cookie: cookie}); err != nil {
		t.Fatal(err)
	}
	if err := a.Process(RawEvent{Op: OpMovedTo, RelPath: "./a2", FullPath: filepath.Join(dir, "a2"), IsDir: true, Cookie: cookie}); err != nil {
		t.Fatal(err)
	}

	if _, ok := a.Files["./a"]; ok {
		t.Error("old directory path should have been re-keyed away")
	}
	dirFI, ok := a.Files["./a2"]
	if !ok || !dirFI.WasMovedFromAndTo {
		t.Error("expected ./a2 to be WasMovedFromAndTo")
	}
	fileFI, ok := a.Files["./a2/b.txt"]
	if !ok {
		t.Fatal("nested file was not re-keyed under the new directory path")
	}
	if fileFI.WasModified {
		t.Error("a pure directory move must not imply MODIFY on its contents")
	}
	if fileFI.MovementCookie != 0 {
		t.Error("cookie should be cleared after a successful match")
	}
}

// Scenario 3: mv a/b.txt a/c.txt && echo x >> a/c.txt
func TestFileMoveThenModify(t *testing.T) {
	a, dir := newTestAggregator(t)
	mustMkdir(t, filepath.Join(dir, "a"))
	if err := a.Process(RawEvent{Op: OpCreate, RelPath: "./a", FullPath: filepath.Join(dir, "a"), IsDir: true}); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(dir, "a", "b.txt"), "x")
	if err := a.Process(RawEvent{Op: OpModify, RelPath: "./a/b.txt", FullPath: filepath.Join(dir, "a", "b.txt")}); err != nil {
		t.Fatal(err)
	}
	// Drop the bootstrap-style MODIFY record so the test cleanly observes the move+modify pair.
	delete(a.Files, "./a/b.txt")

	const cookie = uint32(7)
	if err := os.Rename(filepath.Join(dir, "a", "b.txt"), filepath.Join(dir, "a", "c.txt")); err != nil {
		t.Fatal(err)
	}
	if err := a.Process(RawEvent{Op: OpMovedFrom, RelPath: "./a/b.txt", FullPath: filepath.Join(dir, "a", "b.txt"), Cookie: cookie}); err != nil {
		t.Fatal(err)
	}
	if err := a.Process(RawEvent{Op: OpMovedTo, RelPath: "./a/c.txt", FullPath: filepath.Join(dir, "a", "c.txt"), Cookie: cookie}); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(dir, "a", "c.txt"), "xy")
	if err := a.Process(RawEvent{Op: OpModify, RelPath: "./a/c.txt", FullPath: filepath.Join(dir, "a", "c.txt")}); err != nil {
		t.Fatal(err)
	}

	fi, ok := a.Files["./a/c.txt"]
	if !ok {
		t.Fatal("expected a File-Info at ./a/c.txt")
	}
	if !fi.WasMovedFromAndTo {
		t.Error("expected WasMovedFromAndTo")
	}
	if !fi.WasModified {
		t.Error("expected WasModified after the append")
	}
	if fi.OldRelPath != "./a/b.txt" {
		t.Errorf("OldRelPath = %q, want ./a/b.txt", fi.OldRelPath)
	}
}

// Scenario 4: rm -r a (a contains b/c.txt) -> one DELETE, no child events.
func TestDirectoryDeleteCascades(t *testing.T) {
	a, dir := newTestAggregator(t)
	mustMkdir(t, filepath.Join(dir, "a"))
	if err := a.Process(RawEvent{Op: OpCreate, RelPath: "./a", FullPath: filepath.Join(dir, "a"), IsDir: true}); err != nil {
		t.Fatal(err)
	}
	mustMkdir(t, filepath.Join(dir, "a", "b"))
	if err := a.Process(RawEvent{Op: OpCreate, RelPath: "./a/b", FullPath: filepath.Join(dir, "a", "b"), IsDir: true}); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(dir, "a", "b", "c.txt"), "z")
	if err := a.Process(RawEvent{Op: OpModify, RelPath: "./a/b/c.txt", FullPath: filepath.Join(dir, "a", "b", "c.txt")}); err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(filepath.Join(dir, "a")); err != nil {
		t.Fatal(err)
	}
	if err := a.Process(RawEvent{Op: OpDelete, RelPath: "./a", FullPath: filepath.Join(dir, "a"), IsDir: true}); err != nil {
		t.Fatal(err)
	}

	if _, ok := a.Files["./a/b/c.txt"]; ok {
		t.Error("nested File-Info should have been cascade-removed")
	}
	if _, ok := a.Files["./a/b"]; ok {
		t.Error("nested directory File-Info should have been cascade-removed")
	}
	fi, ok := a.Files["./a"]
	if !ok || !fi.WasDeleted {
		t.Fatal("expected ./a to carry a WasDeleted File-Info")
	}
	if a.Registry.Len() != 1 {
		t.Errorf("expected only the root watch to remain, got %d live watches", a.Registry.Len())
	}
}

// Scenario 5: mv /tmp/d ./ (directory moved in from outside) -> CREATE(d) then
// CREATE/MODIFY for every descendant.
func TestDirectoryMovedInFromOutside(t *testing.T) {
	a, dir := newTestAggregator(t)

	mustMkdir(t, filepath.Join(dir, "d"))
	mustWriteFile(t, filepath.Join(dir, "d", "e.txt"), "e")

	if err := a.Process(RawEvent{Op: OpMovedTo, RelPath: "./d", FullPath: filepath.Join(dir, "d"), IsDir: true, Cookie: 0}); err != nil {
		t.Fatal(err)
	}

	fi, ok := a.Files["./d"]
	if !ok || !fi.WasCreated {
		t.Fatal("expected ./d to be treated as a CREATE")
	}

	pending := a.DrainPending()
	if len(pending) != 1 || pending[0].RelPath != "./d/e.txt" || pending[0].Op != OpModify {
		t.Fatalf("expected exactly one synthetic MODIFY for ./d/e.txt, got %+v", pending)
	}
	for _, ev := range pending {
		if err := a.Process(ev); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := a.Files["./d/e.txt"]; !ok {
		t.Error("expected a File-Info for the descendant file")
	}
}

func TestNoopCreateThenDeleteIsDropped(t *testing.T) {
	a, dir := newTestAggregator(t)
	mustWriteFile(t, filepath.Join(dir, "tmp.txt"), "x")
	if err := a.Process(RawEvent{Op: OpCreate, RelPath: "./tmp.txt", FullPath: filepath.Join(dir, "tmp.txt")}); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(dir, "tmp.txt"))
	if err := a.Process(RawEvent{Op: OpDelete, RelPath: "./tmp.txt", FullPath: filepath.Join(dir, "tmp.txt")}); err != nil {
		t.Fatal(err)
	}
	fi := a.Files["./tmp.txt"]
	if fi == nil || !fi.IsNoop() {
		t.Error("a create-then-delete of a path that never preexisted should be a no-op")
	}
}
