// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

package transport

import (
	"crypto/md5"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpopescu/syncdir/lib/applier"
	"github.com/mpopescu/syncdir/lib/fileinfo"
	"github.com/mpopescu/syncdir/lib/hashindex"
	"github.com/mpopescu/syncdir/lib/scheduler"
)

func pipeClientServer(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	return clientConn, serverConn
}

func TestCreateThenModifyRoundTrips(t *testing.T) {
	clientDir := t.TempDir()
	serverDir := t.TempDir()
	clientConn, serverConn := pipeClientServer(t)

	srv := NewServer(applier.New(serverDir, hashindex.New()))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(serverConn) }()

	client := NewClient(clientConn, clientDir, nil)

	if err := os.Mkdir(filepath.Join(clientDir, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "hello from the client"
	if err := os.WriteFile(filepath.Join(clientDir, "a", "f.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	items := []scheduler.Item{
		{Info: &fileinfo.Info{RelPath: "./a", Kind: fileinfo.KindDirectory}, Op: scheduler.OpCreate},
		{Info: &fileinfo.Info{RelPath: "./a/f.txt", Kind: fileinfo.KindRegular}, Op: scheduler.OpModify},
	}
	if err := client.SendAll(items); err != nil {
		t.Fatal(err)
	}

	clientConn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server.Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to finish")
	}

	got, err := os.ReadFile(filepath.Join(serverDir, "a", "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("server content = %q, want %q", got, content)
	}
}

func TestModifySkipsTransferWhenServerAlreadyHasDigest(t *testing.T) {
	clientDir := t.TempDir()
	serverDir := t.TempDir()
	clientConn, serverConn := pipeClientServer(t)

	idx := hashindex.New()
	content := "shared bytes"
	if err := os.WriteFile(filepath.Join(serverDir, "existing.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	idx.Insert("./existing.txt", md5Hex(content), int64(len(content)))

	srv := NewServer(applier.New(serverDir, idx))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(serverConn) }()

	client := NewClient(clientConn, clientDir, nil)
	if err := os.WriteFile(filepath.Join(clientDir, "dup.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	item := scheduler.Item{Info: &fileinfo.Info{RelPath: "./dup.txt", Kind: fileinfo.KindRegular}, Op: scheduler.OpModify}
	if err := client.Send(item); err != nil {
		t.Fatal(err)
	}

	clientConn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server.Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to finish")
	}

	got, err := os.ReadFile(filepath.Join(serverDir, "dup.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("server content = %q, want %q", got, content)
	}
}

func md5Hex(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}
