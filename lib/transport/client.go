// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package transport glues lib/wire's framing to one open connection on
// each side: the client sends a scheduler.Item as one or two operations
// plus content, and the server reads operations back into lib/applier
// calls. Grounded on the per-file Send*ToServer functions in
// syncdir_clt_data_transfer.cpp and RecvAndExecuteOperationFromClient in
// syncdir_srv_data_transfer.cpp.
package transport

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/mpopescu/syncdir/lib/fileinfo"
	"github.com/mpopescu/syncdir/lib/logger"
	"github.com/mpopescu/syncdir/lib/scheduler"
	"github.com/mpopescu/syncdir/lib/wire"
)

var l = logger.DefaultLogger.NewFacility("transport", "Client/server wire glue")

// Client sends scheduled items over one connection, sharing a single
// buffered Reader/Writer pair so digest-handshake replies can never
// desync from the operation stream.
type Client struct {
	MainDir string
	Writer  *wire.Writer
	Reader  *wire.Reader
}

// NewClient wraps conn for sending. limiter may be nil to send file
// bodies unthrottled.
func NewClient(conn io.ReadWriter, mainDir string, limiter *rate.Limiter) *Client {
	return &Client{
		MainDir: mainDir,
		Writer:  wire.NewWriter(conn, limiter),
		Reader:  wire.NewReader(conn),
	}
}

// Send transmits one scheduled item, matching the tier the scheduler
// already resolved it to.
func (c *Client) Send(item scheduler.Item) error {
	fi := item.Info
	switch item.Op {
	case scheduler.OpDelete:
		return c.Writer.WriteDelete(wire.OpDelete, kindOf(fi), fi.RelPath)

	case scheduler.OpMovedFrom:
		return c.Writer.WriteDelete(wire.OpMovedFrom, kindOf(fi), fi.RelPath)

	case scheduler.OpMovedToFile:
		// Content that appeared from outside the watched tree, sent as a
		// plain transfer rather than a move.
		return c.sendModify(wire.OpModify, fi)

	case scheduler.OpMove:
		if err := c.Writer.WriteMove(kindOf(fi), fi.RelPath, fi.OldRelPath); err != nil {
			return err
		}
		if item.FollowWithModify {
			return c.sendModify(wire.OpModify, fi)
		}
		return nil

	case scheduler.OpModify:
		return c.sendModify(wire.OpModify, fi)

	case scheduler.OpCreate:
		if fi.Kind == fileinfo.KindSymlink {
			return c.Writer.WriteCreate(wire.KindSymlink, fi.RelPath, fi.RealRelPath)
		}
		return c.Writer.WriteCreate(kindOf(fi), fi.RelPath, "")

	default:
		return nil
	}
}

// SendAll transmits a full schedule in order, stopping at the first
// error. Items after the failing one are not sent, and nothing here
// queues them again.
func (c *Client) SendAll(items []scheduler.Item) error {
	for _, item := range items {
		if err := c.Send(item); err != nil {
			return fmt.Errorf("transport: send %s %s: %w", item.Op, item.Info.RelPath, err)
		}
	}
	return nil
}

func (c *Client) sendModify(tag wire.OpTag, fi *fileinfo.Info) error {
	full := filepath.Join(c.MainDir, trimDotSlash(fi.RelPath))
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", fi.RelPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("transport: stat %s: %w", fi.RelPath, err)
	}

	return c.Writer.WriteModify(tag, fi.RelPath, f, info.Size(), c.Reader.ReadDigestReply)
}

func kindOf(fi *fileinfo.Info) wire.FileKind {
	switch fi.Kind {
	case fileinfo.KindDirectory:
		return wire.KindDirectory
	case fileinfo.KindSymlink:
		return wire.KindSymlink
	default:
		return wire.KindRegular
	}
}

func trimDotSlash(relPath string) string {
	if len(relPath) >= 2 && relPath[0] == '.' && relPath[1] == '/' {
		return relPath[2:]
	}
	return relPath
}
