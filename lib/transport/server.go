// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mpopescu/syncdir/lib/applier"
	"github.com/mpopescu/syncdir/lib/metrics"
	"github.com/mpopescu/syncdir/lib/wire"
)

// Server reads operations off one connection and applies them via an
// Applier. Grounded on RecvAndExecuteOperationFromClient.
type Server struct {
	Applier *applier.Applier
}

// NewServer wraps an Applier for connection handling.
func NewServer(a *applier.Applier) *Server {
	return &Server{Applier: a}
}

// Serve processes operations from conn until the client disconnects
// cleanly (EOF on an operation header) or an error occurs. Only one
// Serve call is ever in flight per Applier, matching the single-peer
// non-goal; the accept loop in cmd/syncdir's runServer enforces that.
func (s *Server) Serve(conn io.ReadWriter) error {
	r := wire.NewReader(conn)
	for {
		op, err := r.ReadOperation()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport: %w", err)
		}
		if err := s.apply(r, conn, op); err != nil {
			return fmt.Errorf("transport: apply %v %s: %w", op.Header.OpTag, op.RelPath, err)
		}
	}
}

func (s *Server) apply(r *wire.Reader, w io.Writer, op wire.Operation) error {
	switch op.Header.OpTag {
	case wire.OpCreate:
		return s.Applier.ApplyCreate(op.RelPath, op.Header.FileKind, op.RealRelPath)

	case wire.OpDelete, wire.OpMovedFrom:
		return s.Applier.ApplyDelete(op.RelPath, op.Header.FileKind)

	case wire.OpMove:
		return s.Applier.ApplyMove(op.RelPath, op.OldRelPath, op.Header.FileKind)

	case wire.OpModify:
		return s.applyModify(r, w, op)

	default:
		return fmt.Errorf("unknown operation tag %v", op.Header.OpTag)
	}
}

func (s *Server) applyModify(r *wire.Reader, w io.Writer, op wire.Operation) error {
	digest, err := r.ReadDigest()
	if err != nil {
		return err
	}

	entry, onServer := s.Applier.Index.LookupByDigest(digest)
	if onServer {
		metrics.DigestCacheHits.Inc()
	} else {
		metrics.DigestCacheMisses.Inc()
	}

	if err := wire.WriteDigestReply(w, onServer); err != nil {
		return err
	}
	if onServer {
		return s.Applier.ApplyLocalCopy(op.RelPath, entry)
	}

	var body bytes.Buffer
	if err := r.ReadFileBody(&body); err != nil {
		return err
	}
	metrics.BytesTransferred.Add(float64(body.Len()))
	return s.Applier.ApplyModify(op.RelPath, digest, &body, int64(body.Len()))
}
