// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Command syncdir is the process entrypoint for both halves of one
// directory replication pair: "syncdir client" watches a directory and
// streams its changes to a server, and "syncdir server" accepts one
// such client at a time and applies what it sends. Grounded on
// MainCltRoutine/MainSrvRoutine in syncdir_clt_main.c and
// syncdir_srv_main.cpp, with command dispatch and flag binding in the
// style of cmd/syncthing/cli and cmd/stcrashreceiver.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/syncthing/notify"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/mpopescu/syncdir/lib/aggregator"
	"github.com/mpopescu/syncdir/lib/applier"
	"github.com/mpopescu/syncdir/lib/bootstrap"
	"github.com/mpopescu/syncdir/lib/fileinfo"
	"github.com/mpopescu/syncdir/lib/hashindex"
	"github.com/mpopescu/syncdir/lib/logger"
	"github.com/mpopescu/syncdir/lib/metrics"
	"github.com/mpopescu/syncdir/lib/quiescence"
	"github.com/mpopescu/syncdir/lib/scheduler"
	"github.com/mpopescu/syncdir/lib/svcutil"
	"github.com/mpopescu/syncdir/lib/transport"
	"github.com/mpopescu/syncdir/lib/watchregistry"
	"github.com/mpopescu/syncdir/lib/watchtree"
)

var l = logger.DefaultLogger.NewFacility("main", "Process entrypoint")

// The [1024, 65535] bound and the 49152 "recommended" threshold mirror
// MainCltRoutine's / MainSrvRoutine's own port validation.
const (
	minPort            = 1024
	minRecommendedPort = 49152
	maxPort            = 65535
)

type cli struct {
	LogLevel    string    `help:"Log level; only debug changes output, enabling debug lines for the main facility" env:"SYNCDIR_LOG_LEVEL" default:"info" enum:"debug,verbose,info,warn"`
	MetricsAddr string    `help:"Address to serve Prometheus metrics and /healthz on; empty disables it" env:"SYNCDIR_METRICS_ADDR"`
	Client      clientCmd `cmd:"" help:"Watch a directory and stream its changes to a syncdir server"`
	Server      serverCmd `cmd:"" help:"Accept one syncdir client connection at a time and apply what it sends"`
}

type clientCmd struct {
	Port     int           `help:"Server TCP port" env:"SYNCDIR_PORT" required:""`
	Peer     string        `help:"Server IP address or hostname" env:"SYNCDIR_PEER" required:""`
	Dir      string        `help:"Directory to watch and replicate" env:"SYNCDIR_DIR" required:""`
	Duration time.Duration `help:"How long to run before exiting; 0 means forever" env:"SYNCDIR_DURATION" default:"0"`
	RateKBps int           `help:"Cap outbound file transfer at this many KiB/s; 0 means unthrottled" env:"SYNCDIR_RATE_KBPS" default:"0"`
}

type serverCmd struct {
	Port int    `help:"TCP port to listen on" env:"SYNCDIR_PORT" required:""`
	Dir  string `help:"Directory to receive replicated changes into" env:"SYNCDIR_DIR" required:""`
}

func main() {
	var params cli
	kctx := kong.Parse(&params,
		kong.Name("syncdir"),
		kong.Description("One-way directory replication client and server"),
	)

	logger.DefaultLogger.SetDebug("main", params.LogLevel == "debug")

	if params.MetricsAddr != "" {
		go func() {
			if err := metrics.ListenAndServe(params.MetricsAddr); err != nil {
				l.Warnf("metrics server stopped: %v", err)
			}
		}()
	}

	var err error
	switch kctx.Command() {
	case "client":
		err = runClient(params.Client)
	case "server":
		err = runServer(params.Server)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil {
		l.Warnf("%v", err)
		os.Exit(svcutil.AsFatalErr(err, svcutil.ExitError).Status.AsInt())
	}
}

// validatePort mirrors MainCltRoutine/MainSrvRoutine's port checks: hard
// failure outside [1024, 65535], a warning (not a failure) below 49152.
func validatePort(port int) error {
	if port < minPort || port > maxPort {
		return fmt.Errorf("port %d out of range [%d, %d]", port, minPort, maxPort)
	}
	if port < minRecommendedPort {
		l.Warnf("port %d is below the recommended range [%d, %d]", port, minRecommendedPort, maxPort)
	}
	return nil
}

// validateDir mirrors IsDirectoryValid + IsPathSymbolicLink: the path
// must exist, resolve to a directory, and not itself be a symlink. The
// resolved absolute path stands in for the original's realpath() call.
func validateDir(dir string) (string, error) {
	full, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Lstat(full)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", dir, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%s is a symbolic link; provide a real directory", dir)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return full, nil
}

// runClient wires together the watch/aggregate/schedule/transmit
// pipeline (C1-C6, C9, C10 and C15 in one process) under a suture supervisor,
// matching MainCltRoutine's connect-then-CltMonitorPartition shape.
func runClient(cmd clientCmd) error {
	if err := validatePort(cmd.Port); err != nil {
		return err
	}
	mainDir, err := validateDir(cmd.Dir)
	if err != nil {
		return err
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(cmd.Peer, fmt.Sprintf("%d", cmd.Port)))
	if err != nil {
		return fmt.Errorf("connect to %s:%d: %w", cmd.Peer, cmd.Port, err)
	}
	defer conn.Close()
	l.Infof("connected to syncdir server at %s:%d", cmd.Peer, cmd.Port)

	var limiter *rate.Limiter
	if cmd.RateKBps > 0 {
		bytesPerSec := cmd.RateKBps * 1024
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
	}
	client := transport.NewClient(conn, mainDir, limiter)

	events := make(chan notify.EventInfo, quiescence.EventChannelCapacity)
	registry := watchregistry.New(mainDir, events)
	agg := &aggregator.Aggregator{
		MainDir:  mainDir,
		Tree:     watchtree.NewRoot(),
		Registry: registry,
		Files:    fileinfo.New(),
	}

	if err := bootstrap.Run(agg); err != nil {
		return fmt.Errorf("initial scan of %s: %w", mainDir, err)
	}
	l.Infof("initial scan complete, sending preexisting tree to server")
	if err := client.SendAll(scheduler.Schedule(drainInitialSnapshot(agg))); err != nil {
		return fmt.Errorf("send initial snapshot: %w", err)
	}

	loop := quiescence.New(agg, events, func(items []scheduler.Item) error {
		if err := client.SendAll(items); err != nil {
			return err
		}
		for _, item := range items {
			metrics.OperationsEmitted.WithLabelValues(item.Op.String()).Inc()
		}
		return nil
	})

	ctx, cancel := signalContext()
	defer cancel()
	if cmd.Duration > 0 {
		var durationCancel context.CancelFunc
		ctx, durationCancel = context.WithTimeout(ctx, cmd.Duration)
		defer durationCancel()
	}

	sup := suture.New("syncdir-client", svcutil.SpecWithInfoLogger(l))
	sup.Add(svcutil.AsService(loop.Run, "main.runClient"))
	return sup.Serve(ctx)
}

// drainInitialSnapshot hands the bootstrap scan's File-Info map to the
// scheduler and resets it, the same "schedule, then start fresh" step
// the quiescence loop performs every settle cycle.
func drainInitialSnapshot(agg *aggregator.Aggregator) fileinfo.Map {
	files := agg.Files
	agg.Files = fileinfo.New()
	return files
}

// runServer accepts one client connection at a time and applies its
// operations, matching MainSrvRoutine's build-index-then-accept-loop
// shape; the single-peer non-goal keeps this to one Serve call at a
// time rather than one goroutine per connection.
func runServer(cmd serverCmd) error {
	if err := validatePort(cmd.Port); err != nil {
		return err
	}
	mainDir, err := validateDir(cmd.Dir)
	if err != nil {
		return err
	}

	index, err := hashindex.BuildFromDir(mainDir)
	if err != nil {
		return fmt.Errorf("build hash index for %s: %w", mainDir, err)
	}
	l.Infof("hash index built for %s: %d files", mainDir, index.Len())

	a := applier.New(mainDir, index)
	srv := transport.NewServer(a)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cmd.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cmd.Port, err)
	}
	defer ln.Close()
	l.Infof("listening on port %d, serving into %s", cmd.Port, mainDir)

	ctx, cancel := signalContext()
	defer cancel()

	acceptLoop := func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			l.Infof("client connected from %s", conn.RemoteAddr())
			if err := srv.Serve(conn); err != nil {
				l.Warnf("connection from %s ended: %v", conn.RemoteAddr(), err)
			} else {
				l.Infof("connection from %s closed cleanly", conn.RemoteAddr())
			}
			conn.Close()
		}
	}

	sup := suture.New("syncdir-server", svcutil.SpecWithInfoLogger(l))
	sup.Add(svcutil.AsService(acceptLoop, "main.runServer"))
	return sup.Serve(ctx)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, the
// process-level equivalent of the original's Ctrl-C driven shutdown.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, stop
}
