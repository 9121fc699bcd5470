// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mknyszek/allocwatch"
	"github.com/mknyszek/allocwatch/analysis"
	"github.com/mknyszek/allocwatch/report"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
)

var (
	segmentName     = flag.String("segment", allocwatch.DefaultSegmentName, "shared memory segment name or path")
	retries         = flag.Int("retries", 10, "attempts to attach before giving up")
	retryDelay      = flag.Duration("retry-delay", 500*time.Millisecond, "delay between attach attempts")
	capacity        = flag.Int("capacity", allocwatch.DefaultLayout.Capacity, "number of event slots in the segment")
	payloadSize     = flag.Int("payload-size", allocwatch.DefaultLayout.PayloadSize, "payload width in bytes of each event slot (28 for agents that pack the allocation union)")
	interval        = flag.Duration("interval", 500*time.Millisecond, "period between header reads")
	activeThreshold = flag.Uint64("active-threshold", 50, "live allocation count above which a warning is logged")
	memoryThreshold = flag.Uint64("memory-threshold", 1<<20, "live bytes above which a warning is logged")
	logLevel        = flag.String("log-level", "info", "log level")
	_               = flag.String("config", "", "config file (optional)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that watches the counters an allocation agent\n")
		fmt.Fprintf(flag.CommandLine.Output(), "publishes in its shared memory segment header.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func checkFlags() error {
	if flag.NArg() != 0 {
		return errors.New("unexpected arguments")
	}
	if *interval <= 0 {
		return errors.New("-interval must be positive")
	}
	lvl, err := log.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seg, err := allocwatch.Attach(ctx, *segmentName,
		allocwatch.WithRetries(*retries),
		allocwatch.WithDelay(*retryDelay),
		allocwatch.WithLayout(allocwatch.Layout{Capacity: *capacity, PayloadSize: *payloadSize}),
	)
	if err != nil {
		return fmt.Errorf("attaching to segment: %w", err)
	}
	defer seg.Close()

	r := seg.Reader()
	watch := analysis.HeaderWatch{
		ActiveAllocations: *activeThreshold,
		CurrentMemory:     *memoryThreshold,
	}
	console := report.NewConsole(log.StandardLogger(), 0)

	log.WithField("segment", seg.Path()).Info("monitoring allocation statistics")
	var last allocwatch.Header
	first := true
	for {
		if h, ok := r.Header(); ok && (first || analysis.Changed(last, h)) {
			first = false
			last = h
			reportHeader(ctx, log.StandardLogger(), watch, console, h)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*interval):
		}
	}
}

// reportHeader logs a header snapshot and delivers
// the alerts it raises to rep.
func reportHeader(ctx context.Context, logger log.FieldLogger, watch analysis.HeaderWatch, rep report.Reporter, h allocwatch.Header) {
	entry := logger.WithFields(log.Fields{
		"allocations": h.TotalAllocations,
		"frees":       h.TotalFrees,
		"active":      h.ActiveAllocations(),
		"current_kib": fmt.Sprintf("%.1f", float64(h.CurrentMemory)/1024),
		"events":      h.WriteIndex,
	})
	if h.LeakCount > 0 {
		entry = entry.WithField("leaks", h.LeakCount)
	}
	entry.Info("stats update")

	for _, a := range watch.Check(h) {
		if err := rep.Alert(ctx, a); err != nil {
			logger.WithError(err).Warn("reporting alert")
		}
	}
}

func main() {
	err := ff.Parse(flag.CommandLine, os.Args[1:],
		ff.WithEnvVarPrefix("ALLOCWATCH"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err == nil {
		err = checkFlags()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}
