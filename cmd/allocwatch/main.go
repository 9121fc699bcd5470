// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mknyszek/allocwatch"
	"github.com/mknyszek/allocwatch/analysis"
	"github.com/mknyszek/allocwatch/cmd/internal/periodic"
	"github.com/mknyszek/allocwatch/report"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"golang.org/x/sync/errgroup"
)

var (
	segmentName    = flag.String("segment", allocwatch.DefaultSegmentName, "shared memory segment name or path")
	retries        = flag.Int("retries", 10, "attempts to attach before giving up")
	retryDelay     = flag.Duration("retry-delay", 500*time.Millisecond, "delay between attach attempts")
	capacity       = flag.Int("capacity", allocwatch.DefaultLayout.Capacity, "number of event slots in the segment")
	payloadSize    = flag.Int("payload-size", allocwatch.DefaultLayout.PayloadSize, "payload width in bytes of each event slot (28 for agents that pack the allocation union)")
	pollInterval   = flag.Duration("poll-interval", 100*time.Millisecond, "period between polls of the segment")
	reportInterval = flag.Duration("report-interval", 10*time.Second, "period between summary reports")
	topSites       = flag.Int("top", 5, "number of call sites listed in each report")
	largeAlloc     = flag.Int64("large-alloc", 1<<20, "size in bytes above which an allocation is reported")
	staleness      = flag.Duration("staleness", 30*time.Second, "producer leak staleness threshold, for display")
	recentFrees    = flag.Int("recent-frees", 4096, "freed addresses remembered for double-free detection (0 disables)")
	kafkaBrokers   = flag.String("kafka-brokers", "", "comma-separated Kafka brokers to publish alerts to")
	kafkaTopic     = flag.String("kafka-topic", "allocwatch", "Kafka topic to publish alerts to")
	profileOut     = flag.String("profile-out", "", "file to write a pprof call-site profile to on every report")
	metricsAddr    = flag.String("metrics-addr", "", "address to serve Prometheus metrics on")
	logLevel       = flag.String("log-level", "info", "log level")
	logJSON        = flag.Bool("log-json", false, "log in JSON format")
	_              = flag.String("config", "", "config file (optional)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that attaches to an allocation agent's shared memory\n")
		fmt.Fprintf(flag.CommandLine.Output(), "segment and reports leaks and allocation anomalies in real time.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Flags may also be set with ALLOCWATCH_* environment variables.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func layout() allocwatch.Layout {
	return allocwatch.Layout{Capacity: *capacity, PayloadSize: *payloadSize}
}

func checkFlags() error {
	if flag.NArg() != 0 {
		return errors.New("unexpected arguments")
	}
	if err := layout().Validate(); err != nil {
		return err
	}
	if *pollInterval <= 0 {
		return errors.New("-poll-interval must be positive")
	}
	if *reportInterval <= 0 {
		return errors.New("-report-interval must be positive")
	}
	if *kafkaBrokers != "" && *kafkaTopic == "" {
		return errors.New("-kafka-topic is required with -kafka-brokers")
	}
	lvl, err := log.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if *logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}

func reporters() (report.Multi, *report.Metrics) {
	reps := report.Multi{report.NewConsole(log.StandardLogger(), *topSites)}
	if *kafkaBrokers != "" {
		reps = append(reps, report.NewKafka(strings.Split(*kafkaBrokers, ","), *kafkaTopic, *topSites))
	}
	if *profileOut != "" {
		reps = append(reps, report.NewProfile(*profileOut))
	}
	var metrics *report.Metrics
	if *metricsAddr != "" {
		metrics = report.NewMetrics(*topSites)
		reps = append(reps, metrics)
	}
	return reps, metrics
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seg, err := allocwatch.Attach(ctx, *segmentName,
		allocwatch.WithRetries(*retries),
		allocwatch.WithDelay(*retryDelay),
		allocwatch.WithLayout(layout()),
	)
	if err != nil {
		return fmt.Errorf("attaching to segment: %w", err)
	}
	defer seg.Close()

	mon, err := analysis.NewMonitor(analysis.Config{
		LargeAllocation: *largeAlloc,
		Staleness:       *staleness,
		RecentFrees:     *recentFrees,
	})
	if err != nil {
		return fmt.Errorf("creating monitor: %w", err)
	}

	reps, metrics := reporters()
	defer func() {
		if err := reps.Close(); err != nil {
			log.WithError(err).Warn("closing reporters")
		}
	}()

	log.WithFields(log.Fields{
		"segment":    seg.Path(),
		"staleness":  *staleness,
		"large":      *largeAlloc,
		"poll":       *pollInterval,
		"report":     *reportInterval,
		"capacity":   seg.Layout().Capacity,
		"event_size": seg.Layout().EventSize(),
	}).Info("leak detection monitoring started")

	// The poll loop and the periodic report share the monitor.
	var mMu sync.Mutex
	reportCtx := context.WithoutCancel(ctx)
	summarize := func() {
		mMu.Lock()
		s := mon.Summary()
		sites := mon.TopSites(-1)
		mMu.Unlock()
		if err := reps.Summary(reportCtx, s, sites); err != nil {
			log.WithError(err).Warn("reporting summary")
		}
	}
	runner := periodic.Start(summarize, periodic.Period(*reportInterval), periodic.Final())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pollLoop(gctx, seg.Reader(), mon, &mMu, reps)
	})
	if metrics != nil {
		g.Go(func() error {
			return serveMetrics(gctx, *metricsAddr, metrics.Handler())
		})
	}
	err = g.Wait()
	runner.Stop()
	log.Info("monitor stopped")
	return err
}

func pollLoop(ctx context.Context, r *allocwatch.Reader, a analysis.Analyzer, mu *sync.Mutex, rep report.Reporter) error {
	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	var last allocwatch.ReaderStats
	for {
		mu.Lock()
		var alerts []analysis.Alert
		for _, ev := range r.Poll() {
			alerts = append(alerts, a.Process(ev)...)
		}
		mu.Unlock()

		for _, alert := range alerts {
			if err := rep.Alert(ctx, alert); err != nil {
				log.WithError(err).Warn("reporting alert")
			}
		}

		stats := r.Stats()
		if stats.Overruns > last.Overruns {
			log.WithField("cursor", r.Cursor()).Warn("producer lapped the reader, events were lost")
		}
		if stats.Regressions > last.Regressions {
			log.WithField("cursor", r.Cursor()).Warn("producer write index fell behind the reader, waiting for it to catch up")
		}
		if stats.ShortReads > last.ShortReads {
			log.WithField("count", stats.ShortReads-last.ShortReads).Debug("short reads from segment")
		}
		last = stats

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func serveMetrics(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown")
		}
	}()

	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
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
