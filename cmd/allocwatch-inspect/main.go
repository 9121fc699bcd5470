// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mknyszek/allocwatch"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
)

var (
	segmentName = flag.String("segment", allocwatch.DefaultSegmentName, "shared memory segment name or path")
	capacity    = flag.Int("capacity", allocwatch.DefaultLayout.Capacity, "number of event slots in the segment")
	payloadSize = flag.Int("payload-size", allocwatch.DefaultLayout.PayloadSize, "payload width in bytes of each event slot (28 for agents that pack the allocation union)")
	numSlots    = flag.Int("n", 10, "number of event slots to print")
	rawFlag     = flag.Bool("raw", false, "print raw bytes of every slot")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that prints the header and the first\n")
		fmt.Fprintf(flag.CommandLine.Output(), "event slots of a shared memory segment.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func checkFlags() error {
	if flag.NArg() != 0 {
		return errors.New("unexpected arguments")
	}
	if *numSlots < 0 {
		return errors.New("-n must not be negative")
	}
	return nil
}

func run() error {
	l := allocwatch.Layout{Capacity: *capacity, PayloadSize: *payloadSize}
	quiet := log.New()
	quiet.SetLevel(log.WarnLevel)
	seg, err := allocwatch.Attach(context.Background(), *segmentName,
		allocwatch.WithRetries(1),
		allocwatch.WithLayout(l),
		allocwatch.WithLogger(quiet),
	)
	if err != nil {
		return fmt.Errorf("attaching to segment: %w", err)
	}
	defer seg.Close()

	fmt.Printf("Segment: %s\n", seg.Path())
	fmt.Printf("Total size: %d bytes\n", seg.Len())
	fmt.Println()

	raw := make([]byte, allocwatch.HeaderSize)
	if _, err := seg.ReadAt(raw, 0); err != nil && err != io.EOF {
		return fmt.Errorf("reading header: %w", err)
	}
	h, err := allocwatch.DecodeHeader(raw)
	if err != nil {
		return err
	}
	fmt.Println("Header:")
	fmt.Printf("  Write index:        %d\n", h.WriteIndex)
	fmt.Printf("  Read index:         %d\n", h.ReadIndex)
	fmt.Printf("  Total allocations:  %d\n", h.TotalAllocations)
	fmt.Printf("  Total frees:        %d\n", h.TotalFrees)
	fmt.Printf("  Active allocations: %d\n", h.ActiveAllocations())
	fmt.Printf("  Current memory:     %d\n", h.CurrentMemory)
	fmt.Printf("  Leak count:         %d\n", h.LeakCount)
	fmt.Printf("  Raw: %s\n", hex.EncodeToString(raw))
	fmt.Println()

	fmt.Printf("Slots: %d x %d bytes from offset %d\n", l.Capacity, l.EventSize(), allocwatch.HeaderSize)
	n := *numSlots
	if int64(n) > int64(h.WriteIndex) {
		n = int(max(h.WriteIndex, 0))
	}
	if n > l.Capacity {
		n = l.Capacity
	}
	if n == 0 {
		fmt.Println("  No events written yet")
		return nil
	}
	buf := make([]byte, l.EventSize())
	for i := 0; i < n; i++ {
		off := l.SlotOffset(int64(i))
		k, _ := seg.ReadAt(buf, off)
		rec, err := l.DecodeRecord(buf[:k])
		if err != nil {
			fmt.Printf("  Slot %d: %v\n", i, err)
			continue
		}
		ev := rec.Event()
		fmt.Printf("  Slot %d: id=%d kind=%s ts=%d tid=%d valid=%t", i, ev.ID, ev.Kind, ev.Timestamp, ev.ThreadID, rec.Valid)
		switch ev.Kind {
		case allocwatch.EventMalloc, allocwatch.EventFree:
			fmt.Printf(" addr=0x%x size=%d alloc_time=%d site=0x%04x", ev.Address, ev.Size, ev.AllocTime, ev.CallSite)
		case allocwatch.EventLeakDetected:
			fmt.Printf(" addr=0x%x size=%d staleness=%d site=0x%04x", ev.Address, ev.Size, ev.Staleness, ev.CallSite)
		}
		fmt.Println()
		if *rawFlag || !rec.Valid {
			fmt.Print(hex.Dump(buf))
		}
	}
	return nil
}

func main() {
	err := ff.Parse(flag.CommandLine, os.Args[1:], ff.WithEnvVarPrefix("ALLOCWATCH"))
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
