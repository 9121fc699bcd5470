// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package allocwatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mknyszek/allocwatch"
	"github.com/stretchr/testify/require"
)

func TestSegmentPath(t *testing.T) {
	require.Equal(t, "/dev/shm/ml_advanced_leak_detection", allocwatch.SegmentPath("ml_advanced_leak_detection"))
	require.Equal(t, "/dev/shm/ml_runtime_shm", allocwatch.SegmentPath("/ml_runtime_shm"))
	require.Equal(t, "/tmp/seg", allocwatch.SegmentPath("/tmp/seg"))
	require.Equal(t, "./testdata/seg", allocwatch.SegmentPath("./testdata/seg"))
}

func writeSegmentFile(t *testing.T, l allocwatch.Layout, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(size))
	return path
}

func TestAttachAndPollLive(t *testing.T) {
	l := allocwatch.Layout{Capacity: 16, PayloadSize: 32}
	path := writeSegmentFile(t, l, l.SegmentSize())

	seg, err := allocwatch.Attach(context.Background(), path, allocwatch.WithLayout(l), allocwatch.WithRetries(1))
	require.NoError(t, err)
	defer seg.Close()
	require.Equal(t, path, seg.Path())
	require.Equal(t, int(l.SegmentSize()), seg.Len())

	r := seg.Reader()
	require.Empty(t, r.Poll())

	// Writes through the file are visible through the shared mapping.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt(l.EncodeEvent(allocwatch.Event{ID: 1, Kind: allocwatch.EventMalloc, Address: 0x40, Size: 128}, true), l.SlotOffset(0))
	require.NoError(t, err)
	_, err = f.WriteAt(allocwatch.Header{WriteIndex: 1, TotalAllocations: 1, CurrentMemory: 128}.Encode(), 0)
	require.NoError(t, err)

	evs := r.Poll()
	require.Len(t, evs, 1)
	require.Equal(t, uint64(0x40), evs[0].Address)
	require.Equal(t, int64(128), evs[0].Size)

	h, ok := r.Header()
	require.True(t, ok)
	require.Equal(t, uint64(128), h.CurrentMemory)
}

func TestAttachCloseIsIdempotent(t *testing.T) {
	l := allocwatch.Layout{Capacity: 2, PayloadSize: 32}
	path := writeSegmentFile(t, l, l.SegmentSize())

	seg, err := allocwatch.Attach(context.Background(), path, allocwatch.WithLayout(l))
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	require.NoError(t, seg.Close())
}

func TestAttachSegmentNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing")

	start := time.Now()
	_, err := allocwatch.Attach(context.Background(), path,
		allocwatch.WithRetries(3),
		allocwatch.WithDelay(time.Millisecond),
	)
	require.ErrorIs(t, err, allocwatch.ErrSegmentNotFound)
	require.NotErrorIs(t, err, allocwatch.ErrAttach)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestAttachUndersizedSegment(t *testing.T) {
	// A producer writing 28-byte payloads sizes its segment for
	// 52-byte slots, short of the default layout.
	l := allocwatch.DefaultLayout
	path := writeSegmentFile(t, l, 52036)

	_, err := allocwatch.Attach(context.Background(), path, allocwatch.WithRetries(2), allocwatch.WithDelay(0))
	require.ErrorIs(t, err, allocwatch.ErrAttach)
	require.NotErrorIs(t, err, allocwatch.ErrSegmentNotFound)
	require.Contains(t, err.Error(), "52036 bytes")
	require.Contains(t, err.Error(), "56036")

	narrow := allocwatch.Layout{Capacity: 1000, PayloadSize: 28}
	seg, err := allocwatch.Attach(context.Background(), path, allocwatch.WithLayout(narrow), allocwatch.WithRetries(1))
	require.NoError(t, err)
	require.NoError(t, seg.Close())
}

func TestAttachEmptySegmentIsRetried(t *testing.T) {
	path := writeSegmentFile(t, allocwatch.DefaultLayout, 0)

	_, err := allocwatch.Attach(context.Background(), path, allocwatch.WithRetries(2), allocwatch.WithDelay(time.Millisecond))
	require.ErrorIs(t, err, allocwatch.ErrSegmentNotFound)
	require.NotErrorIs(t, err, allocwatch.ErrAttach)
}

func TestAttachSegmentAppearsDuringRetry(t *testing.T) {
	l := allocwatch.Layout{Capacity: 2, PayloadSize: 32}
	path := filepath.Join(t.TempDir(), "late")

	go func() {
		time.Sleep(20 * time.Millisecond)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, make([]byte, l.SegmentSize()), 0o644); err == nil {
			_ = os.Rename(tmp, path)
		}
	}()

	seg, err := allocwatch.Attach(context.Background(), path,
		allocwatch.WithLayout(l),
		allocwatch.WithRetries(200),
		allocwatch.WithDelay(5*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, seg.Close())
}

func TestAttachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := allocwatch.Attach(ctx, filepath.Join(t.TempDir(), "missing"),
		allocwatch.WithRetries(5),
		allocwatch.WithDelay(time.Hour),
	)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAttachRejectsBadLayout(t *testing.T) {
	_, err := allocwatch.Attach(context.Background(), "whatever", allocwatch.WithLayout(allocwatch.Layout{}))
	require.Error(t, err)
	require.NotErrorIs(t, err, allocwatch.ErrSegmentNotFound)
}

func TestAttachErrorMatchesSentinel(t *testing.T) {
	err := &allocwatch.AttachError{Path: "/dev/shm/x", Err: os.ErrPermission}
	require.ErrorIs(t, err, allocwatch.ErrAttach)
	require.ErrorIs(t, err, os.ErrPermission)
	require.Contains(t, err.Error(), "/dev/shm/x")
}
