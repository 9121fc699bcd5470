// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package allocwatch_test

import (
	"testing"

	"github.com/mknyszek/allocwatch"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := allocwatch.Header{
		WriteIndex:       1234,
		ReadIndex:        17,
		TotalAllocations: 1 << 40,
		TotalFrees:       99,
		CurrentMemory:    4096,
		LeakCount:        3,
	}
	b := h.Encode()
	require.Len(t, b, allocwatch.HeaderSize)

	got, err := allocwatch.DecodeHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderLittleEndian(t *testing.T) {
	b := make([]byte, allocwatch.HeaderSize)
	b[0] = 0x01
	b[1] = 0x02
	b[32] = 0xff

	h, err := allocwatch.DecodeHeader(b)
	require.NoError(t, err)
	require.Equal(t, int32(0x0201), h.WriteIndex)
	require.Equal(t, uint32(0xff), h.LeakCount)
}

func TestDecodeHeaderShortRead(t *testing.T) {
	for _, n := range []int{0, 1, allocwatch.HeaderSize - 1, allocwatch.HeaderSize + 1} {
		_, err := allocwatch.DecodeHeader(make([]byte, n))
		require.ErrorIs(t, err, allocwatch.ErrShortRead, "length %d", n)
	}
}

func TestActiveAllocationsSaturates(t *testing.T) {
	require.Equal(t, uint64(7), allocwatch.Header{TotalAllocations: 10, TotalFrees: 3}.ActiveAllocations())
	require.Equal(t, uint64(0), allocwatch.Header{TotalAllocations: 3, TotalFrees: 10}.ActiveAllocations())
}

func TestDefaultLayoutGeometry(t *testing.T) {
	l := allocwatch.DefaultLayout
	require.NoError(t, l.Validate())
	require.Equal(t, 56, l.EventSize())
	require.Equal(t, int64(36+1000*56), l.SegmentSize())
	require.Equal(t, int64(36), l.SlotOffset(0))
	require.Equal(t, int64(36+56), l.SlotOffset(1))
	require.Equal(t, int64(36), l.SlotOffset(1000))
	require.Equal(t, int64(36+999*56), l.SlotOffset(2999))
}

func TestLayoutValidate(t *testing.T) {
	require.Error(t, allocwatch.Layout{Capacity: 0, PayloadSize: 32}.Validate())
	require.Error(t, allocwatch.Layout{Capacity: 10, PayloadSize: 27}.Validate())
	require.NoError(t, allocwatch.Layout{Capacity: 1, PayloadSize: 28}.Validate())
}

func TestEventRoundTrip(t *testing.T) {
	l := allocwatch.DefaultLayout
	for _, ev := range []allocwatch.Event{
		{ID: 1, Kind: allocwatch.EventMalloc, Timestamp: 100, ThreadID: 7, Address: 0xdeadbeef, Size: 4096, AllocTime: 99, CallSite: 0x1234},
		{ID: 2, Kind: allocwatch.EventFree, Timestamp: 200, ThreadID: 7, Address: 0xdeadbeef, Size: 4096, AllocTime: 99, CallSite: 0x1234},
		{ID: 3, Kind: allocwatch.EventLeakDetected, Timestamp: 300, ThreadID: 8, Address: 0xcafe, Size: 64, Staleness: 3e9, CallSite: 0xffff},
		{ID: 4, Kind: allocwatch.EventAccessPattern, Timestamp: 400, ThreadID: 9},
	} {
		rec, err := l.DecodeRecord(l.EncodeEvent(ev, true))
		require.NoError(t, err)
		require.True(t, rec.Valid)
		require.Len(t, rec.Payload, l.PayloadSize)
		require.Equal(t, ev, rec.Event(), ev.Kind.String())
	}
}

func TestDecodeRecordInvalidFlag(t *testing.T) {
	l := allocwatch.DefaultLayout
	rec, err := l.DecodeRecord(l.EncodeEvent(allocwatch.Event{ID: 1, Kind: allocwatch.EventMalloc}, false))
	require.NoError(t, err)
	require.False(t, rec.Valid)
}

func TestDecodeRecordShortRead(t *testing.T) {
	l := allocwatch.DefaultLayout
	for _, n := range []int{0, 20, l.EventSize() - 1, l.EventSize() + 1} {
		rec, err := l.DecodeRecord(make([]byte, n))
		require.ErrorIs(t, err, allocwatch.ErrShortRead, "length %d", n)
		require.Equal(t, allocwatch.Record{}, rec)
	}
}

func TestUnknownKindHasEmptyPayload(t *testing.T) {
	l := allocwatch.DefaultLayout
	b := l.EncodeEvent(allocwatch.Event{ID: 9, Kind: allocwatch.EventMalloc, Address: 1, Size: 2, CallSite: 3}, true)
	// Rewrite the kind to something the producer may add later.
	b[4] = 42

	rec, err := l.DecodeRecord(b)
	require.NoError(t, err)
	ev := rec.Event()
	require.Equal(t, allocwatch.EventKind(42), ev.Kind)
	require.Equal(t, "UNKNOWN(42)", ev.Kind.String())
	require.Zero(t, ev.Address)
	require.Zero(t, ev.Size)
	require.Zero(t, ev.CallSite)
}

func TestWidePayloadLayout(t *testing.T) {
	l := allocwatch.Layout{Capacity: 4, PayloadSize: 40}
	ev := allocwatch.Event{ID: 5, Kind: allocwatch.EventMalloc, Address: 0x10, Size: 32, AllocTime: 1, CallSite: 2}
	b := l.EncodeEvent(ev, true)
	require.Len(t, b, 64)

	rec, err := l.DecodeRecord(b)
	require.NoError(t, err)
	require.True(t, rec.Valid)
	require.Equal(t, ev, rec.Event())
}
