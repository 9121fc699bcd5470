// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package allocwatch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size in bytes of the packed segment header.
//
// Layout (little-endian, no padding):
//
//	0  write_index        int32
//	4  read_index         int32
//	8  total_allocations  uint64
//	16 total_frees        uint64
//	24 current_memory     uint64
//	32 leak_count         uint32
const HeaderSize = 36

// Event slots are packed as:
//
//	0     event_id      int32
//	4     event_type    uint32
//	8     timestamp_ns  int64
//	16    thread_id     uint32
//	20    payload       [PayloadSize]byte
//	20+P  is_valid      int32
const (
	slotFixedSize  = 24
	slotPayloadOff = 20

	// payloadUsedSize covers address(8), size(8),
	// time_or_staleness(8) and call_site_id(4).
	payloadUsedSize = 28
)

// ErrShortRead is returned when a span handed to a decoder
// does not match the fixed size of the record it encodes.
var ErrShortRead = errors.New("short read")

// Header is a snapshot of the segment header.
type Header struct {
	// WriteIndex is the number of events ever produced.
	WriteIndex int32

	// ReadIndex is producer-side bookkeeping. It is not
	// authoritative for the consumer.
	ReadIndex int32

	TotalAllocations uint64
	TotalFrees       uint64
	CurrentMemory    uint64
	LeakCount        uint32
}

// ActiveAllocations returns the number of allocations the producer
// considers live. It saturates at zero.
func (h Header) ActiveAllocations() uint64 {
	if h.TotalFrees > h.TotalAllocations {
		return 0
	}
	return h.TotalAllocations - h.TotalFrees
}

// DecodeHeader decodes a header from b, which must be exactly
// HeaderSize bytes long.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("header: %w: got %d bytes, want %d", ErrShortRead, len(b), HeaderSize)
	}
	le := binary.LittleEndian
	return Header{
		WriteIndex:       int32(le.Uint32(b[0:])),
		ReadIndex:        int32(le.Uint32(b[4:])),
		TotalAllocations: le.Uint64(b[8:]),
		TotalFrees:       le.Uint64(b[16:]),
		CurrentMemory:    le.Uint64(b[24:]),
		LeakCount:        le.Uint32(b[32:]),
	}, nil
}

// Encode returns the packed representation of h.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(h.WriteIndex))
	le.PutUint32(b[4:], uint32(h.ReadIndex))
	le.PutUint64(b[8:], h.TotalAllocations)
	le.PutUint64(b[16:], h.TotalFrees)
	le.PutUint64(b[24:], h.CurrentMemory)
	le.PutUint32(b[32:], h.LeakCount)
	return b
}

// Layout describes the geometry of a segment: how many event
// slots follow the header and how wide each slot's payload is.
type Layout struct {
	// Capacity is the number of event slots in the ring.
	Capacity int

	// PayloadSize is the width in bytes of the opaque
	// payload block inside each slot.
	PayloadSize int
}

// DefaultLayout is the layout written by the allocator agent.
var DefaultLayout = Layout{
	Capacity:    1000,
	PayloadSize: 32,
}

// Validate checks that l describes a usable segment.
func (l Layout) Validate() error {
	if l.Capacity <= 0 {
		return fmt.Errorf("layout: capacity must be positive, got %d", l.Capacity)
	}
	if l.PayloadSize < payloadUsedSize {
		return fmt.Errorf("layout: payload must be at least %d bytes, got %d", payloadUsedSize, l.PayloadSize)
	}
	return nil
}

// EventSize returns the size in bytes of one event slot.
func (l Layout) EventSize() int {
	return slotFixedSize + l.PayloadSize
}

// SegmentSize returns the minimum size in bytes of a segment
// holding a header and Capacity slots.
func (l Layout) SegmentSize() int64 {
	return HeaderSize + int64(l.Capacity)*int64(l.EventSize())
}

// SlotOffset returns the byte offset of the slot that
// the index-th event ever produced is written into.
func (l Layout) SlotOffset(index int64) int64 {
	slot := index % int64(l.Capacity)
	return HeaderSize + slot*int64(l.EventSize())
}

// Record is a single raw event slot.
type Record struct {
	ID        int32
	Kind      EventKind
	Timestamp int64
	ThreadID  uint32

	// Payload aliases the span the record was decoded from.
	Payload []byte

	// Valid is false while the producer has not finished
	// publishing the slot.
	Valid bool
}

// DecodeRecord decodes an event slot from b, which must be
// exactly l.EventSize() bytes long.
func (l Layout) DecodeRecord(b []byte) (Record, error) {
	if len(b) != l.EventSize() {
		return Record{}, fmt.Errorf("event: %w: got %d bytes, want %d", ErrShortRead, len(b), l.EventSize())
	}
	le := binary.LittleEndian
	validOff := slotPayloadOff + l.PayloadSize
	return Record{
		ID:        int32(le.Uint32(b[0:])),
		Kind:      EventKind(le.Uint32(b[4:])),
		Timestamp: int64(le.Uint64(b[8:])),
		ThreadID:  le.Uint32(b[16:]),
		Payload:   b[slotPayloadOff:validOff],
		Valid:     int32(le.Uint32(b[validOff:])) != 0,
	}, nil
}

// Event interprets the record's payload according to its kind.
//
// Payloads of unknown kinds, and payloads too short to hold the
// allocation sub-layout, are left unset.
func (r Record) Event() Event {
	ev := Event{
		ID:        r.ID,
		Kind:      r.Kind,
		Timestamp: r.Timestamp,
		ThreadID:  r.ThreadID,
	}
	if !r.Kind.known() || len(r.Payload) < payloadUsedSize {
		return ev
	}
	le := binary.LittleEndian
	p := r.Payload
	ev.Address = le.Uint64(p[0:])
	ev.Size = int64(le.Uint64(p[8:]))
	ev.CallSite = le.Uint32(p[24:])
	if r.Kind == EventLeakDetected {
		ev.Staleness = le.Uint64(p[16:])
	} else {
		ev.AllocTime = le.Uint64(p[16:])
	}
	return ev
}

// EncodeEvent returns the packed slot for ev. It is the inverse of
// DecodeRecord followed by Record.Event, and is used by tools and
// tests that synthesize segments.
func (l Layout) EncodeEvent(ev Event, valid bool) []byte {
	b := make([]byte, l.EventSize())
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(ev.ID))
	le.PutUint32(b[4:], uint32(ev.Kind))
	le.PutUint64(b[8:], uint64(ev.Timestamp))
	le.PutUint32(b[16:], ev.ThreadID)
	if ev.Kind.known() && l.PayloadSize >= payloadUsedSize {
		p := b[slotPayloadOff:]
		le.PutUint64(p[0:], ev.Address)
		le.PutUint64(p[8:], uint64(ev.Size))
		if ev.Kind == EventLeakDetected {
			le.PutUint64(p[16:], ev.Staleness)
		} else {
			le.PutUint64(p[16:], ev.AllocTime)
		}
		le.PutUint32(p[24:], ev.CallSite)
	}
	if valid {
		le.PutUint32(b[slotPayloadOff+l.PayloadSize:], 1)
	}
	return b
}
