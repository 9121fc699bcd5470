// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package allocwatch

import "io"

// Source is a view of a shared-memory segment.
type Source interface {
	io.ReaderAt

	// Len returns the size of the segment
	// in bytes.
	Len() int
}

// ReaderStats counts per-slot conditions observed by a Reader.
// None of them are errors; they are reported for diagnostics.
type ReaderStats struct {
	// Emitted is the number of events returned by Poll.
	Emitted uint64

	// Invalid is the number of slots skipped because the producer
	// had not marked them valid when they were read.
	Invalid uint64

	// ShortReads is the number of header or slot reads that
	// returned fewer bytes than the fixed record size.
	ShortReads uint64

	// Unknown is the number of emitted events whose kind has
	// no defined payload.
	Unknown uint64

	// Overruns is the number of polls that found the producer more
	// than a full ring ahead of the cursor. Events overwritten before
	// they were read are lost; the reader does not try to recover them.
	Overruns uint64

	// Regressions is the number of polls that found the write index
	// below the cursor: negative after the producer's counter wrapped,
	// or reset by a restarted producer. The cursor never moves back,
	// so no events are emitted until the write index passes it again.
	Regressions uint64
}

// Reader consumes events from a segment's ring buffer.
//
// The producer writes slots without any lock shared with the reader,
// so every slot is treated as possibly torn: only slots marked valid
// are emitted, and every slot up to the producer's write index is
// consumed exactly once whether or not it was valid.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	src    Source
	layout Layout
	cursor int64
	stats  ReaderStats

	hdrBuf  [HeaderSize]byte
	slotBuf []byte
}

// NewReader creates a Reader over src. The cursor starts at zero
// and is never reset for the lifetime of the Reader.
func NewReader(src Source, l Layout) *Reader {
	return &Reader{
		src:     src,
		layout:  l,
		slotBuf: make([]byte, l.EventSize()),
	}
}

// Header reads a snapshot of the segment header. It returns
// false if the header could not be read in full.
func (r *Reader) Header() (Header, bool) {
	n, _ := r.src.ReadAt(r.hdrBuf[:], 0)
	h, err := DecodeHeader(r.hdrBuf[:n])
	if err != nil {
		return Header{}, false
	}
	return h, true
}

// Poll returns every valid event published since the previous call,
// in production order. It never blocks: if the producer has written
// nothing new, Poll returns an empty slice immediately.
func (r *Reader) Poll() []Event {
	h, ok := r.Header()
	if !ok {
		r.stats.ShortReads++
		return nil
	}
	write := int64(h.WriteIndex)
	if write < r.cursor {
		r.stats.Regressions++
		return nil
	}
	if write-r.cursor > int64(r.layout.Capacity) {
		r.stats.Overruns++
	}

	var evs []Event
	for r.cursor < write {
		off := r.layout.SlotOffset(r.cursor)
		r.cursor++

		n, _ := r.src.ReadAt(r.slotBuf, off)
		rec, err := r.layout.DecodeRecord(r.slotBuf[:n])
		if err != nil {
			r.stats.ShortReads++
			continue
		}
		if !rec.Valid {
			r.stats.Invalid++
			continue
		}
		if !rec.Kind.known() {
			r.stats.Unknown++
		}
		evs = append(evs, rec.Event())
		r.stats.Emitted++
	}
	return evs
}

// Cursor returns the index of the next event the reader will consume.
func (r *Reader) Cursor() int64 {
	return r.cursor
}

// Layout returns the layout the reader decodes slots with.
func (r *Reader) Layout() Layout {
	return r.layout
}

// Stats returns a copy of the reader's counters.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}
