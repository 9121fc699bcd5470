// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package allocwatch

import "fmt"

// EventKind indicates what kind of allocation event
// was written into the segment by the producer.
type EventKind uint32

const (
	EventBad           EventKind = iota
	EventMalloc                  // Allocation.
	EventFree                    // Free.
	EventLeakDetected            // Producer-side staleness scan flagged an allocation.
	EventAccessPattern           // Memory access sample; carries no payload we interpret.
)

func (k EventKind) String() string {
	switch k {
	case EventMalloc:
		return "MALLOC"
	case EventFree:
		return "FREE"
	case EventLeakDetected:
		return "LEAK_DETECTED"
	case EventAccessPattern:
		return "ACCESS_PATTERN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(k))
	}
}

// known reports whether the payload of k has a defined
// interpretation.
func (k EventKind) known() bool {
	return k == EventMalloc || k == EventFree || k == EventLeakDetected
}

// Event represents a single decoded allocation event.
type Event struct {
	// ID is the producer-assigned event identifier.
	ID int32

	// Kind indicates what kind of event this is.
	Kind EventKind

	// Timestamp is the producer's monotonic clock reading
	// in nanoseconds at the time the event was written.
	Timestamp int64

	// ThreadID identifies the producer thread that
	// generated the event.
	ThreadID uint32

	// Address is the opaque identity of the allocation.
	// It is never dereferenced.
	// Only valid when Kind == EventMalloc, Kind == EventFree
	// or Kind == EventLeakDetected.
	Address uint64

	// Size is the size of the allocation in bytes.
	// Only valid when Kind == EventMalloc, Kind == EventFree
	// or Kind == EventLeakDetected.
	Size int64

	// AllocTime is the producer timestamp in nanoseconds at
	// which the allocation was made.
	// Only valid when Kind == EventMalloc or Kind == EventFree.
	AllocTime uint64

	// Staleness is how long the allocation has been live
	// without being freed, in nanoseconds.
	// Only valid when Kind == EventLeakDetected.
	Staleness uint64

	// CallSite correlates the allocation with the code location
	// in the producer that made it.
	// Only valid when Kind == EventMalloc, Kind == EventFree
	// or Kind == EventLeakDetected.
	CallSite uint32
}
