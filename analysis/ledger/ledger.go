// Package ledger tracks the set of live allocations reported
// by a producer and the memory they account for.
package ledger

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultRecentFrees is the default number of freed addresses
// remembered for double-free detection.
const DefaultRecentFrees = 4096

// AllocationRecord is a live allocation.
type AllocationRecord struct {
	Address   uint64
	Size      int64
	AllocTime uint64
	CallSite  uint32
	ThreadID  uint32
}

// Stats are the ledger's running counters.
type Stats struct {
	// TotalAllocations is the number of mallocs processed.
	TotalAllocations uint64

	// TotalFrees is the number of frees processed, including
	// frees of addresses the ledger never saw allocated.
	TotalFrees uint64

	// CurrentMemory is the number of bytes held by live
	// allocations.
	CurrentMemory uint64

	// PeakMemory is the high-water mark of CurrentMemory.
	PeakMemory uint64

	// AllocatedBytes is the number of bytes ever allocated.
	AllocatedBytes uint64
}

// MallocResult describes the effect of a malloc on the ledger.
type MallocResult struct {
	// Replaced is true if the address was already live. The previous
	// entry is overwritten and its size is not released, matching the
	// producer's own accounting.
	Replaced bool

	// Previous is the overwritten entry. Only valid if Replaced is true.
	Previous AllocationRecord
}

// FreeResult describes the effect of a free on the ledger.
type FreeResult struct {
	// Found is true if the address was live and has been released.
	Found bool

	// Record is the released entry. Only valid if Found is true.
	Record AllocationRecord

	// RecentlyFreed is true if the address was not live but was
	// released by a recent free, i.e. this is a double free.
	RecentlyFreed bool
}

// Ledger is the set of live allocations keyed by address.
//
// A Ledger is not safe for concurrent use.
type Ledger struct {
	live  map[uint64]AllocationRecord
	freed *lru.Cache
	stats Stats
}

// New creates an empty Ledger remembering up to recentFrees freed
// addresses. If recentFrees is zero or negative, double frees are
// not detected.
func New(recentFrees int) (*Ledger, error) {
	l := &Ledger{
		live: make(map[uint64]AllocationRecord),
	}
	if recentFrees > 0 {
		c, err := lru.New(recentFrees)
		if err != nil {
			return nil, fmt.Errorf("creating recent-free cache: %w", err)
		}
		l.freed = c
	}
	return l, nil
}

// sizeBytes returns size as an unsigned byte count. The producer
// emits signed sizes that are logically never negative.
func sizeBytes(size int64) uint64 {
	if size < 0 {
		return 0
	}
	return uint64(size)
}

// Malloc records a new live allocation.
func (l *Ledger) Malloc(rec AllocationRecord) MallocResult {
	var res MallocResult
	res.Previous, res.Replaced = l.live[rec.Address]
	l.live[rec.Address] = rec

	size := sizeBytes(rec.Size)
	l.stats.TotalAllocations++
	l.stats.AllocatedBytes += size
	l.stats.CurrentMemory += size
	if l.stats.CurrentMemory > l.stats.PeakMemory {
		l.stats.PeakMemory = l.stats.CurrentMemory
	}
	if l.freed != nil {
		l.freed.Remove(rec.Address)
	}
	return res
}

// Free releases the allocation at addr. A free of an address
// that is not live only counts toward TotalFrees.
func (l *Ledger) Free(addr uint64) FreeResult {
	l.stats.TotalFrees++

	rec, ok := l.live[addr]
	if !ok {
		return FreeResult{RecentlyFreed: l.freed != nil && l.freed.Contains(addr)}
	}
	delete(l.live, addr)
	size := sizeBytes(rec.Size)
	if size > l.stats.CurrentMemory {
		// Unreachable while every live size has been added exactly once.
		size = l.stats.CurrentMemory
	}
	l.stats.CurrentMemory -= size
	if l.freed != nil {
		l.freed.Add(addr, nil)
	}
	return FreeResult{Found: true, Record: rec}
}

// Lookup returns the live allocation at addr, if any.
func (l *Ledger) Lookup(addr uint64) (AllocationRecord, bool) {
	rec, ok := l.live[addr]
	return rec, ok
}

// Len returns the number of live allocations.
func (l *Ledger) Len() int {
	return len(l.live)
}

// Live returns a snapshot of the live allocations, oldest first.
func (l *Ledger) Live() []AllocationRecord {
	recs := make([]AllocationRecord, 0, len(l.live))
	for _, rec := range l.live {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].AllocTime != recs[j].AllocTime {
			return recs[i].AllocTime < recs[j].AllocTime
		}
		return recs[i].Address < recs[j].Address
	})
	return recs
}

// Stats returns a copy of the ledger's counters.
func (l *Ledger) Stats() Stats {
	return l.stats
}
