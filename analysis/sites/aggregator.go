// Package sites aggregates allocation and leak statistics
// per producer call site.
package sites

import (
	"sort"
	"time"
)

// LeakRecord is a leak reported by the producer.
type LeakRecord struct {
	Address   uint64
	Size      int64
	Staleness time.Duration
	CallSite  uint32

	// Timestamp is the producer timestamp of the report in nanoseconds.
	Timestamp int64
}

// Site is a snapshot of the statistics for a single call site.
type Site struct {
	CallSite uint32 `json:"call_site"`

	// Count is the number of allocations made at the site.
	Count uint64 `json:"count"`

	// TotalSize is the number of bytes ever allocated at the site.
	TotalSize uint64 `json:"total_size"`

	// LeakCount is the number of leaks reported against the site.
	LeakCount uint64 `json:"leak_count"`

	// LeakRatio is LeakCount / Count, or 0 if Count is 0.
	LeakRatio float64 `json:"leak_ratio"`

	// AvgSize is TotalSize / Count, or 0 if Count is 0.
	AvgSize float64 `json:"avg_size"`
}

type counters struct {
	count     uint64
	totalSize uint64
	leakCount uint64
}

// Aggregator accumulates a lifetime histogram of call sites and the
// history of reported leaks. Nothing is ever decremented or evicted.
//
// An Aggregator is not safe for concurrent use.
type Aggregator struct {
	order []uint32
	sites map[uint32]*counters
	leaks []LeakRecord
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		sites: make(map[uint32]*counters),
	}
}

func (a *Aggregator) site(id uint32) *counters {
	c, ok := a.sites[id]
	if !ok {
		c = new(counters)
		a.sites[id] = c
		a.order = append(a.order, id)
	}
	return c
}

// RecordAllocation counts an allocation of size bytes at site.
func (a *Aggregator) RecordAllocation(site uint32, size int64) {
	c := a.site(site)
	c.count++
	if size > 0 {
		c.totalSize += uint64(size)
	}
}

// OnLeak appends rec to the leak history and charges it
// to its call site.
func (a *Aggregator) OnLeak(rec LeakRecord) {
	a.leaks = append(a.leaks, rec)
	a.site(rec.CallSite).leakCount++
}

// LeakCount returns the number of leaks reported so far.
func (a *Aggregator) LeakCount() uint64 {
	return uint64(len(a.leaks))
}

// Leaks returns a copy of the leak history, oldest first.
func (a *Aggregator) Leaks() []LeakRecord {
	return append([]LeakRecord(nil), a.leaks...)
}

// Site returns the statistics for id.
func (a *Aggregator) Site(id uint32) (Site, bool) {
	c, ok := a.sites[id]
	if !ok {
		return Site{}, false
	}
	return snapshot(id, c), true
}

// Sites returns the statistics for every site, in the
// order the sites were first seen.
func (a *Aggregator) Sites() []Site {
	out := make([]Site, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, snapshot(id, a.sites[id]))
	}
	return out
}

// TopSites returns up to n sites with the most allocations, most
// first. Sites with equal counts are returned in the order they
// were first seen. If n is negative, all sites are returned.
func (a *Aggregator) TopSites(n int) []Site {
	out := a.Sites()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

func snapshot(id uint32, c *counters) Site {
	s := Site{
		CallSite:  id,
		Count:     c.count,
		TotalSize: c.totalSize,
		LeakCount: c.leakCount,
	}
	if c.count != 0 {
		s.LeakRatio = float64(c.leakCount) / float64(c.count)
		s.AvgSize = float64(c.totalSize) / float64(c.count)
	}
	return s
}
