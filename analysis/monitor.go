package analysis

import (
	"fmt"
	"time"

	"github.com/mknyszek/allocwatch"
	"github.com/mknyszek/allocwatch/analysis/anomaly"
	"github.com/mknyszek/allocwatch/analysis/ledger"
	"github.com/mknyszek/allocwatch/analysis/sites"
)

const mib = 1 << 20

// Config configures a Monitor.
type Config struct {
	// LargeAllocation is the size in bytes above which an
	// allocation raises AlertLargeAllocation.
	LargeAllocation int64

	// Staleness is the producer's leak threshold. It is only
	// used to describe leaks.
	Staleness time.Duration

	// RecentFrees is the number of freed addresses remembered
	// for double-free detection. Zero disables detection.
	RecentFrees int
}

// DefaultConfig returns the default Monitor configuration.
func DefaultConfig() Config {
	return Config{
		LargeAllocation: mib,
		Staleness:       30 * time.Second,
		RecentFrees:     ledger.DefaultRecentFrees,
	}
}

// Monitor is an Analyzer that tracks live allocations, aggregates
// call-site statistics, and classifies every allocation.
//
// A Monitor is not safe for concurrent use.
type Monitor struct {
	cfg    Config
	ledger *ledger.Ledger
	sites  *sites.Aggregator

	events      uint64
	replaced    uint64
	doubleFrees uint64
}

var _ Analyzer = (*Monitor)(nil)

// NewMonitor creates a Monitor with no accumulated state.
func NewMonitor(cfg Config) (*Monitor, error) {
	l, err := ledger.New(cfg.RecentFrees)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:    cfg,
		ledger: l,
		sites:  sites.New(),
	}, nil
}

// Config returns the monitor's configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Process implements Analyzer.
func (m *Monitor) Process(ev allocwatch.Event) []Alert {
	m.events++
	switch ev.Kind {
	case allocwatch.EventMalloc:
		return m.malloc(ev)
	case allocwatch.EventFree:
		return m.free(ev)
	case allocwatch.EventLeakDetected:
		return m.leak(ev)
	}
	return nil
}

func (m *Monitor) malloc(ev allocwatch.Event) []Alert {
	res := m.ledger.Malloc(ledger.AllocationRecord{
		Address:   ev.Address,
		Size:      ev.Size,
		AllocTime: ev.AllocTime,
		CallSite:  ev.CallSite,
		ThreadID:  ev.ThreadID,
	})
	m.sites.RecordAllocation(ev.CallSite, ev.Size)

	var alerts []Alert
	stats := m.ledger.Stats()
	if v := anomaly.Classify(ev.Size, stats.AllocatedBytes, stats.TotalAllocations); v.Anomaly {
		alerts = append(alerts, Alert{
			Kind:       AlertAnomaly,
			Event:      ev,
			Confidence: v.Confidence,
			Critical:   v.Critical(),
			Message: fmt.Sprintf("allocation #%d: %d bytes (total: %d bytes), confidence %.1f",
				stats.TotalAllocations, ev.Size, stats.AllocatedBytes, v.Confidence),
		})
	}
	if ev.Size > m.cfg.LargeAllocation {
		alerts = append(alerts, Alert{
			Kind:    AlertLargeAllocation,
			Event:   ev,
			Message: fmt.Sprintf("large allocation: %d bytes at site 0x%04x", ev.Size, ev.CallSite),
		})
	}
	if res.Replaced {
		m.replaced++
		alerts = append(alerts, Alert{
			Kind:  AlertReplacedAllocation,
			Event: ev,
			Message: fmt.Sprintf("allocated over live address 0x%x (previous: %d bytes at site 0x%04x)",
				ev.Address, res.Previous.Size, res.Previous.CallSite),
		})
	}
	return alerts
}

func (m *Monitor) free(ev allocwatch.Event) []Alert {
	res := m.ledger.Free(ev.Address)
	if !res.RecentlyFreed {
		return nil
	}
	m.doubleFrees++
	return []Alert{{
		Kind:     AlertDoubleFree,
		Event:    ev,
		Critical: true,
		Message:  fmt.Sprintf("double free of address 0x%x", ev.Address),
	}}
}

func (m *Monitor) leak(ev allocwatch.Event) []Alert {
	stale := time.Duration(ev.Staleness)
	m.sites.OnLeak(sites.LeakRecord{
		Address:   ev.Address,
		Size:      ev.Size,
		Staleness: stale,
		CallSite:  ev.CallSite,
		Timestamp: ev.Timestamp,
	})
	return []Alert{{
		Kind:     AlertLeak,
		Event:    ev,
		Critical: true,
		Message: fmt.Sprintf("memory leak #%d: address 0x%x, %d bytes (%.2f MiB), stale for %.2fs (threshold %s), site 0x%04x",
			m.sites.LeakCount(), ev.Address, ev.Size, float64(ev.Size)/mib, stale.Seconds(), m.cfg.Staleness, ev.CallSite),
	}}
}

// Summary implements Analyzer.
func (m *Monitor) Summary() Summary {
	stats := m.ledger.Stats()
	return Summary{
		EventsProcessed:     m.events,
		TotalAllocations:    stats.TotalAllocations,
		TotalFrees:          stats.TotalFrees,
		CurrentMemory:       stats.CurrentMemory,
		PeakMemory:          stats.PeakMemory,
		AllocatedBytes:      stats.AllocatedBytes,
		LeaksDetected:       m.sites.LeakCount(),
		ActiveAllocations:   uint64(m.ledger.Len()),
		ReplacedAllocations: m.replaced,
		DoubleFrees:         m.doubleFrees,
	}
}

// TopSites implements Analyzer.
func (m *Monitor) TopSites(n int) []SiteStats {
	return m.sites.TopSites(n)
}

// Leaks returns the history of reported leaks, oldest first.
func (m *Monitor) Leaks() []sites.LeakRecord {
	return m.sites.Leaks()
}

// Live returns the live allocations, oldest first.
func (m *Monitor) Live() []ledger.AllocationRecord {
	return m.ledger.Live()
}
