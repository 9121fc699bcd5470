package analysis

import (
	"fmt"

	"github.com/mknyszek/allocwatch"
	"github.com/mknyszek/allocwatch/analysis/sites"
)

// Summary is a snapshot of statistics produced by
// an analyzer.
type Summary struct {
	// EventsProcessed is the number of events fed to
	// the analyzer, of any kind.
	EventsProcessed uint64 `json:"events_processed"`

	// TotalAllocations is the total number of allocations
	// processed by the analyzer.
	TotalAllocations uint64 `json:"total_allocations"`

	// TotalFrees is the total number of frees processed by the
	// analyzer, including frees of addresses it never saw allocated.
	TotalFrees uint64 `json:"total_frees"`

	// CurrentMemory is the amount of memory in bytes
	// occupied by live allocations.
	CurrentMemory uint64 `json:"current_memory"`

	// PeakMemory is the high-water mark of CurrentMemory.
	PeakMemory uint64 `json:"peak_memory"`

	// AllocatedBytes is the amount of memory in bytes
	// ever allocated.
	AllocatedBytes uint64 `json:"allocated_bytes"`

	// LeaksDetected is the number of leaks reported
	// by the producer.
	LeaksDetected uint64 `json:"leaks_detected"`

	// ActiveAllocations is the number of live allocations.
	ActiveAllocations uint64 `json:"active_allocations"`

	// ReplacedAllocations is the number of allocations made
	// at an address that was already live.
	ReplacedAllocations uint64 `json:"replaced_allocations"`

	// DoubleFrees is the number of frees of an address
	// that had just been freed.
	DoubleFrees uint64 `json:"double_frees"`
}

// SiteStats is the statistics for a single call site.
type SiteStats = sites.Site

// AlertKind indicates what condition an Alert reports.
type AlertKind uint8

const (
	AlertBad                AlertKind = iota
	AlertAnomaly                      // Allocation classified as anomalous.
	AlertLargeAllocation              // Allocation above the configured size.
	AlertLeak                         // Leak reported by the producer.
	AlertReplacedAllocation           // Allocation over a live address.
	AlertDoubleFree                   // Free of an address that was just freed.
	AlertHighActiveCount              // Too many live allocations in the header.
	AlertHighMemory                   // Too much live memory in the header.
	AlertLeakCount                    // Header reports leaks.
)

var alertKindNames = [...]string{
	AlertBad:                "bad",
	AlertAnomaly:            "anomaly",
	AlertLargeAllocation:    "large_allocation",
	AlertLeak:               "leak",
	AlertReplacedAllocation: "replaced_allocation",
	AlertDoubleFree:         "double_free",
	AlertHighActiveCount:    "high_active_count",
	AlertHighMemory:         "high_memory",
	AlertLeakCount:          "leak_count",
}

func (k AlertKind) String() string {
	if int(k) < len(alertKindNames) {
		return alertKindNames[k]
	}
	return fmt.Sprintf("alert(%d)", uint8(k))
}

// AlertKinds returns every valid alert kind.
func AlertKinds() []AlertKind {
	kinds := make([]AlertKind, 0, len(alertKindNames)-1)
	for k := AlertAnomaly; int(k) < len(alertKindNames); k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Alert is a structured report of a condition worth
// a caller's attention. Presentation is up to the caller.
type Alert struct {
	Kind AlertKind

	// Event is the event which triggered the alert.
	// Zero for alerts derived from the segment header.
	Event allocwatch.Event

	// Confidence is the classifier's confidence.
	// Only valid when Kind == AlertAnomaly.
	Confidence float64

	// Critical is true if the alert should be escalated.
	Critical bool

	// Value and Limit are the observed value and the threshold it
	// crossed. Only valid for alerts derived from the segment header.
	Value, Limit uint64

	// Message is a human-readable description.
	Message string
}

// Analyzer describes a consumer of allocation events.
type Analyzer interface {
	// Process feeds another event into the analyzer and
	// returns any alerts it raised.
	Process(allocwatch.Event) []Alert

	// Summary returns a snapshot of the analyzer's counters.
	// It does not modify the analyzer.
	Summary() Summary

	// TopSites returns up to n call sites with the most
	// allocations.
	TopSites(n int) []SiteStats
}
