package analysis

import (
	"fmt"

	"github.com/mknyszek/allocwatch"
)

// HeaderWatch raises alerts from the producer's own counters in the
// segment header, without consuming any events.
type HeaderWatch struct {
	// ActiveAllocations is the number of live allocations
	// above which AlertHighActiveCount is raised.
	ActiveAllocations uint64

	// CurrentMemory is the number of live bytes above
	// which AlertHighMemory is raised.
	CurrentMemory uint64
}

// DefaultHeaderWatch returns a HeaderWatch with the default thresholds.
func DefaultHeaderWatch() HeaderWatch {
	return HeaderWatch{
		ActiveAllocations: 50,
		CurrentMemory:     mib,
	}
}

// Check returns the alerts raised by h.
func (w HeaderWatch) Check(h allocwatch.Header) []Alert {
	var alerts []Alert
	if active := h.ActiveAllocations(); active > w.ActiveAllocations {
		alerts = append(alerts, Alert{
			Kind:    AlertHighActiveCount,
			Value:   active,
			Limit:   w.ActiveAllocations,
			Message: fmt.Sprintf("high number of active allocations: %d", active),
		})
	}
	if h.CurrentMemory > w.CurrentMemory {
		alerts = append(alerts, Alert{
			Kind:    AlertHighMemory,
			Value:   h.CurrentMemory,
			Limit:   w.CurrentMemory,
			Message: fmt.Sprintf("high memory usage: %.2f MiB", float64(h.CurrentMemory)/mib),
		})
	}
	if h.LeakCount > 0 {
		alerts = append(alerts, Alert{
			Kind:     AlertLeakCount,
			Critical: true,
			Value:    uint64(h.LeakCount),
			Message:  fmt.Sprintf("producer detected %d leaks", h.LeakCount),
		})
	}
	return alerts
}

// Changed reports whether any header field differs
// between two snapshots.
func Changed(prev, cur allocwatch.Header) bool {
	return prev != cur
}
