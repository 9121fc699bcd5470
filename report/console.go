package report

import (
	"context"
	"fmt"

	"github.com/mknyszek/allocwatch/analysis"
	log "github.com/sirupsen/logrus"
)

// Console writes alerts and summaries as structured log entries.
type Console struct {
	logger log.FieldLogger
	top    int
}

var _ Reporter = (*Console)(nil)

// NewConsole creates a Console logging through logger and listing
// at most top call sites per summary.
func NewConsole(logger log.FieldLogger, top int) *Console {
	return &Console{logger: logger, top: top}
}

func (c *Console) Alert(_ context.Context, a analysis.Alert) error {
	fields := log.Fields{"kind": a.Kind.String()}
	switch a.Kind {
	case analysis.AlertHighActiveCount, analysis.AlertHighMemory, analysis.AlertLeakCount:
		fields["value"] = a.Value
		if a.Limit != 0 {
			fields["limit"] = a.Limit
		}
	default:
		ev := a.Event
		fields["event"] = ev.ID
		fields["address"] = fmt.Sprintf("0x%x", ev.Address)
		fields["size"] = humanBytes(uint64(max(ev.Size, 0)))
		fields["site"] = siteName(ev.CallSite)
		if a.Kind == analysis.AlertAnomaly {
			fields["confidence"] = a.Confidence
		}
	}
	entry := c.logger.WithFields(fields)
	if a.Critical {
		entry.Error(a.Message)
	} else {
		entry.Warn(a.Message)
	}
	return nil
}

func (c *Console) Summary(_ context.Context, s analysis.Summary, sites []analysis.SiteStats) error {
	c.logger.WithFields(log.Fields{
		"events":      s.EventsProcessed,
		"allocations": s.TotalAllocations,
		"frees":       s.TotalFrees,
		"current":     humanBytes(s.CurrentMemory),
		"peak":        humanBytes(s.PeakMemory),
		"leaks":       s.LeaksDetected,
		"active":      s.ActiveAllocations,
	}).Info("leak detection summary")

	if s.ActiveAllocations == 0 {
		return nil
	}
	for _, site := range top(sites, c.top) {
		c.logger.WithFields(log.Fields{
			"site":       siteName(site.CallSite),
			"allocs":     site.Count,
			"avg_size":   humanBytes(uint64(site.AvgSize)),
			"leaks":      site.LeakCount,
			"leak_ratio": site.LeakRatio,
		}).Info("top allocation site")
	}
	return nil
}

func (c *Console) Close() error {
	return nil
}
