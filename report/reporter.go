// Package report delivers analysis alerts and summaries
// to external sinks.
package report

import (
	"context"
	"fmt"

	"github.com/mknyszek/allocwatch/analysis"
	"go.uber.org/multierr"
)

// Reporter is a sink for analysis output.
type Reporter interface {
	// Alert delivers a single alert.
	Alert(ctx context.Context, a analysis.Alert) error

	// Summary delivers a summary snapshot along with call-site
	// statistics, most allocations first.
	Summary(ctx context.Context, s analysis.Summary, sites []analysis.SiteStats) error

	// Close flushes and releases the sink.
	Close() error
}

// Multi fans out to every Reporter in the list. A failing
// Reporter does not prevent delivery to the others.
type Multi []Reporter

var _ Reporter = Multi(nil)

func (m Multi) Alert(ctx context.Context, a analysis.Alert) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Alert(ctx, a))
	}
	return err
}

func (m Multi) Summary(ctx context.Context, s analysis.Summary, sites []analysis.SiteStats) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Summary(ctx, s, sites))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Close())
	}
	return err
}

// top returns the first n sites, or all of them if n is negative.
func top(sites []analysis.SiteStats, n int) []analysis.SiteStats {
	if n >= 0 && n < len(sites) {
		return sites[:n]
	}
	return sites
}

// humanBytes formats a byte count with a binary unit suffix.
func humanBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func siteName(site uint32) string {
	return fmt.Sprintf("0x%04x", site)
}
