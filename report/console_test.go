package report

import (
	"context"
	"testing"

	"github.com/mknyszek/allocwatch"
	"github.com/mknyszek/allocwatch/analysis"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestConsoleAlertLevels(t *testing.T) {
	logger, hook := test.NewNullLogger()
	c := NewConsole(logger, 5)
	ctx := context.Background()

	require.NoError(t, c.Alert(ctx, analysis.Alert{
		Kind:       analysis.AlertAnomaly,
		Event:      allocwatch.Event{ID: 7, Kind: allocwatch.EventMalloc, Address: 0xabc, Size: 2048, CallSite: 0x12},
		Confidence: 0.5,
		Message:    "anomalous allocation",
	}))
	entry := hook.LastEntry()
	require.Equal(t, log.WarnLevel, entry.Level)
	require.Equal(t, "anomalous allocation", entry.Message)
	require.Equal(t, "anomaly", entry.Data["kind"])
	require.Equal(t, "0xabc", entry.Data["address"])
	require.Equal(t, "2.00 KiB", entry.Data["size"])
	require.Equal(t, "0x0012", entry.Data["site"])
	require.Equal(t, 0.5, entry.Data["confidence"])

	require.NoError(t, c.Alert(ctx, analysis.Alert{Kind: analysis.AlertLeak, Critical: true, Message: "leak"}))
	require.Equal(t, log.ErrorLevel, hook.LastEntry().Level)
	require.NotContains(t, hook.LastEntry().Data, "confidence")

	require.NoError(t, c.Alert(ctx, analysis.Alert{Kind: analysis.AlertHighMemory, Value: 10, Limit: 5, Message: "high"}))
	require.Equal(t, uint64(10), hook.LastEntry().Data["value"])
	require.Equal(t, uint64(5), hook.LastEntry().Data["limit"])
	require.NotContains(t, hook.LastEntry().Data, "address")
}

func TestConsoleSummary(t *testing.T) {
	logger, hook := test.NewNullLogger()
	c := NewConsole(logger, 2)
	sites := []analysis.SiteStats{
		{CallSite: 1, Count: 10, AvgSize: 100},
		{CallSite: 2, Count: 5},
		{CallSite: 3, Count: 1},
	}

	require.NoError(t, c.Summary(context.Background(), analysis.Summary{ActiveAllocations: 4, CurrentMemory: 1 << 20}, sites))
	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	require.Equal(t, "1.00 MiB", entries[0].Data["current"])
	require.Equal(t, "0x0001", entries[1].Data["site"])
	require.Equal(t, "100 B", entries[1].Data["avg_size"])
	require.Equal(t, "0x0002", entries[2].Data["site"])

	// Sites are not listed while nothing is live.
	hook.Reset()
	require.NoError(t, c.Summary(context.Background(), analysis.Summary{}, sites))
	require.Len(t, hook.AllEntries(), 1)
}
