package report

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/mknyszek/allocwatch/analysis"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsSummary(t *testing.T) {
	m := NewMetrics(5)
	require.NoError(t, m.Summary(context.Background(), analysis.Summary{
		EventsProcessed:   10,
		CurrentMemory:     4096,
		ActiveAllocations: 2,
	}, []analysis.SiteStats{{CallSite: 0x1, Count: 7, TotalSize: 70, LeakCount: 1}}))

	require.Equal(t, 10.0, testutil.ToFloat64(m.events))
	require.Equal(t, 4096.0, testutil.ToFloat64(m.current))
	require.Equal(t, 2.0, testutil.ToFloat64(m.active))
	require.Equal(t, 7.0, testutil.ToFloat64(m.siteAllocs.WithLabelValues("0x0001")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.siteLeaks.WithLabelValues("0x0001")))
}

func TestMetricsAlertCounts(t *testing.T) {
	m := NewMetrics(5)
	ctx := context.Background()
	require.NoError(t, m.Alert(ctx, analysis.Alert{Kind: analysis.AlertLeak, Critical: true}))
	require.NoError(t, m.Alert(ctx, analysis.Alert{Kind: analysis.AlertLeak, Critical: true}))
	require.NoError(t, m.Alert(ctx, analysis.Alert{Kind: analysis.AlertAnomaly}))

	require.Equal(t, 2.0, testutil.ToFloat64(m.alerts.WithLabelValues("leak", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("anomaly", "false")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(5)
	require.NoError(t, m.Summary(context.Background(), analysis.Summary{PeakMemory: 123}, nil))

	require.Contains(t, scrape(t, m), "allocwatch_peak_memory_bytes 123")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExportTopSitesOnly(t *testing.T) {
	m := NewMetrics(2)
	ctx := context.Background()
	require.NoError(t, m.Summary(ctx, analysis.Summary{}, []analysis.SiteStats{
		{CallSite: 1, Count: 9}, {CallSite: 2, Count: 5}, {CallSite: 3, Count: 1},
	}))
	require.Equal(t, 2, testutil.CollectAndCount(m.siteAllocs))

	// Site 1 drops out of the top two.
	require.NoError(t, m.Summary(ctx, analysis.Summary{}, []analysis.SiteStats{
		{CallSite: 3, Count: 20}, {CallSite: 2, Count: 5}, {CallSite: 1, Count: 9},
	}))
	require.Equal(t, 2, testutil.CollectAndCount(m.siteAllocs))
	require.Equal(t, 20.0, testutil.ToFloat64(m.siteAllocs.WithLabelValues("0x0003")))

	body := scrape(t, m)
	require.NotContains(t, body, `site="0x0001"`)
	require.Contains(t, body, `site="0x0002"`)
}
