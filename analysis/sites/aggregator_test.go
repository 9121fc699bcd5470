package sites_test

import (
	"testing"
	"time"

	"github.com/mknyszek/allocwatch/analysis/sites"
	"github.com/stretchr/testify/require"
)

func callSites(ss []sites.Site) []uint32 {
	out := make([]uint32, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.CallSite)
	}
	return out
}

func TestTopSitesOrder(t *testing.T) {
	a := sites.New()
	// Site 5 and site 2 tie; 5 was seen first.
	for _, site := range []uint32{5, 2, 9, 9, 9, 2, 5, 1} {
		a.RecordAllocation(site, 10)
	}

	require.Equal(t, []uint32{9, 5, 2, 1}, callSites(a.TopSites(-1)))
	require.Equal(t, []uint32{9, 5}, callSites(a.TopSites(2)))
	require.Equal(t, []uint32{9, 5, 2, 1}, callSites(a.TopSites(100)))
	require.Empty(t, a.TopSites(0))
	require.Equal(t, []uint32{5, 2, 9, 1}, callSites(a.Sites()))
}

func TestSiteAnnotations(t *testing.T) {
	a := sites.New()
	a.RecordAllocation(1, 100)
	a.RecordAllocation(1, 300)
	a.RecordAllocation(1, 200)
	a.RecordAllocation(1, 400)
	a.OnLeak(sites.LeakRecord{Address: 0x10, Size: 100, CallSite: 1, Staleness: time.Minute})

	s, ok := a.Site(1)
	require.True(t, ok)
	require.Equal(t, uint64(4), s.Count)
	require.Equal(t, uint64(1000), s.TotalSize)
	require.Equal(t, uint64(1), s.LeakCount)
	require.Equal(t, 0.25, s.LeakRatio)
	require.Equal(t, 250.0, s.AvgSize)
}

func TestLeakOnUnseenSite(t *testing.T) {
	a := sites.New()
	a.OnLeak(sites.LeakRecord{Address: 0x10, Size: 64, CallSite: 42})

	s, ok := a.Site(42)
	require.True(t, ok)
	require.Zero(t, s.Count)
	require.Equal(t, uint64(1), s.LeakCount)
	require.Zero(t, s.LeakRatio)
	require.Zero(t, s.AvgSize)

	_, ok = a.Site(43)
	require.False(t, ok)
}

func TestLeakHistory(t *testing.T) {
	a := sites.New()
	for i := 0; i < 3; i++ {
		a.OnLeak(sites.LeakRecord{Address: uint64(i), CallSite: 7, Timestamp: int64(i)})
	}
	require.Equal(t, uint64(3), a.LeakCount())

	leaks := a.Leaks()
	require.Len(t, leaks, 3)
	require.Equal(t, uint64(2), leaks[2].Address)

	// The history is not aliased.
	leaks[0].Address = 99
	require.Equal(t, uint64(0), a.Leaks()[0].Address)
}

func TestCountsNeverDecrease(t *testing.T) {
	a := sites.New()
	a.RecordAllocation(1, -10)
	s, _ := a.Site(1)
	require.Equal(t, uint64(1), s.Count)
	require.Zero(t, s.TotalSize)
}
