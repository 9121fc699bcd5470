package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/pprof/profile"
	"github.com/mknyszek/allocwatch/analysis"
)

// Profile writes every summary's call-site statistics to a file
// as a pprof profile, replacing the previous one.
type Profile struct {
	path string
	now  func() time.Time
}

var _ Reporter = (*Profile)(nil)

// NewProfile creates a Profile reporter writing to path.
func NewProfile(path string) *Profile {
	return &Profile{path: path, now: time.Now}
}

func (p *Profile) Alert(context.Context, analysis.Alert) error {
	return nil
}

func (p *Profile) Summary(_ context.Context, _ analysis.Summary, sites []analysis.SiteStats) error {
	prof := SitesProfile(sites, p.now())

	f, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".*")
	if err != nil {
		return fmt.Errorf("creating profile: %w", err)
	}
	if err := prof.Write(f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("writing profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("writing profile: %w", err)
	}
	if err := os.Rename(f.Name(), p.path); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}

func (p *Profile) Close() error {
	return nil
}

// SitesProfile builds a profile with one sample per call site. Each
// site gets a synthetic function named after its identifier, since
// the producer's site identifiers are not code addresses.
func SitesProfile(sites []analysis.SiteStats, t time.Time) *profile.Profile {
	prof := &profile.Profile{
		DefaultSampleType: "alloc_space",
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
			{Type: "leak_objects", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
		TimeNanos:  t.UnixNano(),
	}
	for i, site := range sites {
		id := uint64(i + 1)
		fn := &profile.Function{
			ID:         id,
			Name:       "site_" + siteName(site.CallSite),
			SystemName: "site_" + siteName(site.CallSite),
		}
		loc := &profile.Location{
			ID:      id,
			Address: uint64(site.CallSite),
			Line:    []profile.Line{{Function: fn}},
		}
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(site.Count), int64(site.TotalSize), int64(site.LeakCount)},
		})
	}
	return prof
}
