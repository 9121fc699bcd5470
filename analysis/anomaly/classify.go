// Package anomaly scores individual allocations against the
// volume of memory allocated so far.
package anomaly

// CriticalConfidence is the confidence above which a verdict
// should be escalated. The comparison is strict.
const CriticalConfidence = 0.7

// tier is a single threshold band. An allocation falls in the band
// when both its size and the running total exceed the band's limits.
type tier struct {
	size       int64
	total      uint64
	confidence float64
}

// tiers is ordered from the strictest band to the loosest.
var tiers = [...]tier{
	{size: 30000, total: 500000, confidence: 0.9},
	{size: 20000, total: 200000, confidence: 0.7},
	{size: 15000, total: 100000, confidence: 0.5},
}

// baseline is the confidence reported for allocations
// outside every band.
const baseline = 0.2

// Verdict is the outcome of classifying one allocation.
type Verdict struct {
	Anomaly    bool
	Confidence float64
}

// Critical reports whether v should be escalated.
func (v Verdict) Critical() bool {
	return v.Confidence > CriticalConfidence
}

// Classify scores an allocation of size bytes given the total number
// of bytes allocated so far and the number of allocations seen.
//
// count is accepted for parity with the producer's scoring model
// but does not currently influence the verdict.
func Classify(size int64, total uint64, count uint64) Verdict {
	for _, t := range tiers {
		if size > t.size && total > t.total {
			return Verdict{Anomaly: true, Confidence: t.confidence}
		}
	}
	return Verdict{Anomaly: false, Confidence: baseline}
}
