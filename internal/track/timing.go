package track

import (
	"github.com/sawpanic/crossarb/internal/domain"
)

// Freshness derives the timing evidence for a candidate from both legs'
// call envelopes. Fresh requires the leg latencies to be close to each other
// (the books describe the same moment) and both under the absolute cap.
func Freshness(low, high domain.Timing, quoteAgeMs, maxLatencyMs, maxLatencyDiffMs int64) domain.TimingInfo {
	diff := low.ResponseAtMs - high.ResponseAtMs
	if diff < 0 {
		diff = -diff
	}
	maxLat := low.LatencyMs
	if high.LatencyMs > maxLat {
		maxLat = high.LatencyMs
	}
	return domain.TimingInfo{
		LowLatencyMs:  low.LatencyMs,
		HighLatencyMs: high.LatencyMs,
		LatencyDiffMs: diff,
		MaxLatencyMs:  maxLat,
		QuoteAgeMs:    quoteAgeMs,
		Fresh:         diff < maxLatencyDiffMs && maxLat < maxLatencyMs,
	}
}
