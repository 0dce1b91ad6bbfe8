package scrape

import (
	"time"

	"github.com/castwatch/telemetry/internal/domain"
)

// Thresholds are the fixed constants behind the derived-metric heuristics.
// They are configuration, not statistics: the analyzer labels, it does not
// model.
type Thresholds struct {
	// CycleInterval is the nominal time between scrape cycles. Rates divide
	// counter deltas by this, not by measured wall time.
	CycleInterval time.Duration
	// TrendUpFactor / TrendDownFactor bound the "stable" band around the
	// previous gauge value.
	TrendUpFactor   float64
	TrendDownFactor float64
	// PeakConnections promotes an increasing trend to "peak" above this
	// absolute connection count.
	PeakConnections float64
	// MediumBytesPerSec / HighBytesPerSec bucket the combined byte rate.
	MediumBytesPerSec float64
	HighBytesPerSec   float64
}

// DefaultThresholds mirror the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CycleInterval:     15 * time.Second,
		TrendUpFactor:     1.2,
		TrendDownFactor:   0.8,
		PeakConnections:   500,
		MediumBytesPerSec: 100 * 1024,
		HighBytesPerSec:   1024 * 1024,
	}
}

// Analyzer computes rates, ratios, and qualitative labels from two
// consecutive snapshots.
type Analyzer struct {
	thresholds Thresholds
}

// NewAnalyzer constructs an Analyzer, filling unset thresholds with defaults.
func NewAnalyzer(thresholds Thresholds) *Analyzer {
	defaults := DefaultThresholds()
	if thresholds.CycleInterval <= 0 {
		thresholds.CycleInterval = defaults.CycleInterval
	}
	if thresholds.TrendUpFactor <= 0 {
		thresholds.TrendUpFactor = defaults.TrendUpFactor
	}
	if thresholds.TrendDownFactor <= 0 {
		thresholds.TrendDownFactor = defaults.TrendDownFactor
	}
	if thresholds.PeakConnections <= 0 {
		thresholds.PeakConnections = defaults.PeakConnections
	}
	if thresholds.MediumBytesPerSec <= 0 {
		thresholds.MediumBytesPerSec = defaults.MediumBytesPerSec
	}
	if thresholds.HighBytesPerSec <= 0 {
		thresholds.HighBytesPerSec = defaults.HighBytesPerSec
	}
	return &Analyzer{thresholds: thresholds}
}

// Analyze derives stats from the current snapshot and its predecessor. A nil
// previous snapshot (cold start) yields zero rates, a stable trend, and low
// intensity.
func (a *Analyzer) Analyze(previous, current *domain.ProcessedSnapshot) domain.DerivedStats {
	stats := domain.DerivedStats{
		ConnectionTrend:  domain.TrendStable,
		TrafficIntensity: domain.IntensityLow,
		ComputedAt:       current.CapturedAt,
	}
	interval := a.thresholds.CycleInterval.Seconds()
	if previous != nil && interval > 0 {
		perMinute := 60 / interval
		stats.ConnectionsPerMin = rateDelta(previous, current, metricNewConnections) * perMinute
		stats.MessagesPerMin = rateDelta(previous, current, metricMessagesReceived) * perMinute
		stats.BytesInPerSec = rateDelta(previous, current, metricBytesReceived) / interval
		stats.BytesOutPerSec = rateDelta(previous, current, metricBytesTransmitted) / interval
	}

	received := current.Counter(metricBytesReceived).Total
	total := received + current.Counter(metricBytesTransmitted).Total
	stats.UploadByteRatio = received / max(total, 1) * 100

	stats.ConnectionTrend = a.classifyTrend(previous, current)
	stats.TrafficIntensity = a.classifyIntensity(stats.BytesInPerSec + stats.BytesOutPerSec)
	return stats
}

// rateDelta is the counter increase between the two snapshots.
func rateDelta(previous, current *domain.ProcessedSnapshot, name string) float64 {
	delta := current.Counter(name).Total - previous.Counter(name).Total
	if delta < 0 {
		return 0
	}
	return delta
}

func (a *Analyzer) classifyTrend(previous, current *domain.ProcessedSnapshot) string {
	if previous == nil {
		return domain.TrendStable
	}
	prev := previous.Gauge(metricConnected)
	cur := current.Gauge(metricConnected)
	switch {
	case cur > prev*a.thresholds.TrendUpFactor:
		if cur > a.thresholds.PeakConnections {
			return domain.TrendPeak
		}
		return domain.TrendIncreasing
	case cur < prev*a.thresholds.TrendDownFactor:
		return domain.TrendDecreasing
	default:
		return domain.TrendStable
	}
}

func (a *Analyzer) classifyIntensity(bytesPerSec float64) string {
	switch {
	case bytesPerSec >= a.thresholds.HighBytesPerSec:
		return domain.IntensityHigh
	case bytesPerSec >= a.thresholds.MediumBytesPerSec:
		return domain.IntensityMedium
	default:
		return domain.IntensityLow
	}
}
