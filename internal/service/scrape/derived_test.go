package scrape

import (
	"math"
	"testing"
	"time"

	"github.com/castwatch/telemetry/internal/domain"
)

func testSnapshot(connected float64, counters map[string]float64) *domain.ProcessedSnapshot {
	snapshot := &domain.ProcessedSnapshot{
		Gauges:   map[string]float64{metricConnected: connected},
		Counters: make(map[string]domain.CounterValue),
	}
	for name, total := range counters {
		snapshot.Counters[name] = domain.CounterValue{Total: total}
	}
	return snapshot
}

func TestAnalyzeColdStart(t *testing.T) {
	analyzer := NewAnalyzer(DefaultThresholds())
	current := testSnapshot(10, map[string]float64{
		metricBytesReceived:    300,
		metricBytesTransmitted: 100,
	})
	current.CapturedAt = time.Date(2026, time.March, 10, 9, 15, 0, 0, time.UTC)

	stats := analyzer.Analyze(nil, current)
	if stats.ConnectionsPerMin != 0 || stats.MessagesPerMin != 0 {
		t.Fatalf("expected zero rates on cold start, got %+v", stats)
	}
	if stats.ConnectionTrend != domain.TrendStable {
		t.Fatalf("expected stable trend, got %q", stats.ConnectionTrend)
	}
	if stats.TrafficIntensity != domain.IntensityLow {
		t.Fatalf("expected low intensity, got %q", stats.TrafficIntensity)
	}
	if math.Abs(stats.UploadByteRatio-75) > 1e-9 {
		t.Fatalf("expected upload ratio 75, got %v", stats.UploadByteRatio)
	}
	if !stats.ComputedAt.Equal(current.CapturedAt) {
		t.Fatalf("unexpected computed_at %v", stats.ComputedAt)
	}
}

func TestAnalyzeRates(t *testing.T) {
	analyzer := NewAnalyzer(Thresholds{CycleInterval: 15 * time.Second})
	previous := testSnapshot(100, map[string]float64{
		metricNewConnections:   1000,
		metricMessagesReceived: 5000,
		metricBytesReceived:    10000,
		metricBytesTransmitted: 20000,
	})
	current := testSnapshot(100, map[string]float64{
		metricNewConnections:   1010,
		metricMessagesReceived: 5300,
		metricBytesReceived:    11500,
		metricBytesTransmitted: 23000,
	})

	stats := analyzer.Analyze(previous, current)
	// 10 new connections in 15s scale to 40/min.
	if math.Abs(stats.ConnectionsPerMin-40) > 1e-9 {
		t.Fatalf("expected 40 connections/min, got %v", stats.ConnectionsPerMin)
	}
	if math.Abs(stats.MessagesPerMin-1200) > 1e-9 {
		t.Fatalf("expected 1200 messages/min, got %v", stats.MessagesPerMin)
	}
	if math.Abs(stats.BytesInPerSec-100) > 1e-9 {
		t.Fatalf("expected 100 bytes in/sec, got %v", stats.BytesInPerSec)
	}
	if math.Abs(stats.BytesOutPerSec-200) > 1e-9 {
		t.Fatalf("expected 200 bytes out/sec, got %v", stats.BytesOutPerSec)
	}
}

func TestAnalyzeNegativeCounterSwingYieldsZeroRate(t *testing.T) {
	analyzer := NewAnalyzer(DefaultThresholds())
	previous := testSnapshot(10, map[string]float64{metricNewConnections: 1000})
	current := testSnapshot(10, map[string]float64{metricNewConnections: 5})

	stats := analyzer.Analyze(previous, current)
	if stats.ConnectionsPerMin != 0 {
		t.Fatalf("expected zero rate across a reset, got %v", stats.ConnectionsPerMin)
	}
}

func TestClassifyTrend(t *testing.T) {
	analyzer := NewAnalyzer(Thresholds{
		TrendUpFactor:   1.2,
		TrendDownFactor: 0.8,
		PeakConnections: 500,
	})

	cases := []struct {
		name     string
		previous float64
		current  float64
		want     string
	}{
		{"stable within band", 100, 110, domain.TrendStable},
		{"increasing above factor", 100, 130, domain.TrendIncreasing},
		{"decreasing below factor", 100, 70, domain.TrendDecreasing},
		{"peak above absolute ceiling", 500, 700, domain.TrendPeak},
		{"boundary is stable", 100, 120, domain.TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := analyzer.classifyTrend(testSnapshot(tc.previous, nil), testSnapshot(tc.current, nil))
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifyIntensity(t *testing.T) {
	analyzer := NewAnalyzer(Thresholds{
		MediumBytesPerSec: 100 * 1024,
		HighBytesPerSec:   1024 * 1024,
	})

	cases := []struct {
		bytesPerSec float64
		want        string
	}{
		{0, domain.IntensityLow},
		{100*1024 - 1, domain.IntensityLow},
		{100 * 1024, domain.IntensityMedium},
		{1024*1024 - 1, domain.IntensityMedium},
		{1024 * 1024, domain.IntensityHigh},
	}
	for _, tc := range cases {
		if got := analyzer.classifyIntensity(tc.bytesPerSec); got != tc.want {
			t.Fatalf("bytes/sec %v: expected %q, got %q", tc.bytesPerSec, tc.want, got)
		}
	}
}

func TestUploadByteRatioZeroTraffic(t *testing.T) {
	analyzer := NewAnalyzer(DefaultThresholds())
	stats := analyzer.Analyze(nil, testSnapshot(0, nil))
	if stats.UploadByteRatio != 0 {
		t.Fatalf("expected ratio 0 with no traffic, got %v", stats.UploadByteRatio)
	}
}
