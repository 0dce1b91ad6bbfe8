package domain

import (
	"encoding/json"
	"time"
)

// RawSample is a single parsed exposition line. Samples are ephemeral and
// never persisted; they only exist between parsing and snapshot assembly.
type RawSample struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Timestamp *int64
}

// CounterValue carries a counter's running total together with the increase
// observed since the previous scrape cycle.
type CounterValue struct {
	Total float64 `json:"total"`
	Delta float64 `json:"delta"`
}

// ProcessedSnapshot is one scrape cycle's view of the upstream server.
// Generation increases by one per cycle; it guards the previous-snapshot
// slot against overlapping cycles.
type ProcessedSnapshot struct {
	Gauges     map[string]float64      `json:"gauges"`
	Counters   map[string]CounterValue `json:"counters"`
	Usage      json.RawMessage         `json:"usage,omitempty"`
	Resets     []string                `json:"resets,omitempty"`
	Generation uint64                  `json:"generation"`
	CapturedAt time.Time               `json:"captured_at"`
}

// Gauge returns a gauge value, zero when absent.
func (s *ProcessedSnapshot) Gauge(name string) float64 {
	if s == nil {
		return 0
	}
	return s.Gauges[name]
}

// Counter returns a counter value, zero when absent.
func (s *ProcessedSnapshot) Counter(name string) CounterValue {
	if s == nil {
		return CounterValue{}
	}
	return s.Counters[name]
}

// MinuteBucket is the snapshot-derived tuple stored once per minute key.
// It is overwritten wholesale each cycle and expires on its own.
type MinuteBucket struct {
	Connected        float64   `json:"connected"`
	NewConnections   float64   `json:"new_connections"`
	Disconnections   float64   `json:"disconnections"`
	BytesReceived    float64   `json:"bytes_received"`
	BytesTransmitted float64   `json:"bytes_transmitted"`
	MessagesReceived float64   `json:"messages_received"`
	MessagesSent     float64   `json:"messages_sent"`
	CapturedAt       time.Time `json:"captured_at"`
}

// HourAggregate is a running aggregate for one metric inside an hour bucket.
// Avg is maintained with the online mean formula so the bucket never has to
// retain individual samples.
type HourAggregate struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
	Peak  float64 `json:"peak"`
	Avg   float64 `json:"avg"`
}

// Fold incorporates one sample into the aggregate.
func (a HourAggregate) Fold(value float64) HourAggregate {
	next := HourAggregate{
		Sum:   a.Sum + value,
		Count: a.Count + 1,
		Peak:  a.Peak,
	}
	if value > a.Peak || a.Count == 0 {
		next.Peak = value
	}
	next.Avg = (a.Avg*float64(a.Count) + value) / float64(a.Count+1)
	return next
}

// HourBucket is the per-hour aggregate document kept in the cache.
type HourBucket struct {
	Aggregates  map[string]HourAggregate `json:"aggregates"`
	LastUpdated time.Time                `json:"last_updated"`
}

// Trend labels produced by the derived metrics analyzer.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
	TrendPeak       = "peak"
)

// Intensity labels produced by the derived metrics analyzer.
const (
	IntensityLow    = "low"
	IntensityMedium = "medium"
	IntensityHigh   = "high"
)

// DerivedStats holds rates, ratios, and qualitative labels computed from two
// consecutive snapshots. All zero values plus "stable"/"low" on cold start.
type DerivedStats struct {
	ConnectionsPerMin float64   `json:"connections_per_min"`
	MessagesPerMin    float64   `json:"messages_per_min"`
	BytesInPerSec     float64   `json:"bytes_in_per_sec"`
	BytesOutPerSec    float64   `json:"bytes_out_per_sec"`
	UploadByteRatio   float64   `json:"upload_byte_ratio"`
	ConnectionTrend   string    `json:"connection_trend"`
	TrafficIntensity  string    `json:"traffic_intensity"`
	ComputedAt        time.Time `json:"computed_at"`
}

// StatsDocument is the merged read model served to the dashboard.
type StatsDocument struct {
	Snapshot  ProcessedSnapshot `json:"snapshot"`
	Derived   DerivedStats      `json:"derived"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MinutePoint is one point of a minute-granularity time series.
type MinutePoint struct {
	Key    string       `json:"key"`
	Bucket MinuteBucket `json:"bucket"`
}

// HourPoint is one point of an hour-granularity time series.
type HourPoint struct {
	Key    string     `json:"key"`
	Bucket HourBucket `json:"bucket"`
}
