package scrape

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/castwatch/telemetry/internal/cache"
	"github.com/castwatch/telemetry/internal/domain"
)

func snapshotAt(at time.Time, connected, newConnections float64) *domain.ProcessedSnapshot {
	return &domain.ProcessedSnapshot{
		Gauges: map[string]float64{metricConnected: connected},
		Counters: map[string]domain.CounterValue{
			metricNewConnections: {Total: newConnections * 10, Delta: newConnections},
		},
		CapturedAt: at,
	}
}

func TestBucketStoreFoldWritesMinuteBucket(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	buckets := NewBucketStore(store, time.Hour, 24*time.Hour)
	at := time.Date(2026, time.March, 10, 9, 15, 30, 0, time.UTC)

	if err := buckets.Fold(context.Background(), snapshotAt(at, 42, 7)); err != nil {
		t.Fatalf("fold: %v", err)
	}

	var minute domain.MinuteBucket
	found, err := store.Get(context.Background(), "metrics:minute:2026-03-10-09-15", &minute)
	if err != nil || !found {
		t.Fatalf("minute bucket: found=%v err=%v", found, err)
	}
	if minute.Connected != 42 || minute.NewConnections != 7 {
		t.Fatalf("unexpected minute bucket %+v", minute)
	}

	// A later cycle landing in the same minute overwrites wholesale.
	if err := buckets.Fold(context.Background(), snapshotAt(at.Add(20*time.Second), 50, 3)); err != nil {
		t.Fatalf("second fold: %v", err)
	}
	if _, err := store.Get(context.Background(), "metrics:minute:2026-03-10-09-15", &minute); err != nil {
		t.Fatalf("reload minute bucket: %v", err)
	}
	if minute.Connected != 50 || minute.NewConnections != 3 {
		t.Fatalf("expected overwrite, got %+v", minute)
	}
}

func TestBucketStoreFoldAccumulatesHourAggregates(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	buckets := NewBucketStore(store, time.Hour, 24*time.Hour)
	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	values := []float64{10, 30, 20}
	for i, v := range values {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := buckets.Fold(context.Background(), snapshotAt(at, v, 0)); err != nil {
			t.Fatalf("fold %d: %v", i, err)
		}
	}

	var hour domain.HourBucket
	found, err := store.Get(context.Background(), "metrics:hour:2026-03-10-09", &hour)
	if err != nil || !found {
		t.Fatalf("hour bucket: found=%v err=%v", found, err)
	}
	agg := hour.Aggregates[metricConnected]
	if agg.Sum != 60 {
		t.Fatalf("expected sum 60, got %v", agg.Sum)
	}
	if agg.Count != 3 {
		t.Fatalf("expected count 3, got %d", agg.Count)
	}
	if agg.Peak != 30 {
		t.Fatalf("expected peak 30, got %v", agg.Peak)
	}
	if math.Abs(agg.Avg-20) > 1e-9 {
		t.Fatalf("expected avg 20, got %v", agg.Avg)
	}
	if !hour.LastUpdated.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected last_updated %v", hour.LastUpdated)
	}
}

func TestMinuteSeriesSkipsMissingMinutes(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	buckets := NewBucketStore(store, time.Hour, 24*time.Hour)
	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	// Minutes :00 and :03 scraped, :01 and :02 missed.
	for _, offset := range []time.Duration{0, 3 * time.Minute} {
		if err := buckets.Fold(context.Background(), snapshotAt(base.Add(offset), 1, 0)); err != nil {
			t.Fatalf("fold: %v", err)
		}
	}

	points, err := buckets.MinuteSeries(context.Background(), base.Add(3*time.Minute), 5)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Key != "2026-03-10-09-00" || points[1].Key != "2026-03-10-09-03" {
		t.Fatalf("unexpected keys %q %q", points[0].Key, points[1].Key)
	}
}

func TestHourSeriesOrdersOldestFirst(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	buckets := NewBucketStore(store, time.Hour, 24*time.Hour)
	base := time.Date(2026, time.March, 10, 6, 30, 0, 0, time.UTC)

	for hour := 0; hour < 3; hour++ {
		at := base.Add(time.Duration(hour) * time.Hour)
		if err := buckets.Fold(context.Background(), snapshotAt(at, float64(hour), 0)); err != nil {
			t.Fatalf("fold: %v", err)
		}
	}

	points, err := buckets.HourSeries(context.Background(), base.Add(2*time.Hour), 3)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	if points[0].Key != "2026-03-10-06" || points[2].Key != "2026-03-10-08" {
		t.Fatalf("unexpected keys %q %q", points[0].Key, points[2].Key)
	}
}
