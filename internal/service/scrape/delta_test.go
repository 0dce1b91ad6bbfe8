package scrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/castwatch/telemetry/internal/cache"
	"github.com/castwatch/telemetry/internal/domain"
)

var testCounterNames = []string{
	metricNewConnections,
	metricDisconnections,
	metricBytesReceived,
	metricBytesTransmitted,
	metricMessagesReceived,
	metricMessagesSent,
}

func TestDeltaTrackerFirstCycleHasNoDeltas(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	tracker := NewDeltaTracker(store, testCounterNames, time.Hour, nil)
	now := time.Date(2026, time.March, 10, 9, 15, 0, 0, time.UTC)

	snapshot, err := tracker.Process(context.Background(), []domain.RawSample{
		{Name: metricConnected, Value: 12},
		{Name: metricNewConnections, Value: 100},
	}, now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if snapshot.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", snapshot.Generation)
	}
	if snapshot.Gauge(metricConnected) != 12 {
		t.Fatalf("expected gauge 12, got %v", snapshot.Gauge(metricConnected))
	}
	counter := snapshot.Counter(metricNewConnections)
	if counter.Total != 100 || counter.Delta != 0 {
		t.Fatalf("expected total 100 delta 0 on first cycle, got %+v", counter)
	}
	if len(snapshot.Resets) != 0 {
		t.Fatalf("expected no resets, got %v", snapshot.Resets)
	}
}

func TestDeltaTrackerComputesDeltaAgainstPreviousCycle(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	tracker := NewDeltaTracker(store, testCounterNames, time.Hour, nil)
	base := time.Date(2026, time.March, 10, 9, 15, 0, 0, time.UTC)

	if _, err := tracker.Process(context.Background(), []domain.RawSample{
		{Name: metricNewConnections, Value: 100},
	}, base); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	snapshot, err := tracker.Process(context.Background(), []domain.RawSample{
		{Name: metricNewConnections, Value: 137},
	}, base.Add(15*time.Second))
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if snapshot.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", snapshot.Generation)
	}
	counter := snapshot.Counter(metricNewConnections)
	if counter.Total != 137 || counter.Delta != 37 {
		t.Fatalf("expected total 137 delta 37, got %+v", counter)
	}
}

func TestDeltaTrackerSumsSamplesAcrossLabelSets(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	tracker := NewDeltaTracker(store, testCounterNames, time.Hour, nil)
	now := time.Date(2026, time.March, 10, 9, 15, 0, 0, time.UTC)

	snapshot, err := tracker.Process(context.Background(), []domain.RawSample{
		{Name: metricConnected, Value: 5, Labels: map[string]string{"port": "6001"}},
		{Name: metricConnected, Value: 7, Labels: map[string]string{"port": "6002"}},
		{Name: metricBytesReceived, Value: 1000, Labels: map[string]string{"port": "6001"}},
		{Name: metricBytesReceived, Value: 500, Labels: map[string]string{"port": "6002"}},
	}, now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if snapshot.Gauge(metricConnected) != 12 {
		t.Fatalf("expected summed gauge 12, got %v", snapshot.Gauge(metricConnected))
	}
	if total := snapshot.Counter(metricBytesReceived).Total; total != 1500 {
		t.Fatalf("expected summed total 1500, got %v", total)
	}
}

func TestDeltaTrackerClampsCounterReset(t *testing.T) {
	store := cache.NewMemoryStore()
	defer store.Close()
	tracker := NewDeltaTracker(store, testCounterNames, time.Hour, nil)
	base := time.Date(2026, time.March, 10, 9, 15, 0, 0, time.UTC)

	if _, err := tracker.Process(context.Background(), []domain.RawSample{
		{Name: metricMessagesSent, Value: 9000},
	}, base); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// The producer restarted: total fell back below the previous observation.
	snapshot, err := tracker.Process(context.Background(), []domain.RawSample{
		{Name: metricMessagesSent, Value: 40},
	}, base.Add(15*time.Second))
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	counter := snapshot.Counter(metricMessagesSent)
	if counter.Total != 40 || counter.Delta != 0 {
		t.Fatalf("expected clamped delta 0, got %+v", counter)
	}
	if len(snapshot.Resets) != 1 || snapshot.Resets[0] != metricMessagesSent {
		t.Fatalf("expected reset surfaced for %s, got %v", metricMessagesSent, snapshot.Resets)
	}
}

func TestDeltaTrackerRejectsStaleGeneration(t *testing.T) {
	store := &conflictingStore{MemoryStore: cache.NewMemoryStore()}
	defer store.Close()
	tracker := NewDeltaTracker(store, testCounterNames, time.Hour, nil)
	now := time.Date(2026, time.March, 10, 9, 15, 0, 0, time.UTC)

	_, err := tracker.Process(context.Background(), []domain.RawSample{
		{Name: metricNewConnections, Value: 100},
	}, now)
	if !errors.Is(err, cache.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

// conflictingStore simulates another cycle winning the previous-totals CAS
// between this cycle's read and write.
type conflictingStore struct {
	*cache.MemoryStore
}

func (s *conflictingStore) CompareAndSwap(context.Context, string, uint64, cache.Versioned, time.Duration) error {
	return cache.ErrConflict
}
