package domain

import (
	"math"
	"testing"
)

func TestHourAggregateFold(t *testing.T) {
	var agg HourAggregate
	for _, value := range []float64{4, 10, 1} {
		agg = agg.Fold(value)
	}
	if agg.Sum != 15 {
		t.Fatalf("expected sum 15, got %v", agg.Sum)
	}
	if agg.Count != 3 {
		t.Fatalf("expected count 3, got %d", agg.Count)
	}
	if agg.Peak != 10 {
		t.Fatalf("expected peak 10, got %v", agg.Peak)
	}
	if math.Abs(agg.Avg-5) > 1e-9 {
		t.Fatalf("expected avg 5, got %v", agg.Avg)
	}
}

func TestHourAggregateFoldFirstSampleIsPeak(t *testing.T) {
	agg := HourAggregate{}.Fold(-3)
	if agg.Peak != -3 {
		t.Fatalf("expected first sample to set peak, got %v", agg.Peak)
	}
	if agg.Avg != -3 {
		t.Fatalf("expected avg -3, got %v", agg.Avg)
	}
}

func TestSnapshotAccessorsNilSafe(t *testing.T) {
	var snapshot *ProcessedSnapshot
	if snapshot.Gauge("anything") != 0 {
		t.Fatal("expected zero gauge on nil snapshot")
	}
	if snapshot.Counter("anything") != (CounterValue{}) {
		t.Fatal("expected zero counter on nil snapshot")
	}
}
