package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/castwatch/telemetry/internal/cache"
	"github.com/castwatch/telemetry/internal/domain"
)

// Cache slot holding the previous cycle's raw counter totals. Only one
// generation of history is kept; each cycle supersedes it.
const previousTotalsKey = "metrics:previous"

// Well-known soketi metric names used by buckets and the derived analyzer.
const (
	metricConnected        = "soketi_connected"
	metricNewConnections   = "soketi_new_connections_total"
	metricDisconnections   = "soketi_new_disconnections_total"
	metricBytesReceived    = "soketi_socket_received_bytes"
	metricBytesTransmitted = "soketi_socket_transmitted_bytes"
	metricMessagesReceived = "soketi_ws_messages_received_total"
	metricMessagesSent     = "soketi_ws_messages_sent_total"
)

// previousTotals is the versioned previous-cycle state kept in the cache.
type previousTotals struct {
	Totals     map[string]float64 `json:"totals"`
	CapturedAt time.Time          `json:"captured_at"`
}

// DeltaTracker diffs counter totals against the previous scrape cycle.
// Counters are an allow-listed name set; exposition type hints are not
// trusted. The previous-totals slot is advanced with a generation
// compare-and-swap so an overlapping stale cycle is rejected rather than
// silently double-counted.
type DeltaTracker struct {
	cache    cache.Store
	counters map[string]struct{}
	ttl      time.Duration
	logger   *slog.Logger
}

// NewDeltaTracker constructs a DeltaTracker for the given counter names.
func NewDeltaTracker(store cache.Store, counterNames []string, ttl time.Duration, logger *slog.Logger) *DeltaTracker {
	counters := make(map[string]struct{}, len(counterNames))
	for _, name := range counterNames {
		counters[name] = struct{}{}
	}
	if logger != nil {
		logger = logger.With("component", "delta_tracker")
	}
	return &DeltaTracker{cache: store, counters: counters, ttl: ttl, logger: logger}
}

// Process folds raw samples into a ProcessedSnapshot. Samples sharing a name
// across label sets (one soketi process per port) are summed first. For each
// allow-listed counter the delta is clamped at zero: a total falling below
// the previous observation means the producer restarted, so the reset
// interval is under-counted rather than reported as a huge negative swing.
// Resets are surfaced in the snapshot and logged.
//
// Returns cache.ErrConflict when another cycle advanced the previous-totals
// slot first; the caller must discard the snapshot.
func (t *DeltaTracker) Process(ctx context.Context, samples []domain.RawSample, now time.Time) (*domain.ProcessedSnapshot, error) {
	totals := make(map[string]float64, len(samples))
	for _, sample := range samples {
		totals[sample.Name] += sample.Value
	}

	var (
		previous   previousTotals
		generation uint64
	)
	var envelope cache.Versioned
	found, err := t.cache.Get(ctx, previousTotalsKey, &envelope)
	if err != nil {
		return nil, fmt.Errorf("load previous totals: %w", err)
	}
	if found {
		if err := envelope.Decode(&previous); err != nil {
			return nil, fmt.Errorf("decode previous totals: %w", err)
		}
		generation = envelope.Generation
	}

	snapshot := &domain.ProcessedSnapshot{
		Gauges:     make(map[string]float64),
		Counters:   make(map[string]domain.CounterValue),
		Generation: generation + 1,
		CapturedAt: now,
	}
	for name, total := range totals {
		if _, isCounter := t.counters[name]; !isCounter {
			snapshot.Gauges[name] = total
			continue
		}
		value := domain.CounterValue{Total: total}
		if found {
			prev, seen := previous.Totals[name]
			switch {
			case !seen:
				// First observation of this counter; no delta yet.
			case total >= prev:
				value.Delta = total - prev
			default:
				snapshot.Resets = append(snapshot.Resets, name)
				if t.logger != nil {
					t.logger.Warn("counter reset detected",
						"metric", name, "previous", prev, "current", total)
				}
			}
		}
		snapshot.Counters[name] = value
	}
	sort.Strings(snapshot.Resets)

	next := previousTotals{Totals: counterTotals(totals, t.counters), CapturedAt: now}
	value, err := cache.NewVersioned(snapshot.Generation, next)
	if err != nil {
		return nil, fmt.Errorf("encode previous totals: %w", err)
	}
	if err := t.cache.CompareAndSwap(ctx, previousTotalsKey, generation, value, t.ttl); err != nil {
		return nil, fmt.Errorf("store previous totals: %w", err)
	}
	return snapshot, nil
}

func counterTotals(totals map[string]float64, counters map[string]struct{}) map[string]float64 {
	result := make(map[string]float64, len(counters))
	for name := range counters {
		if total, ok := totals[name]; ok {
			result[name] = total
		}
	}
	return result
}
