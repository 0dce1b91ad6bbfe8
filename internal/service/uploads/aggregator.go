package uploads

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castwatch/telemetry/internal/domain"
	"github.com/castwatch/telemetry/internal/repository"
)

// sizeBuckets are the fixed histogram bins for transferred file sizes.
var sizeBuckets = []struct {
	upper int64
	label string
}{
	{10 << 20, "0-10MB"},
	{50 << 20, "10-50MB"},
	{100 << 20, "50-100MB"},
	{500 << 20, "100-500MB"},
	{1 << 30, "500MB-1GB"},
}

const sizeBucketOverflow = "1GB+"

const errorStageUnknown = "unknown"

// SizeBucket maps a byte count onto its histogram label.
func SizeBucket(bytes int64) string {
	for _, bucket := range sizeBuckets {
		if bytes < bucket.upper {
			return bucket.label
		}
	}
	return sizeBucketOverflow
}

// Aggregator rolls durable upload rows for one closed hour into a single
// summary row. Runs are idempotent: the rollup row is keyed by hour and
// upserted, so re-running an hour overwrites rather than duplicates.
type Aggregator struct {
	events  repository.UploadEventRepository
	rollups repository.HourlyRollupRepository
	logger  *slog.Logger
	now     func() time.Time
}

// NewAggregator constructs an Aggregator.
func NewAggregator(events repository.UploadEventRepository, rollups repository.HourlyRollupRepository, logger *slog.Logger) *Aggregator {
	if logger != nil {
		logger = logger.With("component", "hourly_aggregator")
	}
	return &Aggregator{events: events, rollups: rollups, logger: logger, now: time.Now}
}

// Run ticks on the given interval and aggregates the most recent closed hour
// each time. It blocks until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if a.logger != nil {
		a.logger.Info("hourly aggregator started", "interval", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.logger != nil {
				a.logger.Info("hourly aggregator stopped")
			}
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				if a.logger != nil {
					a.logger.Error("hourly aggregation failed", "error", err)
				}
			}
		}
	}
}

// RunOnce aggregates the closed hour immediately preceding now. The current
// in-progress hour is never rolled up.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	hour := a.now().UTC().Truncate(time.Hour).Add(-time.Hour)
	return a.RunForHour(ctx, hour)
}

// RunForHour aggregates the hour starting at the given instant and upserts
// its rollup row.
func (a *Aggregator) RunForHour(ctx context.Context, hour time.Time) error {
	hour = hour.UTC().Truncate(time.Hour)
	events, err := a.events.ListEventsBetween(ctx, hour, hour.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("list events for hour %s: %w", hour.Format(time.RFC3339), err)
	}

	rollup := buildRollup(hour, events)
	if err := a.rollups.UpsertHourlyRollup(ctx, rollup); err != nil {
		return fmt.Errorf("upsert rollup for hour %s: %w", hour.Format(time.RFC3339), err)
	}
	if a.logger != nil {
		a.logger.Info("hourly rollup written",
			"hour", hour.Format(time.RFC3339),
			"total", rollup.TotalUploads,
			"completed", rollup.CompletedUploads,
			"failed", rollup.FailedUploads)
	}
	return nil
}

func buildRollup(hour time.Time, events []domain.UploadEvent) *domain.HourlyRollup {
	rollup := &domain.HourlyRollup{
		Hour:              hour,
		TotalUploads:      int64(len(events)),
		DurationHistogram: make(map[string]int64),
		SizeHistogram:     make(map[string]int64),
		ErrorStages:       make(map[string]int64),
	}

	var (
		durationSum float64
		durationN   int64
		speedSum    float64
		speedN      int64
	)
	for _, event := range events {
		switch event.Status {
		case domain.UploadStatusCompleted:
			rollup.CompletedUploads++
			if event.FileSize != nil {
				rollup.TotalBytes += *event.FileSize
				rollup.SizeHistogram[SizeBucket(*event.FileSize)]++
			}
			if event.UploadDuration != nil {
				durationSum += *event.UploadDuration
				durationN++
				rollup.DurationHistogram[DurationBucket(*event.UploadDuration)]++
			}
			if event.UploadSpeed != nil {
				speedSum += *event.UploadSpeed
				speedN++
			}
		case domain.UploadStatusFailed:
			rollup.FailedUploads++
			if event.BytesUploaded != nil {
				rollup.TotalBytes += *event.BytesUploaded
			}
			stage := event.ErrorStage
			if stage == "" {
				stage = errorStageUnknown
			}
			rollup.ErrorStages[stage]++
		}
	}
	if durationN > 0 {
		rollup.AvgDuration = durationSum / float64(durationN)
	}
	if speedN > 0 {
		rollup.AvgSpeed = speedSum / float64(speedN)
	}
	if rollup.TotalUploads > 0 {
		rollup.CompletionRate = float64(rollup.CompletedUploads) / float64(rollup.TotalUploads) * 100
	}
	return rollup
}
