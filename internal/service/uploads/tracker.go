package uploads

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/castwatch/telemetry/internal/cache"
	"github.com/castwatch/telemetry/internal/domain"
	"github.com/castwatch/telemetry/internal/repository"
	"github.com/castwatch/telemetry/internal/ws"
)

// Real-time counter keys. Totals never expire; hour/day keys expire so the
// cache does not accumulate a key per hour forever.
const (
	counterKeyPrefix   = "uploads:"
	durationSumKey     = "uploads:duration:sum_ms"
	durationCountKey   = "uploads:duration:count"
	durationBucketPref = "uploads:duration:bucket:"
	hourSuffixLayout   = "2006-01-02-15"
	daySuffixLayout    = "2006-01-02"
)

// durationBuckets are the fixed histogram bins for upload durations, lower
// bound inclusive, upper bound exclusive.
var durationBuckets = []struct {
	upper float64
	label string
}{
	{10, "0-10s"},
	{30, "10-30s"},
	{60, "30-60s"},
	{120, "1-2m"},
	{300, "2-5m"},
}

const durationBucketOverflow = "5m+"

// DurationBucket maps a duration in seconds onto its histogram label.
func DurationBucket(seconds float64) string {
	for _, bucket := range durationBuckets {
		if seconds < bucket.upper {
			return bucket.label
		}
	}
	return durationBucketOverflow
}

// DurationBucketLabels returns all histogram labels in bin order.
func DurationBucketLabels() []string {
	labels := make([]string, 0, len(durationBuckets)+1)
	for _, bucket := range durationBuckets {
		labels = append(labels, bucket.label)
	}
	return append(labels, durationBucketOverflow)
}

// ValidationError reports the required fields an ingestion payload omitted.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// Tracker records upload lifecycle events: a durable row per upload plus
// real-time counters in the cache. Durable write failures are returned to
// the caller; counter updates are best-effort and only logged.
type Tracker struct {
	repo       repository.UploadEventRepository
	cache      cache.Store
	hub        *ws.Hub
	logger     *slog.Logger
	counterTTL time.Duration
	now        func() time.Time
}

// NewTracker constructs a Tracker.
func NewTracker(repo repository.UploadEventRepository, store cache.Store, hub *ws.Hub, logger *slog.Logger, counterTTL time.Duration) *Tracker {
	if counterTTL <= 0 {
		counterTTL = 48 * time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "upload_tracker")
	}
	return &Tracker{
		repo:       repo,
		cache:      store,
		hub:        hub,
		logger:     logger,
		counterTTL: counterTTL,
		now:        time.Now,
	}
}

// RecordPrepared stores the prepared row and bumps prepared counters.
func (t *Tracker) RecordPrepared(ctx context.Context, event domain.PreparedEvent) (*domain.UploadEvent, error) {
	var missing []string
	if strings.TrimSpace(event.UploadID) == "" {
		missing = append(missing, "upload_id")
	}
	if event.UserID <= 0 {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Fields: missing}
	}

	now := t.now().UTC()
	row := &domain.UploadEvent{
		UploadID:      strings.TrimSpace(event.UploadID),
		UserID:        event.UserID,
		EventType:     domain.UploadStatusPrepared,
		Status:        domain.UploadStatusPrepared,
		FileName:      event.Metadata.FileName,
		AttemptNumber: 1,
		PreparedAt:    &now,
	}
	if event.Metadata.FileSize > 0 {
		size := event.Metadata.FileSize
		row.FileSize = &size
	}
	if event.Metadata.ChunkCount > 0 {
		count := event.Metadata.ChunkCount
		row.ChunkCount = &count
	}
	if event.Metadata.ChunkSize > 0 {
		size := event.Metadata.ChunkSize
		row.ChunkSize = &size
	}
	if event.Metadata.EstimatedDuration > 0 {
		estimated := event.Metadata.EstimatedDuration
		row.EstimatedDuration = &estimated
	}

	if err := t.repo.InsertPrepared(ctx, row); err != nil {
		if t.logger != nil {
			t.logger.Error("failed to store prepared event",
				"upload_id", row.UploadID, "user_id", row.UserID, "error", err)
		}
		return nil, err
	}

	t.bumpCounters(ctx, domain.UploadStatusPrepared, now)
	t.broadcast(domain.UploadStatusPrepared, row)
	return row, nil
}

// RecordCompleted transitions the upload to completed. The repository
// statement computes duration and speed from the stored prepared_at, or
// inserts a synthetic row from the reported metadata when the prepared event
// never made it.
func (t *Tracker) RecordCompleted(ctx context.Context, event domain.CompletedEvent) (*domain.UploadEvent, error) {
	if strings.TrimSpace(event.UploadID) == "" {
		return nil, &ValidationError{Fields: []string{"upload_id"}}
	}

	now := t.now().UTC()
	transition := repository.CompletedTransition{
		UploadID:    strings.TrimSpace(event.UploadID),
		UserID:      event.UserID,
		VideoID:     event.VideoID,
		CompletedAt: now,
	}
	if event.Metadata.FinalFileSize > 0 {
		size := event.Metadata.FinalFileSize
		transition.FinalFileSize = &size
	}
	if event.Metadata.ProcessingTime > 0 {
		processing := event.Metadata.ProcessingTime
		transition.ProcessingTime = &processing
	}
	if event.Metadata.UploadDuration > 0 {
		reported := event.Metadata.UploadDuration
		transition.ReportedDuration = &reported
	}

	row, err := t.repo.TransitionCompleted(ctx, transition)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("failed to store completed event",
				"upload_id", transition.UploadID, "video_id", event.VideoID, "error", err)
		}
		return nil, err
	}

	t.bumpCounters(ctx, domain.UploadStatusCompleted, now)
	if row.UploadDuration != nil {
		t.bumpDuration(ctx, *row.UploadDuration)
	}
	t.broadcast(domain.UploadStatusCompleted, row)
	return row, nil
}

// RecordFailed transitions the upload to failed, recording error metadata.
// A failure without a prior prepared row inserts a synthetic failed row with
// the attempt number defaulted to 1.
func (t *Tracker) RecordFailed(ctx context.Context, event domain.FailedEvent) (*domain.UploadEvent, error) {
	if strings.TrimSpace(event.UploadID) == "" {
		return nil, &ValidationError{Fields: []string{"upload_id"}}
	}

	now := t.now().UTC()
	attempt := event.FailureData.AttemptNumber
	if attempt <= 0 {
		attempt = 1
	}
	transition := repository.FailedTransition{
		UploadID:      strings.TrimSpace(event.UploadID),
		UserID:        event.UserID,
		Message:       event.FailureData.Message,
		Code:          event.FailureData.Code,
		Stage:         event.FailureData.Stage,
		Retryable:     event.FailureData.Retryable,
		AttemptNumber: attempt,
		FailedAt:      now,
	}
	if event.FailureData.PercentageCompleted > 0 {
		pct := event.FailureData.PercentageCompleted
		transition.PercentageCompleted = &pct
	}
	if event.FailureData.ChunksCompleted > 0 {
		chunks := event.FailureData.ChunksCompleted
		transition.ChunksCompleted = &chunks
	}
	if event.FailureData.BytesUploaded > 0 {
		uploaded := event.FailureData.BytesUploaded
		transition.BytesUploaded = &uploaded
	}

	row, err := t.repo.TransitionFailed(ctx, transition)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("failed to store failed event",
				"upload_id", transition.UploadID, "stage", transition.Stage, "error", err)
		}
		return nil, err
	}

	t.bumpCounters(ctx, domain.UploadStatusFailed, now)
	t.broadcast(domain.UploadStatusFailed, row)
	return row, nil
}

// Lookup fetches the durable lifecycle row for one upload. Returns
// repository.ErrNotFound when no event for the id was ever recorded.
func (t *Tracker) Lookup(ctx context.Context, uploadID string) (*domain.UploadEvent, error) {
	uploadID = strings.TrimSpace(uploadID)
	if uploadID == "" {
		return nil, &ValidationError{Fields: []string{"upload_id"}}
	}
	return t.repo.GetByUploadID(ctx, uploadID)
}

// Counters assembles the real-time counter view. ActiveUploads is clamped at
// zero: counter expiry or lost events must never surface a negative count.
func (t *Tracker) Counters(ctx context.Context) (*domain.UploadCounters, error) {
	prepared, err := t.counterValue(ctx, totalKey(domain.UploadStatusPrepared))
	if err != nil {
		return nil, err
	}
	completed, err := t.counterValue(ctx, totalKey(domain.UploadStatusCompleted))
	if err != nil {
		return nil, err
	}
	failed, err := t.counterValue(ctx, totalKey(domain.UploadStatusFailed))
	if err != nil {
		return nil, err
	}

	counters := &domain.UploadCounters{
		Prepared:        prepared,
		Completed:       completed,
		Failed:          failed,
		DurationBuckets: make(map[string]int64),
	}
	if active := prepared - completed - failed; active > 0 {
		counters.Active = active
	}
	if prepared > 0 {
		counters.CompletionRate = float64(completed) / float64(prepared) * 100
	}

	sumMS, err := t.counterValue(ctx, durationSumKey)
	if err != nil {
		return nil, err
	}
	count, err := t.counterValue(ctx, durationCountKey)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		counters.AvgDuration = float64(sumMS) / float64(count) / 1000
	}
	for _, label := range DurationBucketLabels() {
		value, err := t.counterValue(ctx, durationBucketPref+label)
		if err != nil {
			return nil, err
		}
		if value > 0 {
			counters.DurationBuckets[label] = value
		}
	}
	return counters, nil
}

func (t *Tracker) bumpCounters(ctx context.Context, status string, now time.Time) {
	t.increment(ctx, totalKey(status), 0)
	t.increment(ctx, hourKey(status, now), t.counterTTL)
	t.increment(ctx, dayKey(status, now), t.counterTTL)
}

func (t *Tracker) bumpDuration(ctx context.Context, seconds float64) {
	t.incrementBy(ctx, durationBucketPref+DurationBucket(seconds), 1, 0)
	t.incrementBy(ctx, durationSumKey, int64(seconds*1000), 0)
	t.incrementBy(ctx, durationCountKey, 1, 0)
}

func (t *Tracker) increment(ctx context.Context, key string, ttl time.Duration) {
	t.incrementBy(ctx, key, 1, ttl)
}

func (t *Tracker) incrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) {
	if _, err := t.cache.Increment(ctx, key, delta, ttl); err != nil {
		if t.logger != nil {
			t.logger.Warn("counter update failed", "key", key, "error", err)
		}
	}
}

func (t *Tracker) counterValue(ctx context.Context, key string) (int64, error) {
	var value int64
	found, err := t.cache.Get(ctx, key, &value)
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	if !found {
		return 0, nil
	}
	return value, nil
}

func (t *Tracker) broadcast(eventType string, row *domain.UploadEvent) {
	if t.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":      "upload_event",
		"event":     eventType,
		"upload_id": row.UploadID,
		"user_id":   row.UserID,
		"status":    row.Status,
	})
	if err != nil {
		return
	}
	t.hub.Broadcast(ws.ChannelStats, payload)
}

func totalKey(status string) string {
	return counterKeyPrefix + status + ":total"
}

func hourKey(status string, now time.Time) string {
	return counterKeyPrefix + status + ":hour:" + now.UTC().Format(hourSuffixLayout)
}

func dayKey(status string, now time.Time) string {
	return counterKeyPrefix + status + ":day:" + now.UTC().Format(daySuffixLayout)
}
