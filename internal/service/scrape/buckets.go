package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/castwatch/telemetry/internal/cache"
	"github.com/castwatch/telemetry/internal/domain"
)

const (
	minuteKeyPrefix = "metrics:minute:"
	hourKeyPrefix   = "metrics:hour:"
	minuteKeyLayout = "2006-01-02-15-04"
	hourKeyLayout   = "2006-01-02-15"
	currentStatsKey = "stats:current"
)

func minuteKey(t time.Time) string {
	return minuteKeyPrefix + t.UTC().Format(minuteKeyLayout)
}

func hourKey(t time.Time) string {
	return hourKeyPrefix + t.UTC().Format(hourKeyLayout)
}

// BucketStore folds processed snapshots into minute- and hour-granularity
// cache buckets and reads them back as time series. The hour-bucket update is
// a read-modify-write; callers serialize cycles (see Service) so two writers
// never interleave on the same key.
type BucketStore struct {
	cache     cache.Store
	minuteTTL time.Duration
	hourTTL   time.Duration
}

// NewBucketStore constructs a BucketStore with the configured TTLs.
func NewBucketStore(store cache.Store, minuteTTL, hourTTL time.Duration) *BucketStore {
	if minuteTTL <= 0 {
		minuteTTL = 2 * time.Hour
	}
	if hourTTL <= 0 {
		hourTTL = 24 * time.Hour
	}
	return &BucketStore{cache: store, minuteTTL: minuteTTL, hourTTL: hourTTL}
}

// Fold writes the snapshot into the current minute and hour buckets. The
// minute bucket is overwritten wholesale; the hour bucket accumulates sum,
// count, peak, and an online mean per tracked metric.
func (b *BucketStore) Fold(ctx context.Context, snapshot *domain.ProcessedSnapshot) error {
	minute := domain.MinuteBucket{
		Connected:        snapshot.Gauge(metricConnected),
		NewConnections:   snapshot.Counter(metricNewConnections).Delta,
		Disconnections:   snapshot.Counter(metricDisconnections).Delta,
		BytesReceived:    snapshot.Counter(metricBytesReceived).Delta,
		BytesTransmitted: snapshot.Counter(metricBytesTransmitted).Delta,
		MessagesReceived: snapshot.Counter(metricMessagesReceived).Delta,
		MessagesSent:     snapshot.Counter(metricMessagesSent).Delta,
		CapturedAt:       snapshot.CapturedAt,
	}
	if err := b.cache.Put(ctx, minuteKey(snapshot.CapturedAt), minute, b.minuteTTL); err != nil {
		return fmt.Errorf("store minute bucket: %w", err)
	}

	key := hourKey(snapshot.CapturedAt)
	var hour domain.HourBucket
	if _, err := b.cache.Get(ctx, key, &hour); err != nil {
		return fmt.Errorf("load hour bucket: %w", err)
	}
	if hour.Aggregates == nil {
		hour.Aggregates = make(map[string]domain.HourAggregate)
	}
	hour.Aggregates[metricConnected] = hour.Aggregates[metricConnected].Fold(minute.Connected)
	hour.Aggregates[metricNewConnections] = hour.Aggregates[metricNewConnections].Fold(minute.NewConnections)
	hour.Aggregates[metricDisconnections] = hour.Aggregates[metricDisconnections].Fold(minute.Disconnections)
	hour.Aggregates[metricBytesReceived] = hour.Aggregates[metricBytesReceived].Fold(minute.BytesReceived)
	hour.Aggregates[metricBytesTransmitted] = hour.Aggregates[metricBytesTransmitted].Fold(minute.BytesTransmitted)
	hour.Aggregates[metricMessagesReceived] = hour.Aggregates[metricMessagesReceived].Fold(minute.MessagesReceived)
	hour.Aggregates[metricMessagesSent] = hour.Aggregates[metricMessagesSent].Fold(minute.MessagesSent)
	hour.LastUpdated = snapshot.CapturedAt
	if err := b.cache.Put(ctx, key, hour, b.hourTTL); err != nil {
		return fmt.Errorf("store hour bucket: %w", err)
	}
	return nil
}

// MinuteSeries returns up to count minute buckets ending at the minute of
// now, oldest first. Missing minutes (no scrape landed) are skipped.
func (b *BucketStore) MinuteSeries(ctx context.Context, now time.Time, count int) ([]domain.MinutePoint, error) {
	if count <= 0 {
		count = 60
	}
	points := make([]domain.MinutePoint, 0, count)
	start := now.UTC().Truncate(time.Minute).Add(-time.Duration(count-1) * time.Minute)
	for i := 0; i < count; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		var bucket domain.MinuteBucket
		found, err := b.cache.Get(ctx, minuteKey(at), &bucket)
		if err != nil {
			return nil, fmt.Errorf("load minute bucket: %w", err)
		}
		if !found {
			continue
		}
		points = append(points, domain.MinutePoint{Key: at.Format(minuteKeyLayout), Bucket: bucket})
	}
	return points, nil
}

// HourSeries returns up to count hour buckets ending at the hour of now,
// oldest first.
func (b *BucketStore) HourSeries(ctx context.Context, now time.Time, count int) ([]domain.HourPoint, error) {
	if count <= 0 {
		count = 24
	}
	points := make([]domain.HourPoint, 0, count)
	start := now.UTC().Truncate(time.Hour).Add(-time.Duration(count-1) * time.Hour)
	for i := 0; i < count; i++ {
		at := start.Add(time.Duration(i) * time.Hour)
		var bucket domain.HourBucket
		found, err := b.cache.Get(ctx, hourKey(at), &bucket)
		if err != nil {
			return nil, fmt.Errorf("load hour bucket: %w", err)
		}
		if !found {
			continue
		}
		points = append(points, domain.HourPoint{Key: at.Format(hourKeyLayout), Bucket: bucket})
	}
	return points, nil
}
