package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/castwatch/telemetry/internal/cache"
	"github.com/castwatch/telemetry/internal/domain"
	"github.com/castwatch/telemetry/internal/ws"
)

// ErrCycleStale is returned when an overlapping cycle advanced the pipeline
// state first; the late cycle's work is discarded.
var ErrCycleStale = errors.New("scrape: cycle superseded by a concurrent run")

// Service runs the scrape cycle: fetch, parse, delta, buckets, derived
// stats, read-model publish. The external scheduler may fire triggers faster
// than a cycle completes; overlapping triggers collapse into the in-flight
// run via singleflight, and the whole fetch-process-store sequence holds a
// mutex so the read-then-write steps never interleave.
type Service struct {
	scraper  *Scraper
	tracker  *DeltaTracker
	buckets  *BucketStore
	analyzer *Analyzer
	cache    cache.Store
	hub      *ws.Hub
	logger   *slog.Logger
	statsTTL time.Duration

	mu    sync.Mutex
	group singleflight.Group
	now   func() time.Time
}

// NewService wires the pipeline stages together.
func NewService(scraper *Scraper, tracker *DeltaTracker, buckets *BucketStore, analyzer *Analyzer, store cache.Store, hub *ws.Hub, logger *slog.Logger, statsTTL time.Duration) *Service {
	if statsTTL <= 0 {
		statsTTL = 2 * time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "scrape_service")
	}
	return &Service{
		scraper:  scraper,
		tracker:  tracker,
		buckets:  buckets,
		analyzer: analyzer,
		cache:    store,
		hub:      hub,
		logger:   logger,
		statsTTL: statsTTL,
		now:      time.Now,
	}
}

// RunCycle executes one scrape cycle and returns the published stats
// document. Concurrent callers share the result of the in-flight cycle.
func (s *Service) RunCycle(ctx context.Context) (*domain.StatsDocument, error) {
	result, err, _ := s.group.Do("cycle", func() (any, error) {
		return s.runCycle(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.StatsDocument), nil
}

func (s *Service) runCycle(ctx context.Context) (*domain.StatsDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	// A failed or partial fetch aborts the cycle before any state is
	// touched; a snapshot is never assembled from half the samples.
	samples, err := s.scraper.FetchMetrics(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("scrape cycle aborted", "error", err)
		}
		return nil, err
	}

	usage, err := s.scraper.FetchUsage(ctx)
	if err != nil {
		usage = nil
		if s.logger != nil {
			s.logger.Warn("usage fetch failed, continuing without", "error", err)
		}
	}

	var previousDoc domain.StatsDocument
	havePrevious, err := s.cache.Get(ctx, currentStatsKey, &previousDoc)
	if err != nil {
		return nil, fmt.Errorf("load current stats: %w", err)
	}

	snapshot, err := s.tracker.Process(ctx, samples, now)
	if err != nil {
		if errors.Is(err, cache.ErrConflict) {
			if s.logger != nil {
				s.logger.Warn("stale cycle rejected", "captured_at", now)
			}
			return nil, ErrCycleStale
		}
		return nil, err
	}
	snapshot.Usage = usage

	if err := s.buckets.Fold(ctx, snapshot); err != nil {
		return nil, err
	}

	var previousSnapshot *domain.ProcessedSnapshot
	if havePrevious {
		previousSnapshot = &previousDoc.Snapshot
	}
	derived := s.analyzer.Analyze(previousSnapshot, snapshot)

	doc := &domain.StatsDocument{
		Snapshot:  *snapshot,
		Derived:   derived,
		UpdatedAt: now,
	}
	if err := s.cache.Put(ctx, currentStatsKey, doc, s.statsTTL); err != nil {
		return nil, fmt.Errorf("publish stats document: %w", err)
	}

	s.broadcast(doc)
	if s.logger != nil {
		s.logger.Info("scrape cycle complete",
			"generation", snapshot.Generation,
			"gauges", len(snapshot.Gauges),
			"counters", len(snapshot.Counters),
			"resets", len(snapshot.Resets))
	}
	return doc, nil
}

// CurrentStats returns the latest published stats document.
func (s *Service) CurrentStats(ctx context.Context) (*domain.StatsDocument, bool, error) {
	var doc domain.StatsDocument
	found, err := s.cache.Get(ctx, currentStatsKey, &doc)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &doc, true, nil
}

// MinuteSeries exposes the minute-granularity series for the read API.
func (s *Service) MinuteSeries(ctx context.Context, count int) ([]domain.MinutePoint, error) {
	return s.buckets.MinuteSeries(ctx, s.now(), count)
}

// HourSeries exposes the hour-granularity series for the read API.
func (s *Service) HourSeries(ctx context.Context, count int) ([]domain.HourPoint, error) {
	return s.buckets.HourSeries(ctx, s.now(), count)
}

func (s *Service) broadcast(doc *domain.StatsDocument) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":  "stats_update",
		"stats": doc,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal stats broadcast", "error", err)
		}
		return
	}
	s.hub.Broadcast(ws.ChannelStats, payload)
}
