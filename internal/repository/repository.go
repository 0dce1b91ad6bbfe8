package repository

import (
	"context"
	"time"

	"github.com/castwatch/telemetry/internal/domain"
)

// CompletedTransition carries everything needed to move an upload row to
// completed in a single statement, or to insert a synthetic completed row
// when the prepared event never arrived.
type CompletedTransition struct {
	UploadID         string
	UserID           int64
	VideoID          int64
	FinalFileSize    *int64
	ProcessingTime   *float64
	ReportedDuration *float64
	CompletedAt      time.Time
}

// FailedTransition is the failure-side counterpart of CompletedTransition.
type FailedTransition struct {
	UploadID            string
	UserID              int64
	Message             string
	Code                string
	Stage               string
	Retryable           bool
	PercentageCompleted *float64
	ChunksCompleted     *int
	BytesUploaded       *int64
	AttemptNumber       int
	FailedAt            time.Time
}

// UploadEventRepository persists upload lifecycle rows. Transition operations
// must be atomic find-or-create-then-transition statements: concurrent calls
// for the same upload id must not produce duplicate rows or reopen a
// terminal row.
type UploadEventRepository interface {
	InsertPrepared(ctx context.Context, event *domain.UploadEvent) error
	TransitionCompleted(ctx context.Context, transition CompletedTransition) (*domain.UploadEvent, error)
	TransitionFailed(ctx context.Context, transition FailedTransition) (*domain.UploadEvent, error)
	GetByUploadID(ctx context.Context, uploadID string) (*domain.UploadEvent, error)
	ListEventsBetween(ctx context.Context, from, to time.Time) ([]domain.UploadEvent, error)
}

// HourlyRollupRepository persists one summary row per closed hour. Upsert
// semantics plus the unique hour key make aggregator re-runs idempotent.
type HourlyRollupRepository interface {
	UpsertHourlyRollup(ctx context.Context, rollup *domain.HourlyRollup) error
	ListHourlyRollups(ctx context.Context, from, to time.Time) ([]domain.HourlyRollup, error)
}
