package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castwatch/telemetry/internal/domain"
	"github.com/castwatch/telemetry/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UploadEventRepository  = (*Repository)(nil)
	_ repository.HourlyRollupRepository = (*Repository)(nil)
)

const uploadEventColumns = `id, upload_id, user_id, video_id, event_type, status,
	file_size, file_name, chunk_count, chunk_size, chunks_completed,
	percentage_completed, bytes_uploaded,
	prepared_at, started_at, completed_at, failed_at,
	upload_duration, processing_time, estimated_duration,
	error_message, error_code, error_stage, retryable, attempt_number,
	upload_speed, connection_quality, created_at, updated_at`

// InsertPrepared creates the prepared row for an upload. A second prepared
// event for the same upload id is rejected with ErrAlreadyExists.
func (r *Repository) InsertPrepared(ctx context.Context, event *domain.UploadEvent) error {
	const query = `INSERT INTO upload_metrics (
			id, upload_id, user_id, event_type, status,
			file_size, file_name, chunk_count, chunk_size, estimated_duration,
			attempt_number, prepared_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (upload_id) DO NOTHING`
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	tag, err := r.pool.Exec(ctx, query,
		event.ID,
		event.UploadID,
		event.UserID,
		event.EventType,
		event.Status,
		int64PtrToNil(event.FileSize),
		emptyToNil(event.FileName),
		intPtrToNil(event.ChunkCount),
		int64PtrToNil(event.ChunkSize),
		floatPtrToNil(event.EstimatedDuration),
		event.AttemptNumber,
		timePtrToNil(event.PreparedAt),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrAlreadyExists
	}
	return nil
}

// TransitionCompleted moves the upload to completed in one atomic upsert.
// When the prepared row exists, duration and speed are derived from the
// stored prepared_at inside the statement; otherwise a synthetic completed
// row is inserted from the supplied metadata. A row already in a terminal
// state is left untouched and reported as ErrAlreadyFinal.
func (r *Repository) TransitionCompleted(ctx context.Context, t repository.CompletedTransition) (*domain.UploadEvent, error) {
	query := `INSERT INTO upload_metrics (
			id, upload_id, user_id, video_id, event_type, status,
			file_size, completed_at, upload_duration, processing_time, upload_speed,
			attempt_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'completed', 'completed', $5, $6, $7, $8,
			CASE WHEN $7::double precision > 0 AND $5::bigint IS NOT NULL
				THEN $5::double precision / $7 END,
			1, NOW(), NOW())
		ON CONFLICT (upload_id) DO UPDATE SET
			event_type = 'completed',
			status = 'completed',
			video_id = COALESCE(EXCLUDED.video_id, upload_metrics.video_id),
			file_size = COALESCE(EXCLUDED.file_size, upload_metrics.file_size),
			completed_at = EXCLUDED.completed_at,
			processing_time = COALESCE(EXCLUDED.processing_time, upload_metrics.processing_time),
			upload_duration = CASE
				WHEN upload_metrics.prepared_at IS NOT NULL
				THEN EXTRACT(EPOCH FROM (EXCLUDED.completed_at - upload_metrics.prepared_at))
				ELSE EXCLUDED.upload_duration END,
			upload_speed = CASE
				WHEN upload_metrics.prepared_at IS NOT NULL
					AND EXTRACT(EPOCH FROM (EXCLUDED.completed_at - upload_metrics.prepared_at)) > 0
					AND COALESCE(EXCLUDED.file_size, upload_metrics.file_size) IS NOT NULL
				THEN COALESCE(EXCLUDED.file_size, upload_metrics.file_size)::double precision
					/ EXTRACT(EPOCH FROM (EXCLUDED.completed_at - upload_metrics.prepared_at))
				ELSE EXCLUDED.upload_speed END,
			updated_at = NOW()
		WHERE upload_metrics.status = 'prepared'
		RETURNING ` + uploadEventColumns
	row := r.pool.QueryRow(ctx, query,
		uuid.NewString(),
		t.UploadID,
		t.UserID,
		int64ToNil(t.VideoID),
		int64PtrToNil(t.FinalFileSize),
		t.CompletedAt,
		floatPtrToNil(t.ReportedDuration),
		floatPtrToNil(t.ProcessingTime),
	)
	event, err := scanUploadEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrAlreadyFinal
		}
		return nil, err
	}
	return event, nil
}

// TransitionFailed is the failure-side counterpart of TransitionCompleted.
func (r *Repository) TransitionFailed(ctx context.Context, t repository.FailedTransition) (*domain.UploadEvent, error) {
	query := `INSERT INTO upload_metrics (
			id, upload_id, user_id, event_type, status, failed_at,
			error_message, error_code, error_stage, retryable,
			percentage_completed, chunks_completed, bytes_uploaded,
			attempt_number, created_at, updated_at)
		VALUES ($1, $2, $3, 'failed', 'failed', $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (upload_id) DO UPDATE SET
			event_type = 'failed',
			status = 'failed',
			failed_at = EXCLUDED.failed_at,
			error_message = EXCLUDED.error_message,
			error_code = EXCLUDED.error_code,
			error_stage = EXCLUDED.error_stage,
			retryable = EXCLUDED.retryable,
			percentage_completed = COALESCE(EXCLUDED.percentage_completed, upload_metrics.percentage_completed),
			chunks_completed = COALESCE(EXCLUDED.chunks_completed, upload_metrics.chunks_completed),
			bytes_uploaded = COALESCE(EXCLUDED.bytes_uploaded, upload_metrics.bytes_uploaded),
			attempt_number = EXCLUDED.attempt_number,
			upload_duration = CASE WHEN upload_metrics.prepared_at IS NOT NULL
				THEN EXTRACT(EPOCH FROM (EXCLUDED.failed_at - upload_metrics.prepared_at)) END,
			updated_at = NOW()
		WHERE upload_metrics.status = 'prepared'
		RETURNING ` + uploadEventColumns
	row := r.pool.QueryRow(ctx, query,
		uuid.NewString(),
		t.UploadID,
		t.UserID,
		t.FailedAt,
		emptyToNil(t.Message),
		emptyToNil(t.Code),
		emptyToNil(t.Stage),
		t.Retryable,
		floatPtrToNil(t.PercentageCompleted),
		intPtrToNil(t.ChunksCompleted),
		int64PtrToNil(t.BytesUploaded),
		t.AttemptNumber,
	)
	event, err := scanUploadEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrAlreadyFinal
		}
		return nil, err
	}
	return event, nil
}

// GetByUploadID fetches a single lifecycle row.
func (r *Repository) GetByUploadID(ctx context.Context, uploadID string) (*domain.UploadEvent, error) {
	query := `SELECT ` + uploadEventColumns + ` FROM upload_metrics WHERE upload_id = $1`
	event, err := scanUploadEvent(r.pool.QueryRow(ctx, query, uploadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return event, nil
}

// ListEventsBetween returns rows whose latest lifecycle timestamp falls in
// [from, to). The hourly aggregator reads closed hours through this.
func (r *Repository) ListEventsBetween(ctx context.Context, from, to time.Time) ([]domain.UploadEvent, error) {
	query := `SELECT ` + uploadEventColumns + ` FROM upload_metrics
		WHERE COALESCE(completed_at, failed_at, prepared_at, created_at) >= $1
		  AND COALESCE(completed_at, failed_at, prepared_at, created_at) < $2
		ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.UploadEvent, 0)
	for rows.Next() {
		event, err := scanUploadEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// UpsertHourlyRollup writes the summary row for one hour, overwriting any
// previous run for the same hour.
func (r *Repository) UpsertHourlyRollup(ctx context.Context, rollup *domain.HourlyRollup) error {
	const query = `INSERT INTO upload_metrics_hourly (
			hour, total_uploads, completed_uploads, failed_uploads, total_bytes,
			avg_duration, avg_speed, completion_rate,
			duration_histogram, size_histogram, error_stages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (hour) DO UPDATE SET
			total_uploads = EXCLUDED.total_uploads,
			completed_uploads = EXCLUDED.completed_uploads,
			failed_uploads = EXCLUDED.failed_uploads,
			total_bytes = EXCLUDED.total_bytes,
			avg_duration = EXCLUDED.avg_duration,
			avg_speed = EXCLUDED.avg_speed,
			completion_rate = EXCLUDED.completion_rate,
			duration_histogram = EXCLUDED.duration_histogram,
			size_histogram = EXCLUDED.size_histogram,
			error_stages = EXCLUDED.error_stages,
			updated_at = NOW()`
	durations, err := json.Marshal(rollup.DurationHistogram)
	if err != nil {
		return fmt.Errorf("encode duration histogram: %w", err)
	}
	sizes, err := json.Marshal(rollup.SizeHistogram)
	if err != nil {
		return fmt.Errorf("encode size histogram: %w", err)
	}
	stages, err := json.Marshal(rollup.ErrorStages)
	if err != nil {
		return fmt.Errorf("encode error stages: %w", err)
	}
	_, err = r.pool.Exec(ctx, query,
		rollup.Hour,
		rollup.TotalUploads,
		rollup.CompletedUploads,
		rollup.FailedUploads,
		rollup.TotalBytes,
		rollup.AvgDuration,
		rollup.AvgSpeed,
		rollup.CompletionRate,
		durations,
		sizes,
		stages,
	)
	return err
}

// ListHourlyRollups returns rollup rows with hour in [from, to).
func (r *Repository) ListHourlyRollups(ctx context.Context, from, to time.Time) ([]domain.HourlyRollup, error) {
	const query = `SELECT hour, total_uploads, completed_uploads, failed_uploads, total_bytes,
			avg_duration, avg_speed, completion_rate,
			duration_histogram, size_histogram, error_stages, created_at, updated_at
		FROM upload_metrics_hourly
		WHERE hour >= $1 AND hour < $2
		ORDER BY hour ASC`
	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rollups := make([]domain.HourlyRollup, 0)
	for rows.Next() {
		var (
			rollup    domain.HourlyRollup
			durations []byte
			sizes     []byte
			stages    []byte
		)
		if err := rows.Scan(
			&rollup.Hour,
			&rollup.TotalUploads,
			&rollup.CompletedUploads,
			&rollup.FailedUploads,
			&rollup.TotalBytes,
			&rollup.AvgDuration,
			&rollup.AvgSpeed,
			&rollup.CompletionRate,
			&durations,
			&sizes,
			&stages,
			&rollup.CreatedAt,
			&rollup.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(durations, &rollup.DurationHistogram); err != nil {
			return nil, fmt.Errorf("decode duration histogram: %w", err)
		}
		if err := json.Unmarshal(sizes, &rollup.SizeHistogram); err != nil {
			return nil, fmt.Errorf("decode size histogram: %w", err)
		}
		if err := json.Unmarshal(stages, &rollup.ErrorStages); err != nil {
			return nil, fmt.Errorf("decode error stages: %w", err)
		}
		rollups = append(rollups, rollup)
	}
	return rollups, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUploadEvent(row rowScanner) (*domain.UploadEvent, error) {
	var (
		event       domain.UploadEvent
		videoID     sql.NullInt64
		fileSize    sql.NullInt64
		fileName    sql.NullString
		chunkCount  sql.NullInt64
		chunkSize   sql.NullInt64
		chunksDone  sql.NullInt64
		percentage  sql.NullFloat64
		bytesUp     sql.NullInt64
		preparedAt  sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
		failedAt    sql.NullTime
		duration    sql.NullFloat64
		processing  sql.NullFloat64
		estimated   sql.NullFloat64
		errMessage  sql.NullString
		errCode     sql.NullString
		errStage    sql.NullString
		retryable   sql.NullBool
		speed       sql.NullFloat64
		quality     sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.UploadID,
		&event.UserID,
		&videoID,
		&event.EventType,
		&event.Status,
		&fileSize,
		&fileName,
		&chunkCount,
		&chunkSize,
		&chunksDone,
		&percentage,
		&bytesUp,
		&preparedAt,
		&startedAt,
		&completedAt,
		&failedAt,
		&duration,
		&processing,
		&estimated,
		&errMessage,
		&errCode,
		&errStage,
		&retryable,
		&event.AttemptNumber,
		&speed,
		&quality,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if videoID.Valid {
		value := videoID.Int64
		event.VideoID = &value
	}
	if fileSize.Valid {
		value := fileSize.Int64
		event.FileSize = &value
	}
	if fileName.Valid {
		event.FileName = fileName.String
	}
	if chunkCount.Valid {
		value := int(chunkCount.Int64)
		event.ChunkCount = &value
	}
	if chunkSize.Valid {
		value := chunkSize.Int64
		event.ChunkSize = &value
	}
	if chunksDone.Valid {
		value := int(chunksDone.Int64)
		event.ChunksCompleted = &value
	}
	if percentage.Valid {
		value := percentage.Float64
		event.PercentageCompleted = &value
	}
	if bytesUp.Valid {
		value := bytesUp.Int64
		event.BytesUploaded = &value
	}
	if preparedAt.Valid {
		value := preparedAt.Time.UTC()
		event.PreparedAt = &value
	}
	if startedAt.Valid {
		value := startedAt.Time.UTC()
		event.StartedAt = &value
	}
	if completedAt.Valid {
		value := completedAt.Time.UTC()
		event.CompletedAt = &value
	}
	if failedAt.Valid {
		value := failedAt.Time.UTC()
		event.FailedAt = &value
	}
	if duration.Valid {
		value := duration.Float64
		event.UploadDuration = &value
	}
	if processing.Valid {
		value := processing.Float64
		event.ProcessingTime = &value
	}
	if estimated.Valid {
		value := estimated.Float64
		event.EstimatedDuration = &value
	}
	if errMessage.Valid {
		event.ErrorMessage = errMessage.String
	}
	if errCode.Valid {
		event.ErrorCode = errCode.String
	}
	if errStage.Valid {
		event.ErrorStage = errStage.String
	}
	if retryable.Valid {
		value := retryable.Bool
		event.Retryable = &value
	}
	if speed.Valid {
		value := speed.Float64
		event.UploadSpeed = &value
	}
	if quality.Valid {
		event.ConnectionQuality = quality.String
	}
	return &event, nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func int64ToNil(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func int64PtrToNil(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func intPtrToNil(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func floatPtrToNil(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func timePtrToNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}
