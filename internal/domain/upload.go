package domain

import "time"

// Upload lifecycle states. Terminal states are final; a retry shows up as a
// new upload id carrying an incremented attempt number.
const (
	UploadStatusPrepared  = "prepared"
	UploadStatusCompleted = "completed"
	UploadStatusFailed    = "failed"
)

// UploadEvent is one durable upload_metrics row. A row is created by the
// prepared event and transitioned in place by the terminal event; when the
// prepared event was lost the terminal event inserts a synthetic row.
type UploadEvent struct {
	ID                  string     `json:"id"`
	UploadID            string     `json:"upload_id"`
	UserID              int64      `json:"user_id"`
	VideoID             *int64     `json:"video_id,omitempty"`
	EventType           string     `json:"event_type"`
	Status              string     `json:"status"`
	FileSize            *int64     `json:"file_size,omitempty"`
	FileName            string     `json:"file_name,omitempty"`
	ChunkCount          *int       `json:"chunk_count,omitempty"`
	ChunkSize           *int64     `json:"chunk_size,omitempty"`
	ChunksCompleted     *int       `json:"chunks_completed,omitempty"`
	PercentageCompleted *float64   `json:"percentage_completed,omitempty"`
	BytesUploaded       *int64     `json:"bytes_uploaded,omitempty"`
	PreparedAt          *time.Time `json:"prepared_at,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	UploadDuration      *float64   `json:"upload_duration,omitempty"`
	ProcessingTime      *float64   `json:"processing_time,omitempty"`
	EstimatedDuration   *float64   `json:"estimated_duration,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	ErrorCode           string     `json:"error_code,omitempty"`
	ErrorStage          string     `json:"error_stage,omitempty"`
	Retryable           *bool      `json:"retryable,omitempty"`
	AttemptNumber       int        `json:"attempt_number"`
	UploadSpeed         *float64   `json:"upload_speed,omitempty"`
	ConnectionQuality   string     `json:"connection_quality,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// HourlyRollup is one upload_metrics_hourly row: the durable summary of a
// closed clock hour. Unique on Hour; re-running the aggregator overwrites.
type HourlyRollup struct {
	Hour              time.Time
	TotalUploads      int64
	CompletedUploads  int64
	FailedUploads     int64
	TotalBytes        int64
	AvgDuration       float64
	AvgSpeed          float64
	CompletionRate    float64
	DurationHistogram map[string]int64
	SizeHistogram     map[string]int64
	ErrorStages       map[string]int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UploadCounters is the real-time counter view exposed to the dashboard.
type UploadCounters struct {
	Prepared        int64            `json:"prepared"`
	Completed       int64            `json:"completed"`
	Failed          int64            `json:"failed"`
	Active          int64            `json:"active"`
	CompletionRate  float64          `json:"completion_rate"`
	AvgDuration     float64          `json:"avg_duration"`
	DurationBuckets map[string]int64 `json:"duration_buckets"`
}

// PreparedEvent is the ingestion contract for an upload prepared call.
type PreparedEvent struct {
	UploadID string           `json:"upload_id"`
	UserID   int64            `json:"user_id"`
	Metadata PreparedMetadata `json:"metadata"`
}

// PreparedMetadata carries file details announced before the upload starts.
type PreparedMetadata struct {
	FileSize          int64   `json:"fileSize"`
	FileName          string  `json:"fileName"`
	ChunkCount        int     `json:"chunkCount"`
	ChunkSize         int64   `json:"chunkSize"`
	EstimatedDuration float64 `json:"estimatedDuration"`
}

// CompletedEvent is the ingestion contract for an upload completed call.
type CompletedEvent struct {
	UploadID string            `json:"upload_id"`
	UserID   int64             `json:"user_id"`
	VideoID  int64             `json:"video_id"`
	Metadata CompletedMetadata `json:"metadata"`
}

// CompletedMetadata carries final figures reported on completion.
type CompletedMetadata struct {
	FinalFileSize  int64   `json:"finalFileSize"`
	ProcessingTime float64 `json:"processingTime"`
	UploadDuration float64 `json:"uploadDuration"`
}

// FailedEvent is the ingestion contract for an upload failed call.
type FailedEvent struct {
	UploadID    string      `json:"upload_id"`
	UserID      int64       `json:"user_id"`
	FailureData FailureData `json:"failure_data"`
}

// FailureData describes where and how an upload fell over.
type FailureData struct {
	Message             string  `json:"message"`
	Code                string  `json:"code"`
	Stage               string  `json:"stage"`
	Retryable           bool    `json:"retryable"`
	PercentageCompleted float64 `json:"percentageCompleted"`
	ChunksCompleted     int     `json:"chunksCompleted"`
	BytesUploaded       int64   `json:"bytesUploaded"`
	AttemptNumber       int     `json:"attemptNumber"`
}
