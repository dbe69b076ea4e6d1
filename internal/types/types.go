package types

import "time"

// Stage is the lifecycle position of a processing entity.
type Stage string

// Entity stages
const (
	StagePending      Stage = "pending"
	StageUploading    Stage = "uploading"
	StageTranscribing Stage = "transcribing"
	StageSummarizing  Stage = "summarizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Active reports whether the stage is expected to change without user action.
func (s Stage) Active() bool {
	switch s {
	case StageUploading, StageTranscribing, StageSummarizing:
		return true
	default:
		return false
	}
}

// StageKind identifies a pipeline stage that can be dispatched.
type StageKind string

// Stage kinds
const (
	StageKindTranscription StageKind = "transcription"
	StageKindSummarization StageKind = "summarization"
)

// Valid reports whether k names a known stage kind.
func (k StageKind) Valid() bool {
	return k == StageKindTranscription || k == StageKindSummarization
}

// InProgress returns the entity stage held while a job of this kind runs.
func (k StageKind) InProgress() Stage {
	if k == StageKindSummarization {
		return StageSummarizing
	}
	return StageTranscribing
}

// Succeeded returns the entity stage after a job of this kind succeeds.
func (k StageKind) Succeeded() Stage {
	if k == StageKindSummarization {
		return StageCompleted
	}
	return StagePending
}

// Entity is an uploaded audio artifact and the text derived from it.
type Entity struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Title          string    `json:"title"`
	SourceLocation string    `json:"source_location"`
	SourceFilename string    `json:"source_filename,omitempty"`
	SizeBytes      int64     `json:"size_bytes"`
	Stage          Stage     `json:"stage"`
	Transcription  string    `json:"transcription_text,omitempty"`
	Summary        string    `json:"summary_text,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	FailedStage    StageKind `json:"failed_stage,omitempty"`
	ActiveJobID    string    `json:"active_job_id,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Status returns the point-in-time status view of the entity.
func (e *Entity) Status() Status {
	return Status{
		EntityID:      e.ID,
		Stage:         e.Stage,
		Version:       e.Version,
		FailureReason: e.FailureReason,
		FailedStage:   e.FailedStage,
		ActiveJobID:   e.ActiveJobID,
	}
}

// Status is the answer to a current-status query.
type Status struct {
	EntityID      string    `json:"entity_id"`
	Stage         Stage     `json:"stage"`
	Version       int64     `json:"version"`
	FailureReason string    `json:"failure_reason,omitempty"`
	FailedStage   StageKind `json:"failed_stage,omitempty"`
	ActiveJobID   string    `json:"active_job_id,omitempty"`
}

// JobStatus is the state of a StageJob or ExportJob.
type JobStatus string

// Job statuses
const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	return s != JobRunning
}

// StageJob is one execution of one stage for one entity.
type StageJob struct {
	ID         string    `json:"job_id"`
	EntityID   string    `json:"entity_id"`
	OwnerID    string    `json:"-"`
	Kind       StageKind `json:"stage_kind"`
	ProviderID string    `json:"provider_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Status     JobStatus `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ExportJob is one upload of an entity's text to an external storage provider.
type ExportJob struct {
	ID          string    `json:"job_id"`
	EntityID    string    `json:"entity_id"`
	OwnerID     string    `json:"-"`
	Destination string    `json:"destination"`
	Status      JobStatus `json:"status"`
	FileID      string    `json:"file_id,omitempty"`
	WebViewLink string    `json:"web_view_link,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// UsageLog records one billed provider call.
type UsageLog struct {
	OwnerID         string    `json:"owner_id"`
	EntityID        string    `json:"entity_id"`
	ProviderID      string    `json:"provider_id"`
	Operation       StageKind `json:"operation"`
	InputSizeBytes  int64     `json:"input_size_bytes,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	TokensUsed      int       `json:"tokens_used,omitempty"`
	EstimatedCost   float64   `json:"estimated_cost"`
	CreatedAt       time.Time `json:"created_at"`
}

// Segment is a timestamped piece of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}
