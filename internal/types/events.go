package types

import "time"

// EventType classifies a StatusEvent.
type EventType string

const (
	EventStage   EventType = "stage"
	EventExport  EventType = "export"
	EventDeleted EventType = "deleted"
)

// StatusEvent is an immutable record of one entity transition.
//
// Stage events carry the complete status after the transition so that a
// receiver can apply the newest one and drop anything older. Export events
// repeat the entity's current version without advancing it.
type StatusEvent struct {
	Type          EventType `json:"type"`
	EntityID      string    `json:"entity_id"`
	Stage         Stage     `json:"stage"`
	Version       int64     `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	FailureReason string    `json:"failure_reason,omitempty"`
	FailedStage   StageKind `json:"failed_stage,omitempty"`
	ActiveJobID   string    `json:"active_job_id,omitempty"`
	Delta         *Delta    `json:"delta,omitempty"`
}

// Delta holds the fields a transition wrote, if any.
type Delta struct {
	Transcription *string    `json:"transcription_text,omitempty"`
	Summary       *string    `json:"summary_text,omitempty"`
	Export        *ExportJob `json:"export,omitempty"`
}

// NewStageEvent builds a stage event from the entity state after a mutation.
func NewStageEvent(e *Entity, delta *Delta) StatusEvent {
	return StatusEvent{
		Type:          EventStage,
		EntityID:      e.ID,
		Stage:         e.Stage,
		Version:       e.Version,
		Timestamp:     e.UpdatedAt,
		FailureReason: e.FailureReason,
		FailedStage:   e.FailedStage,
		ActiveJobID:   e.ActiveJobID,
		Delta:         delta,
	}
}

// Status returns the entity status carried by the event.
func (ev StatusEvent) Status() Status {
	return Status{
		EntityID:      ev.EntityID,
		Stage:         ev.Stage,
		Version:       ev.Version,
		FailureReason: ev.FailureReason,
		FailedStage:   ev.FailedStage,
		ActiveJobID:   ev.ActiveJobID,
	}
}
