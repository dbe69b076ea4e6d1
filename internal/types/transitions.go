package types

import "fmt"

// CheckStart validates that a job of the given kind may start on e.
// It does not look at ActiveJobID; the dispatcher checks that first.
func CheckStart(e *Entity, kind StageKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown stage kind %q", ErrValidation, kind)
	}

	switch e.Stage {
	case StagePending:
	case StageFailed:
		if e.FailedStage != "" && e.FailedStage != kind {
			return fmt.Errorf("%w: entity failed during %s; only %s can be retried",
				ErrValidation, e.FailedStage, e.FailedStage)
		}
	default:
		return fmt.Errorf("%w: cannot start %s while entity is %s", ErrValidation, kind, e.Stage)
	}

	if kind == StageKindSummarization && e.Transcription == "" {
		return fmt.Errorf("%w: summarization requires a transcript", ErrValidation)
	}
	return nil
}
