package types

import "errors"

// Errors returned synchronously by the pipeline. Call sites wrap them with
// detail; callers match with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version conflict")
	ErrUnavailable     = errors.New("unavailable")
)
