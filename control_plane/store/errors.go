package store

import "errors"

// Sentinel errors shared by every layer. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrAgentUnavailable = errors.New("agent unavailable")
	ErrAgentUnreachable = errors.New("agent unreachable")
	ErrRunInProgress    = errors.New("run already in progress")
)
