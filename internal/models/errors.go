package models

import "errors"

// Error taxonomy shared by the dispatch engine, the sobriety state machine and
// the transport layer. Callers match with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrNoEligibleWorkers   = errors.New("no eligible workers")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAnalysisUnavailable = errors.New("analysis unavailable")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInvalidInput        = errors.New("invalid input")
)
