package domain

import "errors"

// ErrorCode travels inside results so callers can branch on expected
// outcomes (validation, capacity, vanished session) without error handling.
type ErrorCode string

const (
	CodeNone       ErrorCode = ""
	CodeValidation ErrorCode = "validation_error"
	CodeNotFound   ErrorCode = "not_found"
	CodeCapacity   ErrorCode = "capacity_exceeded"
)

// Hard failures returned as errors. ErrConsistencyViolation marks a real
// invariant break and must never be retried silently.
var (
	ErrConcurrencyConflict  = errors.New("transaction aborted by concurrent writer")
	ErrConsistencyViolation = errors.New("post-write verification failed")
	ErrRateLimited          = errors.New("too many attempts, please wait")
)
