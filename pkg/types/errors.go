package types

import "errors"

// Validation errors shared across components. Specific error values let
// callers map failures to wire responses without string matching.
var (
	ErrInvalidExamTitle     = errors.New("exam title must be 1-200 characters")
	ErrInvalidCreatedBy     = errors.New("created_by must be a valid identifier")
	ErrInvalidDuration      = errors.New("exam duration must be positive")
	ErrInvalidQuestionCount = errors.New("total questions must be positive")
	ErrInvalidAttemptID     = errors.New("attempt ID must be 1-64 characters, alphanumeric plus underscore/hyphen")
	ErrInvalidStudentID     = errors.New("student ID must be 1-64 characters, alphanumeric plus underscore/hyphen")
	ErrInvalidViolationType = errors.New("unknown violation type")
	ErrInvalidRole          = errors.New("role must be 'student' or 'supervisor'")
)
