package interfaces

import "errors"

// Cross-component error values. The API and WebSocket layers translate
// these into HTTP status codes and system notices; nothing matches on
// error strings.
var (
	ErrUnknownAttempt      = errors.New("unknown or inactive attempt")
	ErrAlreadyDisconnected = errors.New("attempt already marked disconnected")
	ErrDuplicateAttempt    = errors.New("an active attempt already exists for this student and exam")
	ErrInvalidTransition   = errors.New("invalid session status transition")
	ErrExamNotFound        = errors.New("exam not found")
	ErrUnknownAlert        = errors.New("alert not found")
	ErrAlreadyResolved     = errors.New("alert already resolved")
	ErrUnauthorized        = errors.New("unauthorized access")
)
