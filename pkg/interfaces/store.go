package interfaces

import (
	"context"
	"time"

	"examwatch/pkg/types"
)

// SessionStore is the authoritative registry of in-progress exam attempts.
// Writes to one attempt are serialized; reads return copies and never
// block writers. Every successful mutation is announced through the
// registered EventPublisher.
type SessionStore interface {
	// Exam context management.
	RegisterExam(ctx context.Context, exam *types.Exam) error
	GetExam(examID string) (*types.Exam, error)
	GetExamByAccessCode(code string) (*types.Exam, error)

	// CreateSession starts a new attempt. Returns ErrDuplicateAttempt when
	// an active attempt exists for the pair and the exam forbids
	// concurrent attempts.
	CreateSession(ctx context.Context, studentID, examID string) (*types.Session, error)

	// ApplyProgress advances the question index. Indexes that do not
	// exceed the stored value are ignored to tolerate out-of-order
	// delivery.
	ApplyProgress(ctx context.Context, attemptID string, questionIndex int) error

	// Transition moves the session along the state machine. Terminal
	// sessions reject all further transitions.
	Transition(ctx context.Context, attemptID, newStatus string) error

	// RecordViolation increments the attempt's violation counter.
	RecordViolation(ctx context.Context, attemptID string) error

	// Heartbeat resets the attempt's last-seen clock and clears any
	// disconnect mark.
	Heartbeat(attemptID string) error

	// MarkDisconnected notes that the attempt's client dropped; the mark
	// is cleared by Reconnect or a resumed heartbeat. Returns
	// ErrAlreadyDisconnected when the mark is already set.
	MarkDisconnected(attemptID string) error

	// Reconnect resumes a dropped attempt. The boolean reports whether the
	// client returned within the grace window; past it the session is
	// flagged instead.
	Reconnect(ctx context.Context, attemptID string) (*types.Session, bool, error)

	// ExtendTime is the only path on which remaining time may increase.
	ExtendTime(ctx context.Context, attemptID string, seconds int) error

	// Tick decrements the countdown by the given seconds while the session
	// is active and returns the remaining time.
	Tick(ctx context.Context, attemptID string, seconds int) (int, error)

	Get(attemptID string) (*types.Session, error)
	ListByExam(examID string) []*types.Session
	ActiveAttemptIDs() []string
	ListStale(timeout time.Duration) []*types.Session
	StatusCounts(examID string) map[string]int
}

// EventPublisher receives change notifications from the session store and
// the alert classifier and fans them out to subscribed dashboards.
type EventPublisher interface {
	PublishSession(session *types.Session)
	PublishAlert(alert *types.Alert)
}
