package interfaces

import (
	"context"

	"examwatch/pkg/types"
)

// DatabaseManager persists exam contexts, attempts, alerts, the raw
// violation log and final submissions. Implementations serialize writes
// internally; reads may run concurrently.
type DatabaseManager interface {
	CreateExam(ctx context.Context, exam *types.Exam) error
	GetExam(ctx context.Context, examID string) (*types.Exam, error)

	// SaveAttempt upserts a session record; terminal rows are retained.
	SaveAttempt(ctx context.Context, session *types.Session) error
	ListActiveAttempts(ctx context.Context) ([]*types.Session, error)
	ListAttemptsByExam(ctx context.Context, examID string) ([]*types.Session, error)

	StoreAlert(ctx context.Context, alert *types.Alert) error
	UpdateAlert(ctx context.Context, alert *types.Alert) error
	// ListUnresolvedAlerts returns open alerts for one exam; an empty
	// examID means every exam, used for restart recovery.
	ListUnresolvedAlerts(ctx context.Context, examID string) ([]*types.Alert, error)

	StoreViolation(ctx context.Context, event *types.ViolationEvent) error

	// StoreSubmission records the final payload; called exactly once per
	// attempt when it reaches a terminal status.
	StoreSubmission(ctx context.Context, submission *types.Submission) error

	HealthCheck(ctx context.Context) error
	Close() error
}
