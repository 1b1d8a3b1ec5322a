package interfaces

import (
	"context"

	"examwatch/pkg/types"
)

// AlertClassifier assigns authoritative severity to violation events,
// deduplicates repeats, and escalates flooding clients.
type AlertClassifier interface {
	// Classify judges one violation event. It returns nil (and no error)
	// when the event falls inside an open deduplication window for the
	// same (attempt, type) pair.
	Classify(ctx context.Context, event *types.ViolationEvent) (*types.Alert, error)

	// Resolve marks an alert handled by a supervisor. A second call
	// returns the same terminal state with ErrAlreadyResolved so API
	// callers can report it as a harmless no-op.
	Resolve(ctx context.Context, alertID, resolvedBy string) (*types.Alert, error)

	// Unresolved lists open alerts for one exam, for snapshots and the
	// live aggregate.
	Unresolved(examID string) []*types.Alert
	UnresolvedCount(examID string) int

	// Cleanup expires deduplication windows and prunes escalation
	// bookkeeping; called periodically by the enforcement engine.
	Cleanup()
}
