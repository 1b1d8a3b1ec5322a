package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"examwatch/pkg/interfaces"
	"examwatch/pkg/types"
)

// Gateway errors. Protocol errors are logged and dropped by callers;
// state errors are surfaced back to the sending client.
var (
	ErrUnrecognizedMessageType = errors.New("unrecognized message type")
	ErrMalformedMessage        = errors.New("malformed message")
	ErrAttemptMismatch         = errors.New("message attempt does not match connection")
)

// Gateway normalizes raw client messages into typed operations against
// the session store and alert classifier. Messages from one connection
// are processed in arrival order because each connection's read loop
// calls Ingest serially; no ordering is promised across connections.
type Gateway struct {
	store      interfaces.SessionStore
	classifier interfaces.AlertClassifier
}

// NewGateway creates an event ingest gateway.
func NewGateway(store interfaces.SessionStore, classifier interfaces.AlertClassifier) *Gateway {
	return &Gateway{
		store:      store,
		classifier: classifier,
	}
}

// Ingest processes one raw message from an authenticated student
// connection. attemptID is the attempt bound to the connection at
// authentication; any attempt_id inside the payload is ignored so a
// client cannot write into another student's session.
func (g *Gateway) Ingest(ctx context.Context, attemptID string, raw []byte) error {
	var msg types.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("Dropping malformed message from attempt %s: %v", attemptID, err)
		return ErrMalformedMessage
	}

	switch msg.Type {
	case types.MessageTypeProgress:
		return g.store.ApplyProgress(ctx, attemptID, msg.QuestionIndex)

	case types.MessageTypeViolation:
		return g.handleViolation(ctx, attemptID, &msg)

	case types.MessageTypeHeartbeat:
		return g.store.Heartbeat(attemptID)

	case types.MessageTypeSubmit:
		// Self-submit ends the attempt through the same transition the
		// timer uses, so the store stays the single decision point.
		return g.store.Transition(ctx, attemptID, types.StatusCompleted)

	case types.MessageTypeDisconnect:
		// Announced departure: mark only, no violation. The socket close
		// that follows finds the mark set and stays quiet.
		if err := g.store.MarkDisconnected(attemptID); err != nil && !errors.Is(err, interfaces.ErrAlreadyDisconnected) {
			return err
		}
		return nil

	default:
		log.Printf("Dropping message with unrecognized type %q from attempt %s", msg.Type, attemptID)
		return ErrUnrecognizedMessageType
	}
}

// handleViolation records the violation on the session and forwards it to
// the classifier with the attempt context attached.
func (g *Gateway) handleViolation(ctx context.Context, attemptID string, msg *types.ClientMessage) error {
	if !types.IsValidViolationType(msg.ViolationType) {
		log.Printf("Dropping violation with unknown type %q from attempt %s", msg.ViolationType, attemptID)
		return types.ErrInvalidViolationType
	}

	occurredAt := time.Now()
	if msg.OccurredAt != nil && !msg.OccurredAt.IsZero() {
		occurredAt = *msg.OccurredAt
	}

	event := &types.ViolationEvent{
		AttemptID:        attemptID,
		Type:             msg.ViolationType,
		ReportedSeverity: msg.Severity,
		OccurredAt:       occurredAt,
	}

	if err := g.store.RecordViolation(ctx, attemptID); err != nil {
		return err
	}

	if _, err := g.classifier.Classify(ctx, event); err != nil {
		return err
	}

	return nil
}

// SynthesizeDisconnect converts a liveness failure (abrupt socket close
// or heartbeat timeout) into a disconnect violation, so a vanished client
// surfaces on the supervisor dashboard instead of silently stalling.
// Departures the client announced, and finished attempts, already carry
// the mark or a terminal status and produce no violation.
func (g *Gateway) SynthesizeDisconnect(ctx context.Context, attemptID string) {
	if err := g.store.MarkDisconnected(attemptID); err != nil {
		// Announced, already marked, terminal, or gone; nothing to report.
		return
	}

	event := &types.ViolationEvent{
		AttemptID:  attemptID,
		Type:       types.ViolationDisconnect,
		OccurredAt: time.Now(),
	}

	if err := g.store.RecordViolation(ctx, attemptID); err != nil {
		log.Printf("Failed to record disconnect violation for %s: %v", attemptID, err)
		return
	}

	if _, err := g.classifier.Classify(ctx, event); err != nil {
		log.Printf("Failed to classify disconnect violation for %s: %v", attemptID, err)
	}
}
