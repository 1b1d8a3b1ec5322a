package classifier

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"examwatch/pkg/interfaces"
	"examwatch/pkg/types"
)

// Policy holds the classification rules. The escalation values mirror
// config.ProctoringConfig so deployments can tune them.
type Policy struct {
	// BaseSeverity maps violation type to its table severity.
	BaseSeverity map[string]string
	// DedupWindow is how long repeats of one (attempt, type) pair collapse
	// into the open alert.
	DedupWindow time.Duration
	// EscalationThreshold low/medium events inside EscalationWindow raise
	// the next alert one level.
	EscalationThreshold int
	EscalationWindow    time.Duration
	// CriticalTerminateThreshold unresolved criticals terminate the
	// attempt.
	CriticalTerminateThreshold int
}

// DefaultPolicy returns the static severity table and default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		BaseSeverity: map[string]string{
			types.ViolationFocusLost:            types.SeverityLow,
			types.ViolationCopyPaste:            types.SeverityLow,
			types.ViolationDisconnect:           types.SeverityMedium,
			types.ViolationSecondaryDisplay:     types.SeverityHigh,
			types.ViolationUnrecognizedSoftware: types.SeverityCritical,
		},
		DedupWindow:                2 * time.Minute,
		EscalationThreshold:        3,
		EscalationWindow:           2 * time.Minute,
		CriticalTerminateThreshold: 3,
	}
}

// Classifier implements interfaces.AlertClassifier. One mutex covers all
// bookkeeping: classification is cheap and alerts are orders of magnitude
// rarer than progress traffic.
type Classifier struct {
	policy Policy
	store  interfaces.SessionStore
	db     interfaces.DatabaseManager

	publisher interfaces.EventPublisher
	pubMu     sync.RWMutex

	mu     sync.Mutex
	open   map[string]*types.Alert   // attemptID+"|"+type -> open dedup window
	recent map[string][]time.Time    // attemptID -> recent low/medium event times
	alerts map[string]*types.Alert   // alertID -> alert
	byExam map[string]map[string]bool // examID -> alertID set
}

// NewClassifier creates an alert classifier.
func NewClassifier(policy Policy, store interfaces.SessionStore, db interfaces.DatabaseManager) *Classifier {
	return &Classifier{
		policy: policy,
		store:  store,
		db:     db,
		open:   make(map[string]*types.Alert),
		recent: make(map[string][]time.Time),
		alerts: make(map[string]*types.Alert),
		byExam: make(map[string]map[string]bool),
	}
}

// SetPublisher registers the broadcast hub; wired after construction.
func (c *Classifier) SetPublisher(publisher interfaces.EventPublisher) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.publisher = publisher
}

func (c *Classifier) publish(alert types.Alert) {
	c.pubMu.RLock()
	publisher := c.publisher
	c.pubMu.RUnlock()

	if publisher != nil {
		publisher.PublishAlert(&alert)
	}
}

// LoadUnresolved rebuilds the open-alert bookkeeping from the database
// after a restart so resolution and the critical-count policy keep
// working across a crash. Expired dedup windows are not restored.
func (c *Classifier) LoadUnresolved(ctx context.Context) error {
	alerts, err := c.db.ListUnresolvedAlerts(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load unresolved alerts: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, alert := range alerts {
		c.alerts[alert.ID] = alert
		if c.byExam[alert.ExamID] == nil {
			c.byExam[alert.ExamID] = make(map[string]bool)
		}
		c.byExam[alert.ExamID][alert.ID] = true
		if now.Before(alert.WindowEnds) {
			c.open[dedupKey(alert.AttemptID, alert.Type)] = alert
		}
	}

	if len(alerts) > 0 {
		log.Printf("Recovered %d unresolved alerts", len(alerts))
	}
	return nil
}

func dedupKey(attemptID, violationType string) string {
	return attemptID + "|" + violationType
}

// Classify judges one violation event. Returns nil with no error when the
// event only increments an open alert's occurrence counter.
func (c *Classifier) Classify(ctx context.Context, event *types.ViolationEvent) (*types.Alert, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	session, err := c.store.Get(event.AttemptID)
	if err != nil {
		return nil, err
	}

	base, ok := c.policy.BaseSeverity[event.Type]
	if !ok {
		return nil, types.ErrInvalidViolationType
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	// Raw events are logged regardless of deduplication; the submission
	// payload and any later review need the full trail.
	if err := c.db.StoreViolation(ctx, event); err != nil {
		log.Printf("Failed to store violation for %s: %v", event.AttemptID, err)
	}

	now := time.Now()

	c.mu.Lock()
	key := dedupKey(event.AttemptID, event.Type)
	severity := base

	// Escalation counts every low/medium event, including ones an open
	// window would otherwise swallow; a flooding client must not be able
	// to hide behind deduplication. Once the threshold fires the window
	// is replaced by the escalated alert and the count restarts.
	escalated := false
	if base == types.SeverityLow || base == types.SeverityMedium {
		events := pruneOlder(c.recent[event.AttemptID], now.Add(-c.policy.EscalationWindow))
		events = append(events, now)
		if len(events) >= c.policy.EscalationThreshold {
			severity = types.EscalateSeverity(base)
			escalated = true
			delete(c.recent, event.AttemptID)
		} else {
			c.recent[event.AttemptID] = events
		}
	}

	if !escalated {
		if open, ok := c.open[key]; ok && now.Before(open.WindowEnds) && !open.Resolved {
			open.Occurrences++
			updated := *open
			c.mu.Unlock()

			if err := c.db.UpdateAlert(ctx, &updated); err != nil {
				log.Printf("Failed to update alert %s: %v", updated.ID, err)
			}
			c.publish(updated)
			return nil, nil
		}
	}

	alert := &types.Alert{
		ID:          uuid.New().String(),
		AttemptID:   event.AttemptID,
		ExamID:      session.ExamID,
		Type:        event.Type,
		Severity:    severity,
		Description: describe(event.Type, severity),
		Occurrences: 1,
		CreatedAt:   now,
		WindowEnds:  now.Add(c.policy.DedupWindow),
	}
	if escalated {
		alert.Description += " (escalated after repeated violations)"
	}

	c.open[key] = alert
	c.alerts[alert.ID] = alert
	if c.byExam[alert.ExamID] == nil {
		c.byExam[alert.ExamID] = make(map[string]bool)
	}
	c.byExam[alert.ExamID][alert.ID] = true

	criticals := 0
	if severity == types.SeverityCritical {
		criticals = c.unresolvedCriticalsLocked(event.AttemptID)
	}
	result := *alert
	c.mu.Unlock()

	if err := c.db.StoreAlert(ctx, &result); err != nil {
		log.Printf("Failed to store alert %s: %v", result.ID, err)
	}

	log.Printf("Alert raised: id=%s attempt=%s type=%s severity=%s", result.ID, result.AttemptID, result.Type, result.Severity)
	c.publish(result)
	c.enforce(ctx, event.AttemptID, severity, criticals)

	return &result, nil
}

// enforce applies the flag/terminate side effects of a new alert. State
// errors are expected here (the session may already be flagged or
// terminal) and are logged, not propagated.
func (c *Classifier) enforce(ctx context.Context, attemptID, severity string, unresolvedCriticals int) {
	if severity != types.SeverityCritical {
		return
	}

	if unresolvedCriticals >= c.policy.CriticalTerminateThreshold {
		if err := c.store.Transition(ctx, attemptID, types.StatusTerminated); err != nil {
			log.Printf("Termination request for %s rejected: %v", attemptID, err)
		}
		return
	}

	if err := c.store.Transition(ctx, attemptID, types.StatusFlagged); err != nil {
		log.Printf("Flag request for %s rejected: %v", attemptID, err)
	}
}

// unresolvedCriticalsLocked counts open criticals for one attempt; caller
// holds c.mu.
func (c *Classifier) unresolvedCriticalsLocked(attemptID string) int {
	count := 0
	for _, alert := range c.alerts {
		if alert.AttemptID == attemptID && alert.Severity == types.SeverityCritical && !alert.Resolved {
			count++
		}
	}
	return count
}

// Resolve marks an alert handled. A repeated call returns the terminal
// state with ErrAlreadyResolved; the API reports that as a no-op success
// so retrying clients stay simple.
func (c *Classifier) Resolve(ctx context.Context, alertID, resolvedBy string) (*types.Alert, error) {
	c.mu.Lock()
	alert, ok := c.alerts[alertID]
	if !ok {
		c.mu.Unlock()
		return nil, interfaces.ErrUnknownAlert
	}
	if alert.Resolved {
		resolved := *alert
		c.mu.Unlock()
		return &resolved, interfaces.ErrAlreadyResolved
	}

	now := time.Now()
	alert.Resolved = true
	alert.ResolvedBy = resolvedBy
	alert.ResolvedAt = &now
	delete(c.open, dedupKey(alert.AttemptID, alert.Type))
	resolved := *alert
	c.mu.Unlock()

	if err := c.db.UpdateAlert(ctx, &resolved); err != nil {
		return nil, fmt.Errorf("failed to persist alert resolution: %w", err)
	}

	log.Printf("Alert resolved: id=%s by=%s", alertID, resolvedBy)
	c.publish(resolved)
	return &resolved, nil
}

// Unresolved lists open alerts for one exam, for snapshots and the live
// aggregate.
func (c *Classifier) Unresolved(examID string) []*types.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	var alerts []*types.Alert
	for alertID := range c.byExam[examID] {
		alert := c.alerts[alertID]
		if alert != nil && !alert.Resolved {
			snapshot := *alert
			alerts = append(alerts, &snapshot)
		}
	}
	return alerts
}

// UnresolvedCount returns the open alert tally for one exam.
func (c *Classifier) UnresolvedCount(examID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for alertID := range c.byExam[examID] {
		alert := c.alerts[alertID]
		if alert != nil && !alert.Resolved {
			count++
		}
	}
	return count
}

// Cleanup expires deduplication windows and prunes stale escalation
// bookkeeping. Called periodically by the enforcement engine.
func (c *Classifier) Cleanup() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, alert := range c.open {
		if !now.Before(alert.WindowEnds) {
			delete(c.open, key)
		}
	}

	cutoff := now.Add(-c.policy.EscalationWindow)
	for attemptID, events := range c.recent {
		pruned := pruneOlder(events, cutoff)
		if len(pruned) == 0 {
			delete(c.recent, attemptID)
		} else {
			c.recent[attemptID] = pruned
		}
	}
}

func pruneOlder(events []time.Time, cutoff time.Time) []time.Time {
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func describe(violationType, severity string) string {
	switch violationType {
	case types.ViolationFocusLost:
		return "Exam window lost focus"
	case types.ViolationSecondaryDisplay:
		return "Secondary display detected"
	case types.ViolationCopyPaste:
		return "Copy/paste activity detected"
	case types.ViolationDisconnect:
		return "Client disconnected during exam"
	case types.ViolationUnrecognizedSoftware:
		return "Unrecognized software running"
	default:
		return fmt.Sprintf("%s violation (%s)", violationType, severity)
	}
}
