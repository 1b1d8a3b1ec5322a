package classifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"examwatch/pkg/interfaces"
	"examwatch/pkg/types"
)

// Mock SessionStore for testing. Only the methods the classifier touches
// carry behavior; the rest satisfy the interface.
type mockSessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*types.Session
	transitions []string // "attemptID:newStatus"
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]*types.Session)}
}

func (m *mockSessionStore) addSession(attemptID, examID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[attemptID] = &types.Session{
		AttemptID: attemptID,
		StudentID: "student1",
		ExamID:    examID,
		Status:    types.StatusActive,
	}
}

func (m *mockSessionStore) Get(attemptID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[attemptID]
	if !ok {
		return nil, interfaces.ErrUnknownAttempt
	}
	snapshot := *session
	return &snapshot, nil
}

func (m *mockSessionStore) Transition(ctx context.Context, attemptID, newStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[attemptID]
	if !ok {
		return interfaces.ErrUnknownAttempt
	}
	if !types.ValidTransition(session.Status, newStatus) {
		return interfaces.ErrInvalidTransition
	}
	session.Status = newStatus
	m.transitions = append(m.transitions, attemptID+":"+newStatus)
	return nil
}

func (m *mockSessionStore) transitionLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.transitions...)
}

func (m *mockSessionStore) status(attemptID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[attemptID].Status
}

func (m *mockSessionStore) RegisterExam(ctx context.Context, exam *types.Exam) error { return nil }
func (m *mockSessionStore) GetExam(examID string) (*types.Exam, error)               { return nil, nil }
func (m *mockSessionStore) GetExamByAccessCode(code string) (*types.Exam, error)     { return nil, nil }
func (m *mockSessionStore) CreateSession(ctx context.Context, studentID, examID string) (*types.Session, error) {
	return nil, nil
}
func (m *mockSessionStore) ApplyProgress(ctx context.Context, attemptID string, questionIndex int) error {
	return nil
}
func (m *mockSessionStore) RecordViolation(ctx context.Context, attemptID string) error { return nil }
func (m *mockSessionStore) Heartbeat(attemptID string) error                            { return nil }
func (m *mockSessionStore) MarkDisconnected(attemptID string) error                     { return nil }
func (m *mockSessionStore) Reconnect(ctx context.Context, attemptID string) (*types.Session, bool, error) {
	return nil, false, nil
}
func (m *mockSessionStore) ExtendTime(ctx context.Context, attemptID string, seconds int) error {
	return nil
}
func (m *mockSessionStore) Tick(ctx context.Context, attemptID string, seconds int) (int, error) {
	return 0, nil
}
func (m *mockSessionStore) ListByExam(examID string) []*types.Session          { return nil }
func (m *mockSessionStore) ActiveAttemptIDs() []string                         { return nil }
func (m *mockSessionStore) ListStale(timeout time.Duration) []*types.Session   { return nil }
func (m *mockSessionStore) StatusCounts(examID string) map[string]int          { return nil }

// Mock DatabaseManager capturing stored alerts and violations.
type mockDatabaseManager struct {
	mu         sync.Mutex
	alerts     []*types.Alert
	updates    []*types.Alert
	violations []*types.ViolationEvent
	unresolved []*types.Alert
}

func (m *mockDatabaseManager) CreateExam(ctx context.Context, exam *types.Exam) error { return nil }
func (m *mockDatabaseManager) GetExam(ctx context.Context, examID string) (*types.Exam, error) {
	return nil, nil
}
func (m *mockDatabaseManager) SaveAttempt(ctx context.Context, session *types.Session) error {
	return nil
}
func (m *mockDatabaseManager) ListActiveAttempts(ctx context.Context) ([]*types.Session, error) {
	return nil, nil
}
func (m *mockDatabaseManager) ListAttemptsByExam(ctx context.Context, examID string) ([]*types.Session, error) {
	return nil, nil
}

func (m *mockDatabaseManager) StoreAlert(ctx context.Context, alert *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *mockDatabaseManager) UpdateAlert(ctx context.Context, alert *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, alert)
	return nil
}

func (m *mockDatabaseManager) ListUnresolvedAlerts(ctx context.Context, examID string) ([]*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unresolved, nil
}

func (m *mockDatabaseManager) StoreViolation(ctx context.Context, event *types.ViolationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, event)
	return nil
}

func (m *mockDatabaseManager) StoreSubmission(ctx context.Context, submission *types.Submission) error {
	return nil
}
func (m *mockDatabaseManager) HealthCheck(ctx context.Context) error { return nil }
func (m *mockDatabaseManager) Close() error                          { return nil }

func (m *mockDatabaseManager) storedAlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func (m *mockDatabaseManager) violationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.violations)
}

func newTestClassifier() (*Classifier, *mockSessionStore, *mockDatabaseManager) {
	store := newMockSessionStore()
	store.addSession("attempt-1", "exam-1")
	db := &mockDatabaseManager{}
	return NewClassifier(DefaultPolicy(), store, db), store, db
}

func event(violationType string) *types.ViolationEvent {
	return &types.ViolationEvent{
		AttemptID:  "attempt-1",
		Type:       violationType,
		OccurredAt: time.Now(),
	}
}

func TestClassifier_InterfaceCompliance(t *testing.T) {
	c, _, _ := newTestClassifier()
	var _ interfaces.AlertClassifier = c
}

func TestClassifier_SeverityTable(t *testing.T) {
	tests := []struct {
		violationType string
		wantSeverity  string
	}{
		{types.ViolationFocusLost, types.SeverityLow},
		{types.ViolationCopyPaste, types.SeverityLow},
		{types.ViolationDisconnect, types.SeverityMedium},
		{types.ViolationSecondaryDisplay, types.SeverityHigh},
		{types.ViolationUnrecognizedSoftware, types.SeverityCritical},
	}

	for _, tc := range tests {
		c, _, _ := newTestClassifier()
		alert, err := c.Classify(context.Background(), event(tc.violationType))
		if err != nil {
			t.Fatalf("Classify(%s) failed: %v", tc.violationType, err)
		}
		if alert == nil {
			t.Fatalf("Classify(%s) should produce an alert", tc.violationType)
		}
		if alert.Severity != tc.wantSeverity {
			t.Errorf("Classify(%s) severity = %s, want %s", tc.violationType, alert.Severity, tc.wantSeverity)
		}
	}
}

func TestClassifier_ReportedSeverityIgnored(t *testing.T) {
	c, _, _ := newTestClassifier()

	ev := event(types.ViolationFocusLost)
	ev.ReportedSeverity = types.SeverityCritical

	alert, err := c.Classify(context.Background(), ev)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if alert.Severity != types.SeverityLow {
		t.Errorf("Client severity hint must not override policy, got %s", alert.Severity)
	}
}

func TestClassifier_DedupWindowCollapsesRepeats(t *testing.T) {
	c, _, db := newTestClassifier()
	ctx := context.Background()

	first, err := c.Classify(ctx, event(types.ViolationSecondaryDisplay))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if first == nil {
		t.Fatal("First event should raise an alert")
	}

	second, err := c.Classify(ctx, event(types.ViolationSecondaryDisplay))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if second != nil {
		t.Error("Repeat inside the window should not raise a new alert")
	}

	open := c.Unresolved("exam-1")
	if len(open) != 1 {
		t.Fatalf("Expected 1 open alert, got %d", len(open))
	}
	if open[0].Occurrences != 2 {
		t.Errorf("Expected 2 occurrences, got %d", open[0].Occurrences)
	}

	// Both raw events hit the audit log regardless.
	if db.violationCount() != 2 {
		t.Errorf("Expected 2 stored violations, got %d", db.violationCount())
	}
}

func TestClassifier_DifferentTypesDoNotDedup(t *testing.T) {
	c, _, _ := newTestClassifier()
	ctx := context.Background()

	if alert, _ := c.Classify(ctx, event(types.ViolationFocusLost)); alert == nil {
		t.Fatal("focus-lost should raise an alert")
	}
	if alert, _ := c.Classify(ctx, event(types.ViolationDisconnect)); alert == nil {
		t.Error("disconnect should raise a separate alert")
	}
}

func TestClassifier_EscalationAfterRepeatedMediums(t *testing.T) {
	c, _, _ := newTestClassifier()
	ctx := context.Background()

	// First disconnect opens a medium alert; the second lands inside its
	// window; the third trips the escalation threshold.
	first, _ := c.Classify(ctx, event(types.ViolationDisconnect))
	if first == nil || first.Severity != types.SeverityMedium {
		t.Fatalf("First disconnect should raise a medium alert, got %+v", first)
	}

	second, _ := c.Classify(ctx, event(types.ViolationDisconnect))
	if second != nil {
		t.Fatal("Second disconnect should be deduplicated")
	}

	third, err := c.Classify(ctx, event(types.ViolationDisconnect))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if third == nil {
		t.Fatal("Third disconnect should raise the escalated alert")
	}
	if third.Severity != types.SeverityHigh {
		t.Errorf("Expected escalation to high, got %s", third.Severity)
	}
}

func TestClassifier_FloodProducesAtMostTwoAlerts(t *testing.T) {
	c, _, db := newTestClassifier()
	ctx := context.Background()

	distinct := 0
	for i := 0; i < 5; i++ {
		alert, err := c.Classify(ctx, event(types.ViolationFocusLost))
		if err != nil {
			t.Fatalf("Classify failed on event %d: %v", i, err)
		}
		if alert != nil {
			distinct++
		}
	}

	if distinct > 2 {
		t.Errorf("Flood of 5 identical events should yield at most 2 alerts, got %d", distinct)
	}
	if db.storedAlertCount() != distinct {
		t.Errorf("Stored alerts (%d) should match raised alerts (%d)", db.storedAlertCount(), distinct)
	}
	if db.violationCount() != 5 {
		t.Errorf("All 5 raw events should be logged, got %d", db.violationCount())
	}
}

func TestClassifier_CriticalFlagsSession(t *testing.T) {
	c, store, _ := newTestClassifier()

	alert, err := c.Classify(context.Background(), event(types.ViolationUnrecognizedSoftware))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if alert.Severity != types.SeverityCritical {
		t.Fatalf("Expected critical severity, got %s", alert.Severity)
	}
	if store.status("attempt-1") != types.StatusFlagged {
		t.Errorf("Critical alert should flag the session, got %s", store.status("attempt-1"))
	}
}

func TestClassifier_CriticalThresholdTerminates(t *testing.T) {
	store := newMockSessionStore()
	store.addSession("attempt-1", "exam-1")
	db := &mockDatabaseManager{}
	policy := DefaultPolicy()
	policy.DedupWindow = 0 // every critical event raises its own alert
	c := NewClassifier(policy, store, db)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Classify(ctx, event(types.ViolationUnrecognizedSoftware)); err != nil {
			t.Fatalf("Classify failed on event %d: %v", i, err)
		}
	}

	if store.status("attempt-1") != types.StatusTerminated {
		t.Errorf("Three unresolved criticals should terminate, got %s", store.status("attempt-1"))
	}
}

func TestClassifier_ResolveLifecycle(t *testing.T) {
	c, _, _ := newTestClassifier()
	ctx := context.Background()

	alert, _ := c.Classify(ctx, event(types.ViolationSecondaryDisplay))

	resolved, err := c.Resolve(ctx, alert.ID, "prof1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !resolved.Resolved {
		t.Error("Alert should be marked resolved")
	}
	if resolved.ResolvedBy != "prof1" {
		t.Errorf("Expected resolver prof1, got %s", resolved.ResolvedBy)
	}
	if resolved.ResolvedAt == nil {
		t.Error("ResolvedAt should be set")
	}

	if c.UnresolvedCount("exam-1") != 0 {
		t.Errorf("Expected 0 unresolved, got %d", c.UnresolvedCount("exam-1"))
	}

	// A repeat of the violation after resolution opens a fresh alert.
	next, err := c.Classify(ctx, event(types.ViolationSecondaryDisplay))
	if err != nil {
		t.Fatalf("Classify after resolve failed: %v", err)
	}
	if next == nil {
		t.Error("Resolved alert should not absorb new events")
	}
}

func TestClassifier_ResolveIdempotent(t *testing.T) {
	c, _, _ := newTestClassifier()
	ctx := context.Background()

	alert, _ := c.Classify(ctx, event(types.ViolationSecondaryDisplay))
	if _, err := c.Resolve(ctx, alert.ID, "prof1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	again, err := c.Resolve(ctx, alert.ID, "prof2")
	if err != interfaces.ErrAlreadyResolved {
		t.Errorf("Expected ErrAlreadyResolved, got %v", err)
	}
	if again == nil {
		t.Fatal("Repeated resolve should return the terminal state")
	}
	if again.ResolvedBy != "prof1" {
		t.Errorf("Resolver should remain prof1, got %s", again.ResolvedBy)
	}
}

func TestClassifier_ResolveUnknownAlert(t *testing.T) {
	c, _, _ := newTestClassifier()
	if _, err := c.Resolve(context.Background(), "no-such-alert", "prof1"); err != interfaces.ErrUnknownAlert {
		t.Errorf("Expected ErrUnknownAlert, got %v", err)
	}
}

func TestClassifier_UnknownAttemptRejected(t *testing.T) {
	c, _, _ := newTestClassifier()
	ev := event(types.ViolationFocusLost)
	ev.AttemptID = "no-such-attempt"

	if _, err := c.Classify(context.Background(), ev); err != interfaces.ErrUnknownAttempt {
		t.Errorf("Expected ErrUnknownAttempt, got %v", err)
	}
}

func TestClassifier_UnknownViolationTypeRejected(t *testing.T) {
	c, _, _ := newTestClassifier()
	ev := event(types.ViolationFocusLost)
	ev.Type = "tab-switch"

	if _, err := c.Classify(context.Background(), ev); err != types.ErrInvalidViolationType {
		t.Errorf("Expected ErrInvalidViolationType, got %v", err)
	}
}

func TestClassifier_CleanupExpiresWindows(t *testing.T) {
	store := newMockSessionStore()
	store.addSession("attempt-1", "exam-1")
	db := &mockDatabaseManager{}
	policy := DefaultPolicy()
	policy.DedupWindow = time.Millisecond
	c := NewClassifier(policy, store, db)

	ctx := context.Background()
	if alert, _ := c.Classify(ctx, event(types.ViolationSecondaryDisplay)); alert == nil {
		t.Fatal("First event should raise an alert")
	}

	time.Sleep(5 * time.Millisecond)
	c.Cleanup()

	next, err := c.Classify(ctx, event(types.ViolationSecondaryDisplay))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if next == nil {
		t.Error("Expired window should not absorb new events")
	}
}

func TestClassifier_LoadUnresolvedRecovers(t *testing.T) {
	store := newMockSessionStore()
	store.addSession("attempt-1", "exam-1")
	db := &mockDatabaseManager{
		unresolved: []*types.Alert{
			{
				ID:         "alert-1",
				AttemptID:  "attempt-1",
				ExamID:     "exam-1",
				Type:       types.ViolationSecondaryDisplay,
				Severity:   types.SeverityHigh,
				CreatedAt:  time.Now(),
				WindowEnds: time.Now().Add(time.Minute),
			},
		},
	}
	c := NewClassifier(DefaultPolicy(), store, db)

	if err := c.LoadUnresolved(context.Background()); err != nil {
		t.Fatalf("LoadUnresolved failed: %v", err)
	}

	if c.UnresolvedCount("exam-1") != 1 {
		t.Fatalf("Expected 1 recovered alert, got %d", c.UnresolvedCount("exam-1"))
	}

	// The recovered window is live again, so repeats deduplicate.
	repeat, err := c.Classify(context.Background(), event(types.ViolationSecondaryDisplay))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if repeat != nil {
		t.Error("Repeat inside recovered window should deduplicate")
	}

	if _, err := c.Resolve(context.Background(), "alert-1", "prof1"); err != nil {
		t.Errorf("Recovered alert should be resolvable: %v", err)
	}
}
