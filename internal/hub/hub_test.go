package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"examwatch/pkg/types"
)

// Mock store exposing canned sessions for snapshots.
type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string][]*types.Session
}

func (m *mockSessionStore) ListByExam(examID string) []*types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[examID]
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
func (m *mockSessionStore) Transition(ctx context.Context, attemptID, newStatus string) error {
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
func (m *mockSessionStore) Get(attemptID string) (*types.Session, error)     { return nil, nil }
func (m *mockSessionStore) ActiveAttemptIDs() []string                       { return nil }
func (m *mockSessionStore) ListStale(timeout time.Duration) []*types.Session { return nil }
func (m *mockSessionStore) StatusCounts(examID string) map[string]int        { return nil }

// Mock classifier exposing canned unresolved alerts for snapshots.
type mockClassifier struct {
	mu     sync.Mutex
	alerts map[string][]*types.Alert
}

func (m *mockClassifier) Unresolved(examID string) []*types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts[examID]
}

func (m *mockClassifier) Classify(ctx context.Context, event *types.ViolationEvent) (*types.Alert, error) {
	return nil, nil
}
func (m *mockClassifier) Resolve(ctx context.Context, alertID, resolvedBy string) (*types.Alert, error) {
	return nil, nil
}
func (m *mockClassifier) UnresolvedCount(examID string) int { return 0 }
func (m *mockClassifier) Cleanup()                          {}

// Mock subscriber capturing delivered frames.
type mockSubscriber struct {
	id string

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	sendFail bool
}

func newMockSubscriber(id string) *mockSubscriber {
	return &mockSubscriber{id: id}
}

func (s *mockSubscriber) ID() string { return s.id }

func (s *mockSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendFail {
		return errors.New("send buffer full")
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	s.frames = append(s.frames, copied)
	return nil
}

func (s *mockSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSubscriber) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *mockSubscriber) frame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func (s *mockSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// waitFor polls until the condition holds or the deadline passes. The hub
// delivers on its own goroutine, so assertions need a little patience.
func waitFor(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestHub() (*Hub, *mockSessionStore, *mockClassifier) {
	store := &mockSessionStore{sessions: make(map[string][]*types.Session)}
	classifier := &mockClassifier{alerts: make(map[string][]*types.Alert)}
	h := NewHub(store, classifier)
	h.Start()
	return h, store, classifier
}

func TestHub_SubscribeDeliversSnapshotFirst(t *testing.T) {
	h, store, classifier := newTestHub()
	defer h.Stop()

	store.sessions["exam-1"] = []*types.Session{
		{AttemptID: "attempt-1", ExamID: "exam-1", Status: types.StatusActive, TotalQuestions: 10},
	}
	classifier.alerts["exam-1"] = []*types.Alert{
		{ID: "alert-1", AttemptID: "attempt-1", ExamID: "exam-1", Severity: types.SeverityHigh},
	}

	sub := newMockSubscriber("conn-1")
	if err := h.Subscribe("exam-1", sub); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if sub.frameCount() != 1 {
		t.Fatalf("Expected snapshot frame, got %d frames", sub.frameCount())
	}

	var snapshot types.Snapshot
	if err := json.Unmarshal(sub.frame(0), &snapshot); err != nil {
		t.Fatalf("Snapshot did not decode: %v", err)
	}
	if snapshot.Type != types.MessageTypeSnapshot {
		t.Errorf("Expected snapshot type, got %s", snapshot.Type)
	}
	if len(snapshot.Sessions) != 1 {
		t.Errorf("Expected 1 session in snapshot, got %d", len(snapshot.Sessions))
	}
	if len(snapshot.Alerts) != 1 {
		t.Errorf("Expected 1 alert in snapshot, got %d", len(snapshot.Alerts))
	}
}

func TestHub_PublishSessionReachesSupervisors(t *testing.T) {
	h, _, _ := newTestHub()
	defer h.Stop()

	sub := newMockSubscriber("conn-1")
	if err := h.Subscribe("exam-1", sub); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	h.PublishSession(&types.Session{
		AttemptID: "attempt-1",
		ExamID:    "exam-1",
		Status:    types.StatusActive,
	})

	waitFor(t, func() bool { return sub.frameCount() == 2 }, "session update never arrived")

	var update types.SessionUpdate
	if err := json.Unmarshal(sub.frame(1), &update); err != nil {
		t.Fatalf("Update did not decode: %v", err)
	}
	if update.Type != types.MessageTypeSessionUpdate {
		t.Errorf("Expected session_update, got %s", update.Type)
	}
	if update.AttemptID != "attempt-1" {
		t.Errorf("Expected attempt-1, got %s", update.AttemptID)
	}
}

func TestHub_PublishSessionScopedToExam(t *testing.T) {
	h, _, _ := newTestHub()
	defer h.Stop()

	subA := newMockSubscriber("conn-a")
	subB := newMockSubscriber("conn-b")
	_ = h.Subscribe("exam-1", subA)
	_ = h.Subscribe("exam-2", subB)

	h.PublishSession(&types.Session{AttemptID: "attempt-1", ExamID: "exam-1"})

	waitFor(t, func() bool { return subA.frameCount() == 2 }, "update for exam-1 never arrived")

	if subB.frameCount() != 1 {
		t.Errorf("exam-2 subscriber should only have its snapshot, got %d frames", subB.frameCount())
	}
}

func TestHub_PublishAlertReachesSupervisors(t *testing.T) {
	h, _, _ := newTestHub()
	defer h.Stop()

	sub := newMockSubscriber("conn-1")
	_ = h.Subscribe("exam-1", sub)

	h.PublishAlert(&types.Alert{
		ID:        "alert-1",
		AttemptID: "attempt-1",
		ExamID:    "exam-1",
		Severity:  types.SeverityCritical,
	})

	waitFor(t, func() bool { return sub.frameCount() == 2 }, "alert never arrived")

	var notice types.AlertNotice
	if err := json.Unmarshal(sub.frame(1), &notice); err != nil {
		t.Fatalf("Alert did not decode: %v", err)
	}
	if notice.Severity != types.SeverityCritical {
		t.Errorf("Expected critical, got %s", notice.Severity)
	}
}

func TestHub_StudentReceivesOwnSessionUpdates(t *testing.T) {
	h, _, _ := newTestHub()
	defer h.Stop()

	student := newMockSubscriber("conn-student")
	h.AttachStudent("attempt-1", student)

	h.PublishSession(&types.Session{AttemptID: "attempt-1", ExamID: "exam-1"})
	waitFor(t, func() bool { return student.frameCount() == 1 }, "student update never arrived")

	// Another attempt's update does not reach this student.
	h.PublishSession(&types.Session{AttemptID: "attempt-2", ExamID: "exam-1"})
	time.Sleep(20 * time.Millisecond)
	if student.frameCount() != 1 {
		t.Errorf("Student should only see own attempt, got %d frames", student.frameCount())
	}
}

func TestHub_DetachStudentRequiresMatchingConnection(t *testing.T) {
	h, _, _ := newTestHub()
	defer h.Stop()

	replacement := newMockSubscriber("conn-new")
	h.AttachStudent("attempt-1", replacement)

	// A stale disconnect from the old connection must not detach the new one.
	h.DetachStudent("attempt-1", "conn-old")

	h.PublishSession(&types.Session{AttemptID: "attempt-1", ExamID: "exam-1"})
	waitFor(t, func() bool { return replacement.frameCount() == 1 }, "replacement connection lost its routing")
}

func TestHub_EvictsFailingSubscriber(t *testing.T) {
	h, _, _ := newTestHub()
	defer h.Stop()

	sub := newMockSubscriber("conn-1")
	_ = h.Subscribe("exam-1", sub)

	sub.mu.Lock()
	sub.sendFail = true
	sub.mu.Unlock()

	h.PublishSession(&types.Session{AttemptID: "attempt-1", ExamID: "exam-1"})
	waitFor(t, sub.isClosed, "failing subscriber was not evicted")

	// Once evicted, later publishes do not reach it.
	sub.mu.Lock()
	sub.sendFail = false
	sub.mu.Unlock()
	h.PublishSession(&types.Session{AttemptID: "attempt-1", ExamID: "exam-1"})
	time.Sleep(20 * time.Millisecond)
	if sub.frameCount() != 1 {
		t.Errorf("Evicted subscriber should get nothing, has %d frames", sub.frameCount())
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h, _, _ := newTestHub()
	defer h.Stop()

	sub := newMockSubscriber("conn-1")
	_ = h.Subscribe("exam-1", sub)
	h.Unsubscribe("exam-1", "conn-1")

	h.PublishSession(&types.Session{AttemptID: "attempt-1", ExamID: "exam-1"})
	time.Sleep(20 * time.Millisecond)
	if sub.frameCount() != 1 {
		t.Errorf("Unsubscribed connection should only have its snapshot, got %d frames", sub.frameCount())
	}
}

func TestHub_StoppedHubRejectsSubscribe(t *testing.T) {
	store := &mockSessionStore{sessions: make(map[string][]*types.Session)}
	classifier := &mockClassifier{alerts: make(map[string][]*types.Alert)}
	h := NewHub(store, classifier)

	if err := h.Subscribe("exam-1", newMockSubscriber("conn-1")); err != ErrHubClosed {
		t.Errorf("Expected ErrHubClosed, got %v", err)
	}

	// Publishing to a stopped hub is a silent no-op.
	h.PublishSession(&types.Session{AttemptID: "attempt-1", ExamID: "exam-1"})
}

func TestHub_StopClosesSubscribers(t *testing.T) {
	h, _, _ := newTestHub()

	sub := newMockSubscriber("conn-1")
	student := newMockSubscriber("conn-2")
	_ = h.Subscribe("exam-1", sub)
	h.AttachStudent("attempt-1", student)

	// Make sure the attach was processed before stopping.
	h.PublishSession(&types.Session{AttemptID: "attempt-1", ExamID: "exam-1"})
	waitFor(t, func() bool { return student.frameCount() == 1 }, "attach never processed")

	h.Stop()

	if !sub.isClosed() {
		t.Error("Supervisor subscriber should be closed on Stop")
	}
	if !student.isClosed() {
		t.Error("Student subscriber should be closed on Stop")
	}
}
