package store

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

// Manager implements interfaces.SessionStore. The outer RWMutex guards
// the maps only; each attempt carries its own lock so writes to one
// session never serialize against another's. Reads copy the record out
// under the entry lock and never hold it across I/O.
type Manager struct {
	db             interfaces.DatabaseManager
	reconnectGrace time.Duration

	publisher interfaces.EventPublisher
	pubMu     sync.RWMutex

	mu            sync.RWMutex
	attempts      map[string]*entry            // attemptID -> entry
	byExam        map[string]map[string]*entry // examID -> attemptID -> entry
	byStudentExam map[string]*entry            // studentID+"/"+examID -> active entry
	exams         map[string]*types.Exam       // examID -> exam context
	byAccessCode  map[string]string            // access code -> examID
}

// entry wraps one session record with its writer lock.
type entry struct {
	mu      sync.Mutex
	session types.Session
}

// NewManager creates a session store backed by the given database.
func NewManager(db interfaces.DatabaseManager, reconnectGrace time.Duration) *Manager {
	return &Manager{
		db:             db,
		reconnectGrace: reconnectGrace,
		attempts:       make(map[string]*entry),
		byExam:         make(map[string]map[string]*entry),
		byStudentExam:  make(map[string]*entry),
		exams:          make(map[string]*types.Exam),
		byAccessCode:   make(map[string]string),
	}
}

// SetPublisher registers the broadcast hub. Wiring happens after
// construction because the hub needs the store for snapshots.
func (m *Manager) SetPublisher(publisher interfaces.EventPublisher) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.publisher = publisher
}

func (m *Manager) publish(session types.Session) {
	m.pubMu.RLock()
	publisher := m.publisher
	m.pubMu.RUnlock()

	if publisher != nil {
		publisher.PublishSession(&session)
	}
}

func pairKey(studentID, examID string) string {
	return studentID + "/" + examID
}

// RegisterExam adds an exam context sessions can attach to.
func (m *Manager) RegisterExam(ctx context.Context, exam *types.Exam) error {
	if err := exam.Validate(); err != nil {
		return err
	}

	if err := m.db.CreateExam(ctx, exam); err != nil {
		return fmt.Errorf("failed to persist exam: %w", err)
	}

	m.mu.Lock()
	m.exams[exam.ID] = exam
	m.byAccessCode[exam.AccessCode] = exam.ID
	m.mu.Unlock()

	log.Printf("Registered live exam: id=%s code=%s duration=%ds", exam.ID, exam.AccessCode, exam.DurationSeconds)
	return nil
}

// GetExam returns the exam context for an ID.
func (m *Manager) GetExam(examID string) (*types.Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exam, ok := m.exams[examID]
	if !ok {
		return nil, interfaces.ErrExamNotFound
	}
	snapshot := *exam
	return &snapshot, nil
}

// GetExamByAccessCode resolves the code students present at
// authentication.
func (m *Manager) GetExamByAccessCode(code string) (*types.Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	examID, ok := m.byAccessCode[code]
	if !ok {
		return nil, interfaces.ErrExamNotFound
	}
	snapshot := *m.exams[examID]
	return &snapshot, nil
}

// LoadActive rebuilds the in-memory registry from the database after a
// restart. Exam contexts referenced by surviving attempts are loaded too.
func (m *Manager) LoadActive(ctx context.Context) error {
	sessions, err := m.db.ListActiveAttempts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active attempts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, session := range sessions {
		if _, ok := m.exams[session.ExamID]; !ok {
			exam, err := m.db.GetExam(ctx, session.ExamID)
			if err != nil {
				log.Printf("Skipping attempt %s: exam %s not found: %v", session.AttemptID, session.ExamID, err)
				continue
			}
			m.exams[exam.ID] = exam
			m.byAccessCode[exam.AccessCode] = exam.ID
		}
		m.index(&entry{session: *session})
	}

	log.Printf("Loaded %d active attempts", len(sessions))
	return nil
}

// index adds an entry to all maps; caller holds m.mu.
func (m *Manager) index(e *entry) {
	s := &e.session
	m.attempts[s.AttemptID] = e
	if m.byExam[s.ExamID] == nil {
		m.byExam[s.ExamID] = make(map[string]*entry)
	}
	m.byExam[s.ExamID][s.AttemptID] = e
	if !s.IsTerminal() {
		m.byStudentExam[pairKey(s.StudentID, s.ExamID)] = e
	}
}

// CreateSession starts a new attempt for a (student, exam) pair.
func (m *Manager) CreateSession(ctx context.Context, studentID, examID string) (*types.Session, error) {
	if !types.IsValidID(studentID) {
		return nil, types.ErrInvalidStudentID
	}

	m.mu.Lock()
	exam, ok := m.exams[examID]
	if !ok {
		m.mu.Unlock()
		return nil, interfaces.ErrExamNotFound
	}

	if !exam.AllowConcurrent {
		if existing, ok := m.byStudentExam[pairKey(studentID, examID)]; ok {
			existing.mu.Lock()
			terminal := existing.session.IsTerminal()
			existing.mu.Unlock()
			if !terminal {
				m.mu.Unlock()
				return nil, interfaces.ErrDuplicateAttempt
			}
		}
	}

	now := time.Now()
	e := &entry{session: types.Session{
		AttemptID:            uuid.New().String(),
		StudentID:            studentID,
		ExamID:               examID,
		Status:               types.StatusActive,
		CurrentQuestionIndex: 0,
		TotalQuestions:       exam.TotalQuestions,
		TimeRemainingSeconds: exam.DurationSeconds,
		ViolationCount:       0,
		StartedAt:            now,
		LastActivity:         now,
	}}
	m.index(e)
	session := e.session
	m.mu.Unlock()

	if err := m.db.SaveAttempt(ctx, &session); err != nil {
		return nil, fmt.Errorf("failed to persist attempt: %w", err)
	}

	log.Printf("Created attempt: id=%s student=%s exam=%s", session.AttemptID, studentID, examID)
	m.publish(session)
	return &session, nil
}

// lookup returns the entry for an attempt.
func (m *Manager) lookup(attemptID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.attempts[attemptID]
	if !ok {
		return nil, interfaces.ErrUnknownAttempt
	}
	return e, nil
}

// mutate runs fn against the attempt's record under its writer lock,
// persists when fn reports a durable change, then publishes the update.
// fn must not block.
func (m *Manager) mutate(ctx context.Context, attemptID string, fn func(*types.Session) (durable bool, err error)) error {
	e, err := m.lookup(attemptID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	durable, err := fn(&e.session)
	session := e.session
	e.mu.Unlock()

	if err != nil {
		return err
	}

	if durable {
		if err := m.db.SaveAttempt(ctx, &session); err != nil {
			return fmt.Errorf("failed to persist attempt: %w", err)
		}
	}

	m.publish(session)
	return nil
}

// ApplyProgress advances the question index. Stale or duplicate indexes
// are ignored so out-of-order delivery cannot move progress backwards.
func (m *Manager) ApplyProgress(ctx context.Context, attemptID string, questionIndex int) error {
	return m.mutate(ctx, attemptID, func(s *types.Session) (bool, error) {
		if s.IsTerminal() {
			return false, interfaces.ErrUnknownAttempt
		}
		s.LastActivity = time.Now()
		if questionIndex <= s.CurrentQuestionIndex {
			return false, nil
		}
		if questionIndex > s.TotalQuestions {
			questionIndex = s.TotalQuestions
		}
		s.CurrentQuestionIndex = questionIndex
		return true, nil
	})
}

// Transition moves a session along the state machine. Entering a terminal
// status also emits the final submission, making this the single decision
// point for session finality.
func (m *Manager) Transition(ctx context.Context, attemptID, newStatus string) error {
	if !types.IsValidStatus(newStatus) {
		return interfaces.ErrInvalidTransition
	}

	e, err := m.lookup(attemptID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !types.ValidTransition(e.session.Status, newStatus) {
		e.mu.Unlock()
		return interfaces.ErrInvalidTransition
	}
	from := e.session.Status
	e.session.Status = newStatus
	e.session.LastActivity = time.Now()
	if types.IsTerminalStatus(newStatus) {
		now := time.Now()
		e.session.EndedAt = &now
	}
	session := e.session
	e.mu.Unlock()

	if session.IsTerminal() {
		m.mu.Lock()
		delete(m.byStudentExam, pairKey(session.StudentID, session.ExamID))
		m.mu.Unlock()
	}

	if err := m.db.SaveAttempt(ctx, &session); err != nil {
		return fmt.Errorf("failed to persist attempt: %w", err)
	}

	log.Printf("Attempt %s: %s -> %s", attemptID, from, newStatus)

	if session.IsTerminal() {
		m.emitSubmission(ctx, &session)
	}

	m.publish(session)
	return nil
}

// emitSubmission hands the final payload to attempt storage. The state
// machine guarantees exactly one terminal transition per attempt, so this
// runs at most once.
func (m *Manager) emitSubmission(ctx context.Context, session *types.Session) {
	exam, err := m.GetExam(session.ExamID)
	timeSpent := 0
	if err == nil {
		timeSpent = exam.DurationSeconds - session.TimeRemainingSeconds
	}

	submission := &types.Submission{
		AttemptID:         session.AttemptID,
		ExamID:            session.ExamID,
		StudentID:         session.StudentID,
		FinalStatus:       session.Status,
		QuestionsAnswered: session.CurrentQuestionIndex,
		TimeSpentSeconds:  timeSpent,
		ViolationCount:    session.ViolationCount,
		SubmittedAt:       time.Now(),
	}

	if err := m.db.StoreSubmission(ctx, submission); err != nil {
		log.Printf("Failed to store final submission for %s: %v", session.AttemptID, err)
	}
}

// RecordViolation increments the attempt's violation counter.
func (m *Manager) RecordViolation(ctx context.Context, attemptID string) error {
	return m.mutate(ctx, attemptID, func(s *types.Session) (bool, error) {
		if s.IsTerminal() {
			return false, interfaces.ErrUnknownAttempt
		}
		s.ViolationCount++
		s.LastActivity = time.Now()
		return true, nil
	})
}

// Heartbeat resets the last-seen clock and clears any disconnect mark,
// so a client whose heartbeats resume re-enters the liveness sweep.
// Memory only; heartbeats are too frequent to persist and carry no state
// worth recovering.
func (m *Manager) Heartbeat(attemptID string) error {
	e, err := m.lookup(attemptID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.session.LastActivity = time.Now()
	e.session.DisconnectedAt = nil
	e.mu.Unlock()
	return nil
}

// MarkDisconnected notes a dropped client so the liveness sweep does not
// repeat the disconnect violation and Reconnect can measure the gap.
// Returns ErrAlreadyDisconnected when the mark is already set, which
// lets an announced departure silence the socket-close path.
func (m *Manager) MarkDisconnected(attemptID string) error {
	e, err := m.lookup(attemptID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.IsTerminal() {
		return interfaces.ErrInvalidTransition
	}
	if e.session.DisconnectedAt != nil {
		return interfaces.ErrAlreadyDisconnected
	}
	now := time.Now()
	e.session.DisconnectedAt = &now
	return nil
}

// Reconnect resumes a dropped attempt. Within the grace window the
// original record continues untouched; past it the session is flagged
// before being handed back.
func (m *Manager) Reconnect(ctx context.Context, attemptID string) (*types.Session, bool, error) {
	e, err := m.lookup(attemptID)
	if err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	if e.session.IsTerminal() {
		session := e.session
		e.mu.Unlock()
		return &session, false, interfaces.ErrInvalidTransition
	}

	withinGrace := true
	if e.session.DisconnectedAt != nil {
		withinGrace = time.Since(*e.session.DisconnectedAt) <= m.reconnectGrace
		e.session.DisconnectedAt = nil
	}
	e.session.LastActivity = time.Now()
	session := e.session
	e.mu.Unlock()

	if !withinGrace && (session.Status == types.StatusActive || session.Status == types.StatusPaused) {
		if err := m.Transition(ctx, attemptID, types.StatusFlagged); err != nil {
			return nil, false, err
		}
		flagged, err := m.Get(attemptID)
		if err != nil {
			return nil, false, err
		}
		return flagged, false, nil
	}

	m.publish(session)
	return &session, withinGrace, nil
}

// ExtendTime grants additional time by administrative action, the only
// path on which the countdown may increase.
func (m *Manager) ExtendTime(ctx context.Context, attemptID string, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("extension must be positive")
	}
	return m.mutate(ctx, attemptID, func(s *types.Session) (bool, error) {
		if s.IsTerminal() {
			return false, interfaces.ErrInvalidTransition
		}
		s.TimeRemainingSeconds += seconds
		return true, nil
	})
}

// Tick decrements the countdown while the session is active. Paused,
// flagged and terminal sessions are frozen. The decrement is not flushed
// to the database per tick; durable writes happen on the mutations that
// matter (transitions, progress, extension).
func (m *Manager) Tick(ctx context.Context, attemptID string, seconds int) (int, error) {
	e, err := m.lookup(attemptID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.session.Status != types.StatusActive {
		remaining := e.session.TimeRemainingSeconds
		e.mu.Unlock()
		return remaining, nil
	}
	e.session.TimeRemainingSeconds -= seconds
	if e.session.TimeRemainingSeconds < 0 {
		e.session.TimeRemainingSeconds = 0
	}
	session := e.session
	e.mu.Unlock()

	m.publish(session)
	return session.TimeRemainingSeconds, nil
}

// Get returns a copy of one session record.
func (m *Manager) Get(attemptID string) (*types.Session, error) {
	e, err := m.lookup(attemptID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	return &session, nil
}

// ListByExam returns copies of every session under one exam.
func (m *Manager) ListByExam(examID string) []*types.Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.byExam[examID]))
	for _, e := range m.byExam[examID] {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sessions := make([]*types.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		session := e.session
		e.mu.Unlock()
		sessions = append(sessions, &session)
	}
	return sessions
}

// ActiveAttemptIDs returns the IDs the timer engine should tick.
func (m *Manager) ActiveAttemptIDs() []string {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.attempts))
	for _, e := range m.attempts {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if e.session.Status == types.StatusActive {
			ids = append(ids, e.session.AttemptID)
		}
		e.mu.Unlock()
	}
	return ids
}

// ListStale returns active attempts whose clients have gone quiet beyond
// the timeout and are not already marked disconnected.
func (m *Manager) ListStale(timeout time.Duration) []*types.Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.attempts))
	for _, e := range m.attempts {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-timeout)
	var stale []*types.Session
	for _, e := range entries {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s.Status == types.StatusActive && s.DisconnectedAt == nil && s.LastActivity.Before(cutoff) {
			snapshot := s
			stale = append(stale, &snapshot)
		}
	}
	return stale
}

// StatusCounts computes the per-status tally for one exam, one half of
// the live aggregate. Computed on demand, never persisted.
func (m *Manager) StatusCounts(examID string) map[string]int {
	counts := make(map[string]int)
	for _, s := range m.ListByExam(examID) {
		counts[s.Status]++
	}
	return counts
}
