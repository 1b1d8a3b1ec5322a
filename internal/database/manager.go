package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "examwatch/pkg/database"
	"examwatch/pkg/interfaces"
	"examwatch/pkg/types"
)

// Manager implements interfaces.DatabaseManager on SQLite. All writes
// funnel through a single goroutine; reads run concurrently against the
// WAL-mode connection pool.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

// writeOperation is one queued database write.
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pragmas and starts the writer
// goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine. SQLite
// allows only one writer; queueing here avoids lock contention entirely.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("Database write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// CreateExam inserts a new exam context.
func (m *Manager) CreateExam(ctx context.Context, exam *types.Exam) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO exams (id, title, access_code, created_by, duration_seconds, total_questions, allow_concurrent, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			exam.ID,
			exam.Title,
			exam.AccessCode,
			exam.CreatedBy,
			exam.DurationSeconds,
			exam.TotalQuestions,
			exam.AllowConcurrent,
			exam.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert exam: %w", err)
		}
		return nil
	})
}

// GetExam retrieves one exam context by ID.
func (m *Manager) GetExam(ctx context.Context, examID string) (*types.Exam, error) {
	query := `
		SELECT id, title, access_code, created_by, duration_seconds, total_questions, allow_concurrent, started_at
		FROM exams
		WHERE id = ?
	`

	var exam types.Exam
	err := m.db.QueryRowContext(ctx, query, examID).Scan(
		&exam.ID,
		&exam.Title,
		&exam.AccessCode,
		&exam.CreatedBy,
		&exam.DurationSeconds,
		&exam.TotalQuestions,
		&exam.AllowConcurrent,
		&exam.StartedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to query exam: %w", err)
	}

	return &exam, nil
}

// SaveAttempt upserts a session record. The store calls this on every
// durable mutation, so the write must handle both new and existing rows.
func (m *Manager) SaveAttempt(ctx context.Context, session *types.Session) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO attempts (attempt_id, student_id, exam_id, status, current_question_index,
				total_questions, time_remaining_seconds, violation_count, started_at, last_activity, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(attempt_id) DO UPDATE SET
				status = excluded.status,
				current_question_index = excluded.current_question_index,
				time_remaining_seconds = excluded.time_remaining_seconds,
				violation_count = excluded.violation_count,
				last_activity = excluded.last_activity,
				ended_at = excluded.ended_at
		`
		_, err := db.ExecContext(ctx, query,
			session.AttemptID,
			session.StudentID,
			session.ExamID,
			session.Status,
			session.CurrentQuestionIndex,
			session.TotalQuestions,
			session.TimeRemainingSeconds,
			session.ViolationCount,
			session.StartedAt,
			session.LastActivity,
			session.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save attempt: %w", err)
		}
		return nil
	})
}

func scanAttempts(rows *sql.Rows) ([]*types.Session, error) {
	var sessions []*types.Session

	for rows.Next() {
		var session types.Session
		var endedAt sql.NullTime

		err := rows.Scan(
			&session.AttemptID,
			&session.StudentID,
			&session.ExamID,
			&session.Status,
			&session.CurrentQuestionIndex,
			&session.TotalQuestions,
			&session.TimeRemainingSeconds,
			&session.ViolationCount,
			&session.StartedAt,
			&session.LastActivity,
			&endedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}

		if endedAt.Valid {
			session.EndedAt = &endedAt.Time
		}

		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}

	return sessions, nil
}

const attemptColumns = `attempt_id, student_id, exam_id, status, current_question_index,
	total_questions, time_remaining_seconds, violation_count, started_at, last_activity, ended_at`

// ListActiveAttempts returns all non-terminal attempts, used to rebuild
// the in-memory store after a restart.
func (m *Manager) ListActiveAttempts(ctx context.Context) ([]*types.Session, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM attempts
		WHERE status NOT IN ('completed', 'terminated')
		ORDER BY started_at ASC
	`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAttempts(rows)
}

// ListAttemptsByExam returns every attempt under one exam.
func (m *Manager) ListAttemptsByExam(ctx context.Context, examID string) ([]*types.Session, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM attempts
		WHERE exam_id = ?
		ORDER BY started_at ASC
	`

	rows, err := m.db.QueryContext(ctx, query, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts by exam: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAttempts(rows)
}

// StoreAlert inserts a new alert.
func (m *Manager) StoreAlert(ctx context.Context, alert *types.Alert) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO alerts (id, attempt_id, exam_id, type, severity, description,
				occurrences, resolved, resolved_by, resolved_at, created_at, window_ends)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			alert.ID,
			alert.AttemptID,
			alert.ExamID,
			alert.Type,
			alert.Severity,
			alert.Description,
			alert.Occurrences,
			alert.Resolved,
			nullString(alert.ResolvedBy),
			alert.ResolvedAt,
			alert.CreatedAt,
			alert.WindowEnds,
		)
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		return nil
	})
}

// UpdateAlert persists occurrence counts and resolution state.
func (m *Manager) UpdateAlert(ctx context.Context, alert *types.Alert) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			UPDATE alerts
			SET occurrences = ?, resolved = ?, resolved_by = ?, resolved_at = ?
			WHERE id = ?
		`
		_, err := db.ExecContext(ctx, query,
			alert.Occurrences,
			alert.Resolved,
			nullString(alert.ResolvedBy),
			alert.ResolvedAt,
			alert.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}
		return nil
	})
}

// ListUnresolvedAlerts returns open alerts for one exam, oldest first.
// An empty examID returns open alerts across all exams.
func (m *Manager) ListUnresolvedAlerts(ctx context.Context, examID string) ([]*types.Alert, error) {
	query := `
		SELECT id, attempt_id, exam_id, type, severity, description,
			occurrences, resolved, resolved_by, resolved_at, created_at, window_ends
		FROM alerts
		WHERE resolved = 0 AND (? = '' OR exam_id = ?)
		ORDER BY created_at ASC
	`

	rows, err := m.db.QueryContext(ctx, query, examID, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []*types.Alert

	for rows.Next() {
		var alert types.Alert
		var resolvedBy sql.NullString
		var resolvedAt sql.NullTime

		err := rows.Scan(
			&alert.ID,
			&alert.AttemptID,
			&alert.ExamID,
			&alert.Type,
			&alert.Severity,
			&alert.Description,
			&alert.Occurrences,
			&alert.Resolved,
			&resolvedBy,
			&resolvedAt,
			&alert.CreatedAt,
			&alert.WindowEnds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}

		if resolvedBy.Valid {
			alert.ResolvedBy = resolvedBy.String
		}
		if resolvedAt.Valid {
			alert.ResolvedAt = &resolvedAt.Time
		}

		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert rows: %w", err)
	}

	return alerts, nil
}

// StoreViolation appends one raw event to the audit log.
func (m *Manager) StoreViolation(ctx context.Context, event *types.ViolationEvent) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO violations (id, attempt_id, type, reported_severity, occurred_at)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			event.ID,
			event.AttemptID,
			event.Type,
			nullString(event.ReportedSeverity),
			event.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert violation: %w", err)
		}
		return nil
	})
}

// StoreSubmission records the final payload for a finished attempt. The
// attempt_id primary key makes a second write for the same attempt fail,
// which backstops the exactly-once contract.
func (m *Manager) StoreSubmission(ctx context.Context, submission *types.Submission) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO submissions (attempt_id, exam_id, student_id, final_status,
				questions_answered, time_spent_seconds, violation_count, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			submission.AttemptID,
			submission.ExamID,
			submission.StudentID,
			submission.FinalStatus,
			submission.QuestionsAnswered,
			submission.TimeSpentSeconds,
			submission.ViolationCount,
			submission.SubmittedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert submission: %w", err)
		}
		return nil
	})
}

// HealthCheck validates connectivity and basic read access.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := m.db.QueryContext(ctx, "SELECT COUNT(*) FROM attempts LIMIT 1"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB exposes the underlying connection for migrations and schema
// validation.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains the writer goroutine and closes the connection pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// applySQLiteOptimizations applies per-pool pragmas.
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
