package database

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change. Migrations are compiled into
// the binary and applied in order; the schema_migrations table tracks
// which versions have run.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// migrations is the ordered schema history. Append only; never edit an
// applied migration.
var migrations = []Migration{
	{
		Version:     "001",
		Description: "exam contexts",
		SQL: `
			CREATE TABLE IF NOT EXISTS exams (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				access_code TEXT NOT NULL UNIQUE,
				created_by TEXT NOT NULL,
				duration_seconds INTEGER NOT NULL,
				total_questions INTEGER NOT NULL,
				allow_concurrent INTEGER NOT NULL DEFAULT 0,
				started_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_exams_access_code ON exams(access_code);
		`,
	},
	{
		Version:     "002",
		Description: "attempt session records",
		SQL: `
			CREATE TABLE IF NOT EXISTS attempts (
				attempt_id TEXT PRIMARY KEY,
				student_id TEXT NOT NULL,
				exam_id TEXT NOT NULL REFERENCES exams(id),
				status TEXT NOT NULL,
				current_question_index INTEGER NOT NULL DEFAULT 0,
				total_questions INTEGER NOT NULL,
				time_remaining_seconds INTEGER NOT NULL,
				violation_count INTEGER NOT NULL DEFAULT 0,
				started_at DATETIME NOT NULL,
				last_activity DATETIME NOT NULL,
				ended_at DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_attempts_exam ON attempts(exam_id);
			CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
			CREATE INDEX IF NOT EXISTS idx_attempts_student_exam ON attempts(student_id, exam_id);
		`,
	},
	{
		Version:     "003",
		Description: "alerts and raw violation log",
		SQL: `
			CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				attempt_id TEXT NOT NULL REFERENCES attempts(attempt_id),
				exam_id TEXT NOT NULL,
				type TEXT NOT NULL,
				severity TEXT NOT NULL,
				description TEXT NOT NULL,
				occurrences INTEGER NOT NULL DEFAULT 1,
				resolved INTEGER NOT NULL DEFAULT 0,
				resolved_by TEXT,
				resolved_at DATETIME,
				created_at DATETIME NOT NULL,
				window_ends DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_alerts_exam_resolved ON alerts(exam_id, resolved);
			CREATE INDEX IF NOT EXISTS idx_alerts_attempt ON alerts(attempt_id);

			CREATE TABLE IF NOT EXISTS violations (
				id TEXT PRIMARY KEY,
				attempt_id TEXT NOT NULL,
				type TEXT NOT NULL,
				reported_severity TEXT,
				occurred_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_violations_attempt_time ON violations(attempt_id, occurred_at);
		`,
	},
	{
		Version:     "004",
		Description: "final submissions",
		SQL: `
			CREATE TABLE IF NOT EXISTS submissions (
				attempt_id TEXT PRIMARY KEY REFERENCES attempts(attempt_id),
				exam_id TEXT NOT NULL,
				student_id TEXT NOT NULL,
				final_status TEXT NOT NULL,
				questions_answered INTEGER NOT NULL,
				time_spent_seconds INTEGER NOT NULL,
				violation_count INTEGER NOT NULL,
				submitted_at DATETIME NOT NULL
			);
		`,
	},
}

// MigrationManager applies pending migrations against one database.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations runs every migration not yet recorded in
// schema_migrations. Each migration runs in its own transaction.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w",
				migration.Version, migration.Description, err)
		}
	}

	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) appliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version) VALUES (?)`, migration.Version,
	); err != nil {
		return err
	}

	return tx.Commit()
}
