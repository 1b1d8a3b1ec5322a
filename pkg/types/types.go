package types

import (
	"time"
)

// Session status values. Transitions between them are validated by
// ValidTransition; Completed and Terminated are terminal.
const (
	StatusActive     = "active"
	StatusPaused     = "paused"
	StatusFlagged    = "flagged"
	StatusCompleted  = "completed"
	StatusTerminated = "terminated"
)

// Violation types reported by exam-taking clients. The client also sends a
// severity hint, but it is untrusted: the classifier's policy table is the
// only source of severity.
const (
	ViolationFocusLost            = "focus-lost"
	ViolationSecondaryDisplay     = "secondary-display-detected"
	ViolationCopyPaste            = "copy-paste"
	ViolationDisconnect           = "disconnect"
	ViolationUnrecognizedSoftware = "unrecognized-software"
)

// Alert severity levels, ordered low to critical.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Connection roles.
const (
	RoleStudent    = "student"
	RoleSupervisor = "supervisor"
)

// Exam is the exam-level context sessions attach to. Created by the
// control-plane API when a supervisor starts a live exam.
type Exam struct {
	ID              string    `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	AccessCode      string    `json:"access_code" db:"access_code"`
	CreatedBy       string    `json:"created_by" db:"created_by"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
	TotalQuestions  int       `json:"total_questions" db:"total_questions"`
	AllowConcurrent bool      `json:"allow_concurrent" db:"allow_concurrent"`
	StartedAt       time.Time `json:"started_at" db:"started_at"`
}

// Session is the server-authoritative record of one exam attempt.
// Exclusively created and mutated by the session store; every other
// component reads copies.
type Session struct {
	AttemptID            string     `json:"attempt_id" db:"attempt_id"`
	StudentID            string     `json:"student_id" db:"student_id"`
	ExamID               string     `json:"exam_id" db:"exam_id"`
	Status               string     `json:"status" db:"status"`
	CurrentQuestionIndex int        `json:"current_question_index" db:"current_question_index"`
	TotalQuestions       int        `json:"total_questions" db:"total_questions"`
	TimeRemainingSeconds int        `json:"time_remaining_seconds" db:"time_remaining_seconds"`
	ViolationCount       int        `json:"violation_count" db:"violation_count"`
	StartedAt            time.Time  `json:"started_at" db:"started_at"`
	LastActivity         time.Time  `json:"last_activity" db:"last_activity"`
	DisconnectedAt       *time.Time `json:"disconnected_at,omitempty" db:"disconnected_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// Progress returns the attempt's completion fraction, always in [0,1].
func (s *Session) Progress() float64 {
	if s.TotalQuestions <= 0 {
		return 0
	}
	p := float64(s.CurrentQuestionIndex) / float64(s.TotalQuestions)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// IsTerminal reports whether the session can no longer be mutated.
func (s *Session) IsTerminal() bool {
	return IsTerminalStatus(s.Status)
}

// ViolationEvent is an immutable fact reported by a client (or synthesized
// by the server on heartbeat loss). ReportedSeverity is the client's hint
// and is kept for the audit log only.
type ViolationEvent struct {
	ID               string    `json:"id" db:"id"`
	AttemptID        string    `json:"attempt_id" db:"attempt_id"`
	Type             string    `json:"type" db:"type"`
	ReportedSeverity string    `json:"reported_severity,omitempty" db:"reported_severity"`
	OccurredAt       time.Time `json:"occurred_at" db:"occurred_at"`
}

// Alert is the server's authoritative judgment of one or more violation
// events. Many events may collapse into one alert while its deduplication
// window is open; an alert always references exactly one attempt.
type Alert struct {
	ID          string     `json:"id" db:"id"`
	AttemptID   string     `json:"attempt_id" db:"attempt_id"`
	ExamID      string     `json:"exam_id" db:"exam_id"`
	Type        string     `json:"type" db:"type"`
	Severity    string     `json:"severity" db:"severity"`
	Description string     `json:"description" db:"description"`
	Occurrences int        `json:"occurrences" db:"occurrences"`
	Resolved    bool       `json:"resolved" db:"resolved"`
	ResolvedBy  string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	WindowEnds  time.Time  `json:"window_ends" db:"window_ends"`
}

// Submission is the final payload handed to attempt storage exactly once
// when a session reaches a terminal status.
type Submission struct {
	AttemptID         string    `json:"attempt_id" db:"attempt_id"`
	ExamID            string    `json:"exam_id" db:"exam_id"`
	StudentID         string    `json:"student_id" db:"student_id"`
	FinalStatus       string    `json:"final_status" db:"final_status"`
	QuestionsAnswered int       `json:"questions_answered" db:"questions_answered"`
	TimeSpentSeconds  int       `json:"time_spent_seconds" db:"time_spent_seconds"`
	ViolationCount    int       `json:"violation_count" db:"violation_count"`
	SubmittedAt       time.Time `json:"submitted_at" db:"submitted_at"`
}

// severityRank orders severities for escalation arithmetic.
var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// SeverityRank returns the numeric rank of a severity, -1 if unknown.
func SeverityRank(severity string) int {
	rank, ok := severityRank[severity]
	if !ok {
		return -1
	}
	return rank
}

// EscalateSeverity returns the severity one level above the given one.
// Critical does not escalate further.
func EscalateSeverity(severity string) string {
	switch severity {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh:
		return SeverityCritical
	default:
		return severity
	}
}

// IsTerminalStatus reports whether a status permits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusTerminated
}

// validTransitions is the session state machine. Missing entries are
// rejected; terminal states have no entries at all.
var validTransitions = map[string][]string{
	StatusActive:  {StatusPaused, StatusFlagged, StatusCompleted, StatusTerminated},
	StatusPaused:  {StatusActive, StatusFlagged, StatusTerminated},
	StatusFlagged: {StatusActive, StatusTerminated, StatusCompleted},
}

// ValidTransition reports whether the state machine permits from -> to.
func ValidTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
