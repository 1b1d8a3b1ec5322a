package types

import "time"

// Wire message type constants for the bidirectional channel. Client to
// server: authenticate, progress, violation, heartbeat, submit,
// disconnect. Server to client: session_update, alert, snapshot, system.
// Supervisors may additionally send subscribe/unsubscribe after
// authenticating.
const (
	MessageTypeAuthenticate  = "authenticate"
	MessageTypeProgress      = "progress"
	MessageTypeViolation     = "violation"
	MessageTypeHeartbeat     = "heartbeat"
	MessageTypeSubmit        = "submit"
	MessageTypeDisconnect    = "disconnect"
	MessageTypeSubscribe     = "subscribe"
	MessageTypeUnsubscribe   = "unsubscribe"
	MessageTypeSessionUpdate = "session_update"
	MessageTypeAlert         = "alert"
	MessageTypeSnapshot      = "snapshot"
	MessageTypeSystem        = "system"
)

// ClientMessage is the decoded form of every client-to-server message.
// Type discriminates which of the optional fields are meaningful; unknown
// types are dropped by the ingest gateway without closing the connection.
type ClientMessage struct {
	Type string `json:"type"`

	// authenticate
	Role       string `json:"role,omitempty"`
	StudentID  string `json:"student_id,omitempty"`
	AccessCode string `json:"access_code,omitempty"`

	// authenticate (reconnect), progress, violation, heartbeat
	AttemptID string `json:"attempt_id,omitempty"`

	// authenticate (supervisor), subscribe, unsubscribe
	ExamID string `json:"exam_id,omitempty"`

	// progress
	QuestionIndex int `json:"question_index,omitempty"`

	// violation
	ViolationType string     `json:"violation_type,omitempty"`
	Severity      string     `json:"severity,omitempty"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
}

// SessionUpdate is the server-to-client projection of a session record.
type SessionUpdate struct {
	Type                 string  `json:"type"`
	AttemptID            string  `json:"attempt_id"`
	ExamID               string  `json:"exam_id"`
	StudentID            string  `json:"student_id"`
	Status               string  `json:"status"`
	Progress             float64 `json:"progress"`
	TimeRemainingSeconds int     `json:"time_remaining_seconds"`
	ViolationCount       int     `json:"violation_count"`
}

// AlertNotice is the server-to-client projection of a proctoring alert.
type AlertNotice struct {
	Type        string `json:"type"`
	AlertID     string `json:"alert_id"`
	AttemptID   string `json:"attempt_id"`
	ExamID      string `json:"exam_id"`
	Violation   string `json:"violation_type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Occurrences int    `json:"occurrences"`
	Resolved    bool   `json:"resolved"`
}

// Snapshot carries the full current state for one exam, sent to a
// (re)subscribing supervisor before incremental updates resume.
type Snapshot struct {
	Type     string          `json:"type"`
	ExamID   string          `json:"exam_id"`
	Sessions []SessionUpdate `json:"sessions"`
	Alerts   []AlertNotice   `json:"alerts"`
}

// SystemNotice reports connection-scoped events (auth results, dropped
// messages) back to the sending client.
type SystemNotice struct {
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	Message   string    `json:"message,omitempty"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSessionUpdate builds the wire projection of a session record.
func NewSessionUpdate(s *Session) SessionUpdate {
	return SessionUpdate{
		Type:                 MessageTypeSessionUpdate,
		AttemptID:            s.AttemptID,
		ExamID:               s.ExamID,
		StudentID:            s.StudentID,
		Status:               s.Status,
		Progress:             s.Progress(),
		TimeRemainingSeconds: s.TimeRemainingSeconds,
		ViolationCount:       s.ViolationCount,
	}
}

// NewAlertNotice builds the wire projection of an alert.
func NewAlertNotice(a *Alert) AlertNotice {
	return AlertNotice{
		Type:        MessageTypeAlert,
		AlertID:     a.ID,
		AttemptID:   a.AttemptID,
		ExamID:      a.ExamID,
		Violation:   a.Type,
		Severity:    a.Severity,
		Description: a.Description,
		Occurrences: a.Occurrences,
		Resolved:    a.Resolved,
	}
}
