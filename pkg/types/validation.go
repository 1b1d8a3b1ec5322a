package types

import (
	"regexp"
)

// Compiled once at package initialization; identifier validation runs on
// every inbound message.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidID checks the format shared by student, exam and attempt
// identifiers: 1-64 characters, alphanumeric plus underscore/hyphen.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidRole checks the connection role presented at authentication.
func IsValidRole(role string) bool {
	return role == RoleStudent || role == RoleSupervisor
}

// IsValidStatus checks that a status is one of the five session states.
func IsValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusPaused, StatusFlagged, StatusCompleted, StatusTerminated:
		return true
	}
	return false
}

// IsValidViolationType checks that a reported violation type is known.
// Unknown types are rejected at the ingest boundary so the classifier's
// policy table can stay total.
func IsValidViolationType(violationType string) bool {
	switch violationType {
	case ViolationFocusLost, ViolationSecondaryDisplay, ViolationCopyPaste,
		ViolationDisconnect, ViolationUnrecognizedSoftware:
		return true
	}
	return false
}

// IsValidSeverity checks an alert severity value.
func IsValidSeverity(severity string) bool {
	return SeverityRank(severity) >= 0
}

// Validate ensures an exam context meets all requirements before sessions
// can attach to it.
func (e *Exam) Validate() error {
	if len(e.Title) < 1 || len(e.Title) > 200 {
		return ErrInvalidExamTitle
	}
	if !IsValidID(e.CreatedBy) {
		return ErrInvalidCreatedBy
	}
	if e.DurationSeconds <= 0 {
		return ErrInvalidDuration
	}
	if e.TotalQuestions <= 0 {
		return ErrInvalidQuestionCount
	}
	return nil
}

// Validate ensures a violation event is well formed before classification.
func (v *ViolationEvent) Validate() error {
	if !IsValidID(v.AttemptID) {
		return ErrInvalidAttemptID
	}
	if !IsValidViolationType(v.Type) {
		return ErrInvalidViolationType
	}
	return nil
}
