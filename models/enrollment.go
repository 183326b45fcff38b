package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment status values. Active is the only schedulable state; everything
// except active and paused is terminal.
const (
	EnrollmentStatusActive       = "active"
	EnrollmentStatusPaused       = "paused"
	EnrollmentStatusCompleted    = "completed"
	EnrollmentStatusReplied      = "replied"
	EnrollmentStatusBounced      = "bounced"
	EnrollmentStatusUnsubscribed = "unsubscribed"
	EnrollmentStatusCancelled    = "cancelled"
)

// Event types recorded on the enrollment audit trail
const (
	EventEnrolled     = "enrolled"
	EventSent         = "sent"
	EventReplied      = "replied"
	EventPaused       = "paused"
	EventResumed      = "resumed"
	EventCancelled    = "cancelled"
	EventBounced      = "bounced"
	EventCompleted    = "completed"
	EventUnsubscribed = "unsubscribed"
)

// SequenceEnrollment binds one contact to one sequence's in-progress
// execution. The row is the durable state the runner resumes from after a
// restart: current step pointer, status and next wake time.
type SequenceEnrollment struct {
	gorm.Model
	UserID       uint `gorm:"not null;index" json:"user_id"`
	SequenceID   uint `gorm:"not null;uniqueIndex:idx_enrollment_sequence_contact" json:"sequence_id"`
	ContactID    uint `gorm:"not null;uniqueIndex:idx_enrollment_sequence_contact" json:"contact_id"`
	ConnectionID uint `gorm:"not null;index" json:"connection_id"` // sender identity for every send

	Status            string `gorm:"default:'active';index" json:"status"`
	CurrentStepID     uint   `json:"current_step_id"`
	CurrentStepNumber int    `gorm:"default:1" json:"current_step_number"`

	EnrolledAt      time.Time  `gorm:"not null" json:"enrolled_at"`
	NextScheduledAt *time.Time `gorm:"index" json:"next_scheduled_at"` // nil = paused, terminal or mid-send
	PausedAt        *time.Time `json:"paused_at"`
	PauseReason     string     `json:"pause_reason"`
	CompletedAt     *time.Time `json:"completed_at"`

	// Set while a worker executes a step; used by the reaper to recover
	// executions orphaned by a crash.
	ProcessingStartedAt *time.Time `json:"processing_started_at"`

	// Per-enrollment template variables, merged over contact defaults
	Variables map[string]string `gorm:"type:jsonb;serializer:json" json:"variables"`

	// Relations
	Sequence Sequence `json:"-"`
	Contact  Contact  `json:"-"`
}

// IsTerminal reports whether no further automatic transition can occur.
func (e *SequenceEnrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentStatusCompleted, EnrollmentStatusReplied, EnrollmentStatusBounced,
		EnrollmentStatusUnsubscribed, EnrollmentStatusCancelled:
		return true
	}
	return false
}

// SequenceEvent is the append-only audit trail per enrollment. Rows are
// write-once and never drive control flow; that lives on the enrollment row.
type SequenceEvent struct {
	gorm.Model
	EnrollmentID uint   `gorm:"not null;index" json:"enrollment_id"`
	EventType    string `gorm:"not null" json:"event_type"`
	StepNumber   *int   `json:"step_number,omitempty"`
	Details      string `gorm:"type:text" json:"details"`
}

// SequenceMessage records one outbound sequence send. The unique
// (enrollment_id, step_number) index is the idempotency record: a step with a
// message row already went out and must not be sent again. ThreadID is the
// reply-detection key for inbound mail.
type SequenceMessage struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;uniqueIndex:idx_message_enrollment_step" json:"enrollment_id"`
	StepNumber   int  `gorm:"not null;uniqueIndex:idx_message_enrollment_step" json:"step_number"`
	ConnectionID uint `gorm:"not null;index" json:"connection_id"`

	MessageID string     `gorm:"not null;index" json:"message_id"`
	ThreadID  string     `gorm:"not null;index" json:"thread_id"`
	To        string     `gorm:"not null" json:"to"`
	Subject   string     `json:"subject"`
	SentAt    time.Time  `gorm:"not null" json:"sent_at"`
	RepliedAt *time.Time `json:"replied_at"`
}
