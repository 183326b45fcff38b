package models

import "gorm.io/gorm"

// Sequence status values
const (
	SequenceStatusDraft    = "draft"
	SequenceStatusActive   = "active"
	SequenceStatusPaused   = "paused"
	SequenceStatusArchived = "archived"
)

// Step types
const (
	StepTypeEmail    = "email"
	StepTypeTask     = "task"
	StepTypeLinkedIn = "linkedin"
	StepTypeWait     = "wait"
)

// Sequence represents an automated multi-step outreach sequence
type Sequence struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused, archived

	// Statistics (denormalized for performance)
	EnrolledCount  int `gorm:"default:0" json:"enrolled_count"`
	CompletedCount int `gorm:"default:0" json:"completed_count"`
	ReplyCount     int `gorm:"default:0" json:"reply_count"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents one step in a sequence. Steps are numbered 1-based
// and kept contiguous; deleting a step renumbers the ones after it.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepNumber int    `gorm:"not null" json:"step_number"`
	StepType   string `gorm:"default:'email'" json:"step_type"` // email, task, linkedin, wait

	// Wait time relative to the previous step's completion
	DelayDays  int `gorm:"not null;default:0" json:"delay_days"`
	DelayHours int `gorm:"not null;default:0" json:"delay_hours"`

	Subject  string `json:"subject"`
	BodyHTML string `gorm:"type:text" json:"body_html"`
	BodyText string `gorm:"type:text" json:"body_text"`

	// No column default: a false here must survive the insert, and GORM
	// drops zero values for columns that carry one.
	IsEnabled bool `gorm:"not null" json:"is_enabled"`

	// Tracking
	SentCount  int `gorm:"default:0" json:"sent_count"`
	ReplyCount int `gorm:"default:0" json:"reply_count"`
}
