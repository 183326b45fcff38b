package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact represents a single outreach contact
type Contact struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Metadata
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	Enrollments []SequenceEnrollment `gorm:"foreignKey:ContactID" json:"enrollments,omitempty"`
}

// FullName joins first and last name for templating defaults
func (c *Contact) FullName() string {
	if c.FirstName == "" {
		return c.LastName
	}
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}
