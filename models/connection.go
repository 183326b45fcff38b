package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailConnection represents the sending and receiving credentials for one
// mail account. Daily send caps are enforced per connection.
type EmailConnection struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	ProviderType string `gorm:"default:'smtp'" json:"provider_type"` // smtp, gmail, outlook

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `gorm:"default:587" json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"` // Encrypted in application layer
	Encryption   string `gorm:"default:'STARTTLS'" json:"encryption"`

	// ========= IMAP Configuration =========
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"-"` // Encrypted in application layer
	IMAPMailbox  string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status =========
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	SMTPVerified bool       `gorm:"default:false" json:"smtp_verified"`
	IMAPVerified bool       `gorm:"default:false" json:"imap_verified"`
	LastError    *string    `json:"last_error"`
	LastSyncedAt *time.Time `json:"last_synced_at"`

	// ========= Usage Metrics =========
	DailyLimit int `gorm:"default:500" json:"daily_limit"`
	SentToday  int `gorm:"default:0" json:"sent_today"`
	TotalSent  int `gorm:"default:0" json:"total_sent"`
	ReplyCount int `gorm:"default:0" json:"reply_count"`
}

// Sanitize strips credentials before the connection is returned to a client.
func (c *EmailConnection) Sanitize() {
	c.SMTPPassword = ""
	c.IMAPPassword = ""
}
