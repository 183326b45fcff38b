package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreachd/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboundMessage is one rendered sequence email ready for dispatch.
type OutboundMessage struct {
	EnrollmentID uint
	StepNumber   int
	To           string
	ToName       string
	Subject      string
	BodyHTML     string
	BodyText     string
}

// SendResult carries the transport identifiers of a dispatched message.
// ThreadID is stable across every step of an enrollment so inbound replies
// can be correlated back to it.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// Mailer dispatches sequence messages. Implementations must be idempotent
// per (EnrollmentID, StepNumber): re-sending the same step after a crash must
// not produce a second delivery.
type Mailer interface {
	Send(ctx context.Context, conn *models.EmailConnection, msg OutboundMessage) (SendResult, error)
}

// SendError classifies a failed send. Permanent errors (revoked credential,
// invalid recipient, hard bounce) terminate the enrollment; anything else is
// retried.
type SendError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a send failure that must not be retried.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// Clock abstracts time for the scheduler so delay arithmetic is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Engine drives sequence enrollments: it owns the state machine, the step
// scheduler and the send-limit accounting. All durable state lives on the
// enrollment rows; the engine itself can be restarted at any point.
type Engine struct {
	db     *gorm.DB
	mailer Mailer
	log    *logrus.Entry
	clock  Clock

	// transient-failure retry tuning
	sendAttempts  int
	sendBackoff   time.Duration
	retryInterval time.Duration

	wake chan uint
}

// NewEngine wires an engine over the given store and mail transport.
func NewEngine(db *gorm.DB, mailer Mailer, logger *logrus.Logger) *Engine {
	return &Engine{
		db:            db,
		mailer:        mailer,
		log:           logger.WithField("component", "engine"),
		clock:         systemClock{},
		sendAttempts:  3,
		sendBackoff:   2 * time.Second,
		retryInterval: 15 * time.Minute,
		wake:          make(chan uint, 256),
	}
}

// Wake returns the channel the dispatcher listens on for enrollments that
// became due out of band (immediate enroll, resume).
func (e *Engine) Wake() <-chan uint { return e.wake }

// nudge asks the dispatcher to look at an enrollment now. Best effort: if the
// channel is full the next poll picks it up anyway.
func (e *Engine) nudge(enrollmentID uint) {
	select {
	case e.wake <- enrollmentID:
	default:
	}
}

// isDuplicateKey reports whether err is a unique-constraint violation. GORM
// only translates these with TranslateError enabled, so fall back to the
// driver messages (postgres and sqlite).
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
