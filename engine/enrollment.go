package engine

import (
	"errors"
	"fmt"
	"time"

	"outreachd/models"

	"github.com/badoux/checkmail"
	"gorm.io/gorm"
)

// Validation errors rejected synchronously at enrollment time. None of these
// ever reach the runner.
var (
	ErrSequenceNotFound    = errors.New("sequence not found")
	ErrSequenceNotActive   = errors.New("sequence is not active")
	ErrSequenceNoSteps     = errors.New("sequence has no steps")
	ErrContactNotFound     = errors.New("contact not found")
	ErrNoEmailAddress      = errors.New("contact has no email address")
	ErrContactUnsubscribed = errors.New("contact is unsubscribed")
	ErrAlreadyEnrolled     = errors.New("contact is already enrolled in this sequence")
	ErrConnectionNotFound  = errors.New("email connection not found")
	ErrConnectionInactive  = errors.New("email connection is not active")
	ErrInvalidTransition   = errors.New("invalid enrollment status transition")
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
)

// EnrollParams describes one enrollment request.
type EnrollParams struct {
	SequenceID       uint
	ContactID        uint
	ConnectionID     uint
	Variables        map[string]string
	StartImmediately bool
}

// Enroll validates the request and creates the enrollment row. With
// StartImmediately the first step is scheduled for now; otherwise it is
// scheduled after the first step's own delay, so an active enrollment always
// carries a wake time.
func (e *Engine) Enroll(userID uint, params EnrollParams) (*models.SequenceEnrollment, error) {
	var sequence models.Sequence
	if err := e.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_number ASC")
	}).Where("id = ? AND user_id = ?", params.SequenceID, userID).First(&sequence).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSequenceNotFound
		}
		return nil, err
	}
	if sequence.Status != models.SequenceStatusActive {
		return nil, ErrSequenceNotActive
	}
	if len(sequence.Steps) == 0 {
		return nil, ErrSequenceNoSteps
	}

	var contact models.Contact
	if err := e.db.Where("id = ? AND user_id = ?", params.ContactID, userID).First(&contact).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}
	if contact.Email == "" || checkmail.ValidateFormat(contact.Email) != nil {
		return nil, ErrNoEmailAddress
	}
	if contact.IsUnsubscribed || contact.IsDoNotContact {
		return nil, ErrContactUnsubscribed
	}

	var connection models.EmailConnection
	if err := e.db.Where("id = ? AND user_id = ?", params.ConnectionID, userID).First(&connection).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	if !connection.IsActive {
		return nil, ErrConnectionInactive
	}

	now := e.clock.Now()
	firstStep := sequence.Steps[0]
	scheduledAt := now
	if !params.StartImmediately {
		scheduledAt = now.Add(stepDelay(&firstStep))
	}

	enrollment := models.SequenceEnrollment{
		UserID:            userID,
		SequenceID:        sequence.ID,
		ContactID:         contact.ID,
		ConnectionID:      connection.ID,
		Status:            models.EnrollmentStatusActive,
		CurrentStepID:     firstStep.ID,
		CurrentStepNumber: 1,
		EnrolledAt:        now,
		NextScheduledAt:   &scheduledAt,
		Variables:         params.Variables,
	}

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&enrollment).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.SequenceEvent{
			EnrollmentID: enrollment.ID,
			EventType:    models.EventEnrolled,
			Details:      fmt.Sprintf("enrolled via connection %d", connection.ID),
		}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Sequence{}).Where("id = ?", sequence.ID).
			Update("enrolled_count", gorm.Expr("enrolled_count + 1")).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, err
	}

	e.log.WithFields(map[string]interface{}{
		"enrollment_id": enrollment.ID,
		"sequence_id":   sequence.ID,
		"contact_id":    contact.ID,
	}).Info("contact enrolled")

	if params.StartImmediately {
		e.nudge(enrollment.ID)
	}
	return &enrollment, nil
}

// Pause suspends an active enrollment. The wake time is cleared; resuming
// fires the current step immediately rather than after the original delay.
func (e *Engine) Pause(userID, enrollmentID uint, reason string) error {
	now := e.clock.Now()
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND user_id = ? AND status = ?", enrollmentID, userID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":            models.EnrollmentStatusPaused,
			"next_scheduled_at": nil,
			"paused_at":         now,
			"pause_reason":      reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return e.transitionConflict(userID, enrollmentID)
	}
	return e.appendEvent(e.db, enrollmentID, models.EventPaused, nil, reason)
}

// Resume re-activates a paused enrollment and schedules its current step for
// now.
func (e *Engine) Resume(userID, enrollmentID uint) error {
	now := e.clock.Now()
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND user_id = ? AND status = ?", enrollmentID, userID, models.EnrollmentStatusPaused).
		Updates(map[string]interface{}{
			"status":            models.EnrollmentStatusActive,
			"next_scheduled_at": now,
			"paused_at":         nil,
			"pause_reason":      "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return e.transitionConflict(userID, enrollmentID)
	}
	if err := e.appendEvent(e.db, enrollmentID, models.EventResumed, nil, ""); err != nil {
		return err
	}
	e.nudge(enrollmentID)
	return nil
}

// Cancel terminates an active or paused enrollment. A step already in flight
// is harmless: the runner re-checks status before the send, and the send
// itself is idempotent.
func (e *Engine) Cancel(userID, enrollmentID uint, reason string) error {
	now := e.clock.Now()
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND user_id = ? AND status IN ?", enrollmentID, userID,
			[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
		Updates(map[string]interface{}{
			"status":            models.EnrollmentStatusCancelled,
			"next_scheduled_at": nil,
			"completed_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return e.transitionConflict(userID, enrollmentID)
	}
	return e.appendEvent(e.db, enrollmentID, models.EventCancelled, nil, reason)
}

// SetStatus is the user-facing status operation: it accepts active (resume),
// paused and cancelled.
func (e *Engine) SetStatus(userID, enrollmentID uint, status, reason string) error {
	switch status {
	case models.EnrollmentStatusActive:
		return e.Resume(userID, enrollmentID)
	case models.EnrollmentStatusPaused:
		return e.Pause(userID, enrollmentID, reason)
	case models.EnrollmentStatusCancelled:
		return e.Cancel(userID, enrollmentID, reason)
	}
	return fmt.Errorf("%w: cannot set status %q", ErrInvalidTransition, status)
}

// UnsubscribeContact flags the contact and terminates every active enrollment
// it has, across all sequences.
func (e *Engine) UnsubscribeContact(userID, contactID uint) error {
	res := e.db.Model(&models.Contact{}).
		Where("id = ? AND user_id = ?", contactID, userID).
		Update("is_unsubscribed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrContactNotFound
	}

	var enrollments []models.SequenceEnrollment
	if err := e.db.Where("contact_id = ? AND status IN ?", contactID,
		[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
		Find(&enrollments).Error; err != nil {
		return err
	}

	now := e.clock.Now()
	for _, enrollment := range enrollments {
		res := e.db.Model(&models.SequenceEnrollment{}).
			Where("id = ? AND status IN ?", enrollment.ID,
				[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
			Updates(map[string]interface{}{
				"status":            models.EnrollmentStatusUnsubscribed,
				"next_scheduled_at": nil,
				"completed_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			if err := e.appendEvent(e.db, enrollment.ID, models.EventUnsubscribed, nil, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListEvents returns the append-only audit trail for an enrollment, oldest
// first.
func (e *Engine) ListEvents(userID, enrollmentID uint) ([]models.SequenceEvent, error) {
	var enrollment models.SequenceEnrollment
	if err := e.db.Where("id = ? AND user_id = ?", enrollmentID, userID).First(&enrollment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	var events []models.SequenceEvent
	err := e.db.Where("enrollment_id = ?", enrollmentID).Order("id ASC").Find(&events).Error
	return events, err
}

// GetEnrollment loads one enrollment scoped to the user.
func (e *Engine) GetEnrollment(userID, enrollmentID uint) (*models.SequenceEnrollment, error) {
	var enrollment models.SequenceEnrollment
	if err := e.db.Where("id = ? AND user_id = ?", enrollmentID, userID).First(&enrollment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &enrollment, nil
}

// transitionConflict distinguishes a missing enrollment from a conditional
// update that lost its race.
func (e *Engine) transitionConflict(userID, enrollmentID uint) error {
	var count int64
	if err := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND user_id = ?", enrollmentID, userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrEnrollmentNotFound
	}
	return ErrInvalidTransition
}

func (e *Engine) appendEvent(tx *gorm.DB, enrollmentID uint, eventType string, stepNumber *int, details string) error {
	return tx.Create(&models.SequenceEvent{
		EnrollmentID: enrollmentID,
		EventType:    eventType,
		StepNumber:   stepNumber,
		Details:      details,
	}).Error
}

// stepDelay converts a step's delay columns into a duration relative to the
// previous step's completion.
func stepDelay(step *models.SequenceStep) time.Duration {
	return time.Duration(step.DelayDays)*24*time.Hour + time.Duration(step.DelayHours)*time.Hour
}

// nextMidnight returns the next day boundary after t, used to park sends that
// hit the daily cap.
func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}
