package engine

import (
	"context"
	"errors"
	"time"

	"outreachd/models"

	"github.com/getsentry/sentry-go"
	"gorm.io/gorm"
)

// ClaimDue claims up to limit enrollments whose wake time has passed. A claim
// atomically nulls next_scheduled_at and stamps processing_started_at, so two
// dispatchers can never execute the same enrollment concurrently: an active
// row with a null schedule is mid-send, which is the one shape the state
// invariant permits.
func (e *Engine) ClaimDue(limit int) ([]uint, error) {
	now := e.clock.Now()

	var due []uint
	if err := e.db.Model(&models.SequenceEnrollment{}).
		Where("status = ? AND next_scheduled_at IS NOT NULL AND next_scheduled_at <= ?",
			models.EnrollmentStatusActive, now).
		Order("next_scheduled_at ASC").
		Limit(limit).
		Pluck("id", &due).Error; err != nil {
		return nil, err
	}

	claimed := make([]uint, 0, len(due))
	for _, id := range due {
		ok, err := e.Claim(id)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

// Claim attempts to take ownership of one due enrollment. Returns false when
// it is not due, already claimed, or no longer active.
func (e *Engine) Claim(enrollmentID uint) (bool, error) {
	now := e.clock.Now()
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ? AND next_scheduled_at IS NOT NULL AND next_scheduled_at <= ?",
			enrollmentID, models.EnrollmentStatusActive, now).
		Updates(map[string]interface{}{
			"next_scheduled_at":     nil,
			"processing_started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReapStalled re-schedules active enrollments that were claimed but never
// finished, which happens when a worker dies mid-step. The message-row check
// in ExecuteStep plus the transport idempotency key make the re-execution
// safe.
func (e *Engine) ReapStalled(stallTimeout time.Duration) (int64, error) {
	cutoff := e.clock.Now().Add(-stallTimeout)
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("status = ? AND next_scheduled_at IS NULL AND processing_started_at IS NOT NULL AND processing_started_at < ?",
			models.EnrollmentStatusActive, cutoff).
		Updates(map[string]interface{}{
			"next_scheduled_at":     e.clock.Now(),
			"processing_started_at": nil,
		})
	if res.RowsAffected > 0 {
		e.log.WithField("count", res.RowsAffected).Warn("re-scheduled stalled enrollments")
	}
	return res.RowsAffected, res.Error
}

// ExecuteStep runs one wake of a claimed enrollment: re-check state, send the
// current step if it is an enabled email step, advance the pointer. Every
// mutation is safe under at-least-once re-execution.
func (e *Engine) ExecuteStep(ctx context.Context, enrollmentID uint) error {
	var enrollment models.SequenceEnrollment
	if err := e.db.First(&enrollment, enrollmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEnrollmentNotFound
		}
		return err
	}

	// Stale wake after a pause/cancel/reply race: nothing to do.
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil
	}

	// A reply may have landed after scheduling but before execution.
	replied, err := e.hasRecordedReply(enrollment.ID)
	if err != nil {
		return err
	}
	if replied {
		return e.markReplied(&enrollment, "reply detected before send")
	}

	var steps []models.SequenceStep
	if err := e.db.Where("sequence_id = ?", enrollment.SequenceID).
		Order("step_number ASC").Find(&steps).Error; err != nil {
		return err
	}
	if len(steps) == 0 || enrollment.CurrentStepNumber > len(steps) {
		return e.complete(&enrollment)
	}

	step := findStep(steps, enrollment.CurrentStepNumber)
	if step == nil {
		return e.complete(&enrollment)
	}

	// Only enabled email steps produce a send. Disabled steps are skipped
	// with zero delay; wait/task steps spend their delay and then advance.
	if step.IsEnabled && step.StepType == models.StepTypeEmail {
		sent, err := e.sendStep(ctx, &enrollment, step)
		if err != nil || !sent {
			return err
		}
	}

	return e.advance(&enrollment, steps, step.StepNumber)
}

// sendStep performs the irreversible side effect for one step. Returns false
// when the enrollment should not advance (cap exhausted, transient failure,
// terminal transition).
func (e *Engine) sendStep(ctx context.Context, enrollment *models.SequenceEnrollment, step *models.SequenceStep) (bool, error) {
	// Crash recovery: a message row means this step already went out before
	// the pointer advanced. Skip straight to the advance.
	var existing models.SequenceMessage
	err := e.db.Where("enrollment_id = ? AND step_number = ?", enrollment.ID, step.StepNumber).
		First(&existing).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	var contact models.Contact
	if err := e.db.First(&contact, enrollment.ContactID).Error; err != nil {
		return false, err
	}
	var connection models.EmailConnection
	if err := e.db.First(&connection, enrollment.ConnectionID).Error; err != nil {
		return false, err
	}

	reserved, err := e.reserveSend(connection.ID)
	if err != nil {
		return false, err
	}
	if !reserved {
		// Daily cap exhausted: park until the next day boundary instead of
		// failing the enrollment.
		return false, e.reschedule(enrollment, nextMidnight(e.clock.Now()))
	}

	variables := MergeVariables(&contact, enrollment.Variables)
	msg := OutboundMessage{
		EnrollmentID: enrollment.ID,
		StepNumber:   step.StepNumber,
		To:           contact.Email,
		ToName:       contact.FullName(),
		Subject:      Render(step.Subject, variables),
		BodyHTML:     Render(step.BodyHTML, variables),
		BodyText:     Render(step.BodyText, variables),
	}

	// Authoritative state check immediately before the irreversible side
	// effect: a pause/cancel/reply that won the race aborts the send.
	var current models.SequenceEnrollment
	if err := e.db.First(&current, enrollment.ID).Error; err != nil {
		return false, err
	}
	if current.Status != models.EnrollmentStatusActive {
		return false, e.releaseSend(connection.ID)
	}

	result, err := e.sendWithRetry(ctx, &connection, msg)
	if err != nil {
		if releaseErr := e.releaseSend(connection.ID); releaseErr != nil {
			e.log.WithError(releaseErr).Warn("failed to release send reservation")
		}
		if IsPermanent(err) {
			sentry.CaptureException(err)
			return false, e.markBounced(enrollment, step.StepNumber, err.Error())
		}
		e.log.WithError(err).WithField("enrollment_id", enrollment.ID).
			Warn("transient send failure, rescheduling")
		return false, e.reschedule(enrollment, e.clock.Now().Add(e.retryInterval))
	}

	now := e.clock.Now()
	stepNumber := step.StepNumber
	err = e.db.Transaction(func(tx *gorm.DB) error {
		message := models.SequenceMessage{
			EnrollmentID: enrollment.ID,
			StepNumber:   stepNumber,
			ConnectionID: connection.ID,
			MessageID:    result.MessageID,
			ThreadID:     result.ThreadID,
			To:           contact.Email,
			Subject:      msg.Subject,
			SentAt:       now,
		}
		if err := tx.Create(&message).Error; err != nil {
			// A concurrent retry of the same step already recorded it.
			if isDuplicateKey(err) {
				return nil
			}
			return err
		}
		if err := tx.Create(&models.SequenceEvent{
			EnrollmentID: enrollment.ID,
			EventType:    models.EventSent,
			StepNumber:   &stepNumber,
			Details:      "message " + result.MessageID,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.SequenceStep{}).Where("id = ?", step.ID).
			Update("sent_count", gorm.Expr("sent_count + 1")).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.EmailConnection{}).Where("id = ?", connection.ID).
			Update("total_sent", gorm.Expr("total_sent + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&models.Contact{}).Where("id = ?", contact.ID).
			Update("last_contact", now).Error
	})
	if err != nil {
		return false, err
	}

	e.log.WithFields(map[string]interface{}{
		"enrollment_id": enrollment.ID,
		"step_number":   stepNumber,
		"to":            contact.Email,
	}).Info("sequence step sent")
	return true, nil
}

// sendWithRetry retries transient failures with bounded exponential backoff.
// Permanent failures return immediately.
func (e *Engine) sendWithRetry(ctx context.Context, conn *models.EmailConnection, msg OutboundMessage) (SendResult, error) {
	var lastErr error
	backoff := e.sendBackoff
	for attempt := 1; attempt <= e.sendAttempts; attempt++ {
		result, err := e.mailer.Send(ctx, conn, msg)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if IsPermanent(err) {
			return SendResult{}, err
		}
		if attempt < e.sendAttempts {
			select {
			case <-ctx.Done():
				return SendResult{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return SendResult{}, lastErr
}

// advance moves the pointer to the next enabled step, or completes the
// enrollment when none remains. The update is conditional on the enrollment
// still being active so a racing cancel keeps its terminal state.
func (e *Engine) advance(enrollment *models.SequenceEnrollment, steps []models.SequenceStep, fromStepNumber int) error {
	next := nextEnabledStep(steps, fromStepNumber)
	if next == nil {
		return e.complete(enrollment)
	}

	scheduledAt := e.clock.Now().Add(stepDelay(next))
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"current_step_id":       next.ID,
			"current_step_number":   next.StepNumber,
			"next_scheduled_at":     scheduledAt,
			"processing_started_at": nil,
		})
	return res.Error
}

// reschedule parks an active enrollment for a later wake without moving the
// pointer.
func (e *Engine) reschedule(enrollment *models.SequenceEnrollment, at time.Time) error {
	return e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"next_scheduled_at":     at,
			"processing_started_at": nil,
		}).Error
}

func (e *Engine) complete(enrollment *models.SequenceEnrollment) error {
	now := e.clock.Now()
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":                models.EnrollmentStatusCompleted,
			"next_scheduled_at":     nil,
			"completed_at":          now,
			"processing_started_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := e.db.Model(&models.Sequence{}).Where("id = ?", enrollment.SequenceID).
		Update("completed_count", gorm.Expr("completed_count + 1")).Error; err != nil {
		return err
	}
	return e.appendEvent(e.db, enrollment.ID, models.EventCompleted, nil, "")
}

func (e *Engine) markBounced(enrollment *models.SequenceEnrollment, stepNumber int, details string) error {
	now := e.clock.Now()
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":                models.EnrollmentStatusBounced,
			"next_scheduled_at":     nil,
			"completed_at":          now,
			"processing_started_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := e.db.Model(&models.Contact{}).Where("id = ?", enrollment.ContactID).
		Update("is_bounced", true).Error; err != nil {
		return err
	}
	return e.appendEvent(e.db, enrollment.ID, models.EventBounced, &stepNumber, details)
}

func findStep(steps []models.SequenceStep, stepNumber int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepNumber == stepNumber {
			return &steps[i]
		}
	}
	return nil
}

func nextEnabledStep(steps []models.SequenceStep, after int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepNumber > after && steps[i].IsEnabled {
			return &steps[i]
		}
	}
	return nil
}
