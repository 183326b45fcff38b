package engine

import (
	"errors"

	"outreachd/models"

	"gorm.io/gorm"
)

// OnInboundMessage correlates a newly-synced inbound message to a sequence
// thread. The reference is matched against both the thread root and the
// individual outbound message IDs, so a reply to any step counts. Returns
// true when the message belonged to a sequence thread.
//
// This runs from the mail-sync pipeline, independently of the runner; the
// runner re-checks for a recorded reply right before every send, so the two
// are safe to race.
func (e *Engine) OnInboundMessage(threadRef, inboundMessageID, from string) (bool, error) {
	if threadRef == "" {
		return false, nil
	}

	var message models.SequenceMessage
	err := e.db.Where("thread_id = ? OR message_id = ?", threadRef, threadRef).
		First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if message.RepliedAt == nil {
		now := e.clock.Now()
		if err := e.db.Model(&models.SequenceMessage{}).
			Where("id = ? AND replied_at IS NULL", message.ID).
			Update("replied_at", now).Error; err != nil {
			return true, err
		}
	}

	var enrollment models.SequenceEnrollment
	if err := e.db.First(&enrollment, message.EnrollmentID).Error; err != nil {
		return true, err
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return true, nil
	}

	details := "reply from " + from
	if err := e.markReplied(&enrollment, details); err != nil {
		return true, err
	}

	e.log.WithFields(map[string]interface{}{
		"enrollment_id": enrollment.ID,
		"message_id":    inboundMessageID,
	}).Info("reply detected, enrollment stopped")
	return true, nil
}

// hasRecordedReply reports whether any outbound message of this enrollment
// has already received a reply.
func (e *Engine) hasRecordedReply(enrollmentID uint) (bool, error) {
	var count int64
	err := e.db.Model(&models.SequenceMessage{}).
		Where("enrollment_id = ? AND replied_at IS NOT NULL", enrollmentID).
		Count(&count).Error
	return count > 0, err
}

// markReplied transitions an active enrollment to replied. The conditional
// update makes the flip first-writer-wins against the runner and user
// actions.
func (e *Engine) markReplied(enrollment *models.SequenceEnrollment, details string) error {
	now := e.clock.Now()
	res := e.db.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":                models.EnrollmentStatusReplied,
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
		Update("reply_count", gorm.Expr("reply_count + 1")).Error; err != nil {
		return err
	}
	if err := e.db.Model(&models.EmailConnection{}).Where("id = ?", enrollment.ConnectionID).
		Update("reply_count", gorm.Expr("reply_count + 1")).Error; err != nil {
		return err
	}
	return e.appendEvent(e.db, enrollment.ID, models.EventReplied, nil, details)
}
