package engine

import (
	"outreachd/models"

	"gorm.io/gorm"
)

// reserveSend claims one unit of the connection's daily send budget. The
// increment is a single conditional UPDATE so concurrent enrollments sharing
// a sender can never push the counter past the cap. Returns false when the
// cap is exhausted.
func (e *Engine) reserveSend(connectionID uint) (bool, error) {
	res := e.db.Model(&models.EmailConnection{}).
		Where("id = ? AND sent_today < daily_limit", connectionID).
		Update("sent_today", gorm.Expr("sent_today + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// releaseSend returns a reservation after a send that never went out, so a
// failed attempt does not burn cap.
func (e *Engine) releaseSend(connectionID uint) error {
	return e.db.Model(&models.EmailConnection{}).
		Where("id = ? AND sent_today > 0", connectionID).
		Update("sent_today", gorm.Expr("sent_today - 1")).
		Error
}

// ResetDailyCounters zeroes every connection's daily counter. Called by the
// worker at each midnight boundary.
func (e *Engine) ResetDailyCounters() error {
	return e.db.Model(&models.EmailConnection{}).
		Where("sent_today > 0").
		Update("sent_today", 0).
		Error
}
