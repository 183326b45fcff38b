package engine

import "errors"

// BatchError reports why one contact could not be enrolled.
type BatchError struct {
	ContactID uint   `json:"contact_id"`
	Reason    string `json:"reason"`
}

// BatchResult summarizes a bulk enrollment: already-enrolled contacts count
// as skipped, everything else that fails validation lands in Errors.
type BatchResult struct {
	Enrolled int          `json:"enrolled"`
	Skipped  int          `json:"skipped"`
	Errors   []BatchError `json:"errors"`
}

// BulkEnroll attempts to enroll each contact independently; one contact's
// failure never aborts the batch. Successful enrollments start immediately
// and run on their own schedule, decoupled from this call.
func (e *Engine) BulkEnroll(userID, sequenceID uint, contactIDs []uint, connectionID uint, variables map[string]string) (*BatchResult, error) {
	result := &BatchResult{Errors: []BatchError{}}

	for _, contactID := range contactIDs {
		_, err := e.Enroll(userID, EnrollParams{
			SequenceID:       sequenceID,
			ContactID:        contactID,
			ConnectionID:     connectionID,
			Variables:        variables,
			StartImmediately: true,
		})
		switch {
		case err == nil:
			result.Enrolled++
		case errors.Is(err, ErrAlreadyEnrolled):
			// A pre-existing enrollment is expected on re-runs, not an error.
			result.Skipped++
		default:
			result.Errors = append(result.Errors, BatchError{
				ContactID: contactID,
				Reason:    batchReason(err),
			})
		}
	}

	e.log.WithFields(map[string]interface{}{
		"sequence_id": sequenceID,
		"enrolled":    result.Enrolled,
		"skipped":     result.Skipped,
		"errors":      len(result.Errors),
	}).Info("bulk enrollment finished")
	return result, nil
}

// batchReason maps validation errors to the reasons surfaced to the caller.
func batchReason(err error) string {
	switch {
	case errors.Is(err, ErrContactNotFound):
		return "Contact not found"
	case errors.Is(err, ErrNoEmailAddress):
		return "No email address"
	case errors.Is(err, ErrContactUnsubscribed):
		return "Contact is unsubscribed"
	case errors.Is(err, ErrSequenceNotActive):
		return "Sequence is not active"
	case errors.Is(err, ErrSequenceNoSteps):
		return "Sequence has no steps"
	case errors.Is(err, ErrConnectionNotFound), errors.Is(err, ErrConnectionInactive):
		return "Email connection unavailable"
	default:
		return err.Error()
	}
}
