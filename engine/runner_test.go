package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"outreachd/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enrollActive(t *testing.T, eng *Engine, sequenceID, contactID, connectionID uint) *models.SequenceEnrollment {
	t.Helper()
	enrollment, err := eng.Enroll(testUserID, EnrollParams{
		SequenceID:       sequenceID,
		ContactID:        contactID,
		ConnectionID:     connectionID,
		StartImmediately: true,
	})
	require.NoError(t, err)
	return enrollment
}

func TestExecuteStepSendsAndAdvances(t *testing.T) {
	eng, mailer, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive,
		makeStep(1, 0, 0, true), makeStep(2, 1, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)

	claimed, err := eng.ClaimDue(10)
	require.NoError(t, err)
	require.Equal(t, []uint{enrollment.ID}, claimed)

	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	require.Equal(t, 1, mailer.sentCount())
	sent := mailer.sent[0]
	assert.Equal(t, "ada@example.com", sent.To)
	assert.Equal(t, "Step 1: hello Ada", sent.Subject)
	assert.Contains(t, sent.BodyText, "Ada at Analytical Engines Ltd")

	advanced := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, advanced.Status)
	assert.Equal(t, 2, advanced.CurrentStepNumber)
	require.NotNil(t, advanced.NextScheduledAt)
	assert.WithinDuration(t, clk.Now().Add(24*time.Hour), *advanced.NextScheduledAt, time.Second)
	assert.Nil(t, advanced.ProcessingStartedAt)

	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventSent))

	var message models.SequenceMessage
	require.NoError(t, db.Where("enrollment_id = ?", enrollment.ID).First(&message).Error)
	assert.Equal(t, 1, message.StepNumber)
	assert.NotEmpty(t, message.MessageID)
	assert.NotEmpty(t, message.ThreadID)

	var reloadedConnection models.EmailConnection
	require.NoError(t, db.First(&reloadedConnection, connection.ID).Error)
	assert.Equal(t, 1, reloadedConnection.SentToday)
	assert.Equal(t, 1, reloadedConnection.TotalSent)

	var step models.SequenceStep
	require.NoError(t, db.Where("sequence_id = ? AND step_number = 1", sequence.ID).First(&step).Error)
	assert.Equal(t, 1, step.SentCount)
}

func TestExecuteStepIsIdempotentAfterCrash(t *testing.T) {
	eng, mailer, _, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive,
		makeStep(1, 0, 0, true), makeStep(2, 1, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	_, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))
	require.Equal(t, 1, mailer.sentCount())

	// Simulate a crash after the send but before the pointer advanced: the
	// message row exists, the enrollment still points at step 1.
	require.NoError(t, db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", enrollment.ID).
		Updates(map[string]interface{}{
			"current_step_number": 1,
			"next_scheduled_at":   nil,
		}).Error)

	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	// The recorded message suppresses the duplicate send; the wake only
	// re-advances the pointer.
	assert.Equal(t, 1, mailer.sentCount())
	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventSent))

	recovered := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, 2, recovered.CurrentStepNumber)

	var messages int64
	require.NoError(t, db.Model(&models.SequenceMessage{}).
		Where("enrollment_id = ?", enrollment.ID).Count(&messages).Error)
	assert.EqualValues(t, 1, messages)
}

func TestClaimIsExclusive(t *testing.T) {
	eng, _, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive, makeStep(1, 0, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)

	ok, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.Claim(enrollment.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a claimed enrollment has no wake time left to claim")

	claimed := reloadEnrollment(t, db, enrollment.ID)
	assert.Nil(t, claimed.NextScheduledAt)
	require.NotNil(t, claimed.ProcessingStartedAt)
	assert.WithinDuration(t, clk.Now(), *claimed.ProcessingStartedAt, time.Second)
}

func TestClaimIgnoresFutureAndPaused(t *testing.T) {
	eng, _, _, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive, makeStep(1, 1, 0, true))
	connection := seedConnection(t, db, 100)

	future := seedContact(t, db, "future@example.com")
	deferred, err := eng.Enroll(testUserID, EnrollParams{
		SequenceID: sequence.ID, ContactID: future.ID, ConnectionID: connection.ID,
	})
	require.NoError(t, err)

	held := seedContact(t, db, "held@example.com")
	paused := enrollActive(t, eng, sequence.ID, held.ID, connection.ID)
	require.NoError(t, eng.Pause(testUserID, paused.ID, ""))

	ok, err := eng.Claim(deferred.ID)
	require.NoError(t, err)
	assert.False(t, ok, "not due for another day")

	ok, err = eng.Claim(paused.ID)
	require.NoError(t, err)
	assert.False(t, ok, "paused enrollments never fire")

	claimed, err := eng.ClaimDue(10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestReapStalledRecoversOrphanedClaims(t *testing.T) {
	eng, _, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive, makeStep(1, 0, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	ok, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Too early: the claim is still considered in flight.
	clk.Advance(5 * time.Minute)
	reaped, err := eng.ReapStalled(10 * time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 0, reaped)

	clk.Advance(6 * time.Minute)
	reaped, err = eng.ReapStalled(10 * time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reaped)

	recovered := reloadEnrollment(t, db, enrollment.ID)
	require.NotNil(t, recovered.NextScheduledAt)
	assert.Nil(t, recovered.ProcessingStartedAt)

	ok, err = eng.Claim(enrollment.ID)
	require.NoError(t, err)
	assert.True(t, ok, "reaped enrollment is claimable again")
}

func TestDisabledStepsAreSkipped(t *testing.T) {
	eng, mailer, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive,
		makeStep(1, 0, 0, true),
		makeStep(2, 5, 0, false),
		makeStep(3, 2, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	_, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	// Step 2 is disabled: the pointer jumps to step 3 with step 3's delay,
	// the disabled step contributes nothing.
	advanced := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, 3, advanced.CurrentStepNumber)
	require.NotNil(t, advanced.NextScheduledAt)
	assert.WithinDuration(t, clk.Now().Add(2*24*time.Hour), *advanced.NextScheduledAt, time.Second)
	assert.Equal(t, 1, mailer.sentCount())
}

func TestWakeOnDisabledStepSendsNothing(t *testing.T) {
	eng, mailer, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive,
		makeStep(1, 0, 0, false), makeStep(2, 1, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	_, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	assert.Equal(t, 0, mailer.sentCount())
	assert.EqualValues(t, 0, countEvents(t, db, enrollment.ID, models.EventSent))

	advanced := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, 2, advanced.CurrentStepNumber)
	require.NotNil(t, advanced.NextScheduledAt)
	assert.WithinDuration(t, clk.Now().Add(24*time.Hour), *advanced.NextScheduledAt, time.Second)
}

func TestNonEmailStepAdvancesWithoutSending(t *testing.T) {
	eng, mailer, _, db := newTestEngine(t)
	task := makeStep(1, 0, 0, true)
	task.StepType = models.StepTypeTask
	sequence := seedSequence(t, db, models.SequenceStatusActive, task, makeStep(2, 1, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	_, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	assert.Equal(t, 0, mailer.sentCount())
	advanced := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, 2, advanced.CurrentStepNumber)
}

func TestExhaustedCapParksUntilNextDay(t *testing.T) {
	eng, mailer, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive, makeStep(1, 0, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 1)
	require.NoError(t, db.Model(connection).Update("sent_today", 1).Error)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	_, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	assert.Equal(t, 0, mailer.sentCount())

	parked := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, parked.Status)
	assert.Equal(t, 1, parked.CurrentStepNumber, "pointer must not advance on a parked send")
	require.NotNil(t, parked.NextScheduledAt)
	wantWake := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	assert.WithinDuration(t, wantWake, *parked.NextScheduledAt, time.Second)

	// After the counter reset the parked send goes out.
	require.NoError(t, eng.ResetDailyCounters())
	clk.Advance(16 * time.Hour)
	ok, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))
	assert.Equal(t, 1, mailer.sentCount())
}

func TestPermanentSendFailureBouncesEnrollment(t *testing.T) {
	eng, mailer, _, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive, makeStep(1, 0, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	mailer.failWith(&SendError{Permanent: true, Reason: "550 mailbox unavailable"})

	_, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	bounced := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusBounced, bounced.Status)
	assert.Nil(t, bounced.NextScheduledAt)
	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventBounced))

	var reloadedContact models.Contact
	require.NoError(t, db.First(&reloadedContact, contact.ID).Error)
	assert.True(t, reloadedContact.IsBounced)

	// The failed attempt does not burn daily budget.
	var reloadedConnection models.EmailConnection
	require.NoError(t, db.First(&reloadedConnection, connection.ID).Error)
	assert.Equal(t, 0, reloadedConnection.SentToday)
}

func TestTransientSendFailureReschedules(t *testing.T) {
	eng, mailer, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive, makeStep(1, 0, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	mailer.failWith(errors.New("dial tcp: connection refused"))

	_, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	retried := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, retried.Status)
	assert.Equal(t, 1, retried.CurrentStepNumber)
	require.NotNil(t, retried.NextScheduledAt)
	assert.WithinDuration(t, clk.Now().Add(15*time.Minute), *retried.NextScheduledAt, time.Second)

	assert.EqualValues(t, 0, countEvents(t, db, enrollment.ID, models.EventSent))
	var reloadedConnection models.EmailConnection
	require.NoError(t, db.First(&reloadedConnection, connection.ID).Error)
	assert.Equal(t, 0, reloadedConnection.SentToday)

	// The transport recovered by the next wake.
	mailer.failWith(nil)
	clk.Advance(15 * time.Minute)
	ok, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))
	assert.Equal(t, 1, mailer.sentCount())
}

func TestStaleWakeIsNoOp(t *testing.T) {
	eng, mailer, _, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive, makeStep(1, 0, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	require.NoError(t, eng.Cancel(testUserID, enrollment.ID, ""))

	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	assert.Equal(t, 0, mailer.sentCount())
	cancelled := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCancelled, cancelled.Status)
	assert.Equal(t, 1, cancelled.CurrentStepNumber)
}

func TestReplyRecordedBeforeWakeStopsEnrollment(t *testing.T) {
	eng, mailer, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive,
		makeStep(1, 0, 0, true), makeStep(2, 1, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)
	_, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))
	require.Equal(t, 1, mailer.sentCount())

	// A reply lands on the step-1 message while step 2 is waiting.
	require.NoError(t, db.Model(&models.SequenceMessage{}).
		Where("enrollment_id = ?", enrollment.ID).
		Update("replied_at", clk.Now()).Error)

	clk.Advance(24 * time.Hour)
	ok, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))

	// Step 2 never goes out.
	assert.Equal(t, 1, mailer.sentCount())
	replied := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusReplied, replied.Status)
	assert.Nil(t, replied.NextScheduledAt)
	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventReplied))
}

func TestFullRunCompletes(t *testing.T) {
	eng, mailer, clk, db := newTestEngine(t)
	sequence := seedSequence(t, db, models.SequenceStatusActive,
		makeStep(1, 0, 0, true), makeStep(2, 1, 0, true))
	contact := seedContact(t, db, "ada@example.com")
	connection := seedConnection(t, db, 100)

	enrollment := enrollActive(t, eng, sequence.ID, contact.ID, connection.ID)

	for i := 0; i < 2; i++ {
		ok, err := eng.Claim(enrollment.ID)
		require.NoError(t, err)
		require.True(t, ok, "wake %d", i+1)
		require.NoError(t, eng.ExecuteStep(context.Background(), enrollment.ID))
		clk.Advance(24 * time.Hour)
	}

	assert.Equal(t, 2, mailer.sentCount())
	assert.EqualValues(t, 2, countEvents(t, db, enrollment.ID, models.EventSent))

	done := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, done.Status)
	assert.Nil(t, done.NextScheduledAt)
	assert.NotNil(t, done.CompletedAt)
	assert.EqualValues(t, 1, countEvents(t, db, enrollment.ID, models.EventCompleted))

	var reloadedSequence models.Sequence
	require.NoError(t, db.First(&reloadedSequence, sequence.ID).Error)
	assert.Equal(t, 1, reloadedSequence.CompletedCount)

	// A completed enrollment never fires again.
	ok, err := eng.Claim(enrollment.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
