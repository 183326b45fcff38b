package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"outreachd/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testUserID = uint(1)

var testDBCounter int64

// fakeClock drives the scheduler deterministically in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubMailer records sends and fails on demand.
type stubMailer struct {
	mu   sync.Mutex
	sent []OutboundMessage
	err  error
}

func (m *stubMailer) Send(_ context.Context, _ *models.EmailConnection, msg OutboundMessage) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return SendResult{}, m.err
	}
	m.sent = append(m.sent, msg)
	return SendResult{
		MessageID: fmt.Sprintf("msg-%d-%d", msg.EnrollmentID, msg.StepNumber),
		ThreadID:  fmt.Sprintf("thread-%d", msg.EnrollmentID),
	}, nil
}

func (m *stubMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *stubMailer) failWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *stubMailer, *fakeClock, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:enginetest%d?mode=memory&cache=shared", atomic.AddInt64(&testDBCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Contact{},
		&models.EmailConnection{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceEnrollment{},
		&models.SequenceEvent{},
		&models.SequenceMessage{},
	))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mailer := &stubMailer{}
	eng := NewEngine(db, mailer, logger)

	clk := newFakeClock(time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	eng.clock = clk
	eng.sendBackoff = time.Millisecond

	return eng, mailer, clk, db
}

func makeStep(number, delayDays, delayHours int, enabled bool) models.SequenceStep {
	return models.SequenceStep{
		StepNumber: number,
		StepType:   models.StepTypeEmail,
		DelayDays:  delayDays,
		DelayHours: delayHours,
		Subject:    fmt.Sprintf("Step %d: hello {{firstName}}", number),
		BodyText:   fmt.Sprintf("Body of step %d for {{firstName}} at {{company}}", number),
		IsEnabled:  enabled,
	}
}

func seedSequence(t *testing.T, db *gorm.DB, status string, steps ...models.SequenceStep) *models.Sequence {
	t.Helper()
	sequence := models.Sequence{UserID: testUserID, Name: "Outbound Q2", Status: status}
	require.NoError(t, db.Create(&sequence).Error)
	for i := range steps {
		steps[i].SequenceID = sequence.ID
		require.NoError(t, db.Create(&steps[i]).Error)
	}
	sequence.Steps = steps
	return &sequence
}

func seedContact(t *testing.T, db *gorm.DB, email string) *models.Contact {
	t.Helper()
	contact := models.Contact{
		UserID:    testUserID,
		Email:     email,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Company:   "Analytical Engines Ltd",
	}
	require.NoError(t, db.Create(&contact).Error)
	return &contact
}

func seedConnection(t *testing.T, db *gorm.DB, dailyLimit int) *models.EmailConnection {
	t.Helper()
	connection := models.EmailConnection{
		UserID:     testUserID,
		Name:       "Primary",
		FromEmail:  "ada@example.com",
		FromName:   "Ada",
		IsActive:   true,
		DailyLimit: dailyLimit,
	}
	require.NoError(t, db.Create(&connection).Error)
	return &connection
}

func reloadEnrollment(t *testing.T, db *gorm.DB, id uint) *models.SequenceEnrollment {
	t.Helper()
	var enrollment models.SequenceEnrollment
	require.NoError(t, db.First(&enrollment, id).Error)
	return &enrollment
}

func countEvents(t *testing.T, db *gorm.DB, enrollmentID uint, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.SequenceEvent{}).
		Where("enrollment_id = ? AND event_type = ?", enrollmentID, eventType).
		Count(&count).Error)
	return count
}
