package utils

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"outreachd/engine"
	"outreachd/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// SMTPMailer sends sequence messages over the enrollment's connection. The
// Message-ID is derived deterministically from (enrollmentID, stepNumber), so
// a retried send after a crash reaches the provider as the same message; the
// thread root is the step-1 ID, threaded via In-Reply-To/References on later
// steps.
type SMTPMailer struct {
	logger *logrus.Entry
}

func NewSMTPMailer(logger *logrus.Logger) *SMTPMailer {
	return &SMTPMailer{logger: logger.WithField("component", "smtp_mailer")}
}

// SequenceMessageID returns the deterministic message ID for one step of an
// enrollment.
func SequenceMessageID(enrollmentID uint, stepNumber int, domain string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("enrollment-%d-step-%d", enrollmentID, stepNumber)))
	return fmt.Sprintf("%s@%s", id.String(), domain)
}

func (m *SMTPMailer) Send(ctx context.Context, conn *models.EmailConnection, msg engine.OutboundMessage) (engine.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.SendResult{}, err
	}

	password, err := Decrypt(conn.SMTPPassword)
	if err != nil {
		return engine.SendResult{}, &engine.SendError{Permanent: true, Reason: "unusable sender credential", Err: err}
	}

	domain := "localhost"
	if at := strings.LastIndex(conn.FromEmail, "@"); at >= 0 {
		domain = conn.FromEmail[at+1:]
	}
	messageID := SequenceMessageID(msg.EnrollmentID, msg.StepNumber, domain)
	threadID := SequenceMessageID(msg.EnrollmentID, 1, domain)

	gm := gomail.NewMessage()
	gm.SetAddressHeader("From", conn.FromEmail, conn.FromName)
	gm.SetAddressHeader("To", msg.To, msg.ToName)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetHeader("Message-ID", "<"+messageID+">")
	if msg.StepNumber > 1 {
		gm.SetHeader("In-Reply-To", "<"+threadID+">")
		gm.SetHeader("References", "<"+threadID+">")
	}
	if msg.BodyText != "" {
		gm.SetBody("text/plain", msg.BodyText)
		if msg.BodyHTML != "" {
			gm.AddAlternative("text/html", msg.BodyHTML)
		}
	} else {
		gm.SetBody("text/html", msg.BodyHTML)
	}

	dialer := gomail.NewDialer(conn.SMTPHost, conn.SMTPPort, conn.SMTPUsername, password)
	dialer.SSL = strings.EqualFold(conn.Encryption, "SSL")

	if err := dialer.DialAndSend(gm); err != nil {
		return engine.SendResult{}, classifySendError(err)
	}

	m.logger.WithFields(map[string]interface{}{
		"to":         msg.To,
		"message_id": messageID,
	}).Debug("message dispatched")
	return engine.SendResult{MessageID: messageID, ThreadID: threadID}, nil
}

// classifySendError maps SMTP failures onto the engine's taxonomy: 5xx
// responses are permanent, everything else (timeouts, 4xx throttling) is
// transient.
func classifySendError(err error) *engine.SendError {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return &engine.SendError{Permanent: true, Reason: "smtp rejection", Err: err}
	}
	msg := err.Error()
	if len(msg) >= 3 && msg[0] == '5' && msg[1] >= '0' && msg[1] <= '9' && msg[2] >= '0' && msg[2] <= '9' {
		return &engine.SendError{Permanent: true, Reason: "smtp rejection", Err: err}
	}
	return &engine.SendError{Permanent: false, Reason: "smtp delivery failed", Err: err}
}
