package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"outreachd/engine"
	"outreachd/models"
	"outreachd/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InboxWorker is the mail-sync side of reply detection: it periodically
// fetches unseen inbound mail for every IMAP-verified connection and hands
// each message's thread references to the engine's reply detector.
type InboxWorker struct {
	db     *gorm.DB
	engine *engine.Engine
	logger *logrus.Entry

	interval time.Duration
}

func NewInboxWorker(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger, interval time.Duration) *InboxWorker {
	return &InboxWorker{
		db:       db,
		engine:   eng,
		logger:   logger.WithField("component", "inbox_worker"),
		interval: interval,
	}
}

func (w *InboxWorker) Start(ctx context.Context) {
	w.logger.WithField("interval", w.interval).Info("starting inbox worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping inbox worker")
			return
		case <-ticker.C:
			w.syncAll()
		}
	}
}

func (w *InboxWorker) syncAll() {
	var connections []models.EmailConnection
	if err := w.db.Where("is_active = ? AND imap_host <> ''", true).Find(&connections).Error; err != nil {
		w.logger.WithError(err).Error("failed to load connections")
		return
	}

	for i := range connections {
		if err := w.syncConnection(&connections[i]); err != nil {
			w.logger.WithError(err).WithField("connection_id", connections[i].ID).
				Warn("inbox sync failed")
		}
	}
}

func (w *InboxWorker) syncConnection(conn *models.EmailConnection) error {
	password, err := utils.Decrypt(conn.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", conn.IMAPHost, conn.IMAPPort)
	imapClient, err := client.DialTLS(addr, &tls.Config{ServerName: conn.IMAPHost})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(conn.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := conn.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, true); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	if conn.LastSyncedAt != nil {
		criteria.Since = *conn.LastSyncedAt
	}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) > 0 {
		seqset := new(imap.SeqSet)
		seqset.AddNum(ids...)

		headerSection := imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier}, Peek: true}
		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, headerSection.FetchItem()}, messages)
		}()

		for msg := range messages {
			w.processMessage(msg, &headerSection)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("error during fetch: %w", err)
		}
	}

	now := time.Now()
	return w.db.Model(&models.EmailConnection{}).Where("id = ?", conn.ID).
		Update("last_synced_at", now).Error
}

// processMessage feeds every thread reference the message carries to the
// reply detector, stopping at the first one that matches a sequence thread.
func (w *InboxWorker) processMessage(msg *imap.Message, headerSection *imap.BodySectionName) {
	if msg.Envelope == nil {
		return
	}

	from := ""
	if len(msg.Envelope.From) > 0 {
		addr := msg.Envelope.From[0]
		from = addr.MailboxName + "@" + addr.HostName
	}

	refs := threadReferences(msg, headerSection)
	for _, ref := range refs {
		matched, err := w.engine.OnInboundMessage(ref, msg.Envelope.MessageId, from)
		if err != nil {
			w.logger.WithError(err).Warn("reply detection failed")
			return
		}
		if matched {
			return
		}
	}
}

// threadReferences collects the In-Reply-To and References message IDs, the
// latter parsed from the raw header section.
func threadReferences(msg *imap.Message, headerSection *imap.BodySectionName) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(raw string) {
		for _, id := range strings.Fields(raw) {
			id = strings.Trim(id, "<>")
			if id != "" && !seen[id] {
				seen[id] = true
				refs = append(refs, id)
			}
		}
	}

	add(msg.Envelope.InReplyTo)

	if literal := msg.GetBody(headerSection); literal != nil {
		if entity, err := message.Read(literal); err == nil {
			add(entity.Header.Get("In-Reply-To"))
			add(entity.Header.Get("References"))
		}
	}
	return refs
}
