package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/config"
)

// Monitor handles the IMAP connection to the reservations mailbox
type Monitor struct {
	config config.InboxConfig
	client *client.Client
	logger *zap.Logger
}

// NewMonitor creates a new inbox monitor
func NewMonitor(cfg config.InboxConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{config: cfg, logger: logger}
}

// Connect establishes IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)

	m.logger.Info("connecting to IMAP server", zap.String("addr", addr))

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	m.client = c
	m.logger.Info("IMAP login successful", zap.String("user", m.config.Email))
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client != nil {
		return m.client.Logout()
	}
	return nil
}

// FetchUnseen fetches up to limit unread emails without marking them read.
// Callers mark them with MarkSeen once they have been handled.
func (m *Monitor) FetchUnseen(ctx context.Context, limit int) ([]Email, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return m.fetch(ctx, criteria, limit)
}

// FetchRecentEmails fetches emails from the last N days, read or not
func (m *Monitor) FetchRecentEmails(ctx context.Context, days int) ([]Email, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = time.Now().AddDate(0, 0, -days)
	return m.fetch(ctx, criteria, 0)
}

func (m *Monitor) fetch(ctx context.Context, criteria *imap.SearchCriteria, limit int) ([]Email, error) {
	if m.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	mbox, err := m.client.Select(m.config.Folder, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit] // oldest first
	}

	m.logger.Debug("mailbox search",
		zap.String("folder", m.config.Folder),
		zap.Uint32("messages", mbox.Messages),
		zap.Int("matched", len(uids)),
	)
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// Peek keeps the \Seen flag untouched until the email is handled
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, messages)
	}()

	var emails []Email
	for msg := range messages {
		if email := m.parseMessage(msg, section); email != nil {
			emails = append(emails, *email)
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return emails, nil
}

// parseMessage converts an IMAP message to an Email
func (m *Monitor) parseMessage(msg *imap.Message, section *imap.BodySectionName) *Email {
	if msg == nil || msg.Envelope == nil {
		return nil
	}

	email := &Email{
		UID:        msg.Uid,
		MessageID:  strings.Trim(msg.Envelope.MessageId, "<>"),
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.Envelope.Date,
	}
	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		email.From = from.Address()
		email.FromName = from.PersonalName
	}

	r := msg.GetBody(section)
	if r == nil {
		return email
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		m.logger.Warn("failed to parse message body", zap.Uint32("uid", msg.Uid), zap.Error(err))
		return email // Return without body on parse error
	}
	email.AutoReply = isAutoSubmitted(mr.Header)
	readParts(mr, email)
	return email
}

// MarkSeen sets the \Seen flag on the given emails
func (m *Monitor) MarkSeen(uids []uint32) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := m.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark emails as seen: %w", err)
	}
	return nil
}

// WatchForNewEmails blocks in IMAP IDLE and calls onNew whenever the
// mailbox changes or the poll interval passes, until ctx is cancelled.
// Unsolicited responses are drained for the whole watch, including while
// onNew runs commands that produce EXPUNGE and FETCH updates.
func (m *Monitor) WatchForNewEmails(ctx context.Context, onNew func(context.Context) error) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}

	if _, err := m.client.Select(m.config.Folder, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	changed, stopDrain := m.drainUpdates()
	defer stopDrain()

	var poll <-chan time.Time
	if interval := m.config.PollInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		poll = ticker.C
	}

	var stop chan struct{}
	idleDone := make(chan error, 1)
	startIdle := func() {
		stop = make(chan struct{})
		go func(stop chan struct{}) {
			idleDone <- m.client.Idle(stop, nil)
		}(stop)
	}
	startIdle()

	m.logger.Info("watching for new emails",
		zap.String("folder", m.config.Folder),
		zap.Duration("poll_interval", m.config.PollInterval()))

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-idleDone
			return ctx.Err()
		case <-changed:
		case <-poll:
		case err := <-idleDone:
			if err != nil {
				return fmt.Errorf("IDLE error: %w", err)
			}
			return nil
		}

		close(stop)
		if err := <-idleDone; err != nil {
			return fmt.Errorf("IDLE error: %w", err)
		}

		if err := onNew(ctx); err != nil {
			m.logger.Error("processing new mail failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		startIdle()
	}
}

// drainUpdates installs an Updates channel on the client and reads it until
// the returned stop func is called. Mailbox updates are coalesced into one
// pending signal on changed.
func (m *Monitor) drainUpdates() (<-chan struct{}, func()) {
	updates := make(chan client.Update, 10)
	changed := make(chan struct{}, 1)
	quit := make(chan struct{})
	done := make(chan struct{})

	m.client.Updates = updates
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				// empty the buffer so a send already in flight cannot block
				for {
					select {
					case <-updates:
					default:
						return
					}
				}
			case update := <-updates:
				if _, ok := update.(*client.MailboxUpdate); !ok {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		}
	}()

	return changed, func() {
		m.client.Updates = nil
		close(quit)
		<-done
	}
}

// EnsureFolderExists creates a folder/label if it doesn't already exist
func (m *Monitor) EnsureFolderExists(name string) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.List("", "*", mailboxes)
	}()

	exists := false
	for mbox := range mailboxes {
		if strings.EqualFold(mbox.Name, name) {
			exists = true
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}
	if exists {
		return nil
	}

	if err := m.client.Create(name); err != nil {
		return fmt.Errorf("failed to create folder '%s': %w", name, err)
	}
	m.logger.Info("created archive folder", zap.String("folder", name))
	return nil
}

// ArchiveEmails moves emails to the archive folder
func (m *Monitor) ArchiveEmails(uids []uint32, folder string) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}
	if len(uids) == 0 {
		return nil
	}

	// Re-select the monitored folder to ensure we're in the right mailbox
	if _, err := m.client.Select(m.config.Folder, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// Try MOVE first (RFC 6851)
	if err := m.client.UidMove(seqSet, folder); err != nil {
		m.logger.Debug("MOVE not supported, falling back to COPY+DELETE", zap.Error(err))

		if err := m.client.UidCopy(seqSet, folder); err != nil {
			return fmt.Errorf("failed to copy emails to '%s': %w", folder, err)
		}

		item := imap.FormatFlagsOp(imap.AddFlags, true)
		flags := []interface{}{imap.DeletedFlag}
		if err := m.client.UidStore(seqSet, item, flags, nil); err != nil {
			return fmt.Errorf("failed to mark emails as deleted: %w", err)
		}

		if err := m.client.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge deleted emails: %w", err)
		}
	}

	m.logger.Info("archived emails", zap.Int("count", len(uids)), zap.String("folder", folder))
	return nil
}
