package inbox

import (
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset" // non-UTF-8 bodies
	"github.com/emersion/go-message/mail"

	"github.com/staydesk/staydesk/internal/nlp"
)

// Email is a message as retrieved from the mailbox, before normalization
type Email struct {
	UID        uint32 // IMAP UID for flag and move operations
	MessageID  string
	From       string
	FromName   string
	Subject    string
	Body       string
	HTMLBody   string
	ReceivedAt time.Time
	AutoReply  bool // Auto-Submitted or Precedence header marks machine mail
}

// ParseMessage reads a raw RFC 822 message
func ParseMessage(r io.Reader) (*Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	email := &Email{}
	email.Subject, _ = mr.Header.Subject()
	email.MessageID, _ = mr.Header.MessageID()
	email.ReceivedAt, _ = mr.Header.Date()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
		email.FromName = from[0].Name
	}
	email.AutoReply = isAutoSubmitted(mr.Header)

	readParts(mr, email)
	return email, nil
}

// readParts fills the first text/plain and text/html bodies
func readParts(mr *mail.Reader, email *Email) {
	for {
		p, err := mr.NextPart()
		if err != nil {
			return // io.EOF or a broken part; keep what we have
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue // attachments
		}
		ct, _, _ := h.ContentType()
		body, _ := io.ReadAll(p.Body)

		if strings.HasPrefix(ct, "text/plain") && email.Body == "" {
			email.Body = string(body)
		} else if strings.HasPrefix(ct, "text/html") && email.HTMLBody == "" {
			email.HTMLBody = string(body)
		}
	}
}

func isAutoSubmitted(h mail.Header) bool {
	if v := strings.ToLower(h.Get("Auto-Submitted")); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(h.Get("Precedence")) {
	case "bulk", "junk", "list", "auto_reply":
		return true
	}
	return false
}

// Sender patterns of delivery failures and mail system notices
var systemSenders = []string{
	"mailer-daemon", "postmaster", "mail delivery",
	"mail delivery system", "mail delivery subsystem",
	"mailerdaemon", "mailsystem",
}

// Subject patterns of delivery failures and out-of-office replies
var systemSubjects = []string{
	"undeliverable", "delivery failed", "delivery status notification",
	"returned mail", "mail delivery failed", "delivery failure",
	"message not delivered", "could not be delivered",
	"out of office", "automatic reply", "auto-reply", "autoreply",
}

// IsAutomated reports whether the email was generated by a mail system or
// an auto-responder. Such emails never get a reply, which prevents loops
// with other auto-responders.
func (e Email) IsAutomated() bool {
	if e.AutoReply {
		return true
	}

	fromLower := strings.ToLower(e.From)
	fromNameLower := strings.ToLower(e.FromName)
	for _, sender := range systemSenders {
		if strings.Contains(fromLower, sender) || strings.Contains(fromNameLower, sender) {
			return true
		}
	}

	subjectLower := strings.ToLower(e.Subject)
	for _, pattern := range systemSubjects {
		if strings.Contains(subjectLower, pattern) {
			return true
		}
	}
	return false
}

// ToMessage normalizes the email into the pipeline's input. The plain text
// part is preferred; HTML is converted when it is the only body.
func (e Email) ToMessage() (nlp.EmailMessage, error) {
	body, isHTML := e.Body, false
	if strings.TrimSpace(body) == "" {
		body, isHTML = e.HTMLBody, true
	}
	cleaned := nlp.Normalize(e.Subject, body, isHTML)

	id := strings.Trim(e.MessageID, "<> ")
	if id == "" {
		id = fmt.Sprintf("imap-%d", e.UID)
	}

	received := e.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	return nlp.NewEmailMessage(id, e.Subject, cleaned, e.From, received)
}
