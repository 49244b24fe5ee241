package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/config"
)

// Message is one outgoing reply
type Message struct {
	To        string
	From      string
	FromName  string
	Subject   string
	Body      string
	InReplyTo string // Message-ID of the guest email, threads the reply
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewSender builds the sender selected by cfg.Provider. DryRun wraps
// nothing and only logs what would have been sent.
func NewSender(cfg config.EmailConfig, logger *zap.Logger) (Sender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DryRun {
		return NewLogSender(logger), nil
	}

	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP), nil
	case "sendgrid":
		return NewSendGridSender(cfg.SendGridAPIKey, ""), nil
	case "resend":
		return NewResendSender(cfg.ResendAPIKey, ""), nil
	}
	return nil, fmt.Errorf("unknown email provider: %s (smtp, sendgrid or resend)", cfg.Provider)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject+msg.FromName+msg.InReplyTo, "\r\n") {
		return fmt.Errorf("header contains invalid characters")
	}
	return nil
}

// threadID wraps a bare message id in angle brackets for In-Reply-To
func threadID(id string) string {
	id = strings.Trim(strings.TrimSpace(id), "<>")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

// LogSender sends nothing; it records the reply in the log
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "dry-run" }

func (s *LogSender) Send(_ context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}
	s.logger.Info("dry run: reply not sent",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_len", len(msg.Body)),
	)
	return Result{Success: true, MessageID: "dry-run"}
}
