package email

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v2"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridSender delivers replies through the SendGrid v3 mail API
type SendGridSender struct {
	client *sendgrid.Client
}

// NewSendGridSender creates a SendGrid sender. An empty host uses the
// public API.
func NewSendGridSender(apiKey, host string) *SendGridSender {
	request := sendgrid.GetRequest(apiKey, "/v3/mail/send", host)
	request.Method = "POST"
	return &SendGridSender{client: &sendgrid.Client{Request: request}}
}

func (s *SendGridSender) Name() string { return "sendgrid" }

func (s *SendGridSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	from := sgmail.NewEmail(msg.FromName, msg.From)
	to := sgmail.NewEmail("", msg.To)
	m := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Body, "")
	if ref := threadID(msg.InReplyTo); ref != "" {
		m.SetHeader("In-Reply-To", ref)
		m.SetHeader("References", ref)
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("sendgrid: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return Result{Success: false, Error: fmt.Errorf("sendgrid: status %d", resp.StatusCode)}
	}

	id := ""
	if v := resp.Headers["X-Message-Id"]; len(v) > 0 {
		id = v[0]
	}
	return Result{Success: true, MessageID: id}
}

// ResendSender delivers replies through the Resend API
type ResendSender struct {
	client *resend.Client
}

// NewResendSender creates a Resend sender. An empty baseURL uses the
// public API.
func NewResendSender(apiKey, baseURL string) *ResendSender {
	client := resend.NewClient(apiKey)
	if baseURL != "" {
		if u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/"); err == nil {
			client.BaseURL = u
		}
	}
	return &ResendSender{client: client}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	params := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	}
	if ref := threadID(msg.InReplyTo); ref != "" {
		params.Headers = map[string]string{"In-Reply-To": ref, "References": ref}
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("resend: %w", err)}
	}
	return Result{Success: true, MessageID: sent.Id}
}
