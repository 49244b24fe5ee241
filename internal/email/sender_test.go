package email

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/staydesk/staydesk/internal/config"
)

func reply() Message {
	return Message{
		To:        "guest@example.com",
		From:      "desk@hotel.example",
		FromName:  "Seaside Inn",
		Subject:   "Re: Rooms in May",
		Body:      "Hello,\nwe have rooms.",
		InReplyTo: "abc@example.com",
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email   string
		wantErr bool
	}{
		{"guest@example.com", false},
		{"Guest <guest@example.com>", false},
		{"not-an-address", true},
		{"a@example.com,b@example.com", true},
		{"a@example.com\r\nBcc: x@example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			if err := ValidateEmail(tt.email); (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail(%q) error = %v, wantErr %v", tt.email, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMessageRejectsHeaderInjection(t *testing.T) {
	msg := reply()
	msg.Subject = "Re: hi\r\nBcc: victim@example.com"
	if err := validateMessage(msg); err == nil {
		t.Error("validateMessage() error = nil for CRLF in subject")
	}
}

func TestBuildMessage(t *testing.T) {
	data := string(buildMessage(reply(), "<id@hotel.example>"))

	for _, want := range []string{
		"From: \"Seaside Inn\" <desk@hotel.example>\r\n",
		"To: guest@example.com\r\n",
		"Subject: Re: Rooms in May\r\n",
		"Message-ID: <id@hotel.example>\r\n",
		"In-Reply-To: <abc@example.com>\r\n",
		"References: <abc@example.com>\r\n",
		"Auto-Submitted: auto-replied\r\n",
		"\r\n\r\nHello,\r\nwe have rooms.",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("message missing %q:\n%s", want, data)
		}
	}
}

func TestThreadID(t *testing.T) {
	tests := map[string]string{
		"abc@example.com":   "<abc@example.com>",
		"<abc@example.com>": "<abc@example.com>",
		"  ":                "",
	}
	for in, want := range tests {
		if got := threadID(in); got != want {
			t.Errorf("threadID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewSender(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.EmailConfig
		wantName string
		wantErr  bool
	}{
		{"default smtp", config.EmailConfig{}, "smtp", false},
		{"sendgrid", config.EmailConfig{Provider: "sendgrid", SendGridAPIKey: "k"}, "sendgrid", false},
		{"resend", config.EmailConfig{Provider: "resend", ResendAPIKey: "k"}, "resend", false},
		{"dry run wins", config.EmailConfig{Provider: "sendgrid", DryRun: true}, "dry-run", false},
		{"unknown", config.EmailConfig{Provider: "fax"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSender(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSender() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && s.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", s.Name(), tt.wantName)
			}
		})
	}
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLogSender(zap.New(core))

	res := s.Send(context.Background(), reply())
	if !res.Success {
		t.Fatalf("Send() error = %v", res.Error)
	}
	if logs.Len() != 1 {
		t.Fatalf("got %d log entries, want 1", logs.Len())
	}
	if got := logs.All()[0].ContextMap()["to"]; got != "guest@example.com" {
		t.Errorf("to = %v", got)
	}
}

func TestSMTPRequiresTLSForAuth(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: 1, Username: "u", Password: "p"})
	res := s.Send(context.Background(), reply())
	if res.Success || res.Error == nil || !strings.Contains(res.Error.Error(), "TLS") {
		t.Errorf("Send() = %+v, want TLS error", res)
	}
}

func TestSendGridSender(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sg-key" {
			t.Errorf("authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res := NewSendGridSender("sg-key", srv.URL).Send(context.Background(), reply())
	if !res.Success {
		t.Fatalf("Send() error = %v", res.Error)
	}
	if res.MessageID != "sg-123" {
		t.Errorf("message id = %q, want sg-123", res.MessageID)
	}
	if body["subject"] != "Re: Rooms in May" {
		t.Errorf("subject = %v", body["subject"])
	}
}

func TestSendGridSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := NewSendGridSender("bad", srv.URL).Send(context.Background(), reply())
	if res.Success || res.Error == nil {
		t.Errorf("Send() = %+v, want failure", res)
	}
}

func TestResendSender(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"re-42"}`)
	}))
	defer srv.Close()

	res := NewResendSender("re-key", srv.URL).Send(context.Background(), reply())
	if !res.Success {
		t.Fatalf("Send() error = %v", res.Error)
	}
	if res.MessageID != "re-42" {
		t.Errorf("message id = %q, want re-42", res.MessageID)
	}
	if req["from"] != "Seaside Inn <desk@hotel.example>" {
		t.Errorf("from = %v", req["from"])
	}
}
