package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/config"
	"github.com/staydesk/staydesk/internal/dedup"
	"github.com/staydesk/staydesk/internal/dispatch"
	"github.com/staydesk/staydesk/internal/inbox"
	"github.com/staydesk/staydesk/internal/nlp"
)

type fakeMailbox struct {
	emails   []inbox.Email
	fetchErr error
	seen     []uint32
	archived []uint32
	folder   string
	usedDays int
}

func (f *fakeMailbox) FetchUnseen(context.Context, int) ([]inbox.Email, error) {
	return f.emails, f.fetchErr
}

func (f *fakeMailbox) FetchRecentEmails(_ context.Context, days int) ([]inbox.Email, error) {
	f.usedDays = days
	return f.emails, f.fetchErr
}

func (f *fakeMailbox) MarkSeen(uids []uint32) error {
	f.seen = append(f.seen, uids...)
	return nil
}

func (f *fakeMailbox) EnsureFolderExists(name string) error {
	f.folder = name
	return nil
}

func (f *fakeMailbox) ArchiveEmails(uids []uint32, _ string) error {
	f.archived = append(f.archived, uids...)
	return nil
}

type fakeStore struct {
	known  map[string]bool
	stored []nlp.Result
}

func (f *fakeStore) HasResult(id string) (bool, error) { return f.known[id], nil }

func (f *fakeStore) AddResult(r nlp.Result) (int64, error) {
	f.stored = append(f.stored, r)
	return int64(len(f.stored)), nil
}

type fakeDispatcher struct {
	ids []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, r nlp.Result) dispatch.Outcome {
	f.ids = append(f.ids, r.MessageID)
	return dispatch.Outcome{MessageID: r.MessageID}
}

// seenOnce rejects ids it has seen before
type seenOnce map[string]bool

func (s seenOnce) IsNew(_ context.Context, id string) bool {
	if s[id] {
		return false
	}
	s[id] = true
	return true
}

func testPipeline() *nlp.Pipeline {
	c := nlp.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "You extract booking details") {
			return `{}`, nil
		}
		return `{"intent": "GENERIC_QUERY", "confidence": 0.9}`, nil
	})
	return nlp.NewPipeline(
		nlp.NewClassifier(c, nlp.DefaultClassifierConfig(), nil),
		nlp.NewExtractor(c, nlp.DefaultExtractorConfig(), nil),
	)
}

func mail(uid uint32, id, from, subject, body string) inbox.Email {
	return inbox.Email{
		UID:        uid,
		MessageID:  id,
		From:       from,
		Subject:    subject,
		Body:       body,
		ReceivedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMailCycle(t *testing.T) {
	box := &fakeMailbox{emails: []inbox.Email{
		mail(1, "<a@mail.example>", "guest@example.com", "Parking", "Is there parking?"),
		mail(2, "<b@mail.example>", "mailer-daemon@example.com", "Undeliverable: Re: Parking", "Delivery failed"),
		mail(3, "<c@mail.example>", "guest@example.com", "Blank", "   "),
		mail(4, "<d@mail.example>", "guest@example.com", "Pool", "Is the pool heated?"),
		mail(5, "<e@mail.example>", "guest@example.com", "Spa", "Do you have a spa?"),
	}}
	store := &fakeStore{known: map[string]bool{"d@mail.example": true}}
	disp := &fakeDispatcher{}

	c := &mailCycle{
		monitor:    box,
		pipeline:   testPipeline(),
		dispatcher: disp,
		store:      store,
		seen:       seenOnce{"e@mail.example": true},
		cfg:        config.InboxConfig{MaxMessages: 50, AutoArchive: true, ArchiveFolder: "Staydesk"},
		logger:     zap.NewNop(),
	}

	stats, err := c.run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if stats.TotalEmails != 1 {
		t.Errorf("processed %d emails, want 1", stats.TotalEmails)
	}
	if len(store.stored) != 1 || store.stored[0].MessageID != "a@mail.example" {
		t.Errorf("stored = %+v", store.stored)
	}
	if strings.Join(disp.ids, ",") != "a@mail.example" {
		t.Errorf("dispatched = %v", disp.ids)
	}
	if len(box.seen) != 5 {
		t.Errorf("marked %d seen, want all 5", len(box.seen))
	}
	if box.folder != "Staydesk" || len(box.archived) != 5 {
		t.Errorf("archived %v to %q", box.archived, box.folder)
	}
}

func TestMailCycleRecentDays(t *testing.T) {
	box := &fakeMailbox{}
	c := &mailCycle{
		monitor:  box,
		pipeline: testPipeline(),
		seen:     dedup.None{},
		cfg:      config.InboxConfig{AutoArchive: true},
		logger:   zap.NewNop(),
	}

	stats, err := c.run(context.Background(), 7)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if box.usedDays != 7 {
		t.Errorf("days = %d, want 7", box.usedDays)
	}
	if stats.TotalEmails != 0 || box.folder != "" {
		t.Errorf("empty mailbox produced stats %+v, archive folder %q", stats, box.folder)
	}
}

func TestMailCycleFetchError(t *testing.T) {
	c := &mailCycle{
		monitor:  &fakeMailbox{fetchErr: errors.New("connection reset")},
		pipeline: testPipeline(),
		seen:     dedup.None{},
		logger:   zap.NewNop(),
	}
	if _, err := c.run(context.Background(), 0); err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("run() error = %v, want fetch error", err)
	}
}
