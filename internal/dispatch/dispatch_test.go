package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/staydesk/staydesk/internal/availability"
	"github.com/staydesk/staydesk/internal/config"
	"github.com/staydesk/staydesk/internal/email"
	"github.com/staydesk/staydesk/internal/history"
	"github.com/staydesk/staydesk/internal/mq"
	"github.com/staydesk/staydesk/internal/nlp"
	"github.com/staydesk/staydesk/internal/reply"
)

type fakeSender struct {
	sent []email.Message
	fail error
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, msg email.Message) email.Result {
	if f.fail != nil {
		return email.Result{Error: f.fail}
	}
	f.sent = append(f.sent, msg)
	return email.Result{Success: true, MessageID: "sent-1"}
}

type fakeAvailability struct {
	resp *availability.Response
	err  error
	got  []availability.Request
}

func (f *fakeAvailability) Check(_ context.Context, req availability.Request) (*availability.Response, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakePublisher) Publish(_ context.Context, key string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakePublisher) Close() {}

type fakeRecorder struct {
	dispatches []*history.Dispatch
	sentToday  int
}

func (f *fakeRecorder) AddDispatch(d *history.Dispatch) error {
	f.dispatches = append(f.dispatches, d)
	return nil
}

func (f *fakeRecorder) CountSentSince(time.Time) (int, error) { return f.sentToday, nil }

func newRenderer(t *testing.T) *reply.Renderer {
	t.Helper()
	r, err := reply.NewRenderer(config.HotelConfig{Name: "Seaside Inn", Signature: "Front Desk"})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func availabilityResult() nlp.Result {
	date := nlp.Date{Year: 2026, Month: 11, Day: 20}
	rooms := 2
	return nlp.Result{
		MessageID:  "abc@example.com",
		Sender:     "jane.doe@example.com",
		Subject:    "Rooms",
		Intent:     nlp.IntentAvailabilityRequest,
		NextAction: nlp.ActionCallAvailabilityAPI,
		Params:     &nlp.RoomRequest{Date: &date, RoomCount: &rooms},
		Confidence: 0.8,
	}
}

func TestDispatchAvailability(t *testing.T) {
	tests := []struct {
		name     string
		backend  *fakeAvailability
		wantKind reply.Kind
	}{
		{
			"rooms found",
			&fakeAvailability{resp: &availability.Response{TotalCount: 1, AvailableRooms: []availability.Room{{RoomType: "Suite", PricePerNight: 120}}}},
			reply.KindAvailability,
		},
		{
			"no rooms",
			&fakeAvailability{resp: &availability.Response{}, err: availability.ErrNoAvailability},
			reply.KindNoAvailability,
		},
		{
			"backend down",
			&fakeAvailability{err: errors.New("connection refused")},
			reply.KindGeneric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			rec := &fakeRecorder{}
			d := New(newRenderer(t),
				WithSender(sender, "desk@hotel.example", "Seaside Inn"),
				WithAvailability(tt.backend),
				WithRecorder(rec),
			)

			out := d.Dispatch(context.Background(), availabilityResult())
			if out.Err != nil {
				t.Fatalf("Dispatch() error = %v", out.Err)
			}
			if out.Status != history.DispatchSent || out.ReplyKind != tt.wantKind {
				t.Errorf("outcome = %s/%s, want sent/%s", out.Status, out.ReplyKind, tt.wantKind)
			}
			if len(tt.backend.got) != 1 || tt.backend.got[0].RoomCount != 2 {
				t.Errorf("backend requests = %+v", tt.backend.got)
			}
			if len(sender.sent) != 1 {
				t.Fatalf("sent %d replies, want 1", len(sender.sent))
			}
			msg := sender.sent[0]
			if msg.To != "jane.doe@example.com" || msg.Subject != "Re: Rooms" || msg.InReplyTo != "abc@example.com" {
				t.Errorf("message = %+v", msg)
			}
			if !strings.Contains(msg.Body, "Dear Jane Doe,") {
				t.Errorf("body = %s", msg.Body)
			}
			if len(rec.dispatches) != 1 || rec.dispatches[0].Provider != "fake" || rec.dispatches[0].ProviderMessageID != "sent-1" {
				t.Errorf("recorded = %+v", rec.dispatches)
			}
		})
	}
}

func TestDispatchActions(t *testing.T) {
	tests := []struct {
		name       string
		result     nlp.Result
		wantStatus history.DispatchStatus
		wantKind   reply.Kind
		wantSent   int
	}{
		{
			"ignore",
			nlp.Result{MessageID: "m1", Sender: "spam@example.com", Intent: nlp.IntentIgnore, NextAction: nlp.ActionIgnoreEmail},
			history.DispatchSkipped, "", 0,
		},
		{
			"clarification",
			nlp.Result{MessageID: "m2", Sender: "g@example.com", Intent: nlp.IntentAvailabilityRequest,
				NextAction: nlp.ActionRequestClarification, ClarificationNeeded: true,
				ClarificationQuestions: []string{"How many rooms do you need?"}},
			history.DispatchSent, reply.KindClarification, 1,
		},
		{
			"generic",
			nlp.Result{MessageID: "m3", Sender: "g@example.com", Intent: nlp.IntentGenericQuery, NextAction: nlp.ActionSendGenericReply},
			history.DispatchSent, reply.KindGeneric, 1,
		},
		{
			"availability without backend",
			availabilityResult(),
			history.DispatchSent, reply.KindGeneric, 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			d := New(newRenderer(t), WithSender(sender, "desk@hotel.example", ""))

			out := d.Dispatch(context.Background(), tt.result)
			if out.Status != tt.wantStatus || out.ReplyKind != tt.wantKind {
				t.Errorf("outcome = %s/%s, want %s/%s", out.Status, out.ReplyKind, tt.wantStatus, tt.wantKind)
			}
			if len(sender.sent) != tt.wantSent {
				t.Errorf("sent %d, want %d", len(sender.sent), tt.wantSent)
			}
		})
	}
}

func TestDispatchWithoutSender(t *testing.T) {
	d := New(newRenderer(t))
	out := d.Dispatch(context.Background(), nlp.Result{MessageID: "m", Sender: "g@example.com", NextAction: nlp.ActionSendGenericReply})
	if out.Status != history.DispatchSkipped || out.Reply == nil {
		t.Errorf("outcome = %+v, want skipped with a rendered reply", out)
	}
	if out.Reply != nil && out.Reply.To != "g@example.com" {
		t.Errorf("reply to = %q", out.Reply.To)
	}
}

func TestDispatchSendFailure(t *testing.T) {
	rec := &fakeRecorder{}
	d := New(newRenderer(t),
		WithSender(&fakeSender{fail: errors.New("smtp down")}, "desk@hotel.example", ""),
		WithRecorder(rec),
	)

	out := d.Dispatch(context.Background(), nlp.Result{MessageID: "m", Sender: "g@example.com", NextAction: nlp.ActionSendGenericReply})
	if out.Status != history.DispatchFailed || out.Err == nil {
		t.Errorf("outcome = %+v, want failed", out)
	}
	if len(rec.dispatches) != 1 || rec.dispatches[0].Error != "smtp down" {
		t.Errorf("recorded = %+v", rec.dispatches)
	}
}

func TestDispatchDailyLimit(t *testing.T) {
	sender := &fakeSender{}
	d := New(newRenderer(t),
		WithSender(sender, "desk@hotel.example", ""),
		WithRecorder(&fakeRecorder{sentToday: 5}),
		WithDailyLimit(5),
	)

	out := d.Dispatch(context.Background(), nlp.Result{MessageID: "m", Sender: "g@example.com", NextAction: nlp.ActionSendGenericReply})
	if !errors.Is(out.Err, ErrDailyLimit) || out.Status != history.DispatchSkipped {
		t.Errorf("outcome = %+v, want daily limit skip", out)
	}
	if len(sender.sent) != 0 {
		t.Error("reply sent over the limit")
	}
}

func TestDispatchEvents(t *testing.T) {
	pub := &fakePublisher{}
	d := New(newRenderer(t), WithPublisher(pub))

	d.DispatchAll(context.Background(), []nlp.Result{
		{MessageID: "m1", Sender: "g@example.com", NextAction: nlp.ActionSendGenericReply, Escalate: true},
		{MessageID: "m2", Sender: "g@example.com", NextAction: nlp.ActionIgnoreEmail},
	})

	want := []string{mq.RoutingKeyEscalated, mq.RoutingKeyRouted, mq.RoutingKeyRouted}
	if strings.Join(pub.keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v, want %v", pub.keys, want)
	}
}

func TestThreadRef(t *testing.T) {
	if got := threadRef("abc@example.com"); got != "abc@example.com" {
		t.Errorf("got %q", got)
	}
	if got := threadRef("manual-123"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
