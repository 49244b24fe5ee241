// Package dispatch acts on pipeline results: it looks up availability,
// sends the reply and announces routing events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/availability"
	"github.com/staydesk/staydesk/internal/email"
	"github.com/staydesk/staydesk/internal/history"
	"github.com/staydesk/staydesk/internal/logger"
	"github.com/staydesk/staydesk/internal/metrics"
	"github.com/staydesk/staydesk/internal/mq"
	"github.com/staydesk/staydesk/internal/nlp"
	"github.com/staydesk/staydesk/internal/reply"
)

// ErrDailyLimit is reported when the daily reply limit has been reached
var ErrDailyLimit = errors.New("daily reply limit reached")

// AvailabilityChecker is the availability backend
type AvailabilityChecker interface {
	Check(ctx context.Context, req availability.Request) (*availability.Response, error)
}

// Recorder stores dispatch outcomes
type Recorder interface {
	AddDispatch(d *history.Dispatch) error
	CountSentSince(t time.Time) (int, error)
}

// Outcome describes what was done for one result
type Outcome struct {
	MessageID string
	Action    nlp.NextAction
	Status    history.DispatchStatus
	ReplyKind reply.Kind
	Reply     *reply.Reply // Rendered reply, also when it was not sent
	Escalated bool
	SentID    string // Provider message id of the sent reply
	Err       error
}

// Dispatcher turns results into replies and events
type Dispatcher struct {
	renderer     *reply.Renderer
	sender       email.Sender
	availability AvailabilityChecker
	publisher    mq.EventPublisher
	recorder     Recorder
	from         string
	fromName     string
	dailyLimit   int
	logger       *zap.Logger
	now          func() time.Time
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithSender enables replies from the given address. Without a sender,
// replies are rendered but not sent.
func WithSender(sender email.Sender, from, fromName string) Option {
	return func(d *Dispatcher) {
		d.sender = sender
		d.from = from
		d.fromName = fromName
	}
}

// WithAvailability sets the availability backend. Without one,
// availability requests get the generic reply.
func WithAvailability(c AvailabilityChecker) Option {
	return func(d *Dispatcher) { d.availability = c }
}

// WithPublisher sets the routing event publisher
func WithPublisher(p mq.EventPublisher) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.publisher = p
		}
	}
}

// WithRecorder stores every outcome
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithDailyLimit caps replies sent per calendar day (0 means no cap).
// Needs a recorder.
func WithDailyLimit(n int) Option {
	return func(d *Dispatcher) { d.dailyLimit = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher rendering with renderer
func New(renderer *reply.Renderer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		renderer:  renderer,
		publisher: mq.Nop{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch acts on one result. It never panics on collaborator failures;
// errors end up in Outcome.Err.
func (d *Dispatcher) Dispatch(ctx context.Context, result nlp.Result) Outcome {
	log := logger.WithEmail(d.logger, result.MessageID)
	out := Outcome{MessageID: result.MessageID, Action: result.NextAction}

	if result.NextAction == nlp.ActionIgnoreEmail {
		out.Status = history.DispatchSkipped
	} else {
		rendered, err := d.render(ctx, result, log)
		if err != nil {
			out.Status = history.DispatchFailed
			out.Err = err
		} else {
			out.Reply = rendered
			out.ReplyKind = rendered.Kind
			d.send(ctx, result, rendered, &out)
		}
	}

	if result.Escalate {
		out.Escalated = true
		d.publish(ctx, mq.RoutingKeyEscalated, result, out, log)
	}
	d.publish(ctx, mq.RoutingKeyRouted, result, out, log)

	metrics.IncrementDispatch(string(out.Action), string(out.Status))
	d.record(out, log)

	if out.Err != nil {
		log.Warn("dispatch failed",
			zap.String("next_action", string(out.Action)),
			zap.String("status", string(out.Status)),
			zap.Error(out.Err),
		)
	} else {
		log.Info("dispatched",
			zap.String("next_action", string(out.Action)),
			zap.String("status", string(out.Status)),
			zap.String("reply", string(out.ReplyKind)),
		)
	}
	return out
}

// DispatchAll dispatches results in order
func (d *Dispatcher) DispatchAll(ctx context.Context, results []nlp.Result) []Outcome {
	outcomes := make([]Outcome, 0, len(results))
	for _, r := range results {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, d.Dispatch(ctx, r))
	}
	return outcomes
}

func (d *Dispatcher) render(ctx context.Context, result nlp.Result, log *zap.Logger) (*reply.Reply, error) {
	switch result.NextAction {
	case nlp.ActionRequestClarification:
		return d.renderer.Clarification(result)
	case nlp.ActionCallAvailabilityAPI:
		return d.renderAvailability(ctx, result, log)
	default:
		return d.renderer.Generic(result)
	}
}

// renderAvailability asks the backend and picks the matching reply. Any
// failure falls back to the generic acknowledgement so the guest still
// hears back.
func (d *Dispatcher) renderAvailability(ctx context.Context, result nlp.Result, log *zap.Logger) (*reply.Reply, error) {
	if d.availability == nil || result.Params == nil {
		return d.renderer.Generic(result)
	}

	req, err := availability.RequestFromRoomRequest(*result.Params)
	if err != nil {
		log.Warn("availability request incomplete", zap.Error(err))
		return d.renderer.Generic(result)
	}

	resp, err := d.availability.Check(ctx, req)
	switch {
	case errors.Is(err, availability.ErrNoAvailability):
		return d.renderer.NoAvailability(result, req, resp)
	case err != nil:
		log.Error("availability lookup failed", zap.Error(err))
		return d.renderer.Generic(result)
	}
	return d.renderer.Availability(result, req, resp)
}

func (d *Dispatcher) send(ctx context.Context, result nlp.Result, rendered *reply.Reply, out *Outcome) {
	if d.sender == nil {
		out.Status = history.DispatchSkipped
		return
	}

	if d.dailyLimit > 0 && d.recorder != nil {
		now := d.now()
		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		sent, err := d.recorder.CountSentSince(startOfDay)
		if err == nil && sent >= d.dailyLimit {
			out.Status = history.DispatchSkipped
			out.Err = fmt.Errorf("%w (%d)", ErrDailyLimit, d.dailyLimit)
			return
		}
	}

	res := d.sender.Send(ctx, email.Message{
		To:        rendered.To,
		From:      d.from,
		FromName:  d.fromName,
		Subject:   rendered.Subject,
		Body:      rendered.Body,
		InReplyTo: threadRef(result.MessageID),
	})
	if !res.Success {
		out.Status = history.DispatchFailed
		out.Err = res.Error
		return
	}
	out.Status = history.DispatchSent
	out.SentID = res.MessageID
}

func (d *Dispatcher) publish(ctx context.Context, key string, result nlp.Result, out Outcome, log *zap.Logger) {
	if err := d.publisher.Publish(ctx, key, mq.NewEvent(key, result, string(out.Status))); err != nil {
		log.Warn("failed to publish event", zap.String("routing_key", key), zap.Error(err))
	}
}

func (d *Dispatcher) record(out Outcome, log *zap.Logger) {
	if d.recorder == nil {
		return
	}
	rec := &history.Dispatch{
		MessageID:         out.MessageID,
		Action:            out.Action,
		Status:            out.Status,
		ReplyKind:         string(out.ReplyKind),
		ProviderMessageID: out.SentID,
	}
	if d.sender != nil {
		rec.Provider = d.sender.Name()
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	if err := d.recorder.AddDispatch(rec); err != nil {
		log.Error("failed to record dispatch", zap.Error(err))
	}
}

// threadRef returns id when it looks like an RFC 5322 message id; ids
// minted locally (manual-, imap-) cannot thread a reply
func threadRef(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	return ""
}
