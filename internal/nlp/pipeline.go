package nlp

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// minElapsedMs keeps processing_time_ms strictly positive on coarse clocks
const minElapsedMs = 0.001

// Pinger is implemented by classifiers that can probe their backend
type Pinger interface {
	Ping(ctx context.Context) error
}

// Pipeline sequences classification, extraction and decision for each email
type Pipeline struct {
	classifier IntentClassifier
	extractor  ParameterExtractor
	decider    *DecisionEngine
	logger     *zap.Logger
	observers  []func(Result)
	workers    int
	now        func() time.Time
	newID      func() string
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver registers a callback invoked with every finished result
func WithObserver(fn func(Result)) Option {
	return func(p *Pipeline) {
		p.observers = append(p.observers, fn)
	}
}

// WithWorkers sets how many emails ProcessBatch handles at once
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithClock sets the clock used for manually submitted emails
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithIDGenerator sets how message ids are generated for manual emails
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		p.newID = fn
	}
}

// NewPipeline wires the stages together
func NewPipeline(classifier IntentClassifier, extractor ParameterExtractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		classifier: classifier,
		extractor:  extractor,
		decider:    NewDecisionEngine(),
		logger:     zap.NewNop(),
		workers:    1,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one email through the pipeline. It always returns a result;
// a panic in any stage becomes a generic reply with zero confidence.
func (p *Pipeline) Process(ctx context.Context, email EmailMessage) (result Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("email processing failed",
				zap.String("message_id", email.MessageID),
				zap.Any("panic", r),
			)
			result = safeResult(email, fmt.Sprintf("processing error: %v", r))
		}
		result.ProcessingTimeMs = elapsedMs(start)

		p.logger.Info("email processed",
			zap.String("message_id", result.MessageID),
			zap.String("intent", string(result.Intent)),
			zap.String("next_action", string(result.NextAction)),
			zap.Float64("confidence", result.Confidence),
			zap.Bool("escalate", result.Escalate),
			zap.Float64("duration_ms", result.ProcessingTimeMs),
		)
		for _, fn := range p.observers {
			p.observe(fn, result)
		}
	}()

	return p.run(ctx, email)
}

// observe calls one observer, logging instead of propagating its panic
func (p *Pipeline) observe(fn func(Result), result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("result observer failed",
				zap.String("message_id", result.MessageID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(result)
}

func (p *Pipeline) run(ctx context.Context, email EmailMessage) Result {
	intent := p.classifier.Classify(ctx, email)

	result := Result{
		MessageID:              email.MessageID,
		Sender:                 email.Sender,
		Subject:                email.Subject,
		Intent:                 intent.Intent,
		Confidence:             intent.Confidence,
		ClarificationQuestions: []string{},
		Reasoning:              intent.Reasoning,
	}

	switch intent.Intent {
	case IntentIgnore:
		result.NextAction = ActionIgnoreEmail

	case IntentAvailabilityRequest:
		extraction := p.extractor.Extract(ctx, email)
		decision := p.decider.Decide(email, extraction)

		params := extraction.Params
		result.Params = &params
		result.Confidence = math.Min(intent.Confidence, extraction.Confidence)
		result.NextAction = decision.NextAction
		result.ClarificationNeeded = decision.ClarificationNeeded
		result.ClarificationQuestions = decision.ClarificationQuestions
		result.Escalate = p.decider.ShouldEscalate(email, &params)

	default:
		// generic_query and anything a custom classifier invents
		result.Intent = IntentGenericQuery
		result.NextAction = ActionSendGenericReply
		result.Escalate = p.decider.ShouldEscalate(email, nil)
	}

	return result
}

// ProcessBatch processes emails independently. Output order matches input
// order regardless of the configured worker count.
func (p *Pipeline) ProcessBatch(ctx context.Context, emails []EmailMessage) []Result {
	results := make([]Result, len(emails))
	if p.workers <= 1 {
		for i, email := range emails {
			results[i] = p.Process(ctx, email)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, email := range emails {
		g.Go(func() error {
			results[i] = p.Process(ctx, email)
			return nil
		})
	}
	_ = g.Wait() // Process never fails
	return results
}

// ProcessText processes a raw subject/body/sender triple, e.g. from the API
// or the command line. The body is normalized first; an empty result is
// reported as ErrEmptyBody.
func (p *Pipeline) ProcessText(ctx context.Context, subject, body, sender string) (Result, error) {
	cleaned := Normalize(subject, body, LooksLikeHTML(body))
	email, err := NewEmailMessage("manual-"+p.newID(), subject, cleaned, sender, p.now())
	if err != nil {
		return Result{}, err
	}
	return p.Process(ctx, email), nil
}

// Ping checks the classifier backend when it supports probing
func (p *Pipeline) Ping(ctx context.Context) error {
	if pinger, ok := p.classifier.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func safeResult(email EmailMessage, reason string) Result {
	return Result{
		MessageID:              email.MessageID,
		Sender:                 email.Sender,
		Subject:                email.Subject,
		Intent:                 IntentGenericQuery,
		Confidence:             0,
		NextAction:             ActionSendGenericReply,
		ClarificationQuestions: []string{},
		Reasoning:              reason,
	}
}

func elapsedMs(start time.Time) float64 {
	ms := float64(time.Since(start).Nanoseconds()) / 1e6
	return max(ms, minElapsedMs)
}

var htmlMarker = regexp.MustCompile(`(?i)<\s*(html|body|div|p|br|table|span|a)\b[^>]*>`)

// LooksLikeHTML reports whether a body appears to be markup
func LooksLikeHTML(body string) bool {
	return htmlMarker.MatchString(body)
}
