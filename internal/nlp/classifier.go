package nlp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultConfidenceThreshold = 0.85
	DefaultClassifierBodyLimit = 2000
	DefaultCallTimeout         = 30 * time.Second

	fallbackConfidence = 0.5
)

// IntentClassifier labels an email with an intent and a confidence
type IntentClassifier interface {
	Classify(ctx context.Context, email EmailMessage) IntentClassificationResult
}

// ClassifierConfig tunes the model-backed classifier
type ClassifierConfig struct {
	Threshold    float64       // Below this confidence the label is forced to generic_query
	MaxBodyChars int           // Body characters included in the prompt
	Timeout      time.Duration // Per completion call
}

// DefaultClassifierConfig returns the production defaults
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Threshold:    DefaultConfidenceThreshold,
		MaxBodyChars: DefaultClassifierBodyLimit,
		Timeout:      DefaultCallTimeout,
	}
}

// Classifier asks a completion service for the intent and wraps the answer
// in a conservative policy: unparseable answers, unknown labels and call
// failures all become generic_query, and low-confidence labels are never
// trusted.
type Classifier struct {
	completer Completer
	cfg       ClassifierConfig
	logger    *zap.Logger
}

// NewClassifier creates a classifier backed by the given completer
func NewClassifier(completer Completer, cfg ClassifierConfig, logger *zap.Logger) *Classifier {
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = DefaultClassifierBodyLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{completer: completer, cfg: cfg, logger: logger}
}

const classificationPrompt = `You classify emails sent to the reservations desk of a hotel.

Choose exactly one label:

AVAILABILITY_REQUEST - the sender asks about room availability, rates or making a booking.
  Typical signals: rooms, available, book, reservation, check-in, check-out, nights, price, specific dates.
GENERIC_QUERY - the sender needs a human answer that is not a booking request.
  Typical signals: directions, parking, policies, amenities, feedback, complaints, invoices.
IGNORE - spam, marketing, newsletters, automated notifications or unrelated business pitches.

Email:
Subject: %s
Body: %s

Answer with a single JSON object and nothing else:
{"intent": "AVAILABILITY_REQUEST" | "GENERIC_QUERY" | "IGNORE", "confidence": 0.0-1.0, "reasoning": "one short sentence"}

If you are not sure the email asks about availability, answer GENERIC_QUERY.
Only report confidence above 0.8 when the label is obvious.`

type classificationWire struct {
	Intent     looseString `json:"intent"`
	Confidence looseFloat  `json:"confidence"`
	Reasoning  looseString `json:"reasoning"`
}

// Classify implements IntentClassifier
func (c *Classifier) Classify(ctx context.Context, email EmailMessage) IntentClassificationResult {
	if c.completer == nil {
		return fallbackClassification("no completion service configured")
	}

	prompt := fmt.Sprintf(classificationPrompt, email.Subject, truncateRunes(email.Body, c.cfg.MaxBodyChars))

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	text, err := c.completer.Complete(callCtx, prompt)
	if err != nil {
		c.logger.Warn("intent classification call failed",
			zap.String("message_id", email.MessageID),
			zap.Error(err),
		)
		return fallbackClassification(fmt.Sprintf("classification service error: %v", err))
	}

	result, ok := parseClassification(text)
	if !ok {
		c.logger.Debug("unparseable classification response",
			zap.String("message_id", email.MessageID),
			zap.Int("response_len", len(text)),
		)
		return result
	}
	return ApplyConfidenceFloor(result, c.cfg.Threshold)
}

// Ping sends a probe prompt and reports whether the completion service
// answered with something decodable
func (c *Classifier) Ping(ctx context.Context) error {
	if c.completer == nil {
		return errors.New("no completion service configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	prompt := fmt.Sprintf(classificationPrompt, "Room availability", "Do you have a double room available on 2030-06-01?")
	text, err := c.completer.Complete(callCtx, prompt)
	if err != nil {
		return fmt.Errorf("completion service unavailable: %w", err)
	}
	if _, ok := parseClassification(text); !ok {
		return fmt.Errorf("completion service returned an unparseable answer")
	}
	return nil
}

// parseClassification decodes a model answer. ok is false when the answer
// held no JSON object or an unknown label; the returned result is then the
// generic fallback.
func parseClassification(text string) (IntentClassificationResult, bool) {
	wire, found := DecodeFirstObject[classificationWire](text)
	if !found {
		return fallbackClassification("could not parse classification response"), false
	}

	intent, known := ParseIntent(string(wire.Intent))
	if !known {
		return fallbackClassification(fmt.Sprintf("unrecognized intent label %q", string(wire.Intent))), false
	}

	confidence := fallbackConfidence
	if wire.Confidence.Valid {
		confidence = clamp01(wire.Confidence.Value)
	}

	reasoning := string(wire.Reasoning)
	if reasoning == "" {
		reasoning = "No reasoning provided"
	}

	return IntentClassificationResult{
		Intent:     intent,
		Confidence: confidence,
		Reasoning:  reasoning,
	}, true
}

// ApplyConfidenceFloor forces generic_query when confidence is below threshold
func ApplyConfidenceFloor(result IntentClassificationResult, threshold float64) IntentClassificationResult {
	result.Confidence = clamp01(result.Confidence)
	if result.Confidence < threshold {
		result.Intent = IntentGenericQuery
		result.Reasoning = fmt.Sprintf("Low confidence (%.2f) - defaulting to generic query", result.Confidence)
	}
	return result
}

func fallbackClassification(reason string) IntentClassificationResult {
	return IntentClassificationResult{
		Intent:     IntentGenericQuery,
		Confidence: fallbackConfidence,
		Reasoning:  reason,
	}
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	return max(0, min(1, v))
}

// truncateRunes cuts s to at most n characters without splitting a rune
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
