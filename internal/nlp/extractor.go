package nlp

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultExtractorBodyLimit = 1500

	criticalFieldPenalty = 0.3
	totalFields          = 5
)

// ParameterExtractor derives a RoomRequest from an availability request
type ParameterExtractor interface {
	Extract(ctx context.Context, email EmailMessage) ParameterExtractionResult
}

// ExtractorConfig tunes the model pass of the extractor
type ExtractorConfig struct {
	MaxBodyChars int
	Timeout      time.Duration
}

// DefaultExtractorConfig returns the production defaults
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MaxBodyChars: DefaultExtractorBodyLimit,
		Timeout:      DefaultCallTimeout,
	}
}

// Extractor runs a pattern pass and a model pass over the same email and
// merges them with MergePolicy
type Extractor struct {
	completer Completer
	cfg       ExtractorConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewExtractor creates an extractor. A nil completer disables the model pass.
func NewExtractor(completer Completer, cfg ExtractorConfig, logger *zap.Logger) *Extractor {
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = DefaultExtractorBodyLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{completer: completer, cfg: cfg, now: time.Now, logger: logger}
}

// WithClock replaces the clock used to decide what "today" is
func (e *Extractor) WithClock(now func() time.Time) *Extractor {
	e.now = now
	return e
}

const extractionPrompt = `You extract booking details from an email sent to a hotel.

Email:
Subject: %s
Body: %s

Today's date: %s

Fields:
- date: check-in date as YYYY-MM-DD
- room_count: number of rooms requested (integer 1-10)
- budget: budget per room per night in USD (number)
- view_preference: preferred view (ocean, city, garden, mountain, ...)
- special_requests: any other request or note, verbatim and short

Rules:
- Only report values the sender states explicitly. Do not guess or infer.
- Prefer specific dates over relative ones and resolve them against today's date.
- If a total budget is given, convert it to per room per night only when the numbers are stated.
- Use null for anything that is not mentioned.

Answer with a single JSON object and nothing else:
{"date": "YYYY-MM-DD" | null, "room_count": integer | null, "budget": number | null, "view_preference": string | null, "special_requests": string | null, "confidence": 0.0-1.0, "missing_fields": ["field", ...]}`

type extractionWire struct {
	Date            looseString `json:"date"`
	CheckInDate     looseString `json:"check_in_date"`
	RoomCount       looseFloat  `json:"room_count"`
	Budget          looseFloat  `json:"budget"`
	ViewPreference  looseString `json:"view_preference"`
	SpecialRequests looseString `json:"special_requests"`
	Confidence      looseFloat  `json:"confidence"`
}

// Extract implements ParameterExtractor
func (e *Extractor) Extract(ctx context.Context, email EmailMessage) (result ParameterExtractionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("parameter extraction failed",
				zap.String("message_id", email.MessageID),
				zap.Any("panic", r),
			)
			result = failedExtraction()
		}
	}()

	today := DateOf(e.now())

	patternReq := safePass(e.logger, "pattern", func() RoomRequest {
		return ExtractPatterns(email, today)
	})
	modelReq := safePass(e.logger, "model", func() RoomRequest {
		return e.extractWithModel(ctx, email, today)
	})

	merged := Merge(patternReq, modelReq)
	return ParameterExtractionResult{
		Params:        merged,
		Confidence:    ExtractionConfidence(merged),
		MissingFields: merged.MissingCritical(),
	}
}

// extractWithModel runs the model pass. Any failure yields an empty request.
func (e *Extractor) extractWithModel(ctx context.Context, email EmailMessage, today Date) RoomRequest {
	if e.completer == nil {
		return RoomRequest{}
	}

	prompt := fmt.Sprintf(extractionPrompt,
		email.Subject,
		truncateRunes(email.Body, e.cfg.MaxBodyChars),
		today.String(),
	)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	text, err := e.completer.Complete(callCtx, prompt)
	if err != nil {
		e.logger.Warn("parameter extraction call failed",
			zap.String("message_id", email.MessageID),
			zap.Error(err),
		)
		return RoomRequest{}
	}

	wire, ok := DecodeFirstObject[extractionWire](text)
	if !ok {
		e.logger.Debug("unparseable extraction response",
			zap.String("message_id", email.MessageID),
			zap.Int("response_len", len(text)),
		)
		return RoomRequest{}
	}
	return wire.toRoomRequest(today)
}

// toRoomRequest validates model values the same way pattern values are
// validated: past dates, out-of-range counts and non-positive budgets are dropped
func (w extractionWire) toRoomRequest(today Date) RoomRequest {
	var req RoomRequest

	dateStr := string(w.Date)
	if isNullish(dateStr) {
		dateStr = string(w.CheckInDate)
	}
	if !isNullish(dateStr) {
		if d, ok := parseLooseDate(dateStr, today); ok && !d.Before(today) {
			req.Date = &d
		}
	}

	if w.RoomCount.Valid {
		n := w.RoomCount.Value
		if n == math.Trunc(n) && n >= minRooms && n <= maxRooms {
			count := int(n)
			req.RoomCount = &count
		}
	}

	if w.Budget.Valid && w.Budget.Value > 0 {
		budget := w.Budget.Value
		req.Budget = &budget
	}

	if v := string(w.ViewPreference); !isNullish(v) {
		req.ViewPreference = v
	}
	if v := string(w.SpecialRequests); !isNullish(v) {
		req.SpecialRequests = v
	}
	return req
}

// ExtractionConfidence scores a merged request: the share of the five
// fields present, minus a penalty per missing critical field, clamped to
// [0,1] and rounded to two decimals
func ExtractionConfidence(req RoomRequest) float64 {
	c := float64(req.FieldCount())/totalFields - criticalFieldPenalty*float64(len(req.MissingCritical()))
	return math.Round(clamp01(c)*100) / 100
}

func failedExtraction() ParameterExtractionResult {
	return ParameterExtractionResult{
		Params:        RoomRequest{},
		Confidence:    0,
		MissingFields: []string{FieldDate, FieldRoomCount},
	}
}

// safePass runs one extraction pass, turning a panic into an empty request
func safePass(logger *zap.Logger, name string, pass func() RoomRequest) (req RoomRequest) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("extraction pass failed", zap.String("pass", name), zap.Any("panic", r))
			req = RoomRequest{}
		}
	}()
	return pass()
}
