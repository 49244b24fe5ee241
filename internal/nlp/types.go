package nlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyBody is returned when an email has no text left after normalization
var ErrEmptyBody = errors.New("email body is empty")

// IntentType is the coarse category assigned to an email
type IntentType string

const (
	IntentAvailabilityRequest IntentType = "availability_request" // Asking about rooms, dates or rates
	IntentGenericQuery        IntentType = "generic_query"        // Needs a human or generic answer
	IntentIgnore              IntentType = "ignore"               // Spam, newsletters, notifications
)

// ParseIntent maps a label returned by a model or a client to an IntentType.
// Unknown labels report ok=false; callers pick their own default.
func ParseIntent(label string) (IntentType, bool) {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)

	switch key {
	case "availability_request", "room_availability", "availability":
		return IntentAvailabilityRequest, true
	case "generic_query", "generic":
		return IntentGenericQuery, true
	case "ignore", "spam":
		return IntentIgnore, true
	default:
		return IntentGenericQuery, false
	}
}

// NextAction is the resolution chosen for an email
type NextAction string

const (
	ActionCallAvailabilityAPI  NextAction = "call_availability_api"
	ActionSendGenericReply     NextAction = "send_generic_reply"
	ActionRequestClarification NextAction = "request_clarification"
	ActionIgnoreEmail          NextAction = "ignore_email"
)

// Field names used in missing-field lists and merge policies
const (
	FieldDate            = "date"
	FieldRoomCount       = "room_count"
	FieldBudget          = "budget"
	FieldViewPreference  = "view_preference"
	FieldSpecialRequests = "special_requests"
)

// EmailMessage is one inbound email after normalization
type EmailMessage struct {
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewEmailMessage builds an EmailMessage, rejecting an empty body
func NewEmailMessage(messageID, subject, body, sender string, receivedAt time.Time) (EmailMessage, error) {
	if strings.TrimSpace(body) == "" {
		return EmailMessage{}, ErrEmptyBody
	}
	return EmailMessage{
		MessageID:  messageID,
		Subject:    subject,
		Body:       body,
		Sender:     sender,
		ReceivedAt: receivedAt,
	}, nil
}

// Text returns subject and body joined, the form used for keyword matching
func (e EmailMessage) Text() string {
	return e.Subject + " " + e.Body
}

// Date is a calendar day without a time of day, encoded as YYYY-MM-DD
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar day of t in t's location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// validDate reports whether y-m-d names a real calendar day
func validDate(y int, m time.Month, d int) bool {
	if m < time.January || m > time.December || d < 1 {
		return false
	}
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return t.Year() == y && t.Month() == m && t.Day() == d
}

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return d.Time().Format(dateLayout)
}

func (d Date) Before(o Date) bool {
	return d.Time().Before(o.Time())
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// RoomRequest holds the booking parameters extracted from an email.
// Nil pointers and empty strings mean "not extracted".
type RoomRequest struct {
	Date            *Date    `json:"date"`
	RoomCount       *int     `json:"room_count"`
	Budget          *float64 `json:"budget"`
	ViewPreference  string   `json:"view_preference,omitempty"`
	SpecialRequests string   `json:"special_requests,omitempty"`
}

// FieldCount returns how many of the five fields carry a value
func (r RoomRequest) FieldCount() int {
	n := 0
	if r.Date != nil {
		n++
	}
	if r.RoomCount != nil {
		n++
	}
	if r.Budget != nil {
		n++
	}
	if r.ViewPreference != "" {
		n++
	}
	if r.SpecialRequests != "" {
		n++
	}
	return n
}

// MissingCritical lists the critical fields that are absent, in fixed order
func (r RoomRequest) MissingCritical() []string {
	missing := []string{}
	if r.Date == nil {
		missing = append(missing, FieldDate)
	}
	if r.RoomCount == nil {
		missing = append(missing, FieldRoomCount)
	}
	return missing
}

// IntentClassificationResult is the classifier's verdict for one email
type IntentClassificationResult struct {
	Intent     IntentType `json:"intent"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

// ParameterExtractionResult is the extractor's output for one email
type ParameterExtractionResult struct {
	Params        RoomRequest `json:"params"`
	Confidence    float64     `json:"confidence"`
	MissingFields []string    `json:"missing_fields"`
}

// Decision is the decision engine's verdict for one availability request
type Decision struct {
	NextAction             NextAction `json:"next_action"`
	ClarificationNeeded    bool       `json:"clarification_needed"`
	ClarificationQuestions []string   `json:"clarification_questions"`
}

// Result is the single record produced for every processed email
type Result struct {
	MessageID              string       `json:"message_id"`
	Sender                 string       `json:"sender"`
	Subject                string       `json:"subject"`
	Intent                 IntentType   `json:"intent"`
	Params                 *RoomRequest `json:"params"`
	Confidence             float64      `json:"confidence"`
	NextAction             NextAction   `json:"next_action"`
	ClarificationNeeded    bool         `json:"clarification_needed"`
	ClarificationQuestions []string     `json:"clarification_questions"`
	Escalate               bool         `json:"escalate"`
	Reasoning              string       `json:"reasoning,omitempty"`
	ProcessingTimeMs       float64      `json:"processing_time_ms"`
}

// Completer is the text completion capability used by the classifier and extractor
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to the Completer interface
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
