package nlp

import (
	"fmt"
	"regexp"
	"strconv"
)

// Thresholds for plausibility checks
const (
	LargeBookingRooms = 5    // More rooms than this needs confirmation
	EscalationRooms   = 10   // More rooms than this goes to a human
	MinPlausibleRate  = 30.0 // Per room per night
	MaxPlausibleRate  = 2000.0
)

const (
	questionDate           = "What is your preferred check-in date?"
	questionRoomCount      = "How many rooms do you need?"
	questionLargeBooking   = "You mentioned %d rooms. Can you confirm this number? For large bookings, we may need to check group rates."
	questionLowBudget      = "Your budget of $%s per night seems quite low. Could you confirm your budget range?"
	questionHighBudget     = "Your budget of $%s per night is quite high. Are you looking for luxury suites or premium accommodations?"
	questionBudgetFallback = "What is your preferred budget range per room per night?"
	questionPrefsFallback  = "Could you provide any additional preferences for your stay?"
)

var (
	// Sensitive topics in special requests
	sensitiveRequestPattern = regexp.MustCompile(`(?i)\b(wheelchair|accessib(le|ility)|disabilit(y|ies)|disabled|mobility|medical|allerg(y|ies|ic)|legal|lawyer|complaint|problem|issue|refund|group\s+booking|corporate|wedding|event|conference)\b`)

	// Complaint language anywhere in the email
	complaintPattern = regexp.MustCompile(`(?i)\b(complain(t|ts|ed|ing)?|disappointed|terrible|awful|refund|cancel(led|lation)?|problem|issue|manager)\b`)
)

// DecisionEngine turns extracted parameters into a next action and decides
// whether a human should look at the email
type DecisionEngine struct{}

// NewDecisionEngine creates a decision engine
func NewDecisionEngine() *DecisionEngine {
	return &DecisionEngine{}
}

// Decide applies the decision table to one extraction. The first matching
// rule wins: clarification for missing or implausible values, then the
// availability lookup, then clarification as the fallback.
func (d *DecisionEngine) Decide(email EmailMessage, extraction ParameterExtractionResult) Decision {
	params := extraction.Params
	missing := criticalMissing(extraction)

	largeBooking := params.RoomCount != nil && *params.RoomCount > LargeBookingRooms
	implausibleBudget := params.Budget != nil && (*params.Budget < MinPlausibleRate || *params.Budget > MaxPlausibleRate)

	if len(missing) > 0 || largeBooking || implausibleBudget {
		return Decision{
			NextAction:             ActionRequestClarification,
			ClarificationNeeded:    true,
			ClarificationQuestions: d.Questions(params, missing),
		}
	}

	if params.Date != nil && params.RoomCount != nil {
		return Decision{
			NextAction:             ActionCallAvailabilityAPI,
			ClarificationNeeded:    false,
			ClarificationQuestions: []string{},
		}
	}

	return Decision{
		NextAction:             ActionRequestClarification,
		ClarificationNeeded:    true,
		ClarificationQuestions: d.Questions(params, missing),
	}
}

// Questions generates clarification questions for the given parameters.
// The result is never empty.
func (d *DecisionEngine) Questions(params RoomRequest, missing []string) []string {
	questions := []string{}

	for _, field := range missing {
		switch field {
		case FieldDate:
			questions = append(questions, questionDate)
		case FieldRoomCount:
			questions = append(questions, questionRoomCount)
		}
	}

	if params.RoomCount != nil && *params.RoomCount > LargeBookingRooms {
		questions = append(questions, fmt.Sprintf(questionLargeBooking, *params.RoomCount))
	}

	if params.Budget != nil {
		amount := strconv.FormatFloat(*params.Budget, 'f', -1, 64)
		switch {
		case *params.Budget < MinPlausibleRate:
			questions = append(questions, fmt.Sprintf(questionLowBudget, amount))
		case *params.Budget > MaxPlausibleRate:
			questions = append(questions, fmt.Sprintf(questionHighBudget, amount))
		}
	}

	if len(questions) == 0 {
		if params.Budget == nil {
			questions = append(questions, questionBudgetFallback)
		} else {
			questions = append(questions, questionPrefsFallback)
		}
	}
	return questions
}

// ShouldEscalate reports whether a human should handle the email. It does
// not change the next action. params may be nil for non-booking emails.
func (d *DecisionEngine) ShouldEscalate(email EmailMessage, params *RoomRequest) bool {
	if params != nil {
		if params.SpecialRequests != "" && sensitiveRequestPattern.MatchString(params.SpecialRequests) {
			return true
		}
		if params.RoomCount != nil && *params.RoomCount > EscalationRooms {
			return true
		}
	}
	return complaintPattern.MatchString(email.Text())
}

// criticalMissing merges the extractor's missing list with what the params
// actually lack, in fixed field order
func criticalMissing(extraction ParameterExtractionResult) []string {
	flagged := make(map[string]bool, len(extraction.MissingFields))
	for _, f := range extraction.MissingFields {
		flagged[f] = true
	}

	var missing []string
	if flagged[FieldDate] || extraction.Params.Date == nil {
		missing = append(missing, FieldDate)
	}
	if flagged[FieldRoomCount] || extraction.Params.RoomCount == nil {
		missing = append(missing, FieldRoomCount)
	}
	return missing
}
