package nlp

import (
	"strings"
	"testing"
	"time"
)

func extraction(params RoomRequest) ParameterExtractionResult {
	return ParameterExtractionResult{
		Params:        params,
		Confidence:    ExtractionConfidence(params),
		MissingFields: params.MissingCritical(),
	}
}

func TestDecide(t *testing.T) {
	date := datePtr(2026, time.December, 25)

	tests := []struct {
		name          string
		params        RoomRequest
		wantAction    NextAction
		wantQuestions int
		wantContains  string
	}{
		{
			name:       "complete request goes to availability lookup",
			params:     RoomRequest{Date: date, RoomCount: intPtr(2), Budget: floatPtr(150)},
			wantAction: ActionCallAvailabilityAPI,
		},
		{
			name:       "budget is optional",
			params:     RoomRequest{Date: date, RoomCount: intPtr(1)},
			wantAction: ActionCallAvailabilityAPI,
		},
		{
			name:          "nothing extracted",
			params:        RoomRequest{},
			wantAction:    ActionRequestClarification,
			wantQuestions: 2,
			wantContains:  "check-in date",
		},
		{
			name:          "missing date",
			params:        RoomRequest{RoomCount: intPtr(2)},
			wantAction:    ActionRequestClarification,
			wantQuestions: 1,
			wantContains:  "check-in date",
		},
		{
			name:          "missing room count",
			params:        RoomRequest{Date: date},
			wantAction:    ActionRequestClarification,
			wantQuestions: 1,
			wantContains:  "How many rooms",
		},
		{
			name:          "large booking",
			params:        RoomRequest{Date: date, RoomCount: intPtr(7)},
			wantAction:    ActionRequestClarification,
			wantQuestions: 1,
			wantContains:  "7",
		},
		{
			name:          "five rooms is not a large booking",
			params:        RoomRequest{Date: date, RoomCount: intPtr(5)},
			wantAction:    ActionCallAvailabilityAPI,
			wantQuestions: 0,
		},
		{
			name:          "budget too high",
			params:        RoomRequest{Date: date, RoomCount: intPtr(2), Budget: floatPtr(5000)},
			wantAction:    ActionRequestClarification,
			wantQuestions: 1,
			wantContains:  "5000",
		},
		{
			name:          "budget too low",
			params:        RoomRequest{Date: date, RoomCount: intPtr(2), Budget: floatPtr(25)},
			wantAction:    ActionRequestClarification,
			wantQuestions: 1,
			wantContains:  "low",
		},
		{
			name:          "fractional budget keeps its decimals",
			params:        RoomRequest{Date: date, RoomCount: intPtr(2), Budget: floatPtr(2500.5)},
			wantAction:    ActionRequestClarification,
			wantQuestions: 1,
			wantContains:  "$2500.5 ",
		},
		{
			name:          "several problems at once",
			params:        RoomRequest{RoomCount: intPtr(8), Budget: floatPtr(20)},
			wantAction:    ActionRequestClarification,
			wantQuestions: 3,
		},
	}

	d := NewDecisionEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Decide(testEmail("", "body"), extraction(tt.params))

			if got.NextAction != tt.wantAction {
				t.Errorf("action = %q, want %q", got.NextAction, tt.wantAction)
			}
			if got.ClarificationNeeded != (tt.wantAction == ActionRequestClarification) {
				t.Errorf("clarification_needed = %v for action %q", got.ClarificationNeeded, got.NextAction)
			}
			if got.ClarificationQuestions == nil {
				t.Error("questions is nil, want a list")
			}
			if len(got.ClarificationQuestions) != tt.wantQuestions {
				t.Errorf("got %d questions %q, want %d", len(got.ClarificationQuestions), got.ClarificationQuestions, tt.wantQuestions)
			}
			if tt.wantContains != "" && !anyContains(got.ClarificationQuestions, tt.wantContains) {
				t.Errorf("questions %q do not mention %q", got.ClarificationQuestions, tt.wantContains)
			}
		})
	}
}

func TestDecideHonorsExtractorMissingList(t *testing.T) {
	ext := ParameterExtractionResult{
		Params:        RoomRequest{Date: datePtr(2026, time.December, 25), RoomCount: intPtr(2)},
		MissingFields: []string{FieldDate},
	}
	got := NewDecisionEngine().Decide(testEmail("", "body"), ext)
	if got.NextAction != ActionRequestClarification {
		t.Errorf("action = %q, want %q", got.NextAction, ActionRequestClarification)
	}
}

func TestQuestionsFallback(t *testing.T) {
	d := NewDecisionEngine()

	noBudget := d.Questions(RoomRequest{}, nil)
	if len(noBudget) != 1 || !strings.Contains(noBudget[0], "budget") {
		t.Errorf("got %q, want the budget question", noBudget)
	}

	withBudget := d.Questions(RoomRequest{Budget: floatPtr(150)}, nil)
	if len(withBudget) != 1 || !strings.Contains(withBudget[0], "preferences") {
		t.Errorf("got %q, want the preferences question", withBudget)
	}
}

func TestShouldEscalate(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		params *RoomRequest
		want   bool
	}{
		{
			name:   "accessibility request",
			body:   "2 rooms please",
			params: &RoomRequest{SpecialRequests: "wheelchair accessible bathroom"},
			want:   true,
		},
		{
			name:   "ordinary special request",
			body:   "2 rooms please",
			params: &RoomRequest{SpecialRequests: "late checkout"},
			want:   false,
		},
		{
			name:   "very large booking",
			body:   "rooms for our team",
			params: &RoomRequest{RoomCount: intPtr(12)},
			want:   true,
		},
		{
			name:   "ten rooms is handled normally",
			body:   "rooms for our team",
			params: &RoomRequest{RoomCount: intPtr(10)},
			want:   false,
		},
		{
			name: "complaint language without params",
			body: "I am very disappointed with my last stay",
			want: true,
		},
		{
			name: "plain question",
			body: "What time is breakfast served?",
			want: false,
		},
		{
			name: "keywords match whole words only",
			body: "Is the tissue box complimentary?",
			want: false,
		},
	}

	d := NewDecisionEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.ShouldEscalate(testEmail("Hello", tt.body), tt.params); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func anyContains(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
