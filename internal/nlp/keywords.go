package nlp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Keyword patterns for offline classification
var (
	// Booking indicators in the body
	availabilityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brooms?\b`),
		regexp.MustCompile(`(?i)\bavailab(le|ility)\b`),
		regexp.MustCompile(`(?i)\b(book|booking|reserve|reservation)s?\b`),
		regexp.MustCompile(`(?i)\bcheck[\s-]?(in|out)\b`),
		regexp.MustCompile(`(?i)\b(rates?|prices?|quote)\b`),
		regexp.MustCompile(`(?i)\b(nights?|stay|suite|accommodation)\b`),
		regexp.MustCompile(`(?i)\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`),
		regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(st|nd|rd|th)?\b`),
		regexp.MustCompile(`(?i)\b\d+\s+(guests?|persons?|people|adults?|children)\b`),
		regexp.MustCompile(`(?i)\bparty\s+of\s+\d+\b`),
	}

	// General question indicators
	genericPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(information|directions|location|address)\b`),
		regexp.MustCompile(`(?i)\b(parking|wifi|wi-fi|breakfast|pool|gym|spa|restaurant)\b`),
		regexp.MustCompile(`(?i)\b(policy|policies|pets?|smoking)\b`),
		regexp.MustCompile(`(?i)\b(invoice|receipt|lost\s+and\s+found|left\s+behind)\b`),
		regexp.MustCompile(`(?i)\b(complaint|disappointed|refund|cancel|feedback)\b`),
		regexp.MustCompile(`(?i)\bopening\s+hours\b`),
	}

	// Marketing, spam and automated mail indicators
	ignorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bunsubscribe\b`),
		regexp.MustCompile(`(?i)\bnewsletter\b`),
		regexp.MustCompile(`(?i)\b(limited\s+time|act\s+now|special\s+offer|exclusive\s+deal)\b`),
		regexp.MustCompile(`(?i)\b(winner|lottery|prize|congratulations)\b`),
		regexp.MustCompile(`(?i)\bclick\s+(here|below)\b`),
		regexp.MustCompile(`(?i)\b(seo|backlinks?|crypto|investment\s+opportunity)\b`),
		regexp.MustCompile(`(?i)\b(do\s+not|don't)\s+reply\b`),
		regexp.MustCompile(`(?i)\bthis\s+is\s+an\s+automated\b`),
		regexp.MustCompile(`(?i)\d+%\s+off\b`),
	}

	// Subject-specific patterns (stronger signal, worth +3)
	subjectAvailabilityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bavailab(le|ility)\b`),
		regexp.MustCompile(`(?i)\b(booking|reservation)\s+(request|inquiry|enquiry)\b`),
		regexp.MustCompile(`(?i)\broom\s+(request|inquiry|enquiry|rates?)\b`),
	}
	subjectIgnorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bnewsletter\b`),
		regexp.MustCompile(`(?i)\d+%\s+off\b`),
		regexp.MustCompile(`(?i)^(\[?ad\]?|promo)\b`),
		regexp.MustCompile(`(?i)\b(you('ve)?\s+won|winner)\b`),
	}
)

// KeywordClassifier scores an email against keyword families. It is used
// when no completion service is configured and follows the same
// confidence floor as the model-backed classifier.
type KeywordClassifier struct {
	threshold float64
}

// NewKeywordClassifier creates an offline classifier
func NewKeywordClassifier(threshold float64) *KeywordClassifier {
	return &KeywordClassifier{threshold: threshold}
}

// Classify implements IntentClassifier
func (k *KeywordClassifier) Classify(_ context.Context, email EmailMessage) IntentClassificationResult {
	subject := strings.ToLower(email.Subject)
	content := strings.ToLower(email.Body)

	scores := map[IntentType]int{
		IntentAvailabilityRequest: 0,
		IntentGenericQuery:        0,
		IntentIgnore:              0,
	}

	for _, p := range subjectAvailabilityPatterns {
		if p.MatchString(subject) {
			scores[IntentAvailabilityRequest] += 3
		}
	}
	for _, p := range subjectIgnorePatterns {
		if p.MatchString(subject) {
			scores[IntentIgnore] += 3
		}
	}
	for _, p := range availabilityPatterns {
		if p.MatchString(content) {
			scores[IntentAvailabilityRequest]++
		}
	}
	for _, p := range genericPatterns {
		if p.MatchString(content) || p.MatchString(subject) {
			scores[IntentGenericQuery]++
		}
	}
	for _, p := range ignorePatterns {
		if p.MatchString(content) {
			scores[IntentIgnore]++
		}
	}

	// Fixed iteration order keeps ties deterministic
	best, maxScore, secondScore := IntentGenericQuery, 0, 0
	for _, intent := range []IntentType{IntentAvailabilityRequest, IntentGenericQuery, IntentIgnore} {
		score := scores[intent]
		if score > maxScore {
			secondScore = maxScore
			maxScore = score
			best = intent
		} else if score > secondScore {
			secondScore = score
		}
	}

	if maxScore == 0 {
		return ApplyConfidenceFloor(IntentClassificationResult{
			Intent:     IntentGenericQuery,
			Confidence: fallbackConfidence,
		}, k.threshold)
	}

	// Confidence from the margin over the runner-up
	var confidence float64
	if secondScore == 0 {
		confidence = 0.85
		if maxScore >= 3 {
			confidence = 0.9
		}
	} else {
		margin := float64(maxScore-secondScore) / float64(maxScore)
		confidence = 0.5 + margin*0.4
	}

	return ApplyConfidenceFloor(IntentClassificationResult{
		Intent:     best,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("keyword score %d (runner-up %d)", maxScore, secondScore),
	}, k.threshold)
}
