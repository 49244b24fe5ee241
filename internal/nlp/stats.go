package nlp

import "math"

// Stats summarizes a batch of results
type Stats struct {
	TotalEmails              int                `json:"total_emails"`
	IntentDistribution       map[IntentType]int `json:"intent_distribution"`
	ActionDistribution       map[NextAction]int `json:"action_distribution"`
	AverageConfidence        float64            `json:"average_confidence"`
	AverageProcessingTimeMs  float64            `json:"average_processing_time_ms"`
	ClarificationNeededCount int                `json:"clarification_needed_count"`
	EscalationCount          int                `json:"escalation_count"`
}

// Summarize computes batch statistics. An empty batch yields zeroed stats.
func Summarize(results []Result) Stats {
	stats := Stats{
		TotalEmails:        len(results),
		IntentDistribution: map[IntentType]int{},
		ActionDistribution: map[NextAction]int{},
	}
	if len(results) == 0 {
		return stats
	}

	var confidenceSum, timeSum float64
	for _, r := range results {
		stats.IntentDistribution[r.Intent]++
		stats.ActionDistribution[r.NextAction]++
		confidenceSum += r.Confidence
		timeSum += r.ProcessingTimeMs
		if r.ClarificationNeeded {
			stats.ClarificationNeededCount++
		}
		if r.Escalate {
			stats.EscalationCount++
		}
	}

	n := float64(len(results))
	stats.AverageConfidence = roundTo(confidenceSum/n, 3)
	stats.AverageProcessingTimeMs = roundTo(timeSum/n, 2)
	return stats
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
