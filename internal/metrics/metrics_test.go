package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/staydesk/staydesk/internal/nlp"
)

func TestRecordResult(t *testing.T) {
	counter := EmailsProcessed.WithLabelValues(string(nlp.IntentIgnore), string(nlp.ActionIgnoreEmail))
	before := testutil.ToFloat64(counter)
	escalatedBefore := testutil.ToFloat64(EmailsEscalated)

	RecordResult(nlp.Result{Intent: nlp.IntentIgnore, NextAction: nlp.ActionIgnoreEmail, ProcessingTimeMs: 3})
	RecordResult(nlp.Result{Intent: nlp.IntentIgnore, NextAction: nlp.ActionIgnoreEmail, ProcessingTimeMs: 4, Escalate: true})

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("processed delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(EmailsEscalated) - escalatedBefore; got != 1 {
		t.Errorf("escalated delta = %v, want 1", got)
	}
}

func TestIncrementDispatch(t *testing.T) {
	counter := DispatchCount.WithLabelValues("send_generic_reply", "sent")
	before := testutil.ToFloat64(counter)

	IncrementDispatch("send_generic_reply", "sent")

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("dispatch delta = %v, want 1", got)
	}
}

func TestRecordLLMCall(t *testing.T) {
	RecordLLMCall("openai", "ok", 120*time.Millisecond)
	if n := testutil.CollectAndCount(LLMCallDuration); n == 0 {
		t.Error("no llm call series collected")
	}
}
