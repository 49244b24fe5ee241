package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/staydesk/staydesk/internal/config"
	"github.com/staydesk/staydesk/internal/dispatch"
	"github.com/staydesk/staydesk/internal/history"
	"github.com/staydesk/staydesk/internal/nlp"
	"github.com/staydesk/staydesk/internal/reply"
)

// routingCompleter labels emails by subject
func routingCompleter(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.HasPrefix(prompt, "You extract booking details"):
		return `{"date": null, "room_count": null, "budget": null}`, nil
	case strings.Contains(prompt, "Subject: Weekly deals"):
		return `{"intent": "IGNORE", "confidence": 0.99}`, nil
	case strings.Contains(prompt, "Subject: Rooms"):
		return `{"intent": "AVAILABILITY_REQUEST", "confidence": 0.95}`, nil
	default:
		return `{"intent": "GENERIC_QUERY", "confidence": 0.9}`, nil
	}
}

type testServerOpts struct {
	completer nlp.Completer
	store     bool
	dispatch  bool
}

func newTestServer(t *testing.T, opts testServerOpts) *Server {
	t.Helper()

	c := opts.completer
	if c == nil {
		c = nlp.CompleterFunc(routingCompleter)
	}
	pipeline := nlp.NewPipeline(
		nlp.NewClassifier(c, nlp.DefaultClassifierConfig(), nil),
		nlp.NewExtractor(c, nlp.DefaultExtractorConfig(), nil),
	)

	cfg := config.Default()
	cfg.Hotel.Name = "Seaside Inn"

	var store *history.Store
	if opts.store {
		var err error
		store, err = history.NewStore(":memory:")
		if err != nil {
			t.Fatalf("NewStore() error = %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	var d *dispatch.Dispatcher
	if opts.dispatch {
		renderer, err := reply.NewRenderer(cfg.Hotel)
		if err != nil {
			t.Fatal(err)
		}
		d = dispatch.New(renderer)
	}

	s, err := NewServer(cfg, pipeline, store, d, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := newTestServer(t, testServerOpts{})
		rec := do(t, s.Handler(), http.MethodGet, "/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decode[map[string]any](t, rec)
		if body["status"] != "ok" || body["confidence_threshold"] != 0.85 {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		down := nlp.CompleterFunc(func(context.Context, string) (string, error) {
			return "", errors.New("connection refused")
		})
		s := newTestServer(t, testServerOpts{completer: down})
		rec := do(t, s.Handler(), http.MethodGet, "/health", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		body := decode[map[string]any](t, rec)
		if body["status"] != "degraded" || !strings.Contains(fmt.Sprint(body["error"]), "connection refused") {
			t.Errorf("body = %v", body)
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")

	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("Content-Security-Policy not set")
	}
}

func TestAPIProcess(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantIntent nlp.IntentType
		wantID     string
	}{
		{
			name:       "free text",
			body:       `{"subject": "Parking", "body": "Is there parking at the hotel?", "sender": "guest@example.com"}`,
			wantStatus: http.StatusOK,
			wantIntent: nlp.IntentGenericQuery,
			wantID:     "manual-",
		},
		{
			name:       "with message id",
			body:       `{"message_id": "abc@mail.example", "subject": "Weekly deals", "body": "Save 50% today", "sender": "promo@example.com"}`,
			wantStatus: http.StatusOK,
			wantIntent: nlp.IntentIgnore,
			wantID:     "abc@mail.example",
		},
		{
			name:       "html body",
			body:       `{"subject": "Parking", "body": "<html><body><p>Is there parking?</p></body></html>", "sender": "guest@example.com"}`,
			wantStatus: http.StatusOK,
			wantIntent: nlp.IntentGenericQuery,
			wantID:     "manual-",
		},
		{
			name:       "empty body",
			body:       `{"subject": "Hi", "body": "   ", "sender": "guest@example.com"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid json",
			body:       `{"subject": `,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testServerOpts{})
			rec := do(t, s.Handler(), http.MethodPost, "/api/process", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			resp := decode[processResponse](t, rec)
			if resp.Result.Intent != tt.wantIntent {
				t.Errorf("intent = %q, want %q", resp.Result.Intent, tt.wantIntent)
			}
			if !strings.HasPrefix(resp.Result.MessageID, tt.wantID) {
				t.Errorf("message_id = %q, want prefix %q", resp.Result.MessageID, tt.wantID)
			}
			if resp.Dispatch != nil {
				t.Errorf("dispatch = %+v, want none", resp.Dispatch)
			}
		})
	}
}

func TestAPIProcessDispatch(t *testing.T) {
	body := `{"message_id": "m1@mail.example", "subject": "Parking", "body": "Is there parking?", "sender": "jane.doe@example.com"}`

	t.Run("not configured", func(t *testing.T) {
		s := newTestServer(t, testServerOpts{})
		rec := do(t, s.Handler(), http.MethodPost, "/api/process?dispatch=true", body)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("rendered without sender", func(t *testing.T) {
		s := newTestServer(t, testServerOpts{dispatch: true, store: true})
		rec := do(t, s.Handler(), http.MethodPost, "/api/process?dispatch=true", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
		}
		resp := decode[processResponse](t, rec)
		if resp.Dispatch == nil {
			t.Fatal("dispatch missing")
		}
		if resp.Dispatch.Status != history.DispatchSkipped || resp.Dispatch.ReplyKind != reply.KindGeneric {
			t.Errorf("dispatch = %+v", resp.Dispatch)
		}
		if resp.Dispatch.Reply == nil || resp.Dispatch.Reply.To != "jane.doe@example.com" || resp.Dispatch.Reply.Subject != "Re: Parking" {
			t.Errorf("reply = %+v", resp.Dispatch.Reply)
		}

		stored, err := s.store.HasResult("m1@mail.example")
		if err != nil || !stored {
			t.Errorf("HasResult() = %v, %v, want stored", stored, err)
		}
	})
}

func TestAPIBatch(t *testing.T) {
	s := newTestServer(t, testServerOpts{store: true})
	body := `{"emails": [
		{"subject": "Parking", "body": "Is there parking?", "sender": "a@example.com"},
		{"subject": "Empty", "body": "", "sender": "b@example.com"},
		{"message_id": "c@mail.example", "subject": "Weekly deals", "body": "Save big", "sender": "promo@example.com"}
	]}`

	rec := do(t, s.Handler(), http.MethodPost, "/api/batch", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	resp := decode[batchResponse](t, rec)
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	if resp.Results[0].Result.Intent != nlp.IntentGenericQuery || resp.Results[1].Result.Intent != nlp.IntentIgnore {
		t.Errorf("intents = %q, %q", resp.Results[0].Result.Intent, resp.Results[1].Result.Intent)
	}
	if resp.Results[1].Result.MessageID != "c@mail.example" {
		t.Errorf("message_id = %q", resp.Results[1].Result.MessageID)
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].Index != 1 {
		t.Errorf("rejected = %+v, want index 1", resp.Rejected)
	}
	if resp.Stats.TotalEmails != 2 || resp.Stats.IntentDistribution[nlp.IntentIgnore] != 1 {
		t.Errorf("stats = %+v", resp.Stats)
	}

	records, err := s.store.GetRecentResults(10)
	if err != nil || len(records) != 2 {
		t.Errorf("stored %d results (%v), want 2", len(records), err)
	}
}

func TestAPIBatchLimits(t *testing.T) {
	s := newTestServer(t, testServerOpts{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/batch", `{"emails": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d, want 400", rec.Code)
	}

	emails := make([]string, maxBatchSize+1)
	for i := range emails {
		emails[i] = `{"subject": "Parking", "body": "Is there parking?"}`
	}
	rec = do(t, s.Handler(), http.MethodPost, "/api/batch", `{"emails": [`+strings.Join(emails, ",")+`]}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized batch status = %d, want 413", rec.Code)
	}
}

func TestAPIBatchAsync(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	h := s.Handler()
	body := `{"emails": [
		{"subject": "Parking", "body": "Is there parking?", "sender": "a@example.com"},
		{"subject": "Weekly deals", "body": "Save big", "sender": "promo@example.com"}
	]}`

	rec := do(t, h, http.MethodPost, "/api/batch?async=true", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	accepted := decode[map[string]any](t, rec)
	jobID, _ := accepted["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job id in %v", accepted)
	}

	var status map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = do(t, h, http.MethodGet, "/api/jobs/"+jobID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("job status code = %d", rec.Code)
		}
		status = decode[map[string]any](t, rec)
		if status["status"] != string(JobStatusRunning) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if status["status"] != string(JobStatusCompleted) {
		t.Fatalf("job = %v, want completed", status)
	}
	if status["processed"] != float64(2) || status["progress"] != float64(100) {
		t.Errorf("progress = %v/%v", status["processed"], status["progress"])
	}
	results, _ := status["results"].([]any)
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestAPIJobNotFound(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/api/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/nope/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel status = %d, want 404", rec.Code)
	}
}

func TestAPIJobCancel(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	job := s.jobManager.Create(10)

	rec := do(t, s.Handler(), http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !job.IsCancelled() {
		t.Error("job not cancelled")
	}
	if job.Context().Err() == nil {
		t.Error("job context not cancelled")
	}
}

func TestAPIResultsAndStats(t *testing.T) {
	s := newTestServer(t, testServerOpts{store: true})
	h := s.Handler()

	for _, body := range []string{
		`{"message_id": "a@x", "subject": "Parking", "body": "Is there parking?", "sender": "a@example.com"}`,
		`{"message_id": "b@x", "subject": "Weekly deals", "body": "Save big", "sender": "promo@example.com"}`,
		`{"message_id": "c@x", "subject": "Pool", "body": "Is the pool open?", "sender": "c@example.com"}`,
	} {
		if rec := do(t, h, http.MethodPost, "/api/process", body); rec.Code != http.StatusOK {
			t.Fatalf("process status = %d", rec.Code)
		}
	}

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"all", "/api/results", 3},
		{"by intent", "/api/results?intent=generic_query", 2},
		{"by action", "/api/results?action=ignore_email", 1},
		{"limit", "/api/results?limit=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
			}
			body := decode[struct {
				Results []recordView `json:"results"`
				Count   int          `json:"count"`
			}](t, rec)
			if body.Count != tt.want || len(body.Results) != tt.want {
				t.Errorf("got %d results, want %d", body.Count, tt.want)
			}
		})
	}

	t.Run("bad filter", func(t *testing.T) {
		for _, target := range []string{"/api/results?action=book", "/api/results?since=yesterday", "/api/stats?limit=-1"} {
			if rec := do(t, h, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
				t.Errorf("%s status = %d, want 400", target, rec.Code)
			}
		}
	})

	t.Run("single result", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/results/b@x", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		view := decode[recordView](t, rec)
		if view.Result.NextAction != nlp.ActionIgnoreEmail {
			t.Errorf("next_action = %q", view.Result.NextAction)
		}
		if rec := do(t, h, http.MethodGet, "/api/results/zzz", ""); rec.Code != http.StatusNotFound {
			t.Errorf("missing status = %d, want 404", rec.Code)
		}
	})

	t.Run("stats", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/stats", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decode[struct {
			Stats nlp.Stats `json:"stats"`
		}](t, rec)
		if body.Stats.TotalEmails != 3 || body.Stats.IntentDistribution[nlp.IntentGenericQuery] != 2 {
			t.Errorf("stats = %+v", body.Stats)
		}
	})
}

func TestAPIWithoutStore(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	for _, target := range []string{"/api/results", "/api/results/a", "/api/stats"} {
		if rec := do(t, s.Handler(), http.MethodGet, target, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", target, rec.Code)
		}
	}
}

func TestAPIRateLimit(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	s.rateLimiter = NewRateLimiter(1, time.Minute)
	h := s.Handler()

	body := `{"subject": "Parking", "body": "Is there parking?"}`
	if rec := do(t, h, http.MethodPost, "/api/process", body); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/process", body); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", rec.Code)
	}
	// Health and metrics are not limited
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestRateLimiterPrune(t *testing.T) {
	rl := NewRateLimiter(5, time.Millisecond)
	rl.Allow("a")
	time.Sleep(5 * time.Millisecond)
	rl.Prune()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.clients) != 0 {
		t.Errorf("got %d clients, want 0", len(rl.clients))
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	for i := 0; i < 2; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d refused inside the burst", i+1)
		}
	}
	if rl.Allow("a") {
		t.Error("third request allowed, want refused")
	}
	if !rl.Allow("b") {
		t.Error("other client refused")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	h := s.Handler()
	do(t, h, http.MethodGet, "/health", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "staydesk_http_request_duration_seconds") {
		t.Error("http duration metric not exported")
	}
}

func TestTryPage(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	page := rec.Body.String()
	if !strings.Contains(page, "Seaside Inn") || !strings.Contains(page, `name="gorilla.csrf.Token"`) {
		t.Errorf("page missing hotel name or CSRF field")
	}

	req := httptest.NewRequest(http.MethodPost, "/try", strings.NewReader("subject=Parking&body=Is+there+parking%3F"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("POST without token status = %d, want 403", rec.Code)
	}
}
