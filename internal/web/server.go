package web

import (
	"context"
	"crypto/rand"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/staydesk/staydesk/internal/config"
	"github.com/staydesk/staydesk/internal/dispatch"
	"github.com/staydesk/staydesk/internal/history"
	"github.com/staydesk/staydesk/internal/metrics"
	"github.com/staydesk/staydesk/internal/nlp"
	"github.com/staydesk/staydesk/internal/reply"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	defaultRateLimit  = 60
	defaultRateWindow = time.Minute
	maxBodyBytes      = 1 << 20
	maxBatchSize      = 100
	maxActiveJobs     = 2
	jobRetention      = time.Hour
	healthTimeout     = 10 * time.Second
)

// RateLimiter keeps one token bucket per client key. A key refills at
// limit requests per window and may burst up to limit.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	every   rate.Limit
	burst   int
	window  time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// Prune drops keys idle for a whole window; their buckets are full again
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// Server exposes the pipeline over HTTP. The store and dispatcher are
// optional; endpoints that need a missing one answer 503.
type Server struct {
	config      *config.Config
	pipeline    *nlp.Pipeline
	dispatcher  *dispatch.Dispatcher
	store       *history.Store
	logger      *zap.Logger
	templates   *template.Template
	httpServer  *http.Server
	csrfKey     []byte
	rateLimiter *RateLimiter
	jobManager  *JobManager
	now         func() time.Time
}

func NewServer(cfg *config.Config, pipeline *nlp.Pipeline, store *history.Store, dispatcher *dispatch.Dispatcher, logger *zap.Logger) (*Server, error) {
	csrfKey := make([]byte, 32)
	if _, err := rand.Read(csrfKey); err != nil {
		return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tmpl, err := template.New("").Funcs(template.FuncMap{
		"pct": func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
	}).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	return &Server{
		config:      cfg,
		pipeline:    pipeline,
		dispatcher:  dispatcher,
		store:       store,
		logger:      logger,
		templates:   tmpl,
		csrfKey:     csrfKey,
		rateLimiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
		jobManager:  NewJobManager(),
		now:         time.Now,
	}, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // synchronous batches call the model per email
		IdleTimeout:  60 * time.Second,
	}

	go s.housekeeping(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.Prune()
			s.jobManager.Cleanup(jobRetention)
		}
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(recordDuration)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Try-it page, form posts are CSRF protected
	r.Group(func(r chi.Router) {
		r.Use(markPlaintext)
		r.Use(csrf.Protect(
			s.csrfKey,
			csrf.Secure(false),
			csrf.Path("/"),
			csrf.HttpOnly(true),
			csrf.SameSite(csrf.SameSiteLaxMode),
			csrf.TrustedOrigins(s.config.Server.TrustedOrigins),
		))
		r.Get("/", s.handleIndex)
		r.Post("/try", s.handleTry)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/process", s.handleAPIProcess)
		r.Post("/batch", s.handleAPIBatch)
		r.Get("/jobs/{jobID}", s.handleAPIJobStatus)
		r.Post("/jobs/{jobID}/cancel", s.handleAPIJobCancel)
		r.Get("/results", s.handleAPIResults)
		r.Get("/results/{messageID}", s.handleAPIResult)
		r.Get("/stats", s.handleAPIStats)
	})

	return r
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		csp := "default-src 'self'; " +
			"style-src 'self' 'unsafe-inline'; " +
			"img-src 'self' data:; " +
			"frame-ancestors 'none'; " +
			"form-action 'self'; " +
			"base-uri 'self'"
		w.Header().Set("Content-Security-Policy", csp)

		// Email bodies are customer data
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		w.Header().Set("Pragma", "no-cache")

		next.ServeHTTP(w, r)
	})
}

// markPlaintext tells csrf which requests arrived without TLS so the
// HTTPS-only referer check is skipped for them
func markPlaintext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			r = csrf.PlaintextHTTPRequest(r)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// recordDuration labels requests by route pattern to keep cardinality bounded
func recordDuration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequestDuration(r.Method, path, strconv.Itoa(status), time.Since(start))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry in a minute")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// emailRequest is one email as submitted to the API. Without a message id
// the email is treated as free text and gets a generated manual id.
type emailRequest struct {
	MessageID  string    `json:"message_id,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

func (e emailRequest) toMessage(now time.Time) (nlp.EmailMessage, error) {
	received := e.ReceivedAt
	if received.IsZero() {
		received = now
	}
	cleaned := nlp.Normalize(e.Subject, e.Body, nlp.LooksLikeHTML(e.Body))
	return nlp.NewEmailMessage(e.MessageID, e.Subject, cleaned, e.Sender, received)
}

func (s *Server) process(ctx context.Context, e emailRequest) (nlp.Result, error) {
	if e.MessageID == "" {
		return s.pipeline.ProcessText(ctx, e.Subject, e.Body, e.Sender)
	}
	msg, err := e.toMessage(s.now())
	if err != nil {
		return nlp.Result{}, err
	}
	return s.pipeline.Process(ctx, msg), nil
}

// dispatchView is the JSON form of a dispatch outcome
type dispatchView struct {
	Status    history.DispatchStatus `json:"status"`
	ReplyKind reply.Kind             `json:"reply_kind,omitempty"`
	Reply     *reply.Reply           `json:"reply,omitempty"`
	Escalated bool                   `json:"escalated"`
	SentID    string                 `json:"sent_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func newDispatchView(out dispatch.Outcome) *dispatchView {
	v := &dispatchView{
		Status:    out.Status,
		ReplyKind: out.ReplyKind,
		Reply:     out.Reply,
		Escalated: out.Escalated,
		SentID:    out.SentID,
	}
	if out.Err != nil {
		v.Error = out.Err.Error()
	}
	return v
}

type processResponse struct {
	Result   nlp.Result    `json:"result"`
	Dispatch *dispatchView `json:"dispatch,omitempty"`
}

// finish persists a result and dispatches it when asked to
func (s *Server) finish(ctx context.Context, result nlp.Result, doDispatch bool) processResponse {
	resp := processResponse{Result: result}
	if s.store != nil {
		if _, err := s.store.AddResult(result); err != nil {
			s.logger.Error("failed to store result", zap.String("message_id", result.MessageID), zap.Error(err))
		}
	}
	if doDispatch && s.dispatcher != nil {
		resp.Dispatch = newDispatchView(s.dispatcher.Dispatch(ctx, result))
	}
	return resp
}

func wantsDispatch(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("dispatch"))
	return v
}

func (s *Server) handleAPIProcess(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doDispatch := wantsDispatch(r)
	if doDispatch && s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch is not configured")
		return
	}

	result, err := s.process(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.finish(r.Context(), result, doDispatch))
}

type batchRequest struct {
	Emails []emailRequest `json:"emails"`
}

type batchResponse struct {
	Results  []processResponse `json:"results"`
	Stats    nlp.Stats         `json:"stats"`
	Rejected []rejectedEmail   `json:"rejected,omitempty"`
}

type rejectedEmail struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// toMessages converts a batch. Emails without a message id get their
// index-based id; emails with an empty body are rejected individually.
func (s *Server) toMessages(req batchRequest, prefix string) ([]nlp.EmailMessage, []rejectedEmail) {
	now := s.now()
	msgs := make([]nlp.EmailMessage, 0, len(req.Emails))
	var rejected []rejectedEmail
	for i, e := range req.Emails {
		if e.MessageID == "" {
			e.MessageID = fmt.Sprintf("%s-%d", prefix, i)
		}
		msg, err := e.toMessage(now)
		if err != nil {
			rejected = append(rejected, rejectedEmail{Index: i, Error: err.Error()})
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, rejected
}

func (s *Server) handleAPIBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Emails) == 0 {
		writeError(w, http.StatusBadRequest, "emails must not be empty")
		return
	}
	if len(req.Emails) > maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d emails per batch", maxBatchSize))
		return
	}

	doDispatch := wantsDispatch(r)
	if doDispatch && s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch is not configured")
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		job, ok := s.jobManager.CreateIfBelow(0, maxActiveJobs)
		if !ok {
			writeError(w, http.StatusConflict, "too many batch jobs in progress")
			return
		}
		msgs, rejected := s.toMessages(req, "batch-"+job.ID)
		job.mu.Lock()
		job.Total = len(msgs)
		job.mu.Unlock()

		go s.runJob(job, msgs, doDispatch)

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id":     job.ID,
			"total":      len(msgs),
			"rejected":   rejected,
			"status_url": "/api/jobs/" + job.ID,
		})
		return
	}

	msgs, rejected := s.toMessages(req, "batch-"+strconv.FormatInt(s.now().UnixNano(), 36))
	results := s.pipeline.ProcessBatch(r.Context(), msgs)

	resp := batchResponse{
		Results:  make([]processResponse, 0, len(results)),
		Stats:    nlp.Summarize(results),
		Rejected: rejected,
	}
	for _, result := range results {
		resp.Results = append(resp.Results, s.finish(r.Context(), result, doDispatch))
	}
	writeJSON(w, http.StatusOK, resp)
}

// runJob processes a batch in chunks of the configured worker count so
// progress and cancellation are observed between chunks
func (s *Server) runJob(job *Job, msgs []nlp.EmailMessage, doDispatch bool) {
	ctx := job.Context()
	chunk := max(s.config.NLP.BatchWorkers, 1)

	s.logger.Info("batch job started", zap.String("job_id", job.ID), zap.Int("total", len(msgs)))

	for start := 0; start < len(msgs); start += chunk {
		if ctx.Err() != nil {
			break
		}
		end := min(start+chunk, len(msgs))
		results := s.pipeline.ProcessBatch(ctx, msgs[start:end])
		if ctx.Err() != nil {
			// Results computed under a cancelled context are fallbacks
			break
		}
		for _, result := range results {
			s.finish(ctx, result, doDispatch)
		}
		job.Add(results...)
	}

	job.Complete()
	s.logger.Info("batch job finished",
		zap.String("job_id", job.ID),
		zap.Bool("cancelled", job.IsCancelled()),
	)
}

func (s *Server) handleAPIJobStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobManager.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.ToJSON())
}

func (s *Server) handleAPIJobCancel(w http.ResponseWriter, r *http.Request) {
	job := s.jobManager.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(JobStatusCancelled)})
}

// recordView is the JSON form of a stored result
type recordView struct {
	ID          int64              `json:"id"`
	ProcessedAt time.Time          `json:"processed_at"`
	Result      nlp.Result         `json:"result"`
	Dispatches  []history.Dispatch `json:"dispatches,omitempty"`
}

func parseAction(s string) (nlp.NextAction, bool) {
	switch a := nlp.NextAction(s); a {
	case nlp.ActionCallAvailabilityAPI, nlp.ActionSendGenericReply, nlp.ActionRequestClarification, nlp.ActionIgnoreEmail:
		return a, true
	}
	return "", false
}

// parseFilter reads intent, action, escalated, since (RFC 3339) and limit
func parseFilter(r *http.Request) (history.ResultFilter, error) {
	q := r.URL.Query()
	var f history.ResultFilter

	if v := q.Get("intent"); v != "" {
		intent, ok := nlp.ParseIntent(v)
		if !ok {
			return f, fmt.Errorf("unknown intent %q", v)
		}
		f.Intent = intent
	}
	if v := q.Get("action"); v != "" {
		action, ok := parseAction(v)
		if !ok {
			return f, fmt.Errorf("unknown action %q", v)
		}
		f.NextAction = action
	}
	if v := q.Get("escalated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid escalated %q", v)
		}
		f.EscalatedOnly = b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since %q: want RFC 3339", v)
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleAPIResults(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit == 0 {
		f.Limit = 50
	}

	records, err := s.store.ListResults(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView{ID: rec.ID, ProcessedAt: rec.ProcessedAt, Result: rec.Result})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": views, "count": len(views)})
}

func (s *Server) handleAPIResult(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}
	id := chi.URLParam(r, "messageID")
	rec, err := s.store.GetResult(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	dispatches, err := s.store.GetDispatches(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordView{ID: rec.ID, ProcessedAt: rec.ProcessedAt, Result: rec.Result, Dispatches: dispatches})
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.store.GetStats(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dispatches, err := s.store.GetDispatchStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":      stats,
		"dispatches": dispatches,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	body := map[string]interface{}{
		"status":               "ok",
		"llm_provider":         s.config.LLM.Provider,
		"model":                s.config.LLM.Model,
		"confidence_threshold": s.config.NLP.ConfidenceThreshold,
		"history":              s.store != nil,
		"dispatch":             s.dispatcher != nil,
		"active_jobs":          s.jobManager.Active(),
	}

	status := http.StatusOK
	if err := s.pipeline.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["error"] = err.Error()
	}
	writeJSON(w, status, body)
}

type pageData struct {
	HotelName string
	CSRFField template.HTML
	Subject   string
	Body      string
	Sender    string
	Result    *nlp.Result
	Error     string
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, data pageData) {
	data.HotelName = s.config.Hotel.Name
	data.CSRFField = csrf.TemplateField(r)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Error("template error", zap.Error(err))
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, pageData{})
}

// handleTry runs the pipeline on the submitted form without storing or
// dispatching anything
func (s *Server) handleTry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	data := pageData{
		Subject: strings.TrimSpace(r.FormValue("subject")),
		Body:    r.FormValue("body"),
		Sender:  strings.TrimSpace(r.FormValue("sender")),
	}

	result, err := s.pipeline.ProcessText(r.Context(), data.Subject, data.Body, data.Sender)
	if err != nil {
		data.Error = err.Error()
	} else {
		data.Result = &result
	}
	s.render(w, r, data)
}
