package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/availability"
	"github.com/staydesk/staydesk/internal/config"
	"github.com/staydesk/staydesk/internal/dedup"
	"github.com/staydesk/staydesk/internal/dispatch"
	"github.com/staydesk/staydesk/internal/email"
	"github.com/staydesk/staydesk/internal/history"
	"github.com/staydesk/staydesk/internal/llm"
	"github.com/staydesk/staydesk/internal/logger"
	"github.com/staydesk/staydesk/internal/metrics"
	"github.com/staydesk/staydesk/internal/mq"
	"github.com/staydesk/staydesk/internal/nlp"
	"github.com/staydesk/staydesk/internal/reply"
)

type appOptions struct {
	store    bool // Open the history database
	dispatch bool // Build the dispatcher (replies, availability, events)
}

// app holds the components shared by the commands
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	llm        llm.Client
	pipeline   *nlp.Pipeline
	store      *history.Store
	dispatcher *dispatch.Dispatcher
	closers    []func()
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := config.Load(config.ResolvePath(cfgFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	a.llm, a.pipeline, err = buildPipeline(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	if opts.store {
		store, err := history.NewStore(cfg.History.DBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() { store.Close() })
	}

	if opts.dispatch {
		d, closeFn, err := buildDispatcher(cfg, a.store, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.dispatcher = d
		a.closers = append(a.closers, closeFn)
	}

	logStartup(log, cfg, a.store != nil, a.dispatcher != nil)
	return a, nil
}

// Close releases everything in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) offline() bool {
	return llm.IsDisabled(a.llm)
}

// buildPipeline wires the classifier and extractor to the configured
// completion service, or to the keyword classifier and pattern-only
// extraction when the provider is "none"
func buildPipeline(cfg *config.Config, log *zap.Logger) (llm.Client, *nlp.Pipeline, error) {
	client, err := llm.New(llm.Config{
		Provider:          cfg.LLM.Provider,
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey(),
		BaseURL:           cfg.LLM.BaseURL,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		MaxRetries:        cfg.LLM.MaxRetries,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	var (
		classifier nlp.IntentClassifier
		completer  nlp.Completer
	)
	if llm.IsDisabled(client) {
		classifier = nlp.NewKeywordClassifier(cfg.NLP.ConfidenceThreshold)
	} else {
		completer = client
		classifier = nlp.NewClassifier(client, nlp.ClassifierConfig{
			Threshold:    cfg.NLP.ConfidenceThreshold,
			MaxBodyChars: cfg.NLP.ClassifierMaxChars,
			Timeout:      cfg.NLP.Timeout(),
		}, log)
	}

	extractor := nlp.NewExtractor(completer, nlp.ExtractorConfig{
		MaxBodyChars: cfg.NLP.ExtractorMaxChars,
		Timeout:      cfg.NLP.Timeout(),
	}, log)

	pipeline := nlp.NewPipeline(classifier, extractor,
		nlp.WithLogger(log),
		nlp.WithWorkers(cfg.NLP.BatchWorkers),
		nlp.WithObserver(metrics.RecordResult),
	)
	return client, pipeline, nil
}

// buildDispatcher wires reply sending, the availability backend and the
// event publisher. Each is optional; a broker that cannot be reached is
// logged and skipped so routing keeps working.
func buildDispatcher(cfg *config.Config, store *history.Store, log *zap.Logger) (*dispatch.Dispatcher, func(), error) {
	renderer, err := reply.NewRenderer(cfg.Hotel)
	if err != nil {
		return nil, nil, err
	}

	opts := []dispatch.Option{dispatch.WithLogger(log)}
	if store != nil {
		opts = append(opts, dispatch.WithRecorder(store))
	}

	if cfg.Email.Provider != "" || cfg.Email.DryRun {
		if !cfg.Email.DryRun {
			if err := cfg.ValidateEmail(); err != nil {
				return nil, nil, fmt.Errorf("invalid email config: %w", err)
			}
		}
		sender, err := email.NewSender(cfg.Email, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create email sender: %w", err)
		}
		opts = append(opts,
			dispatch.WithSender(sender, cfg.Email.From, cfg.Email.FromName),
			dispatch.WithDailyLimit(cfg.Email.ReplyLimit()),
		)
	}

	if cfg.Availability.BaseURL != "" {
		opts = append(opts, dispatch.WithAvailability(
			availability.NewClient(cfg.Availability.BaseURL, cfg.Availability.Timeout()),
		))
	}

	closeFn := func() {}
	if cfg.MQ.URL != "" {
		pub, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			log.Warn("event publishing disabled", zap.Error(err))
		} else {
			opts = append(opts, dispatch.WithPublisher(pub))
			closeFn = pub.Close
		}
	}

	return dispatch.New(renderer, opts...), closeFn, nil
}

// pingBroker opens and closes a publisher to check the broker is reachable
func pingBroker(cfg config.MQConfig) error {
	pub, err := mq.NewPublisher(cfg.URL, cfg.Exchange)
	if err != nil {
		return err
	}
	defer pub.Close()
	if !pub.IsConnected() {
		return errors.New("broker connection closed")
	}
	return nil
}

// dedupChecker returns the Redis filter when configured, otherwise a
// checker that accepts everything (the history store still skips ids it
// has already recorded)
func (a *app) dedupChecker(ctx context.Context) (dedup.Checker, func()) {
	if a.cfg.Redis.Addr == "" {
		return dedup.None{}, func() {}
	}
	filter := dedup.NewFilter(dedup.NewClient(a.cfg.Redis), a.cfg.Redis.DedupTTL(), a.logger)
	if err := filter.Ping(ctx); err != nil {
		a.logger.Warn("redis unreachable, deduplicating through history only", zap.Error(err))
	}
	return filter, func() { filter.Close() }
}

// dispatchSummary is the printable form of a dispatch outcome
type dispatchSummary struct {
	Status    history.DispatchStatus `json:"status"`
	ReplyKind reply.Kind             `json:"reply_kind,omitempty"`
	Reply     *reply.Reply           `json:"reply,omitempty"`
	Escalated bool                   `json:"escalated"`
	SentID    string                 `json:"sent_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// finish stores a result and dispatches it when those are enabled
func (a *app) finish(ctx context.Context, result nlp.Result) *dispatchSummary {
	if a.store != nil {
		if _, err := a.store.AddResult(result); err != nil {
			a.logger.Error("failed to store result", zap.String("message_id", result.MessageID), zap.Error(err))
		}
	}
	if a.dispatcher == nil {
		return nil
	}

	out := a.dispatcher.Dispatch(ctx, result)
	s := &dispatchSummary{
		Status:    out.Status,
		ReplyKind: out.ReplyKind,
		Reply:     out.Reply,
		Escalated: out.Escalated,
		SentID:    out.SentID,
	}
	if out.Err != nil {
		s.Error = out.Err.Error()
	}
	return s
}
