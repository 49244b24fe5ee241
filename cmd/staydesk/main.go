package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/availability"
	"github.com/staydesk/staydesk/internal/config"
	"github.com/staydesk/staydesk/internal/dedup"
	"github.com/staydesk/staydesk/internal/history"
	"github.com/staydesk/staydesk/internal/inbox"
	"github.com/staydesk/staydesk/internal/nlp"
	"github.com/staydesk/staydesk/internal/web"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "staydesk",
		Short: "Staydesk - Hotel reservations email router",
		Long: `Staydesk reads guest emails sent to a hotel's reservations mailbox and
decides what to do with each one: look up room availability, ask the
guest for missing details, send a generic acknowledgement or ignore it.

Classification and parameter extraction use an LLM (Anthropic or OpenAI)
when one is configured, and keyword and pattern rules otherwise.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $STAYDESK_CONFIG or $HOME/.staydesk/config.yaml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(pruneCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long:  "Create a configuration file with every default filled in, ready to edit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(cfgFile)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("✅ Wrote default configuration to %s\n", path)
			fmt.Println("Set llm.provider and an API key to enable model-based routing.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func processCmd() *cobra.Command {
	var (
		subject, body, sender, emlFile string
		save, doDispatch               bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Route a single email",
		Long: `Run one email through the pipeline and print the result as JSON.

The email is given with --subject/--body/--sender, as a raw message file
with --file, or with the body on stdin when --body is omitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{store: save || doDispatch, dispatch: doDispatch})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext()
			defer cancel()

			var result nlp.Result
			switch {
			case emlFile != "":
				msg, err := readEML(emlFile)
				if err != nil {
					return err
				}
				result = a.pipeline.Process(ctx, msg)
			default:
				if body == "" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("failed to read body from stdin: %w", err)
					}
					body = string(data)
				}
				result, err = a.pipeline.ProcessText(ctx, subject, body, sender)
				if err != nil {
					return err
				}
			}

			out := map[string]any{"result": result}
			if outcome := a.finish(ctx, result); outcome != nil {
				out["dispatch"] = outcome
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Email subject")
	cmd.Flags().StringVar(&body, "body", "", "Email body (read from stdin when empty)")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender address")
	cmd.Flags().StringVar(&emlFile, "file", "", "Raw RFC 822 message file (.eml)")
	cmd.Flags().BoolVar(&save, "save", false, "Store the result in the history database")
	cmd.Flags().BoolVar(&doDispatch, "dispatch", false, "Act on the result (availability lookup, reply, events)")
	return cmd
}

func readEML(path string) (nlp.EmailMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nlp.EmailMessage{}, err
	}
	defer f.Close()

	email, err := inbox.ParseMessage(f)
	if err != nil {
		return nlp.EmailMessage{}, err
	}
	return email.ToMessage()
}

func batchCmd() *cobra.Command {
	var (
		asJSON, save, doDispatch bool
	)

	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Route a batch of emails from a JSON file",
		Long: `Process every email in FILE and print the results and batch statistics.

FILE holds a JSON array of emails, or an object with an "emails" array:
  [{"message_id": "...", "subject": "...", "body": "...", "sender": "...", "received_at": "RFC 3339"}]
Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := readBatchFile(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := newApp(appOptions{store: save || doDispatch, dispatch: doDispatch})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext()
			defer cancel()

			results := a.pipeline.ProcessBatch(ctx, msgs)
			for _, r := range results {
				a.finish(ctx, r)
			}
			stats := nlp.Summarize(results)

			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"results": results, "stats": stats})
			}
			for _, r := range results {
				printResult(r)
			}
			printStats(stats)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results and statistics as JSON")
	cmd.Flags().BoolVar(&save, "save", false, "Store results in the history database")
	cmd.Flags().BoolVar(&doDispatch, "dispatch", false, "Act on each result (availability lookup, reply, events)")
	return cmd
}

// emailInput is one email in a batch file
type emailInput struct {
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
}

// readBatchFile reads emails from path ("-" for stdin). Emails without a
// message id get a file-local one; empty bodies are skipped with a warning.
func readBatchFile(path string, stdin io.Reader) ([]nlp.EmailMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}

	inputs, err := decodeBatch(data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msgs := make([]nlp.EmailMessage, 0, len(inputs))
	for i, in := range inputs {
		id := in.MessageID
		if id == "" {
			id = fmt.Sprintf("batch-%d", i+1)
		}
		received := in.ReceivedAt
		if received.IsZero() {
			received = now
		}
		cleaned := nlp.Normalize(in.Subject, in.Body, nlp.LooksLikeHTML(in.Body))
		msg, err := nlp.NewEmailMessage(id, in.Subject, cleaned, in.Sender, received)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Skipping email %d (%s): %v\n", i+1, id, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeBatch(data []byte) ([]emailInput, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var inputs []emailInput
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("invalid batch file: %w", err)
		}
		return inputs, nil
	}

	var wrapped struct {
		Emails []emailInput `json:"emails"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("invalid batch file: %w", err)
	}
	return wrapped.Emails, nil
}

func monitorCmd() *cobra.Command {
	var (
		days    int
		watch   bool
		noReply bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Route new emails from the reservations mailbox",
		Long: `Connect to the reservations mailbox via IMAP and route every new email.

Each cycle will:
- Fetch unseen emails (or the last --days days)
- Skip automated mail and messages that were already handled
- Classify, extract and decide, then reply and publish events
- Store results, mark the emails as seen and optionally archive them

Requires inbox configuration in config.yaml with IMAP settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(days, watch, !noReply)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Look back this many days instead of fetching unseen emails")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and handle new emails as they arrive (IMAP IDLE)")
	cmd.Flags().BoolVar(&noReply, "no-reply", false, "Route and store only; send no replies or events")
	return cmd
}

func runMonitor(days int, watch, doDispatch bool) error {
	a, err := newApp(appOptions{store: true, dispatch: doDispatch})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.ValidateInbox(); err != nil {
		fmt.Println("📧 Inbox monitoring is not configured.")
		fmt.Println()
		fmt.Println("Add the following to your config.yaml:")
		fmt.Println()
		fmt.Println("inbox:")
		fmt.Println("  enabled: true")
		fmt.Println("  provider: gmail")
		fmt.Println("  email: reservations@your-hotel.com")
		fmt.Println("  password: your-app-password  # Use an App Password, not your main password")
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	monitor := inbox.NewMonitor(a.cfg.Inbox, a.logger)
	if err := monitor.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to inbox: %w", err)
	}
	defer monitor.Disconnect()

	seen, closeSeen := a.dedupChecker(ctx)
	defer closeSeen()

	cycle := &mailCycle{
		monitor:  monitor,
		pipeline: a.pipeline,
		store:    a.store,
		seen:     seen,
		cfg:      a.cfg.Inbox,
		logger:   a.logger,
	}
	if a.dispatcher != nil {
		cycle.dispatcher = a.dispatcher
	}

	fmt.Printf("📬 Checking %s for new emails...\n", a.cfg.Inbox.Email)
	stats, err := cycle.run(ctx, days)
	if err != nil {
		return err
	}
	printStats(stats)

	if !watch {
		return nil
	}

	fmt.Println()
	fmt.Println("👀 Watching for new emails... (Ctrl+C to stop)")
	err = monitor.WatchForNewEmails(ctx, func(ctx context.Context) error {
		stats, err := cycle.run(ctx, 0)
		if err != nil {
			return err
		}
		if stats.TotalEmails > 0 {
			printStats(stats)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}
	return nil
}

func serveCmd() *cobra.Command {
	var (
		port       int
		doDispatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server exposing the routing pipeline:

  POST /api/process       route one email (?dispatch=true to act on it)
  POST /api/batch         route up to 100 emails (?async=true for a background job)
  GET  /api/jobs/{id}     background job progress and results
  GET  /api/results       stored results (intent, action, escalated, since, limit)
  GET  /api/stats         statistics over stored results
  GET  /health            completion service probe and active settings
  GET  /metrics           Prometheus metrics
  GET  /                  try-it page`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{store: true, dispatch: doDispatch})
			if err != nil {
				return err
			}
			defer a.Close()

			if port > 0 {
				a.cfg.Server.Port = port
			}

			srv, err := web.NewServer(a.cfg, a.pipeline, a.store, a.dispatcher, a.logger)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			fmt.Printf("Starting Staydesk API at http://localhost:%d\n", a.cfg.Server.Port)
			fmt.Println("Press Ctrl+C to stop")
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config, 8080)")
	cmd.Flags().BoolVar(&doDispatch, "dispatch", true, "Allow ?dispatch=true to send replies and events")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		limit     int
		escalated bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent results and statistics",
		Long:  "Display recently routed emails and statistics over everything stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(limit, escalated)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent results to show")
	cmd.Flags().BoolVar(&escalated, "escalated", false, "Only show emails flagged for a human")
	return cmd
}

func runStatus(limit int, escalated bool) error {
	cfg, err := config.Load(config.ResolvePath(cfgFile))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := history.NewStore(cfg.History.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	stats, err := store.GetStats(history.ResultFilter{})
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	dispatches, err := store.GetDispatchStats()
	if err != nil {
		return fmt.Errorf("failed to get dispatch stats: %w", err)
	}

	printStats(stats)
	fmt.Println()
	fmt.Println("Replies:")
	fmt.Printf("  Sent:    %d\n", dispatches[history.DispatchSent])
	fmt.Printf("  Failed:  %d\n", dispatches[history.DispatchFailed])
	fmt.Printf("  Skipped: %d\n", dispatches[history.DispatchSkipped])

	records, err := store.ListResults(history.ResultFilter{EscalatedOnly: escalated, Limit: limit})
	if err != nil {
		return fmt.Errorf("failed to get recent results: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Printf("📜 Recent Emails (last %d)\n", len(records))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, rec := range records {
		r := rec.Result
		flag := "  "
		if r.Escalate {
			flag = "🚩"
		}
		fmt.Printf("%s %s  %-22s %-20s %.2f  %s\n",
			flag,
			rec.ProcessedAt.Local().Format("2006-01-02 15:04"),
			r.NextAction,
			truncateString(r.Sender, 20),
			r.Confidence,
			truncateString(r.Subject, 40),
		)
	}
	return nil
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the completion service and collaborators",
		Long:  "Probe the completion service, the availability backend and Redis, and print the active settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth()
		},
	}
}

func runHealth() error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := a.cfg
	fmt.Println("🩺 Staydesk Health")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  LLM provider:         %s\n", a.llm.Name())
	if cfg.LLM.Model != "" {
		fmt.Printf("  Model:                %s\n", cfg.LLM.Model)
	}
	fmt.Printf("  Confidence threshold: %.2f\n", cfg.NLP.ConfidenceThreshold)
	fmt.Printf("  Batch workers:        %d\n", cfg.NLP.BatchWorkers)
	fmt.Println()

	healthy := true
	check := func(name string, err error) {
		if err != nil {
			healthy = false
			fmt.Printf("  ❌ %-20s %v\n", name, err)
			return
		}
		fmt.Printf("  ✅ %s\n", name)
	}

	if a.offline() {
		fmt.Println("  ⚪ Completion service   offline mode (keyword classifier)")
	} else {
		check("Completion service", a.pipeline.Ping(ctx))
	}
	if cfg.Availability.BaseURL != "" {
		check("Availability backend", availability.NewClient(cfg.Availability.BaseURL, cfg.Availability.Timeout()).Ping(ctx))
	}
	if cfg.Redis.Addr != "" {
		filter := dedup.NewFilter(dedup.NewClient(cfg.Redis), cfg.Redis.DedupTTL(), a.logger)
		check("Redis", filter.Ping(ctx))
		filter.Close()
	}
	if cfg.MQ.URL != "" {
		check("RabbitMQ", pingBroker(cfg.MQ))
	}

	if !healthy {
		return errors.New("health check failed")
	}
	return nil
}

func pruneCmd() *cobra.Command {
	var olderThan int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored results older than a number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 1 {
				return errors.New("--older-than must be at least 1 day")
			}
			cfg, err := config.Load(config.ResolvePath(cfgFile))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := history.NewStore(cfg.History.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open history: %w", err)
			}
			defer store.Close()

			n, err := store.DeleteBefore(time.Now().AddDate(0, 0, -olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("🗑️  Deleted %d results older than %d days\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThan, "older-than", 90, "Age in days")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(r nlp.Result) {
	icon := "📨"
	switch r.NextAction {
	case nlp.ActionCallAvailabilityAPI:
		icon = "🛏️ "
	case nlp.ActionRequestClarification:
		icon = "❓"
	case nlp.ActionIgnoreEmail:
		icon = "🗑️ "
	}
	fmt.Printf("%s %s  %s\n", icon, r.MessageID, truncateString(r.Subject, 50))
	fmt.Printf("   Intent: %s (%.2f)  Action: %s\n", r.Intent, r.Confidence, r.NextAction)
	if r.Params != nil && r.Params.FieldCount() > 0 {
		p := r.Params
		var parts []string
		if p.Date != nil {
			parts = append(parts, "date="+p.Date.String())
		}
		if p.RoomCount != nil {
			parts = append(parts, fmt.Sprintf("rooms=%d", *p.RoomCount))
		}
		if p.Budget != nil {
			parts = append(parts, fmt.Sprintf("budget=%.2f", *p.Budget))
		}
		if p.ViewPreference != "" {
			parts = append(parts, "view="+p.ViewPreference)
		}
		fmt.Printf("   Params: %s\n", strings.Join(parts, " "))
	}
	for _, q := range r.ClarificationQuestions {
		fmt.Printf("   ? %s\n", q)
	}
	if r.Escalate {
		fmt.Println("   🚩 Escalate to staff")
	}
}

func printStats(s nlp.Stats) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("📊 Summary:")
	fmt.Printf("  Total emails:          %d\n", s.TotalEmails)
	fmt.Printf("  🛏️  Availability:       %d\n", s.ActionDistribution[nlp.ActionCallAvailabilityAPI])
	fmt.Printf("  ❓ Clarification:      %d\n", s.ActionDistribution[nlp.ActionRequestClarification])
	fmt.Printf("  📨 Generic reply:      %d\n", s.ActionDistribution[nlp.ActionSendGenericReply])
	fmt.Printf("  🗑️  Ignored:            %d\n", s.ActionDistribution[nlp.ActionIgnoreEmail])
	fmt.Printf("  🚩 Escalated:          %d\n", s.EscalationCount)
	fmt.Printf("  Average confidence:    %.3f\n", s.AverageConfidence)
	fmt.Printf("  Average time:          %.2f ms\n", s.AverageProcessingTimeMs)
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// logStartup records which collaborators are active
func logStartup(logger *zap.Logger, cfg *config.Config, store, dispatch bool) {
	logger.Debug("staydesk starting",
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Float64("confidence_threshold", cfg.NLP.ConfidenceThreshold),
		zap.Bool("history", store),
		zap.Bool("dispatch", dispatch),
		zap.String("email_provider", cfg.Email.Provider),
	)
}
