package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at the config file
const EnvConfigPath = "STAYDESK_CONFIG"

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Hotel        HotelConfig        `yaml:"hotel"`
	NLP          NLPConfig          `yaml:"nlp"`
	LLM          LLMConfig          `yaml:"llm"`
	Inbox        InboxConfig        `yaml:"inbox,omitempty"`
	Email        EmailConfig        `yaml:"email,omitempty"`
	Availability AvailabilityConfig `yaml:"availability"`
	History      HistoryConfig      `yaml:"history"`
	Redis        RedisConfig        `yaml:"redis,omitempty"`
	MQ           MQConfig           `yaml:"mq,omitempty"`
	Log          LogConfig          `yaml:"log"`
	Server       ServerConfig       `yaml:"server"`
}

// HotelConfig identifies the property in outgoing replies
type HotelConfig struct {
	Name      string `yaml:"name"`
	Signature string `yaml:"signature"` // Closing line of every reply
}

// NLPConfig tunes the routing pipeline
type NLPConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ClassifierMaxChars  int     `yaml:"classifier_max_chars"`
	ExtractorMaxChars   int     `yaml:"extractor_max_chars"`
	TimeoutSec          int     `yaml:"timeout_sec"` // Per completion call
	BatchWorkers        int     `yaml:"batch_workers"`
}

func (n NLPConfig) Timeout() time.Duration { return time.Duration(n.TimeoutSec) * time.Second }

// LLMConfig selects the completion service
type LLMConfig struct {
	Provider          string  `yaml:"provider"` // "anthropic", "openai" or "none"
	Model             string  `yaml:"model"`
	AnthropicAPIKey   string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey      string  `yaml:"openai_api_key"`
	BaseURL           string  `yaml:"base_url,omitempty"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	MaxRetries        int     `yaml:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// APIKey returns the key for the selected provider
func (l LLMConfig) APIKey() string {
	switch l.Provider {
	case "anthropic":
		return l.AnthropicAPIKey
	case "openai":
		return l.OpenAIAPIKey
	}
	return ""
}

// InboxConfig holds IMAP settings for the monitored mailbox
type InboxConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Provider      string `yaml:"provider"`       // "gmail", "outlook", "imap"
	Server        string `yaml:"server"`         // e.g., "imap.gmail.com"
	Port          int    `yaml:"port"`           // e.g., 993
	Email         string `yaml:"email"`          // Login address of the reservations mailbox
	Password      string `yaml:"password"`       // App password (not main password)
	Folder        string `yaml:"folder"`         // Folder to monitor (default: "INBOX")
	MaxMessages   int    `yaml:"max_messages"`   // Per cycle
	AutoArchive   bool   `yaml:"auto_archive"`   // Move handled emails to the archive folder
	ArchiveFolder string `yaml:"archive_folder"` // Archive folder (default: "Staydesk")
	PollSeconds   int    `yaml:"poll_seconds"`   // Watch mode rescan interval, 0 relies on IDLE only
}

// PollInterval is how often watch mode rescans the folder between IDLE updates
func (i InboxConfig) PollInterval() time.Duration { return time.Duration(i.PollSeconds) * time.Second }

// EmailConfig selects how replies are sent
type EmailConfig struct {
	Provider       string     `yaml:"provider"` // "smtp", "sendgrid", "resend" or empty for no replies
	From           string     `yaml:"from"`
	FromName       string     `yaml:"from_name,omitempty"`
	SMTP           SMTPConfig `yaml:"smtp,omitempty"`
	SendGridAPIKey string     `yaml:"sendgrid_api_key,omitempty"`
	ResendAPIKey   string     `yaml:"resend_api_key,omitempty"`
	DryRun         bool       `yaml:"dry_run"`
	DailyLimit     int        `yaml:"daily_limit,omitempty"` // Replies per day, 0 uses the provider default
}

// Daily sending limits per provider
const (
	DailyLimitSMTP     = 0   // No cap; the relay enforces its own
	DailyLimitSendGrid = 100 // SendGrid free tier
	DailyLimitResend   = 100 // Resend free tier
)

// ReplyLimit returns the configured daily limit or the provider default
func (e EmailConfig) ReplyLimit() int {
	if e.DailyLimit > 0 {
		return e.DailyLimit
	}
	switch e.Provider {
	case "sendgrid":
		return DailyLimitSendGrid
	case "resend":
		return DailyLimitResend
	}
	return DailyLimitSMTP
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// AvailabilityConfig points at the room availability backend
type AvailabilityConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

func (a AvailabilityConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

type HistoryConfig struct {
	DBPath string `yaml:"db_path"`
}

// RedisConfig enables cross-run deduplication of message ids
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password,omitempty"`
	DB            int    `yaml:"db"`
	DedupTTLHours int    `yaml:"dedup_ttl_hours"`
}

func (r RedisConfig) DedupTTL() time.Duration { return time.Duration(r.DedupTTLHours) * time.Hour }

// MQConfig enables routing events on RabbitMQ
type MQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	TrustedOrigins []string `yaml:"trusted_origins,omitempty"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Hotel: HotelConfig{
			Name:      "Staydesk Hotel",
			Signature: "Staydesk Team",
		},
		NLP: NLPConfig{
			ConfidenceThreshold: 0.85,
			ClassifierMaxChars:  2000,
			ExtractorMaxChars:   1500,
			TimeoutSec:          30,
			BatchWorkers:        1,
		},
		LLM: LLMConfig{
			Provider:          "none",
			Temperature:       0.1,
			MaxTokens:         512,
			MaxRetries:        0,
			RequestsPerSecond: 3,
			Burst:             5,
		},
		Inbox: InboxConfig{
			Folder:        "INBOX",
			MaxMessages:   50,
			ArchiveFolder: "Staydesk",
			PollSeconds:   300,
		},
		Availability: AvailabilityConfig{
			TimeoutSec: 30,
		},
		History: HistoryConfig{
			DBPath: DefaultDBPath(),
		},
		Redis: RedisConfig{
			DedupTTLHours: 24,
		},
		MQ: MQConfig{
			Exchange: "events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".staydesk", "config.yaml")
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "staydesk.db"
	}
	return filepath.Join(home, ".staydesk", "history.db")
}

// ResolvePath picks the config file: an explicit flag wins, then
// STAYDESK_CONFIG, then the default location
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultConfigPath()
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// env + defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := checkFilePermissions(path); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Set inbox defaults
	if cfg.Inbox.Provider == "gmail" && cfg.Inbox.Server == "" {
		cfg.Inbox.Server = "imap.gmail.com"
		cfg.Inbox.Port = 993
	}
	if cfg.Inbox.Provider == "outlook" && cfg.Inbox.Server == "" {
		cfg.Inbox.Server = "outlook.office365.com"
		cfg.Inbox.Port = 993
	}
	if cfg.Inbox.Server != "" && cfg.Inbox.Port == 0 {
		cfg.Inbox.Port = 993
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "none"
	}
	return cfg, nil
}

// applyEnv lets environment variables override file values
func applyEnv(cfg *Config) error {
	envOverride(&cfg.LLM.Provider, "LLM_PROVIDER")
	envOverride(&cfg.LLM.Model, "LLM_MODEL")
	envOverride(&cfg.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	envOverride(&cfg.Availability.BaseURL, "AVAILABILITY_BASE_URL")
	envOverride(&cfg.Inbox.Server, "IMAP_SERVER")
	envOverride(&cfg.Inbox.Email, "IMAP_USERNAME")
	envOverride(&cfg.Inbox.Password, "IMAP_PASSWORD")
	envOverride(&cfg.Email.SMTP.Password, "SMTP_PASSWORD")
	envOverride(&cfg.Email.SendGridAPIKey, "SENDGRID_API_KEY")
	envOverride(&cfg.Email.ResendAPIKey, "RESEND_API_KEY")
	envOverride(&cfg.Redis.Addr, "REDIS_ADDR")
	envOverride(&cfg.MQ.URL, "MQ_URL")
	envOverride(&cfg.Log.Level, "LOG_LEVEL")
	envOverride(&cfg.Log.Format, "LOG_FORMAT")
	envOverride(&cfg.History.DBPath, "DB_PATH")

	if err := envOverrideInt(&cfg.Inbox.Port, "IMAP_PORT"); err != nil {
		return err
	}
	if err := envOverrideInt(&cfg.Server.Port, "PORT"); err != nil {
		return err
	}
	if err := envOverrideInt(&cfg.NLP.BatchWorkers, "BATCH_WORKERS"); err != nil {
		return err
	}
	return envOverrideFloat(&cfg.NLP.ConfidenceThreshold, "CONFIDENCE_THRESHOLD")
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if t := c.NLP.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("nlp: confidence_threshold must be between 0 and 1, got %v", t)
	}
	if c.NLP.BatchWorkers < 1 {
		return fmt.Errorf("nlp: batch_workers must be at least 1")
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
		if c.LLM.APIKey() == "" {
			return fmt.Errorf("llm: an API key is required for provider %q", c.LLM.Provider)
		}
	case "none":
	default:
		return fmt.Errorf("llm: unknown provider %q (anthropic, openai or none)", c.LLM.Provider)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// ValidateEmail validates reply settings (only called when replies are sent)
func (c *Config) ValidateEmail() error {
	if c.Email.Provider == "" {
		return fmt.Errorf("email: provider is required")
	}
	if c.Email.From == "" {
		return fmt.Errorf("email: from address is required")
	}

	switch c.Email.Provider {
	case "smtp":
		if c.Email.SMTP.Host == "" {
			return fmt.Errorf("email.smtp: host is required")
		}
		if c.Email.SMTP.Port == 0 {
			return fmt.Errorf("email.smtp: port is required")
		}
	case "sendgrid":
		if c.Email.SendGridAPIKey == "" {
			return fmt.Errorf("email: sendgrid_api_key is required")
		}
	case "resend":
		if c.Email.ResendAPIKey == "" {
			return fmt.Errorf("email: resend_api_key is required")
		}
	default:
		return fmt.Errorf("email: unknown provider %q (smtp, sendgrid or resend)", c.Email.Provider)
	}
	return nil
}

// ValidateInbox validates inbox configuration (only called when inbox monitoring is used)
func (c *Config) ValidateInbox() error {
	if !c.Inbox.Enabled {
		return fmt.Errorf("inbox: monitoring is not enabled in config")
	}
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}
