// Package llm provides completion-service clients for the email pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/staydesk/staydesk/internal/nlp"
)

// Provider names accepted in configuration
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

var (
	// ErrDisabled is returned by the disabled client
	ErrDisabled = errors.New("llm: no completion provider configured")
	// ErrEmptyResponse is returned when the service answers without text
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Client is a named completion service
type Client interface {
	nlp.Completer
	Name() string
}

// Config selects and tunes a provider
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string // Optional endpoint override, e.g. a proxy or a test server
	Temperature float64
	MaxTokens   int
	MaxRetries  int // Provider-side retries; negative leaves the SDK default

	RequestsPerSecond float64 // 0 disables client-side rate limiting
	Burst             int
}

// New builds the configured client wrapped with rate limiting and call
// metrics. ProviderNone (or an empty provider) yields a disabled client.
func New(cfg Config, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var client Client
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		client = NewAnthropicClient(cfg, logger)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		client = NewOpenAIClient(cfg, logger)
	case ProviderNone, "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	if cfg.RequestsPerSecond > 0 {
		client = NewRateLimited(client, cfg.RequestsPerSecond, cfg.Burst)
	}
	return NewInstrumented(client, logger), nil
}

// IsDisabled reports whether c is the disabled client
func IsDisabled(c Client) bool {
	_, ok := c.(Disabled)
	return ok
}

// Disabled is the client used when no provider is configured
type Disabled struct{}

func (Disabled) Complete(context.Context, string) (string, error) {
	return "", ErrDisabled
}

func (Disabled) Name() string { return ProviderNone }
