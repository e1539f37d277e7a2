package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	// match-rate day boundaries must resolve on hosts without a zoneinfo database
	_ "time/tzdata"
)

const (
	ProviderRuleBased = "rule-based"
	ProviderClaude    = "claude"
)

// Config holds the service-specific settings; the go-core packages register
// their own.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string
	Provider              string
	Fallback              bool
	ProviderTimeout       time.Duration
	RulesPath             string
	ClaudeAPIKey          string
	ClaudeModel           string
	DatabaseURL           string
	RedisAddr             string
	RedisStream           string
	Timezone              string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated bearer tokens accepted by the API")
	fs.StringVar(&c.Provider, "provider", ProviderRuleBased, "suggestion provider (rule-based|claude)")
	fs.BoolVar(&c.Fallback, "fallback", true, "fall back to the rule-based provider when the selected provider fails")
	fs.DurationVar(&c.ProviderTimeout, "provider-timeout", 5*time.Second, "deadline for one provider call (100ms..60s)")
	fs.StringVar(&c.RulesPath, "rules-path", "", "YAML rule table (empty = built-in table)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory audit store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the audit event stream (empty = disabled)")
	fs.StringVar(&c.RedisStream, "redis-stream", "acuity:audit", "Redis stream key for audit events")
	fs.StringVar(&c.Timezone, "timezone", "Asia/Ho_Chi_Minh", "IANA zone used for match-rate day boundaries")
}

// Tokens returns the configured API tokens, trimmed, without empties.
func (c *Config) Tokens() []string {
	var out []string
	for _, t := range strings.Split(c.APITokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Location loads Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if len(c.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	switch c.Provider {
	case ProviderRuleBased:
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when PROVIDER is claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when PROVIDER is claude"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid PROVIDER %q (must be %s or %s)", c.Provider, ProviderRuleBased, ProviderClaude))
	}

	if c.ProviderTimeout < 100*time.Millisecond || c.ProviderTimeout > time.Minute {
		errs = append(errs, fmt.Errorf("invalid PROVIDER_TIMEOUT %s (must be 100ms..60s)", c.ProviderTimeout))
	}

	if c.RedisAddr != "" && c.RedisStream == "" {
		errs = append(errs, errors.New("REDIS_STREAM is required when REDIS_ADDR is set"))
	}

	if c.Timezone == "" {
		errs = append(errs, errors.New("TIMEZONE is required"))
	} else if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
