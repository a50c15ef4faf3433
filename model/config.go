package model

import (
	"fmt"
	"os"

	"github.com/aymerick/raymond"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// SUITE CONFIGURATION
// ============================================================================

type SuiteConfiguration struct {
	Name        string            `yaml:"name"`
	Providers   []Provider        `yaml:"providers"`
	Prompts     []string          `yaml:"prompts,omitempty"` // prompt templates; rendered per test vars
	DefaultTest *TestCase         `yaml:"defaultTest,omitempty"`
	Tests       []TestCase        `yaml:"tests"`
	Settings    Settings          `yaml:"settings"`
	Variables   map[string]string `yaml:"variables,omitempty"`
}

type Settings struct {
	Verbose     bool   `yaml:"verbose"`
	Workers     int    `yaml:"workers"`      // concurrent test executions across the whole run
	TestDelay   string `yaml:"test_delay"`   // optional pause between dispatches, e.g. "250ms"
	DatabaseDir string `yaml:"database_dir"` // parsed but not read; the eval database path comes from the -db flag
}

// ============================================================================
// PROVIDER CONFIGURATION
// ============================================================================

// RateLimitConfig defines proactive rate limiting settings for a provider.
// This throttles requests BEFORE they are sent to avoid hitting provider limits.
// The adaptive scheduler handles the reactive side (429s, header-driven quota).
type RateLimitConfig struct {
	TPM int `yaml:"tpm"` // Tokens per minute limit (proactive throttling)
	RPM int `yaml:"rpm"` // Requests per minute limit (proactive throttling)
}

// RetryConfig defines reactive error handling for rate-limit conditions.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts for rate-limit errors.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelayMs is the first backoff step; doubled on each attempt.
	BaseDelayMs int `yaml:"base_delay_ms"`
	// MaxDelayMs caps the exponential backoff.
	MaxDelayMs int `yaml:"max_delay_ms"`
	// JitterFactor adds uniform(0, factor) multiplicative jitter to each sleep.
	JitterFactor float64 `yaml:"jitter_factor"`
}

// SchedulerConfig controls the adaptive concurrency cap for a provider endpoint.
type SchedulerConfig struct {
	InitialConcurrency int `yaml:"initial_concurrency"`
	MinConcurrency     int `yaml:"min_concurrency"`
}

type Provider struct {
	Name            string          `yaml:"name"`
	Type            ProviderType    `yaml:"type"`
	Token           string          `yaml:"token"`
	Secret          string          `yaml:"secret"`
	Model           string          `yaml:"model"`
	BaseURL         string          `yaml:"baseUrl"`
	Version         string          `yaml:"version"`          // e.g., 2025-01-01-preview
	ProjectID       string          `yaml:"project_id"`       // GCP project for Vertex
	Location        string          `yaml:"location"`         // region
	CredentialsPath string          `yaml:"credentials_path"` // service account file for Vertex
	AuthType        string          `yaml:"auth_type"`        // For AZURE: "api_key" (default) or "entra_id"
	RateLimits      RateLimitConfig `yaml:"rate_limits"`      // Optional proactive rate limiting
	Retry           RetryConfig     `yaml:"retry"`            // Reactive rate-limit retry behaviour
	Scheduler       SchedulerConfig `yaml:"scheduler"`        // Adaptive concurrency settings
}

type ProviderType string

const (
	ProviderGroq            ProviderType = "GROQ"
	ProviderGoogle          ProviderType = "GOOGLE"
	ProviderVertex          ProviderType = "VERTEX"
	ProviderAnthropic       ProviderType = "ANTHROPIC"
	ProviderAmazonAnthropic ProviderType = "AMAZON-ANTHROPIC"
	ProviderOpenAI          ProviderType = "OPENAI"
	ProviderAzure           ProviderType = "AZURE"
)

// ============================================================================
// PARSING
// ============================================================================

// ParseSuiteConfig reads and unmarshals a suite configuration YAML file.
func ParseSuiteConfig(path string) (*SuiteConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite config %q: %w", path, err)
	}

	var config SuiteConfiguration
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse suite config %q: %w", path, err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *SuiteConfiguration) applyDefaults() {
	if c.Settings.Workers <= 0 {
		c.Settings.Workers = 4
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Scheduler.InitialConcurrency <= 0 {
			p.Scheduler.InitialConcurrency = 10
		}
		if p.Scheduler.MinConcurrency <= 0 {
			p.Scheduler.MinConcurrency = 1
		}
		if p.Retry.MaxRetries <= 0 {
			p.Retry.MaxRetries = 3
		}
		if p.Retry.BaseDelayMs <= 0 {
			p.Retry.BaseDelayMs = 1000
		}
		if p.Retry.MaxDelayMs <= 0 {
			p.Retry.MaxDelayMs = 60000
		}
	}
}

// ValidateSuiteConfig checks a parsed configuration for structural problems
// before any provider is dialed.
func ValidateSuiteConfig(config *SuiteConfiguration) error {
	if config == nil {
		return fmt.Errorf("suite configuration is nil")
	}
	if len(config.Providers) == 0 {
		return fmt.Errorf("suite has no providers")
	}
	seen := make(map[string]bool, len(config.Providers))
	for i, p := range config.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider at index %d has empty name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
		if p.Scheduler.MinConcurrency > p.Scheduler.InitialConcurrency {
			return fmt.Errorf("provider %s: min_concurrency exceeds initial_concurrency", p.Name)
		}
	}
	if len(config.Tests) == 0 {
		return fmt.Errorf("suite has no tests")
	}
	for i, t := range config.Tests {
		if t.Provider != "" && !seen[t.Provider] {
			return fmt.Errorf("test at index %d references unknown provider %q", i, t.Provider)
		}
	}
	return nil
}

// RenderTemplate expands Handlebars-style templates against the given context.
// Invalid templates are returned unchanged; config values are frequently plain
// strings that merely look template-ish.
func RenderTemplate(s string, templateCtx map[string]string) string {
	if s == "" {
		return s
	}
	t, err := raymond.Parse(s)
	if err != nil {
		return s
	}
	rendered, err := t.Exec(templateCtx)
	if err != nil {
		return s
	}
	return rendered
}
