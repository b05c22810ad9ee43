// Package config provides hierarchical configuration loading for
// deploynaut. Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the deploynaut service.
type Config struct {
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	GitHub    GitHub    `yaml:"github"`
	Approval  Approval  `yaml:"approval"`
	Breaker   Breaker   `yaml:"breaker"`
	Cache     Cache     `yaml:"cache"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port string `yaml:"port"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// GitHub holds API and GitHub App credentials. When AppID is zero the
// client falls back to Token (a PAT), which is what local development
// and the test suite use.
type GitHub struct {
	BaseURL        string `yaml:"base_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
	Token          string `yaml:"token"`
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Approval holds the policy document location and the knobs of the two
// approval flows.
type Approval struct {
	// PolicyPath is the YAML policy document evaluated for every
	// delivery.
	PolicyPath string `yaml:"policy_path"`

	// TriggerToken is the prefix a commented review must start with to
	// be considered; approved reviews need no token.
	TriggerToken string `yaml:"trigger_token"`

	// RunCreationWindow is the minimum age a waiting workflow run must
	// have, relative to the review's submission time, before it may
	// inherit that review's approval.
	RunCreationWindow time.Duration `yaml:"run_creation_window"`

	// BypassActors are account IDs whose deployments pass without
	// policy evaluation. Populated from the BYPASS_ACTORS env var and
	// immutable after startup.
	BypassActors []int64 `yaml:"bypass_actors"`

	// CommentOnPending controls posting the instructional comment when
	// a deployment stays pending.
	CommentOnPending bool `yaml:"comment_on_pending"`
}

// Breaker holds circuit breaker configuration for GitHub API calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds the in-process membership cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	MemberTTL time.Duration `yaml:"member_ttl"`
}

// Telemetry holds OpenTelemetry export configuration. An empty
// endpoint disables export; instruments stay no-op.
type Telemetry struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: Server{
			Port: "8080",
		},
		Logging: Logging{
			Level:   "info",
			Service: "deploynaut",
		},
		GitHub: GitHub{
			BaseURL: "https://api.github.com",
		},
		Approval: Approval{
			PolicyPath:        "deploynaut-policy.yaml",
			TriggerToken:      "/deploy",
			RunCreationWindow: 60 * time.Second,
			CommentOnPending:  true,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			MaxSizeMB: 16,
			MemberTTL: time.Minute,
		},
	}
}
