package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "deploynaut.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg. Empty values leave
// the current config untouched; a set-but-unparseable value is a
// startup failure, never a silent fallback to the default.
func loadEnv(cfg *Config) error {
	setString(&cfg.Server.Port, "DEPLOYNAUT_PORT")
	setString(&cfg.Logging.Level, "DEPLOYNAUT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DEPLOYNAUT_LOG_SERVICE")
	setString(&cfg.GitHub.BaseURL, "GITHUB_API_URL")
	setString(&cfg.GitHub.WebhookSecret, "WEBHOOK_SECRET")
	setString(&cfg.GitHub.Token, "GITHUB_TOKEN")
	setString(&cfg.GitHub.PrivateKeyPath, "GITHUB_PRIVATE_KEY_PATH")
	setString(&cfg.Approval.PolicyPath, "DEPLOYNAUT_POLICY_PATH")
	setString(&cfg.Approval.TriggerToken, "DEPLOYNAUT_TRIGGER_TOKEN")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	errs := []error{
		setBool(&cfg.Logging.Async, "DEPLOYNAUT_LOG_ASYNC"),
		setInt64(&cfg.GitHub.AppID, "GITHUB_APP_ID"),
		setInt64(&cfg.GitHub.InstallationID, "GITHUB_INSTALLATION_ID"),
		setDuration(&cfg.Approval.RunCreationWindow, "DEPLOYNAUT_RUN_CREATION_WINDOW"),
		setBool(&cfg.Approval.CommentOnPending, "DEPLOYNAUT_COMMENT_ON_PENDING"),
		setInt(&cfg.Breaker.MaxFailures, "DEPLOYNAUT_BREAKER_MAX_FAILURES"),
		setDuration(&cfg.Breaker.Timeout, "DEPLOYNAUT_BREAKER_TIMEOUT"),
		setInt64(&cfg.Cache.MaxSizeMB, "DEPLOYNAUT_CACHE_SIZE_MB"),
		setDuration(&cfg.Cache.MemberTTL, "DEPLOYNAUT_CACHE_MEMBER_TTL"),
		setBool(&cfg.Telemetry.Insecure, "OTEL_EXPORTER_OTLP_INSECURE"),
	}

	if v := os.Getenv("BYPASS_ACTORS"); v != "" {
		actors, err := ParseBypassActors(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Approval.BypassActors = actors
		}
	}

	return errors.Join(errs...)
}

// ParseBypassActors parses a comma-separated list of numeric account IDs.
func ParseBypassActors(s string) ([]int64, error) {
	var actors []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bypass actors: invalid account id %q", part)
		}
		actors = append(actors, id)
	}
	return actors, nil
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.GitHub.BaseURL == "" {
		return errors.New("github.base_url is required")
	}
	if cfg.Approval.PolicyPath == "" {
		return errors.New("approval.policy_path is required")
	}
	if cfg.Approval.RunCreationWindow < 0 {
		return errors.New("approval.run_creation_window must be >= 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Cache.MaxSizeMB < 1 {
		return errors.New("cache.max_size_mb must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}
