package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath           = "config.yaml"
	DefaultAgentID        = "unknown"
	DefaultAgentName      = "Unknown Agent"
	DefaultContainerID    = "unknown"
	DefaultCoreURL        = "http://host.docker.internal:8000"
	DefaultClassName      = "Test"
	DefaultPackageName    = "test_agent"
	DefaultCallbackPath   = "/api/messages/process"
	DefaultCallbackListen = ":9000"
	DefaultPollInterval   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxBodySize    = 1 << 20
	DefaultInboxSize      = 64
	DefaultSignatureHdr   = "X-Signature-256"
	DefaultSpoolAttempts  = 5
	DefaultSpoolBatch     = 20
)

// Environment variables read at startup. They override the file.
const (
	EnvAgentID        = "AGENT_ID"
	EnvAgentName      = "AGENT_NAME"
	EnvCoreURL        = "CORE_API_URL"
	EnvHostname       = "HOSTNAME"
	EnvPollInterval   = "POLL_INTERVAL"
	EnvRequestTimeout = "REQUEST_TIMEOUT"
	EnvLogLevel       = "LOG_LEVEL"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from path, applies environment overrides and
// defaults, verifies the file against .checksums when one exists, and
// validates the result. A missing file is not an error: SourcePath stays empty.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	cfg := &Config{}
	data, err := os.ReadFile(absPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Run on defaults and environment only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	default:
		verified, err := VerifyConfigHash(absPath)
		if err != nil {
			return nil, err
		}
		interpolated := interpolateEnv(string(data), lookupEnv)
		if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
		}
		cfg.SourcePath = absPath
		cfg.Verified = verified
	}

	if err := applyEnvOverrides(cfg, lookupEnv); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookupEnv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvAgentID, &cfg.Agent.ID)
	str(EnvAgentName, &cfg.Agent.Name)
	str(EnvCoreURL, &cfg.Core.URL)
	str(EnvHostname, &cfg.Agent.ContainerID)
	str(EnvLogLevel, &cfg.Service.LogLevel)

	for key, dst := range map[string]*Duration{
		EnvPollInterval:   &cfg.Service.PollInterval,
		EnvRequestTimeout: &cfg.Core.RequestTimeout,
	} {
		v, ok := lookupEnv(key)
		if !ok || v == "" {
			continue
		}
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Duration(d)
	}
	return nil
}

func applyConfigDefaults(cfg *Config) {
	setDefault(&cfg.Agent.ID, DefaultAgentID)
	setDefault(&cfg.Agent.Name, DefaultAgentName)
	setDefault(&cfg.Agent.ContainerID, DefaultContainerID)
	setDefault(&cfg.Agent.ClassName, DefaultClassName)
	setDefault(&cfg.Agent.PackageName, DefaultPackageName)

	setDefault(&cfg.Core.URL, DefaultCoreURL)
	cfg.Core.URL = strings.TrimRight(cfg.Core.URL, "/")
	if cfg.Core.RequestTimeout == 0 {
		cfg.Core.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	// With the listener enabled core must push to this agent, not to itself,
	// so the URL has no default there and validate insists on one.
	if !cfg.Callback.Enabled {
		setDefault(&cfg.Core.CallbackURL, cfg.Core.URL+DefaultCallbackPath)
	}

	if cfg.Service.PollInterval == 0 {
		cfg.Service.PollInterval = Duration(DefaultPollInterval)
	}
	setDefault(&cfg.Service.LogLevel, "info")
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	setDefault(&cfg.Service.LogFormat, "json")

	setDefault(&cfg.Callback.Listen, DefaultCallbackListen)
	setDefault(&cfg.Callback.Path, DefaultCallbackPath)
	if cfg.Callback.MaxBodySize == 0 {
		cfg.Callback.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Callback.InboxSize == 0 {
		cfg.Callback.InboxSize = DefaultInboxSize
	}
	setDefault(&cfg.Callback.SignatureHeader, DefaultSignatureHdr)

	if cfg.Spool.MaxAttempts == 0 {
		cfg.Spool.MaxAttempts = DefaultSpoolAttempts
	}
	if cfg.Spool.BatchSize == 0 {
		cfg.Spool.BatchSize = DefaultSpoolBatch
	}
}

func setDefault(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and caught by validate.
func interpolateEnv(input string, lookupEnv func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := lookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	for field, v := range map[string]string{
		"agent.id":          cfg.Agent.ID,
		"agent.name":        cfg.Agent.Name,
		"agent.class_name":  cfg.Agent.ClassName,
		"core.url":          cfg.Core.URL,
		"core.callback_url": cfg.Core.CallbackURL,
		"spool.path":        cfg.Spool.Path,
		"callback.secret":   cfg.Callback.Secret,
	} {
		if m := envVarPattern.FindString(v); m != "" {
			return fmt.Errorf("%s references unset environment variable %s", field, m)
		}
	}

	if err := validateHTTPURL("core.url", cfg.Core.URL); err != nil {
		return err
	}
	if cfg.Callback.Enabled && cfg.Core.CallbackURL == "" {
		return fmt.Errorf("core.callback_url is required when callback.enabled is true (the address core pushes to for listener %s%s)",
			cfg.Callback.Listen, cfg.Callback.Path)
	}
	if err := validateHTTPURL("core.callback_url", cfg.Core.CallbackURL); err != nil {
		return err
	}
	if cfg.Core.RequestTimeout < 0 {
		return fmt.Errorf("core.request_timeout must be positive")
	}
	if cfg.Service.PollInterval < 0 {
		return fmt.Errorf("service.poll_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if cfg.Callback.Enabled {
		if !strings.HasPrefix(cfg.Callback.Path, "/") {
			return fmt.Errorf("callback.path must start with / (got %q)", cfg.Callback.Path)
		}
		if cfg.Callback.MaxBodySize < 0 || cfg.Callback.InboxSize < 0 {
			return fmt.Errorf("callback.max_body_size and callback.inbox_size must be positive")
		}
	}
	if cfg.Spool.MaxAttempts < 0 || cfg.Spool.BatchSize < 0 {
		return fmt.Errorf("spool.max_attempts and spool.batch_size must be positive")
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL (got %q)", field, raw)
	}
	return nil
}

// ParseDuration accepts a Go duration ("5s", "1m30s") or a bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("duration must be positive (got %q)", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive (got %q)", s)
	}
	return d, nil
}
