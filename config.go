package mcpbridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML fleet file: a list of server targets plus an
// optional retry policy block.
type fileConfig struct {
	Servers []serverEntry `yaml:"servers"`
	Retry   *retryEntry   `yaml:"retry"`
}

type serverEntry struct {
	Name           string         `yaml:"name"`
	URL            string         `yaml:"url"`
	Command        string         `yaml:"command"`
	Args           []string       `yaml:"args"`
	Credentials    map[string]any `yaml:"credentials"`
	RequestTimeout string         `yaml:"request_timeout"`
}

type retryEntry struct {
	MaxRetries    *int     `yaml:"max_retries"`
	InitialDelay  string   `yaml:"initial_delay"`
	MaxDelay      string   `yaml:"max_delay"`
	BackoffFactor *float64 `yaml:"backoff_factor"`
	Jitter        *bool    `yaml:"jitter"`
}

// LoadConfig reads a YAML fleet file and returns the server descriptors and
// retry policy it declares. Missing retry fields fall back to
// DefaultRetryConfig.
func LoadConfig(path string) ([]ServerDescriptor, RetryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, RetryConfig{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML fleet document. Every server entry is validated
// the same way ConnectServer would: a name is required and exactly one of
// url and command must be set.
func ParseConfig(data []byte) ([]ServerDescriptor, RetryConfig, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, RetryConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Servers))
	descriptors := make([]ServerDescriptor, 0, len(cfg.Servers))
	for i, entry := range cfg.Servers {
		if entry.Name == "" {
			return nil, RetryConfig{}, &ConfigError{Reason: fmt.Sprintf("server %d: name must not be empty", i)}
		}
		if _, dup := seen[entry.Name]; dup {
			return nil, RetryConfig{}, &ConfigError{Reason: fmt.Sprintf("duplicate server name %q", entry.Name)}
		}
		seen[entry.Name] = struct{}{}

		timeout, err := parseOptionalDuration(entry.RequestTimeout)
		if err != nil {
			return nil, RetryConfig{}, &ConfigError{
				Reason: fmt.Sprintf("server %q: invalid request_timeout: %v", entry.Name, err),
			}
		}

		desc := ServerDescriptor{
			Name:           entry.Name,
			URL:            entry.URL,
			Command:        entry.Command,
			Args:           entry.Args,
			Credentials:    entry.Credentials,
			RequestTimeout: timeout,
		}
		if err := SupportsDescriptor(desc); err != nil {
			return nil, RetryConfig{}, &ConfigError{
				Reason: fmt.Sprintf("server %q: %v", entry.Name, err),
			}
		}
		descriptors = append(descriptors, desc)
	}

	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		if cfg.Retry.MaxRetries != nil {
			retry.MaxRetries = *cfg.Retry.MaxRetries
		}
		if cfg.Retry.BackoffFactor != nil {
			retry.BackoffFactor = *cfg.Retry.BackoffFactor
		}
		if cfg.Retry.Jitter != nil {
			retry.Jitter = *cfg.Retry.Jitter
		}
		d, err := parseOptionalDuration(cfg.Retry.InitialDelay)
		if err != nil {
			return nil, RetryConfig{}, &ConfigError{Reason: fmt.Sprintf("invalid initial_delay: %v", err)}
		}
		if d > 0 {
			retry.InitialDelay = d
		}
		d, err = parseOptionalDuration(cfg.Retry.MaxDelay)
		if err != nil {
			return nil, RetryConfig{}, &ConfigError{Reason: fmt.Sprintf("invalid max_delay: %v", err)}
		}
		if d > 0 {
			retry.MaxDelay = d
		}
	}

	return descriptors, retry, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
