package mcpbridge_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpbridge "github.com/modelkit/mcpbridge"
)

func TestParseConfig(t *testing.T) {
	data := []byte(`
servers:
  - name: search
    url: https://search.example.com
    request_timeout: 10s
    credentials:
      api_key: secret
  - name: calc
    command: ./calc-server
    args: ["--verbose"]
retry:
  max_retries: 5
  initial_delay: 500ms
  max_delay: 10s
  backoff_factor: 3
  jitter: false
`)

	descs, retry, err := mcpbridge.ParseConfig(data)
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if len(descs) != 2 {
		t.Fatalf("got %d servers, want 2", len(descs))
	}

	search := descs[0]
	if search.Name != "search" || search.URL != "https://search.example.com" {
		t.Errorf("unexpected first server: %+v", search)
	}
	if search.RequestTimeout != 10*time.Second {
		t.Errorf("got request timeout %v, want 10s", search.RequestTimeout)
	}
	if search.Credentials["api_key"] != "secret" {
		t.Errorf("credentials not parsed: %+v", search.Credentials)
	}

	calc := descs[1]
	if calc.Command != "./calc-server" || len(calc.Args) != 1 || calc.Args[0] != "--verbose" {
		t.Errorf("unexpected second server: %+v", calc)
	}

	want := mcpbridge.RetryConfig{
		MaxRetries:    5,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 3,
		Jitter:        false,
	}
	if retry != want {
		t.Errorf("got retry config %+v, want %+v", retry, want)
	}
}

func TestParseConfigRetryDefaults(t *testing.T) {
	data := []byte(`
servers:
  - name: calc
    command: ./calc-server
retry:
  max_retries: 7
`)

	_, retry, err := mcpbridge.ParseConfig(data)
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	defaults := mcpbridge.DefaultRetryConfig()
	if retry.MaxRetries != 7 {
		t.Errorf("got max retries %d, want 7", retry.MaxRetries)
	}
	if retry.InitialDelay != defaults.InitialDelay {
		t.Errorf("got initial delay %v, want default %v", retry.InitialDelay, defaults.InitialDelay)
	}
	if retry.MaxDelay != defaults.MaxDelay {
		t.Errorf("got max delay %v, want default %v", retry.MaxDelay, defaults.MaxDelay)
	}
	if retry.Jitter != defaults.Jitter {
		t.Errorf("got jitter %v, want default %v", retry.Jitter, defaults.Jitter)
	}
}

func TestParseConfigRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			"missing name",
			"servers:\n  - url: https://example.com\n",
		},
		{
			"duplicate name",
			"servers:\n  - name: a\n    url: https://example.com\n  - name: a\n    command: ./srv\n",
		},
		{
			"both targets",
			"servers:\n  - name: a\n    url: https://example.com\n    command: ./srv\n",
		},
		{
			"no target",
			"servers:\n  - name: a\n",
		},
		{
			"bad timeout",
			"servers:\n  - name: a\n    url: https://example.com\n    request_timeout: soon\n",
		},
		{
			"bad retry delay",
			"servers:\n  - name: a\n    url: https://example.com\nretry:\n  initial_delay: whenever\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := mcpbridge.ParseConfig([]byte(tt.data))
			var configErr *mcpbridge.ConfigError
			if !errors.As(err, &configErr) {
				t.Fatalf("got %v, want ConfigError", err)
			}
		})
	}
}

func TestParseConfigInvalidYAML(t *testing.T) {
	_, _, err := mcpbridge.ParseConfig([]byte("servers: [unclosed"))
	if err == nil {
		t.Fatal("invalid YAML accepted")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	content := "servers:\n  - name: calc\n    command: ./calc-server\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	descs, _, err := mcpbridge.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(descs) != 1 || descs[0].Name != "calc" {
		t.Errorf("unexpected descriptors: %+v", descs)
	}

	if _, _, err := mcpbridge.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
