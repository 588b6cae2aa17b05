package mcpbridge_test

import (
	"errors"
	"testing"

	mcpbridge "github.com/modelkit/mcpbridge"
)

func TestNewTransportTargetValidation(t *testing.T) {
	tests := []struct {
		name     string
		desc     mcpbridge.ServerDescriptor
		wantKind string
		wantErr  bool
	}{
		{
			name:     "url target builds sse",
			desc:     mcpbridge.ServerDescriptor{Name: "web", URL: "https://example.com"},
			wantKind: "sse",
		},
		{
			name:     "command target builds stdio",
			desc:     mcpbridge.ServerDescriptor{Name: "local", Command: "./server"},
			wantKind: "stdio",
		},
		{
			name:    "both targets rejected",
			desc:    mcpbridge.ServerDescriptor{Name: "bad", URL: "https://example.com", Command: "./server"},
			wantErr: true,
		},
		{
			name:    "neither target rejected",
			desc:    mcpbridge.ServerDescriptor{Name: "bad"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := mcpbridge.NewTransport(tt.desc)

			if tt.wantErr {
				var configErr *mcpbridge.ConfigError
				if !errors.As(err, &configErr) {
					t.Fatalf("got %v, want ConfigError", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := transport.Stats().Kind; got != tt.wantKind {
				t.Errorf("got transport kind %q, want %q", got, tt.wantKind)
			}
		})
	}
}

func TestSupportsDescriptorMatchesFactory(t *testing.T) {
	descs := []mcpbridge.ServerDescriptor{
		{Name: "a", URL: "https://example.com"},
		{Name: "b", Command: "./server"},
		{Name: "c", URL: "https://example.com", Command: "./server"},
		{Name: "d"},
	}

	for _, desc := range descs {
		supportsErr := mcpbridge.SupportsDescriptor(desc)
		_, createErr := mcpbridge.NewTransport(desc)
		if (supportsErr == nil) != (createErr == nil) {
			t.Errorf("descriptor %+v: SupportsDescriptor err=%v but NewTransport err=%v",
				desc, supportsErr, createErr)
		}
	}
}
