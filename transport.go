package mcpbridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// defaultRequestTimeout bounds handshakes and individual requests when the
// descriptor does not carry its own timeout.
const defaultRequestTimeout = 30 * time.Second

// Transport is the communication surface shared by both transport kinds.
// Upper layers stay oblivious to the handshake and framing asymmetry
// underneath.
type Transport interface {
	// Connect establishes the session. For SSE this runs the endpoint
	// handshake; for stdio it spawns the subprocess. Cancelling the token
	// mid-handshake fails with ErrCancelled.
	Connect(ctx context.Context, tok *Token) error

	// SendRequest transmits one JSON-RPC request and returns its response.
	SendRequest(ctx context.Context, msg JSONRPCMessage, tok *Token) (*Response, error)

	// Disconnect tears the session down. It is tolerant of already-closed
	// state; repeated calls are no-ops.
	Disconnect() error

	// Stats reports the current session state.
	Stats() TransportStats
}

// TransportStats is a point-in-time snapshot of a transport session.
type TransportStats struct {
	Kind         string    `json:"kind"`
	Connected    bool      `json:"connected"`
	SessionID    string    `json:"session_id,omitempty"`
	MessageURL   string    `json:"message_url,omitempty"`
	Command      string    `json:"command,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	RequestsSent int64     `json:"requests_sent"`
}

// ServerDescriptor identifies one MCP server target. Exactly one of URL and
// Command must be set. The descriptor is immutable; reconnection rebuilds a
// fresh Transport from it rather than mutating the old one.
type ServerDescriptor struct {
	Name           string
	URL            string
	Command        string
	Args           []string
	Credentials    map[string]any
	RequestTimeout time.Duration
}

// requestTimeout returns the per-server timeout, defaulted.
func (d ServerDescriptor) requestTimeout() time.Duration {
	if d.RequestTimeout > 0 {
		return d.RequestTimeout
	}
	return defaultRequestTimeout
}

// TransportOption configures a transport built by NewTransport.
type TransportOption func(*transportOptions)

type transportOptions struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithHTTPClient sets the HTTP client used by SSE transports. If unset the
// default HTTP client is used.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(o *transportOptions) {
		o.httpClient = client
	}
}

// WithTransportLogger sets the logger for the transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(o *transportOptions) {
		o.logger = logger
	}
}

func applyTransportOptions(options []TransportOption) transportOptions {
	opts := transportOptions{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

// SupportsDescriptor validates a target descriptor without constructing a
// transport, for pre-flight checks. It fails with a ConfigError unless
// exactly one of URL and Command is set.
func SupportsDescriptor(desc ServerDescriptor) error {
	switch {
	case desc.URL != "" && desc.Command != "":
		return &ConfigError{Reason: "descriptor must set exactly one of url and command, got both"}
	case desc.URL == "" && desc.Command == "":
		return &ConfigError{Reason: "descriptor must set exactly one of url and command, got neither"}
	}
	return nil
}

// NewTransport builds the transport matching the descriptor: SSETransport
// for a URL target, StdioTransport for a command target. It fails with a
// ConfigError for an invalid descriptor.
func NewTransport(desc ServerDescriptor, options ...TransportOption) (Transport, error) {
	if err := SupportsDescriptor(desc); err != nil {
		return nil, err
	}
	if desc.URL != "" {
		return NewSSETransport(desc, options...), nil
	}
	return NewStdioTransport(desc, options...), nil
}
