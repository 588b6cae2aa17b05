package mcpbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// TransportFactory builds a Transport from a target descriptor. The default
// is NewTransport; tests and embedders may substitute their own.
type TransportFactory func(desc ServerDescriptor, options ...TransportOption) (Transport, error)

// ClientOption configures a ServerClient.
type ClientOption func(*ServerClient)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *ServerClient) {
		c.logger = logger
	}
}

// WithClientTransportFactory overrides how the client builds its Transport.
func WithClientTransportFactory(factory TransportFactory) ClientOption {
	return func(c *ServerClient) {
		c.factory = factory
	}
}

// WithClientTransportOptions forwards options to the built transport.
func WithClientTransportOptions(options ...TransportOption) ClientOption {
	return func(c *ServerClient) {
		c.transportOptions = options
	}
}

// ServerClient owns exactly one Transport to one MCP server at a time. It
// generates request ids, merges stored credentials into outgoing parameters,
// and keeps an accurate map of in-flight requests so they can be cancelled
// on disconnect.
//
// Instances should be created using NewServerClient.
type ServerClient struct {
	desc             ServerDescriptor
	factory          TransportFactory
	transportOptions []TransportOption
	logger           *slog.Logger

	mu        sync.Mutex
	transport Transport
	active    map[string]*Token
}

// NewServerClient creates a client for the given descriptor. The transport
// is not built until Connect is called.
func NewServerClient(desc ServerDescriptor, options ...ClientOption) *ServerClient {
	c := &ServerClient{
		desc:    desc,
		factory: NewTransport,
		logger:  slog.Default(),
		active:  make(map[string]*Token),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Name returns the server name from the descriptor.
func (c *ServerClient) Name() string { return c.desc.Name }

// Descriptor returns the immutable target descriptor.
func (c *ServerClient) Descriptor() ServerDescriptor { return c.desc }

// Connect builds a fresh Transport from the descriptor and connects it. Any
// failure outside the package taxonomy is wrapped as a ConnectionError
// annotated with the server name.
func (c *ServerClient) Connect(ctx context.Context, tok *Token) error {
	transport, err := c.factory(c.desc, c.transportOptions...)
	if err != nil {
		if isDomainError(err) {
			return annotateServer(err, c.desc.Name)
		}
		return &ConnectionError{Server: c.desc.Name, Err: err}
	}

	if err := transport.Connect(ctx, tok); err != nil {
		if isDomainError(err) {
			return annotateServer(err, c.desc.Name)
		}
		return &ConnectionError{Server: c.desc.Name, Err: err}
	}

	c.mu.Lock()
	old := c.transport
	c.transport = transport
	c.mu.Unlock()

	if old != nil {
		if err := old.Disconnect(); err != nil {
			c.logger.Warn("failed to disconnect replaced transport",
				slog.String("server", c.desc.Name), "err", err)
		}
	}
	return nil
}

// Connected reports whether the client currently holds a live transport.
func (c *ServerClient) Connected() bool {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	return transport != nil && transport.Stats().Connected
}

// SendMessage sends one request with a fresh id. A nil token gets an owned
// one so cancellation bookkeeping is uniform. Stored credentials are merged
// into params for keys the caller did not set. The in-flight entry is
// registered before sending and removed on every outcome, so the active
// count never leaks.
func (c *ServerClient) SendMessage(
	ctx context.Context,
	method string,
	params map[string]any,
	tok *Token,
) (*Response, error) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return nil, &ConnectionError{Server: c.desc.Name, Err: errors.New("client not connected")}
	}

	if tok == nil {
		tok = NewToken()
	}

	requestID := uuid.New().String()
	msg, err := newRequest(requestID, method, c.mergeCredentials(params))
	if err != nil {
		return nil, &RequestError{Server: c.desc.Name, Method: method, RequestID: requestID, Err: err}
	}

	c.mu.Lock()
	c.active[requestID] = tok
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, requestID)
		c.mu.Unlock()
	}()

	res, err := transport.SendRequest(ctx, msg, tok)
	if err != nil {
		if isDomainError(err) {
			return nil, annotateServer(err, c.desc.Name)
		}
		return nil, &RequestError{Server: c.desc.Name, Method: method, RequestID: requestID, Err: err}
	}
	return res, nil
}

// ExecuteTool invokes a named tool; the tool name is the JSON-RPC method.
func (c *ServerClient) ExecuteTool(
	ctx context.Context,
	tool string,
	params map[string]any,
	tok *Token,
) (*Response, error) {
	return c.SendMessage(ctx, tool, params, tok)
}

// ListTools asks the server for its tool catalogue via tools/list.
func (c *ServerClient) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.SendMessage(ctx, "tools/list", nil, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := res.Result(&result); err != nil {
		return nil, &RequestError{Server: c.desc.Name, Method: "tools/list",
			Err: fmt.Errorf("failed to parse tool list: %w", err)}
	}
	return result.Tools, nil
}

// CancelAll cancels every in-flight request and returns how many there were.
func (c *ServerClient) CancelAll() int {
	c.mu.Lock()
	tokens := make([]*Token, 0, len(c.active))
	for _, tok := range c.active {
		tokens = append(tokens, tok)
	}
	c.active = make(map[string]*Token)
	c.mu.Unlock()

	for _, tok := range tokens {
		tok.Cancel()
	}
	return len(tokens)
}

// ActiveRequests reports the number of dispatched-but-unresolved requests.
func (c *ServerClient) ActiveRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Disconnect cancels every in-flight request so callers see ErrCancelled
// rather than a hang, then disconnects the transport.
func (c *ServerClient) Disconnect() error {
	if n := c.CancelAll(); n > 0 {
		c.logger.Debug("cancelled in-flight requests on disconnect",
			slog.String("server", c.desc.Name), slog.Int("count", n))
	}

	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.Disconnect()
}

// Stats reports the transport session state, or a zero snapshot when the
// client has never connected.
func (c *ServerClient) Stats() TransportStats {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return TransportStats{}
	}
	return transport.Stats()
}

// mergeCredentials copies params and fills in stored credentials for keys
// the caller did not set. Caller values always win.
func (c *ServerClient) mergeCredentials(params map[string]any) map[string]any {
	if len(c.desc.Credentials) == 0 {
		return params
	}
	merged := make(map[string]any, len(params)+len(c.desc.Credentials))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range c.desc.Credentials {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged
}
