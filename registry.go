package mcpbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// RegistryOption configures a ClientRegistry.
type RegistryOption func(*ClientRegistry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ClientRegistry) {
		r.logger = logger
	}
}

// WithRegistryTransportFactory overrides how the registry's clients build
// their transports.
func WithRegistryTransportFactory(factory TransportFactory) RegistryOption {
	return func(r *ClientRegistry) {
		r.factory = factory
	}
}

// WithRegistryTransportOptions forwards options to every built transport.
func WithRegistryTransportOptions(options ...TransportOption) RegistryOption {
	return func(r *ClientRegistry) {
		r.transportOptions = options
	}
}

// ClientRegistry owns one ServerClient per registered server, routes tool
// names to servers, and executes the tool-call batches embedded in a
// Message. It holds no process-wide state; construct one per host and tear
// it down with Close.
//
// Instances should be created using NewClientRegistry.
type ClientRegistry struct {
	logger           *slog.Logger
	factory          TransportFactory
	transportOptions []TransportOption

	mu          sync.Mutex
	connections map[string]*ServerClient
	descriptors map[string]ServerDescriptor
	toolRoutes  map[string]string
	toolCache   map[string][]Tool
	batchTokens map[*Token]struct{}
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(options ...RegistryOption) *ClientRegistry {
	r := &ClientRegistry{
		logger:      slog.Default(),
		factory:     NewTransport,
		connections: make(map[string]*ServerClient),
		descriptors: make(map[string]ServerDescriptor),
		toolRoutes:  make(map[string]string),
		toolCache:   make(map[string][]Tool),
		batchTokens: make(map[*Token]struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// ConnectServer validates the descriptor, builds and connects a
// ServerClient, and stores it under the descriptor's name. Re-registering a
// name disconnects the previous connection first, so repeated calls are
// idempotent. A bad target fails with a ConfigError; a failed handshake
// propagates its ConnectionError.
func (r *ClientRegistry) ConnectServer(ctx context.Context, desc ServerDescriptor) error {
	if desc.Name == "" {
		return &ConfigError{Reason: "server name must not be empty"}
	}
	if err := SupportsDescriptor(desc); err != nil {
		return err
	}

	// Remember the target even if this connect fails, so the reconnection
	// layer can rebuild from it later.
	r.mu.Lock()
	r.descriptors[desc.Name] = desc
	existing := r.connections[desc.Name]
	delete(r.connections, desc.Name)
	r.mu.Unlock()

	if existing != nil {
		if err := existing.Disconnect(); err != nil {
			r.logger.Warn("failed to disconnect replaced server",
				slog.String("server", desc.Name), "err", err)
		}
	}

	client := NewServerClient(desc,
		WithClientLogger(r.logger),
		WithClientTransportFactory(r.factory),
		WithClientTransportOptions(r.transportOptions...),
	)
	if err := client.Connect(ctx, nil); err != nil {
		return err
	}

	r.mu.Lock()
	r.connections[desc.Name] = client
	delete(r.toolCache, desc.Name)
	r.mu.Unlock()

	r.logger.Info("server connected", slog.String("server", desc.Name))
	return nil
}

// DisconnectServer removes a server and disconnects its client. It reports
// false for an unknown name.
func (r *ClientRegistry) DisconnectServer(name string) bool {
	r.mu.Lock()
	client, ok := r.connections[name]
	delete(r.connections, name)
	delete(r.descriptors, name)
	delete(r.toolCache, name)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := client.Disconnect(); err != nil {
		r.logger.Warn("failed to disconnect server", slog.String("server", name), "err", err)
	}
	return true
}

// RouteTool registers an explicit toolName to serverName route, taking
// precedence over name matching.
func (r *ClientRegistry) RouteTool(tool, server string) {
	r.mu.Lock()
	r.toolRoutes[tool] = server
	r.mu.Unlock()
}

// ResolveToolServer maps a tool name to its owning server: an explicit route
// wins, then a tool name equal to a connected server name, then a
// "server.tool" prefix match. An empty string means unresolved.
func (r *ClientRegistry) ResolveToolServer(tool string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if server, ok := r.toolRoutes[tool]; ok {
		return server
	}
	if _, ok := r.connections[tool]; ok {
		return tool
	}
	if server, _, ok := strings.Cut(tool, "."); ok {
		if _, connected := r.connections[server]; connected {
			return server
		}
	}
	return ""
}

// ExecuteTool invokes a tool on a named server. An unknown server fails with
// a ConnectionError.
func (r *ClientRegistry) ExecuteTool(
	ctx context.Context,
	server, tool string,
	params map[string]any,
	tok *Token,
) (*Response, error) {
	r.mu.Lock()
	client, ok := r.connections[server]
	r.mu.Unlock()
	if !ok {
		return nil, &ConnectionError{Server: server, Err: errors.New("server not connected")}
	}
	return client.ExecuteTool(ctx, tool, params, tok)
}

// ProcessMessage executes every tool call in the message, attaching each
// call's result or a structured error back onto the call. One call's failure
// never aborts the remaining calls. Cancelling the batch token stops
// dispatching further calls; already-started ones finish or fail on their
// own.
func (r *ClientRegistry) ProcessMessage(ctx context.Context, msg *Message, tok *Token) (*Message, error) {
	return r.processMessage(ctx, msg, tok, r.ExecuteTool)
}

type toolExecutor func(ctx context.Context, server, tool string, params map[string]any, tok *Token) (*Response, error)

func (r *ClientRegistry) processMessage(
	ctx context.Context,
	msg *Message,
	tok *Token,
	execute toolExecutor,
) (*Message, error) {
	if msg == nil {
		return nil, &ConfigError{Reason: "message must not be nil"}
	}
	if tok == nil {
		tok = NewToken()
	}

	r.mu.Lock()
	r.batchTokens[tok] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.batchTokens, tok)
		r.mu.Unlock()
	}()

	for _, call := range msg.ToolCalls {
		if tok.Cancelled() {
			call.Error = &ToolCallError{Message: "batch cancelled", Details: ErrCancelled.Error()}
			continue
		}

		server := call.Server
		if server == "" {
			server = r.ResolveToolServer(call.Name)
		}
		if server == "" {
			call.Error = &ToolCallError{
				Message: "tool not routed",
				Details: fmt.Sprintf("no server resolves tool %q", call.Name),
			}
			continue
		}

		res, err := execute(ctx, server, call.Name, call.Arguments, tok)
		if err != nil {
			call.Error = &ToolCallError{
				Message: fmt.Sprintf("tool %q failed on server %q", call.Name, server),
				Details: err.Error(),
			}
			continue
		}
		call.Result = res
	}

	return msg, nil
}

// ListTools returns the tool catalogue of a named server. Results are cached
// per server; refresh bypasses and repopulates the cache.
func (r *ClientRegistry) ListTools(ctx context.Context, server string, refresh bool) ([]Tool, error) {
	r.mu.Lock()
	client, ok := r.connections[server]
	if !ok {
		r.mu.Unlock()
		return nil, &ConnectionError{Server: server, Err: errors.New("server not connected")}
	}
	if !refresh {
		if tools, cached := r.toolCache[server]; cached {
			r.mu.Unlock()
			return tools, nil
		}
	}
	r.mu.Unlock()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.toolCache[server] = tools
	r.mu.Unlock()
	return tools, nil
}

// Connected reports whether a named server currently holds a live transport.
func (r *ClientRegistry) Connected(name string) bool {
	r.mu.Lock()
	client, ok := r.connections[name]
	r.mu.Unlock()
	return ok && client.Connected()
}

// Descriptor returns the stored target descriptor for a server name. It
// stays available after a connection drop so the server can be rebuilt.
func (r *ClientRegistry) Descriptor(name string) (ServerDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.descriptors[name]
	return desc, ok
}

// ServerNames lists the currently registered server names.
func (r *ClientRegistry) ServerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.connections))
	for name := range r.connections {
		names = append(names, name)
	}
	return names
}

// CancelAll cancels every handler-level batch token plus every client's
// in-flight requests, returning the total count.
func (r *ClientRegistry) CancelAll() int {
	r.mu.Lock()
	tokens := make([]*Token, 0, len(r.batchTokens))
	for tok := range r.batchTokens {
		tokens = append(tokens, tok)
	}
	r.batchTokens = make(map[*Token]struct{})
	clients := make([]*ServerClient, 0, len(r.connections))
	for _, client := range r.connections {
		clients = append(clients, client)
	}
	r.mu.Unlock()

	count := len(tokens)
	for _, tok := range tokens {
		tok.Cancel()
	}
	for _, client := range clients {
		count += client.CancelAll()
	}
	return count
}

// Stats snapshots every connection's transport state keyed by server name.
func (r *ClientRegistry) Stats() map[string]TransportStats {
	r.mu.Lock()
	clients := make(map[string]*ServerClient, len(r.connections))
	for name, client := range r.connections {
		clients[name] = client
	}
	r.mu.Unlock()

	stats := make(map[string]TransportStats, len(clients))
	for name, client := range clients {
		stats[name] = client.Stats()
	}
	return stats
}

// Close cancels everything in flight and disconnects every server.
func (r *ClientRegistry) Close() error {
	r.CancelAll()

	r.mu.Lock()
	clients := make([]*ServerClient, 0, len(r.connections))
	for _, client := range r.connections {
		clients = append(clients, client)
	}
	r.connections = make(map[string]*ServerClient)
	r.descriptors = make(map[string]ServerDescriptor)
	r.toolCache = make(map[string][]Tool)
	r.mu.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
