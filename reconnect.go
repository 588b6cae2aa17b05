package mcpbridge

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// reconnectWaitBound caps how long a caller waits on another caller's
// in-progress reconnection before giving up.
const reconnectWaitBound = time.Second

// RetryConfig is the immutable retry policy for the reconnection layer.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig returns the schedule 1s, 2s, 4s (capped at 30s) across
// three retries, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// delay computes the backoff before retry number attempt (zero-based),
// min(initial*factor^attempt, max) plus up to half that again of jitter.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter && d > 0 {
		d += rand.N(d / 2)
	}
	return d
}

// RetryStats reports the active retry policy, the servers currently
// mid-reconnection, and per-connection transport stats.
type RetryStats struct {
	Config       RetryConfig               `json:"config"`
	Reconnecting []string                  `json:"reconnecting,omitempty"`
	Connections  map[string]TransportStats `json:"connections"`
}

// ReconnectingRegistry decorates ClientRegistry with automatic retry and
// deduplicated reconnection. Only ConnectionError triggers a retry; a
// RequestError means the remote tool itself failed and is surfaced
// immediately. At most one reconnection attempt runs per server name;
// concurrent callers wait on its outcome instead of starting a second one.
//
// Instances should be created using NewReconnectingRegistry.
type ReconnectingRegistry struct {
	*ClientRegistry

	cfg RetryConfig

	// sleep is swapped out by tests to observe backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	rmu        sync.Mutex
	inProgress map[string]chan struct{}
}

// NewReconnectingRegistry creates a registry wrapped with the given retry
// policy.
func NewReconnectingRegistry(cfg RetryConfig, options ...RegistryOption) *ReconnectingRegistry {
	return &ReconnectingRegistry{
		ClientRegistry: NewClientRegistry(options...),
		cfg:            cfg,
		sleep:          sleepCtx,
		inProgress:     make(map[string]chan struct{}),
	}
}

// ConnectServer connects with retries: on a ConnectionError it waits the
// backoff delay and tries again, up to MaxRetries, then propagates the final
// error. ConfigError and every other kind fail immediately. When a
// reconnection for the same server is already in progress the call waits on
// its outcome instead of starting a concurrent attempt.
func (r *ReconnectingRegistry) ConnectServer(ctx context.Context, desc ServerDescriptor) error {
	ch, owned := r.claim(desc.Name)
	if !owned {
		return r.awaitReconnect(ctx, desc.Name, ch)
	}
	defer r.release(desc.Name, ch)
	return r.retryConnect(ctx, desc)
}

func (r *ReconnectingRegistry) retryConnect(ctx context.Context, desc ServerDescriptor) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = r.ClientRegistry.ConnectServer(ctx, desc)
		if err == nil {
			return nil
		}

		var connErr *ConnectionError
		if !errors.As(err, &connErr) || attempt >= r.cfg.MaxRetries {
			return err
		}

		d := r.cfg.delay(attempt)
		r.logger.Warn("connect failed, backing off",
			slog.String("server", desc.Name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", d),
			"err", err)

		if serr := r.sleep(ctx, d); serr != nil {
			return err
		}
	}
}

// ExecuteTool ensures the owning server is connected, reconnecting it behind
// the dedup gate if needed, then executes the tool. Transport-level
// connection failures are retried under the backoff schedule; remote tool
// failures surface immediately.
func (r *ReconnectingRegistry) ExecuteTool(
	ctx context.Context,
	server, tool string,
	params map[string]any,
	tok *Token,
) (*Response, error) {
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := r.ensureConnected(ctx, server); cerr != nil {
			return nil, cerr
		}

		var res *Response
		res, err = r.ClientRegistry.ExecuteTool(ctx, server, tool, params, tok)
		if err == nil {
			return res, nil
		}

		var connErr *ConnectionError
		if !errors.As(err, &connErr) || attempt >= r.cfg.MaxRetries {
			return nil, err
		}

		if serr := r.sleep(ctx, r.cfg.delay(attempt)); serr != nil {
			return nil, err
		}
	}
}

// ProcessMessage executes the message's tool calls with the reconnecting
// executor, so a batch survives a server dropping mid-way.
func (r *ReconnectingRegistry) ProcessMessage(ctx context.Context, msg *Message, tok *Token) (*Message, error) {
	return r.processMessage(ctx, msg, tok, r.ExecuteTool)
}

// ListTools retries like ExecuteTool but degrades to an empty list on
// exhausted retries: tool discovery prefers availability over hard failure.
func (r *ReconnectingRegistry) ListTools(ctx context.Context, server string, refresh bool) ([]Tool, error) {
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := r.ensureConnected(ctx, server); cerr != nil {
			err = cerr
			break
		}

		var tools []Tool
		tools, err = r.ClientRegistry.ListTools(ctx, server, refresh)
		if err == nil {
			return tools, nil
		}

		var connErr *ConnectionError
		if !errors.As(err, &connErr) || attempt >= r.cfg.MaxRetries {
			break
		}
		if serr := r.sleep(ctx, r.cfg.delay(attempt)); serr != nil {
			break
		}
	}

	r.logger.Warn("tool listing degraded to empty",
		slog.String("server", server), "err", err)
	return []Tool{}, nil
}

// RetryStats merges the active configuration, the servers currently
// mid-reconnection, and per-connection stats.
func (r *ReconnectingRegistry) RetryStats() RetryStats {
	r.rmu.Lock()
	reconnecting := make([]string, 0, len(r.inProgress))
	for name := range r.inProgress {
		reconnecting = append(reconnecting, name)
	}
	r.rmu.Unlock()

	return RetryStats{
		Config:       r.cfg,
		Reconnecting: reconnecting,
		Connections:  r.Stats(),
	}
}

// ensureConnected makes sure the named server holds a live transport. When a
// reconnection is already in progress the caller waits on its outcome,
// bounded by reconnectWaitBound, instead of starting a duplicate attempt.
func (r *ReconnectingRegistry) ensureConnected(ctx context.Context, server string) error {
	if r.Connected(server) {
		return nil
	}

	ch, owned := r.claim(server)
	if !owned {
		return r.awaitReconnect(ctx, server, ch)
	}
	defer r.release(server, ch)

	desc, ok := r.Descriptor(server)
	if !ok {
		return &ConnectionError{Server: server, Err: errors.New("server not registered")}
	}

	r.logger.Info("reconnecting server", slog.String("server", server))
	return r.retryConnect(ctx, desc)
}

// claim takes ownership of the server's reconnection slot. When the slot is
// busy it returns the in-progress channel and false; the caller must then
// wait on it rather than start a concurrent attempt.
func (r *ReconnectingRegistry) claim(server string) (chan struct{}, bool) {
	r.rmu.Lock()
	defer r.rmu.Unlock()

	if ch, busy := r.inProgress[server]; busy {
		return ch, false
	}
	ch := make(chan struct{})
	r.inProgress[server] = ch
	return ch, true
}

// release concludes an owned reconnection attempt and wakes every waiter.
func (r *ReconnectingRegistry) release(server string, ch chan struct{}) {
	r.rmu.Lock()
	delete(r.inProgress, server)
	r.rmu.Unlock()
	close(ch)
}

// awaitReconnect blocks on another caller's in-progress reconnection,
// bounded by reconnectWaitBound, then reports the outcome by checking
// connectivity.
func (r *ReconnectingRegistry) awaitReconnect(ctx context.Context, server string, ch <-chan struct{}) error {
	timeout := time.NewTimer(reconnectWaitBound)
	defer timeout.Stop()
	select {
	case <-ch:
	case <-timeout.C:
	case <-ctx.Done():
		return &ConnectionError{Server: server, Err: ctx.Err()}
	}
	if r.Connected(server) {
		return nil
	}
	return &ConnectionError{Server: server, Err: errors.New("reconnection did not complete")}
}

// sleepCtx sleeps for d or until ctx is cancelled, returning the context
// error in that case.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
