package mcpbridge

import (
	"context"
	"sync"
)

// Canceller is anything a Token can reach when it is cancelled. Long-lived
// operations register one to opt into being interrupted by a later Cancel.
type Canceller interface {
	Cancel()
}

// CancelHandle adapts a plain function into a registerable Canceller. The
// returned value is comparable, so it can later be passed to Unregister.
func CancelHandle(fn func()) Canceller {
	return &funcCanceller{fn: fn}
}

type funcCanceller struct {
	fn func()
}

func (c *funcCanceller) Cancel() { c.fn() }

// Token is a cooperative cancellation primitive. Once cancelled it never
// reverts: Err reports ErrCancelled forever after, and a second Cancel is a
// no-op. Cancelling best-effort-cancels every registered handle.
//
// A nil *Token is valid and behaves as a token that is never cancelled.
type Token struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	handles map[Canceller]struct{}
}

// NewToken creates a fresh, uncancelled token.
func NewToken() *Token {
	return &Token{
		done:    make(chan struct{}),
		handles: make(map[Canceller]struct{}),
	}
}

// Cancel marks the token cancelled and cancels every registered handle.
// It is idempotent.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })

	t.mu.Lock()
	handles := make([]Canceller, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.handles = make(map[Canceller]struct{})
	t.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns ErrCancelled once the token is cancelled, nil before. Called
// before sending a request and at safe points while reading a stream.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Done returns a channel closed when the token is cancelled. On a nil token
// it returns nil, which blocks forever in a select.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// Register adds a handle that Cancel will reach. Registering on an
// already-cancelled token cancels the handle immediately.
func (t *Token) Register(h Canceller) {
	if t == nil || h == nil {
		return
	}
	if t.Cancelled() {
		h.Cancel()
		return
	}
	t.mu.Lock()
	t.handles[h] = struct{}{}
	t.mu.Unlock()
}

// Unregister removes a previously registered handle. Unknown handles are
// ignored.
func (t *Token) Unregister(h Canceller) {
	if t == nil || h == nil {
		return
	}
	t.mu.Lock()
	delete(t.handles, h)
	t.mu.Unlock()
}

// Bind derives a context that is cancelled when either the parent context or
// the token fires. The returned cancel func must be called to release the
// bridge once the operation finishes.
func (t *Token) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(ctx)
	if t == nil {
		return bound, cancel
	}
	handle := CancelHandle(cancel)
	t.Register(handle)
	return bound, func() {
		t.Unregister(handle)
		cancel()
	}
}
