package mcpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// sseEndpointEvent is the handshake event type carrying the message
// endpoint, sseMessageEvent carries server-pushed JSON-RPC messages.
const (
	sseEndpointEvent = "endpoint"
	sseMessageEvent  = "message"
)

// SSETransport speaks MCP over a long-lived HTTP Server-Sent-Events session.
// Connect runs the endpoint handshake: it GETs the SSE stream and reads
// events until the server announces the message endpoint, from which the
// session id is extracted. Requests are then POSTed to that endpoint as
// JSON-RPC envelopes.
//
// Instances should be created using NewSSETransport or through NewTransport.
type SSETransport struct {
	desc       ServerDescriptor
	httpClient *http.Client
	logger     *slog.Logger

	messages chan JSONRPCMessage

	mu           sync.Mutex
	connected    bool
	sessionID    string
	messageURL   string
	connectedAt  time.Time
	lastActivity time.Time
	requestsSent int64
	body         io.Closer
	streamCancel context.CancelFunc
}

// NewSSETransport creates an SSE transport for the descriptor's URL target.
// The transport is not connected until Connect is called.
func NewSSETransport(desc ServerDescriptor, options ...TransportOption) *SSETransport {
	opts := applyTransportOptions(options)
	return &SSETransport{
		desc:       desc,
		httpClient: opts.httpClient,
		logger:     opts.logger,
		messages:   make(chan JSONRPCMessage, 16),
	}
}

// Connect establishes the SSE session. It GETs <base>/sse (or the descriptor
// URL as-is when it already ends in /sse) and reads the stream until an
// endpoint event supplies both the message URL and the session id. An
// incomplete handshake fails with a ConnectionError carrying status, headers
// and elapsed time; cancelling the token mid-handshake fails with
// ErrCancelled instead.
func (t *SSETransport) Connect(ctx context.Context, tok *Token) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := tok.Err(); err != nil {
		return err
	}

	start := time.Now()
	connectURL := sseConnectURL(t.desc.URL)

	// The stream must outlive the handshake, so its context is detached
	// from the caller's and cancelled only by Disconnect.
	streamCtx, streamCancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, connectURL, nil)
	if err != nil {
		streamCancel()
		return &ConnectionError{URL: connectURL, Elapsed: time.Since(start), Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// Abort the in-flight handshake if the token fires.
	handle := CancelHandle(streamCancel)
	tok.Register(handle)
	defer tok.Unregister(handle)

	// One timer bounds the whole handshake, including the wait for response
	// headers. A server that accepts the connection and then stalls must not
	// block Connect past the request timeout.
	timeout := time.NewTimer(t.desc.requestTimeout())
	defer timeout.Stop()

	type connectResult struct {
		resp *http.Response
		err  error
	}
	results := make(chan connectResult, 1)
	go func() {
		resp, err := t.httpClient.Do(req)
		results <- connectResult{resp: resp, err: err}
	}()

	// abandon cancels the stream and reaps the in-flight GET once it
	// resolves.
	abandon := func() {
		streamCancel()
		go func() {
			if r := <-results; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
	}

	var resp *http.Response
	select {
	case r := <-results:
		if r.err != nil {
			streamCancel()
			if tok.Cancelled() {
				return ErrCancelled
			}
			return &ConnectionError{URL: connectURL, Elapsed: time.Since(start), Err: r.err}
		}
		resp = r.resp
	case <-tok.Done():
		abandon()
		return ErrCancelled
	case <-ctx.Done():
		abandon()
		return &ConnectionError{URL: connectURL, Elapsed: time.Since(start), Err: ctx.Err()}
	case <-timeout.C:
		abandon()
		return &ConnectionError{
			URL:     connectURL,
			Elapsed: time.Since(start),
			Err:     errors.New("handshake timed out"),
		}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		streamCancel()
		return &ConnectionError{
			URL:     connectURL,
			Status:  resp.StatusCode,
			Header:  resp.Header,
			Elapsed: time.Since(start),
			Err:     errors.New("unexpected status code"),
		}
	}

	ready := make(chan error, 1)
	go t.listen(resp, connectURL, ready)

	select {
	case err := <-ready:
		if err != nil {
			streamCancel()
			if tok.Cancelled() {
				return ErrCancelled
			}
			return &ConnectionError{
				URL:     connectURL,
				Status:  resp.StatusCode,
				Header:  resp.Header,
				Elapsed: time.Since(start),
				Err:     err,
			}
		}
	case <-tok.Done():
		streamCancel()
		return ErrCancelled
	case <-ctx.Done():
		streamCancel()
		return &ConnectionError{URL: connectURL, Elapsed: time.Since(start), Err: ctx.Err()}
	case <-timeout.C:
		streamCancel()
		return &ConnectionError{
			URL:     connectURL,
			Status:  resp.StatusCode,
			Header:  resp.Header,
			Elapsed: time.Since(start),
			Err:     errors.New("handshake timed out"),
		}
	}

	t.mu.Lock()
	t.connected = true
	t.connectedAt = time.Now()
	t.lastActivity = t.connectedAt
	t.body = resp.Body
	t.streamCancel = streamCancel
	t.mu.Unlock()

	t.logger.Debug("sse session established",
		slog.String("server", t.desc.Name),
		slog.String("messageURL", t.messageURL),
		slog.String("sessionID", t.sessionID))

	return nil
}

// listen consumes the SSE stream. It completes the handshake on the first
// endpoint event that yields both a message URL and a session id, then keeps
// draining the stream: message events are decoded and offered on Messages so
// a collaborator can reconcile accepted (202) requests.
func (t *SSETransport) listen(resp *http.Response, connectURL string, ready chan<- error) {
	defer resp.Body.Close()

	handshook := false
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if !handshook {
				ready <- fmt.Errorf("stream ended before endpoint handshake: %w", err)
			}
			break
		}

		t.touch()

		switch ev.Type {
		case sseEndpointEvent:
			if handshook {
				continue
			}
			msgURL, sessionID, err := resolveEndpoint(connectURL, ev.Data)
			if err != nil {
				ready <- err
				return
			}
			if sessionID == "" {
				// Both message URL and session id are required before the
				// connection counts as established. Keep reading.
				t.logger.Warn("endpoint event without session id", slog.String("endpoint", ev.Data))
				continue
			}
			t.mu.Lock()
			t.messageURL = msgURL
			t.sessionID = sessionID
			t.mu.Unlock()
			handshook = true
			ready <- nil
		case sseMessageEvent:
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				t.logger.Error("failed to unmarshal stream message", "err", err)
				continue
			}
			select {
			case t.messages <- msg:
			default:
				t.logger.Warn("dropping stream message, consumer is behind",
					slog.String("id", msg.IDString()))
			}
		default:
			t.logger.Debug("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !handshook {
		select {
		case ready <- errors.New("stream ended before endpoint handshake"):
		default:
		}
	}

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// SendRequest POSTs one JSON-RPC envelope to the message endpoint. The
// session id is appended to the URL unless a session parameter is already
// present under either spelling. HTTP 202 yields an accepted Response; a 2xx
// body that is not valid JSON is wrapped raw; anything >= 300 is a
// RequestError with a truncated body.
func (t *SSETransport) SendRequest(ctx context.Context, msg JSONRPCMessage, tok *Token) (*Response, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, &ConnectionError{Server: t.desc.Name, Err: errors.New("transport not connected")}
	}
	messageURL, sessionID := t.messageURL, t.sessionID
	t.mu.Unlock()

	if err := tok.Err(); err != nil {
		return nil, err
	}

	target, err := appendSessionID(messageURL, sessionID)
	if err != nil {
		return nil, &RequestError{Method: msg.Method, RequestID: msg.IDString(), Err: err}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &RequestError{Method: msg.Method, RequestID: msg.IDString(),
			Err: fmt.Errorf("failed to marshal message: %w", err)}
	}

	start := time.Now()
	timeout := t.desc.requestTimeout()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reqCtx, release := tok.Bind(reqCtx)
	defer release()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Method: msg.Method, RequestID: msg.IDString(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		switch {
		case tok.Cancelled():
			return nil, ErrCancelled
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &TimeoutError{Method: msg.Method, Timeout: timeout}
		default:
			return nil, &ConnectionError{URL: target, Elapsed: time.Since(start), Err: err}
		}
	}
	defer resp.Body.Close()

	t.mu.Lock()
	t.requestsSent++
	t.lastActivity = time.Now()
	t.mu.Unlock()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if tok.Cancelled() {
			return nil, ErrCancelled
		}
		return nil, &RequestError{Method: msg.Method, RequestID: msg.IDString(),
			Status: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	elapsed := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// The result will arrive later on the SSE stream; reconciling it
		// is the caller's concern.
		return &Response{
			Status:    StatusAccepted,
			RequestID: msg.IDString(),
			Method:    msg.Method,
			Elapsed:   elapsed,
		}, nil
	case resp.StatusCode < 300:
		var parsed JSONRPCMessage
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return &Response{
				Status:    StatusSuccess,
				RequestID: msg.IDString(),
				Method:    msg.Method,
				Elapsed:   elapsed,
				Raw:       string(respBody),
			}, nil
		}
		return &Response{
			Status:    StatusSuccess,
			RequestID: msg.IDString(),
			Method:    msg.Method,
			Elapsed:   elapsed,
			Body:      &parsed,
		}, nil
	default:
		return nil, &RequestError{
			Method:    msg.Method,
			RequestID: msg.IDString(),
			Status:    resp.StatusCode,
			Body:      truncateBody(string(respBody)),
		}
	}
}

// Messages exposes JSON-RPC messages pushed by the server on the SSE stream
// after the handshake, such as the eventual results of accepted requests.
func (t *SSETransport) Messages() <-chan JSONRPCMessage {
	return t.messages
}

// Disconnect closes the stream and resets the session. It is tolerant of
// already-closed state; unexpected close failures are wrapped as a
// ConnectionError.
func (t *SSETransport) Disconnect() error {
	t.mu.Lock()
	cancel := t.streamCancel
	body := t.body
	t.connected = false
	t.sessionID = ""
	t.messageURL = ""
	t.streamCancel = nil
	t.body = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		if err := body.Close(); err != nil && !errors.Is(err, http.ErrBodyReadAfterClose) {
			return &ConnectionError{Server: t.desc.Name, Err: fmt.Errorf("failed to close stream: %w", err)}
		}
	}
	return nil
}

// Stats reports the current session state.
func (t *SSETransport) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransportStats{
		Kind:         "sse",
		Connected:    t.connected,
		SessionID:    t.sessionID,
		MessageURL:   t.messageURL,
		ConnectedAt:  t.connectedAt,
		LastActivity: t.lastActivity,
		RequestsSent: t.requestsSent,
	}
}

func (t *SSETransport) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// sseConnectURL appends /sse to the base URL unless the path already ends
// in it.
func sseConnectURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if strings.HasSuffix(u.Path, "/sse") {
		return raw
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sse"
	return u.String()
}

// resolveEndpoint turns an endpoint event payload into an absolute message
// URL and extracts the session id under either accepted spelling. Relative
// paths resolve against the connect URL with the trailing /sse stripped;
// absolute URLs are taken as-is.
func resolveEndpoint(connectURL, data string) (msgURL, sessionID string, err error) {
	endpoint, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint URL %q: %w", data, err)
	}

	var resolved *url.URL
	if endpoint.IsAbs() {
		resolved = endpoint
	} else {
		base, err := url.Parse(connectURL)
		if err != nil {
			return "", "", fmt.Errorf("invalid connect URL %q: %w", connectURL, err)
		}
		base.Path = strings.TrimSuffix(base.Path, "/sse")
		resolved = base.ResolveReference(endpoint)
	}
	if resolved.String() == "" {
		return "", "", errors.New("empty endpoint URL")
	}

	q := resolved.Query()
	sessionID = q.Get("sessionId")
	if sessionID == "" {
		sessionID = q.Get("session_id")
	}
	return resolved.String(), sessionID, nil
}

// appendSessionID adds sessionId=<id> to the message URL, skipping it when a
// session parameter is already present under either spelling.
func appendSessionID(messageURL, sessionID string) (string, error) {
	u, err := url.Parse(messageURL)
	if err != nil {
		return "", fmt.Errorf("invalid message URL %q: %w", messageURL, err)
	}
	q := u.Query()
	if q.Get("sessionId") == "" && q.Get("session_id") == "" {
		q.Set("sessionId", sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
