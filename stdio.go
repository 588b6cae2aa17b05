package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stdioKillGrace is how long Disconnect waits after SIGTERM before killing
// the subprocess.
const stdioKillGrace = 5 * time.Second

// StdioTransport speaks MCP to a spawned subprocess over its pipes: one
// JSON-RPC object per line, UTF-8, newline-terminated, in both directions.
//
// The pipe has no id-based demultiplexing, so request/response turns are
// serialized: a send holds the pipe until its response line is read.
// Concurrent SendRequest calls queue up rather than interleave.
//
// Instances should be created using NewStdioTransport or through
// NewTransport.
type StdioTransport struct {
	desc   ServerDescriptor
	logger *slog.Logger

	// pipeMu serializes whole request/response turns on the pipe.
	pipeMu sync.Mutex

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdout       *bufio.Reader
	connected    bool
	connectedAt  time.Time
	lastActivity time.Time
	requestsSent int64
}

// NewStdioTransport creates a stdio transport for the descriptor's command
// target. The subprocess is not spawned until Connect is called.
func NewStdioTransport(desc ServerDescriptor, options ...TransportOption) *StdioTransport {
	opts := applyTransportOptions(options)
	return &StdioTransport{
		desc:   desc,
		logger: opts.logger,
	}
}

// Connect spawns the command with piped stdin/stdout/stderr. The transport
// counts as connected once the pipes exist and the process has started.
func (t *StdioTransport) Connect(_ context.Context, tok *Token) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if err := tok.Err(); err != nil {
		return err
	}

	cmd := exec.Command(t.desc.Command, t.desc.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Server: t.desc.Name, Err: fmt.Errorf("failed to open stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ConnectionError{Server: t.desc.Name, Err: fmt.Errorf("failed to open stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ConnectionError{Server: t.desc.Name, Err: fmt.Errorf("failed to open stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &ConnectionError{Server: t.desc.Name, Err: fmt.Errorf("failed to start %q: %w", t.desc.Command, err)}
	}

	go t.drainStderr(stderr)

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = bufio.NewReader(stdout)
	t.connected = true
	t.connectedAt = time.Now()
	t.lastActivity = t.connectedAt

	t.logger.Debug("subprocess started",
		slog.String("server", t.desc.Name),
		slog.String("command", t.desc.Command),
		slog.Int("pid", cmd.Process.Pid))

	return nil
}

// drainStderr keeps subprocess diagnostics visible without interfering with
// the protocol stream.
func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr",
			slog.String("server", t.desc.Name),
			slog.String("line", scanner.Text()))
	}
}

// SendRequest writes one JSON line to the subprocess stdin and reads exactly
// one line back from stdout. An empty read or invalid JSON fails with a
// RequestError; exceeding the request timeout fails with a TimeoutError.
func (t *StdioTransport) SendRequest(ctx context.Context, msg JSONRPCMessage, tok *Token) (*Response, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, &ConnectionError{Server: t.desc.Name, Err: errors.New("transport not connected")}
	}
	stdin, stdout := t.stdin, t.stdout
	t.mu.Unlock()

	if err := tok.Err(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &RequestError{Method: msg.Method, RequestID: msg.IDString(),
			Err: fmt.Errorf("failed to marshal message: %w", err)}
	}
	body = append(body, '\n')

	start := time.Now()
	timeout := t.desc.requestTimeout()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reqCtx, release := tok.Bind(reqCtx)
	defer release()

	t.pipeMu.Lock()

	type lineWithErr struct {
		line string
		err  error
	}
	lines := make(chan lineWithErr, 1)

	// Write and read in a goroutine so the caller can be cancelled even
	// while the subprocess sits on the pipe.
	go func() {
		if _, err := stdin.Write(body); err != nil {
			lines <- lineWithErr{err: fmt.Errorf("failed to write message: %w", err)}
			return
		}
		line, err := stdout.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			lines <- lineWithErr{err: fmt.Errorf("failed to read response: %w", err)}
			return
		}
		lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
	}()

	var lwe lineWithErr
	select {
	case <-reqCtx.Done():
		// The goroutine still owns the pipe. Keep pipeMu held until its
		// pending read resolves and discard the stale line, so the next
		// turn never interleaves with this one. Disconnect closes the
		// pipes, which resolves the read if the subprocess never answers.
		go func() {
			<-lines
			t.pipeMu.Unlock()
		}()
		if tok.Cancelled() {
			return nil, ErrCancelled
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Server: t.desc.Name, Method: msg.Method, Timeout: timeout}
		}
		return nil, &RequestError{Server: t.desc.Name, Method: msg.Method,
			RequestID: msg.IDString(), Err: reqCtx.Err()}
	case lwe = <-lines:
		t.pipeMu.Unlock()
	}

	t.mu.Lock()
	t.requestsSent++
	t.lastActivity = time.Now()
	t.mu.Unlock()

	if lwe.err != nil {
		return nil, &RequestError{Server: t.desc.Name, Method: msg.Method,
			RequestID: msg.IDString(), Err: lwe.err}
	}
	if strings.TrimSpace(lwe.line) == "" {
		return nil, &RequestError{Server: t.desc.Name, Method: msg.Method,
			RequestID: msg.IDString(), Err: errors.New("empty response")}
	}

	var parsed JSONRPCMessage
	if err := json.Unmarshal([]byte(lwe.line), &parsed); err != nil {
		return nil, &RequestError{Server: t.desc.Name, Method: msg.Method,
			RequestID: msg.IDString(), Body: truncateBody(lwe.line),
			Err: fmt.Errorf("invalid JSON response: %w", err)}
	}

	return &Response{
		Status:    StatusSuccess,
		RequestID: msg.IDString(),
		Method:    msg.Method,
		Elapsed:   time.Since(start),
		Body:      &parsed,
	}, nil
}

// Disconnect closes stdin and, if the process is still alive, terminates it,
// waiting up to five seconds before killing. State is always reset so
// repeated calls are no-ops.
func (t *StdioTransport) Disconnect() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.cmd = nil
	t.stdin = nil
	t.stdout = nil
	t.connected = false
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if stdin != nil {
		if err := stdin.Close(); err != nil {
			t.logger.Debug("failed to close stdin", "err", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// Give the process a chance to exit on stdin EOF before escalating.
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Debug("failed to signal subprocess", "err", err)
		}
	}

	select {
	case <-done:
	case <-time.After(stdioKillGrace):
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				t.logger.Warn("failed to kill subprocess", "err", err)
			}
		}
		<-done
	}

	return nil
}

// Stats reports the current session state.
func (t *StdioTransport) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransportStats{
		Kind:         "stdio",
		Connected:    t.connected,
		Command:      t.desc.Command,
		ConnectedAt:  t.connectedAt,
		LastActivity: t.lastActivity,
		RequestsSent: t.requestsSent,
	}
}
