package mcpbridge

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrCancelled reports that an operation was aborted by its cancellation
// token. It is always surfaced to the caller and never retried.
var ErrCancelled = errors.New("operation cancelled")

// maxErrorBody caps how much of a remote response body is carried inside a
// RequestError.
const maxErrorBody = 500

// ConfigError reports an invalid target specification, such as a descriptor
// carrying both a URL and a command. It indicates a caller bug and is never
// retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// ConnectionError reports a failed handshake or process start. It is the
// only error kind the reconnection layer retries.
type ConnectionError struct {
	Server  string
	URL     string
	Status  int
	Header  http.Header
	Elapsed time.Duration
	Err     error
}

func (e *ConnectionError) Error() string {
	msg := "connection failed"
	if e.Server != "" {
		msg = fmt.Sprintf("server %q: %s", e.Server, msg)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError reports a remote error status or a malformed response. The
// remote tool itself failed, so it is surfaced immediately and never
// retried.
type RequestError struct {
	Server    string
	Method    string
	RequestID string
	Status    int
	Body      string
	Err       error
}

func (e *RequestError) Error() string {
	msg := "request failed"
	if e.Server != "" {
		msg = fmt.Sprintf("server %q: %s", e.Server, msg)
	}
	if e.Method != "" {
		msg = fmt.Sprintf("%s: method %q", msg, e.Method)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

// TimeoutError reports that a request exceeded the per-server request
// timeout. It is a distinct failure kind from cancellation and from remote
// errors.
type TimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	msg := "request timed out"
	if e.Server != "" {
		msg = fmt.Sprintf("server %q: %s", e.Server, msg)
	}
	if e.Method != "" {
		msg = fmt.Sprintf("%s: method %q", msg, e.Method)
	}
	if e.Timeout != 0 {
		msg = fmt.Sprintf("%s after %s", msg, e.Timeout)
	}
	return msg
}

// truncateBody trims a response body for inclusion in an error message.
func truncateBody(body string) string {
	if len(body) <= maxErrorBody {
		return body
	}
	return body[:maxErrorBody] + "..."
}

// annotateServer stamps the server name onto domain errors that travelled up
// from the transport without one. Unknown error kinds pass through
// unchanged.
func annotateServer(err error, server string) error {
	var connErr *ConnectionError
	if errors.As(err, &connErr) && connErr.Server == "" {
		connErr.Server = server
		return err
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Server == "" {
		reqErr.Server = server
		return err
	}
	var toErr *TimeoutError
	if errors.As(err, &toErr) && toErr.Server == "" {
		toErr.Server = server
		return err
	}
	return err
}

// isDomainError reports whether err belongs to the package taxonomy, as
// opposed to an unexpected failure that still needs wrapping.
func isDomainError(err error) bool {
	if errors.Is(err, ErrCancelled) {
		return true
	}
	var (
		configErr  *ConfigError
		connErr    *ConnectionError
		reqErr     *RequestError
		timeoutErr *TimeoutError
	)
	return errors.As(err, &configErr) ||
		errors.As(err, &connErr) ||
		errors.As(err, &reqErr) ||
		errors.As(err, &timeoutErr)
}
