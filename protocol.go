package mcpbridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// JSONRPCVersion specifies the version of the JSON-RPC protocol on the wire.
const JSONRPCVersion = "2.0"

// Response status values. Accepted marks an HTTP 202 whose real result
// arrives later on the SSE stream.
const (
	StatusSuccess  = "success"
	StatusAccepted = "accepted"
)

// JSONRPCMessage represents a JSON-RPC 2.0 message envelope used for all
// communication in both transports.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents an error object in a JSON-RPC response.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}

// IDString normalizes the message id for correlation lookups. Remote peers
// may echo ids as strings or numbers; both map to the same key.
func (m JSONRPCMessage) IDString() string {
	if len(m.ID) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(m.ID, &v); err != nil {
		return string(m.ID)
	}
	return cast.ToString(v)
}

// newRequest builds a JSON-RPC request envelope with a string id.
func newRequest(id, method string, params map[string]any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	idBs, err := json.Marshal(id)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal id: %w", err)
	}
	msg.ID = idBs

	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return msg, nil
}

// Response is the outcome of a single request on a Transport. For accepted
// responses Body is nil and the eventual result arrives on the transport's
// message stream. Raw carries the unparsed text of a 2xx body that was not
// valid JSON.
type Response struct {
	Status    string
	RequestID string
	Method    string
	Elapsed   time.Duration
	Body      *JSONRPCMessage
	Raw       string
}

// Result unmarshals the response result into v. It fails on accepted
// responses, raw-text responses, and remote error envelopes.
func (r *Response) Result(v any) error {
	if r.Body == nil {
		return fmt.Errorf("no parsed body in %s response", r.Status)
	}
	if r.Body.Error != nil {
		return fmt.Errorf("result error: %w", r.Body.Error)
	}
	if err := json.Unmarshal(r.Body.Result, v); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// Tool summarizes a remote tool as reported by tools/list.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Message is a conversation message carrying zero or more tool calls. The
// registry executes each call and attaches its result, or a structured
// error, back onto the call in place.
type Message struct {
	Role      string      `json:"role,omitempty"`
	Content   string      `json:"content,omitempty"`
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single tool invocation inside a Message. Server may name the
// owning server explicitly; when empty the registry resolves it from the
// tool name.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Server    string         `json:"server,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    *Response      `json:"result,omitempty"`
	Error     *ToolCallError `json:"error,omitempty"`
}

// ToolCallError is attached to a failed tool call so one call's failure
// never aborts its siblings.
type ToolCallError struct {
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
}
