// Package jsonrpc implements the line-delimited JSON-RPC 2.0 messages spoken
// by the chat-transport subprocess.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Message is one decoded wire message: *Call, *Result or *Error.
type Message interface {
	message()
}

// Response is a message that answers a Call carrying an id.
type Response interface {
	Message
	ResponseID() string
}

// Call is a request. A Call without an ID is a notification.
type Call struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// Result is a successful response.
type Result struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// Error is an error response. It doubles as the Go error returned to callers
// whose call was answered with an error.
type Error struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      string       `json:"id"`
	Details ErrorDetails `json:"error"`
}

// ErrorDetails is the error object of an error response.
type ErrorDetails struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (*Call) message()   {}
func (*Result) message() {}
func (*Error) message()  {}

// ResponseID returns the correlation id of the result.
func (r *Result) ResponseID() string { return r.ID }

// ResponseID returns the correlation id of the error.
func (e *Error) ResponseID() string { return e.ID }

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Details.Code, e.Details.Message)
}

// IsNotification reports whether the call expects no response.
func (c *Call) IsNotification() bool { return c.ID == "" }

// NewCall builds a call with a fresh ULID correlation id.
func NewCall(method string, params any) (*Call, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Call{JSONRPC: Version, Method: method, Params: raw, ID: ulid.Make().String()}, nil
}

// NewNotification builds a call without an id.
func NewNotification(method string, params any) (*Call, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Call{JSONRPC: Version, Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// DecodeError reports a line that is not a recognizable JSON-RPC message.
type DecodeError struct {
	Line   []byte
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode rpc message: %s: %v", e.Reason, e.Err)
	}
	return "decode rpc message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one wire line. The shape is peeked first (presence of
// "result", "error" or "method") and then the matching variant is decoded.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, &DecodeError{Line: line, Reason: "invalid json", Err: err}
	}

	var version string
	if raw, ok := probe["jsonrpc"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, &DecodeError{Line: line, Reason: "jsonrpc field", Err: err}
		}
	}
	if version != Version {
		return nil, &DecodeError{Line: line, Reason: fmt.Sprintf("unsupported jsonrpc version %q", version)}
	}

	id, err := decodeID(probe["id"])
	if err != nil {
		return nil, &DecodeError{Line: line, Reason: "id field", Err: err}
	}

	switch {
	case has(probe, "result"):
		if id == "" {
			return nil, &DecodeError{Line: line, Reason: "result without id"}
		}
		return &Result{JSONRPC: version, ID: id, Result: probe["result"]}, nil

	case has(probe, "error"):
		var details ErrorDetails
		if err := json.Unmarshal(probe["error"], &details); err != nil {
			return nil, &DecodeError{Line: line, Reason: "error object", Err: err}
		}
		return &Error{JSONRPC: version, ID: id, Details: details}, nil

	case has(probe, "method"):
		var method string
		if err := json.Unmarshal(probe["method"], &method); err != nil {
			return nil, &DecodeError{Line: line, Reason: "method field", Err: err}
		}
		call := &Call{JSONRPC: version, Method: method, ID: id}
		if raw, ok := probe["params"]; ok && !isNull(raw) {
			call.Params = raw
		}
		return call, nil
	}

	return nil, &DecodeError{Line: line, Reason: "no result, error or method"}
}

// Encode renders a message as one newline-terminated line.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc message: %w", err)
	}
	return append(data, '\n'), nil
}

func has(probe map[string]json.RawMessage, key string) bool {
	_, ok := probe[key]
	return ok
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeID accepts string ids and, leniently, numeric ones.
func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
