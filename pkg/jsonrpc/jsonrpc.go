// Package jsonrpc defines the JSON-RPC 2.0 envelopes exchanged with clients.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

// Standard and Ethereum-specific error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeLimitExceeded  = -32005
)

// Request is a single JSON-RPC call. A request without an ID is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`

	// Set by Parse for a batch item that is not a request object.
	invalid error
}

// IsNotification reports whether the caller expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is the reply to a Request.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-initiated message, e.g. an eth_subscription event.
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  SubscriptionResult `json:"params"`
}

// SubscriptionResult carries one subscription event.
type SubscriptionResult struct {
	Subscription string `json:"subscription"`
	Result       any    `json:"result"`
}

// Error is a protocol-level error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError returns a protocol error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Result builds a successful response for r.
func Result(r *Request, result any) *Response {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, ID: idOf(r), Result: result}
}

// Failure builds an error response for r. r may be nil when the envelope could not
// be parsed.
func Failure(r *Request, err error) *Response {
	return &Response{JSONRPC: Version, ID: idOf(r), Error: FromError(err)}
}

// Coder is implemented by domain errors that map to a specific protocol code.
type Coder interface {
	error
	ErrorCode() int
}

// DataError is implemented by errors carrying extra data, such as revert output
// relayed from a fork source.
type DataError interface {
	error
	ErrorData() any
}

// FromError converts err into a protocol error. Protocol errors pass through,
// errors implementing Coder keep their code, anything else is an internal error.
func FromError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	out := &Error{Code: CodeInternalError, Message: err.Error()}
	var coder Coder
	if errors.As(err, &coder) {
		out.Code = coder.ErrorCode()
	}
	var dataErr DataError
	if errors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
	}
	return out
}

// Parse decodes a single request or a batch. It reports whether the payload was a
// batch. A payload that is not JSON yields a parse error; a structurally invalid
// envelope or an empty batch yields an invalid request error. A malformed batch
// item does not fail the batch: Validate reports it for that item alone.
func Parse(payload []byte) ([]*Request, bool, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, false, NewError(CodeParseError, "empty payload")
	}
	if !json.Valid(trimmed) {
		return nil, false, NewError(CodeParseError, "parse error")
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, true, NewError(CodeInvalidRequest, "invalid batch: %v", err)
		}
		if len(items) == 0 {
			return nil, true, NewError(CodeInvalidRequest, "empty batch")
		}
		reqs := make([]*Request, len(items))
		for i, item := range items {
			req := new(Request)
			if err := json.Unmarshal(item, req); err != nil {
				req = &Request{invalid: NewError(CodeInvalidRequest, "invalid request: %v", err)}
			}
			reqs[i] = req
		}
		return reqs, true, nil
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, false, NewError(CodeInvalidRequest, "invalid request: %v", err)
	}
	return []*Request{&req}, false, nil
}

// Validate checks the envelope fields of a parsed request.
func (r *Request) Validate() error {
	if r == nil {
		return NewError(CodeInvalidRequest, "invalid request")
	}
	if r.invalid != nil {
		return r.invalid
	}
	if r.JSONRPC != Version {
		return NewError(CodeInvalidRequest, "invalid jsonrpc version %q", r.JSONRPC)
	}
	if r.Method == "" {
		return NewError(CodeInvalidRequest, "missing method")
	}
	return nil
}

// DecodeParams unmarshals positional params into dst, one element per pointer.
// Missing trailing params leave their destination untouched.
func (r *Request) DecodeParams(dst ...any) error {
	if len(r.Params) == 0 || bytes.Equal(r.Params, []byte("null")) {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(r.Params, &raw); err != nil {
		return NewError(CodeInvalidParams, "params must be an array: %v", err)
	}
	if len(raw) > len(dst) {
		return NewError(CodeInvalidParams, "too many params: got %d, want at most %d", len(raw), len(dst))
	}
	for i, p := range raw {
		if err := json.Unmarshal(p, dst[i]); err != nil {
			return NewError(CodeInvalidParams, "invalid param %d: %v", i, err)
		}
	}
	return nil
}

// RawParams returns positional params as raw JSON values.
func (r *Request) RawParams() ([]json.RawMessage, error) {
	if len(r.Params) == 0 || bytes.Equal(r.Params, []byte("null")) {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(r.Params, &raw); err != nil {
		return nil, NewError(CodeInvalidParams, "params must be an array: %v", err)
	}
	return raw, nil
}

func idOf(r *Request) json.RawMessage {
	if r == nil || len(r.ID) == 0 {
		return json.RawMessage("null")
	}
	return r.ID
}
