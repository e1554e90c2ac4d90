package rpc

import "encoding/json"

// Version is the JSON-RPC protocol version spoken on the socket.
const Version = "2.0"

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603 // reserved
)

// Backend error codes. These are contractual: frontends dispatch on them.
const (
	CodeBackendError  = -32000 // internal backend failure, including invalid credentials
	CodeUpstreamError = -32001 // upstream API returned an error status
	CodeFilterError   = -32002 // filter-program-related error
	CodeOtherError    = -32099 // anything else, including local quota rejection
)

// Request is a JSON-RPC 2.0 request. The id is caller-supplied and opaque; it
// is echoed back verbatim, including when absent. Notifications are not part
// of this protocol: every request gets exactly one response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Meta carries the freshest rate-limit view alongside every execute result so
// frontends can pace themselves.
type Meta struct {
	APICallsRemaining int   `json:"api_calls_remaining"`
	APICallsReset     int64 `json:"api_calls_reset"` // epoch seconds
}

func successResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data any) Response {
	return Response{JSONRPC: Version, ID: normalizeID(id), Error: &Error{Code: code, Message: message, Data: data}}
}

// normalizeID keeps the caller's id byte-for-byte; an absent id serializes as
// null rather than being invented.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
