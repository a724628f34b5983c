// Package gwerror implements the gateway's error taxonomy: a small set of
// kinds, each bound to one HTTP status, serialized in OpenAI's
// {error:{message,type,code}} shape.
package gwerror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy entries from the design's error handling section.
type Kind string

const (
	InvalidRequest      Kind = "invalid_request"
	NoBackend           Kind = "no_backend"
	UpstreamUnavailable Kind = "upstream_unavailable"
	UpstreamTimeout     Kind = "upstream_timeout"
	RagUnavailable      Kind = "rag_unavailable"
	McpUnavailable      Kind = "mcp_unavailable"
	MemoryUnavailable   Kind = "memory_unavailable"
	Internal            Kind = "internal"
)

var statusByKind = map[Kind]int{
	InvalidRequest:      http.StatusBadRequest,
	NoBackend:           http.StatusServiceUnavailable,
	UpstreamUnavailable: http.StatusBadGateway,
	UpstreamTimeout:     http.StatusGatewayTimeout,
	RagUnavailable:      http.StatusBadGateway,
	McpUnavailable:      http.StatusBadGateway,
	MemoryUnavailable:   http.StatusInternalServerError,
	Internal:            http.StatusInternalServerError,
}

// Error is the gateway's own error type. Errors that originate downstream
// (a backend's verbatim 4xx/5xx) are never wrapped in this type — they are
// forwarded as-is per the propagation policy.
type Error struct {
	Kind    Kind
	Message string
	Code    string
}

func (e *Error) Error() string { return e.Message }

// Status returns the HTTP status bound to this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WithCode(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Message: message, Code: code}
}

type wireError struct {
	Message string `json:"message"`
	Type    Kind   `json:"type"`
	Code    string `json:"code,omitempty"`
}

type wireEnvelope struct {
	Error wireError `json:"error"`
}

// Body renders the OpenAI-compatible JSON error body for this error.
func (e *Error) Body() []byte {
	b, _ := json.Marshal(wireEnvelope{Error: wireError{
		Message: e.Message,
		Type:    e.Kind,
		Code:    e.Code,
	}})
	return b
}

// WriteJSON writes the error as the single JSON response for the request,
// honoring the status bound to its kind. Any error that is not *Error is
// treated as Internal, matching the "catch-all" rule in the taxonomy.
func WriteJSON(w http.ResponseWriter, err error) {
	gerr, ok := err.(*Error)
	if !ok {
		gerr = New(Internal, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.Status())
	_, _ = w.Write(gerr.Body())
}
