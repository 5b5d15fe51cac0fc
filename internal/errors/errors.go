package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is the client-facing form of a failure. It never carries
// guest-internal detail; that stays in the logs.
type GatewayError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// WriteJSON writes the error as JSON to the response.
// Base singletons are written from pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &GatewayError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
	}
)

var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrMethodNotAllowed, ErrTooManyRequests, ErrBadGateway,
		ErrServiceUnavailable, ErrGatewayTimeout,
		ErrInternalServer, ErrRequestEntityTooLarge,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// WithRequestID returns a copy of e tagged with the request id. The copy
// is encoded on write rather than served from the pre-serialized bytes.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: requestID,
	}
}
