package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSingletonsWritePreSerialized(t *testing.T) {
	singletons := []*GatewayError{
		ErrNotFound, ErrMethodNotAllowed, ErrTooManyRequests, ErrBadGateway,
		ErrServiceUnavailable, ErrGatewayTimeout, ErrInternalServer, ErrRequestEntityTooLarge,
	}
	for _, e := range singletons {
		t.Run(e.Message, func(t *testing.T) {
			pre, ok := preSerialized[e]
			if !ok {
				t.Fatal("singleton missing from the pre-serialized table")
			}
			w := httptest.NewRecorder()
			e.WriteJSON(w)

			if w.Code != e.Code {
				t.Errorf("status = %d, want %d", w.Code, e.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if w.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("missing nosniff")
			}
			if w.Body.String() != string(pre) {
				t.Errorf("body = %q, want %q", w.Body.String(), pre)
			}
		})
	}
}

func TestWithRequestIDEncodesCopy(t *testing.T) {
	e := ErrBadGateway.WithRequestID("req-42")
	if ErrBadGateway.RequestID != "" {
		t.Fatal("WithRequestID modified the singleton")
	}
	if _, ok := preSerialized[e]; ok {
		t.Fatal("copy should not share the singleton's bytes")
	}

	w := httptest.NewRecorder()
	e.WriteJSON(w)
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 3 || body["request_id"] != "req-42" || body["code"] != float64(http.StatusBadGateway) {
		t.Errorf("body = %v", body)
	}
}

func TestGatewayErrorString(t *testing.T) {
	if got := ErrNotFound.Error(); got != "404 Not Found" {
		t.Errorf("Error() = %q", got)
	}
}
