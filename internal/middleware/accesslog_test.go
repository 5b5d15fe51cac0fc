package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})
	final := NewChain(
		RequestIDWithConfig(RequestIDConfig{Generator: func() string { return "abc" }}),
		AccessLog(AccessLogConfig{Logger: zap.New(core)}),
	).Then(handler)

	req := httptest.NewRequest("POST", "http://hello.eth-gw.uk.to/x?y=1", nil)
	req.Header.Set("User-Agent", "curl/8")
	final.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("status = %v", fields["status"])
	}
	if fields["body_bytes"] != int64(15) {
		t.Errorf("body_bytes = %v", fields["body_bytes"])
	}
	if fields["request_id"] != "abc" || fields["host"] != "hello.eth-gw.uk.to" || fields["method"] != "POST" {
		t.Errorf("unexpected fields %v", fields)
	}
	if fields["user_agent"] != "curl/8" {
		t.Errorf("user_agent = %v", fields["user_agent"])
	}
}

func TestAccessLogSkipPaths(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	final := AccessLog(AccessLogConfig{Logger: zap.New(core), SkipPaths: []string{"/health"}})(http.NotFoundHandler())

	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/other", nil))

	if logs.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", logs.Len())
	}
}
