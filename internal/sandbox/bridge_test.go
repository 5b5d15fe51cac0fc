package sandbox

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

func TestNewRequestSnapshot(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://foo.eth-gw.uk.to/path?q=1", strings.NewReader("payload"))
	req.Header.Add("Accept", "text/html")
	req.Header.Add("Accept", "application/json")

	snap, err := NewRequestSnapshot(req, 1024)
	if err != nil {
		t.Fatalf("NewRequestSnapshot: %v", err)
	}
	if snap.URL != "http://foo.eth-gw.uk.to/path?q=1" && snap.URL != "/path?q=1" {
		t.Errorf("URL = %q", snap.URL)
	}
	if string(snap.Body) != "payload" || snap.BodyLen() != 7 {
		t.Errorf("body = %q (%d)", snap.Body, snap.BodyLen())
	}
	if got := snap.HeaderValue("accept"); got != "text/html, application/json" {
		t.Errorf("Accept = %q", got)
	}
	if got := snap.HeaderValue("Host"); got != "foo.eth-gw.uk.to" {
		t.Errorf("Host = %q", got)
	}
	if got := snap.HeaderValue("X-Missing"); got != "" {
		t.Errorf("missing header = %q", got)
	}

	// The snapshot must not follow later changes to the request.
	req.Header.Set("Accept", "changed")
	if got := snap.HeaderValue("Accept"); got != "text/html, application/json" {
		t.Errorf("snapshot changed with request: %q", got)
	}
}

func TestNewRequestSnapshotTooLarge(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	_, err := NewRequestSnapshot(req, 4)
	if !gwerrors.IsKind(err, gwerrors.KindRequestTooLarge) {
		t.Fatalf("declared length: err = %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	req.ContentLength = -1
	_, err = NewRequestSnapshot(req, 4)
	if !gwerrors.IsKind(err, gwerrors.KindRequestTooLarge) {
		t.Fatalf("streamed body: err = %v", err)
	}
}

func TestBodyLenUndeclared(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader("abc"))
	req.ContentLength = -1
	snap, err := NewRequestSnapshot(req, 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.BodyLen() != 3 {
		t.Errorf("BodyLen = %d, want drained length 3", snap.BodyLen())
	}
}

func TestMethodTag(t *testing.T) {
	tests := []struct {
		method string
		tag    int32
		ok     bool
	}{
		{http.MethodGet, MethodGet, true},
		{http.MethodPost, MethodPost, true},
		{http.MethodPut, MethodPut, true},
		{http.MethodDelete, MethodDelete, true},
		{http.MethodPatch, MethodGet, false},
		{http.MethodHead, MethodGet, false},
		{http.MethodOptions, MethodGet, false},
	}
	for _, tt := range tests {
		snap := &RequestSnapshot{Method: tt.method}
		tag, ok := snap.MethodTag()
		if tag != tt.tag || ok != tt.ok {
			t.Errorf("%s: got (%d, %v), want (%d, %v)", tt.method, tag, ok, tt.tag, tt.ok)
		}
	}
}

func TestResponseAccumulator(t *testing.T) {
	acc := NewResponseAccumulator()
	if _, ok := acc.Status(); ok {
		t.Fatal("status should start unset")
	}

	rec := httptest.NewRecorder()
	if err := acc.WriteTo(rec); !gwerrors.IsKind(err, gwerrors.KindResponseStatusUnset) {
		t.Fatalf("unset status: err = %v", err)
	}

	acc.SetStatus(201)
	acc.SetHeader("x-a", "1")
	acc.SetHeader("X-A", "2")
	acc.SetBody([]byte("first"))
	acc.SetBody([]byte("second"))

	rec = httptest.NewRecorder()
	if err := acc.WriteTo(rec); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if rec.Code != 201 {
		t.Errorf("code = %d", rec.Code)
	}
	if got := rec.Header().Values("X-A"); len(got) != 1 || got[0] != "2" {
		t.Errorf("X-A = %v, want last write only", got)
	}
	if rec.Body.String() != "second" {
		t.Errorf("body = %q, want replaced body", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "6" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}
}

func TestResponseAccumulatorNoContent(t *testing.T) {
	acc := NewResponseAccumulator()
	acc.SetStatus(http.StatusNoContent)
	acc.SetBody([]byte("ignored"))

	rec := httptest.NewRecorder()
	if err := acc.WriteTo(rec); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Errorf("got %d with %d body bytes", rec.Code, rec.Body.Len())
	}
}
