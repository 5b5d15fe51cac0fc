package content

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/contentid"
	"gocloud.dev/blob/memblob"
)

const testCID = contentid.Identifier("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")

func newIPFS(t *testing.T, h http.Handler, retries int) *IPFSStore {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := NewIPFSStore(config.IPFSConfig{
		APIURL: srv.URL + "/",
		Retry: config.RetryConfig{
			MaxRetries:     retries,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewIPFSStore: %v", err)
	}
	return s
}

func TestIPFSFetch(t *testing.T) {
	s := newIPFS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v0/cat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("arg"); got != testCID.String() {
			t.Errorf("arg = %q", got)
		}
		w.Write([]byte("\x00asm\x01\x00\x00\x00"))
	}), 0)

	rc, err := s.Fetch(context.Background(), testCID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "\x00asm\x01\x00\x00\x00" {
		t.Errorf("data = %q", data)
	}
}

func TestIPFSFetchRejectsNonCID(t *testing.T) {
	var hits atomic.Int64
	s := newIPFS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}), 0)

	if _, err := s.Fetch(context.Background(), contentid.Identifier("\xff\x00not-a-cid")); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 0 {
		t.Error("invalid identifiers should not reach the API")
	}
}

func TestIPFSFetchNotFound(t *testing.T) {
	var hits atomic.Int64
	s := newIPFS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"Message":"block was not found locally (offline)","Code":0,"Type":"error"}`))
	}), 3)

	_, err := s.Fetch(context.Background(), testCID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, not-found should not be retried", hits.Load())
	}
}

func TestIPFSFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	s := newIPFS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}), 3)

	rc, err := s.Fetch(context.Background(), testCID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	rc.Close()
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestIPFSFetchBadRequestNotRetried(t *testing.T) {
	var hits atomic.Int64
	s := newIPFS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), 3)

	if _, err := s.Fetch(context.Background(), testCID); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestNewIPFSStoreBadURL(t *testing.T) {
	if _, err := NewIPFSStore(config.IPFSConfig{APIURL: "localhost"}, nil); err == nil {
		t.Error("expected error for url without scheme")
	}
}

func TestBlobStore(t *testing.T) {
	ctx := context.Background()
	s := NewBlobStore(memblob.OpenBucket(nil), "modules/")
	defer s.Close()

	if err := s.Put(ctx, testCID, []byte("module")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := s.Fetch(ctx, testCID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "module" {
		t.Errorf("data = %q", data)
	}

	if _, err := s.Fetch(ctx, contentid.Identifier("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBlobStoreKey(t *testing.T) {
	s := NewBlobStore(memblob.OpenBucket(nil), "p/")
	defer s.Close()

	if got := s.Key(testCID); got != "p/"+testCID.String() {
		t.Errorf("Key = %q", got)
	}
	if got := s.Key(contentid.Identifier("\xff\x01")); got != "p/hex/ff01" {
		t.Errorf("Key = %q, want hex fallback", got)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()
	st, err := New(ctx, config.ContentConfig{Backend: "blob", Blob: config.BlobConfig{URL: "mem://"}}, nil)
	if err != nil {
		t.Fatalf("New(blob): %v", err)
	}
	if bs, ok := st.(*BlobStore); !ok {
		t.Errorf("got %T, want *BlobStore", st)
	} else {
		bs.Close()
	}

	st, err = New(ctx, config.ContentConfig{Backend: "ipfs", IPFS: config.IPFSConfig{APIURL: "http://127.0.0.1:5001"}}, nil)
	if err != nil {
		t.Fatalf("New(ipfs): %v", err)
	}
	if _, ok := st.(*IPFSStore); !ok {
		t.Errorf("got %T, want *IPFSStore", st)
	}

	if _, err := New(ctx, config.ContentConfig{Backend: "s3"}, nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}
