package gateway

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/content"
	"github.com/wudi/dwebgate/internal/contentid"
	"github.com/wudi/dwebgate/internal/sandbox/guesttest"
)

const testCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

// testRecord is the static record whose identifier is testCID.
func testRecord() config.StaticRecord {
	b := []byte(testCID)
	hash := make([]byte, 32)
	copy(hash, b[20:])
	return config.StaticRecord{
		Address:     hex.EncodeToString(b[:20]),
		ContentHash: hex.EncodeToString(hash),
	}
}

func helloModule(body string) []byte {
	b := guesttest.New()
	return b.Handle(b.Respond(200, "content-type", "text/plain", body, 0)).Bytes()
}

// testConfig returns a config serving helloModule("hello") for hello.eth
// from a file bucket.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Listeners = []config.ListenerConfig{{ID: "http", Address: "127.0.0.1:0", Protocol: config.ProtocolHTTP}}
	cfg.Admin.Enabled = false
	cfg.Naming.Resolver = "static"
	cfg.Naming.Static = map[string]config.StaticRecord{"hello.eth": testRecord()}
	cfg.Content.Backend = "blob"
	cfg.Content.Blob = config.BlobConfig{URL: "file://" + dir}
	cfg.Sandbox.RuntimeMode = "interpreter"
	cfg.Sandbox.Workers = 2
	cfg.Sandbox.ExecutionTimeout = time.Second
	cfg.Sandbox.MaxMemoryPages = 16

	ctx := context.Background()
	store, err := content.OpenBlobStore(ctx, cfg.Content.Blob)
	if err != nil {
		t.Fatalf("OpenBlobStore: %v", err)
	}
	defer store.Close()
	if err := store.Put(ctx, contentid.Identifier(testCID), helloModule("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Close(context.Background()) })
	return g
}

func get(t *testing.T, h http.Handler, host string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "http://"+host+"/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGatewayServes(t *testing.T) {
	g := newGateway(t, testConfig(t))

	rec := get(t, g.Handler(), "hello.eth-gw.uk.to")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on the response")
	}

	rec = get(t, g.Handler(), "nobody.eth-gw.uk.to")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown name: got %d, want 404", rec.Code)
	}

	stats := g.GetStats()
	if stats.Executor.Completed != 1 {
		t.Errorf("executor completed = %d, want 1", stats.Executor.Completed)
	}
	if stats.ModuleCache.Size != 1 {
		t.Errorf("module cache size = %d, want 1", stats.ModuleCache.Size)
	}
	if stats.InFlight != 0 {
		t.Errorf("in flight = %d, want 0", stats.InFlight)
	}
}

func TestGatewayNewInvalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Content.Backend = "tape"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown content backend")
	}
}

func TestGatewayReload(t *testing.T) {
	cfg := testConfig(t)
	g := newGateway(t, cfg)
	h := g.Handler()
	oldRuntime := g.current.Load().runtime

	if rec := get(t, h, "hello.eth-gw.uk.to"); rec.Code != http.StatusOK {
		t.Fatalf("before reload: %d", rec.Code)
	}

	next := *cfg
	next.Naming.Static = map[string]config.StaticRecord{"other.eth": testRecord()}
	result := g.Reload(context.Background(), &next)
	if !result.Success {
		t.Fatalf("Reload failed: %s", result.Error)
	}
	if strings.Join(result.Changes, ",") != "naming changed" {
		t.Errorf("changes = %v", result.Changes)
	}

	if rec := get(t, h, "other.eth-gw.uk.to"); rec.Code != http.StatusOK {
		t.Errorf("new name: got %d, want 200", rec.Code)
	}
	if rec := get(t, h, "hello.eth-gw.uk.to"); rec.Code != http.StatusNotFound {
		t.Errorf("dropped name: got %d, want 404", rec.Code)
	}

	// Same sandbox settings keep the compiled modules.
	s := g.current.Load()
	if s.runtime != oldRuntime {
		t.Error("runtime should carry over when sandbox config is unchanged")
	}
	if s.runtime.CacheStats().Size != 1 {
		t.Errorf("module cache size = %d, want 1", s.runtime.CacheStats().Size)
	}
}

func TestGatewayReloadNewSandbox(t *testing.T) {
	cfg := testConfig(t)
	g := newGateway(t, cfg)
	oldRuntime := g.current.Load().runtime

	next := *cfg
	next.Sandbox.Workers = 3
	result := g.Reload(context.Background(), &next)
	if !result.Success {
		t.Fatalf("Reload failed: %s", result.Error)
	}
	s := g.current.Load()
	if s.runtime == oldRuntime {
		t.Error("sandbox change should build a new runtime")
	}
	if s.executor.Stats().Workers != 3 {
		t.Errorf("workers = %d, want 3", s.executor.Stats().Workers)
	}
	if rec := get(t, g.Handler(), "hello.eth-gw.uk.to"); rec.Code != http.StatusOK {
		t.Errorf("after reload: got %d", rec.Code)
	}
}

func TestGatewayReloadFailureKeepsServing(t *testing.T) {
	cfg := testConfig(t)
	g := newGateway(t, cfg)
	before := g.current.Load()

	bad := *cfg
	bad.Naming.Resolver = "carrier-pigeon"
	result := g.Reload(context.Background(), &bad)
	if result.Success || result.Error == "" {
		t.Fatalf("expected failed reload, got %+v", result)
	}
	if g.current.Load() != before {
		t.Error("state should not change on a failed reload")
	}
	if !before.ownsSandbox {
		t.Error("failed reload must not take the sandbox")
	}
	if rec := get(t, g.Handler(), "hello.eth-gw.uk.to"); rec.Code != http.StatusOK {
		t.Errorf("after failed reload: got %d", rec.Code)
	}
}

func TestGatewayReloadDrains(t *testing.T) {
	cfg := testConfig(t)
	g := newGateway(t, cfg)

	old := g.current.Load()
	if !old.acquire() {
		t.Fatal("acquire failed")
	}

	next := *cfg
	next.Sandbox.Workers = 1
	if result := g.Reload(context.Background(), &next); !result.Success {
		t.Fatalf("Reload failed: %s", result.Error)
	}
	retired := make(chan struct{})
	go func() {
		g.retiring.Wait()
		close(retired)
	}()

	select {
	case <-retired:
		t.Fatal("state retired while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	old.release()
	select {
	case <-retired:
	case <-time.After(2 * time.Second):
		t.Fatal("state not retired after the request finished")
	}
	if old.acquire() {
		t.Error("retired state should refuse new requests")
	}
}

func TestGatewayRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Rate: 1, Period: time.Minute, Burst: 1, MaxKeys: 10}
	g := newGateway(t, cfg)

	if rec := get(t, g.Handler(), "hello.eth-gw.uk.to"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := get(t, g.Handler(), "hello.eth-gw.uk.to")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After")
	}
}

func TestGatewayPurge(t *testing.T) {
	g := newGateway(t, testConfig(t))
	get(t, g.Handler(), "hello.eth-gw.uk.to")

	g.Purge(context.Background())
	stats := g.GetStats()
	if stats.ModuleCache.Size != 0 {
		t.Errorf("module cache size = %d, want 0", stats.ModuleCache.Size)
	}
	if rec := get(t, g.Handler(), "hello.eth-gw.uk.to"); rec.Code != http.StatusOK {
		t.Errorf("after purge: got %d", rec.Code)
	}
}

func TestGatewayMetrics(t *testing.T) {
	g := newGateway(t, testConfig(t))
	get(t, g.Handler(), "hello.eth-gw.uk.to")

	rec := httptest.NewRecorder()
	g.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"dwebgate_requests_total", "dwebgate_executor_workers 2"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestGatewayClose(t *testing.T) {
	g, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := g.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if result := g.Reload(context.Background(), testConfig(t)); result.Success {
		t.Error("Reload after Close should fail")
	}
}

func TestGatewayServeAfterClose(t *testing.T) {
	g, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	h := g.Handler()
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- get(t, h, "hello.eth-gw.uk.to") }()
	select {
	case rec := <-done:
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request after Close did not complete")
	}
}

func TestDiffConfig(t *testing.T) {
	oldCfg := config.DefaultConfig()
	newCfg := config.DefaultConfig()
	if changes := diffConfig(oldCfg, newCfg); len(changes) != 0 {
		t.Errorf("identical configs: %v", changes)
	}

	newCfg.Listeners = []config.ListenerConfig{{ID: "tls", Address: ":8443", Protocol: config.ProtocolHTTP}}
	newCfg.Sandbox.Workers = 1
	newCfg.RateLimit.Enabled = true
	got := strings.Join(diffConfig(oldCfg, newCfg), ",")
	want := "listener added: tls,listener removed: default-http,rate_limit changed,sandbox changed"
	if got != want {
		t.Errorf("changes = %s\nwant %s", got, want)
	}
}
