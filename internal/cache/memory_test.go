package cache

import (
	"testing"
	"time"

	"github.com/wudi/dwebgate/internal/config"
)

func TestMemoryStoreGetSet(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	s.Set("QmA", []byte("module-a"))

	got, ok := s.Get("QmA")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "module-a" {
		t.Errorf("got %q", got)
	}
	if _, ok := s.Get("QmB"); ok {
		t.Error("expected miss")
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore(2, 0)
	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))
	s.Get("a") // a is now most recent
	s.Set("c", []byte("3"))

	if _, ok := s.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := s.Get("a"); !ok {
		t.Error("a should still be cached")
	}
	stats := s.Stats()
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
	if stats.Size != 2 || stats.MaxSize != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore(10, 20*time.Millisecond)
	s.Set("a", []byte("1"))
	time.Sleep(60 * time.Millisecond)
	if _, ok := s.Get("a"); ok {
		t.Error("entry should have expired")
	}
}

func TestMemoryStoreDeletePurge(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))
	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Error("a should be deleted")
	}
	s.Purge()
	if s.Stats().Size != 0 {
		t.Errorf("size = %d after purge", s.Stats().Size)
	}
}

func TestNewStore(t *testing.T) {
	s, err := New(config.CacheConfig{Enabled: false}, nil)
	if err != nil || s != nil {
		t.Errorf("disabled cache = %v, %v; want nil, nil", s, err)
	}

	s, err = New(config.CacheConfig{Enabled: true, MaxEntries: 4, MaxEntryBytes: 3}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Set("small", []byte("abc"))
	s.Set("big", []byte("abcd"))
	if _, ok := s.Get("small"); !ok {
		t.Error("small entry should be cached")
	}
	if _, ok := s.Get("big"); ok {
		t.Error("oversized entry should be skipped")
	}

	if _, err := New(config.CacheConfig{Enabled: true, Mode: "distributed"}, nil); err == nil {
		t.Error("distributed mode without client should fail")
	}
	if _, err := New(config.CacheConfig{Enabled: true, Mode: "disk"}, nil); err == nil {
		t.Error("unknown mode should fail")
	}
}
