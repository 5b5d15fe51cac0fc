package naming

import (
	"context"
	"errors"
	"testing"

	"github.com/wudi/dwebgate/internal/config"
)

func TestStaticResolver(t *testing.T) {
	s, err := NewStatic(map[string]config.StaticRecord{
		"Hello.eth": {
			Address:     "0x0102030405060708090a0b0c0d0e0f1011121314",
			ContentHash: "0x" + "aa" + "00000000000000000000000000000000000000000000000000000000000000",
		},
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	addr, err := s.ResolveAddress(context.Background(), "hello.eth")
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if len(addr) != 20 || addr[0] != 0x01 || addr[19] != 0x14 {
		t.Errorf("address = %x", addr)
	}
	addr[0] = 0xff
	again, _ := s.ResolveAddress(context.Background(), "hello.eth")
	if again[0] != 0x01 {
		t.Error("ResolveAddress should return a copy")
	}

	hash, err := s.ResolveContentHash(context.Background(), "HELLO.ETH")
	if err != nil {
		t.Fatalf("ResolveContentHash: %v", err)
	}
	if len(hash) != 32 || hash[0] != 0xaa {
		t.Errorf("content hash = %x", hash)
	}

	if _, err := s.ResolveAddress(context.Background(), "other.eth"); !errors.Is(err, ErrNameNotFound) {
		t.Errorf("err = %v, want ErrNameNotFound", err)
	}
}

func TestStaticResolverCanceled(t *testing.T) {
	s, _ := NewStatic(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.ResolveContentHash(ctx, "x.eth"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewStaticBadHex(t *testing.T) {
	_, err := NewStatic(map[string]config.StaticRecord{"a.eth": {Address: "xyz", ContentHash: "00"}})
	if err == nil {
		t.Error("expected error")
	}
}

func TestNewSelectsResolver(t *testing.T) {
	r, err := New(config.NamingConfig{Resolver: "static"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := r.(*Static); !ok {
		t.Errorf("got %T, want *Static", r)
	}

	cfg := config.DefaultConfig().Naming
	r, err = New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := r.(*ENSClient); !ok {
		t.Errorf("got %T, want *ENSClient", r)
	}

	if _, err := New(config.NamingConfig{Resolver: "dns"}, nil); err == nil {
		t.Error("expected error for unknown resolver")
	}
}

func TestRewriter(t *testing.T) {
	rw := Rewriter{GatewaySuffix: ".eth-gw.uk.to", DomainSuffix: ".eth"}
	tests := []struct {
		host   string
		want   string
		wantOK bool
	}{
		{"foo.eth-gw.uk.to", "foo.eth", true},
		{"foo.eth-gw.uk.to:8080", "foo.eth", true},
		{"Sub.Foo.ETH-GW.uk.to", "sub.foo.eth", true},
		{"foo.eth-gw.uk.to.", "foo.eth", true},
		{"foo.eth", "foo.eth", true},
		{"example.com", "example.com", true},
		{".eth-gw.uk.to", "", false},
		{"", "", false},
		{"  ", "", false},
	}
	for _, tt := range tests {
		got, ok := rw.Rewrite(tt.host)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Rewrite(%q) = %q, %v; want %q, %v", tt.host, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestRewriterNoSuffix(t *testing.T) {
	rw := Rewriter{}
	got, ok := rw.Rewrite("Foo.ETH:443")
	if !ok || got != "foo.eth" {
		t.Errorf("Rewrite = %q, %v", got, ok)
	}
}
