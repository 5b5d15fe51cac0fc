package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/wudi/dwebgate/internal/config"
)

var errDown = errors.New("down")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("ens", config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		Timeout:          time.Hour,
	}, nil)

	for i := 0; i < 3; i++ {
		_, err := Execute(b, func() (int, error) { return 0, errDown })
		if !errors.Is(err, errDown) {
			t.Fatalf("call %d: err = %v, want errDown", i, err)
		}
	}

	calls := 0
	_, err := Execute(b, func() (int, error) {
		calls++
		return 1, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if calls != 0 {
		t.Error("open breaker should not run fn")
	}

	snap := b.Snapshot()
	if snap.State != "open" {
		t.Errorf("state = %q, want open", snap.State)
	}
	if snap.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", snap.Rejected)
	}
}

func TestBreakerIgnoresExcludedErrors(t *testing.T) {
	notFound := errors.New("not found")
	b := New("ens", config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1}, func(err error) bool {
		return errors.Is(err, notFound)
	})

	for i := 0; i < 5; i++ {
		Execute(b, func() (string, error) { return "", notFound })
	}
	if got := b.Snapshot().State; got != "closed" {
		t.Errorf("state = %q, want closed", got)
	}
}

func TestBreakerPassesValues(t *testing.T) {
	b := New("ipfs", config.CircuitBreakerConfig{Enabled: true}, nil)
	got, err := Execute(b, func() ([]byte, error) { return []byte("ok"), nil })
	if err != nil || string(got) != "ok" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestDisabledBreaker(t *testing.T) {
	b := New("ipfs", config.CircuitBreakerConfig{Enabled: false}, nil)
	if b != nil {
		t.Fatal("disabled config should yield a nil breaker")
	}
	got, err := Execute(b, func() (int, error) { return 5, nil })
	if err != nil || got != 5 {
		t.Errorf("got %d, %v", got, err)
	}
	if b.Snapshot().State != "disabled" {
		t.Errorf("state = %q, want disabled", b.Snapshot().State)
	}
}
