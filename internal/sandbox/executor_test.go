package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

func TestExecutorRuns(t *testing.T) {
	e := NewExecutor(2, time.Second)
	defer e.Close()

	want := errors.New("guest said no")
	if err := e.Submit(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("Submit = %v, want %v", err, want)
	}
	if err := e.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("Submit = %v", err)
	}

	st := e.Stats()
	if st.Workers != 2 || st.Completed != 2 || st.Rejected != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExecutorSaturated(t *testing.T) {
	e := NewExecutor(1, 20*time.Millisecond)
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go e.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	err := e.Submit(context.Background(), func(context.Context) error { return nil })
	close(release)

	ge := gwerrors.As(err)
	if ge == nil || ge.Kind != gwerrors.KindExecutorSaturated {
		t.Fatalf("err = %v, want saturated", err)
	}
	if ge.Status() != 503 {
		t.Errorf("status = %d", ge.Status())
	}
	if e.Stats().Rejected != 1 {
		t.Errorf("rejected = %d", e.Stats().Rejected)
	}
}

func TestExecutorCallerCancelled(t *testing.T) {
	e := NewExecutor(1, time.Second)
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go e.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Submit(ctx, func(context.Context) error { return nil })
	if !gwerrors.IsKind(err, gwerrors.KindGuestExecutionFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestExecutorRecoversPanic(t *testing.T) {
	e := NewExecutor(1, time.Second)
	defer e.Close()

	err := e.Submit(context.Background(), func(context.Context) error { panic("boom") })
	if !gwerrors.IsKind(err, gwerrors.KindInternal) {
		t.Fatalf("err = %v", err)
	}
	// The worker survives.
	if err := e.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("after panic: %v", err)
	}
}

func TestExecutorClosed(t *testing.T) {
	e := NewExecutor(1, time.Second)
	e.Close()
	e.Close()

	err := e.Submit(context.Background(), func(context.Context) error { return nil })
	if !gwerrors.IsKind(err, gwerrors.KindExecutorSaturated) {
		t.Errorf("err = %v", err)
	}
}
