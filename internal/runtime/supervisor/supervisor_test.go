package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	want := errors.New("boom")
	s.Go("failing", func(context.Context) error { return want })
	s.Go("fine", func(context.Context) error { return nil })

	if err := s.Wait(context.Background()); !errors.Is(err, want) {
		t.Fatalf("Wait = %v, want %v", err, want)
	}
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(context.Context) error { return errors.New("boom") })
	s.Go("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); err == nil {
		t.Fatal("expected the recorded error")
	}
	if s.Context().Err() == nil {
		t.Fatal("context not cancelled after first error")
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("kaboom") })

	err := s.Wait(context.Background())
	if err == nil {
		t.Fatal("panic was swallowed")
	}
}

func TestGoRestartRestartsUntilCancel(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int64
	s.GoRestart("flappy", func(context.Context) error {
		runs.Add(1)
		return errors.New("exit")
	}, time.Millisecond, 10*time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want at least 3 restarts", runs.Load())
	}

	s.Cancel()
	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("restart loop did not stop on cancel")
	}
	if got := s.Active(); got != 0 {
		t.Fatalf("active = %d after shutdown", got)
	}
}
