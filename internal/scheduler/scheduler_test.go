package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "skycast/pkg/logx"
)

func TestAddRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.Add("bad", "not a cron spec", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAddAcceptsCronAndDescriptor(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.Add("minutely", "* * * * *", 0, job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("hourly", "@hourly", 0, job); err != nil {
		t.Fatalf("Add descriptor: %v", err)
	}
	if err := s.AddInterval("sweep", 5*time.Minute, 0, job); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
}

func TestAddIntervalRejectsNonPositive(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.AddInterval("bad", 0, 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestOverlappingTriggerIsSkipped(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{Timezone: "UTC"}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int64

	d := &jobDef{name: "slow", run: func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}

	s.Start(ctx)
	defer s.Stop(context.Background())

	s.fire(d)
	<-started
	// trigger again while the first run is still going
	s.fire(d)
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for d.running.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (second trigger must be skipped)", got)
	}

	// once the guard clears, the job can run again
	release2 := make(chan struct{})
	d2done := make(chan struct{})
	d.run = func(context.Context) error {
		runs.Add(1)
		close(d2done)
		<-release2
		return nil
	}
	s.fire(d)
	select {
	case <-d2done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run after the previous one finished")
	}
	close(release2)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestJobPanicIsContained(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{}, logx.Nop())
	s.Start(ctx)
	defer s.Stop(context.Background())

	d := &jobDef{name: "panicky", run: func(context.Context) error { panic("boom") }}
	s.fire(d)

	deadline := time.Now().Add(2 * time.Second)
	for d.running.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.running.Load() {
		t.Fatal("running guard stuck after panic")
	}
}
