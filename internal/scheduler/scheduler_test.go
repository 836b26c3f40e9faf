package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobFires(t *testing.T) {
	var calls atomic.Int32
	sched := New(nil)

	err := sched.AddJob("retention", "@every 1s", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()
	time.Sleep(1500 * time.Millisecond)
	cancel()
	<-done

	if calls.Load() == 0 {
		t.Error("expected at least one call")
	}
}

func TestAddJobReplacesByName(t *testing.T) {
	sched := New(nil)
	noop := func(context.Context) error { return nil }
	sched.AddJob("sweep", "@every 1h", noop)
	sched.AddJob("sweep", "@every 5m", noop)
	sched.AddJob("retention", "0 3 * * *", noop)

	jobs := sched.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].Name != "retention" || jobs[1].Name != "sweep" || jobs[1].Schedule != "@every 5m" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil)
	err := sched.AddJob("retention", "invalid-cron", func(context.Context) error { return nil })
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}
}

func TestRemoveJob(t *testing.T) {
	sched := New(nil)
	sched.AddJob("sweep", "@every 1h", func(context.Context) error { return nil })
	sched.RemoveJob("sweep")
	sched.RemoveJob("missing")
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
}

func TestRunNow(t *testing.T) {
	sched := New(nil)
	boom := errors.New("boom")
	sched.AddJob("sweep", "@every 1h", func(context.Context) error { return boom })

	if err := sched.RunNow(context.Background(), "sweep"); !errors.Is(err, boom) {
		t.Errorf("RunNow = %v", err)
	}
	if err := sched.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("RunNow(missing) = %v, want ErrUnknownJob", err)
	}
}
