package cron

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry := NewRegistry()
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	registry.Register(jobA)
	registry.Register(jobB)
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order")
	}
	// ensure caller cannot mutate internal slice
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestEveryThrottlesRuns(t *testing.T) {
	inner := &testJob{name: "retention"}
	job := Every(time.Hour, inner).(*throttledJob)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }
	ctx := context.Background()

	_ = job.Run(ctx)
	now = now.Add(30 * time.Minute)
	_ = job.Run(ctx)
	if inner.runs != 1 {
		t.Fatalf("expected one run inside the interval, got %d", inner.runs)
	}
	now = now.Add(31 * time.Minute)
	_ = job.Run(ctx)
	if inner.runs != 2 {
		t.Fatalf("expected second run after the interval, got %d", inner.runs)
	}
	if job.Name() != "retention" {
		t.Fatalf("unexpected name %q", job.Name())
	}
}

func TestEveryRetriesAfterFailure(t *testing.T) {
	inner := &testJob{name: "flaky", err: errors.New("boom")}
	job := Every(time.Hour, inner)
	ctx := context.Background()
	_ = job.Run(ctx)
	_ = job.Run(ctx)
	if inner.runs != 2 {
		t.Fatalf("expected failed run to be retried, got %d runs", inner.runs)
	}
}
