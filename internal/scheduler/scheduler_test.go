package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slowquery-agent/internal/detect"
	"slowquery-agent/internal/storage"
)

func TestUntilNextHour(t *testing.T) {
	india := time.FixedZone("IST", 5*3600+1800)
	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"mid hour", time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC), 45 * time.Minute},
		{"on the hour", time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), time.Hour},
		{"just before", time.Date(2026, 5, 1, 10, 59, 59, 500_000_000, time.UTC), 500 * time.Millisecond},
		{"half hour offset zone", time.Date(2026, 5, 1, 10, 40, 0, 0, india), 20 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UntilNextHour(tt.now); got != tt.want {
				t.Errorf("UntilNextHour(%s) = %s, want %s", tt.now, got, tt.want)
			}
		})
	}
}

type countingRunner struct {
	mu    sync.Mutex
	types []storage.RunType
	err   error
	ran   chan struct{}
}

func (r *countingRunner) Run(_ context.Context, runType storage.RunType) (*detect.Summary, error) {
	r.mu.Lock()
	r.types = append(r.types, runType)
	r.mu.Unlock()
	r.ran <- struct{}{}
	return &detect.Summary{RunID: "r", Status: storage.RunSuccess}, r.err
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestSchedulerRunsAutomaticDetection(t *testing.T) {
	runner := &countingRunner{ran: make(chan struct{}), err: errors.New("fetch failed")}
	s := New(runner)
	s.after = immediate

	s.Start(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-runner.ran:
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d did not happen", i+1)
		}
	}

	// Drain a run that may be in flight while stopping.
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	for {
		select {
		case <-runner.ran:
			continue
		case <-stopped:
		}
		break
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, rt := range runner.types {
		if rt != storage.RunAutomatic {
			t.Errorf("run type = %s, want automatic", rt)
		}
	}
}

func TestSchedulerStopsWhileWaiting(t *testing.T) {
	runner := &countingRunner{ran: make(chan struct{}, 1)}
	s := New(runner)
	s.after = func(time.Duration) <-chan time.Time { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if len(runner.types) != 0 {
		t.Errorf("runs = %v, want none", runner.types)
	}
}
