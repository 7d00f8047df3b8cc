// Package scheduler triggers an automatic detection run at the top of every
// hour.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/detect"
	"slowquery-agent/internal/storage"
)

// Runner executes one detection run.
type Runner interface {
	Run(ctx context.Context, runType storage.RunType) (*detect.Summary, error)
}

// Scheduler runs detection on the hour, one run at a time. A run that
// outlasts the hour delays the next one rather than overlapping it.
type Scheduler struct {
	runner Runner

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
	// settle is slept after each run so a wakeup landing exactly on the
	// boundary cannot trigger twice.
	settle time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New returns a Scheduler for runner. Call Start to begin.
func New(runner Runner) *Scheduler {
	return &Scheduler{
		runner: runner,
		now:    time.Now,
		after:  time.After,
		settle: time.Second,
		done:   make(chan struct{}),
	}
}

// UntilNextHour returns the wait from now to the next full hour in now's
// location.
func UntilNextHour(now time.Time) time.Duration {
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	if d := hour.Add(time.Hour).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Start runs the schedule until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	log.Info().Msg("hourly detection scheduler started")
}

// Stop ends the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		wait := UntilNextHour(s.now())
		log.Debug().Dur("wait", wait).Msg("next automatic detection scheduled")
		if !s.sleep(ctx, wait) {
			return
		}

		s.runOnce(ctx)

		if !s.sleep(ctx, s.settle) {
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	log.Info().Msg("starting automatic detection run")
	summary, err := s.runner.Run(ctx, storage.RunAutomatic)
	if err != nil {
		// Failure status and message are already persisted on the run record.
		ev := log.Error().Err(err)
		if summary != nil {
			ev = ev.Str("run_id", summary.RunID)
		}
		ev.Msg("automatic detection run failed")
		return
	}
	log.Info().
		Str("run_id", summary.RunID).
		Int("candidates", summary.CandidateCount).
		Int("incidents", summary.IncidentCount).
		Msg("automatic detection run completed")
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case <-s.after(d):
		return true
	}
}
