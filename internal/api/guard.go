package api

import (
	"context"
	"errors"
	"sync/atomic"

	"slowquery-agent/internal/detect"
	"slowquery-agent/internal/monitor"
	"slowquery-agent/internal/storage"
)

// ErrRunInProgress is returned when a detection run is requested while
// another one is still executing.
var ErrRunInProgress = errors.New("detection run already in progress")

// Detector runs the detection pipeline once.
type Detector interface {
	Run(ctx context.Context, runType storage.RunType) (*detect.Summary, error)
}

// RunGuard lets at most one detection run execute at a time. Requests that
// arrive while a run is active are rejected, not queued. The HTTP handler
// and the scheduler share one guard.
type RunGuard struct {
	detector Detector
	metrics  *monitor.Metrics
	running  atomic.Bool
}

var _ Detector = (*RunGuard)(nil)

// NewRunGuard returns a guard that allows one detector run at a time.
func NewRunGuard(detector Detector, metrics *monitor.Metrics) *RunGuard {
	return &RunGuard{detector: detector, metrics: metrics}
}

// Run executes one detection run or fails with ErrRunInProgress.
func (g *RunGuard) Run(ctx context.Context, runType storage.RunType) (*detect.Summary, error) {
	if !g.running.CompareAndSwap(false, true) {
		if g.metrics != nil {
			g.metrics.RunsRejectedActive.Inc()
		}
		return nil, ErrRunInProgress
	}
	defer g.running.Store(false)
	return g.detector.Run(ctx, runType)
}

// Running reports whether a run is executing.
func (g *RunGuard) Running() bool {
	return g.running.Load()
}
