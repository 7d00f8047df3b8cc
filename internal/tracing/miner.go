package tracing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Miner pulls traces from a Source and analyses them.
type Miner struct {
	source      Source
	analyzer    Analyzer
	concurrency int
}

// NewMiner returns a Miner that fetches from source with at most concurrency requests in flight.
func NewMiner(source Source, analyzer Analyzer, concurrency int) *Miner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Miner{source: source, analyzer: analyzer, concurrency: concurrency}
}

// Analyzer exposes the miner's analysis settings.
func (m *Miner) Analyzer() Analyzer {
	return m.analyzer
}

// FetchServices lists the services known to the backend.
func (m *Miner) FetchServices(ctx context.Context) ([]string, error) {
	services, err := m.source.Services(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching services: %w", err)
	}
	return services, nil
}

// FetchTraces downloads the traces for every service. The returned slice is in
// service order regardless of concurrency. A service whose response cannot be
// decoded is skipped; any other error aborts.
func (m *Miner) FetchTraces(ctx context.Context, services []string) ([]Trace, int, error) {
	perService := make([][]Trace, len(services))
	skipped := make([]bool, len(services))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, svc := range services {
		g.Go(func() error {
			traces, err := m.source.Traces(gctx, svc)
			if errors.Is(err, ErrMalformedResponse) {
				log.Warn().Err(err).Str("service", svc).Msg("skipping service with malformed trace response")
				skipped[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetching traces: %w", err)
			}
			perService[i] = traces
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var (
		all      []Trace
		nSkipped int
	)
	for i := range services {
		if skipped[i] {
			nSkipped++
		}
		all = append(all, perService[i]...)
	}
	return all, nSkipped, nil
}

// Analyze runs the pure analysis step.
func (m *Miner) Analyze(traces []Trace) *Result {
	return m.analyzer.Analyze(traces)
}

// Mine runs FetchServices, FetchTraces and Analyze in order.
func (m *Miner) Mine(ctx context.Context) (*Result, error) {
	services, err := m.FetchServices(ctx)
	if err != nil {
		return nil, err
	}
	traces, skipped, err := m.FetchTraces(ctx, services)
	if err != nil {
		return nil, err
	}
	res := m.Analyze(traces)
	res.Stats.Services = len(services)
	res.Stats.ServicesSkipped = skipped

	log.Info().
		Int("services", res.Stats.Services).
		Int("traces", res.Stats.Traces).
		Int("discarded_no_calls", res.Stats.DiscardedNoCalls).
		Int("discarded_fast", res.Stats.DiscardedFast).
		Int("candidates", res.Stats.Candidates).
		Msg("trace mining complete")

	return res, nil
}

// Ordered returns the candidates slowest first, ties broken by trace id.
func (r *Result) Ordered() []Candidate {
	out := make([]Candidate, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RootDuration != out[j].RootDuration {
			return out[i].RootDuration > out[j].RootDuration
		}
		return out[i].TraceID < out[j].TraceID
	})
	return out
}
