package tracing

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// Analyzer decides which traces are slow candidates. The zero value is not
// useful; build one with NewAnalyzer or fill every field.
type Analyzer struct {
	ThresholdMicros int64
	CallOperation   string
	ArgsTag         string
	FrameTag        string
	QueryOperation  string // empty disables query aggregation
	QueryTextTag    string
}

// NewAnalyzer returns an Analyzer with the Prisma span conventions.
func NewAnalyzer(thresholdMicros int64) Analyzer {
	return Analyzer{
		ThresholdMicros: thresholdMicros,
		CallOperation:   "prisma:call-operation",
		ArgsTag:         "prisma.args",
		FrameTag:        "prisma.frame",
		QueryOperation:  "prisma:engine:db_query",
		QueryTextTag:    "db.query.text",
	}
}

// Analyze turns raw traces into candidates. It is pure: the same input always
// yields the same output. A trace id seen more than once is analysed once.
func (a Analyzer) Analyze(traces []Trace) *Result {
	res := &Result{Candidates: make(map[string]Candidate)}
	seen := make(map[string]bool, len(traces))

	for _, tr := range traces {
		if seen[tr.TraceID] {
			res.Stats.Duplicates++
			continue
		}
		seen[tr.TraceID] = true
		res.Stats.Traces++

		c, ok := a.analyzeTrace(tr, &res.Stats)
		if !ok {
			continue
		}
		res.Candidates[tr.TraceID] = c
		res.Stats.Candidates++
	}
	return res
}

func (a Analyzer) analyzeTrace(tr Trace, stats *Stats) (Candidate, bool) {
	var (
		rootDuration int64
		root         *Span
		callIDs      []string
		callSpans    = make(map[string]Span)
		parents      = make(map[string]string, len(tr.Spans))
		querySpans   []Span
	)

	for i := range tr.Spans {
		s := tr.Spans[i]
		if s.Duration > rootDuration {
			rootDuration = s.Duration
		}
		if root == nil && len(s.References) == 0 {
			root = &tr.Spans[i]
		}
		parents[s.SpanID] = s.Parent()

		switch {
		case s.OperationName == a.CallOperation:
			if _, dup := callSpans[s.SpanID]; !dup {
				callIDs = append(callIDs, s.SpanID)
				callSpans[s.SpanID] = s
			}
		case a.QueryOperation != "" && s.OperationName == a.QueryOperation:
			querySpans = append(querySpans, s)
		}
	}

	logger := log.With().Str("trace_id", tr.TraceID).Logger()

	if len(callIDs) == 0 {
		stats.DiscardedNoCalls++
		logger.Debug().Msg("discarding trace with no call operations")
		return Candidate{}, false
	}
	if rootDuration < a.ThresholdMicros {
		stats.DiscardedFast++
		logger.Debug().
			Int64("root_duration_us", rootDuration).
			Int64("threshold_us", a.ThresholdMicros).
			Msg("discarding trace below threshold")
		return Candidate{}, false
	}

	queries := a.attributeQueries(querySpans, parents, callSpans)

	ops := make([]CallOperation, 0, len(callIDs))
	for _, id := range callIDs {
		s := callSpans[id]
		args, _ := s.Tag(a.ArgsTag)
		frame, _ := s.Tag(a.FrameTag)
		ops = append(ops, CallOperation{
			SpanID:   id,
			Duration: s.Duration,
			Args:     args,
			Frame:    frame,
			Queries:  queries[id],
		})
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Duration > ops[j].Duration })

	return Candidate{
		TraceID:        tr.TraceID,
		Endpoint:       endpointOf(root, tr.Spans),
		RootDuration:   rootDuration,
		CallOperations: ops,
	}, true
}

// attributeQueries groups query spans under their nearest call-operation
// ancestor and aggregates identical query texts.
func (a Analyzer) attributeQueries(querySpans []Span, parents map[string]string, calls map[string]Span) map[string][]QueryStat {
	if len(querySpans) == 0 {
		return nil
	}

	type key struct{ call, text string }
	agg := make(map[key]*QueryStat)
	byCall := make(map[string][]*QueryStat)

	for _, q := range querySpans {
		owner := nearestAncestor(q.SpanID, parents, calls)
		if owner == "" {
			continue
		}
		text, ok := q.Tag(a.QueryTextTag)
		if !ok || text == "" {
			continue
		}
		k := key{owner, text}
		st, ok := agg[k]
		if !ok {
			st = &QueryStat{Text: text}
			agg[k] = st
			byCall[owner] = append(byCall[owner], st)
		}
		st.Count++
		st.TotalDuration += q.Duration
	}

	out := make(map[string][]QueryStat, len(byCall))
	for id, stats := range byCall {
		list := make([]QueryStat, len(stats))
		for i, st := range stats {
			list[i] = *st
		}
		SortQueries(list)
		out[id] = list
	}
	return out
}

// SortQueries orders by count desc, total duration desc, then text.
func SortQueries(qs []QueryStat) {
	sort.Slice(qs, func(i, j int) bool {
		if qs[i].Count != qs[j].Count {
			return qs[i].Count > qs[j].Count
		}
		if qs[i].TotalDuration != qs[j].TotalDuration {
			return qs[i].TotalDuration > qs[j].TotalDuration
		}
		return qs[i].Text < qs[j].Text
	})
}

func nearestAncestor(spanID string, parents map[string]string, calls map[string]Span) string {
	cur := parents[spanID]
	// Bounded walk so a reference cycle cannot loop forever.
	for hops := 0; cur != "" && hops <= len(parents); hops++ {
		if _, ok := calls[cur]; ok {
			return cur
		}
		cur = parents[cur]
	}
	return ""
}

var endpointTags = []string{"http.route", "http.target", "url.path", "http.url"}

func endpointOf(root *Span, spans []Span) string {
	if root == nil {
		for i := range spans {
			if root == nil || spans[i].Duration > root.Duration {
				root = &spans[i]
			}
		}
	}
	if root == nil {
		return ""
	}
	for _, key := range endpointTags {
		if v, ok := root.Tag(key); ok && v != "" {
			return v
		}
	}
	return root.OperationName
}
