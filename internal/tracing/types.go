package tracing

import (
	"fmt"
	"strconv"
)

// Tag is a key/value pair attached to a span. Jaeger encodes values as
// strings, numbers or booleans.
type Tag struct {
	Key   string `json:"key"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value"`
}

// Reference links a span to another span in the same trace.
type Reference struct {
	RefType string `json:"refType,omitempty"`
	TraceID string `json:"traceID,omitempty"`
	SpanID  string `json:"spanID"`
}

// Span is one timed operation. Duration is in microseconds.
type Span struct {
	SpanID        string      `json:"spanID"`
	OperationName string      `json:"operationName"`
	StartTime     int64       `json:"startTime,omitempty"`
	Duration      int64       `json:"duration"`
	References    []Reference `json:"references,omitempty"`
	Tags          []Tag       `json:"tags,omitempty"`
}

// Tag returns the string form of the first tag with the given key.
func (s Span) Tag(key string) (string, bool) {
	for _, t := range s.Tags {
		if t.Key == key {
			return tagString(t.Value), true
		}
	}
	return "", false
}

// Parent returns the span id of the first reference, if any.
func (s Span) Parent() string {
	if len(s.References) == 0 {
		return ""
	}
	return s.References[0].SpanID
}

type Trace struct {
	TraceID string `json:"traceID"`
	Spans   []Span `json:"spans"`
}

// QueryStat aggregates identical queries issued under one call operation.
type QueryStat struct {
	Text          string `json:"text"`
	Count         int    `json:"count"`
	TotalDuration int64  `json:"total_duration_us"`
}

// CallOperation is one ORM call retained from a slow trace.
type CallOperation struct {
	SpanID   string      `json:"span_id"`
	Duration int64       `json:"duration_us"`
	Args     string      `json:"args,omitempty"`
	Frame    string      `json:"frame,omitempty"`
	Queries  []QueryStat `json:"queries,omitempty"`
}

// Candidate is a slow trace worth remediating.
type Candidate struct {
	TraceID        string          `json:"trace_id"`
	Endpoint       string          `json:"endpoint"`
	RootDuration   int64           `json:"root_duration_us"`
	CallOperations []CallOperation `json:"call_operations"`
}

// Stats counts what happened to the traces seen during one analysis.
type Stats struct {
	Services         int `json:"services"`
	ServicesSkipped  int `json:"services_skipped"`
	Traces           int `json:"traces"`
	Duplicates       int `json:"duplicates"`
	DiscardedNoCalls int `json:"discarded_no_calls"`
	DiscardedFast    int `json:"discarded_fast"`
	Candidates       int `json:"candidates"`
}

// Result is the outcome of mining. Candidates is keyed by trace id.
type Result struct {
	Candidates map[string]Candidate `json:"candidates"`
	Stats      Stats                `json:"stats"`
}

func tagString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
