package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/storage"
)

// LogHub persists run-log entries through the next sink and fans each one out
// to live subscribers. Slow subscribers miss entries rather than block a run.
type LogHub struct {
	next storage.LogSink

	mu   sync.Mutex
	subs map[chan storage.LogEntry]struct{}
}

var _ storage.LogSink = (*LogHub)(nil)

// NewLogHub forwards entries to next and fans them out to subscribers.
func NewLogHub(next storage.LogSink) *LogHub {
	return &LogHub{next: next, subs: make(map[chan storage.LogEntry]struct{})}
}

func (h *LogHub) AppendLog(ctx context.Context, entry *storage.LogEntry) error {
	var err error
	if h.next != nil {
		err = h.next.AppendLog(ctx, entry)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- *entry:
		default:
		}
	}
	return err
}

// Subscribe returns a channel of new entries and a function that ends the
// subscription.
func (h *LogHub) Subscribe(buffer int) (<-chan storage.LogEntry, func()) {
	ch := make(chan storage.LogEntry, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// SSEWriter writes Server-Sent Events and flushes after each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{w: w, flusher: flusher}
}

// Event sends data under the given event name. Each line of a multi-line
// payload gets its own "data:" prefix so it cannot end the event early.
func (s *SSEWriter) Event(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// HandleLogStream streams new run-log entries as "log" events until the
// client goes away. run_id, step and level narrow the stream.
func (h *Handlers) HandleLogStream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, "log streaming not configured", "STREAMING_UNSUPPORTED", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	runID, step, level := q.Get("run_id"), q.Get("step"), storage.LogLevel(q.Get("level"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	entries, cancel := h.hub.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-entries:
			if (runID != "" && e.RunID != runID) || (step != "" && e.Step != step) || (level != "" && e.Level != level) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode log event")
				continue
			}
			if err := sse.Event("log", string(data)); err != nil {
				return
			}
		}
	}
}
