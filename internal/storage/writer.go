package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LogWriter persists run-log entries off the caller's goroutine. Entries are
// written one at a time in submission order.
type LogWriter struct {
	sink LogSink
	ch   chan *LogEntry
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

var _ LogSink = (*LogWriter)(nil)

// NewLogWriter buffers up to bufferSize entries in front of sink.
func NewLogWriter(sink LogSink, bufferSize int) *LogWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &LogWriter{
		sink: sink,
		ch:   make(chan *LogEntry, bufferSize),
		done: make(chan struct{}),
	}
}

// Start launches the background writer.
func (w *LogWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// AppendLog queues entry. It never blocks; a full buffer drops the entry.
func (w *LogWriter) AppendLog(_ context.Context, entry *LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	select {
	case w.ch <- entry:
	default:
		log.Warn().
			Str("run_id", entry.RunID).
			Str("step", entry.Step).
			Msg("run log buffer full, dropping entry")
	}
	return nil
}

func (w *LogWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("run log writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("run log writer flush timed out")
	}
}

func (w *LogWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.ch:
			w.writeWithRetry(entry)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-w.ch:
					w.writeWithRetry(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *LogWriter) writeWithRetry(entry *LogEntry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.sink.AppendLog(ctx, entry)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("run_id", entry.RunID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("run log write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("run_id", entry.RunID).
				Str("step", entry.Step).
				Msg("run log write failed permanently after retries")
		}
	}
}
