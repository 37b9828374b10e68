// Package logger records routed-request analytics off the proxy hot path.
//
// Handlers enqueue one RequestLog per routed request into a bounded
// queue; a background goroutine drains it, emits a structured line per
// request, and folds every record into per-provider tallies that are
// published as a rollup line once a minute (and once more on shutdown).
// A full queue drops new records and counts them instead of blocking.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	queueDepth     = 4096
	rollupInterval = time.Minute
)

// RequestLog is one routed request's analytics record.
type RequestLog struct {
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Status       int
	Cached       bool
	CreatedAt    time.Time
}

// providerTally accumulates per-provider totals between rollups.
type providerTally struct {
	requests     int64
	errors       int64
	cacheHits    int64
	inputTokens  int64
	outputTokens int64
	latencyMs    int64
}

// Logger drains RequestLog records to slog and keeps rollup tallies.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// New creates a Logger and starts its drain goroutine.
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, queueDepth),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a record. Never blocks; drops when the queue is full.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		l.dropped.Add(1)
	}
}

// DroppedLogs returns how many records were discarded due to backpressure.
func (l *Logger) DroppedLogs() int64 {
	return l.dropped.Load()
}

// Close drains the queue, publishes a final rollup, and stops the drain
// goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	tallies := make(map[string]*providerTally)
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()

	var droppedSeen int64

	for {
		select {
		case entry := <-l.ch:
			l.emit(entry)
			fold(tallies, entry)

		case <-ticker.C:
			droppedSeen = l.publishRollup(tallies, droppedSeen)

		case <-l.done:
			// Drain whatever the handlers managed to enqueue, then publish
			// a final rollup so shutdown never loses the totals.
			for {
				select {
				case entry := <-l.ch:
					l.emit(entry)
					fold(tallies, entry)
				default:
					l.publishRollup(tallies, droppedSeen)
					return
				}
			}
		}
	}
}

// emit writes one per-request line. Requests the gateway failed to serve
// log at WARN so they stand out in an otherwise INFO stream.
func (l *Logger) emit(e RequestLog) {
	level := slog.LevelInfo
	event := "request_served"
	if e.Status >= 500 {
		level = slog.LevelWarn
		event = "request_failed"
	}

	l.log.Log(l.baseCtx, level, event,
		slog.String("request_id", e.RequestID),
		slog.String("provider", e.Provider),
		slog.String("model", e.Model),
		slog.Int("input_tokens", e.InputTokens),
		slog.Int("output_tokens", e.OutputTokens),
		slog.Int64("latency_ms", e.LatencyMs),
		slog.Int("status", e.Status),
		slog.Bool("cached", e.Cached),
		slog.Time("created_at", createdAt(e)),
	)
}

// fold adds one record to its provider's tally. Requests that never
// reached an upstream are tallied under "unrouted".
func fold(tallies map[string]*providerTally, e RequestLog) {
	name := e.Provider
	if name == "" {
		name = "unrouted"
	}
	t := tallies[name]
	if t == nil {
		t = &providerTally{}
		tallies[name] = t
	}

	t.requests++
	if e.Status >= 400 {
		t.errors++
	}
	if e.Cached {
		t.cacheHits++
	}
	t.inputTokens += int64(e.InputTokens)
	t.outputTokens += int64(e.OutputTokens)
	t.latencyMs += e.LatencyMs
}

// publishRollup emits one line per provider seen since the last rollup,
// resets the tallies, and reports any backpressure drops. Returns the new
// dropped-counter watermark.
func (l *Logger) publishRollup(tallies map[string]*providerTally, droppedSeen int64) int64 {
	for name, t := range tallies {
		var avgLatency int64
		if t.requests > 0 {
			avgLatency = t.latencyMs / t.requests
		}
		l.log.InfoContext(l.baseCtx, "provider_rollup",
			slog.String("provider", name),
			slog.Int64("requests", t.requests),
			slog.Int64("errors", t.errors),
			slog.Int64("cache_hits", t.cacheHits),
			slog.Int64("input_tokens", t.inputTokens),
			slog.Int64("output_tokens", t.outputTokens),
			slog.Int64("avg_latency_ms", avgLatency),
		)
		delete(tallies, name)
	}

	if d := l.dropped.Load(); d > droppedSeen {
		l.log.WarnContext(l.baseCtx, "request_log_backpressure",
			slog.Int64("dropped", d-droppedSeen),
		)
		droppedSeen = d
	}
	return droppedSeen
}

func createdAt(e RequestLog) time.Time {
	if e.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return e.CreatedAt.UTC()
}
