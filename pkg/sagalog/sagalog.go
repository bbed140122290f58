// Package sagalog is the diagnostic log of saga lifecycle events. It is
// distinct from the audit trail: entries here are for operators and
// debugging, not the business timeline.
package sagalog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/partnerflow/partnerflow/pkg/logger"
)

// Level classifies an entry's severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

// String returns the string form of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind classifies what happened.
type Kind string

const (
	KindSagaStarted           Kind = "saga_started"
	KindStepStarted           Kind = "step_started"
	KindStepCompleted         Kind = "step_completed"
	KindStepFailed            Kind = "step_failed"
	KindEventReceived         Kind = "event_received"
	KindEventProcessed        Kind = "event_processed"
	KindSagaCompleted         Kind = "saga_completed"
	KindSagaFailed            Kind = "saga_failed"
	KindSagaCompensationStart Kind = "saga_compensation_started"
	KindSagaCompensationDone  Kind = "saga_compensation_completed"
	KindTimeoutFired          Kind = "timeout_fired"
)

// Entry is one structured log entry.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Level     Level          `json:"level"`
	Kind      Kind           `json:"kind"`
	SagaID    string         `json:"saga_id,omitempty"`
	PartnerID string         `json:"partner_id,omitempty"`
	StepName  string         `json:"step_name,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

// Query filters entries. Zero values match everything; results come back in
// insertion order.
type Query struct {
	SagaID    string
	PartnerID string
	MinLevel  *Level
	Kind      Kind
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (q Query) matches(e Entry) bool {
	if q.SagaID != "" && e.SagaID != q.SagaID {
		return false
	}
	if q.PartnerID != "" && e.PartnerID != q.PartnerID {
		return false
	}
	if q.MinLevel != nil && e.Level < *q.MinLevel {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.At.After(q.Until) {
		return false
	}
	return true
}

// Options configures the log.
type Options struct {
	// BufferSize bounds the async append queue.
	BufferSize int

	// MaxEntries caps in-memory retention. Older entries are evicted once
	// the ceiling is reached; entries already reach the file sink on
	// append, so eviction loses nothing durable.
	MaxEntries int

	// FilePath enables the file sink (JSON lines). Empty disables it.
	FilePath string

	// FlushInterval bounds how long a written entry can sit in the file
	// sink's buffer.
	FlushInterval time.Duration

	Logger logger.Logger
}

// Log is an append-only saga lifecycle log. Appends never block the caller;
// entries pass through a buffered queue to a single writer goroutine.
type Log struct {
	queue   chan Entry
	done    chan struct{}
	drained chan struct{}
	log     logger.Logger

	mu      sync.RWMutex
	entries []Entry
	nextSeq uint64
	dropped uint64

	maxEntries int

	file    *os.File
	fileBuf *bufio.Writer

	closeOnce sync.Once
}

// New creates a saga log and starts its writer goroutine.
func New(options Options) (*Log, error) {
	if options.BufferSize <= 0 {
		options.BufferSize = 4096
	}
	if options.MaxEntries <= 0 {
		options.MaxEntries = 100_000
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = time.Second
	}
	log := options.Logger
	if log == nil {
		log = logger.Global()
	}

	l := &Log{
		queue:      make(chan Entry, options.BufferSize),
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
		log:        log,
		entries:    make([]Entry, 0, 1024),
		nextSeq:    1,
		maxEntries: options.MaxEntries,
	}

	if options.FilePath != "" {
		f, err := os.OpenFile(options.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("sagalog: open sink: %w", err)
		}
		l.file = f
		l.fileBuf = bufio.NewWriter(f)
	}

	go l.run(options.FlushInterval)
	return l, nil
}

// Append queues one entry. It never blocks: when the queue is full the entry
// is counted as dropped rather than stalling the dispatch path.
func (l *Log) Append(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	select {
	case l.queue <- entry:
	case <-l.done:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

// Query returns matching entries in insertion order.
func (l *Log) Query(_ context.Context, q Query) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range l.entries {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Dropped reports how many appends were lost to a full queue.
func (l *Log) Dropped() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Close drains the queue, flushes the file sink, and stops the writer.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		select {
		case <-l.drained:
		case <-time.After(5 * time.Second):
			err = fmt.Errorf("sagalog: close timed out draining queue")
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.file != nil {
			if ferr := l.file.Close(); ferr != nil && err == nil {
				err = ferr
			}
			l.file = nil
			l.fileBuf = nil
		}
	})
	return err
}

func (l *Log) run(flushInterval time.Duration) {
	defer close(l.drained)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		case <-ticker.C:
			l.flush()
		case <-l.done:
			for {
				select {
				case entry := <-l.queue:
					l.write(entry)
				default:
					l.flush()
					return
				}
			}
		}
	}
}

func (l *Log) write(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Seq = l.nextSeq
	l.nextSeq++

	// Spill to the file sink before evicting from memory.
	if l.fileBuf != nil {
		if data, err := json.Marshal(entry); err == nil {
			l.fileBuf.Write(data)
			l.fileBuf.WriteByte('\n')
		} else {
			l.log.Error("failed to encode log entry", "error", err)
		}
	}

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		overflow := len(l.entries) - l.maxEntries
		l.entries = append(l.entries[:0], l.entries[overflow:]...)
	}
}

func (l *Log) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileBuf != nil {
		if err := l.fileBuf.Flush(); err != nil {
			l.log.Error("failed to flush log sink", "error", err)
		}
	}
}
