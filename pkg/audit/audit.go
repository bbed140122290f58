// Package audit is the ground-truth business timeline of every saga. Records
// are durable on append and ordered per saga by a strictly increasing
// sequence number.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/partnerflow/partnerflow/pkg/logger"
)

// Kind classifies an audit record.
type Kind string

const (
	KindSagaStart   Kind = "saga_start"
	KindStepStart   Kind = "step_start"
	KindStepSuccess Kind = "step_success"
	KindStepFailure Kind = "step_failure"
	KindEventIn     Kind = "event_in"
	KindEventOut    Kind = "event_out"
	KindSagaEnd     Kind = "saga_end"
)

// FsyncPolicy controls when appended records hit the disk.
type FsyncPolicy string

const (
	// FsyncAlways syncs after every append. Loss tolerance: none.
	FsyncAlways FsyncPolicy = "always"
	// FsyncBatched syncs on a short interval. Loss tolerance: at most the
	// records of one interval.
	FsyncBatched FsyncPolicy = "batched"
	// FsyncNever leaves syncing to the storage engine.
	FsyncNever FsyncPolicy = "never"
)

// ParseFsyncPolicy validates a policy string.
func ParseFsyncPolicy(s string) (FsyncPolicy, error) {
	switch FsyncPolicy(s) {
	case FsyncAlways, FsyncBatched, FsyncNever:
		return FsyncPolicy(s), nil
	case "":
		return FsyncBatched, nil
	default:
		return "", fmt.Errorf("audit: unknown fsync policy %q", s)
	}
}

// Record is one entry of a saga's timeline.
type Record struct {
	SagaID     string         `json:"saga_id"`
	PartnerID  string         `json:"partner_id,omitempty"`
	Seq        uint64         `json:"seq"`
	Kind       Kind           `json:"kind"`
	SagaType   string         `json:"saga_type,omitempty"`
	StepName   string         `json:"step_name,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	At         time.Time      `json:"at"`
}

// StepView is one step in a reconstructed timeline.
type StepView struct {
	Name       string    `json:"name"`
	Outcome    string    `json:"outcome"` // "success", "failure", or "pending"
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	DurationMS int64     `json:"duration_ms"`
}

// EventView is one event crossing in a reconstructed timeline.
type EventView struct {
	EventType string    `json:"event_type"`
	Direction string    `json:"direction"` // "in" or "out"
	At        time.Time `json:"at"`
}

// Timeline is the reconstructed view of one saga.
type Timeline struct {
	SagaID          string      `json:"saga_id"`
	SagaType        string      `json:"saga_type"`
	Status          string      `json:"status"`
	Steps           []StepView  `json:"steps"`
	Events          []EventView `json:"events"`
	TotalDurationMS int64       `json:"total_duration_ms"`
}

// Options configures a Trail.
type Options struct {
	Fsync         FsyncPolicy
	FlushInterval time.Duration // used with FsyncBatched
	Logger        logger.Logger
}

// Trail is the durable audit trail over a Badger DB. Keys are prefixed per
// saga so reading one timeline never scans another saga's records.
type Trail struct {
	db     *badger.DB
	policy FsyncPolicy
	log    logger.Logger

	mu   sync.Mutex
	seqs map[string]uint64

	dirty chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

const auditKeyPrefix = "audit:"

// New creates a trail over an existing Badger DB.
func New(db *badger.DB, options Options) (*Trail, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: badger db cannot be nil")
	}
	if options.Fsync == "" {
		options.Fsync = FsyncBatched
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = 100 * time.Millisecond
	}
	log := options.Logger
	if log == nil {
		log = logger.Global()
	}

	t := &Trail{
		db:     db,
		policy: options.Fsync,
		log:    log,
		seqs:   make(map[string]uint64),
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if t.policy == FsyncBatched {
		t.wg.Add(1)
		go t.syncLoop(options.FlushInterval)
	}
	return t, nil
}

// Append assigns the next sequence number for the record's saga and persists
// the record. Sequence numbers are strictly increasing per saga with no gaps.
func (t *Trail) Append(ctx context.Context, record Record) error {
	if record.SagaID == "" {
		return fmt.Errorf("audit: saga id cannot be empty")
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seq, err := t.lastSeqLocked(record.SagaID)
	if err != nil {
		return err
	}
	record.Seq = seq + 1

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return txn.Set(recordKey(record.SagaID, record.Seq), data)
	})
	if err != nil {
		return fmt.Errorf("audit: append record: %w", err)
	}
	t.seqs[record.SagaID] = record.Seq

	switch t.policy {
	case FsyncAlways:
		if err := t.db.Sync(); err != nil {
			return fmt.Errorf("audit: sync: %w", err)
		}
	case FsyncBatched:
		select {
		case t.dirty <- struct{}{}:
		default:
		}
	}
	return nil
}

// Records returns all records of one saga in sequence order.
func (t *Trail) Records(ctx context.Context, sagaID string) ([]Record, error) {
	records := make([]Record, 0)
	prefix := []byte(auditKeyPrefix + sagaID + ":")
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var record Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &record)
			}); err != nil {
				return fmt.Errorf("audit: decode record: %w", err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Timeline reconstructs the step and event view of one saga from its records.
func (t *Trail) Timeline(ctx context.Context, sagaID string) (Timeline, error) {
	records, err := t.Records(ctx, sagaID)
	if err != nil {
		return Timeline{}, err
	}
	if len(records) == 0 {
		return Timeline{}, fmt.Errorf("audit: no records for saga %s", sagaID)
	}

	timeline := Timeline{
		SagaID: sagaID,
		Steps:  make([]StepView, 0),
		Events: make([]EventView, 0),
	}
	stepIndex := make(map[string]int)
	var started, ended time.Time

	for _, record := range records {
		switch record.Kind {
		case KindSagaStart:
			timeline.SagaType = record.SagaType
			timeline.Status = "in_progress"
			started = record.At
		case KindStepStart:
			stepIndex[record.StepName] = len(timeline.Steps)
			timeline.Steps = append(timeline.Steps, StepView{
				Name:      record.StepName,
				Outcome:   "pending",
				StartedAt: record.At,
			})
		case KindStepSuccess, KindStepFailure:
			outcome := "success"
			if record.Kind == KindStepFailure {
				outcome = "failure"
			}
			if i, ok := stepIndex[record.StepName]; ok {
				timeline.Steps[i].Outcome = outcome
				timeline.Steps[i].EndedAt = record.At
				timeline.Steps[i].DurationMS = record.DurationMS
				if record.DurationMS == 0 {
					timeline.Steps[i].DurationMS = record.At.Sub(timeline.Steps[i].StartedAt).Milliseconds()
				}
			}
		case KindEventIn:
			timeline.Events = append(timeline.Events, EventView{EventType: record.EventType, Direction: "in", At: record.At})
		case KindEventOut:
			timeline.Events = append(timeline.Events, EventView{EventType: record.EventType, Direction: "out", At: record.At})
		case KindSagaEnd:
			if status, ok := record.Payload["status"].(string); ok {
				timeline.Status = status
			}
			ended = record.At
		}
	}

	if !started.IsZero() {
		end := ended
		if end.IsZero() {
			end = records[len(records)-1].At
		}
		timeline.TotalDurationMS = end.Sub(started).Milliseconds()
	}
	return timeline, nil
}

// Close stops the batched sync loop and performs a final sync.
func (t *Trail) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	t.wg.Wait()
	if t.policy != FsyncNever {
		return t.db.Sync()
	}
	return nil
}

// lastSeqLocked returns the highest assigned seq for a saga, scanning the DB
// on first touch after restart.
func (t *Trail) lastSeqLocked(sagaID string) (uint64, error) {
	if seq, ok := t.seqs[sagaID]; ok {
		return seq, nil
	}
	var last uint64
	prefix := []byte(auditKeyPrefix + sagaID + ":")
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%010d", &seq); err == nil && seq > last {
				last = seq
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("audit: scan seq for %s: %w", sagaID, err)
	}
	t.seqs[sagaID] = last
	return last, nil
}

func (t *Trail) syncLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			select {
			case <-t.dirty:
				if err := t.db.Sync(); err != nil {
					t.log.Error("audit sync failed", "error", err)
				}
			default:
			}
		}
	}
}

func recordKey(sagaID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", auditKeyPrefix, sagaID, seq))
}
