package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const deadLetterKeyPrefix = "deadletter:"

// DeadLetterRecord is one undeliverable envelope kept for offline
// inspection.
type DeadLetterRecord struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Subscription string    `json:"subscription"`
	EventID      string    `json:"event_id,omitempty"`
	EventType    string    `json:"event_type,omitempty"`
	SagaID       string    `json:"saga_id,omitempty"`
	Reason       string    `json:"reason"`
	Raw          []byte    `json:"raw"`
	At           time.Time `json:"at"`
}

// DeadLetterStore persists dead-lettered envelopes.
type DeadLetterStore interface {
	Record(ctx context.Context, record DeadLetterRecord) error
	List(ctx context.Context, limit int) ([]DeadLetterRecord, error)
}

// MemoryDeadLetterStore keeps dead letters in memory; used in tests.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	records []DeadLetterRecord
}

// NewMemoryDeadLetterStore creates an in-memory dead-letter store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

// Record appends one record.
func (s *MemoryDeadLetterStore) Record(_ context.Context, record DeadLetterRecord) error {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return nil
}

// List returns records in insertion order.
func (s *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]DeadLetterRecord(nil), s.records...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// BadgerDeadLetterStore stores dead letters durably in Badger.
type BadgerDeadLetterStore struct {
	db *badger.DB
}

// NewBadgerDeadLetterStore creates a dead-letter store over an existing
// Badger DB.
func NewBadgerDeadLetterStore(db *badger.DB) (*BadgerDeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("broker: badger db cannot be nil")
	}
	return &BadgerDeadLetterStore{db: db}, nil
}

// Record writes one record keyed by timestamp and id.
func (s *BadgerDeadLetterStore) Record(ctx context.Context, record DeadLetterRecord) error {
	if record.ID == "" {
		return fmt.Errorf("broker: dead letter id cannot be empty")
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("broker: marshal dead letter: %w", err)
	}
	key := []byte(fmt.Sprintf("%s%020d:%s", deadLetterKeyPrefix, record.At.UnixNano(), record.ID))
	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return txn.Set(key, data)
	})
}

// List returns records in insertion order, capped at limit.
func (s *BadgerDeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	records := make([]DeadLetterRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadLetterKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var record DeadLetterRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &record)
			}); err != nil {
				return fmt.Errorf("broker: decode dead letter: %w", err)
			}
			records = append(records, record)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
