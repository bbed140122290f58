package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/partnerflow/partnerflow/pkg/saga"
)

const snapshotKeyPrefix = "saga:"

// BadgerSnapshots persists saga snapshots in Badger, one key per saga.
type BadgerSnapshots struct {
	db *badger.DB
}

// NewBadgerSnapshots creates a snapshot store over an existing Badger DB.
func NewBadgerSnapshots(db *badger.DB) (*BadgerSnapshots, error) {
	if db == nil {
		return nil, fmt.Errorf("store: badger db cannot be nil")
	}
	return &BadgerSnapshots{db: db}, nil
}

// Save writes the full saga state, replacing any previous snapshot.
func (s *BadgerSnapshots) Save(ctx context.Context, inst *saga.Instance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("store: instance and saga id are required")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return txn.Set(snapshotKey(inst.ID), data)
	})
}

// LoadAll reads every snapshot.
func (s *BadgerSnapshots) LoadAll(ctx context.Context) ([]*saga.Instance, error) {
	instances := make([]*saga.Instance, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapshotKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var inst saga.Instance
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &inst)
			}); err != nil {
				return fmt.Errorf("store: decode snapshot: %w", err)
			}
			instances = append(instances, &inst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// Delete removes a saga's snapshot.
func (s *BadgerSnapshots) Delete(_ context.Context, sagaID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey(sagaID))
	})
}

func snapshotKey(sagaID string) []byte {
	return []byte(snapshotKeyPrefix + sagaID)
}
