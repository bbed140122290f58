// Package store is the saga state store: the single source of truth for
// saga instances, guarded by optimistic concurrency.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/partnerflow/partnerflow/pkg/logger"
	"github.com/partnerflow/partnerflow/pkg/saga"
)

// Filter selects sagas for List queries. Zero values match everything.
type Filter struct {
	SagaType  string
	Status    *saga.Status
	PartnerID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Snapshots persists full saga state on every transition, so non-terminal
// sagas survive a coordinator restart.
type Snapshots interface {
	Save(ctx context.Context, inst *saga.Instance) error
	LoadAll(ctx context.Context) ([]*saga.Instance, error)
	Delete(ctx context.Context, sagaID string) error
}

// MemoryStore keeps saga instances in memory, indexed by (saga_type, status)
// and by partner_id. All mutation goes through Update's version check.
type MemoryStore struct {
	mu        sync.RWMutex
	sagas     map[string]*saga.Instance
	byType    map[string]map[string]struct{} // saga_type/status -> ids
	byPartner map[string]map[string]struct{} // partner_id -> ids

	snapshots Snapshots
	log       logger.Logger
}

// NewMemoryStore creates a store. Snapshots may be nil to disable
// persistence.
func NewMemoryStore(snapshots Snapshots, log logger.Logger) *MemoryStore {
	if log == nil {
		log = logger.Global()
	}
	return &MemoryStore{
		sagas:     make(map[string]*saga.Instance),
		byType:    make(map[string]map[string]struct{}),
		byPartner: make(map[string]map[string]struct{}),
		snapshots: snapshots,
		log:       log,
	}
}

// Get returns a deep copy of the instance with its current version.
func (s *MemoryStore) Get(_ context.Context, sagaID string) (*saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	return inst.Clone(), nil
}

// Create stores a new instance at version 1.
func (s *MemoryStore) Create(ctx context.Context, inst *saga.Instance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("store: instance and saga id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sagas[inst.ID]; exists {
		return fmt.Errorf("store: saga %s already exists", inst.ID)
	}
	stored := inst.Clone()
	stored.Version = 1
	s.sagas[inst.ID] = stored
	s.indexLocked(stored)
	inst.Version = 1

	return s.persistLocked(ctx, stored)
}

// Update replaces the instance if expectedVersion matches the stored
// version, bumping the version. A mismatch returns ErrStaleVersion and the
// caller reloads and retries.
func (s *MemoryStore) Update(ctx context.Context, sagaID string, expectedVersion uint64, inst *saga.Instance) error {
	if inst == nil {
		return fmt.Errorf("store: instance cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sagas[sagaID]
	if !ok {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: saga %s at version %d, expected %d",
			saga.ErrStaleVersion, sagaID, current.Version, expectedVersion)
	}

	s.unindexLocked(current)
	stored := inst.Clone()
	stored.ID = sagaID
	stored.Version = expectedVersion + 1
	s.sagas[sagaID] = stored
	s.indexLocked(stored)
	inst.Version = stored.Version

	return s.persistLocked(ctx, stored)
}

// List returns deep copies of matching sagas ordered by creation time.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.candidatesLocked(filter)
	out := make([]*saga.Instance, 0, len(candidates))
	for _, id := range candidates {
		inst := s.sagas[id]
		if inst == nil {
			continue
		}
		if filter.SagaType != "" && inst.Type != filter.SagaType {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.PartnerID != "" && inst.PartnerID != filter.PartnerID {
			continue
		}
		if !filter.Since.IsZero() && inst.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && inst.CreatedAt.After(filter.Until) {
			continue
		}
		out = append(out, inst.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Rehydrate loads snapshots into memory and returns the non-terminal sagas,
// whose timeouts the coordinator must re-arm.
func (s *MemoryStore) Rehydrate(ctx context.Context) ([]*saga.Instance, error) {
	if s.snapshots == nil {
		return nil, nil
	}
	instances, err := s.snapshots.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: rehydrate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	nonTerminal := make([]*saga.Instance, 0)
	for _, inst := range instances {
		if _, exists := s.sagas[inst.ID]; exists {
			continue
		}
		s.sagas[inst.ID] = inst
		s.indexLocked(inst)
		if !inst.Status.IsTerminal() {
			nonTerminal = append(nonTerminal, inst.Clone())
		}
	}
	s.log.Info("rehydrated sagas from snapshots",
		"total", len(instances),
		"non_terminal", len(nonTerminal),
	)
	return nonTerminal, nil
}

// Delete removes a saga. Used only by the retention sweep, never by a
// business transition.
func (s *MemoryStore) Delete(ctx context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.sagas[sagaID]
	if !ok {
		return nil
	}
	s.unindexLocked(inst)
	delete(s.sagas, sagaID)
	if s.snapshots != nil {
		return s.snapshots.Delete(ctx, sagaID)
	}
	return nil
}

// Count returns the number of stored sagas.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

// candidatesLocked narrows the id set through an index when the filter
// allows it.
func (s *MemoryStore) candidatesLocked(filter Filter) []string {
	if filter.PartnerID != "" {
		return idsOf(s.byPartner[filter.PartnerID])
	}
	if filter.SagaType != "" && filter.Status != nil {
		return idsOf(s.byType[typeStatusKey(filter.SagaType, *filter.Status)])
	}
	ids := make([]string, 0, len(s.sagas))
	for id := range s.sagas {
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryStore) indexLocked(inst *saga.Instance) {
	key := typeStatusKey(inst.Type, inst.Status)
	if s.byType[key] == nil {
		s.byType[key] = make(map[string]struct{})
	}
	s.byType[key][inst.ID] = struct{}{}
	if inst.PartnerID != "" {
		if s.byPartner[inst.PartnerID] == nil {
			s.byPartner[inst.PartnerID] = make(map[string]struct{})
		}
		s.byPartner[inst.PartnerID][inst.ID] = struct{}{}
	}
}

func (s *MemoryStore) unindexLocked(inst *saga.Instance) {
	key := typeStatusKey(inst.Type, inst.Status)
	if ids, ok := s.byType[key]; ok {
		delete(ids, inst.ID)
		if len(ids) == 0 {
			delete(s.byType, key)
		}
	}
	if inst.PartnerID != "" {
		if ids, ok := s.byPartner[inst.PartnerID]; ok {
			delete(ids, inst.ID)
			if len(ids) == 0 {
				delete(s.byPartner, inst.PartnerID)
			}
		}
	}
}

func (s *MemoryStore) persistLocked(ctx context.Context, inst *saga.Instance) error {
	if s.snapshots == nil {
		return nil
	}
	if err := s.snapshots.Save(ctx, inst); err != nil {
		return fmt.Errorf("store: snapshot saga %s: %w", inst.ID, err)
	}
	return nil
}

func typeStatusKey(sagaType string, status saga.Status) string {
	return sagaType + "/" + status.String()
}

func idsOf(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
