package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/clearledger/backend/internal/domain/models"
	"github.com/clearledger/backend/internal/domain/ports"
)

// InstanceStore is an in-memory instance store for tests and single-node
// development. Snapshots are stored serialized so readers never alias the
// engine's live instance, matching the durable store's semantics.
type InstanceStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	snapshot  []byte
	status    models.WorkflowStatus
	expiresAt time.Time // zero means no expiry
}

// Compile-time interface check
var _ ports.InstanceStore = (*InstanceStore)(nil)

// NewInstanceStore creates an empty in-memory store
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Put stores a full snapshot of the instance with the given TTL
func (s *InstanceStore) Put(ctx context.Context, instance *models.WorkflowInstance, ttl time.Duration) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to serialize instance %s: %w", instance.ID, err)
	}

	e := &entry{snapshot: data, status: instance.Status}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[instance.ID] = e
	s.mu.Unlock()
	return nil
}

// Get returns the instance or nil when absent or expired
func (s *InstanceStore) Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	e, ok := s.entries[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if s.expired(e) {
		s.mu.Lock()
		delete(s.entries, instanceID)
		s.mu.Unlock()
		return nil, nil
	}

	var instance models.WorkflowInstance
	if err := json.Unmarshal(e.snapshot, &instance); err != nil {
		return nil, fmt.Errorf("failed to deserialize instance %s: %w", instanceID, err)
	}
	return &instance, nil
}

// ListByStatus returns all live instances currently in the given status
func (s *InstanceStore) ListByStatus(ctx context.Context, status models.WorkflowStatus) ([]*models.WorkflowInstance, error) {
	s.mu.RLock()
	ids := make([]string, 0)
	for id, e := range s.entries {
		if e.status == status && !s.expired(e) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	instances := make([]*models.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		instance, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if instance != nil {
			instances = append(instances, instance)
		}
	}
	return instances, nil
}

func (s *InstanceStore) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}

// SetClock overrides the store's clock; test helper for expiry behavior
func (s *InstanceStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
