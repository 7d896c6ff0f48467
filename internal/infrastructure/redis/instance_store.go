package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearledger/backend/internal/domain/models"
	"github.com/clearledger/backend/internal/domain/ports"
)

const (
	instanceKeyPrefix = "workflow:instance:"
	statusIndexPrefix = "workflow:index:"
)

// InstanceStore persists workflow instances in Redis as whole JSON
// snapshots with a TTL, and maintains per-status index sets so the
// engine and the timeout monitor can list active instances without a
// keyspace scan. Terminal instances leave the active indexes but keep
// their record until the TTL expires it.
type InstanceStore struct {
	client *redis.Client
}

// Compile-time interface check
var _ ports.InstanceStore = (*InstanceStore)(nil)

// NewInstanceStore creates a Redis-backed instance store
func NewInstanceStore(client *redis.Client) *InstanceStore {
	return &InstanceStore{client: client}
}

// Put stores a full instance snapshot and reindexes it by status
func (s *InstanceStore) Put(ctx context.Context, instance *models.WorkflowInstance, ttl time.Duration) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to serialize instance %s: %w", instance.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, instanceKeyPrefix+instance.ID, data, ttl)

	// Reindex: remove from every active index, re-add under the current
	// status when the instance is still live
	for _, status := range []models.WorkflowStatus{models.WorkflowStatusRunning, models.WorkflowStatusWaitingApproval} {
		pipe.SRem(ctx, statusIndexPrefix+string(status), instance.ID)
	}
	if !instance.IsTerminal() {
		pipe.SAdd(ctx, statusIndexPrefix+string(instance.Status), instance.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist instance %s: %w", instance.ID, err)
	}
	return nil
}

// Get returns the instance or nil when the key is absent or expired
func (s *InstanceStore) Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, instanceKeyPrefix+instanceID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}

	var instance models.WorkflowInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("failed to deserialize instance %s: %w", instanceID, err)
	}
	return &instance, nil
}

// ListByStatus returns all instances indexed under the given status.
// Stale index members (snapshot expired underneath the set) are pruned
// as they are discovered.
func (s *InstanceStore) ListByStatus(ctx context.Context, status models.WorkflowStatus) ([]*models.WorkflowInstance, error) {
	ids, err := s.client.SMembers(ctx, statusIndexPrefix+string(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s instances: %w", status, err)
	}

	instances := make([]*models.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		instance, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if instance == nil {
			s.client.SRem(ctx, statusIndexPrefix+string(status), id)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
