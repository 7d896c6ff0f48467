package ports

import (
	"context"
	"time"

	"github.com/clearledger/backend/internal/domain/models"
)

// InstanceStore is durable key-value persistence for workflow instances.
// Instances are written as whole snapshots after every transition; the
// store expires terminal instances after the configured TTL.
type InstanceStore interface {
	// Put stores a full instance snapshot under its id with the given TTL.
	Put(ctx context.Context, instance *models.WorkflowInstance, ttl time.Duration) error

	// Get returns the instance or nil when absent or expired.
	Get(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)

	// ListByStatus returns instances currently indexed under a
	// non-terminal status (running, waiting_approval).
	ListByStatus(ctx context.Context, status models.WorkflowStatus) ([]*models.WorkflowInstance, error)
}
