package forward

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/astrobridge/qtbridge/pkg/logger"
	"github.com/astrobridge/qtbridge/pkg/message"
)

// Resolver rewrites forward-typed content items to stable ids, creating
// the backing record lazily on first sight of a resource id.
type Resolver struct {
	instanceID string
	repo       Repository
}

// NewResolver builds a resolver for one instance.
func NewResolver(instanceID string, repo Repository) *Resolver {
	return &Resolver{instanceID: instanceID, repo: repo}
}

// Resolve walks every forward item in the message, nested bundles
// included, and stamps each with its stable id. Idempotent: items that
// already carry a stable id are left alone. A malformed item (no resource
// id to key by) is skipped in place; the rest of the message is untouched.
func (r *Resolver) Resolve(ctx context.Context, m *message.UnifiedMessage) error {
	for _, fwd := range m.ForwardItems() {
		if fwd.StableID != "" {
			continue
		}
		if fwd.ResourceID == "" {
			logger.DebugC("forward", "Skipping forward item without resource id")
			continue
		}

		stable, err := r.resolveResource(ctx, fwd.ResourceID, fwd.FileName)
		if err != nil {
			return err
		}
		fwd.StableID = stable
	}
	return nil
}

func (r *Resolver) resolveResource(ctx context.Context, resourceID, fileName string) (string, error) {
	existing, err := r.repo.FindMultipleByResource(ctx, r.instanceID, resourceID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.StableID, nil
	}

	record := &Multiple{
		InstanceID: r.instanceID,
		ResourceID: resourceID,
		StableID:   uuid.NewString(),
		FileName:   fileName,
		CreatedAt:  time.Now(),
	}
	if err := r.repo.InsertMultiple(ctx, record); err != nil {
		return "", err
	}

	logger.DebugCF("forward", "Forward bundle registered", map[string]interface{}{
		"resource": resourceID,
		"stable":   record.StableID,
	})
	return record.StableID, nil
}
