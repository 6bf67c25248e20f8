// Package forward assigns stable cross-bridge ids to forwarded-history
// bundles. Platform resource ids are ephemeral and platform-shaped; the
// resolver maps each one to a persisted ForwardMultiple record whose
// stable id survives the crossing.
package forward

import (
	"context"
	"time"
)

// Multiple is one persisted forward-bundle record, keyed by the native
// resource id it was first seen under.
type Multiple struct {
	ID         int64
	InstanceID string
	ResourceID string
	StableID   string
	FileName   string
	CreatedAt  time.Time
}

// Repository is the persistence contract for forward bundles.
type Repository interface {
	FindMultipleByResource(ctx context.Context, instanceID, resourceID string) (*Multiple, error)
	InsertMultiple(ctx context.Context, m *Multiple) error
}
