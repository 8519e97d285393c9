package cache

import (
	"context"

	"konveksi/backend/internal/scheduler"
)

// StateCache keeps the scheduler state across restarts. Load reports false
// when nothing was saved yet.
type StateCache interface {
	Load(ctx context.Context) (*scheduler.Snapshot, bool, error)
	Save(ctx context.Context, snap scheduler.Snapshot) error
}

type NoopStateCache struct{}

func (NoopStateCache) Load(_ context.Context) (*scheduler.Snapshot, bool, error) {
	return nil, false, nil
}

func (NoopStateCache) Save(_ context.Context, _ scheduler.Snapshot) error {
	return nil
}
