package replication

import (
	"context"

	"driftdb/internal/localdocs"
	"driftdb/internal/storage"
)

// checkpointStore persists one direction's replication checkpoint as a local
// document. The key is derived from the replication identity so several
// replications of the same collection never clash.
type checkpointStore struct {
	store *localdocs.Store
	key   string
}

func newCheckpointStore(store *localdocs.Store, identifier string, direction Direction, collection string) *checkpointStore {
	return &checkpointStore{
		store: store,
		key:   "checkpoint/" + storage.CheckpointKey(identifier, string(direction), collection),
	}
}

func (c *checkpointStore) get(ctx context.Context) (storage.Checkpoint, error) {
	var cp storage.Checkpoint
	if _, err := c.store.GetJSON(ctx, c.key, &cp); err != nil {
		return storage.Checkpoint{}, err
	}
	return cp, nil
}

func (c *checkpointStore) set(ctx context.Context, cp storage.Checkpoint) error {
	return c.store.SetJSON(ctx, c.key, cp)
}

func (c *checkpointStore) reset(ctx context.Context) error {
	return c.store.Delete(ctx, c.key)
}
