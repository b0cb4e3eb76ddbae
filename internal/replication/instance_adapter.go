package replication

import (
	"context"

	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

const pushWriteContext = "replication-push"

// InstanceAdapter turns any local storage instance into a remote adapter, so
// two instances replicate directly, e.g. a durable store against an
// in-memory mirror.
type InstanceAdapter struct {
	instance storage.Instance
}

// NewInstanceAdapter wraps the instance as the remote side of a replication.
func NewInstanceAdapter(instance storage.Instance) *InstanceAdapter {
	return &InstanceAdapter{instance: instance}
}

// PushChanges applies offered documents against the instance's current
// state. A document whose revision is already stored counts as acknowledged;
// revision conflicts are reported as rejected ids.
func (a *InstanceAdapter) PushChanges(ctx context.Context, docs []model.DocumentData) ([]string, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	current, err := a.instance.FindDocumentsByID(ctx, ids, true)
	if err != nil {
		return nil, err
	}
	currentByID := make(map[string]model.DocumentData, len(current))
	for _, doc := range current {
		currentByID[doc.ID] = doc
	}

	rows := make([]storage.BulkWriteRow, 0, len(docs))
	for _, doc := range docs {
		stored, hasStored := currentByID[doc.ID]
		if hasStored && stored.Rev == doc.Rev {
			// Idempotent re-push of an already acknowledged state.
			continue
		}
		row := storage.BulkWriteRow{Document: doc.Clone()}
		if hasStored {
			prev := stored.Clone()
			row.Previous = &prev
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	resp, err := a.instance.BulkWrite(ctx, rows, pushWriteContext)
	if err != nil {
		return nil, err
	}

	rejected := make([]string, 0, len(resp.Errors))
	for _, werr := range resp.Errors {
		rejected = append(rejected, werr.DocumentID)
	}
	return rejected, nil
}

// PullChanges serves the instance's change feed from the checkpoint.
func (a *InstanceAdapter) PullChanges(ctx context.Context, since storage.Checkpoint, limit int) (PullResult, error) {
	changed, err := a.instance.GetChangedDocumentsSince(ctx, limit, since)
	if err != nil {
		return PullResult{}, err
	}

	docs := make([]model.DocumentData, 0, len(changed.Documents))
	for _, doc := range changed.Documents {
		if model.IsLocalDocumentID(doc.ID) {
			continue
		}
		docs = append(docs, doc)
	}
	return PullResult{Documents: docs, Checkpoint: changed.Checkpoint}, nil
}

var _ RemoteAdapter = (*InstanceAdapter)(nil)
