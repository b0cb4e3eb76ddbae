// Package memory implements the storage instance contract on plain maps.
// It backs tests, in-memory mirror collections and replication targets that
// need no persistence.
package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

// Instance is an in-memory storage instance for one collection. Bulk writes
// are serialized per instance; reads run concurrently under a read lock.
type Instance struct {
	collection  string
	life        *storage.Lifecycle
	broadcaster *storage.ChangeBroadcaster
	clock       storage.Clock

	writeMu sync.Mutex

	mu          sync.RWMutex
	docs        map[string]model.DocumentData
	attachments map[string][]byte
}

// NewInstance creates an empty instance for the given collection.
func NewInstance(collection string) *Instance {
	return &Instance{
		collection:  collection,
		life:        storage.NewLifecycle(),
		broadcaster: storage.NewChangeBroadcaster(),
		docs:        make(map[string]model.DocumentData),
		attachments: make(map[string][]byte),
	}
}

func (i *Instance) Collection() string { return i.collection }

func attachmentKey(documentID, attachmentID string) string {
	return documentID + "\x00" + attachmentID
}

func (i *Instance) BulkWrite(ctx context.Context, rows []storage.BulkWriteRow, writeContext string) (*storage.BulkWriteResponse, error) {
	if err := i.life.BeginWrite(); err != nil {
		return nil, err
	}
	defer i.life.EndWrite()

	// One writer at a time so categorization never reads stale state.
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(err)
	}

	docsInDB := make(map[string]model.DocumentData, len(rows))
	i.mu.RLock()
	for _, row := range rows {
		if doc, ok := i.docs[row.Document.ID]; ok {
			docsInDB[row.Document.ID] = doc
		}
	}
	i.mu.RUnlock()

	categorized, err := storage.CategorizeBulkWriteRows(docsInDB, rows, writeContext, i.clock.Now())
	if err != nil {
		return nil, model.NewStorageError("bulkWrite", err)
	}

	i.mu.Lock()
	for _, row := range append(categorized.BulkInsertDocs, categorized.BulkUpdateDocs...) {
		doc := row.Document
		for attID, att := range doc.Attachments {
			if att.Data == "" {
				continue
			}
			blob, decErr := base64.StdEncoding.DecodeString(att.Data)
			if decErr != nil {
				i.mu.Unlock()
				return nil, model.NewStorageError("bulkWrite", fmt.Errorf("attachment %s of %s: %w", attID, doc.ID, decErr))
			}
			i.attachments[attachmentKey(doc.ID, attID)] = blob
			att.Data = ""
			att.Length = int64(len(blob))
			doc.Attachments[attID] = att
		}
		i.docs[doc.ID] = doc
	}
	i.mu.Unlock()

	if len(categorized.EventBulk.Events) > 0 {
		i.broadcaster.Publish(categorized.EventBulk)
	}

	return &storage.BulkWriteResponse{Errors: categorized.Errors}, nil
}

func (i *Instance) FindDocumentsByID(ctx context.Context, ids []string, withDeleted bool) ([]model.DocumentData, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	ret := make([]model.DocumentData, 0, len(ids))
	for _, id := range ids {
		doc, ok := i.docs[id]
		if !ok {
			continue
		}
		if doc.Deleted && !withDeleted {
			continue
		}
		ret = append(ret, doc.Clone())
	}
	return ret, nil
}

func (i *Instance) Query(ctx context.Context, q model.Query) ([]model.DocumentData, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	all := i.snapshot()
	result := storage.ApplyQuery(all, q)
	out := make([]model.DocumentData, len(result))
	for n, doc := range result {
		out[n] = doc.Clone()
	}
	return out, nil
}

func (i *Instance) Count(ctx context.Context, q model.Query) (storage.CountResult, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return storage.CountResult{}, err
	}
	if err := q.Validate(); err != nil {
		return storage.CountResult{}, err
	}

	matcher := storage.DocumentMatcher(q)
	var count int64
	for _, doc := range i.snapshot() {
		if matcher(doc) {
			count++
		}
	}
	return storage.CountResult{Count: count, Mode: "fast"}, nil
}

func (i *Instance) GetChangedDocumentsSince(ctx context.Context, limit int, since storage.Checkpoint) (storage.ChangedDocuments, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return storage.ChangedDocuments{}, err
	}

	all := i.snapshot()
	changed := make([]model.DocumentData, 0, len(all))
	for _, doc := range all {
		if since.After(doc.ID, doc.Meta.LWT) {
			changed = append(changed, doc)
		}
	}

	q := model.Query{
		Sort:        []model.Order{{Field: "_meta.lwt", Direction: "asc"}},
		WithDeleted: true,
	}
	less := storage.SortComparator(q)
	sort.SliceStable(changed, func(a, b int) bool { return less(changed[a], changed[b]) })

	if limit > 0 && limit < len(changed) {
		changed = changed[:limit]
	}

	checkpoint := since
	if len(changed) > 0 {
		last := changed[len(changed)-1]
		checkpoint = storage.Checkpoint{ID: last.ID, LWT: last.Meta.LWT}
	}
	out := make([]model.DocumentData, len(changed))
	for n, doc := range changed {
		out[n] = doc.Clone()
	}
	return storage.ChangedDocuments{Documents: out, Checkpoint: checkpoint}, nil
}

func (i *Instance) ChangeStream(ctx context.Context) (<-chan storage.EventBulk, func(), error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, nil, err
	}
	ch, cancel := i.broadcaster.Subscribe(ctx)
	return ch, cancel, nil
}

func (i *Instance) Cleanup(ctx context.Context, minimumDeletedTime time.Duration) (bool, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return false, err
	}

	cutoff := time.Now().Add(-minimumDeletedTime).UnixMilli()

	i.mu.Lock()
	defer i.mu.Unlock()
	for id, doc := range i.docs {
		if doc.Deleted && doc.Meta.LWT < cutoff {
			delete(i.docs, id)
			for attID := range doc.Attachments {
				delete(i.attachments, attachmentKey(id, attID))
			}
		}
	}
	return true, nil
}

func (i *Instance) GetAttachmentData(ctx context.Context, documentID string, attachmentID string) ([]byte, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	doc, ok := i.docs[documentID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if _, ok := doc.Attachments[attachmentID]; !ok {
		return nil, model.ErrNotFound
	}
	blob, ok := i.attachments[attachmentKey(documentID, attachmentID)]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (i *Instance) Remove(ctx context.Context) error {
	i.life.MarkRemoved()
	i.mu.Lock()
	i.docs = make(map[string]model.DocumentData)
	i.attachments = make(map[string][]byte)
	i.mu.Unlock()
	return i.Close(ctx)
}

func (i *Instance) Close(ctx context.Context) error {
	if !i.life.BeginClose() {
		return nil
	}
	i.broadcaster.Close()
	i.life.MarkClosed()
	return nil
}

func (i *Instance) snapshot() []model.DocumentData {
	i.mu.RLock()
	defer i.mu.RUnlock()
	all := make([]model.DocumentData, 0, len(i.docs))
	for _, doc := range i.docs {
		all = append(all, doc)
	}
	return all
}

var _ storage.Instance = (*Instance)(nil)
