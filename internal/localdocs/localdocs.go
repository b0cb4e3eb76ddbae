// Package localdocs provides a small key-object store on top of a storage
// instance. Keys live in the "_local/" id namespace, so they never collide
// with replicated documents, and they are written through the same bulk-write
// path so revision bookkeeping stays uniform. Replication uses this store to
// persist its checkpoints.
package localdocs

import (
	"context"
	"encoding/json"
	"fmt"

	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

const writeContext = "local-docs"

// setRetries bounds the CAS retry loop of Set. Local keys have few writers,
// so contention beyond a handful of rounds indicates a bug.
const setRetries = 5

// Store reads and writes key-object documents on one storage instance.
type Store struct {
	instance storage.Instance
}

// NewStore binds the store to the instance holding the local documents.
func NewStore(instance storage.Instance) *Store {
	return &Store{instance: instance}
}

func docID(key string) string { return model.LocalDocPrefix + key }

// Get returns the stored object for the key. The second return value is
// false when the key was never written or has been deleted.
func (s *Store) Get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	doc, ok, err := s.current(ctx, key)
	if err != nil || !ok || doc.Deleted {
		return nil, false, err
	}
	return doc.Data, true, nil
}

// GetJSON unmarshals the stored object for the key into out.
func (s *Store) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode local document %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode local document %q: %w", key, err)
	}
	return true, nil
}

// Set stores the object under the key, replacing any previous state. Lost
// races against concurrent writers of the same key are retried.
func (s *Store) Set(ctx context.Context, key string, data map[string]interface{}) error {
	return s.write(ctx, key, data, false)
}

// SetJSON marshals value to a JSON object and stores it under the key.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode local document %q: %w", key, err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("local document %q must encode to an object: %w", key, err)
	}
	return s.write(ctx, key, data, false)
}

// Delete writes a tombstone for the key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, ok, err := s.current(ctx, key); err != nil {
		return err
	} else if !ok {
		return nil
	}
	return s.write(ctx, key, nil, true)
}

func (s *Store) current(ctx context.Context, key string) (model.DocumentData, bool, error) {
	docs, err := s.instance.FindDocumentsByID(ctx, []string{docID(key)}, true)
	if err != nil {
		return model.DocumentData{}, false, err
	}
	if len(docs) == 0 {
		return model.DocumentData{}, false, nil
	}
	return docs[0], true, nil
}

func (s *Store) write(ctx context.Context, key string, data map[string]interface{}, deleted bool) error {
	for attempt := 0; attempt < setRetries; attempt++ {
		stored, ok, err := s.current(ctx, key)
		if err != nil {
			return err
		}

		row := storage.BulkWriteRow{
			Document: model.DocumentData{
				ID:      docID(key),
				Data:    data,
				Deleted: deleted,
			},
		}
		if ok {
			prev := stored.Clone()
			row.Previous = &prev
		}

		resp, err := s.instance.BulkWrite(ctx, []storage.BulkWriteRow{row}, writeContext)
		if err != nil {
			return err
		}
		if len(resp.Errors) == 0 {
			return nil
		}
		if !resp.Errors[0].IsConflict() {
			return resp.Errors[0]
		}
		// Lost a race; reread and try again.
	}
	return fmt.Errorf("local document %q: %w", key, &model.WriteError{
		Status:     model.StatusConflict,
		DocumentID: docID(key),
		Message:    "persistent write conflict",
	})
}
