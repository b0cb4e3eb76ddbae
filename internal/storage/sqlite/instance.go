package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

const cleanupBatchSize = 1000

// Instance persists one collection in one SQLite table. Bulk writes run in
// a transaction and are serialized per instance; reads go through the
// driver's connection pool and are only blocked by the committing write's
// I/O window.
type Instance struct {
	db            *DB
	collection    string
	schemaVersion int
	table         string

	life        *storage.Lifecycle
	broadcaster *storage.ChangeBroadcaster
	clock       storage.Clock
	writeMu     sync.Mutex
}

// NewInstance opens (creating if needed) the table of the collection at the
// given schema version.
func NewInstance(ctx context.Context, db *DB, collection string, schemaVersion int) (*Instance, error) {
	table, err := tableName(collection, schemaVersion)
	if err != nil {
		return nil, err
	}
	if err := db.ensureTable(ctx, table); err != nil {
		return nil, err
	}
	return &Instance{
		db:            db,
		collection:    collection,
		schemaVersion: schemaVersion,
		table:         table,
		life:          storage.NewLifecycle(),
		broadcaster:   storage.NewChangeBroadcaster(),
	}, nil
}

func (i *Instance) Collection() string { return i.collection }

func (i *Instance) BulkWrite(ctx context.Context, rows []storage.BulkWriteRow, writeContext string) (*storage.BulkWriteResponse, error) {
	if err := i.life.BeginWrite(); err != nil {
		return nil, err
	}
	defer i.life.EndWrite()

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	tx, err := i.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.NewStorageError("bulkWrite", err)
	}
	defer func() { _ = tx.Rollback() }()

	docsInDB, err := i.readDocsInTx(ctx, tx, rows)
	if err != nil {
		return nil, model.NewStorageError("bulkWrite", err)
	}

	categorized, err := storage.CategorizeBulkWriteRows(docsInDB, rows, writeContext, i.clock.Now())
	if err != nil {
		return nil, model.NewStorageError("bulkWrite", err)
	}

	if len(categorized.BulkInsertDocs) > 0 {
		insertSQL := fmt.Sprintf(`INSERT INTO %q (id, revision, deleted, mtime, data) VALUES (?, ?, ?, ?, ?)`, i.table)
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			return nil, model.NewStorageError("bulkWrite", err)
		}
		defer stmt.Close()
		for _, row := range categorized.BulkInsertDocs {
			doc := stripAttachmentData(row.Document)
			data, err := json.Marshal(doc)
			if err != nil {
				return nil, model.NewStorageError("bulkWrite", err)
			}
			if _, err := stmt.ExecContext(ctx, doc.ID, doc.Rev, boolToInt(doc.Deleted), doc.Meta.LWT, string(data)); err != nil {
				return nil, model.NewStorageError("bulkWrite", err)
			}
		}
	}

	if len(categorized.BulkUpdateDocs) > 0 {
		updateSQL := fmt.Sprintf(`UPDATE %q SET revision = ?, deleted = ?, mtime = ?, data = ? WHERE id = ?`, i.table)
		stmt, err := tx.PrepareContext(ctx, updateSQL)
		if err != nil {
			return nil, model.NewStorageError("bulkWrite", err)
		}
		defer stmt.Close()
		for _, row := range categorized.BulkUpdateDocs {
			doc := stripAttachmentData(row.Document)
			data, err := json.Marshal(doc)
			if err != nil {
				return nil, model.NewStorageError("bulkWrite", err)
			}
			if _, err := stmt.ExecContext(ctx, doc.Rev, boolToInt(doc.Deleted), doc.Meta.LWT, string(data), doc.ID); err != nil {
				return nil, model.NewStorageError("bulkWrite", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, model.NewStorageError("bulkWrite", err)
	}

	if len(categorized.EventBulk.Events) > 0 {
		i.broadcaster.Publish(categorized.EventBulk)
	}

	return &storage.BulkWriteResponse{Errors: categorized.Errors}, nil
}

func (i *Instance) readDocsInTx(ctx context.Context, tx *sql.Tx, rows []storage.BulkWriteRow) (map[string]model.DocumentData, error) {
	ids := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if !seen[row.Document.ID] {
			seen[row.Document.ID] = true
			ids = append(ids, row.Document.ID)
		}
	}
	if len(ids) == 0 {
		return map[string]model.DocumentData{}, nil
	}

	query := fmt.Sprintf(`SELECT data FROM %q WHERE id IN (%s)`, i.table, placeholders(len(ids)))
	result, err := tx.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	docsInDB := make(map[string]model.DocumentData, len(ids))
	for result.Next() {
		var raw string
		if err := result.Scan(&raw); err != nil {
			return nil, err
		}
		var doc model.DocumentData
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		docsInDB[doc.ID] = doc
	}
	return docsInDB, result.Err()
}

func (i *Instance) FindDocumentsByID(ctx context.Context, ids []string, withDeleted bool) ([]model.DocumentData, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.DocumentData{}, nil
	}

	query := fmt.Sprintf(`SELECT data FROM %q WHERE id IN (%s)`, i.table, placeholders(len(ids)))
	if !withDeleted {
		query += ` AND deleted = 0`
	}
	return i.selectDocuments(ctx, query, toArgs(ids)...)
}

func (i *Instance) Query(ctx context.Context, q model.Query) ([]model.DocumentData, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	// Candidates are narrowed by the deleted flag only; selector and sort
	// follow the engine-independent matcher contract.
	query := fmt.Sprintf(`SELECT data FROM %q`, i.table)
	if !q.WithDeleted {
		query += ` WHERE deleted = 0`
	}
	docs, err := i.selectDocuments(ctx, query)
	if err != nil {
		return nil, err
	}
	return storage.ApplyQuery(docs, q), nil
}

func (i *Instance) Count(ctx context.Context, q model.Query) (storage.CountResult, error) {
	docs, err := i.Query(ctx, model.Query{
		Selector:    q.Selector,
		WithDeleted: q.WithDeleted,
	})
	if err != nil {
		return storage.CountResult{}, err
	}
	return storage.CountResult{Count: int64(len(docs)), Mode: "fast"}, nil
}

func (i *Instance) GetChangedDocumentsSince(ctx context.Context, limit int, since storage.Checkpoint) (storage.ChangedDocuments, error) {
	if err := i.life.EnsureReadable(); err != nil {
		return storage.ChangedDocuments{}, err
	}

	query := fmt.Sprintf(`
		SELECT data FROM %q
		WHERE mtime > ? OR (mtime = ? AND id > ?)
		ORDER BY mtime ASC, id ASC`, i.table)
	args := []interface{}{since.LWT, since.LWT, since.ID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	docs, err := i.selectDocuments(ctx, query, args...)
	if err != nil {
		return storage.ChangedDocuments{}, err
	}

	checkpoint := since
	if len(docs) > 0 {
		last := docs[len(docs)-1]
		checkpoint = storage.Checkpoint{ID: last.ID, LWT: last.Meta.LWT}
	}
	return storage.ChangedDocuments{Documents: docs, Checkpoint: checkpoint}, nil
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

	deleteSQL := fmt.Sprintf(`
		DELETE FROM %q WHERE id IN (
			SELECT id FROM %q WHERE deleted = 1 AND mtime < ? LIMIT ?
		)`, i.table, i.table)
	if _, err := i.db.sql.ExecContext(ctx, deleteSQL, cutoff, cleanupBatchSize); err != nil {
		return false, model.NewStorageError("cleanup", err)
	}

	var remaining int64
	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE deleted = 1 AND mtime < ?`, i.table)
	if err := i.db.sql.QueryRowContext(ctx, countSQL, cutoff).Scan(&remaining); err != nil {
		return false, model.NewStorageError("cleanup", err)
	}
	return remaining == 0, nil
}

func (i *Instance) GetAttachmentData(ctx context.Context, documentID string, attachmentID string) ([]byte, error) {
	return nil, model.ErrAttachmentsNotSupported
}

func (i *Instance) Remove(ctx context.Context) error {
	if err := i.life.EnsureReadable(); err != nil {
		return err
	}
	dropSQL := fmt.Sprintf(`DROP TABLE IF EXISTS %q`, i.table)
	if _, err := i.db.sql.ExecContext(ctx, dropSQL); err != nil {
		return model.NewStorageError("remove", err)
	}
	i.life.MarkRemoved()
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

func (i *Instance) selectDocuments(ctx context.Context, query string, args ...interface{}) ([]model.DocumentData, error) {
	result, err := i.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStorageError("query", err)
	}
	defer result.Close()

	docs := make([]model.DocumentData, 0)
	for result.Next() {
		var raw string
		if err := result.Scan(&raw); err != nil {
			return nil, model.NewStorageError("query", err)
		}
		var doc model.DocumentData
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, model.NewStorageError("query", err)
		}
		docs = append(docs, doc)
	}
	if err := result.Err(); err != nil {
		return nil, model.NewStorageError("query", err)
	}
	return docs, nil
}

func stripAttachmentData(doc model.DocumentData) model.DocumentData {
	if len(doc.Attachments) == 0 {
		return doc
	}
	out := doc.Clone()
	for id, att := range out.Attachments {
		att.Data = ""
		out.Attachments[id] = att
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ storage.Instance = (*Instance)(nil)
