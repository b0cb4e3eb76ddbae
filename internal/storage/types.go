// Package storage defines the uniform contract every storage engine
// implements, together with the write categorizer and the change-stream
// primitives the rest of the system builds on.
package storage

import (
	"context"
	"time"

	"driftdb/pkg/model"
)

// Operation is the type of a change event.
type Operation int

const (
	OperationUnspecified Operation = iota
	OperationInsert
	OperationUpdate
	OperationDelete
)

// String returns the string representation of the operation type.
func (o Operation) String() string {
	switch o {
	case OperationInsert:
		return "insert"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	default:
		return "unspecified"
	}
}

// BulkWriteRow is one write request: the new document state plus the
// writer's last-known state. Previous is nil only for inserts.
type BulkWriteRow struct {
	Previous *model.DocumentData `json:"previous,omitempty"`
	Document model.DocumentData  `json:"document"`
}

// BulkWriteResponse collects the per-row errors of one batch. Successful
// rows are reflected in the change stream; a row-level conflict never aborts
// the rest of the batch.
type BulkWriteResponse struct {
	Errors []*model.WriteError `json:"errors"`
}

// ChangeEvent describes one committed document change.
type ChangeEvent struct {
	Operation  Operation           `json:"operation"`
	DocumentID string              `json:"documentId"`
	Document   model.DocumentData  `json:"document"`
	// Previous is set for update and delete operations.
	Previous *model.DocumentData `json:"previous,omitempty"`
}

// EventBulk is one committed batch's worth of change events plus the
// checkpoint reached by that batch. Events preserve write-application order.
type EventBulk struct {
	ID         string        `json:"id"`
	Events     []ChangeEvent `json:"events"`
	Checkpoint Checkpoint    `json:"checkpoint"`
	// Context tags the origin of the write, e.g. a replication direction,
	// so consumers can filter out their own writes.
	Context string `json:"context"`
}

// CountResult is the result of Count. Mode reports whether the engine
// counted exactly ("fast" engines may estimate on large sets; the reference
// engines always count exactly).
type CountResult struct {
	Count int64  `json:"count"`
	Mode  string `json:"mode"`
}

// ChangedDocuments is the result of GetChangedDocumentsSince: documents in
// checkpoint order plus the checkpoint reached by the last returned row.
type ChangedDocuments struct {
	Documents  []model.DocumentData `json:"documents"`
	Checkpoint Checkpoint           `json:"checkpoint"`
}

// Instance is the storage engine contract for one collection. All
// implementations serialize BulkWrite calls per instance (FIFO) while reads
// may run concurrently; see the package documentation of each engine.
//
// Lifecycle: OPEN -> CLOSING -> CLOSED. Once closing, new writes are
// rejected with model.ErrClosed; reads may still be served until closed.
// Close waits for in-flight writes and is idempotent.
type Instance interface {
	// Collection returns the collection name this instance persists.
	Collection() string

	// BulkWrite categorizes and applies a batch of write requests as one
	// atomic unit. Per-row conflicts are returned in the response; engine
	// failures abort the whole batch with a *model.StorageError.
	BulkWrite(ctx context.Context, rows []BulkWriteRow, writeContext string) (*BulkWriteResponse, error)

	// FindDocumentsByID returns the existing documents among ids. Tombstones
	// are excluded unless withDeleted is set.
	FindDocumentsByID(ctx context.Context, ids []string, withDeleted bool) ([]model.DocumentData, error)

	// Query returns all documents matching the prepared query, sorted with
	// the primary key as deterministic tie-break.
	Query(ctx context.Context, q model.Query) ([]model.DocumentData, error)

	// Count returns the number of documents matching the prepared query.
	Count(ctx context.Context, q model.Query) (CountResult, error)

	// GetChangedDocumentsSince returns up to limit documents changed after
	// the given checkpoint, tombstones included, in checkpoint order.
	GetChangedDocumentsSince(ctx context.Context, limit int, since Checkpoint) (ChangedDocuments, error)

	// ChangeStream subscribes to committed event bulks. Late subscribers
	// receive only bulks emitted after subscription. The returned cancel
	// func releases the subscription; the channel is closed on cancel or
	// instance close.
	ChangeStream(ctx context.Context) (<-chan EventBulk, func(), error)

	// Cleanup physically purges tombstones whose last write is older than
	// minimumDeletedTime. It returns true when no eligible tombstones
	// remain, false when more remain (e.g. batch limits) so callers repeat.
	Cleanup(ctx context.Context, minimumDeletedTime time.Duration) (bool, error)

	// GetAttachmentData returns the blob of one attachment. Engines without
	// attachment support fail with model.ErrAttachmentsNotSupported.
	GetAttachmentData(ctx context.Context, documentID string, attachmentID string) ([]byte, error)

	// Remove drops all persisted state of the collection, then closes.
	Remove(ctx context.Context) error

	// Close flags the instance closing, waits for in-flight writes, then
	// releases engine resources. Idempotent.
	Close(ctx context.Context) error
}
