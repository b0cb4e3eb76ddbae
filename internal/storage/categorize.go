package storage

import (
	"fmt"

	"github.com/google/uuid"

	"driftdb/pkg/model"
	"driftdb/pkg/revision"
)

// Categorized is the output of CategorizeBulkWriteRows. Every input row
// appears in exactly one of BulkInsertDocs, BulkUpdateDocs or Errors.
type Categorized struct {
	BulkInsertDocs []BulkWriteRow
	BulkUpdateDocs []BulkWriteRow
	Errors         []*model.WriteError

	// EventBulk holds one event per accepted row, in row-processing order.
	// Its checkpoint is seeded from NewestRow.
	EventBulk EventBulk

	// NewestRow is the accepted row with the highest (lwt, id); nil when no
	// row was accepted.
	NewestRow *BulkWriteRow
}

// CategorizeBulkWriteRows classifies a batch of write requests against the
// current stored state. It is a pure function of (docsInDB, rows, now): it
// persists nothing and has no side effects, which keeps it deterministic for
// unit testing. Engines consume the insert/update lists, persist them inside
// one transaction, then publish the event bulk.
//
// Accepted rows get their revision computed (or validated, when the caller
// already stamped one) and their last-write-time set to now.
//
// A non-nil error reports corrupted stored state (malformed revision) and
// must abort the whole batch as a storage-level failure.
func CategorizeBulkWriteRows(
	docsInDB map[string]model.DocumentData,
	rows []BulkWriteRow,
	writeContext string,
	now int64,
) (*Categorized, error) {
	ret := &Categorized{
		EventBulk: EventBulk{
			ID:      uuid.New().String(),
			Context: writeContext,
		},
	}

	// Rows of the same batch targeting one document id: only the first is
	// categorized normally, later ones conflict against the first's
	// not-yet-committed result. Prevents double-apply within one batch.
	appliedInBatch := make(map[string]model.DocumentData)

	for i := range rows {
		row := rows[i]
		id := row.Document.ID

		if inBatch, ok := appliedInBatch[id]; ok {
			conflictState := inBatch
			ret.Errors = append(ret.Errors, &model.WriteError{
				Status:       model.StatusConflict,
				DocumentID:   id,
				Message:      "document was already written in the same batch",
				DocumentInDB: &conflictState,
			})
			continue
		}

		stored, hasStored := docsInDB[id]

		var prevRev revision.Revision
		isInsert := false
		switch {
		case !hasStored && row.Previous == nil:
			isInsert = true
		case hasStored && row.Previous != nil && row.Previous.Rev == stored.Rev:
			parsed, err := revision.Parse(stored.Rev)
			if err != nil {
				return nil, err
			}
			prevRev = parsed
		case hasStored:
			conflictState := stored.Clone()
			ret.Errors = append(ret.Errors, &model.WriteError{
				Status:       model.StatusConflict,
				DocumentID:   id,
				Message:      "revision does not match the stored state",
				DocumentInDB: &conflictState,
			})
			continue
		default:
			// Previous given but nothing stored: the writer's base state is
			// gone (purged or never existed here).
			ret.Errors = append(ret.Errors, &model.WriteError{
				Status:     model.StatusConflict,
				DocumentID: id,
				Message:    "previous state given but document does not exist",
			})
			continue
		}

		doc := row.Document.Clone()
		doc.Meta.LWT = now

		hash, err := revision.ContentHash(doc)
		if err != nil {
			return nil, err
		}
		nextRev := revision.New(prevRev, hash)
		if doc.Rev != "" {
			claimed, err := revision.Parse(doc.Rev)
			if err != nil {
				return nil, err
			}
			// Replicated writes carry the remote revision, whose height may
			// jump ahead of the local chain. Heights below the expected next
			// height would rewind the chain and are rejected.
			if claimed.Height < nextRev.Height {
				ret.Errors = append(ret.Errors, &model.WriteError{
					Status:     model.StatusConflict,
					DocumentID: id,
					Message:    fmt.Sprintf("claimed revision height %d below expected %d", claimed.Height, nextRev.Height),
					DocumentInDB: func() *model.DocumentData {
						if !hasStored {
							return nil
						}
						s := stored.Clone()
						return &s
					}(),
				})
				continue
			}
			// Keep the caller's hash (e.g. replicated revisions) so the
			// revision stays identical across instances.
			nextRev = claimed
		}
		doc.Rev = nextRev.String()

		accepted := BulkWriteRow{Previous: row.Previous, Document: doc}
		if isInsert {
			ret.BulkInsertDocs = append(ret.BulkInsertDocs, accepted)
		} else {
			s := stored.Clone()
			accepted.Previous = &s
			ret.BulkUpdateDocs = append(ret.BulkUpdateDocs, accepted)
		}
		appliedInBatch[id] = doc

		event := ChangeEvent{
			DocumentID: id,
			Document:   doc,
		}
		switch {
		case doc.Deleted:
			event.Operation = OperationDelete
			event.Previous = accepted.Previous
		case isInsert:
			event.Operation = OperationInsert
		default:
			event.Operation = OperationUpdate
			event.Previous = accepted.Previous
		}
		ret.EventBulk.Events = append(ret.EventBulk.Events, event)

		if ret.NewestRow == nil ||
			CompareCheckpoints(
				Checkpoint{ID: doc.ID, LWT: doc.Meta.LWT},
				Checkpoint{ID: ret.NewestRow.Document.ID, LWT: ret.NewestRow.Document.Meta.LWT},
			) > 0 {
			rowCopy := accepted
			ret.NewestRow = &rowCopy
		}
	}

	if ret.NewestRow != nil {
		ret.EventBulk.Checkpoint = Checkpoint{
			ID:  ret.NewestRow.Document.ID,
			LWT: ret.NewestRow.Document.Meta.LWT,
		}
	}

	return ret, nil
}
