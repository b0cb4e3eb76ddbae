package replication

import (
	"context"
	"fmt"
	"time"

	"driftdb/internal/storage"
	"driftdb/pkg/model"
	"driftdb/pkg/revision"
)

// runPull drives the remote -> local direction. It polls the remote from the
// persisted pull checkpoint; live replications keep polling on the
// configured interval after the initial drain.
func (r *Replication) runPull(ctx context.Context) {
	drained := false
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		done, err := r.pullBatch(ctx)
		switch {
		case err != nil:
			if model.IsCanceled(err) {
				return
			}
			if IsFatal(err) {
				r.fatal(DirectionPull, err)
				return
			}
			r.healthy.Store(false)
			r.reportError(DirectionPull, err)
			attempt++
			if !r.backoff(ctx, attempt) {
				return
			}
			continue
		default:
			r.healthy.Store(true)
			attempt = 0
		}

		if !done {
			continue
		}
		if !drained {
			drained = true
			close(r.pullDrained)
		}
		if !r.cfg.Live {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PullInterval):
		}
	}
}

// pullBatch fetches one batch of remote changes and applies it locally. It
// returns true when the remote feed is drained up to the current checkpoint.
// The pull checkpoint only advances after the local write succeeded, so a
// crash between fetch and apply replays the batch (idempotent by revision).
func (r *Replication) pullBatch(ctx context.Context) (bool, error) {
	checkpoint, err := r.pullCheckpoint.get(ctx)
	if err != nil {
		return false, err
	}

	result, err := r.remote.PullChanges(ctx, checkpoint, r.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(result.Documents) == 0 {
		return true, nil
	}

	if err := r.applyPulled(ctx, result.Documents); err != nil {
		return false, err
	}
	if err := r.pullCheckpoint.set(ctx, result.Checkpoint); err != nil {
		return false, err
	}
	return len(result.Documents) < r.cfg.BatchSize, nil
}

// applyPulled writes remote documents into the local instance. Each row's
// previous is the current local state; the categorizer accepts the remote
// revision when its height advances the local chain and conflicts otherwise,
// which the conflict policy then resolves.
func (r *Replication) applyPulled(ctx context.Context, docs []model.DocumentData) error {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	current, err := r.local.FindDocumentsByID(ctx, ids, true)
	if err != nil {
		return err
	}
	currentByID := make(map[string]model.DocumentData, len(current))
	for _, doc := range current {
		currentByID[doc.ID] = doc
	}

	rows := make([]storage.BulkWriteRow, 0, len(docs))
	for _, doc := range docs {
		local, hasLocal := currentByID[doc.ID]
		if hasLocal && local.Rev == doc.Rev {
			// Already present, e.g. a replayed batch after a crash.
			continue
		}
		row := storage.BulkWriteRow{Document: doc.Clone()}
		if hasLocal {
			prev := local.Clone()
			row.Previous = &prev
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}

	resp, err := r.local.BulkWrite(ctx, rows, r.pullWriteContext())
	if err != nil {
		return err
	}

	rejected := make(map[string]bool, len(resp.Errors))
	for _, werr := range resp.Errors {
		rejected[werr.DocumentID] = true
	}
	for _, row := range rows {
		if !rejected[row.Document.ID] {
			r.markApplied(row.Document.ID, row.Document.Rev)
		}
	}

	for _, werr := range resp.Errors {
		if !werr.IsConflict() {
			r.reportError(DirectionPull, werr)
			continue
		}
		doc, ok := findDoc(docs, werr.DocumentID)
		if !ok {
			continue
		}
		if err := r.resolvePullConflict(ctx, doc, werr); err != nil {
			return err
		}
	}
	return nil
}

// resolvePullConflict handles a pulled document the categorizer rejected:
// the local chain has diverged and the remote height does not win. Depending
// on the policy the remote content is force-applied on top of the local
// chain or surfaced on the Denied channel.
func (r *Replication) resolvePullConflict(ctx context.Context, doc model.DocumentData, werr *model.WriteError) error {
	if r.cfg.ConflictPolicy != PolicyRemoteWins {
		r.reportDenied(Denied{
			Direction:  DirectionPull,
			DocumentID: doc.ID,
			Document:   doc,
			Reason:     werr.Message,
		})
		return nil
	}

	local := werr.DocumentInDB
	if local == nil {
		// The conflict carries no local state only when the base document
		// vanished mid-write; the next poll re-derives the row.
		return nil
	}

	forced := doc.Clone()
	prev := local.Clone()
	// Re-stamp on top of the local chain so the forced write wins the height
	// comparison.
	if _, err := revision.Stamp(&forced, local.Rev); err != nil {
		return model.NewStorageError("pull", err)
	}

	resp, err := r.local.BulkWrite(ctx, []storage.BulkWriteRow{
		{Previous: &prev, Document: forced},
	}, r.pullWriteContext())
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		// Lost another race; surface instead of looping.
		r.reportDenied(Denied{
			Direction:  DirectionPull,
			DocumentID: doc.ID,
			Document:   doc,
			Reason:     fmt.Sprintf("forced apply failed: %s", resp.Errors[0].Message),
		})
		return nil
	}
	r.markApplied(forced.ID, forced.Rev)
	return nil
}

func findDoc(docs []model.DocumentData, id string) (model.DocumentData, bool) {
	for _, doc := range docs {
		if doc.ID == id {
			return doc, true
		}
	}
	return model.DocumentData{}, false
}
