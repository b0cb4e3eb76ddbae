package replication

import (
	"context"

	"driftdb/pkg/model"
)

// runPush drives the local -> remote direction. It drains the local change
// feed from the persisted push checkpoint in batches; the change stream only
// serves as a wakeup signal, so the flow never misses writes that happened
// while it was not running.
func (r *Replication) runPush(ctx context.Context) {
	var wakeup <-chan struct{}
	if r.cfg.Live {
		ch, cancel, err := r.subscribeWakeup(ctx)
		if err != nil {
			r.fatal(DirectionPush, err)
			return
		}
		defer cancel()
		wakeup = ch
	}

	drained := false
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		done, err := r.pushBatch(ctx)
		switch {
		case err != nil:
			if model.IsCanceled(err) {
				return
			}
			if IsFatal(err) {
				r.fatal(DirectionPush, err)
				return
			}
			r.healthy.Store(false)
			r.reportError(DirectionPush, err)
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
			close(r.pushDrained)
		}
		if !r.cfg.Live {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wakeup:
		}
	}
}

// subscribeWakeup turns the local change stream into a coalesced wakeup
// signal. Bulks written by this replication's own pull flow are ignored so
// pulled documents never bounce back.
func (r *Replication) subscribeWakeup(ctx context.Context) (<-chan struct{}, func(), error) {
	bulks, cancel, err := r.local.ChangeStream(ctx)
	if err != nil {
		return nil, nil, err
	}

	wakeup := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case bulk, ok := <-bulks:
				if !ok {
					return
				}
				if bulk.Context == r.pullWriteContext() {
					continue
				}
				select {
				case wakeup <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wakeup, cancel, nil
}

// pushBatch moves one batch of changed documents to the remote. It returns
// true when the feed is drained up to the current checkpoint. The checkpoint
// advances past rejected documents too: rejections are surfaced on Denied
// and only retried when a later write produces a new change event.
func (r *Replication) pushBatch(ctx context.Context) (bool, error) {
	checkpoint, err := r.pushCheckpoint.get(ctx)
	if err != nil {
		return false, err
	}

	changed, err := r.local.GetChangedDocumentsSince(ctx, r.cfg.BatchSize, checkpoint)
	if err != nil {
		return false, err
	}
	if len(changed.Documents) == 0 {
		return true, nil
	}

	docs := make([]model.DocumentData, 0, len(changed.Documents))
	for _, doc := range changed.Documents {
		if model.IsLocalDocumentID(doc.ID) {
			continue
		}
		// State this replication pulled in itself is already on the remote.
		if r.wasApplied(doc.ID, doc.Rev) {
			continue
		}
		docs = append(docs, doc)
	}

	if len(docs) > 0 {
		rejected, err := r.remote.PushChanges(ctx, docs)
		if err != nil {
			return false, err
		}
		if len(rejected) > 0 {
			rejectedSet := make(map[string]bool, len(rejected))
			for _, id := range rejected {
				rejectedSet[id] = true
			}
			for _, doc := range docs {
				if rejectedSet[doc.ID] {
					r.reportDenied(Denied{
						Direction:  DirectionPush,
						DocumentID: doc.ID,
						Document:   doc,
						Reason:     "rejected by remote",
					})
				}
			}
		}
	}

	if err := r.pushCheckpoint.set(ctx, changed.Checkpoint); err != nil {
		return false, err
	}
	return len(changed.Documents) < r.cfg.BatchSize, nil
}
