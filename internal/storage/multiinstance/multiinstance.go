// Package multiinstance keeps multiple local instances of the same logical
// storage consistent. It wraps a storage instance so every committed event
// bulk is also published on a shared broadcast bus, and bulks received from
// other instances are re-emitted into the local change stream without
// triggering a local write. Duplicate deliveries are dropped by bulk id, so
// an event already seen is neither re-applied nor re-broadcast.
package multiinstance

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftdb/internal/pubsub"
	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

const seenBulkCap = 1024

// envelope is the wire form of a broadcast event bulk.
type envelope struct {
	InstanceID string            `json:"instanceId"`
	Bulk       storage.EventBulk `json:"bulk"`
}

// Wrapper is a storage instance whose change stream reflects writes made
// through any sibling instance on the same bus subject.
type Wrapper struct {
	inner      storage.Instance
	bus        pubsub.Bus
	subject    string
	instanceID string
	logger     *slog.Logger

	merged *storage.ChangeBroadcaster
	seen   *seenSet

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Wrap attaches the instance to the broadcast bus. The databaseName scopes
// the bus subject so only instances of the same logical collection talk to
// each other.
func Wrap(ctx context.Context, inner storage.Instance, bus pubsub.Bus, databaseName string, logger *slog.Logger) (*Wrapper, error) {
	w := &Wrapper{
		inner:      inner,
		bus:        bus,
		subject:    "driftdb." + databaseName + "." + inner.Collection(),
		instanceID: uuid.New().String(),
		logger:     logger.With("component", "multiinstance", "collection", inner.Collection()),
		merged:     storage.NewChangeBroadcaster(),
		seen:       newSeenSet(seenBulkCap),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	localCh, localCancel, err := inner.ChangeStream(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	busCh, busCancel, err := bus.Subscribe(runCtx, w.subject)
	if err != nil {
		localCancel()
		cancel()
		return nil, err
	}

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		defer localCancel()
		w.forwardLocal(runCtx, localCh)
	}()
	go func() {
		defer w.wg.Done()
		defer busCancel()
		w.consumeBus(runCtx, busCh)
	}()

	return w, nil
}

// forwardLocal publishes committed local bulks on the merged stream and the
// broadcast bus.
func (w *Wrapper) forwardLocal(ctx context.Context, ch <-chan storage.EventBulk) {
	for {
		select {
		case <-ctx.Done():
			return
		case bulk, ok := <-ch:
			if !ok {
				return
			}
			w.seen.Add(bulk.ID)
			w.merged.Publish(bulk)

			data, err := json.Marshal(envelope{InstanceID: w.instanceID, Bulk: bulk})
			if err != nil {
				w.logger.Error("marshal event bulk", "error", err)
				continue
			}
			if err := w.bus.Publish(ctx, w.subject, data); err != nil && !model.IsCanceled(err) {
				w.logger.Error("broadcast event bulk", "error", err, "bulk", bulk.ID)
			}
		}
	}
}

// consumeBus re-emits bulks of sibling instances into the local stream.
func (w *Wrapper) consumeBus(ctx context.Context, ch <-chan pubsub.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				w.logger.Error("decode broadcast message", "error", err)
				continue
			}
			if env.InstanceID == w.instanceID {
				continue
			}
			if !w.seen.Add(env.Bulk.ID) {
				// Already applied locally; at-least-once delivery.
				continue
			}
			w.merged.Publish(env.Bulk)
		}
	}
}

func (w *Wrapper) Collection() string { return w.inner.Collection() }

func (w *Wrapper) BulkWrite(ctx context.Context, rows []storage.BulkWriteRow, writeContext string) (*storage.BulkWriteResponse, error) {
	return w.inner.BulkWrite(ctx, rows, writeContext)
}

func (w *Wrapper) FindDocumentsByID(ctx context.Context, ids []string, withDeleted bool) ([]model.DocumentData, error) {
	return w.inner.FindDocumentsByID(ctx, ids, withDeleted)
}

func (w *Wrapper) Query(ctx context.Context, q model.Query) ([]model.DocumentData, error) {
	return w.inner.Query(ctx, q)
}

func (w *Wrapper) Count(ctx context.Context, q model.Query) (storage.CountResult, error) {
	return w.inner.Count(ctx, q)
}

func (w *Wrapper) GetChangedDocumentsSince(ctx context.Context, limit int, since storage.Checkpoint) (storage.ChangedDocuments, error) {
	return w.inner.GetChangedDocumentsSince(ctx, limit, since)
}

// ChangeStream subscribes to the merged stream: local commits plus bulks
// broadcast by sibling instances.
func (w *Wrapper) ChangeStream(ctx context.Context) (<-chan storage.EventBulk, func(), error) {
	ch, cancel := w.merged.Subscribe(ctx)
	return ch, cancel, nil
}

func (w *Wrapper) Cleanup(ctx context.Context, minimumDeletedTime time.Duration) (bool, error) {
	return w.inner.Cleanup(ctx, minimumDeletedTime)
}

func (w *Wrapper) GetAttachmentData(ctx context.Context, documentID string, attachmentID string) ([]byte, error) {
	return w.inner.GetAttachmentData(ctx, documentID, attachmentID)
}

func (w *Wrapper) Remove(ctx context.Context) error {
	w.teardown()
	return w.inner.Remove(ctx)
}

func (w *Wrapper) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.teardown()
		w.closeErr = w.inner.Close(ctx)
	})
	return w.closeErr
}

func (w *Wrapper) teardown() {
	w.cancel()
	w.wg.Wait()
	w.merged.Close()
}

// seenSet is a bounded set of bulk ids with FIFO eviction.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids: make(map[string]struct{}, capacity),
		cap: capacity,
	}
}

// Add returns false when the id was already present.
func (s *seenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, evicted)
	}
	return true
}

var _ storage.Instance = (*Wrapper)(nil)
