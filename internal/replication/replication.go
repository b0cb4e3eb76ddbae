package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"driftdb/internal/localdocs"
	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

const channelBuffer = 16

// Replication synchronizes one local storage instance with a remote adapter.
// Push and pull run as independent tasks; both stay running on transient
// remote errors and retry with backoff. Fatal errors cancel the replication.
type Replication struct {
	cfg    Config
	local  storage.Instance
	remote RemoteAdapter
	logger *slog.Logger

	pushCheckpoint *checkpointStore
	pullCheckpoint *checkpointStore

	state   atomic.Int32
	healthy atomic.Bool

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	errCh    chan error
	deniedCh chan Denied

	initialOnce sync.Once
	initialDone chan struct{}
	pushDrained chan struct{}
	pullDrained chan struct{}

	// applied tracks (id, rev) pairs written by the pull flow so the push
	// flow does not offer them back to the remote they came from. Bounded:
	// evicted entries only cost one redundant push the remote acknowledges
	// as already known.
	applied *appliedSet
}

// New creates a replication between the local instance and the remote
// adapter. Checkpoint state is persisted in metaStore; passing the local
// instance itself is fine as long as its engine stores local documents.
func New(local storage.Instance, remote RemoteAdapter, metaStore *localdocs.Store, cfg Config, logger *slog.Logger) *Replication {
	cfg.withDefaults()
	r := &Replication{
		cfg:    cfg,
		local:  local,
		remote: remote,
		logger: logger.With(
			"component", "replication",
			"replication", cfg.Identifier,
			"collection", local.Collection(),
		),
		pushCheckpoint: newCheckpointStore(metaStore, cfg.Identifier, DirectionPush, local.Collection()),
		pullCheckpoint: newCheckpointStore(metaStore, cfg.Identifier, DirectionPull, local.Collection()),
		errCh:          make(chan error, channelBuffer),
		deniedCh:       make(chan Denied, channelBuffer),
		initialDone:    make(chan struct{}),
		pushDrained:    make(chan struct{}),
		pullDrained:    make(chan struct{}),
		applied:        newAppliedSet(appliedCap),
	}
	r.state.Store(int32(StateCreated))
	return r
}

// Start launches the push and pull tasks. It can be called once; further
// calls return an error.
func (r *Replication) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return errors.New("replication already started")
	}

	r.runCtx, r.stop = context.WithCancel(ctx)
	r.healthy.Store(true)

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.runPush(r.runCtx)
	}()
	go func() {
		defer r.wg.Done()
		r.runPull(r.runCtx)
	}()
	go func() {
		defer r.wg.Done()
		r.watchInitial(r.runCtx)
	}()

	r.logger.Info("replication started", "live", r.cfg.Live)
	return nil
}

// watchInitial closes the initial-done signal when both directions finished
// their first drain, and completes one-shot replications.
func (r *Replication) watchInitial(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-r.pushDrained:
	}
	select {
	case <-ctx.Done():
		return
	case <-r.pullDrained:
	}

	completed := !r.cfg.Live &&
		r.state.CompareAndSwap(int32(StateRunning), int32(StateCompleted))

	r.initialOnce.Do(func() { close(r.initialDone) })

	if completed {
		r.logger.Info("replication completed")
		r.stop()
	}
}

// Cancel stops both flows and releases all subscriptions. It is idempotent
// and returns false when the replication already reached a terminal state.
func (r *Replication) Cancel() bool {
	swapped := r.state.CompareAndSwap(int32(StateRunning), int32(StateCanceled)) ||
		r.state.CompareAndSwap(int32(StateCreated), int32(StateCanceled))
	if !swapped {
		return false
	}
	if r.stop != nil {
		r.stop()
		r.wg.Wait()
	}
	r.logger.Info("replication canceled")
	return true
}

// AwaitInitialReplication blocks until both directions finished their first
// drain. Live replications never finish an "initial" phase by definition, so
// the call is rejected for them.
func (r *Replication) AwaitInitialReplication(ctx context.Context) error {
	if r.cfg.Live {
		return model.ErrLiveReplication
	}
	if r.State() == StateCreated {
		return errors.New("replication not started")
	}
	select {
	case <-r.initialDone:
		return nil
	case <-ctx.Done():
		return model.WrapError(ctx.Err())
	case <-r.runCtx.Done():
		if r.State() == StateCompleted {
			return nil
		}
		return model.ErrReplicationCanceled
	}
}

// Reset clears the persisted checkpoints of both directions so a later
// replication with the same identifier starts from scratch. Rejected while
// the flows are running.
func (r *Replication) Reset(ctx context.Context) error {
	if r.State() == StateRunning {
		return errors.New("replication is running")
	}
	if err := r.pushCheckpoint.reset(ctx); err != nil {
		return err
	}
	return r.pullCheckpoint.reset(ctx)
}

// State returns the current lifecycle state.
func (r *Replication) State() State {
	return State(r.state.Load())
}

// IsAlive reports whether the replication is running and its last remote
// interaction succeeded. A paused live replication with no pending changes
// is alive; one stuck in retry backoff is not.
func (r *Replication) IsAlive() bool {
	return r.State() == StateRunning && r.healthy.Load()
}

// Errors delivers transport and engine errors of both flows. The channel is
// buffered; when nobody listens, errors are dropped after logging.
func (r *Replication) Errors() <-chan error {
	return r.errCh
}

// Denied delivers documents a flow could not apply: push rejections and
// pulled documents kept out by the conflict policy.
func (r *Replication) Denied() <-chan Denied {
	return r.deniedCh
}

func (r *Replication) reportError(direction Direction, err error) {
	if err == nil || model.IsCanceled(err) {
		return
	}
	r.logger.Error("replication error", "direction", direction, "error", err)
	select {
	case r.errCh <- err:
	default:
	}
}

func (r *Replication) reportDenied(d Denied) {
	r.logger.Warn("document denied",
		"direction", d.Direction, "document", d.DocumentID, "reason", d.Reason)
	select {
	case r.deniedCh <- d:
	default:
	}
}

// fatal surfaces an unrecoverable error and cancels the replication.
func (r *Replication) fatal(direction Direction, err error) {
	r.reportError(direction, err)
	if r.state.CompareAndSwap(int32(StateRunning), int32(StateCanceled)) {
		r.logger.Error("replication canceled by fatal error", "direction", direction, "error", err)
		r.stop()
	}
}

// backoff sleeps with exponential growth between transient-error retries.
// It returns false when the replication stopped while waiting.
func (r *Replication) backoff(ctx context.Context, attempt int) bool {
	delay := r.cfg.RetryBackoff
	for n := 0; n < attempt && delay < r.cfg.MaxRetryBackoff; n++ {
		delay *= 2
	}
	if delay > r.cfg.MaxRetryBackoff {
		delay = r.cfg.MaxRetryBackoff
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Replication) markApplied(id, rev string) {
	r.applied.Add(id, rev)
}

// wasApplied reports whether the (id, rev) state was written by this
// replication's pull flow.
func (r *Replication) wasApplied(id, rev string) bool {
	return r.applied.Has(id, rev)
}

const appliedCap = 4096

// appliedSet remembers the most recent (id, rev) pairs with FIFO eviction.
type appliedSet struct {
	mu    sync.Mutex
	revs  map[string]string
	order []string
	cap   int
}

func newAppliedSet(capacity int) *appliedSet {
	return &appliedSet{
		revs: make(map[string]string, capacity),
		cap:  capacity,
	}
}

func (s *appliedSet) Add(id, rev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revs[id]; !ok {
		s.order = append(s.order, id)
	}
	s.revs[id] = rev
	for len(s.order) > s.cap {
		delete(s.revs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *appliedSet) Has(id, rev string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revs[id] == rev
}

// pullWriteContext tags downstream writes so change-stream consumers can
// tell replicated writes from application writes.
func (r *Replication) pullWriteContext() string {
	return "replication-pull:" + r.cfg.Identifier
}
