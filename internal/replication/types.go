// Package replication keeps a local storage instance and a remote
// counterpart eventually consistent. Push and pull run as independent tasks
// over a shared remote adapter; each direction persists its own checkpoint
// in the local-documents store so a restart resumes where it left off.
package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driftdb/internal/storage"
	"driftdb/pkg/model"
)

// State is the lifecycle state of a replication.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ConflictPolicy decides what happens when a pulled document conflicts with
// diverged local state. Documents whose remote revision height is greater
// than the local height always apply cleanly; the policy only governs the
// remaining cases.
type ConflictPolicy int

const (
	// PolicyRemoteWinsHigher keeps the local state and surfaces the pulled
	// document on the Denied channel. Default.
	PolicyRemoteWinsHigher ConflictPolicy = iota

	// PolicyRemoteWins force-applies the remote content on top of the local
	// chain with a fresh revision.
	PolicyRemoteWins
)

// Direction labels which flow an error or denied document came from.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Denied is one document a flow could not apply: a push the remote rejected
// or a pulled document the conflict policy kept out. Denied documents are
// not retried automatically; a later write creating a new change event will
// push them again.
type Denied struct {
	Direction  Direction
	DocumentID string
	Document   model.DocumentData
	Reason     string
}

// PullResult is one batch of remote changes: documents in checkpoint order
// plus the checkpoint reached by the batch.
type PullResult struct {
	Documents  []model.DocumentData `json:"documents"`
	Checkpoint storage.Checkpoint   `json:"checkpoint"`
}

// RemoteAdapter is the abstract remote counterpart of a replication. The
// wire protocol behind it (another local instance, websocket, ...) is the
// adapter's business.
type RemoteAdapter interface {
	// PushChanges offers local documents to the remote. It returns the ids
	// the remote rejected (remote-side conflicts); a returned error is a
	// transport failure and means nothing was acknowledged.
	PushChanges(ctx context.Context, docs []model.DocumentData) (rejected []string, err error)

	// PullChanges returns up to limit remote changes after the checkpoint.
	PullChanges(ctx context.Context, since storage.Checkpoint, limit int) (PullResult, error)
}

// FatalError marks a remote failure the flows must not retry, e.g. failed
// authentication or a schema mismatch. Adapters wrap such errors so the
// state machine cancels instead of backing off forever.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal replication error: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as unrecoverable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Config tunes one replication.
type Config struct {
	// Identifier distinguishes checkpoint state of different replications
	// of the same collection.
	Identifier string `yaml:"identifier"`

	// Live keeps both flows running after the initial sync. One-shot
	// replications complete once both directions are drained.
	Live bool `yaml:"live"`

	// PullInterval is the poll interval of the live pull flow.
	PullInterval time.Duration `yaml:"pull_interval"`

	// BatchSize bounds the documents moved per push/pull round trip.
	BatchSize int `yaml:"batch_size"`

	// ConflictPolicy governs pulled documents that conflict with local state.
	ConflictPolicy ConflictPolicy `yaml:"-"`

	// RetryBackoff and MaxRetryBackoff bound the exponential backoff applied
	// after transient remote errors.
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// DefaultConfig returns the default replication tuning.
func DefaultConfig() Config {
	return Config{
		PullInterval:    time.Second,
		BatchSize:       100,
		ConflictPolicy:  PolicyRemoteWinsHigher,
		RetryBackoff:    200 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
	}
}

func (c *Config) withDefaults() {
	def := DefaultConfig()
	if c.PullInterval <= 0 {
		c.PullInterval = def.PullInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = def.MaxRetryBackoff
	}
}
