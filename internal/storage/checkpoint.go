package storage

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Checkpoint marks a position in a collection's change stream. It is totally
// ordered per collection: last-write-time first, primary key as lexicographic
// tie-break when timestamps collide, which makes checkpoints safe to persist
// and resume from even with low clock resolution.
type Checkpoint struct {
	ID  string `json:"id"`
	LWT int64  `json:"lwt"`
}

// IsZero reports whether the checkpoint is the stream start.
func (c Checkpoint) IsZero() bool {
	return c.ID == "" && c.LWT == 0
}

// CompareCheckpoints orders two checkpoints: -1 if a < b, 0 if equal,
// 1 if a > b.
func CompareCheckpoints(a, b Checkpoint) int {
	if a.LWT != b.LWT {
		if a.LWT < b.LWT {
			return -1
		}
		return 1
	}
	if a.ID != b.ID {
		if a.ID < b.ID {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether a document stamped (id, lwt) lies strictly after the
// checkpoint.
func (c Checkpoint) After(id string, lwt int64) bool {
	return CompareCheckpoints(Checkpoint{ID: id, LWT: lwt}, c) > 0
}

// CheckpointKey derives a stable identifier for persisted checkpoint state
// from the replication identity parts (identifier, direction, collection).
func CheckpointKey(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:12])
}
