// Package revision computes and compares document revision identifiers.
//
// A revision is stored as "<height>-<hash>". The height is the generation
// counter, incremented by one on each accepted write; it is the primary
// conflict-detection signal. The hash is a BLAKE3 digest of the document
// content so identical content at the same height yields identical revisions.
package revision

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"driftdb/pkg/model"
)

// Revision is the parsed form of a revision string. The string stays the
// wire/storage representation; code paths parse once and carry this struct.
type Revision struct {
	Height int64
	Hash   string
}

// String renders the storage representation "<height>-<hash>".
func (r Revision) String() string {
	return strconv.FormatInt(r.Height, 10) + "-" + r.Hash
}

// IsZero reports whether the revision is unset.
func (r Revision) IsZero() bool {
	return r.Height == 0 && r.Hash == ""
}

// Parse splits a revision string into height and hash. A record carrying a
// revision that does not match "^\d+-" is corrupted; callers surface this as
// a fatal storage error.
func Parse(rev string) (Revision, error) {
	idx := strings.IndexByte(rev, '-')
	if idx <= 0 {
		return Revision{}, fmt.Errorf("%w: %q", model.ErrMalformedRevision, rev)
	}
	height, err := strconv.ParseInt(rev[:idx], 10, 64)
	if err != nil || height < 1 {
		return Revision{}, fmt.Errorf("%w: %q", model.ErrMalformedRevision, rev)
	}
	return Revision{Height: height, Hash: rev[idx+1:]}, nil
}

// Height parses the leading generation counter of a revision string.
func Height(rev string) (int64, error) {
	parsed, err := Parse(rev)
	if err != nil {
		return 0, err
	}
	return parsed.Height, nil
}

// ContentHash computes the BLAKE3 hash of the document content that
// participates in the revision. Deterministic for identical content.
func ContentHash(doc model.DocumentData) (string, error) {
	canonical, err := doc.MarshalCanonical()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:16]), nil
}

// New builds the revision following a previous one. With a zero previous
// revision the height starts at 1.
func New(previous Revision, contentHash string) Revision {
	return Revision{Height: previous.Height + 1, Hash: contentHash}
}

// Stamp computes and assigns the next revision of doc based on the previous
// revision string (empty for first writes). It returns the parsed result.
func Stamp(doc *model.DocumentData, previousRev string) (Revision, error) {
	var prev Revision
	if previousRev != "" {
		parsed, err := Parse(previousRev)
		if err != nil {
			return Revision{}, err
		}
		prev = parsed
	}
	hash, err := ContentHash(*doc)
	if err != nil {
		return Revision{}, err
	}
	next := New(prev, hash)
	doc.Rev = next.String()
	return next, nil
}
