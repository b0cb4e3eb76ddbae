package model

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-\.:/]{1,128}$`)
)

// LocalDocPrefix is reserved for key-object (local) documents so their ids
// can never collide with replicated document ids.
const LocalDocPrefix = "_local/"

func CheckDocumentID(id string) bool {
	return idRegex.MatchString(id)
}

// IsLocalDocumentID reports whether the id belongs to the local-documents
// namespace.
func IsLocalDocumentID(id string) bool {
	return strings.HasPrefix(id, LocalDocPrefix)
}

// Meta holds storage-maintained metadata of a document.
type Meta struct {
	// LWT is the last-write-time in Unix milliseconds. It is used as the
	// change-stream checkpoint tie-breaker and for cleanup eligibility.
	LWT int64 `json:"lwt" bson:"lwt"`
}

// AttachmentMeta describes one attachment of a document. The core only
// stores metadata inline; blob content is handled by the storage engine.
type AttachmentMeta struct {
	Digest string `json:"digest" bson:"digest"`
	Length int64  `json:"length" bson:"length"`
	Type   string `json:"type" bson:"type"`

	// Data carries base64 encoded content on the write path only. Engines
	// that support attachments strip it before persisting the metadata.
	Data string `json:"data,omitempty" bson:"-"`
}

// DocumentData is the stored unit of a collection.
//
//	ID is immutable after creation.
//	Rev is the revision string "<height>-<hash>"; the height strictly
//	increases by 1 on every accepted write.
//	Deleted records are tombstones: retained and replicated until an
//	explicit cleanup purges them.
type DocumentData struct {
	ID          string                    `json:"id" bson:"_id"`
	Data        map[string]interface{}    `json:"data" bson:"data"`
	Deleted     bool                      `json:"_deleted" bson:"deleted"`
	Rev         string                    `json:"_rev" bson:"rev"`
	Meta        Meta                      `json:"_meta" bson:"meta"`
	Attachments map[string]AttachmentMeta `json:"_attachments,omitempty" bson:"attachments,omitempty"`
}

// Clone returns a deep copy. Categorization and change events hand documents
// to multiple consumers, so shared mutable state is never exposed.
func (d DocumentData) Clone() DocumentData {
	out := d
	if d.Data != nil {
		out.Data = cloneValue(d.Data).(map[string]interface{})
	}
	if d.Attachments != nil {
		out.Attachments = make(map[string]AttachmentMeta, len(d.Attachments))
		for k, v := range d.Attachments {
			out.Attachments[k] = v
		}
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, e := range tv {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Field resolves a field path against the document. The names "id",
// "_deleted", "_rev" and "_meta.lwt" address the document envelope, anything
// else addresses the payload, with "." as path separator.
func (d DocumentData) Field(path string) (interface{}, bool) {
	switch path {
	case "id":
		return d.ID, true
	case "_deleted":
		return d.Deleted, true
	case "_rev":
		return d.Rev, true
	case "_meta.lwt":
		return d.Meta.LWT, true
	}

	var cur interface{} = d.Data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// MarshalCanonical serializes the document content that participates in the
// revision hash: payload, deleted flag and attachment metadata. Rev and LWT
// are excluded so the hash is stable across metadata stamping.
func (d DocumentData) MarshalCanonical() ([]byte, error) {
	type canonical struct {
		ID          string                    `json:"id"`
		Data        map[string]interface{}    `json:"data"`
		Deleted     bool                      `json:"_deleted"`
		Attachments map[string]AttachmentMeta `json:"_attachments,omitempty"`
	}
	return json.Marshal(canonical{
		ID:          d.ID,
		Data:        d.Data,
		Deleted:     d.Deleted,
		Attachments: d.Attachments,
	})
}
