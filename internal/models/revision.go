package models

import (
	"encoding/json"
	"fmt"
)

type revisionKind uint8

const (
	kindSynced revisionKind = iota
	kindMetadata
	kindContent
)

// Storage and wire sentinels for the two locally-dirty revisions.
const (
	sentinelMetadata int64 = -1
	sentinelContent  int64 = -2
)

// Revision is the sync state of a note: either the remote version it was
// last reconciled at, or one of two locally-dirty states. The zero value is
// Synced(0).
type Revision struct {
	kind    revisionKind
	version uint64
}

// Synced is a note whose local copy matches remote version v.
func Synced(v uint64) Revision { return Revision{kind: kindSynced, version: v} }

// ModifiedMetadata is a note with unsynced flag or title changes only.
func ModifiedMetadata() Revision { return Revision{kind: kindMetadata} }

// ModifiedContent is a note with an unsynced body.
func ModifiedContent() Revision { return Revision{kind: kindContent} }

func (r Revision) IsSynced() bool       { return r.kind == kindSynced }
func (r Revision) IsDirty() bool        { return r.kind != kindSynced }
func (r Revision) IsContentDirty() bool { return r.kind == kindContent }

// Version returns the synced version. ok is false for dirty revisions.
func (r Revision) Version() (v uint64, ok bool) {
	if r.kind != kindSynced {
		return 0, false
	}
	return r.version, true
}

// MarkMetadataDirty returns the revision after a metadata edit. Content
// dirtiness is kept since it already implies a full upload.
func (r Revision) MarkMetadataDirty() Revision {
	if r.kind == kindContent {
		return r
	}
	return ModifiedMetadata()
}

func (r Revision) String() string {
	switch r.kind {
	case kindMetadata:
		return "modified(metadata)"
	case kindContent:
		return "modified(content)"
	default:
		return fmt.Sprintf("synced(%d)", r.version)
	}
}

// EncodeRevision maps r onto the signed integer used by the database and the
// remote protocol.
func EncodeRevision(r Revision) int64 {
	switch r.kind {
	case kindMetadata:
		return sentinelMetadata
	case kindContent:
		return sentinelContent
	default:
		return int64(r.version)
	}
}

// DecodeRevision is the inverse of EncodeRevision. Unknown negative values
// are treated as metadata-dirty.
func DecodeRevision(v int64) Revision {
	switch {
	case v == sentinelContent:
		return ModifiedContent()
	case v < 0:
		return ModifiedMetadata()
	default:
		return Synced(uint64(v))
	}
}

func (r Revision) MarshalJSON() ([]byte, error) {
	return json.Marshal(EncodeRevision(r))
}

func (r *Revision) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = DecodeRevision(v)
	return nil
}
