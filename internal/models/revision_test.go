package models

import (
	"encoding/json"
	"testing"
)

func TestRevision_EncodeDecode(t *testing.T) {
	cases := []struct {
		rev  Revision
		wire int64
	}{
		{Synced(0), 0},
		{Synced(42), 42},
		{ModifiedMetadata(), -1},
		{ModifiedContent(), -2},
	}
	for _, c := range cases {
		if got := EncodeRevision(c.rev); got != c.wire {
			t.Errorf("EncodeRevision(%v) = %d, want %d", c.rev, got, c.wire)
		}
		if got := DecodeRevision(c.wire); got != c.rev {
			t.Errorf("DecodeRevision(%d) = %v, want %v", c.wire, got, c.rev)
		}
	}
}

func TestRevision_MarkMetadataDirtyKeepsContent(t *testing.T) {
	if got := ModifiedContent().MarkMetadataDirty(); !got.IsContentDirty() {
		t.Errorf("content dirty lost: %v", got)
	}
	if got := Synced(7).MarkMetadataDirty(); got != ModifiedMetadata() {
		t.Errorf("synced -> %v, want metadata dirty", got)
	}
}

func TestRevision_VersionOnlyWhenSynced(t *testing.T) {
	if _, ok := ModifiedContent().Version(); ok {
		t.Error("dirty revision must not expose a version")
	}
	if v, ok := Synced(9).Version(); !ok || v != 9 {
		t.Errorf("Version() = %d, %v", v, ok)
	}
}

func TestRevision_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		V Revision `json:"version"`
	}{ModifiedContent()})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"version":-2}` {
		t.Errorf("marshal = %s", data)
	}
	var out struct {
		V Revision `json:"version"`
	}
	if err := json.Unmarshal([]byte(`{"version":13}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.V != Synced(13) {
		t.Errorf("unmarshal = %v", out.V)
	}
}
