// Package models defines the domain types for notesync.
package models

import "time"

// Note type and category assigned to locally authored notes.
const (
	TypeLiteMarkdown = "lite/markdown"
	CategoryLite     = "/Lite/"
)

// LocalStatus records whether the note body is present locally.
type LocalStatus int

const (
	StatusNeedRedownload LocalStatus = 0
	StatusDownloaded     LocalStatus = 1
)

func (s LocalStatus) String() string {
	if s == StatusDownloaded {
		return "downloaded"
	}
	return "need_redownload"
}

// Note is one row of the local replica.
type Note struct {
	GUID            string      `json:"guid"`
	KBGUID          string      `json:"kbGuid"`
	Title           string      `json:"title"`
	Category        string      `json:"category"`
	Type            string      `json:"type"`
	FileType        string      `json:"fileType"`
	Name            string      `json:"name"`
	Seo             string      `json:"seo"`
	URL             string      `json:"url"`
	Owner           string      `json:"owner"`
	Tags            string      `json:"tags"`
	Created         time.Time   `json:"created"`
	Modified        time.Time   `json:"modified"`
	DataModified    time.Time   `json:"dataModified"`
	Revision        Revision    `json:"version"`
	LocalStatus     LocalStatus `json:"localStatus"`
	LastSynced      time.Time   `json:"lastSynced"`
	DataMD5         string      `json:"dataMd5"`
	Abstract        string      `json:"abstract"`
	Text            string      `json:"text,omitempty"`
	Starred         bool        `json:"starred"`
	Archived        bool        `json:"archived"`
	OnTop           bool        `json:"onTop"`
	Trash           bool        `json:"trash"`
	Encrypted       bool        `json:"encrypted"`
	Deleted         bool        `json:"deleted,omitempty"`
	AttachmentCount int         `json:"attachmentCount"`
	// EditSeq counts local edits to the row.
	EditSeq int64 `json:"-"`

	Highlight *Highlight `json:"highlight,omitempty"`
}

// Highlight carries per-field snippets for a full-text match.
type Highlight struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Tombstone is a deletion propagated in place of the removed object.
type Tombstone struct {
	DeletedGUID string `json:"deletedGuid"`
	Type        string `json:"type"`
	Created     int64  `json:"created"`
	Version     uint64 `json:"version,omitempty"`
}

// TombstoneDocument is the object type of a deleted note.
const TombstoneDocument = "document"

// Backlink is a wiki-style reference from a note to a title.
type Backlink struct {
	NoteGUID string `json:"noteGuid"`
	Title    string `json:"title"`
}

// TagNode is one level of the tag hierarchy.
type TagNode struct {
	Name     string              `json:"name"`
	FullPath string              `json:"fullPath"`
	Children map[string]*TagNode `json:"children,omitempty"`
}

// Resource is one entry of a note's resource manifest.
type Resource struct {
	Name    string `json:"name"`
	Size    int64  `json:"size,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// User is the account record returned by login.
type User struct {
	UserGUID    string `json:"userGuid"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	KBGUID      string `json:"kbGuid"`
	KBServer    string `json:"kbServer"`
	KBType      string `json:"kbType"`
	Token       string `json:"token"`
	Created     int64  `json:"created"`
}

// Account is the stored credential set used for token refresh.
type Account struct {
	User
	Server   string `json:"server"`
	Password string `json:"-"`
}
