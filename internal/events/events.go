// Package events implements the typed publish/subscribe channel that the
// note store and the sync session use to announce changes.
package events

// Kind names an outward event.
type Kind string

// Event catalogue.
const (
	NewNote         Kind = "newNote"
	ModifyNote      Kind = "modifyNote"
	DeleteNotes     Kind = "deleteNotes"
	PutBackNotes    Kind = "putBackNotes"
	TagsChanged     Kind = "tagsChanged"
	TagRenamed      Kind = "tagRenamed"
	LinksChanged    Kind = "linksChanged"
	UserInfoChanged Kind = "userInfoChanged"

	SyncStart     Kind = "syncStart"
	SyncFinish    Kind = "syncFinish"
	SyncError     Kind = "syncError"
	DownloadNotes Kind = "downloadNotes"
	UploadNote    Kind = "uploadNote"
)

// Event is one notification scoped to a knowledge base.
type Event struct {
	Kind Kind   `json:"type"`
	KB   string `json:"kbGuid"`
	Data any    `json:"data,omitempty"`
}

// DeleteNotesData accompanies DeleteNotes.
type DeleteNotesData struct {
	GUIDs     []string `json:"guids"`
	Permanent bool     `json:"permanentDelete"`
}

// GUIDsData accompanies PutBackNotes, TagsChanged and LinksChanged.
type GUIDsData struct {
	GUIDs []string `json:"guids"`
}

// TagRenamedData accompanies TagRenamed.
type TagRenamedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}
