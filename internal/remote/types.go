package remote

import "github.com/starford/notesync/internal/models"

// ServerNote is a note as the knowledge service sends and receives it.
// Flags travel as characters of Author, tags as Keywords.
type ServerNote struct {
	DocGUID         string            `json:"docGuid"`
	KBGUID          string            `json:"kbGuid"`
	Title           string            `json:"title"`
	Category        string            `json:"category"`
	Type            string            `json:"type"`
	FileType        string            `json:"fileType,omitempty"`
	Name            string            `json:"name,omitempty"`
	Seo             string            `json:"seo,omitempty"`
	URL             string            `json:"url,omitempty"`
	Owner           string            `json:"owner,omitempty"`
	Author          string            `json:"author"`
	Keywords        string            `json:"keywords"`
	Protected       int               `json:"protected"`
	AbstractText    string            `json:"abstractText,omitempty"`
	Created         int64             `json:"created"`
	InfoModified    int64             `json:"infoModified,omitempty"`
	DataModified    int64             `json:"dataModified"`
	Version         int64             `json:"version"`
	DataMD5         string            `json:"dataMd5"`
	AttachmentCount int               `json:"attachmentCount"`
	HTML            string            `json:"html,omitempty"`
	Resources       []models.Resource `json:"resources,omitempty"`
}

// NoteData is the body of a note with its resource manifest.
type NoteData struct {
	HTML      string            `json:"html"`
	Resources []models.Resource `json:"resources"`
}

// ServerTag is one entry of the tag stream.
type ServerTag struct {
	TagGUID       string `json:"tagGuid"`
	ParentTagGUID string `json:"parentTagGuid,omitempty"`
	Name          string `json:"name"`
	Version       int64  `json:"version"`
}

// uploadResult is the reply to a note or resource upload.
type uploadResult struct {
	Version   int64    `json:"version"`
	Key       string   `json:"key"`
	Resources []string `json:"resources"`
}

// ResourceReader supplies resource bytes for upload.
type ResourceReader interface {
	ReadResource(guid, name string) ([]byte, error)
}
