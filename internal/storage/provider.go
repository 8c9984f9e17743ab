// Package storage defines the on-disk layout for note bodies and resources.
//
// Each note owns a directory named by its guid holding index.md and an
// index_files/ directory of resources.
package storage

import "time"

// Body file and resource directory names inside a note directory.
const (
	BodyFile     = "index.md"
	ResourcesDir = "index_files"
)

// BlobInfo describes a stored note body.
type BlobInfo struct {
	GUID      string
	Checksum  string
	UpdatedAt time.Time
}

// Provider is the interface for note blob operations.
type Provider interface {
	// ReadNote returns the Markdown body of a note.
	ReadNote(guid string) ([]byte, error)
	// WriteNote atomically replaces the Markdown body of a note.
	WriteNote(guid string, content []byte) error
	// NoteExists reports whether a body is stored for guid.
	NoteExists(guid string) bool
	// RemoveBody removes only the Markdown body, keeping resources.
	RemoveBody(guid string) error
	// DeleteNote removes the note directory with all resources.
	DeleteNote(guid string) error
	// ReadResource returns a resource of a note.
	ReadResource(guid, name string) ([]byte, error)
	// WriteResource atomically writes a resource of a note.
	WriteResource(guid, name string, data []byte) error
	// ResourceSize returns the byte size of a stored resource.
	ResourceSize(guid, name string) (int64, error)
	// List returns every stored note body.
	List() ([]BlobInfo, error)
}
