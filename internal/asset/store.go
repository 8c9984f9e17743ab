package asset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/parser"
	"github.com/starford/notesync/internal/storage"
)

// Store writes validated assets into note resource directories.
type Store struct {
	blobs   storage.Provider
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewStore returns an asset store over blobs. A nil fetcher uses
// NewFetcher defaults.
func NewStore(blobs storage.Provider, fetcher *Fetcher, logger *slog.Logger) *Store {
	if fetcher == nil {
		fetcher = NewFetcher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{blobs: blobs, fetcher: fetcher, logger: logger}
}

// Save stores data as a resource of note guid and returns the stored name.
// An existing resource with the same name is never replaced.
func (s *Store) Save(guid, filename string, data []byte) (string, error) {
	if len(data) > MaxSize {
		return "", apperr.InvalidParam("file too large: %d bytes (max %d)", len(data), MaxSize)
	}
	name := SanitizeFilename(filename)
	if err := Validate(name, data); err != nil {
		return "", apperr.InvalidParam("%s", err.Error())
	}
	if _, err := s.blobs.ResourceSize(guid, name); err == nil {
		return "", fmt.Errorf("asset: save %s: %w", name, apperr.ErrAlreadyExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("asset: stat %s: %w", name, err)
	}
	if err := s.blobs.WriteResource(guid, name, data); err != nil {
		return "", fmt.Errorf("asset: write %s: %w", name, err)
	}
	return name, nil
}

// Import fetches rawURL and stores it as a resource of note guid.
func (s *Store) Import(ctx context.Context, guid, rawURL, filename string) (string, error) {
	data, ext, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", apperr.InvalidParam("%s", err.Error())
	}
	if filename == "" {
		filename = FilenameFromURL(rawURL, ext)
	}
	name, err := s.Save(guid, filename, data)
	if errors.Is(err, apperr.ErrAlreadyExists) {
		name, err = s.Save(guid, uuid.New().String()+filepath.Ext(SanitizeFilename(filename)), data)
	}
	return name, err
}

// Process pulls every external image of markdown into the resource
// directory of note guid and points the image at the local copy. Images
// that cannot be fetched keep their original source.
func (s *Store) Process(ctx context.Context, guid, markdown string) (string, bool, error) {
	changed := false
	for _, src := range parser.ExternalImages(markdown) {
		name, err := s.Import(ctx, guid, src, "")
		if err != nil {
			s.logger.Warn("asset: import image failed",
				slog.String("guid", guid),
				slog.String("source", truncate(src, 80)),
				slog.String("error", err.Error()))
			continue
		}
		markdown = strings.ReplaceAll(markdown, "]("+src+")", "]("+parser.ResourcePrefix+name+")")
		changed = true
	}
	return markdown, changed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
