package asset

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/storage"
)

var pngData = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR fake image body")

func testStore(t *testing.T, opts ...FetcherOption) (*Store, *storage.FS) {
	t.Helper()
	blobs, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(blobs, NewFetcher(opts...), logger), blobs
}

func allowAll(string) error { return nil }

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img/pic.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngData)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDecodeDataURI(t *testing.T) {
	data, ext, err := decodeDataURI("data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData))
	require.NoError(t, err)
	require.Equal(t, ".png", ext)
	require.Equal(t, pngData, data)

	_, _, err = decodeDataURI("data:image/png,plain")
	require.Error(t, err)
	_, _, err = decodeDataURI("data:text/plain;base64,aGVsbG8=")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("a.png", pngData))
	require.NoError(t, Validate("a.svg", []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"></svg>`)))
	require.Error(t, Validate("a.jpg", pngData))
	require.Error(t, Validate("a.exe", pngData))
	require.Error(t, Validate("a.svg", []byte("not an image")))
}

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "passwd", SanitizeFilename("../../etc/passwd"))
	require.Equal(t, "my_photo_1.png", SanitizeFilename("my photo#1.png"))
	require.NotEmpty(t, SanitizeFilename(""))
}

func TestSaveRefusesOverwrite(t *testing.T) {
	s, blobs := testStore(t)
	name, err := s.Save("n1", "pic.png", pngData)
	require.NoError(t, err)
	require.Equal(t, "pic.png", name)

	got, err := blobs.ReadResource("n1", "pic.png")
	require.NoError(t, err)
	require.Equal(t, pngData, got)

	_, err = s.Save("n1", "pic.png", pngData)
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)

	_, err = s.Save("n1", "pic.jpg", pngData)
	var ipe *apperr.InvalidParamError
	require.ErrorAs(t, err, &ipe)
}

func TestFetchBlocksLoopback(t *testing.T) {
	srv := imageServer(t)
	_, _, err := NewFetcher().Fetch(context.Background(), srv.URL+"/img/pic.png")
	require.Error(t, err)
	require.Contains(t, err.Error(), "blocked host")
}

func TestFetchEnforcesMaxSize(t *testing.T) {
	srv := imageServer(t)
	_, _, err := NewFetcher(WithHostCheck(allowAll), WithMaxSize(8)).Fetch(context.Background(), srv.URL+"/img/pic.png")
	require.Error(t, err)
	require.Contains(t, err.Error(), "too large")
}

func TestProcessImportsExternalImages(t *testing.T) {
	srv := imageServer(t)
	s, blobs := testStore(t, WithHostCheck(allowAll))

	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)
	md := "# Pics\n![remote](" + srv.URL + "/img/pic.png)\n![inline](" + dataURI + ")\n![broken](" + srv.URL + "/missing.png)"

	out, changed, err := s.Process(context.Background(), "n1", md)
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, out, "![remote](index_files/pic.png)")
	require.NotContains(t, out, dataURI)
	require.Contains(t, out, srv.URL+"/missing.png", "failed imports keep their source")

	_, err = blobs.ReadResource("n1", "pic.png")
	require.NoError(t, err)

	start := strings.Index(out, "![inline](index_files/") + len("![inline](index_files/")
	name := out[start : start+strings.Index(out[start:], ")")]
	require.True(t, strings.HasSuffix(name, ".png"))
	_, err = blobs.ReadResource("n1", name)
	require.NoError(t, err)
}

func TestProcessRenamesOnCollision(t *testing.T) {
	srv := imageServer(t)
	s, _ := testStore(t, WithHostCheck(allowAll))
	_, err := s.Save("n1", "pic.png", pngData)
	require.NoError(t, err)

	out, changed, err := s.Process(context.Background(), "n1", "![a]("+srv.URL+"/img/pic.png)")
	require.NoError(t, err)
	require.True(t, changed)
	require.NotContains(t, out, "index_files/pic.png")
	require.Contains(t, out, "index_files/")
}

func TestProcessWithoutImages(t *testing.T) {
	s, _ := testStore(t)
	out, changed, err := s.Process(context.Background(), "n1", "# Plain\n![local](index_files/a.png)")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, "# Plain\n![local](index_files/a.png)", out)
}
