package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/models"
)

// KnowledgeClient talks to the knowledge service of one KB.
type KnowledgeClient struct {
	*base
	kb string
}

// NewKnowledgeClient builds a client for kb on server.
func NewKnowledgeClient(server, kb, token string, opts ...Option) *KnowledgeClient {
	k := &KnowledgeClient{base: newBase(server, opts), kb: kb}
	k.token = token
	return k
}

// KB returns the KB guid the client is bound to.
func (k *KnowledgeClient) KB() string { return k.kb }

// UploadNote sends note and, when the server asks for them, the listed
// resources read from res. It returns the version assigned by the server.
func (k *KnowledgeClient) UploadNote(ctx context.Context, note *ServerNote, res ResourceReader) (uint64, error) {
	note.KBGUID = k.kb
	var result uploadResult
	_, err := k.do(ctx, call{
		method: http.MethodPost,
		path:   fmt.Sprintf("/ks/note/upload/%s/%s", k.kb, note.DocGUID),
		body:   note,
		full:   true,
	}, &result)
	if err != nil {
		return 0, err
	}

	version := result.Version
	for i, name := range result.Resources {
		last := i == len(result.Resources)-1
		v, err := k.uploadResource(ctx, note.DocGUID, result.Key, name, last, res)
		if err != nil {
			return 0, err
		}
		if last {
			version = v
		}
	}
	if version < 0 {
		return 0, apperr.Internal("remote: upload note", fmt.Errorf("negative version %d", version))
	}
	return uint64(version), nil
}

func (k *KnowledgeClient) uploadResource(ctx context.Context, guid, key, name string, last bool, res ResourceReader) (int64, error) {
	if res == nil {
		return 0, apperr.NotExists("resource %s", name)
	}
	data, err := res.ReadResource(guid, name)
	if err != nil {
		return 0, apperr.NotExists("resource %s", name)
	}
	isLast := "0"
	if last {
		isLast = "1"
	}

	var result uploadResult
	_, err = k.do(ctx, call{
		method: http.MethodPost,
		path:   fmt.Sprintf("/ks/object/upload/%s/%s", k.kb, guid),
		full:   true,
		form: func() (io.Reader, string, error) {
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			for _, f := range [][2]string{
				{"kbGuid", k.kb},
				{"docGuid", guid},
				{"key", key},
				{"objType", "resource"},
				{"objId", name},
				{"isLast", isLast},
			} {
				if err := w.WriteField(f[0], f[1]); err != nil {
					return nil, "", apperr.Internal("remote: build resource form", err)
				}
			}
			part, err := w.CreateFormFile("data", name)
			if err != nil {
				return nil, "", apperr.Internal("remote: build resource form", err)
			}
			if _, err := part.Write(data); err != nil {
				return nil, "", apperr.Internal("remote: build resource form", err)
			}
			if err := w.Close(); err != nil {
				return nil, "", apperr.Internal("remote: build resource form", err)
			}
			return &buf, w.FormDataContentType(), nil
		},
	}, &result)
	if err != nil {
		return 0, err
	}
	return result.Version, nil
}

// DownloadNote fetches the HTML body and resource manifest of a note.
func (k *KnowledgeClient) DownloadNote(ctx context.Context, guid string) (*NoteData, error) {
	var out NoteData
	_, err := k.do(ctx, call{
		method: http.MethodGet,
		path:   fmt.Sprintf("/ks/note/download/%s/%s", k.kb, guid),
		query:  url.Values{"downloadData": {"1"}},
		full:   true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadNoteResource fetches one resource of a note.
func (k *KnowledgeClient) DownloadNoteResource(ctx context.Context, guid, name string) ([]byte, error) {
	return k.do(ctx, call{
		method: http.MethodGet,
		path:   fmt.Sprintf("/ks/object/download/%s/%s", k.kb, guid),
		query:  url.Values{"objType": {"resource"}, "objId": {name}},
		binary: true,
	}, nil)
}

// DownloadNotes returns up to count notes with version >= since.
func (k *KnowledgeClient) DownloadNotes(ctx context.Context, since uint64, count int) ([]ServerNote, error) {
	out := []ServerNote{}
	_, err := k.do(ctx, call{
		method: http.MethodGet,
		path:   "/ks/note/list/version/" + k.kb,
		query: url.Values{
			"version":      {strconv.FormatUint(since, 10)},
			"count":        {strconv.Itoa(count)},
			"type":         {"lite"},
			"withAbstract": {"true"},
		},
	}, &out)
	return out, err
}

// DownloadDeletedObjects returns up to count tombstones with version >=
// since.
func (k *KnowledgeClient) DownloadDeletedObjects(ctx context.Context, since uint64, count int) ([]models.Tombstone, error) {
	out := []models.Tombstone{}
	_, err := k.do(ctx, call{
		method: http.MethodGet,
		path:   "/ks/deleted/list/version/" + k.kb,
		query: url.Values{
			"version": {strconv.FormatUint(since, 10)},
			"count":   {strconv.Itoa(count)},
		},
	}, &out)
	return out, err
}

// UploadDeletedObjects sends tombstones and returns the server version.
func (k *KnowledgeClient) UploadDeletedObjects(ctx context.Context, objects []models.Tombstone) (uint64, error) {
	var result uploadResult
	_, err := k.do(ctx, call{
		method: http.MethodPost,
		path:   "/ks/deleted/upload/" + k.kb,
		body:   objects,
		full:   true,
	}, &result)
	if err != nil {
		return 0, err
	}
	return uint64(max(result.Version, 0)), nil
}

// DownloadTags returns up to count tags with version >= since.
func (k *KnowledgeClient) DownloadTags(ctx context.Context, since uint64, count int) ([]ServerTag, error) {
	out := []ServerTag{}
	_, err := k.do(ctx, call{
		method: http.MethodGet,
		path:   "/ks/tag/list/version/" + k.kb,
		query: url.Values{
			"version": {strconv.FormatUint(since, 10)},
			"count":   {strconv.Itoa(count)},
		},
	}, &out)
	return out, err
}
