package remote_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/remote"
	"github.com/starford/notesync/internal/remote/remotetest"
)

type resourceMap map[string][]byte

func (m resourceMap) ReadResource(_, name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

func TestLogin(t *testing.T) {
	srv := remotetest.New(t)
	want := srv.AddUser("me@example.com", "secret")
	ac := remote.NewAccountClient(srv.URL)

	user, err := ac.Login(context.Background(), "me@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, want.UserGUID, user.UserGUID)
	require.NotEmpty(t, user.Token)
	require.Equal(t, user.Token, ac.Token())

	_, err = ac.Login(context.Background(), "me@example.com", "wrong")
	require.ErrorIs(t, err, apperr.ErrInvalidPassword)
}

func TestUploadAndDownloadNote(t *testing.T) {
	srv := remotetest.New(t)
	srv.AddUser("u", "p")
	kc := remote.NewKnowledgeClient(srv.URL, srv.KB, srv.IssueToken("u"))
	ctx := context.Background()

	html, err := remote.MarkdownToHTML("# T\n![](index_files/a.png)")
	require.NoError(t, err)
	version, err := kc.UploadNote(ctx, &remote.ServerNote{
		DocGUID:   "n1",
		Title:     "T.md",
		Type:      models.TypeLiteMarkdown,
		HTML:      html,
		Resources: []models.Resource{{Name: "a.png", Size: 3}},
	}, resourceMap{"a.png": []byte("png")})
	require.NoError(t, err)
	require.Positive(t, version)
	require.Equal(t, 1, srv.Calls(remotetest.RouteUploadResource))

	data, ok := srv.Resource("n1", "a.png")
	require.True(t, ok)
	require.Equal(t, []byte("png"), data)

	nd, err := kc.DownloadNote(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, "# T\n![](index_files/a.png)", remote.MarkdownFromHTML(nd.HTML))
	require.Equal(t, []models.Resource{{Name: "a.png", Size: 3}}, nd.Resources)

	res, err := kc.DownloadNoteResource(ctx, "n1", "a.png")
	require.NoError(t, err)
	require.Equal(t, []byte("png"), res)
}

func TestUploadMetadataOnlyNeedsBody(t *testing.T) {
	srv := remotetest.New(t)
	srv.AddUser("u", "p")
	kc := remote.NewKnowledgeClient(srv.URL, srv.KB, srv.IssueToken("u"))

	_, err := kc.UploadNote(context.Background(), &remote.ServerNote{DocGUID: "new", Title: "x.md"}, nil)
	require.True(t, apperr.IsBodyRequired(err))
}

func TestListPagination(t *testing.T) {
	srv := remotetest.New(t)
	srv.AddUser("u", "p")
	kc := remote.NewKnowledgeClient(srv.URL, srv.KB, srv.IssueToken("u"))
	ctx := context.Background()

	for _, g := range []string{"a", "b", "c"} {
		srv.PutNote(remote.ServerNote{DocGUID: g, Title: g}, "# "+g, nil)
	}
	notes, err := kc.DownloadNotes(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	require.Equal(t, "a", notes[0].DocGUID)

	notes, err = kc.DownloadNotes(ctx, uint64(notes[1].Version)+1, 2)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "c", notes[0].DocGUID)

	srv.DeleteNote("a")
	deleted, err := kc.DownloadDeletedObjects(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	require.Equal(t, "a", deleted[0].DeletedGUID)
	require.Positive(t, deleted[0].Version)

	v, err := kc.UploadDeletedObjects(ctx, []models.Tombstone{{DeletedGUID: "b", Type: models.TombstoneDocument}})
	require.NoError(t, err)
	require.Positive(t, v)
	_, ok := srv.Note("b")
	require.False(t, ok)
}

func TestInvalidTokenRefreshesOnce(t *testing.T) {
	srv := remotetest.New(t)
	srv.AddUser("u", "p")
	srv.PutNote(remote.ServerNote{DocGUID: "a", Title: "a"}, "# a", nil)

	refreshes := 0
	kc := remote.NewKnowledgeClient(srv.URL, srv.KB, "stale",
		remote.WithTokenRefresher(func(context.Context) (string, error) {
			refreshes++
			return srv.IssueToken("u"), nil
		}))

	notes, err := kc.DownloadNotes(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, 1, refreshes)
	require.Equal(t, 2, srv.Calls(remotetest.RouteListNotes))

	// A second rejection after the refresh propagates.
	srv.FailNext(remotetest.RouteListNotes, apperr.CodeInvalidToken, "")
	srv.FailNext(remotetest.RouteListNotes, apperr.CodeInvalidToken, "")
	_, err = kc.DownloadNotes(context.Background(), 0, 10)
	require.True(t, apperr.IsInvalidToken(err))
	require.Equal(t, 2, refreshes)
}

func TestTokenUpdatesAreShared(t *testing.T) {
	kc := remote.NewKnowledgeClient("http://example.invalid", "kb", "t0")
	alias := *kc

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kc.SetToken(fmt.Sprintf("t%d", i+1))
			_ = alias.Token()
		}()
	}
	wg.Wait()

	kc.SetToken("final")
	require.Equal(t, "final", alias.Token())
}

func TestRefreshFailurePropagates(t *testing.T) {
	srv := remotetest.New(t)
	kc := remote.NewKnowledgeClient(srv.URL, srv.KB, "stale",
		remote.WithTokenRefresher(func(context.Context) (string, error) {
			return "", &apperr.ServerError{Code: apperr.CodeInvalidPassword}
		}))
	_, err := kc.DownloadNotes(context.Background(), 0, 10)
	require.ErrorIs(t, err, apperr.ErrInvalidPassword)
}

func TestHeaderErrors(t *testing.T) {
	srv := remotetest.New(t)
	srv.AddUser("u", "p")
	kc := remote.NewKnowledgeClient(srv.URL, srv.KB, srv.IssueToken("u"))

	srv.FailNextInHeader(remotetest.RouteListNotes, 2000, "WizErrorInvalidParam")
	_, err := kc.DownloadNotes(context.Background(), 0, 10)
	se, ok := apperr.AsServer(err)
	require.True(t, ok)
	require.Equal(t, 2000, se.Code)
	require.Equal(t, "WizErrorInvalidParam", se.ExternCode)
}

func TestNetworkErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	kc := remote.NewKnowledgeClient(ts.URL, "kb", "t")
	_, err := kc.DownloadNotes(context.Background(), 0, 10)
	var ne *apperr.NetworkError
	require.ErrorAs(t, err, &ne)

	ts.Close()
	_, err = kc.DownloadNotes(context.Background(), 0, 10)
	require.ErrorAs(t, err, &ne)
}

func TestClientQueryParameters(t *testing.T) {
	var got *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`{"returnCode":200,"result":[]}`))
	}))
	defer ts.Close()

	kc := remote.NewKnowledgeClient(ts.URL, "kb", "tok", remote.WithClientVersion("1.2.3"))
	_, err := kc.DownloadDeletedObjects(context.Background(), 7, 100)
	require.NoError(t, err)
	require.Equal(t, "/ks/deleted/list/version/kb", got.URL.Path)
	q := got.URL.Query()
	require.Equal(t, "7", q.Get("version"))
	require.Equal(t, "100", q.Get("count"))
	require.Equal(t, "lite", q.Get("clientType"))
	require.Equal(t, "1.2.3", q.Get("clientVersion"))
	require.Equal(t, "tok", got.Header.Get(remote.HeaderToken))
}
