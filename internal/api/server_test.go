package api

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/activity"
	"github.com/fruitsalade/filemanager/internal/events"
	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/models"
	"github.com/fruitsalade/filemanager/internal/protocol"
	"github.com/fruitsalade/filemanager/internal/storage/local"
	"github.com/fruitsalade/filemanager/internal/vfs"
)

func TestMain(m *testing.M) {
	logging.Replace(zap.NewNop())
	os.Exit(m.Run())
}

type testEnv struct {
	dir     string
	handler http.Handler
}

func newTestEnv(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	fs, err := local.New(local.Config{RootPath: dir})
	require.NoError(t, err)

	builder, err := vfs.NewBuilder(fs)
	require.NoError(t, err)
	cache := vfs.NewCache(builder, time.Hour)
	lookup := vfs.NewLookup(cache)
	broadcaster := events.NewBroadcaster()
	recorder := activity.NewRecorder(activity.NewMemory(10))
	manager := vfs.NewManager(fs, lookup, cache, broadcaster, recorder)

	srv := NewServer(Config{
		FS:            fs,
		Lookup:        lookup,
		Manager:       manager,
		Broadcaster:   broadcaster,
		Activity:      recorder,
		MaxUploadSize: maxUpload,
		RecentLimit:   10,
	})
	return &testEnv{dir: dir, handler: srv.Handler()}
}

func folderURL(id string) string { return "/api/folders/" + url.PathEscape(id) }
func fileURL(id string) string   { return "/api/files/" + url.PathEscape(id) }

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doName(t *testing.T, method, target, name string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(protocol.NameRequest{Name: name})
	require.NoError(t, err)
	return e.do(t, method, target, bytes.NewReader(body), "application/json")
}

func (e *testEnv) upload(t *testing.T, parentID, filename, content, name string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	if name != "" {
		require.NoError(t, mw.WriteField("name", name))
	}
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, fileURL(parentID), &buf, mw.FormDataContentType())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, code int, kind string) {
	t.Helper()
	assert.Equal(t, code, rec.Code, "body: %s", rec.Body.String())
	resp := decode[protocol.ErrorResponse](t, rec)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, code, resp.Code)
	assert.Equal(t, kind, resp.Kind)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 1024)
	rec := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[protocol.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "local", resp.Backend)
	assert.NotEmpty(t, rec.Header().Get(logging.RequestIDHeader))
}

func TestFolderLifecycle(t *testing.T) {
	env := newTestEnv(t, 1024)

	rec := env.doName(t, http.MethodPost, folderURL(models.RootID), "docs")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	docs := decode[protocol.FolderResponse](t, rec).Folder
	assert.Equal(t, "docs", docs.Path)
	assert.Equal(t, vfs.EncodeFolderID("docs"), docs.ID)
	assert.DirExists(t, filepath.Join(env.dir, "docs"))

	rec = env.doName(t, http.MethodPost, folderURL(docs.ID), "sub")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decode[protocol.FolderResponse](t, rec).Folder
	assert.Equal(t, "folder-docs%2Fsub", sub.ID)

	// The id carries a literal '%', so it travels percent-encoded.
	rec = env.do(t, http.MethodGet, folderURL(sub.ID)+"/breadcrumbs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	crumbs := decode[protocol.BreadcrumbsResponse](t, rec).Breadcrumbs
	assert.Equal(t, []models.Crumb{
		{ID: models.RootID, Name: models.RootName},
		{ID: docs.ID, Name: "docs"},
		{ID: sub.ID, Name: "sub"},
	}, crumbs)

	rec = env.do(t, http.MethodGet, folderURL(models.RootID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	root := decode[protocol.FolderResponse](t, rec).Folder
	require.Len(t, root.Children, 1)
	assert.Equal(t, "docs", root.Children[0].Name)

	// Duplicate name.
	assertError(t, env.doName(t, http.MethodPost, folderURL(docs.ID), "sub"), http.StatusBadRequest, "conflict")

	// Non-empty delete is blocked.
	assertError(t, env.do(t, http.MethodDelete, folderURL(docs.ID), nil, ""), http.StatusBadRequest, "not_empty")
	assert.DirExists(t, filepath.Join(env.dir, "docs"))

	rec = env.doName(t, http.MethodPatch, folderURL(sub.ID), "archive")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	renamed := decode[protocol.FolderResponse](t, rec).Folder
	assert.Equal(t, "docs/archive", renamed.Path)
	assert.NoDirExists(t, filepath.Join(env.dir, "docs", "sub"))

	rec = env.do(t, http.MethodDelete, folderURL(renamed.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[protocol.SuccessResponse](t, rec).Success)
	assert.NoDirExists(t, filepath.Join(env.dir, "docs", "archive"))

	assertError(t, env.do(t, http.MethodGet, folderURL(renamed.ID), nil, ""), http.StatusNotFound, "not_found")
}

func TestRootProtected(t *testing.T) {
	env := newTestEnv(t, 1024)
	assertError(t, env.doName(t, http.MethodPatch, folderURL(models.RootID), "x"), http.StatusBadRequest, "invalid_input")
	assertError(t, env.do(t, http.MethodDelete, folderURL(models.RootID), nil, ""), http.StatusBadRequest, "invalid_input")
	assert.DirExists(t, env.dir)
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t, 1024)

	assertError(t, env.doName(t, http.MethodPost, folderURL(models.RootID), "   "), http.StatusBadRequest, "invalid_input")
	assertError(t, env.doName(t, http.MethodPost, folderURL(models.RootID), ".."), http.StatusBadRequest, "invalid_input")
	assertError(t, env.do(t, http.MethodPost, folderURL(models.RootID), strings.NewReader("{"), "application/json"),
		http.StatusBadRequest, "invalid_input")
	assertError(t, env.doName(t, http.MethodPost, folderURL(vfs.EncodeFolderID("missing")), "x"), http.StatusNotFound, "not_found")
	assertError(t, env.doName(t, http.MethodPost, folderURL("garbage"), "x"), http.StatusNotFound, "not_found")
	assertError(t, env.do(t, http.MethodGet, "/api/recent?limit=abc", nil, ""), http.StatusBadRequest, "invalid_input")

	// Upload without a file part.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "a.txt"))
	require.NoError(t, mw.Close())
	assertError(t, env.do(t, http.MethodPost, fileURL(models.RootID), &buf, mw.FormDataContentType()),
		http.StatusBadRequest, "invalid_input")
}

func TestUploadAutoRenameAndContent(t *testing.T) {
	env := newTestEnv(t, 1024)
	require.NoError(t, os.Mkdir(filepath.Join(env.dir, "docs"), 0755))
	docsID := vfs.EncodeFolderID("docs")

	rec := env.upload(t, docsID, "report.pdf", "v1", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[protocol.FileResponse](t, rec)
	assert.Equal(t, "docs/report.pdf", first.File.Path)
	assert.Equal(t, vfs.EncodeFileID("docs/report.pdf"), first.File.ID)
	assert.False(t, first.Renamed)

	rec = env.upload(t, docsID, "report.pdf", "v2", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decode[protocol.FileResponse](t, rec)
	assert.Equal(t, "report(1).pdf", second.File.Name)
	assert.True(t, second.Renamed)

	// The name field overrides the uploaded file name.
	rec = env.upload(t, docsID, "blob.bin", "v3", "notes.txt")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "notes.txt", decode[protocol.FileResponse](t, rec).File.Name)

	rec = env.do(t, http.MethodGet, fileURL(first.File.ID)+"/content", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v1", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "report.pdf")

	// Folders have no content.
	assertError(t, env.do(t, http.MethodGet, fileURL(docsID)+"/content", nil, ""), http.StatusNotFound, "not_found")

	// Uploading into a missing parent.
	assertError(t, env.upload(t, vfs.EncodeFolderID("nope"), "a.txt", "a", ""), http.StatusNotFound, "not_found")
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, 8)
	assertError(t, env.upload(t, models.RootID, "big.txt", strings.Repeat("x", 32), ""),
		http.StatusRequestEntityTooLarge, "invalid_input")

	entries, err := os.ReadDir(env.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial upload left behind")
}

func TestFileRenameAndDelete(t *testing.T) {
	env := newTestEnv(t, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "b.txt"), []byte("b"), 0644))
	aID := vfs.EncodeFileID("a.txt")

	assertError(t, env.doName(t, http.MethodPatch, fileURL(aID), "b.txt"), http.StatusBadRequest, "conflict")

	rec := env.doName(t, http.MethodPatch, fileURL(aID), "c.txt")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decode[protocol.FileResponse](t, rec).File
	assert.Equal(t, "c.txt", c.Path)
	assert.FileExists(t, filepath.Join(env.dir, "c.txt"))

	// The old id no longer resolves.
	assertError(t, env.do(t, http.MethodDelete, fileURL(aID), nil, ""), http.StatusNotFound, "not_found")

	rec = env.do(t, http.MethodDelete, fileURL(c.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoFileExists(t, filepath.Join(env.dir, "c.txt"))
}

func TestTreeGzip(t *testing.T) {
	env := newTestEnv(t, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "a.txt"), []byte("a"), 0644))

	req := httptest.NewRequest(http.MethodGet, "/api/tree", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	var resp protocol.TreeResponse
	require.NoError(t, json.NewDecoder(gr).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, models.RootID, resp.Root.ID)
	require.Len(t, resp.Root.Children, 1)
	assert.Equal(t, "a.txt", resp.Root.Children[0].Name)

	rec = env.do(t, http.MethodGet, "/api/tree", nil, "")
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, models.RootID, decode[protocol.TreeResponse](t, rec).Root.ID)
}

func TestRecentAndActivity(t *testing.T) {
	env := newTestEnv(t, 1024)
	old := time.Now().Add(-time.Hour)
	for _, n := range []string{"old.txt", "new.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(env.dir, n), []byte(n), 0644))
	}
	require.NoError(t, os.Chtimes(filepath.Join(env.dir, "old.txt"), old, old))

	rec := env.do(t, http.MethodGet, "/api/recent?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode[protocol.FilesResponse](t, rec).Files
	require.Len(t, files, 1)
	assert.Equal(t, "new.txt", files[0].Name)

	rec = env.do(t, http.MethodGet, "/api/activity", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[protocol.ActivityResponse](t, rec).Entries)

	require.Equal(t, http.StatusCreated, env.doName(t, http.MethodPost, folderURL(models.RootID), "docs").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, fileURL(vfs.EncodeFileID("old.txt")), nil, "").Code)

	rec = env.do(t, http.MethodGet, "/api/activity?limit=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[protocol.ActivityResponse](t, rec).Entries
	require.Len(t, entries, 2)
	assert.Equal(t, string(vfs.OpDeleteFile), entries[0].Op)
	assert.Equal(t, "old.txt", entries[0].Path)
	assert.Equal(t, string(vfs.OpCreateFolder), entries[1].Op)
	assert.NotEmpty(t, entries[1].RequestID)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, 1024)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, _ := json.Marshal(protocol.NameRequest{Name: "docs"})
	post, err := http.Post(ts.URL+folderURL(models.RootID), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusCreated, post.StatusCode)

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, events.EventCreate, eventLine)

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, "docs", ev.Path)
	assert.Equal(t, vfs.EncodeFolderID("docs"), ev.ID)
	assert.Equal(t, string(models.TypeFolder), ev.Kind)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{vfs.ErrNotFound, http.StatusNotFound},
		{vfs.ErrInvalidIdentifier, http.StatusNotFound},
		{vfs.ErrInvalidInput, http.StatusBadRequest},
		{vfs.ErrRootProtected, http.StatusBadRequest},
		{vfs.ErrConflict, http.StatusBadRequest},
		{vfs.ErrNotEmpty, http.StatusBadRequest},
		{vfs.ErrIO, http.StatusInternalServerError},
		{vfs.ErrDirectoryUnreadable, http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
