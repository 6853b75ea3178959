// Package api provides the HTTP server and handlers for the file manager.
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/activity"
	"github.com/fruitsalade/filemanager/internal/events"
	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/protocol"
	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/vfs"
)

const (
	// maxJSONBody caps {name} request bodies.
	maxJSONBody = 64 << 10
	// multipartOverhead is allowed on top of MaxUploadSize for form framing.
	multipartOverhead = 1 << 20
	// multipartMemory is how much of a form is kept in memory before spooling.
	multipartMemory = 8 << 20
)

// Config wires a Server to the rest of the application.
type Config struct {
	FS          storage.FileSystem
	Lookup      *vfs.Lookup
	Manager     *vfs.Manager
	Broadcaster *events.Broadcaster // optional
	Activity    *activity.Recorder  // optional

	MaxUploadSize int64
	RecentLimit   int
}

// Server is the file manager HTTP server.
type Server struct {
	fs            storage.FileSystem
	lookup        *vfs.Lookup
	manager       *vfs.Manager
	broadcaster   *events.Broadcaster
	activity      *activity.Recorder
	maxUploadSize int64
	recentLimit   int
}

// NewServer creates a new server.
func NewServer(cfg Config) *Server {
	s := &Server{
		fs:            cfg.FS,
		lookup:        cfg.Lookup,
		manager:       cfg.Manager,
		broadcaster:   cfg.Broadcaster,
		activity:      cfg.Activity,
		maxUploadSize: cfg.MaxUploadSize,
		recentLimit:   cfg.RecentLimit,
	}
	if s.recentLimit <= 0 {
		s.recentLimit = 50
	}
	return s
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Read endpoints
	mux.HandleFunc("GET /api/tree", s.handleTree)
	mux.HandleFunc("GET /api/recent", s.handleRecent)
	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/folders/{id}", s.handleGetFolder)
	mux.HandleFunc("GET /api/folders/{id}/breadcrumbs", s.handleBreadcrumbs)
	mux.HandleFunc("GET /api/files/{id}/content", s.handleContent)

	// Folder mutations
	mux.HandleFunc("POST /api/folders/{id}", s.handleCreateFolder)
	mux.HandleFunc("PATCH /api/folders/{id}", s.handleRenameFolder)
	mux.HandleFunc("DELETE /api/folders/{id}", s.handleDeleteFolder)

	// File mutations
	mux.HandleFunc("POST /api/files/{id}", s.handleUpload)
	mux.HandleFunc("PATCH /api/files/{id}", s.handleRenameFile)
	mux.HandleFunc("DELETE /api/files/{id}", s.handleDeleteFile)

	// metrics sits inside logging so it sees the request the mux matched.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Backend: s.fs.Type()})
}

// ─── Reads ──────────────────────────────────────────────────────────────────

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	root, err := s.lookup.Tree(r.Context())
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	resp := protocol.TreeResponse{Success: true, Root: root}

	if acceptsGzip(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		json.NewEncoder(gw).Encode(resp)
		return
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, s.recentLimit)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error(), vfs.KindInvalidInput)
		return
	}
	files, err := s.lookup.RecentFiles(r.Context(), limit)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.FilesResponse{Success: true, Files: files})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, s.recentLimit)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error(), vfs.KindInvalidInput)
		return
	}
	entries := []activity.Entry{}
	if s.activity != nil {
		entries, err = s.activity.Recent(r.Context(), limit)
		if err != nil {
			logging.WithContext(r.Context()).Error("list activity failed", zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "failed to list activity", vfs.KindIO)
			return
		}
	}
	sendJSON(w, http.StatusOK, protocol.ActivityResponse{Success: true, Entries: entries})
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	folder, err := s.lookup.FindFolder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.FolderResponse{Success: true, Folder: folder})
}

func (s *Server) handleBreadcrumbs(w http.ResponseWriter, r *http.Request) {
	crumbs, err := s.lookup.Breadcrumbs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.BreadcrumbsResponse{Success: true, Breadcrumbs: crumbs})
}

// handleContent handles GET /api/files/{id}/content
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	item, err := s.lookup.FindItem(r.Context(), r.PathValue("id"))
	if err == nil && !item.Node.IsFile() {
		err = fmt.Errorf("%q is a folder: %w", item.Node.Path, vfs.ErrNotFound)
	}
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}

	rc, err := s.fs.Open(r.Context(), item.Node.Path)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(path.Ext(item.Node.Name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": item.Node.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	metrics.RecordDownload(n)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content copy interrupted",
			zap.String("path", item.Node.Path), zap.Int64("bytes", n), zap.Error(err))
	}
}

// ─── Folder mutations ───────────────────────────────────────────────────────

// handleCreateFolder handles POST /api/folders/{id} with body {name}.
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeName(w, r)
	if !ok {
		return
	}
	folder, err := s.manager.CreateFolder(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, protocol.FolderResponse{Success: true, Folder: folder})
}

// handleRenameFolder handles PATCH /api/folders/{id} with body {name}.
func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeName(w, r)
	if !ok {
		return
	}
	folder, err := s.manager.RenameFolder(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.FolderResponse{Success: true, Folder: folder})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.DeleteFolder(r.Context(), id); err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true, ID: id})
}

// ─── File mutations ─────────────────────────────────────────────────────────

// handleUpload handles POST /api/files/{parentId} with multipart fields
// "file" and an optional "name" overriding the uploaded file name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadSize+multipartOverhead {
		s.sendTooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendTooLarge(w)
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error(), vfs.KindInvalidInput)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "no file uploaded", vfs.KindInvalidInput)
		return
	}
	defer file.Close()

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = header.Filename
	}

	node, err := s.manager.CreateFile(r.Context(), r.PathValue("id"), name, file, s.maxUploadSize)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	requested, _ := vfs.SanitizeName(name)
	sendJSON(w, http.StatusCreated, protocol.FileResponse{
		Success: true,
		File:    node,
		Renamed: requested != node.Name,
	})
}

// handleRenameFile handles PATCH /api/files/{id} with body {name}.
func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeName(w, r)
	if !ok {
		return
	}
	file, err := s.manager.RenameFile(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.FileResponse{Success: true, File: file})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.DeleteFile(r.Context(), id); err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true, ID: id})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusNotFound, "events are disabled", vfs.KindNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported", vfs.KindIO)
		return
	}

	// Subscribe before the headers go out: a client that has seen the
	// response must not miss a change made right after.
	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.C:
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) decodeName(w http.ResponseWriter, r *http.Request) (protocol.NameRequest, bool) {
	var req protocol.NameRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body", vfs.KindInvalidInput)
		return req, false
	}
	return req, true
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	if n == 0 {
		return fallback, nil
	}
	return n, nil
}

// statusFor maps an error onto an HTTP status. Conflict and NotEmpty are
// reported as 400, matching what the browser client expects.
func statusFor(err error) int {
	if errors.Is(err, storage.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch vfs.Classify(err) {
	case vfs.KindNotFound:
		return http.StatusNotFound
	case vfs.KindInvalidInput, vfs.KindConflict, vfs.KindNotEmpty:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendVFSError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	kind := vfs.Classify(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
		if errors.Is(err, vfs.ErrDirectoryUnreadable) {
			msg = "folder tree unavailable"
		}
	}
	s.sendError(w, code, msg, kind)
}

func (s *Server) sendTooLarge(w http.ResponseWriter) {
	s.sendError(w, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize), vfs.KindInvalidInput)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string, kind vfs.Kind) {
	sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
		Kind:  kind.String(),
	})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}
