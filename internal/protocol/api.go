// Package protocol defines the API request/response types.
package protocol

import (
	"github.com/fruitsalade/filemanager/internal/activity"
	"github.com/fruitsalade/filemanager/internal/models"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	// Kind is the error class: not_found, invalid_input, conflict, not_empty or io.
	Kind string `json:"kind,omitempty"`
}

// NameRequest is the body for POST/PATCH /api/folders/{id} and PATCH /api/files/{id}.
type NameRequest struct {
	Name string `json:"name"`
}

// SuccessResponse is returned by DELETE endpoints.
type SuccessResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

// FolderResponse is returned by GET, POST and PATCH /api/folders/{id}.
type FolderResponse struct {
	Success bool         `json:"success"`
	Folder  *models.Node `json:"folder"`
}

// FileResponse is returned by POST and PATCH /api/files/{id}.
type FileResponse struct {
	Success bool         `json:"success"`
	File    *models.Node `json:"file"`
	// Renamed is set when an upload was stored under a numbered name.
	Renamed bool `json:"renamed,omitempty"`
}

// BreadcrumbsResponse is returned by GET /api/folders/{id}/breadcrumbs
type BreadcrumbsResponse struct {
	Success     bool           `json:"success"`
	Breadcrumbs []models.Crumb `json:"breadcrumbs"`
}

// TreeResponse is returned by GET /api/tree
type TreeResponse struct {
	Success bool         `json:"success"`
	Root    *models.Node `json:"root"`
}

// FilesResponse is returned by GET /api/recent
type FilesResponse struct {
	Success bool           `json:"success"`
	Files   []*models.Node `json:"files"`
}

// ActivityResponse is returned by GET /api/activity
type ActivityResponse struct {
	Success bool             `json:"success"`
	Entries []activity.Entry `json:"entries"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}
