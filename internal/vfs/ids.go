// Package vfs maps the public root onto an in-memory tree of identified
// nodes and performs the disk mutations behind the file manager.
//
// Folder ids are "folder-" followed by the url.PathEscape form of the
// relative path. PathEscape escapes both "/" and "%", so a name that
// itself contains "%2F" encodes to "%252F" and every path has exactly one
// id. File ids are lossy look-up keys: a sanitized path plus a 64-bit hash
// of the exact path.
package vfs

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/fruitsalade/filemanager/internal/models"
	"github.com/fruitsalade/filemanager/internal/storage"
)

const (
	folderPrefix = "folder-"
	filePrefix   = "file-"
)

// EncodeFolderID returns the id of the folder at relative path p.
func EncodeFolderID(p string) string {
	if p == "" {
		return models.RootID
	}
	return folderPrefix + url.PathEscape(p)
}

// DecodeFolderID is the inverse of EncodeFolderID. Only canonical ids of
// valid relative paths decode; anything else is ErrInvalidIdentifier.
func DecodeFolderID(id string) (string, error) {
	if id == models.RootID {
		return "", nil
	}
	rest, ok := strings.CutPrefix(id, folderPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("%q: %w", id, ErrInvalidIdentifier)
	}
	p, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("%q: %w", id, ErrInvalidIdentifier)
	}
	if clean, err := storage.Clean(p); err != nil || clean != p {
		return "", fmt.Errorf("%q: %w", id, ErrInvalidIdentifier)
	}
	if url.PathEscape(p) != rest {
		return "", fmt.Errorf("%q: not canonical: %w", id, ErrInvalidIdentifier)
	}
	return p, nil
}

// EncodeFileID returns the id of the file at relative path p.
func EncodeFileID(p string) string {
	return fmt.Sprintf("%s%s-%016x", filePrefix, sanitize(p), xxhash.Sum64String(p))
}

// IsFolderID reports whether id has the shape of a folder id.
func IsFolderID(id string) bool {
	return id == models.RootID || strings.HasPrefix(id, folderPrefix)
}

// IsFileID reports whether id has the shape of a file id.
func IsFileID(id string) bool {
	return strings.HasPrefix(id, filePrefix)
}

func sanitize(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
