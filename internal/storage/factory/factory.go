// Package factory constructs a storage.FileSystem by backend type.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/storage/local"
	s3backend "github.com/fruitsalade/filemanager/internal/storage/s3"
)

// NewFromConfig creates a FileSystem from a backend type string and JSON config.
func NewFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.FileSystem, error) {
	switch backendType {
	case "s3":
		return s3backend.NewFromJSON(ctx, config)
	case "local", "":
		return local.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
