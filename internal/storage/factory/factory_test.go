package factory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfig_Local(t *testing.T) {
	root := filepath.Join(t.TempDir(), "public")
	raw, err := json.Marshal(map[string]any{"root_path": root, "create_dirs": true})
	require.NoError(t, err)

	fs, err := NewFromConfig(context.Background(), "local", raw)
	require.NoError(t, err)
	defer fs.Close()

	assert.Equal(t, "local", fs.Type())
	ok, err := fs.Exists(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewFromConfig_Errors(t *testing.T) {
	_, err := NewFromConfig(context.Background(), "smb", json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "unknown backend type")

	_, err = NewFromConfig(context.Background(), "local", json.RawMessage(`{not json`))
	assert.Error(t, err)

	_, err = NewFromConfig(context.Background(), "s3", json.RawMessage(`{"endpoint":"localhost:1"}`))
	assert.ErrorContains(t, err, "bucket is required")
}
