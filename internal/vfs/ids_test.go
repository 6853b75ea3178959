package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idTestPaths = []string{
	"docs",
	"docs/report",
	"a b/c d",
	"a__b/c",
	"a-b",
	"a/b",
	"a%2Fb",
	"a%252Fb",
	"100%",
	"a+b&c=d;e,f",
	"ünï/çødé",
	"日本語/ファイル",
	"deep/er/and/deeper/still",
	"with.dot/.hidden",
	"trailing space ",
	"semi;colon?question#hash",
}

func TestFolderID_RoundTrip(t *testing.T) {
	for _, p := range idTestPaths {
		id := EncodeFolderID(p)
		got, err := DecodeFolderID(id)
		if assert.NoError(t, err, "decode %q for path %q", id, p) {
			assert.Equal(t, p, got, "round trip through %q", id)
		}
	}
}

func TestFolderID_Root(t *testing.T) {
	assert.Equal(t, "root", EncodeFolderID(""))
	p, err := DecodeFolderID("root")
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestFolderID_Unique(t *testing.T) {
	seen := make(map[string]string)
	for _, p := range idTestPaths {
		id := EncodeFolderID(p)
		if prev, ok := seen[id]; ok {
			t.Errorf("paths %q and %q share folder id %q", prev, p, id)
		}
		seen[id] = p
	}
}

func TestFolderID_EscapesSeparatorAndPercent(t *testing.T) {
	assert.Equal(t, "folder-a%2Fb", EncodeFolderID("a/b"))
	assert.Equal(t, "folder-a%252Fb", EncodeFolderID("a%2Fb"))
}

func TestDecodeFolderID_Invalid(t *testing.T) {
	for _, id := range []string{
		"",
		"folder-",
		"docs",
		"file-docs-0000000000000000",
		"folder-%zz",
		"folder-..",
		"folder-a%2F..%2Fb",
		"folder-a%2F%2Fb",
		"folder-%2Fa",
		"folder-a%2F",
		"folder-a/b",
		"folder-%61",
	} {
		_, err := DecodeFolderID(id)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, id)
		assert.ErrorIs(t, err, ErrNotFound, "%s decodes as not found", id)
	}
}

func TestFileID(t *testing.T) {
	seen := make(map[string]string)
	paths := append([]string{"a/b.txt", "a-b.txt", "a/b-txt", "a b.txt", "a_b.txt"}, idTestPaths...)
	for _, p := range paths {
		id := EncodeFileID(p)
		assert.Regexp(t, `^file-[A-Za-z0-9-]+-[0-9a-f]{16}$`, id, "file id for %q", p)
		if prev, ok := seen[id]; ok {
			t.Errorf("paths %q and %q share file id %q", prev, p, id)
		}
		seen[id] = p
		assert.Equal(t, id, EncodeFileID(p), "deterministic for %q", p)
	}
}

func TestIDShapes(t *testing.T) {
	assert.True(t, IsFolderID("root"))
	assert.True(t, IsFolderID(EncodeFolderID("x")))
	assert.False(t, IsFolderID(EncodeFileID("x")))
	assert.True(t, IsFileID(EncodeFileID("x")))
	assert.False(t, IsFileID("root"))
}
