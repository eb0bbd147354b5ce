package store_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyface-de/ingest-storage/internal/store"
)

func TestCAS_PutNewBlobThenDedupHit(t *testing.T) {
	cas, err := store.NewCAS(t.TempDir())
	require.NoError(t, err)

	content := "identical sensor payload bytes"

	first, err := cas.Put(strings.NewReader(content))
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := cas.Put(strings.NewReader(content))
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, first.BlobPath, second.BlobPath)
}

func TestCAS_DifferentContentDifferentBlob(t *testing.T) {
	cas, err := store.NewCAS(t.TempDir())
	require.NoError(t, err)

	a, err := cas.Put(strings.NewReader("trace-a"))
	require.NoError(t, err)
	b, err := cas.Put(strings.NewReader("trace-b"))
	require.NoError(t, err)

	assert.NotEqual(t, a.SHA256, b.SHA256)
	assert.True(t, a.IsNew)
	assert.True(t, b.IsNew)
}

func TestCAS_Exists(t *testing.T) {
	cas, err := store.NewCAS(t.TempDir())
	require.NoError(t, err)

	result, err := cas.Put(strings.NewReader("some bytes"))
	require.NoError(t, err)

	assert.True(t, cas.Exists(result.SHA256))
	assert.False(t, cas.Exists(strings.Repeat("0", 64)))
	assert.False(t, cas.Exists("not-a-valid-hash"))
}
