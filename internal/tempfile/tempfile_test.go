package tempfile_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/tempfile"
)

func TestAppendAt_SequentialChunks(t *testing.T) {
	dir := t.TempDir()
	id := uuid.NewString()

	r1, err := tempfile.AppendAt(dir, id, 0, 100, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), r1.NewSize)

	r2, err := tempfile.AppendAt(dir, id, 5, 100, strings.NewReader(" world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), r2.NewSize)

	f, err := tempfile.Open(dir, id)
	require.NoError(t, err)
	defer f.Close()
}

func TestAppendAt_OffsetMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	id := uuid.NewString()

	_, err := tempfile.AppendAt(dir, id, 0, 100, strings.NewReader("hello"))
	require.NoError(t, err)

	_, err = tempfile.AppendAt(dir, id, 10, 100, strings.NewReader("oops"))
	require.Error(t, err)
	assert.True(t, ingesterr.Is(err, ingesterr.KindOffsetMismatch))

	size, err := tempfile.Size(dir, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size, "file must not grow from a rejected out-of-order chunk")
}

func TestAppendAt_PayloadTooLarge(t *testing.T) {
	dir := t.TempDir()
	id := uuid.NewString()

	_, err := tempfile.AppendAt(dir, id, 0, 3, strings.NewReader("toolong"))
	require.Error(t, err)
	assert.True(t, ingesterr.Is(err, ingesterr.KindPayloadTooLarge))
}

func TestAppendAt_ConcurrentSameOffsetOnlyOneWins(t *testing.T) {
	dir := t.TempDir()
	id := uuid.NewString()

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := tempfile.AppendAt(dir, id, 0, 100, strings.NewReader("racer"))
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one of two same-offset racers must succeed")
}

func TestSize_MissingFileIsZero(t *testing.T) {
	dir := t.TempDir()
	size, err := tempfile.Size(dir, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestRemove_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, tempfile.Remove(dir, "ghost"))
}
