package cleanup_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyface-de/ingest-storage/internal/cleanup"
	"github.com/cyface-de/ingest-storage/internal/metadata"
	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

type fakeBackend struct {
	cleaned map[string]bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{cleaned: map[string]bool{}} }

func (f *fakeBackend) Store(context.Context, io.Reader, int64, int64, int64, *upload.Session) (store.Status, error) {
	return store.Status{}, nil
}
func (f *fakeBackend) BytesUploaded(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeBackend) IsStored(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (f *fakeBackend) Clean(uploadIdentifier string) error {
	f.cleaned[uploadIdentifier] = true
	return nil
}
func (f *fakeBackend) StartPeriodicCleaning(context.Context, time.Duration, func()) {}

func newTestStore(t *testing.T) *upload.Store {
	t.Helper()
	s, err := upload.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSweep_RemovesExpiredSession(t *testing.T) {
	sessions := newTestStore(t)
	backend := newFakeBackend()

	sess, err := sessions.Create(metadata.FileTypeMeasurement, metadata.RequestMetaData{}, upload.Principal{}, "")
	require.NoError(t, err)

	cleanup.Sweep(sessions, backend, -1*time.Second, zerolog.Nop())

	_, ok := sessions.Get(sess.Identifier)
	assert.False(t, ok)
	assert.True(t, backend.cleaned[sess.Identifier])
}

func TestSweep_KeepsFreshSession(t *testing.T) {
	sessions := newTestStore(t)
	backend := newFakeBackend()

	sess, err := sessions.Create(metadata.FileTypeMeasurement, metadata.RequestMetaData{}, upload.Principal{}, "")
	require.NoError(t, err)

	cleanup.Sweep(sessions, backend, 1*time.Hour, zerolog.Nop())

	_, ok := sessions.Get(sess.Identifier)
	assert.True(t, ok)
	assert.False(t, backend.cleaned[sess.Identifier])
}

func TestSweep_NeverSweepsCommittingSession(t *testing.T) {
	sessions := newTestStore(t)
	backend := newFakeBackend()

	sess, err := sessions.Create(metadata.FileTypeMeasurement, metadata.RequestMetaData{}, upload.Principal{}, "")
	require.NoError(t, err)
	require.True(t, sess.BeginCommit())

	cleanup.Sweep(sessions, backend, -1*time.Second, zerolog.Nop())

	_, ok := sessions.Get(sess.Identifier)
	assert.True(t, ok, "a session mid-commit must survive the janitor sweep regardless of age")
}
