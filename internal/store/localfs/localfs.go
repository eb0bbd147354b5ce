// Package localfs implements the local-filesystem storage backend (spec
// §4.3.c, supplemented): temp bytes are assembled the same way the GridFS
// backend assembles them, then finalized into a content-addressed blob
// store rooted on disk instead of a GridFS bucket — adapted from the
// teacher's CAS blob layout so two uploads with byte-identical content
// (not the same (deviceId, measurementId, fileType), which invariant S1
// already forbids — genuinely identical bytes from two different
// measurements) share one copy on disk.
package localfs

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/metastore"
	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/store/shared"
	"github.com/cyface-de/ingest-storage/internal/tempfile"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

// Service is the store.Service implementation backed by a local blob CAS.
type Service struct {
	blobs        *store.CAS
	meta         *metastore.Store
	tempDir      string
	payloadLimit int64
	logger       zerolog.Logger
}

// New roots a blob CAS under storageRoot and stages chunk bytes under
// tempDir before finalize, sharing the Mongo-backed metastore with the
// other backends for the S1 dedup index.
func New(storageRoot, tempDir string, meta *metastore.Store, payloadLimit int64, logger zerolog.Logger) (*Service, error) {
	blobs, err := store.NewCAS(storageRoot)
	if err != nil {
		return nil, fmt.Errorf("localfs: %w", err)
	}
	return &Service{blobs: blobs, meta: meta, tempDir: tempDir, payloadLimit: payloadLimit, logger: logger}, nil
}

var _ store.Service = (*Service)(nil)

func (s *Service) Store(ctx context.Context, source io.Reader, from, to, total int64, sess *upload.Session) (store.Status, error) {
	newSize, complete, err := shared.AppendChunk(s.tempDir, sess.Identifier, from, to, total, s.payloadLimit, source)
	if err != nil {
		return store.Status{}, err
	}
	if !complete {
		return store.Status{Type: store.StatusIncomplete, UploadIdentifier: sess.Identifier, ByteSize: newSize}, nil
	}
	if err := s.finalize(ctx, sess, newSize); err != nil {
		return store.Status{}, err
	}
	return store.Status{Type: store.StatusComplete, UploadIdentifier: sess.Identifier, ByteSize: newSize}, nil
}

func (s *Service) finalize(ctx context.Context, sess *upload.Session, size int64) error {
	f, err := tempfile.Open(s.tempDir, sess.Identifier)
	if err != nil {
		return err
	}
	defer f.Close()

	result, err := s.blobs.Put(f)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindIO, err)
	}

	doc := metastore.FromRequestMetaData(sess.MetaData, sess.FileType, sess.Principal.UserID)
	doc.CompletedAt = time.Now().UTC()
	doc.Backend = "local"
	doc.ObjectHandle = result.BlobPath
	doc.ByteSize = size

	if err := s.meta.Insert(ctx, doc); err != nil {
		// Unlike the cloud-backed backends, a CAS blob orphaned by a lost
		// dedup race is never deleted: another StoredMetadata row may
		// still be pointing at the same content hash.
		return err
	}
	return tempfile.Remove(s.tempDir, sess.Identifier)
}

func (s *Service) BytesUploaded(ctx context.Context, uploadIdentifier string) (int64, error) {
	return tempfile.Size(s.tempDir, uploadIdentifier)
}

func (s *Service) IsStored(ctx context.Context, deviceID, measurementID, fileType string) (bool, error) {
	return s.meta.IsStored(ctx, deviceID, measurementID, fileType)
}

func (s *Service) Clean(uploadIdentifier string) error {
	return tempfile.Remove(s.tempDir, uploadIdentifier)
}

func (s *Service) StartPeriodicCleaning(ctx context.Context, interval time.Duration, cleanupOp func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cleanupOp()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// FreeBytes reports bytes available on the filesystem holding path,
// adapted from the teacher's disk-space readiness check.
func FreeBytes(path string) uint64 {
	avail, _ := store.DiskStats(path)
	return avail
}
