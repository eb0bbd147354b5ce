// Package gridfs implements the GridFS storage backend (spec §4.3.a):
// temp bytes are staged on local disk, then streamed into a GridFS bucket
// on finalize, with a unique compound index on the metadata collection
// enforcing invariant S1.
package gridfs

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/metastore"
	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/store/shared"
	"github.com/cyface-de/ingest-storage/internal/tempfile"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

// Service is the GridFS-backed store.Service implementation.
type Service struct {
	bucket       *gridfs.Bucket
	meta         *metastore.Store
	tempDir      string
	payloadLimit int64
	logger       zerolog.Logger
}

// New wraps an already-opened GridFS bucket and metadata store. tempDir is
// the flat upload folder spec §6 describes; payloadLimit is
// measurementPayloadLimit.
func New(bucket *gridfs.Bucket, meta *metastore.Store, tempDir string, payloadLimit int64, logger zerolog.Logger) *Service {
	return &Service{bucket: bucket, meta: meta, tempDir: tempDir, payloadLimit: payloadLimit, logger: logger}
}

var _ store.Service = (*Service)(nil)

// Store implements store.Service.Store (spec §4.3, §4.3.a).
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

// finalize streams the temp file into the GridFS bucket, inserts the
// StoredMetadata document, and — only on success — deletes the temp file
// (spec §4.3.a steps 1-4).
func (s *Service) finalize(ctx context.Context, sess *upload.Session, size int64) error {
	f, err := tempfile.Open(s.tempDir, sess.Identifier)
	if err != nil {
		return err
	}
	defer f.Close()

	m := sess.MetaData
	fileMeta := bson.M{
		"deviceId":           m.DeviceID,
		"measurementId":      m.MeasurementID,
		"osVersion":          m.OSVersion,
		"deviceType":         m.DeviceType,
		"applicationVersion": m.ApplicationVersion,
		"length":             m.Length,
		"locationCount":      m.LocationCount,
		"startLocation":      m.StartLocation,
		"endLocation":        m.EndLocation,
		"modality":           m.Modality,
		"formatVersion":      m.FormatVersion,
		"fileType":           sess.FileType,
		"userId":             sess.Principal.UserID,
	}
	filename := sess.MetaData.DeviceID + "_" + sess.MetaData.MeasurementID + "_" + sess.FileType

	objectID, err := s.bucket.UploadFromStream(filename, f, options.GridFSUpload().SetMetadata(fileMeta))
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindIO, err)
	}

	doc := metastore.FromRequestMetaData(sess.MetaData, sess.FileType, sess.Principal.UserID)
	doc.CompletedAt = time.Now().UTC()
	doc.Backend = "gridfs"
	doc.ObjectHandle = objectID.Hex()
	doc.ByteSize = size

	if err := s.meta.Insert(ctx, doc); err != nil {
		// The GridFS object was already written; a duplicate-key loss in the
		// metadata collection means another racer committed first, so this
		// blob is an orphan — best-effort delete it rather than leaking it.
		if ingesterr.Is(err, ingesterr.KindUniqueKeyViolation) {
			s.deleteOrphan(ctx, objectID)
		}
		return err
	}

	return tempfile.Remove(s.tempDir, sess.Identifier)
}

func (s *Service) deleteOrphan(ctx context.Context, id primitive.ObjectID) {
	if err := s.bucket.Delete(id); err != nil {
		s.logger.Warn().Err(err).Str("objectId", id.Hex()).Msg("failed to delete orphaned GridFS object after duplicate-key loss")
	}
}

// BytesUploaded implements store.Service.BytesUploaded.
func (s *Service) BytesUploaded(ctx context.Context, uploadIdentifier string) (int64, error) {
	return tempfile.Size(s.tempDir, uploadIdentifier)
}

// IsStored implements store.Service.IsStored.
func (s *Service) IsStored(ctx context.Context, deviceID, measurementID, fileType string) (bool, error) {
	return s.meta.IsStored(ctx, deviceID, measurementID, fileType)
}

// Clean implements store.Service.Clean.
func (s *Service) Clean(uploadIdentifier string) error {
	return tempfile.Remove(s.tempDir, uploadIdentifier)
}

// StartPeriodicCleaning implements store.Service.StartPeriodicCleaning.
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
