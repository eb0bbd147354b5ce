// Package cloudblob implements the cloud object-store backend (spec
// §4.3.b): chunks are relayed straight into a cloud resumable-upload
// session through a fixed-size buffer, bypassing the local temp-file step
// the GridFS backend uses.
package cloudblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/metastore"
	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

// Service is the cloud-blob-backed store.Service implementation.
type Service struct {
	client       *storage.Client
	bucket       string
	meta         *metastore.Store
	bufferSize   int64
	payloadLimit int64
	logger       zerolog.Logger

	active sync.Map // map[string]*session, keyed by upload identifier
}

// New wraps a storage client pointed at bucket, the shared metadata store,
// and the relay buffer/payload sizes configured for the backend.
func New(client *storage.Client, bucket string, meta *metastore.Store, bufferSize, payloadLimit int64, logger zerolog.Logger) *Service {
	return &Service{client: client, bucket: bucket, meta: meta, bufferSize: bufferSize, payloadLimit: payloadLimit, logger: logger}
}

var _ store.Service = (*Service)(nil)

// session tracks one in-flight resumable upload's cloud writer and the
// bytes it has accepted so far. It outlives any single HTTP request's
// context — the writer stays open across chunk PUTs until finalize or
// abandonment closes it.
type session struct {
	mu      sync.Mutex
	writer  *storage.Writer
	cancel  context.CancelFunc
	written int64
}

func objectName(sess *upload.Session) string {
	return fmt.Sprintf("%s_%s_%s", sess.MetaData.DeviceID, sess.MetaData.MeasurementID, sess.FileType)
}

func (s *Service) sessionFor(sess *upload.Session) *session {
	v, loaded := s.active.LoadOrStore(sess.Identifier, &session{})
	sn := v.(*session)
	if loaded {
		return sn
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := s.client.Bucket(s.bucket).Object(objectName(sess)).NewWriter(ctx)
	w.Metadata = map[string]string{
		"deviceId":      sess.MetaData.DeviceID,
		"measurementId": sess.MetaData.MeasurementID,
		"fileType":      sess.FileType,
		"userId":        sess.Principal.UserID,
		"osVersion":     sess.MetaData.OSVersion,
		"modality":      sess.MetaData.Modality,
	}
	sn.writer = w
	sn.cancel = cancel
	return sn
}

// Store implements store.Service.Store (spec §4.3, §4.3.b).
func (s *Service) Store(ctx context.Context, source io.Reader, from, to, total int64, sess *upload.Session) (store.Status, error) {
	sn := s.sessionFor(sess)

	sn.mu.Lock()
	defer sn.mu.Unlock()

	if sn.written != from {
		return store.Status{}, &ingesterr.Error{
			Kind: ingesterr.KindOffsetMismatch,
			Msg:  fmt.Sprintf("expected from=%d, cloud session has accepted %d bytes", from, sn.written),
		}
	}

	n, err := relay(sn.writer, io.LimitReader(source, s.payloadLimit-(to-from)+1), s.bufferSize)
	if err != nil {
		sn.cancel()
		s.active.Delete(sess.Identifier)
		return store.Status{}, err
	}
	sn.written += n

	if sn.written-1 != to {
		sn.cancel()
		s.active.Delete(sess.Identifier)
		return store.Status{}, ingesterr.New(ingesterr.KindContentRangeMismatch,
			"cloud session byte count does not match the declared chunk end")
	}

	if sn.written != total {
		return store.Status{Type: store.StatusIncomplete, UploadIdentifier: sess.Identifier, ByteSize: sn.written}, nil
	}

	return s.finalize(ctx, sess, sn)
}

// relay copies source into w in bufferSize-sized pieces, retrying each
// piece with bounded backoff so one transient network blip does not fail
// the whole chunk (spec §4.3.b: "fixed-size buffers... pushes them to the
// cloud API's resumable session").
func relay(w io.Writer, source io.Reader, bufferSize int64) (int64, error) {
	buf := make([]byte, bufferSize)
	var total int64
	for {
		n, rerr := io.ReadFull(source, buf)
		if n > 0 {
			piece := buf[:n]
			werr := backoff.Retry(func() error {
				_, err := w.Write(piece)
				return err
			}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
			if werr != nil {
				return total, ingesterr.Wrap(ingesterr.KindIO, werr)
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if rerr != nil {
			return total, ingesterr.Wrap(ingesterr.KindIO, rerr)
		}
	}
}

// finalize closes the cloud writer (committing the object) and inserts
// the StoredMetadata document, under the same uniqueness guarantee the
// GridFS backend relies on (spec §4.3.b).
func (s *Service) finalize(ctx context.Context, sess *upload.Session, sn *session) (store.Status, error) {
	if err := sn.writer.Close(); err != nil {
		s.active.Delete(sess.Identifier)
		return store.Status{}, ingesterr.Wrap(ingesterr.KindIO, err)
	}

	doc := metastore.FromRequestMetaData(sess.MetaData, sess.FileType, sess.Principal.UserID)
	doc.CompletedAt = time.Now().UTC()
	doc.Backend = "google"
	doc.ObjectHandle = objectName(sess)
	doc.ByteSize = sn.written

	if err := s.meta.Insert(ctx, doc); err != nil {
		if ingesterr.Is(err, ingesterr.KindUniqueKeyViolation) {
			s.deleteOrphan(ctx, sess)
		}
		s.active.Delete(sess.Identifier)
		return store.Status{}, err
	}

	s.active.Delete(sess.Identifier)
	return store.Status{Type: store.StatusComplete, UploadIdentifier: sess.Identifier, ByteSize: sn.written}, nil
}

func (s *Service) deleteOrphan(ctx context.Context, sess *upload.Session) {
	if err := s.client.Bucket(s.bucket).Object(objectName(sess)).Delete(ctx); err != nil {
		s.logger.Warn().Err(err).Str("object", objectName(sess)).Msg("failed to delete orphaned cloud object after duplicate-key loss")
	}
}

// BytesUploaded implements store.Service.BytesUploaded. An identifier with
// no active session has accepted zero bytes (spec §4.1 STATUS on an
// OPEN_EMPTY session).
func (s *Service) BytesUploaded(ctx context.Context, uploadIdentifier string) (int64, error) {
	v, ok := s.active.Load(uploadIdentifier)
	if !ok {
		return 0, nil
	}
	sn := v.(*session)
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.written, nil
}

// IsStored implements store.Service.IsStored.
func (s *Service) IsStored(ctx context.Context, deviceID, measurementID, fileType string) (bool, error) {
	return s.meta.IsStored(ctx, deviceID, measurementID, fileType)
}

// Clean implements store.Service.Clean: aborts and discards any open
// resumable session for uploadIdentifier. Idempotent.
func (s *Service) Clean(uploadIdentifier string) error {
	v, ok := s.active.LoadAndDelete(uploadIdentifier)
	if !ok {
		return nil
	}
	sn := v.(*session)
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if err := sn.writer.CloseWithError(errors.New("upload abandoned")); err != nil {
		return ingesterr.Wrap(ingesterr.KindIO, err)
	}
	sn.cancel()
	return nil
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
