package store

import (
	"context"
	"io"
	"time"

	"github.com/cyface-de/ingest-storage/internal/upload"
)

// StatusType distinguishes whether a Service.Store call completed the upload.
type StatusType int

const (
	StatusIncomplete StatusType = iota
	StatusComplete
)

// Status is returned by Service.Store (spec §4.3).
type Status struct {
	Type             StatusType
	UploadIdentifier string
	ByteSize         int64
}

// Service is the pluggable storage-backend contract (spec §4.3) that
// finalizes a completed upload into a content-addressed StoredObject plus
// a StoredMetadata record. It owns the chunk-assembly/dedup/finalize
// semantics the measurement domain needs on top of raw byte storage.
type Service interface {
	// Store appends the bytes read from source — already known to start at
	// offset `from` — to the scratch region for sess.Identifier. If the
	// resulting length equals total, it finalizes the upload: writes the
	// StoredObject and its StoredMetadata, then deletes sess's temp bytes.
	Store(ctx context.Context, source io.Reader, from, to, total int64, sess *upload.Session) (Status, error)

	// BytesUploaded reports the number of bytes durably appended so far
	// for uploadIdentifier.
	BytesUploaded(ctx context.Context, uploadIdentifier string) (int64, error)

	// IsStored reports whether a StoredObject already exists for
	// (deviceId, measurementId, fileType) — the pre-request and STATUS
	// dedup check (spec §4.1, invariant S1).
	IsStored(ctx context.Context, deviceID, measurementID, fileType string) (bool, error)

	// Clean deletes any temp bytes held for uploadIdentifier. Idempotent.
	Clean(uploadIdentifier string) error

	// StartPeriodicCleaning schedules cleanupOp to run every interval until
	// ctx is cancelled (spec §4.3, §4.5).
	StartPeriodicCleaning(ctx context.Context, interval time.Duration, cleanupOp func())
}
