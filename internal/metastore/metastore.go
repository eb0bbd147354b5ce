// Package metastore is the Mongo-backed metadata collection shared by all
// three storage backends (spec §4.3.a, §4.3.b): dedup lookups against already
// persisted measurements and the unique compound index that enforces
// invariant S1 — (deviceId, measurementId, fileType) is unique.
package metastore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/metadata"
)

// Identity is the (deviceId, measurementId, fileType) tuple invariant S1
// requires to be unique, embedded as a real nested subdocument so the
// "metadata.deviceId"-style index keys and queries below actually
// dot-path into it instead of matching a literal top-level field name.
type Identity struct {
	DeviceID      string `bson:"deviceId"`
	MeasurementID string `bson:"measurementId"`
	FileType      string `bson:"fileType"`
}

// StoredMetadata is the document written to the collection once a
// StoredObject is finalized (spec §3 Entity: StoredMetadata).
type StoredMetadata struct {
	Metadata           Identity  `bson:"metadata"`
	OSVersion          string    `bson:"osVersion"`
	DeviceType         string    `bson:"deviceType"`
	ApplicationVersion string    `bson:"applicationVersion"`
	Length             float64   `bson:"length"`
	LocationCount      int64     `bson:"locationCount"`
	Modality           string    `bson:"modality"`
	FormatVersion      int       `bson:"formatVersion"`
	UserID             string    `bson:"userId"`
	CompletedAt        time.Time `bson:"completedAt"`
	Backend            string    `bson:"backend"`     // "gridfs" | "google" | "local"
	ObjectHandle       string    `bson:"objectHandle"` // GridFS file id hex, cloud blob name, or local CAS blob path
	ByteSize           int64     `bson:"byteSize"`
}

// FromRequestMetaData builds the flat fields of StoredMetadata shared by
// all backends from the session's declared RequestMetaData.
func FromRequestMetaData(m metadata.RequestMetaData, fileType, userID string) StoredMetadata {
	return StoredMetadata{
		Metadata: Identity{
			DeviceID:      m.DeviceID,
			MeasurementID: m.MeasurementID,
			FileType:      fileType,
		},
		OSVersion:          m.OSVersion,
		DeviceType:         m.DeviceType,
		ApplicationVersion: m.ApplicationVersion,
		Length:             m.Length,
		LocationCount:      m.LocationCount,
		Modality:           m.Modality,
		FormatVersion:      m.FormatVersion,
		UserID:             userID,
	}
}

// Store wraps the Mongo collection holding one StoredMetadata document per
// StoredObject.
type Store struct {
	col *mongo.Collection
}

// New returns a Store over db.collectionName. Call EnsureIndexes once at
// startup — index creation is idempotent so repeated calls across restarts
// are safe (spec §4.3.a: "The index must be created at startup").
func New(db *mongo.Database, collectionName string) *Store {
	return &Store{col: db.Collection(collectionName)}
}

// EnsureIndexes creates the unique compound index enforcing S1 and the
// secondary index on userId (spec §6 "Persisted layout").
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "metadata.deviceId", Value: 1},
				{Key: "metadata.measurementId", Value: 1},
				{Key: "metadata.fileType", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_device_measurement_filetype"),
		},
		{
			Keys:    bson.D{{Key: "userId", Value: 1}},
			Options: options.Index().SetName("by_user"),
		},
	})
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindIO, err)
	}
	return nil
}

// IsStored reports whether a StoredObject already exists for
// (deviceId, measurementId, fileType). Per spec §4.3 it fails with
// KindDuplicatesInDatabase if more than one document unexpectedly matches
// — the unique index should make that impossible in steady state, but a
// pre-index write or a restore from backup could still produce it, and
// the operator must reconcile rather than have the server silently pick one.
func (s *Store) IsStored(ctx context.Context, deviceID, measurementID, fileType string) (bool, error) {
	count, err := s.col.CountDocuments(ctx, bson.D{
		{Key: "metadata.deviceId", Value: deviceID},
		{Key: "metadata.measurementId", Value: measurementID},
		{Key: "metadata.fileType", Value: fileType},
	})
	if err != nil {
		return false, ingesterr.Wrap(ingesterr.KindIO, err)
	}
	switch count {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ingesterr.New(ingesterr.KindDuplicatesInDatabase,
			"more than one StoredObject matches this (deviceId, measurementId, fileType)")
	}
}

// Insert writes doc, mapping a unique-index conflict to
// KindUniqueKeyViolation (spec §4.3.a step 3, §7).
func (s *Store) Insert(ctx context.Context, doc StoredMetadata) error {
	_, err := s.col.InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return ingesterr.New(ingesterr.KindUniqueKeyViolation,
			"a StoredObject for this (deviceId, measurementId, fileType) was already committed")
	}
	return ingesterr.Wrap(ingesterr.KindIO, err)
}
