// Package readiness implements the per-backend Kubernetes readiness probe
// (spec §4.3): a fast, side-effect-free check that the active storage
// backend can currently accept uploads.
package readiness

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cyface-de/ingest-storage/internal/store"
)

type mongoChecker struct{ client *mongo.Client }

// Mongo reports ready when the Mongo deployment backing GridFS/metastore
// answers a ping.
func Mongo(client *mongo.Client) *mongoChecker { return &mongoChecker{client: client} }

func (m *mongoChecker) Ready(ctx context.Context) (bool, string) {
	if err := m.client.Ping(ctx, nil); err != nil {
		return false, fmt.Sprintf("mongo ping failed: %v", err)
	}
	return true, "mongo reachable"
}

type cloudBucketChecker struct {
	client *storage.Client
	bucket string
}

// CloudBucket reports ready when the configured bucket's attributes can
// be fetched — a cheap call that also surfaces missing-bucket/permission
// misconfiguration at probe time rather than on the first upload.
func CloudBucket(client *storage.Client, bucket string) *cloudBucketChecker {
	return &cloudBucketChecker{client: client, bucket: bucket}
}

func (c *cloudBucketChecker) Ready(ctx context.Context) (bool, string) {
	if _, err := c.client.Bucket(c.bucket).Attrs(ctx); err != nil {
		return false, fmt.Sprintf("bucket %q unreachable: %v", c.bucket, err)
	}
	return true, "bucket reachable"
}

type localDiskChecker struct {
	path         string
	minFreeBytes int64
}

// LocalDisk reports ready when the local storage root has at least
// minFreeBytes available, generalizing the teacher's disk-space guard
// into a readiness probe instead of a write-time rejection.
func LocalDisk(path string, minFreeBytes int64) *localDiskChecker {
	return &localDiskChecker{path: path, minFreeBytes: minFreeBytes}
}

func (l *localDiskChecker) Ready(ctx context.Context) (bool, string) {
	avail, total := store.DiskStats(l.path)
	if total == 0 {
		return true, "disk stats unavailable on this platform"
	}
	if int64(avail) < l.minFreeBytes {
		return false, fmt.Sprintf("only %d bytes free, below minimum of %d", avail, l.minFreeBytes)
	}
	return true, fmt.Sprintf("%d bytes free", avail)
}
