package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	mongogridfs "go.mongodb.org/mongo-driver/mongo/gridfs"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/api/option"

	"github.com/cyface-de/ingest-storage/internal/cleanup"
	"github.com/cyface-de/ingest-storage/internal/config"
	"github.com/cyface-de/ingest-storage/internal/handler"
	"github.com/cyface-de/ingest-storage/internal/metastore"
	"github.com/cyface-de/ingest-storage/internal/readiness"
	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/store/cloudblob"
	"github.com/cyface-de/ingest-storage/internal/store/gridfs"
	"github.com/cyface-de/ingest-storage/internal/store/localfs"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

func main() {
	cfg, err := config.Load(os.Getenv("INGEST_CONFIG"), os.Args[1:])
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("configuration error")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())

	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to mongo")
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		logger.Fatal().Err(err).Msg("mongo ping failed")
	}
	db := mongoClient.Database(cfg.MongoDatabase)

	meta := metastore.New(db, cfg.MetadataCollection)
	if err := meta.EnsureIndexes(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create metadata indexes")
	}

	backend, ready, err := buildBackend(ctx, cfg, db, meta, mongoClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage backend")
	}

	sessions, err := upload.NewStore(cfg.SessionDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session registry")
	}

	expiry := time.Duration(cfg.UploadExpirationMillis) * time.Millisecond
	cleanupDone := cleanup.RunPeriodic(ctx, sessions, backend, expiry, cfg.JanitorInterval, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler.New(cfg, sessions, backend, ready, logger),
		// ReadHeaderTimeout closes Slowloris: a client that never finishes
		// sending headers holds a goroutine until this fires.
		ReadHeaderTimeout: 10 * time.Second,
		// ReadTimeout/WriteTimeout are intentionally unlimited — a chunk of
		// measurementPayloadLimit bytes over a slow mobile link can take
		// minutes. The reverse proxy in front of this service is the right
		// layer to bound total connection lifetime.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("storageType", cfg.StorageType).
			Int("maxConcurrentUploads", cfg.MaxConcurrentUploads).
			Msg("ingest server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, shutdownSignals...)
	<-quit

	logger.Info().Msg("shutdown signal received — draining connections")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := sessions.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close session registry")
	}
	if err := mongoClient.Disconnect(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("failed to disconnect from mongo")
	}

	<-cleanupDone
	logger.Info().Msg("ingest server stopped")
}

// buildBackend constructs the configured store.Service and its matching
// readiness checker (spec §6 storageType ∈ {gridfs, google, local}).
func buildBackend(ctx context.Context, cfg *config.Config, db *mongo.Database, meta *metastore.Store, mongoClient *mongo.Client, logger zerolog.Logger) (store.Service, handler.ReadinessChecker, error) {
	switch cfg.StorageType {
	case "gridfs":
		bucket, err := mongogridfs.NewBucket(db)
		if err != nil {
			return nil, nil, err
		}
		svc := gridfs.New(bucket, meta, cfg.UploadFolder, cfg.MeasurementPayloadLimit, logger)
		return svc, readiness.Mongo(mongoClient), nil

	case "google":
		client, err := newCloudStorageClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		svc := cloudblob.New(client, cfg.CloudBucket, meta, cfg.CloudBufferSize, cfg.MeasurementPayloadLimit, logger)
		return svc, readiness.CloudBucket(client, cfg.CloudBucket), nil

	default: // "local"
		svc, err := localfs.New(cfg.LocalStoragePath, cfg.UploadFolder, meta, cfg.MeasurementPayloadLimit, logger)
		if err != nil {
			return nil, nil, err
		}
		return svc, readiness.LocalDisk(cfg.LocalStoragePath, cfg.MinFreeBytes), nil
	}
}

// newCloudStorageClient builds the GCS client used by the "google" backend.
// An empty CloudCredentials falls back to ambient application-default
// credentials (workload identity in cluster, gcloud auth locally).
func newCloudStorageClient(ctx context.Context, cfg *config.Config) (*storage.Client, error) {
	if cfg.CloudCredentials == "" {
		return storage.NewClient(ctx)
	}
	return storage.NewClient(ctx, option.WithCredentialsFile(cfg.CloudCredentials))
}
