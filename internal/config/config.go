// Package config loads the server's runtime configuration with three-tier
// precedence — built-in defaults, then an optional YAML file, then
// command-line flags — the same layering Auriora-OneMount's config loader
// uses (defaults → file → explicit overrides win).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime-tunable option recognized by the server
// (spec §6 "Configuration").
type Config struct {
	Port         string `yaml:"port"`
	HTTPEndpoint string `yaml:"httpEndpoint"`
	ServiceToken string `yaml:"serviceToken"`
	LogLevel     string `yaml:"logLevel"`

	MeasurementPayloadLimit int64 `yaml:"measurementPayloadLimit"`
	UploadExpirationMillis  int64 `yaml:"uploadExpirationTime"`
	UploadFolder            string `yaml:"uploadFolder"`
	SessionDBPath           string `yaml:"sessionDbPath"`

	MongoURI        string `yaml:"mongoDb"`
	MongoDatabase   string `yaml:"mongoDatabase"`
	MetadataCollection string `yaml:"metadataCollection"`

	StorageType string `yaml:"storageType"` // "gridfs" | "google" | "local"

	// Cloud (google) backend parameters.
	CloudBucket      string `yaml:"cloudBucket"`
	CloudProject     string `yaml:"cloudProject"`
	CloudCredentials string `yaml:"cloudCredentials"` // path to a service-account JSON key, empty = ambient credentials
	CloudBufferSize  int64  `yaml:"cloudBufferSize"`

	// Local-filesystem backend parameters.
	LocalStoragePath string `yaml:"localStoragePath"`

	MaxConcurrentUploads int `yaml:"maxConcurrentUploads"`
	MinFreeBytes         int64 `yaml:"minFreeBytes"`

	JanitorInterval time.Duration `yaml:"-"`
}

func defaults() Config {
	return Config{
		Port:                    "5000",
		HTTPEndpoint:            "/api/v3",
		LogLevel:                "info",
		MeasurementPayloadLimit: 100 << 20, // 100 MiB
		UploadExpirationMillis:  int64((24 * time.Hour) / time.Millisecond),
		UploadFolder:            "/data/uploads",
		SessionDBPath:           "/data/sessions.db",
		MongoURI:                "mongodb://localhost:27017",
		MongoDatabase:           "cyface",
		MetadataCollection:      "measurements",
		StorageType:             "gridfs",
		CloudBufferSize:         4 << 20, // 4 MiB
		LocalStoragePath:        "/data/files",
		MaxConcurrentUploads:    256,
		MinFreeBytes:            1 << 30, // 1 GiB
		JanitorInterval:         1 * time.Hour,
	}
}

// Load builds the effective Config from defaults, an optional YAML file at
// configPath (skipped silently if absent — a fresh install has no file
// yet), and finally args parsed as pflag command-line flags, which take
// precedence over the file.
func Load(configPath string, args []string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
			}
		case os.IsNotExist(err):
			// No config file yet — defaults (and flags) stand alone.
		default:
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	if err := applyFlags(&cfg, args); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFlags(cfg *Config, args []string) error {
	fs := pflag.NewFlagSet("ingest-storage", pflag.ContinueOnError)

	fs.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	fs.StringVar(&cfg.HTTPEndpoint, "http-endpoint", cfg.HTTPEndpoint, "base path the upload routes are mounted under")
	fs.StringVar(&cfg.ServiceToken, "service-token", cfg.ServiceToken, "shared secret required in X-Service-Token; empty disables the check")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level (trace|debug|info|warn|error)")
	fs.Int64Var(&cfg.MeasurementPayloadLimit, "measurement-payload-limit", cfg.MeasurementPayloadLimit, "max bytes accepted per chunk PUT")
	fs.Int64Var(&cfg.UploadExpirationMillis, "upload-expiration-time", cfg.UploadExpirationMillis, "janitor expiry, in milliseconds")
	fs.StringVar(&cfg.UploadFolder, "upload-folder", cfg.UploadFolder, "flat directory holding temp chunk files")
	fs.StringVar(&cfg.SessionDBPath, "session-db-path", cfg.SessionDBPath, "bbolt file backing the session registry")
	fs.StringVar(&cfg.MongoURI, "mongo-db", cfg.MongoURI, "mongo connection URI")
	fs.StringVar(&cfg.MongoDatabase, "mongo-database", cfg.MongoDatabase, "mongo database name")
	fs.StringVar(&cfg.MetadataCollection, "metadata-collection", cfg.MetadataCollection, "mongo collection holding StoredMetadata documents")
	fs.StringVar(&cfg.StorageType, "storage-type", cfg.StorageType, "gridfs | google | local")
	fs.StringVar(&cfg.CloudBucket, "cloud-bucket", cfg.CloudBucket, "cloud blob bucket name (storageType=google)")
	fs.StringVar(&cfg.CloudProject, "cloud-project", cfg.CloudProject, "cloud project id (storageType=google)")
	fs.StringVar(&cfg.CloudCredentials, "cloud-credentials", cfg.CloudCredentials, "path to a service-account key file (storageType=google)")
	fs.Int64Var(&cfg.CloudBufferSize, "cloud-buffer-size", cfg.CloudBufferSize, "relay buffer size in bytes (storageType=google)")
	fs.StringVar(&cfg.LocalStoragePath, "local-storage-path", cfg.LocalStoragePath, "root directory for finalized objects (storageType=local)")
	fs.IntVar(&cfg.MaxConcurrentUploads, "max-concurrent-uploads", cfg.MaxConcurrentUploads, "upload-limiter slot count")
	fs.Int64Var(&cfg.MinFreeBytes, "min-free-bytes", cfg.MinFreeBytes, "readiness probe disk-space floor")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "temp-file janitor sweep period")

	return fs.Parse(args)
}

func validate(cfg *Config) error {
	switch cfg.StorageType {
	case "gridfs", "google", "local":
	default:
		return fmt.Errorf("storageType must be one of gridfs|google|local, got %q", cfg.StorageType)
	}
	if cfg.StorageType == "google" && cfg.CloudBucket == "" {
		return fmt.Errorf("cloudBucket is required when storageType=google")
	}
	if cfg.MeasurementPayloadLimit <= 0 {
		return fmt.Errorf("measurementPayloadLimit must be positive")
	}
	if cfg.UploadExpirationMillis <= 0 {
		return fmt.Errorf("uploadExpirationTime must be positive")
	}
	return nil
}
