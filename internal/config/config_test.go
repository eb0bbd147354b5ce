package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyface-de/ingest-storage/internal/config"
)

func TestLoad_DefaultsWithNoFileOrFlags(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, "gridfs", cfg.StorageType)
	assert.Equal(t, int64(100<<20), cfg.MeasurementPayloadLimit)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, "gridfs", cfg.StorageType)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\nstorageType: local\n"), 0o600))

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "local", cfg.StorageType)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\n"), 0o600))

	cfg, err := config.Load(path, []string{"--port", "9999"})
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
}

func TestLoad_RejectsUnknownStorageType(t *testing.T) {
	_, err := config.Load("", []string{"--storage-type", "s3"})
	assert.Error(t, err)
}

func TestLoad_RequiresCloudBucketForGoogleStorage(t *testing.T) {
	_, err := config.Load("", []string{"--storage-type", "google"})
	assert.Error(t, err)
}

func TestLoad_RejectsNonPositivePayloadLimit(t *testing.T) {
	_, err := config.Load("", []string{"--measurement-payload-limit", "0"})
	assert.Error(t, err)
}
