package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOSTNAME", "pds.example.com")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "3000", cfg.Port)
	require.Equal(t, "did:web:pds.example.com", cfg.ServiceDID)
	require.Equal(t, BlobstoreDisk, cfg.BlobstoreBackend)
	require.Equal(t, 10.0, cfg.RateLimitRPS)
	require.Equal(t, 20, cfg.RateLimitBurst)
	require.Equal(t, ":3000", cfg.Addr())
}

func TestLoad_ServiceDIDOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVICE_DID", "did:web:other.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "did:web:other.example.com", cfg.ServiceDID)
}

func TestLoad_MissingRequiredField(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("JWT_SECRET", "test-secret")
	// HOSTNAME intentionally cleared (empty counts as unset).
	t.Setenv("HOSTNAME", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_S3BackendRequiresBucket(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BLOBSTORE_BACKEND", "s3")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("BLOBSTORE_S3_BUCKET", "my-bucket")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "my-bucket", cfg.BlobstoreS3Bucket)
}

func TestLoad_FederationRequiresRelayURLs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FEDERATION_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("FEDERATION_RELAY_URLS", "https://relay1.example.com, https://relay2.example.com")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"https://relay1.example.com", "https://relay2.example.com"}, cfg.FederationRelayURLs)
}

func TestLoad_InvalidRateLimitRPS(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}
