// Package config loads and validates the application configuration
// from environment variables (§6 "Environment configuration"). The
// process reads its environment once at startup; changes require a
// restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Blobstore backend choices (BLOBSTORE_BACKEND).
const (
	BlobstoreDisk = "disk"
	BlobstoreS3   = "s3"
)

// Config holds every environment-derived setting this server needs.
type Config struct {
	// Hostname is this server's own DNS name, used to build its
	// did:web document and service endpoints.
	Hostname string
	// Port is the HTTP listen port (default "3000").
	Port string

	// ServiceDID is the server's own DID (did:web:<hostname> unless
	// overridden).
	ServiceDID string

	// DataDir is the root of the persisted file layout (§6):
	// account.sqlite, actors/, blobs/.
	DataDir string

	// RepoSigningKeyHex is a secp256k1 private key, hex-encoded. It is
	// loaded but not read anywhere: every account mints its own signing
	// key at createAccount.
	RepoSigningKeyHex string

	// PLCEndpoint is the did:plc directory this server submits genesis
	// operations to and resolves did:plc identities against.
	PLCEndpoint string

	// JWTSecret is the HMAC secret for session tokens.
	JWTSecret string

	// BlobstoreBackend is "disk" or "s3".
	BlobstoreBackend string
	// BlobstoreS3Bucket, BlobstoreS3Region, BlobstoreS3Endpoint,
	// BlobstoreS3AccessKeyID, BlobstoreS3SecretKey configure the S3
	// backend; required only when BlobstoreBackend == "s3".
	BlobstoreS3Bucket      string
	BlobstoreS3Region      string
	BlobstoreS3Endpoint    string
	BlobstoreS3AccessKeyID string
	BlobstoreS3SecretKey   string

	// FederationEnabled turns on outbound relay announcement and PLC
	// registration.
	FederationEnabled bool
	// FederationRelayURLs is the comma-separated relay endpoint list.
	FederationRelayURLs []string

	// RateLimitRPS and RateLimitBurst configure the token-bucket
	// limiter wired in front of the XRPC surface.
	RateLimitRPS   float64
	RateLimitBurst int

	// InviteRequired gates server.createAccount behind a valid invite
	// code when true.
	InviteRequired bool
}

// Load reads configuration from the process environment. It returns an
// error if a required variable is missing or a value fails to parse.
func Load() (*Config, error) {
	cfg := &Config{
		Hostname:          os.Getenv("HOSTNAME"),
		Port:              envOrDefault("PORT", "3000"),
		ServiceDID:        os.Getenv("SERVICE_DID"),
		DataDir:           os.Getenv("DATA_DIR"),
		RepoSigningKeyHex: os.Getenv("REPO_SIGNING_KEY_HEX"),
		PLCEndpoint:       envOrDefault("PLC_ENDPOINT", "https://plc.directory"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		BlobstoreBackend:  envOrDefault("BLOBSTORE_BACKEND", BlobstoreDisk),

		BlobstoreS3Bucket:      os.Getenv("BLOBSTORE_S3_BUCKET"),
		BlobstoreS3Region:      os.Getenv("BLOBSTORE_S3_REGION"),
		BlobstoreS3Endpoint:    os.Getenv("BLOBSTORE_S3_ENDPOINT"),
		BlobstoreS3AccessKeyID: os.Getenv("BLOBSTORE_S3_ACCESS_KEY_ID"),
		BlobstoreS3SecretKey:   os.Getenv("BLOBSTORE_S3_SECRET_KEY"),
	}

	if cfg.ServiceDID == "" && cfg.Hostname != "" {
		cfg.ServiceDID = "did:web:" + cfg.Hostname
	}

	if v := os.Getenv("FEDERATION_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: FEDERATION_ENABLED: %w", err)
		}
		cfg.FederationEnabled = enabled
	}
	if v := os.Getenv("FEDERATION_RELAY_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.FederationRelayURLs = append(cfg.FederationRelayURLs, u)
			}
		}
	}

	cfg.RateLimitRPS = 10
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimitRPS = rps
	}
	cfg.RateLimitBurst = 20
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: RATE_LIMIT_BURST: %w", err)
		}
		cfg.RateLimitBurst = burst
	}

	if v := os.Getenv("INVITE_REQUIRED"); v != "" {
		required, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: INVITE_REQUIRED: %w", err)
		}
		cfg.InviteRequired = required
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks that every required field is present and internally
// consistent.
func (c *Config) validate() error {
	switch {
	case c.Hostname == "":
		return fmt.Errorf("config: HOSTNAME is required")
	case c.ServiceDID == "":
		return fmt.Errorf("config: SERVICE_DID is required")
	case c.DataDir == "":
		return fmt.Errorf("config: DATA_DIR is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: JWT_SECRET is required")
	}

	switch c.BlobstoreBackend {
	case BlobstoreDisk:
	case BlobstoreS3:
		if c.BlobstoreS3Bucket == "" {
			return fmt.Errorf("config: BLOBSTORE_S3_BUCKET is required when BLOBSTORE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("config: BLOBSTORE_BACKEND must be %q or %q, got %q", BlobstoreDisk, BlobstoreS3, c.BlobstoreBackend)
	}

	if c.FederationEnabled && len(c.FederationRelayURLs) == 0 {
		return fmt.Errorf("config: FEDERATION_RELAY_URLS is required when FEDERATION_ENABLED=true")
	}

	return nil
}

// Addr returns the address this server should bind to.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
