package database

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// Shard returns the two-hex-character shard prefix for key, bounding
// directory fanout the same way for actor stores (this file) and the
// blob store (internal/blob).
func Shard(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:1])
}

// ActorStorePath returns the path to a DID's per-repository SQLite file:
// {dataDir}/actors/{shard}/{did}/store.sqlite
func ActorStorePath(dataDir, did string) string {
	return filepath.Join(dataDir, "actors", Shard(did), did, "store.sqlite")
}
