// Package blob provides content-addressed blob storage for AT Protocol
// media (images, etc.). Blobs are addressed by the SHA-256 digest of
// their bytes, sharded under a two-character hex prefix directory to
// bound fanout, and staged through a pending area before being promoted
// to permanent as part of a repository commit.
package blob

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// MaxBlobSize is the maximum allowed blob size (1MB).
const MaxBlobSize = 1 << 20

// ErrCIDMismatch is returned when a backend read finds stored bytes
// that no longer hash to the key they were stored under.
var ErrCIDMismatch = errors.New("blob: cid does not match content")

// ErrNotFound is returned when no blob exists for a CID.
var ErrNotFound = errors.New("blob: not found")

// ErrIntegrity is returned when a stage targets a CID that already
// exists with different bytes.
var ErrIntegrity = errors.New("blob: integrity conflict, existing content differs")

// BlobRef describes a stored blob's identity and metadata.
type BlobRef struct {
	CID      string `json:"cid"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Backend is the pluggable storage boundary behind the blob store's
// contract (§4.1): local-disk and object-store implementations both
// honour it.
type Backend interface {
	// Put writes data under key. Put is idempotent: writing identical
	// bytes under a key that already exists must succeed silently.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the bytes stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key has been written.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MetadataStore persists the {cid, mimeType, size} record alongside a
// blob's bytes and tracks pending vs. permanent status for the
// two-phase commit protocol (§3 Blob, §4.5 Blob commitment).
type MetadataStore interface {
	PutPending(ctx context.Context, ref BlobRef) error
	Promote(ctx context.Context, cidStr string) error
	Get(ctx context.Context, cidStr string) (BlobRef, bool, error)
	IsPermanent(ctx context.Context, cidStr string) (bool, error)
	IsPending(ctx context.Context, cidStr string) (bool, error)
	Delete(ctx context.Context, cidStr string) error
	ListOrphanPending(ctx context.Context, olderThanSeconds int64) ([]string, error)
}

// Store is the content-addressed blob store described by §4.1: it
// computes and verifies CIDs, and tracks blob metadata (mime type,
// size, pending/permanent status) alongside the raw bytes.
type Store struct {
	backend Backend
	meta    MetadataStore
}

// NewStore creates a blob Store over the given backend and metadata store.
func NewStore(backend Backend, meta MetadataStore) *Store {
	return &Store{backend: backend, meta: meta}
}

// ComputeCID returns the CIDv1/raw/SHA-256 identity of data.
func ComputeCID(data []byte) (string, error) {
	hash := sha256.Sum256(data)
	mh, err := multihash.Encode(hash[:], multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("blob: multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// Shard returns the two-character hex shard prefix for a blob CID
// string, used to bound per-directory fanout in disk backends.
func Shard(cidStr string) string {
	sum := sha256.Sum256([]byte(cidStr))
	return fmt.Sprintf("%02x", sum[0])
}

// Stage reads data from r, verifies its size and computes its CID, and
// stores it in the pending area. Stage is idempotent on identical CID;
// a re-stage of the same CID with differing bytes is a fatal integrity
// error (§4.1 failure modes).
func (s *Store) Stage(ctx context.Context, mimeType string, r io.Reader) (*BlobRef, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	if len(data) > MaxBlobSize {
		return nil, fmt.Errorf("blob: exceeds maximum size of %d bytes", MaxBlobSize)
	}

	cidStr, err := ComputeCID(data)
	if err != nil {
		return nil, err
	}

	existing, err := s.backend.Get(ctx, cidStr)
	switch {
	case err == nil:
		if !bytesEqual(existing, data) {
			return nil, fmt.Errorf("blob: stage %s: %w", cidStr, ErrIntegrity)
		}
	case errors.Is(err, ErrNotFound):
		if err := s.backend.Put(ctx, cidStr, data); err != nil {
			return nil, fmt.Errorf("blob: stage write %s: %w", cidStr, err)
		}
	default:
		return nil, fmt.Errorf("blob: stage read-check %s: %w", cidStr, err)
	}

	ref := BlobRef{CID: cidStr, MimeType: mimeType, Size: int64(len(data))}
	if err := s.meta.PutPending(ctx, ref); err != nil {
		return nil, fmt.Errorf("blob: stage metadata %s: %w", cidStr, err)
	}
	return &ref, nil
}

// Promote moves a staged blob from pending to permanent, as part of a
// repository commit that references it (§4.5 step 8).
func (s *Store) Promote(ctx context.Context, cidStr string) error {
	if err := s.meta.Promote(ctx, cidStr); err != nil {
		return fmt.Errorf("blob: promote %s: %w", cidStr, err)
	}
	return nil
}

// Exists reports whether a permanent blob exists for cidStr.
func (s *Store) Exists(ctx context.Context, cidStr string) (bool, error) {
	ok, err := s.meta.IsPermanent(ctx, cidStr)
	if err != nil {
		return false, fmt.Errorf("blob: exists %s: %w", cidStr, err)
	}
	return ok, nil
}

// IsPending reports whether cidStr is staged but not yet committed.
func (s *Store) IsPending(ctx context.Context, cidStr string) (bool, error) {
	ok, err := s.meta.IsPending(ctx, cidStr)
	if err != nil {
		return false, fmt.Errorf("blob: ispending %s: %w", cidStr, err)
	}
	return ok, nil
}

// Get retrieves a blob's bytes and metadata by CID. It verifies the
// returned bytes still hash to cidStr, detecting a mismatched object on
// read rather than silently serving corrupt content (§4.1 failure modes).
func (s *Store) Get(ctx context.Context, cidStr string) ([]byte, BlobRef, error) {
	ref, ok, err := s.meta.Get(ctx, cidStr)
	if err != nil {
		return nil, BlobRef{}, fmt.Errorf("blob: get metadata %s: %w", cidStr, err)
	}
	if !ok {
		return nil, BlobRef{}, fmt.Errorf("blob: get %s: %w", cidStr, ErrNotFound)
	}

	data, err := s.backend.Get(ctx, cidStr)
	if err != nil {
		return nil, BlobRef{}, fmt.Errorf("blob: get %s: %w", cidStr, err)
	}
	actual, err := ComputeCID(data)
	if err != nil {
		return nil, BlobRef{}, err
	}
	if actual != cidStr {
		return nil, BlobRef{}, fmt.Errorf("blob: get %s: %w", cidStr, ErrCIDMismatch)
	}
	return data, ref, nil
}

// Delete removes a blob's bytes and metadata.
func (s *Store) Delete(ctx context.Context, cidStr string) error {
	if err := s.backend.Delete(ctx, cidStr); err != nil {
		return fmt.Errorf("blob: delete %s: %w", cidStr, err)
	}
	if err := s.meta.Delete(ctx, cidStr); err != nil {
		return fmt.Errorf("blob: delete metadata %s: %w", cidStr, err)
	}
	return nil
}

// ReapOrphans deletes pending blobs older than the retention window
// that were never promoted, per the scheduled sweep named in §3's Blob
// definition.
func (s *Store) ReapOrphans(ctx context.Context, olderThanSeconds int64) (int, error) {
	orphans, err := s.meta.ListOrphanPending(ctx, olderThanSeconds)
	if err != nil {
		return 0, fmt.Errorf("blob: list orphans: %w", err)
	}
	n := 0
	for _, cidStr := range orphans {
		if err := s.Delete(ctx, cidStr); err != nil {
			return n, fmt.Errorf("blob: reap orphan %s: %w", cidStr, err)
		}
		n++
	}
	return n, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
