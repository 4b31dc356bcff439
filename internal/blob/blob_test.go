package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenAccountDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend := NewDiskBackend(t.TempDir())
	meta := NewSQLiteMetadataStore(db.Conn)
	return NewStore(backend, meta)
}

func TestStore_StagePromoteGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("a small image, pretend")
	ref, err := s.Stage(ctx, "image/png", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), ref.Size)

	pending, err := s.IsPending(ctx, ref.CID)
	require.NoError(t, err)
	require.True(t, pending)

	exists, err := s.Exists(ctx, ref.CID)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Promote(ctx, ref.CID))

	exists, err = s.Exists(ctx, ref.CID)
	require.NoError(t, err)
	require.True(t, exists)

	got, gotRef, err := s.Get(ctx, ref.CID)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, "image/png", gotRef.MimeType)
}

func TestStore_Stage_IdempotentOnIdenticalBytes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("repeated content")
	ref1, err := s.Stage(ctx, "text/plain", bytes.NewReader(data))
	require.NoError(t, err)
	ref2, err := s.Stage(ctx, "text/plain", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, ref1.CID, ref2.CID)
}

func TestStore_Stage_ExceedsMaxSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	oversized := bytes.Repeat([]byte{0x01}, MaxBlobSize+1)
	_, err := s.Stage(ctx, "application/octet-stream", bytes.NewReader(oversized))
	require.Error(t, err)
}

func TestStore_Get_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.Get(ctx, "bafkreinotreal")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ReapOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	ref, err := s.Stage(ctx, "image/png", bytes.NewReader([]byte("never promoted")))
	require.NoError(t, err)

	// Not old enough yet.
	n, err := s.ReapOrphans(ctx, int64((24 * time.Hour).Seconds()))
	require.NoError(t, err)
	require.Equal(t, 0, n)

	time.Sleep(1100 * time.Millisecond)

	n, err = s.ReapOrphans(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = s.Get(ctx, ref.CID)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestComputeCID_Deterministic(t *testing.T) {
	t.Parallel()
	a, err := ComputeCID([]byte("hello world"))
	require.NoError(t, err)
	b, err := ComputeCID([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := ComputeCID([]byte("different"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
