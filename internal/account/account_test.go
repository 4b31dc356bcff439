package account

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenAccountDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.Create(ctx, CreateParams{
		DID:        "did:plc:abc123",
		Handle:     "alice.example.com",
		Email:      "alice@example.com",
		Password:   "correct horse battery staple",
		SigningKey: "zSigningKeyMultibase",
	})
	require.NoError(t, err)
	require.Equal(t, "did:plc:abc123", a.DID)
	require.Equal(t, StatusActive, a.Status)

	byHandle, err := s.GetByHandle(ctx, "alice.example.com")
	require.NoError(t, err)
	require.Equal(t, a.DID, byHandle.DID)

	byDID, err := s.GetByDID(ctx, "did:plc:abc123")
	require.NoError(t, err)
	require.Equal(t, "alice.example.com", byDID.Handle)
}

func TestStore_GetByHandle_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetByHandle(ctx, "nobody.example.com")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Create_DuplicateHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	params := CreateParams{
		DID:        "did:plc:first",
		Handle:     "dup.example.com",
		Password:   "hunter22222",
		SigningKey: "zKey1",
	}
	_, err := s.Create(ctx, params)
	require.NoError(t, err)

	params.DID = "did:plc:second"
	_, err = s.Create(ctx, params)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrHandleTaken))
}

func TestStore_VerifyPassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, CreateParams{
		DID:        "did:plc:bob",
		Handle:     "bob.example.com",
		Password:   "swordfish-swordfish",
		SigningKey: "zKey",
	})
	require.NoError(t, err)

	a, err := s.VerifyPassword(ctx, "bob.example.com", "swordfish-swordfish")
	require.NoError(t, err)
	require.Equal(t, "did:plc:bob", a.DID)

	_, err = s.VerifyPassword(ctx, "bob.example.com", "wrong-password")
	require.Error(t, err)
}

func TestStore_ResolveHandle_SkipsDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, CreateParams{
		DID:        "did:plc:carol",
		Handle:     "carol.example.com",
		Password:   "correct horse battery",
		SigningKey: "zKey",
	})
	require.NoError(t, err)

	did, err := s.ResolveHandle(ctx, "carol.example.com")
	require.NoError(t, err)
	require.Equal(t, "did:plc:carol", did)

	_, err = s.UpdateStatus(ctx, "did:plc:carol", StatusDeleted)
	require.NoError(t, err)

	_, err = s.ResolveHandle(ctx, "carol.example.com")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_UpdateStatus_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpdateStatus(ctx, "did:plc:ghost", StatusSuspended)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, CreateParams{
		DID:        "did:plc:dave",
		Handle:     "dave.example.com",
		Password:   "correct horse battery",
		SigningKey: "zKey",
	})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "did:plc:dave"))
	require.True(t, errors.Is(s.Delete(ctx, "did:plc:dave"), ErrNotFound))
}

func TestStore_List(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	for _, h := range []string{"zed.example.com", "amy.example.com"} {
		_, err := s.Create(ctx, CreateParams{
			DID:        "did:plc:" + h,
			Handle:     h,
			Password:   "correct horse battery",
			SigningKey: "zKey",
		})
		require.NoError(t, err)
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Ordered by handle, so amy sorts before zed.
	require.Equal(t, "amy.example.com", all[0].Handle)
}
