package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/apierr"
	"github.com/fenwick-pds/pds/internal/database"
)

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	db, err := database.OpenAccountDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSessionStore(db, NewJWTManager("test-secret", "did:web:pds.example.com"))
}

func TestSessionStore_CreateAndAuthenticate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSessionStore(t)

	pair, err := s.Create(ctx, "did:plc:alice", "")
	require.NoError(t, err)

	did, err := s.Authenticate(ctx, pair.AccessJwt)
	require.NoError(t, err)
	require.Equal(t, "did:plc:alice", did)
}

func TestSessionStore_Authenticate_AfterDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSessionStore(t)

	pair, err := s.Create(ctx, "did:plc:alice", "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, pair.AccessJwt))

	_, err = s.Authenticate(ctx, pair.AccessJwt)
	require.Error(t, err)
	require.Equal(t, apierr.Authentication, apierr.CategoryOf(err))
}

func TestSessionStore_Refresh_RotatesAndInvalidatesOld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSessionStore(t)

	pair, err := s.Create(ctx, "did:plc:alice", "")
	require.NoError(t, err)

	rotated, err := s.Refresh(ctx, pair.RefreshJwt)
	require.NoError(t, err)
	require.NotEqual(t, pair.AccessJwt, rotated.AccessJwt)

	did, err := s.Authenticate(ctx, rotated.AccessJwt)
	require.NoError(t, err)
	require.Equal(t, "did:plc:alice", did)

	// The consumed refresh token must not be usable a second time.
	_, err = s.Refresh(ctx, pair.RefreshJwt)
	require.Error(t, err)
}

func TestAppPasswordStore_CreateVerifyListRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, err := database.OpenAccountDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	aps := NewAppPasswordStore(db)

	require.NoError(t, aps.Create(ctx, "did:plc:alice", "my-phone", "hashed-value"))

	hash, err := aps.Verify(ctx, "did:plc:alice", "my-phone")
	require.NoError(t, err)
	require.Equal(t, "hashed-value", hash)

	names, err := aps.List(ctx, "did:plc:alice")
	require.NoError(t, err)
	require.Equal(t, []string{"my-phone"}, names)

	hashes, err := aps.Hashes(ctx, "did:plc:alice")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"my-phone": "hashed-value"}, hashes)

	require.NoError(t, aps.Revoke(ctx, "did:plc:alice", "my-phone"))

	_, err = aps.Verify(ctx, "did:plc:alice", "my-phone")
	require.Error(t, err)
	require.Equal(t, apierr.NotFound, apierr.CategoryOf(err))
}
