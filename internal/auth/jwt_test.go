package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJWTManager_CreateAndValidate(t *testing.T) {
	t.Parallel()
	m := NewJWTManager("test-secret", "did:web:pds.example.com")

	pair, err := m.CreateTokenPair("did:plc:alice", "session-1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessJwt)
	require.NotEmpty(t, pair.RefreshJwt)

	claims, err := m.ValidateAccessToken(pair.AccessJwt)
	require.NoError(t, err)
	require.Equal(t, "did:plc:alice", claims.Subject)
	require.Equal(t, "session-1", claims.SessionID)
	require.Equal(t, ScopeAccess, claims.Scope)

	_, err = m.ValidateRefreshToken(pair.RefreshJwt)
	require.NoError(t, err)
}

func TestJWTManager_ScopeMismatch(t *testing.T) {
	t.Parallel()
	m := NewJWTManager("test-secret", "did:web:pds.example.com")

	pair, err := m.CreateTokenPair("did:plc:alice", "session-1")
	require.NoError(t, err)

	_, err = m.ValidateRefreshToken(pair.AccessJwt)
	require.Error(t, err)

	_, err = m.ValidateAccessToken(pair.RefreshJwt)
	require.Error(t, err)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	t.Parallel()
	m1 := NewJWTManager("secret-one", "did:web:pds.example.com")
	m2 := NewJWTManager("secret-two", "did:web:pds.example.com")

	pair, err := m1.CreateTokenPair("did:plc:alice", "session-1")
	require.NoError(t, err)

	_, err = m2.ValidateAccessToken(pair.AccessJwt)
	require.Error(t, err)
}

func TestGenerateSecret_Unique(t *testing.T) {
	t.Parallel()
	require.NotEqual(t, GenerateSecret(), GenerateSecret())
}
