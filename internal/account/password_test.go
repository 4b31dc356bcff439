package account

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	t.Parallel()
	encoded, err := HashPassword("hunter2-hunter2")
	require.NoError(t, err)
	require.Contains(t, encoded, "argon2id$")

	require.NoError(t, CheckPassword(encoded, "hunter2-hunter2"))
	require.Error(t, CheckPassword(encoded, "wrong password"))
}

func TestHashPassword_UniqueSaltPerCall(t *testing.T) {
	t.Parallel()
	a, err := HashPassword("same-password")
	require.NoError(t, err)
	b, err := HashPassword("same-password")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCheckPassword_MalformedHash(t *testing.T) {
	t.Parallel()
	require.Error(t, CheckPassword("not-a-real-hash", "anything"))
}

func TestGeneratePassword(t *testing.T) {
	t.Parallel()
	p1, err := GeneratePassword()
	require.NoError(t, err)
	require.Len(t, p1, 24)

	p2, err := GeneratePassword()
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}
