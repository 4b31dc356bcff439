package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAccountDB_CreatesFileAndSchema(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	db, err := OpenAccountDB(dir)
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, filepath.Join(dir, "account.sqlite"), db.Path())

	var name string
	err = db.Conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'accounts'`).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "accounts", name)
}

func TestOpenActorDB_ShardsByDID(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	db, err := OpenActorDB(dir, "did:plc:alice")
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, ActorStorePath(dir, "did:plc:alice"), db.Path())

	var name string
	err = db.Conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'repo_blocks'`).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "repo_blocks", name)
}

func TestOpenAccountDB_IsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	db1, err := OpenAccountDB(dir)
	require.NoError(t, err)
	db1.Close()

	db2, err := OpenAccountDB(dir)
	require.NoError(t, err)
	defer db2.Close()
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	t.Parallel()
	db, err := OpenAccountDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`INSERT INTO accounts (did, handle, email, pwd_hash, signing_key) VALUES (?, ?, ?, ?, ?)`,
			"did:plc:alice", "alice.example.com", "alice@example.com", "hash", "did:key:zQ3sfake")
		return execErr
	})
	require.NoError(t, err)

	var handle string
	err = db.Conn.QueryRowContext(ctx, `SELECT handle FROM accounts WHERE did = ?`, "did:plc:alice").Scan(&handle)
	require.NoError(t, err)
	require.Equal(t, "alice.example.com", handle)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	t.Parallel()
	db, err := OpenAccountDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	boom := errors.New("boom")

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`INSERT INTO accounts (did, handle, email, pwd_hash, signing_key) VALUES (?, ?, ?, ?, ?)`,
			"did:plc:bob", "bob.example.com", "bob@example.com", "hash", "did:key:zQ3sfake")
		if execErr != nil {
			return execErr
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	err = db.Conn.QueryRowContext(ctx, `SELECT count(*) FROM accounts WHERE did = ?`, "did:plc:bob").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestShard_IsStableAndTwoHexChars(t *testing.T) {
	t.Parallel()
	s1 := Shard("did:plc:alice")
	s2 := Shard("did:plc:alice")
	require.Equal(t, s1, s2)
	require.Len(t, s1, 2)

	require.NotEqual(t, Shard("did:plc:alice"), Shard("did:plc:bob"))
}

func TestActorStorePath_Layout(t *testing.T) {
	t.Parallel()
	path := ActorStorePath("/data", "did:plc:alice")
	shard := Shard("did:plc:alice")
	require.Equal(t, filepath.Join("/data", "actors", shard, "did:plc:alice", "store.sqlite"), path)
}
