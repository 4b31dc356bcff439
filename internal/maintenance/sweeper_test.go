package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/blob"
	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/events"
	"github.com/fenwick-pds/pds/internal/repo"
)

func newTestSweeper(t *testing.T) (sw *Sweeper, accountDB *database.DB, dataDir string, sequencer *events.Sequencer, engine *repo.Engine) {
	t.Helper()
	dataDir = t.TempDir()

	accountDB, err := database.OpenAccountDB(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { accountDB.Close() })

	backend := blob.NewDiskBackend(dataDir + "/blobs")
	meta := blob.NewSQLiteMetadataStore(accountDB.Conn)
	blobs := blob.NewStore(backend, meta)

	sequencer = events.NewSequencer(accountDB)
	engine = repo.NewEngine(sequencer)

	sw = New(accountDB, dataDir, blobs, engine, time.Hour, 24*time.Hour)
	return sw, accountDB, dataDir, sequencer, engine
}

func TestSweeper_PruneInvalidatedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sw, accountDB, _, sequencer, _ := newTestSweeper(t)

	seq, err := sequencer.AppendCommit(ctx, "did:plc:alice", repo.CommitEvent{
		CommitCID: "bafyreievaxfmw7drb3ixcjp4y3ftm2pi3xfgzdgyv5vdd5vtzvsgatbqta",
		Rev:       "3k1a",
	})
	require.NoError(t, err)
	require.NoError(t, sequencer.Invalidate(ctx, "did:plc:alice", seq))

	// Not old enough to prune yet (retention is 24h in newTestSweeper).
	n, err := sw.pruneInvalidatedEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = accountDB.Conn.ExecContext(ctx,
		`UPDATE sequencer_events SET sequenced_at = datetime('now', '-48 hours') WHERE seq = ?`, seq)
	require.NoError(t, err)

	n, err = sw.pruneInvalidatedEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSweeper_ReconcileOne_NoDriftWhenUpToDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sw, _, dataDir, _, engine := newTestSweeper(t)

	signer, _, err := repo.GenerateKey(repo.KeyTypeSecp256k1)
	require.NoError(t, err)

	actorDB, err := database.OpenActorDB(dataDir, "did:plc:alice")
	require.NoError(t, err)
	t.Cleanup(func() { actorDB.Close() })

	require.NoError(t, engine.InitRepo(ctx, actorDB, "did:plc:alice", signer))

	// InitRepo's genesis commit goes through the same Sequencer the
	// sweeper reads, so there is no drift to report.
	require.NoError(t, sw.reconcileOne(ctx, "did:plc:alice"))
}
