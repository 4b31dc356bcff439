package events

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/repo"
)

func newTestSequencer(t *testing.T) *Sequencer {
	t.Helper()
	db, err := database.OpenAccountDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSequencer(db)
}

func testCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(s), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func TestSequencer_AppendCommitAssignsIncreasingSeq(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seq := newTestSequencer(t)

	c1 := testCID(t, "commit-1")
	seq1, err := seq.AppendCommit(ctx, "did:plc:alice", repo.CommitEvent{
		CommitCID: c1.String(),
		Rev:       "3k1a",
	})
	require.NoError(t, err)

	c2 := testCID(t, "commit-2")
	seq2, err := seq.AppendCommit(ctx, "did:plc:alice", repo.CommitEvent{
		CommitCID: c2.String(),
		Rev:       "3k1b",
		PrevRev:   "3k1a",
	})
	require.NoError(t, err)

	require.Greater(t, seq2, seq1)

	latest, err := seq.LatestSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, seq2, latest)
}

func TestSequencer_RangeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seq := newTestSequencer(t)

	var seqs []int64
	for i := 0; i < 3; i++ {
		n, err := seq.AppendCommit(ctx, "did:plc:alice", repo.CommitEvent{
			CommitCID: testCID(t, "commit").String(),
			Rev:       "rev",
		})
		require.NoError(t, err)
		seqs = append(seqs, n)
	}

	var seen []int64
	err := seq.RangeFrom(ctx, 0, func(f Frame) error {
		seen = append(seen, f.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, seqs, seen)

	seen = nil
	err = seq.RangeFrom(ctx, seqs[0], func(f Frame) error {
		seen = append(seen, f.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, seqs[1:], seen) // exclusive of since itself
}

func TestSequencer_Invalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seq := newTestSequencer(t)

	first, err := seq.AppendCommit(ctx, "did:plc:alice", repo.CommitEvent{
		CommitCID: testCID(t, "commit-a").String(),
		Rev:       "3k1a",
	})
	require.NoError(t, err)
	second, err := seq.AppendCommit(ctx, "did:plc:alice", repo.CommitEvent{
		CommitCID: testCID(t, "commit-b").String(),
		Rev:       "3k1b",
	})
	require.NoError(t, err)

	require.NoError(t, seq.Invalidate(ctx, "did:plc:alice", second))

	var invalidated []bool
	err = seq.RangeFrom(ctx, first-1, func(f Frame) error {
		invalidated = append(invalidated, f.Invalidated)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, invalidated)
}
