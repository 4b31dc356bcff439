package mst

import (
	"context"
	"fmt"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

// memSource is a trivial in-memory BlockSource backed by a Tree's own
// produced blocks, used so tests can layer successive operations
// without a real block store.
type memSource struct {
	blocks map[cid.Cid][]byte
}

func newMemSource() *memSource {
	return &memSource{blocks: make(map[cid.Cid][]byte)}
}

func (m *memSource) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, ok := m.blocks[c]
	if !ok {
		return nil, fmt.Errorf("memSource: no block for %s", c)
	}
	return data, nil
}

func (m *memSource) absorb(t *Tree) {
	for c, data := range t.NewBlocks() {
		m.blocks[c] = data
	}
}

func valueCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(s), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func TestDepth_IsDeterministic(t *testing.T) {
	t.Parallel()
	d1 := Depth("com.example.record/abc")
	d2 := Depth("com.example.record/abc")
	require.Equal(t, d1, d2)
}

func TestTree_PutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	source := newMemSource()
	tree := New(source)

	root := EmptyRoot()
	keys := []string{
		"com.example.post/a", "com.example.post/b", "com.example.post/c",
		"com.example.post/d", "com.example.post/e",
	}

	for _, k := range keys {
		v := valueCID(t, k)
		newRoot, err := tree.Put(ctx, root, k, v)
		require.NoError(t, err)
		source.absorb(tree)
		tree.ResetBlocks()
		root = newRoot
	}

	for _, k := range keys {
		v, ok, err := tree.Get(ctx, root, k)
		require.NoError(t, err)
		require.True(t, ok, "key %q should be present", k)
		require.Equal(t, valueCID(t, k), v)
	}

	_, ok, err := tree.Get(ctx, root, "com.example.post/missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTree_Put_SameKeySetIsOrderIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	keys := []string{"a/1", "a/2", "a/3", "b/1", "b/2"}

	build := func(order []string) cid.Cid {
		source := newMemSource()
		tree := New(source)
		root := EmptyRoot()
		for _, k := range order {
			nr, err := tree.Put(ctx, root, k, valueCID(t, k))
			require.NoError(t, err)
			source.absorb(tree)
			tree.ResetBlocks()
			root = nr
		}
		return root
	}

	forward := build(keys)
	reversed := make([]string, len(keys))
	for i, k := range keys {
		reversed[len(keys)-1-i] = k
	}
	backward := build(reversed)

	require.True(t, forward.Equals(backward), "tree shape must depend only on the key set, not insertion order")
}

func TestTree_Delete_ToEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	source := newMemSource()
	tree := New(source)

	root := EmptyRoot()
	newRoot, err := tree.Put(ctx, root, "only.key/1", valueCID(t, "only.key/1"))
	require.NoError(t, err)
	source.absorb(tree)
	tree.ResetBlocks()

	deletedRoot, err := tree.Delete(ctx, newRoot, "only.key/1")
	require.NoError(t, err)
	require.True(t, deletedRoot.Equals(EmptyRoot()))
}

func TestDiff_ReportsAddsUpdatesDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	source := newMemSource()
	tree := New(source)

	root := EmptyRoot()
	for _, k := range []string{"k/1", "k/2", "k/3"} {
		nr, err := tree.Put(ctx, root, k, valueCID(t, k))
		require.NoError(t, err)
		source.absorb(tree)
		tree.ResetBlocks()
		root = nr
	}
	oldRoot := root

	// Update k/2, delete k/3, add k/4.
	nr, err := tree.Put(ctx, oldRoot, "k/2", valueCID(t, "k/2-updated"))
	require.NoError(t, err)
	source.absorb(tree)
	tree.ResetBlocks()
	nr, err = tree.Delete(ctx, nr, "k/3")
	require.NoError(t, err)
	source.absorb(tree)
	tree.ResetBlocks()
	nr, err = tree.Put(ctx, nr, "k/4", valueCID(t, "k/4"))
	require.NoError(t, err)
	source.absorb(tree)
	tree.ResetBlocks()
	newRoot := nr

	changes, err := Diff(ctx, source, oldRoot, newRoot)
	require.NoError(t, err)

	byKey := make(map[string]Change)
	for _, c := range changes {
		byKey[c.Key] = c
	}
	require.Contains(t, byKey, "k/2")
	require.Contains(t, byKey, "k/3")
	require.Contains(t, byKey, "k/4")
	require.False(t, byKey["k/3"].NewValue.Defined())
	require.False(t, byKey["k/4"].OldValue.Defined())
}

func TestProof_MembershipAndNonMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	source := newMemSource()
	tree := New(source)

	root := EmptyRoot()
	for _, k := range []string{"p/1", "p/2", "p/3"} {
		nr, err := tree.Put(ctx, root, k, valueCID(t, k))
		require.NoError(t, err)
		source.absorb(tree)
		tree.ResetBlocks()
		root = nr
	}

	present, err := tree.Proof(ctx, root, "p/2")
	require.NoError(t, err)
	require.NotEmpty(t, present)
	require.True(t, present[0].CID.Equals(root))

	absent, err := tree.Proof(ctx, root, "p/missing")
	require.NoError(t, err)
	require.NotEmpty(t, absent)
}
