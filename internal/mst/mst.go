package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// BlockSource reads previously-persisted node bytes by CID. The engine's
// block store (§4.2) satisfies this so the tree can be materialised
// lazily, touching only the nodes an operation actually needs (§4.5
// step 3).
type BlockSource interface {
	GetBlock(ctx context.Context, c cid.Cid) ([]byte, error)
}

// Tree is a handle for mutating an MST rooted at a given CID. A Tree is
// not safe for concurrent use; the repository engine's per-DID lock
// (§4.5) is what makes that safe in practice.
type Tree struct {
	source BlockSource
	loaded map[cid.Cid]*Node
	blocks map[cid.Cid][]byte
}

// New returns a Tree that reads unknown nodes from source.
func New(source BlockSource) *Tree {
	return &Tree{
		source: source,
		loaded: make(map[cid.Cid]*Node),
		blocks: make(map[cid.Cid][]byte),
	}
}

// NewBlocks returns the node blocks this Tree has produced since
// construction (or since the last call to ResetBlocks), keyed by CID.
// The repository engine collects these as the MST spine blocks for a
// commit (§4.5 step 5).
func (t *Tree) NewBlocks() map[cid.Cid][]byte {
	return t.blocks
}

// ResetBlocks clears the set of newly produced blocks, without
// discarding the node cache, so a caller can account for blocks
// produced by successive operations separately.
func (t *Tree) ResetBlocks() {
	t.blocks = make(map[cid.Cid][]byte)
}

func (t *Tree) loadNode(ctx context.Context, c cid.Cid) (*Node, error) {
	if c == emptySentinel {
		return &Node{}, nil
	}
	if n, ok := t.loaded[c]; ok {
		return n, nil
	}
	data, err := t.source.GetBlock(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("mst: load node %s: %w", c, err)
	}
	n, err := decodeNode(data)
	if err != nil {
		return nil, fmt.Errorf("mst: decode node %s: %w", c, err)
	}
	if recomputed, err := cidForBytes(data); err != nil || recomputed != c {
		return nil, fmt.Errorf("mst: node %s: %w", c, errIntegrityOf(c, recomputed))
	}
	t.loaded[c] = n
	return n, nil
}

func errIntegrityOf(want, got cid.Cid) error {
	return fmt.Errorf("stored cid %s does not match recomputed cid %s", want, got)
}

// putNodeAndTrack canonically encodes n, records it as a produced
// block, caches it, and returns its CID.
func (t *Tree) putNodeAndTrack(n *Node) (cid.Cid, error) {
	data, c, err := PutNode(n)
	if err != nil {
		return cid.Undef, err
	}
	t.loaded[c] = n
	t.blocks[c] = data
	return c, nil
}

// layerOf returns the layer (depth) a non-empty node's entries live at.
// Nodes are only ever constructed with entries sharing one depth, so
// the first entry's key depth identifies the whole node's layer.
func layerOf(n *Node) (int, bool) {
	if len(n.Entries) == 0 {
		return 0, false
	}
	return Depth(n.Entries[0].Entry.Key), true
}

// subtreeFor returns the child pointer (Left, or some entry's Right)
// that a key belonging below this node's layer would descend into, and
// its position for reconstruction.
func subtreeFor(n *Node, key string) (idx int, child *cid.Cid) {
	for i := len(n.Entries) - 1; i >= 0; i-- {
		if n.Entries[i].Entry.Key < key {
			return i, n.Entries[i].Right
		}
	}
	return -1, n.Left
}

// Get walks from root to find key's value CID.
func (t *Tree) Get(ctx context.Context, root cid.Cid, key string) (cid.Cid, bool, error) {
	cur := root
	for {
		n, err := t.loadNode(ctx, cur)
		if err != nil {
			return cid.Undef, false, err
		}
		// Binary search within the node's sorted entries.
		lo, hi := 0, len(n.Entries)
		for lo < hi {
			mid := (lo + hi) / 2
			if n.Entries[mid].Entry.Key < key {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo < len(n.Entries) && n.Entries[lo].Entry.Key == key {
			return n.Entries[lo].Entry.Value, true, nil
		}
		_, child := subtreeFor(n, key)
		if child == nil {
			return cid.Undef, false, nil
		}
		cur = *child
	}
}

// Put inserts or updates key → value and returns the new root CID. New
// node blocks produced by the operation are available via NewBlocks.
func (t *Tree) Put(ctx context.Context, root cid.Cid, key string, value cid.Cid) (cid.Cid, error) {
	depth := Depth(key)
	return t.put(ctx, root, key, depth, value)
}

func (t *Tree) put(ctx context.Context, root cid.Cid, key string, keyDepth int, value cid.Cid) (cid.Cid, error) {
	n, err := t.loadNode(ctx, root)
	if err != nil {
		return cid.Undef, err
	}
	nodeLayer, hasEntries := layerOf(n)

	switch {
	case !hasEntries && n.Left == nil:
		// Empty tree (or empty node reached by descent): become a
		// single-entry node at the key's own layer.
		return t.wrapAtLayer(ctx, &Node{Entries: []NodeEntry{{Entry: Entry{Key: key, Value: value}}}}, keyDepth)

	case keyDepth > nodeLayer && hasEntries:
		// The new key belongs above this node: split the existing
		// subtree around it and build a new top node at keyDepth.
		left, right, err := t.splitAround(ctx, root, key)
		if err != nil {
			return cid.Undef, err
		}
		newNode := &Node{
			Left:    leftPtr(left),
			Entries: []NodeEntry{{Entry: Entry{Key: key, Value: value}, Right: leftPtr(right)}},
		}
		return t.putNodeAndTrack(newNode)

	case keyDepth == nodeLayer:
		return t.putAtLayer(ctx, n, key, value)

	default: // keyDepth < nodeLayer: descend
		idx, child := subtreeFor(n, key)
		var childRoot cid.Cid
		if child != nil {
			childRoot = *child
		} else {
			childRoot = emptySentinel
		}
		newChildRoot, err := t.put(ctx, childRoot, key, keyDepth, value)
		if err != nil {
			return cid.Undef, err
		}
		clone := n.clone()
		ptr := leftPtr(newChildRoot)
		if idx == -1 {
			clone.Left = ptr
		} else {
			clone.Entries[idx].Right = ptr
		}
		return t.putNodeAndTrack(clone)
	}
}

// putAtLayer inserts key/value directly among n's entries, which
// already share key's layer.
func (t *Tree) putAtLayer(ctx context.Context, n *Node, key string, value cid.Cid) (cid.Cid, error) {
	clone := n.clone()
	lo, hi := 0, len(clone.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if clone.Entries[mid].Entry.Key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(clone.Entries) && clone.Entries[lo].Entry.Key == key {
		clone.Entries[lo].Entry.Value = value
		return t.putNodeAndTrack(clone)
	}

	entry := NodeEntry{Entry: Entry{Key: key, Value: value}}
	clone.Entries = append(clone.Entries, NodeEntry{})
	copy(clone.Entries[lo+1:], clone.Entries[lo:])
	clone.Entries[lo] = entry
	sortEntries(clone.Entries)
	return t.putNodeAndTrack(clone)
}

// splitAround divides the tree rooted at root into the subtree of keys
// less than key (left) and the subtree of keys greater than key
// (right), used when inserting a key whose layer is above root's.
func (t *Tree) splitAround(ctx context.Context, root cid.Cid, key string) (left, right cid.Cid, err error) {
	n, err := t.loadNode(ctx, root)
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	if len(n.Entries) == 0 {
		return root, root, nil
	}

	idx, _ := subtreeFor(n, key)
	var leftEntries, rightEntries []NodeEntry
	var leftSub, rightSub *cid.Cid = n.Left, nil

	for i, e := range n.Entries {
		switch {
		case i <= idx:
			leftEntries = append(leftEntries, e)
		default:
			rightEntries = append(rightEntries, e)
		}
	}
	if idx >= 0 {
		// The subtree straddling key (to the right of entry idx) must
		// itself be split recursively.
		var midLeft, midRight cid.Cid
		straddle := root
		if n.Entries[idx].Right != nil {
			straddle = *n.Entries[idx].Right
		} else {
			straddle = emptySentinel
		}
		midLeft, midRight, err = t.splitAround(ctx, straddle, key)
		if err != nil {
			return cid.Undef, cid.Undef, err
		}
		leftEntries[len(leftEntries)-1].Right = leftPtr(midLeft)
		rightSub = leftPtr(midRight)
	} else {
		rightSub = n.Left
		leftSub = nil
	}

	var leftRoot, rightRoot cid.Cid
	if len(leftEntries) == 0 && leftSub == nil {
		leftRoot = emptySentinel
	} else {
		leftRoot, err = t.putNodeAndTrack(&Node{Left: leftSub, Entries: leftEntries})
		if err != nil {
			return cid.Undef, cid.Undef, err
		}
	}
	if len(rightEntries) == 0 && rightSub == nil {
		rightRoot = emptySentinel
	} else {
		rightRoot, err = t.putNodeAndTrack(&Node{Left: rightSub, Entries: rightEntries})
		if err != nil {
			return cid.Undef, cid.Undef, err
		}
	}
	return leftRoot, rightRoot, nil
}

// wrapAtLayer stores n, a brand-new single-entry node, as-is and returns
// its CID. targetLayer is not used: no wrapper nodes are added above n,
// so the node's layer is the depth of its one key (see layerOf).
func (t *Tree) wrapAtLayer(ctx context.Context, n *Node, targetLayer int) (cid.Cid, error) {
	return t.putNodeAndTrack(n)
}

func leftPtr(c cid.Cid) *cid.Cid {
	if c == emptySentinel {
		return nil
	}
	cc := c
	return &cc
}

// Delete removes key, returning the new root CID. Deleting the only key
// in the tree returns EmptyRoot() (§4.3 tie-breaking and edge cases).
func (t *Tree) Delete(ctx context.Context, root cid.Cid, key string) (cid.Cid, error) {
	n, err := t.loadNode(ctx, root)
	if err != nil {
		return cid.Undef, err
	}
	depth := Depth(key)
	nodeLayer, hasEntries := layerOf(n)

	if hasEntries && depth == nodeLayer {
		lo, hi := 0, len(n.Entries)
		for lo < hi {
			mid := (lo + hi) / 2
			if n.Entries[mid].Entry.Key < key {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo >= len(n.Entries) || n.Entries[lo].Entry.Key != key {
			return root, nil // not present; no-op
		}
		return t.removeEntryAndMerge(ctx, n, lo)
	}
	if hasEntries && depth < nodeLayer {
		idx, child := subtreeFor(n, key)
		if child == nil {
			return root, nil
		}
		newChildRoot, err := t.Delete(ctx, *child, key)
		if err != nil {
			return cid.Undef, err
		}
		clone := n.clone()
		ptr := leftPtr(newChildRoot)
		if idx == -1 {
			clone.Left = ptr
		} else {
			clone.Entries[idx].Right = ptr
		}
		return t.putNodeAndTrack(clone)
	}
	return root, nil // key's layer is above this node: not present
}

// removeEntryAndMerge drops entry i from n and, if that would leave a
// left subtree and a right subtree adjacent with no entry separating
// them, merges them into one subtree so the node never straddles
// levels improperly (§4.3 delete).
func (t *Tree) removeEntryAndMerge(ctx context.Context, n *Node, i int) (cid.Cid, error) {
	left := n.Entries[i].Right
	var right *cid.Cid
	if i == 0 {
		right = n.Left
	} else {
		right = n.Entries[i-1].Right
	}

	merged, err := t.mergeSubtrees(ctx, left, right)
	if err != nil {
		return cid.Undef, err
	}

	clone := &Node{Left: n.Left, Entries: append([]NodeEntry(nil), n.Entries[:i]...)}
	clone.Entries = append(clone.Entries, n.Entries[i+1:]...)
	if i == 0 {
		clone.Left = merged
	} else {
		clone.Entries[i-1].Right = merged
	}

	if len(clone.Entries) == 0 {
		if clone.Left == nil {
			return emptySentinel, nil
		}
		return *clone.Left, nil
	}
	return t.putNodeAndTrack(clone)
}

// mergeSubtrees combines two adjacent subtrees that no longer have an
// entry separating them by re-inserting every leaf of b into a.
func (t *Tree) mergeSubtrees(ctx context.Context, a, b *cid.Cid) (*cid.Cid, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	// Re-derive canonical shape: fold b's entries into a (§4.3 delete
	// requires never collapsing in a way that violates the depth rule,
	// so this walks b leaf-by-leaf through Put rather than splicing).
	root := *a
	leaves := make(map[string]cid.Cid)
	if err := t.collectLeaves(ctx, *b, leaves); err != nil {
		return nil, err
	}
	for k, v := range leaves {
		nr, err := t.Put(ctx, root, k, v)
		if err != nil {
			return nil, err
		}
		root = nr
	}
	return leftPtr(root), nil
}

func flatten(n *Node) []Entry {
	var out []Entry
	for _, e := range n.Entries {
		out = append(out, e.Entry)
	}
	return out
}
