package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Block is one CID-addressed node on a proof path.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// Proof returns the chain of nodes from root to key's leaf level (or to
// the point where key's absence is established), so a verifier can
// recompute each node's CID and confirm membership or non-membership
// (§4.3 proof).
func (t *Tree) Proof(ctx context.Context, root cid.Cid, key string) ([]Block, error) {
	var blocks []Block
	cur := root
	for {
		n, err := t.loadNode(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("mst: proof: %w", err)
		}
		data, c, err := PutNode(n)
		if err != nil {
			return nil, err
		}
		if c != cur {
			return nil, fmt.Errorf("mst: proof: node %s re-encodes to %s", cur, c)
		}
		blocks = append(blocks, Block{CID: cur, Data: data})

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
			return blocks, nil // membership proof complete
		}
		_, child := subtreeFor(n, key)
		if child == nil {
			return blocks, nil // non-membership proof complete
		}
		cur = *child
	}
}
