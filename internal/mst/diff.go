package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Change describes one leaf-level difference between two tree
// revisions.
type Change struct {
	Key      string
	OldValue cid.Cid // zero value (cid.Undef) for Add
	NewValue cid.Cid // zero value (cid.Undef) for Delete
}

// Diff returns the leaf-level adds/updates/deletes between oldRoot and
// newRoot (§4.3 diff). It loads both trees in full and compares their
// flattened key→CID maps; it does not walk them in lockstep and does not
// skip subtrees whose CIDs match. The order of the returned changes is
// not defined.
func Diff(ctx context.Context, source BlockSource, oldRoot, newRoot cid.Cid) ([]Change, error) {
	t := New(source)
	oldLeaves := make(map[string]cid.Cid)
	newLeaves := make(map[string]cid.Cid)

	if err := t.collectLeaves(ctx, oldRoot, oldLeaves); err != nil {
		return nil, fmt.Errorf("mst: diff collect old: %w", err)
	}
	if err := t.collectLeaves(ctx, newRoot, newLeaves); err != nil {
		return nil, fmt.Errorf("mst: diff collect new: %w", err)
	}

	var out []Change
	for k, nv := range newLeaves {
		if ov, ok := oldLeaves[k]; !ok {
			out = append(out, Change{Key: k, OldValue: cid.Undef, NewValue: nv})
		} else if !ov.Equals(nv) {
			out = append(out, Change{Key: k, OldValue: ov, NewValue: nv})
		}
	}
	for k, ov := range oldLeaves {
		if _, ok := newLeaves[k]; !ok {
			out = append(out, Change{Key: k, OldValue: ov, NewValue: cid.Undef})
		}
	}
	return out, nil
}

// collectLeaves walks root's whole subtree and records every leaf in
// out. Diff calls it on both trees and compares the resulting maps
// instead of walking the trees together node-by-node; the output is the
// same as a lockstep walk's, but no subtree shared by the two trees is
// skipped.
func (t *Tree) collectLeaves(ctx context.Context, root cid.Cid, out map[string]cid.Cid) error {
	if root == emptySentinel || root == cid.Undef {
		return nil
	}
	n, err := t.loadNode(ctx, root)
	if err != nil {
		return err
	}
	if n.Left != nil {
		if err := t.collectLeaves(ctx, *n.Left, out); err != nil {
			return err
		}
	}
	for _, e := range n.Entries {
		out[e.Entry.Key] = e.Entry.Value
		if e.Right != nil {
			if err := t.collectLeaves(ctx, *e.Right, out); err != nil {
				return err
			}
		}
	}
	return nil
}
