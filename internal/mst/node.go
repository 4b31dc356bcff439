// Package mst implements the repository Merkle Search Tree: a
// deterministic map from ordered string keys to value CIDs, shaped
// purely as a function of the key set so that two implementations
// holding the same key-value pairs produce byte-identical node CIDs.
package mst

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
)

// Entry is one leaf in a node: a full key and the CID of the record it
// addresses.
type Entry struct {
	Key   string
	Value cid.Cid
}

// Node is one level of the tree: leaves at this node's depth plus child
// pointers to subtrees at lower depths. Entries are kept sorted by key.
// Left is the subtree holding keys less than the first entry; each
// entry's Right is the subtree holding keys between it and the next
// entry (or, for the last entry, all keys greater than it).
type Node struct {
	Left    *cid.Cid
	Entries []NodeEntry
}

// NodeEntry pairs a leaf with the subtree CID immediately to its right.
type NodeEntry struct {
	Entry Entry
	Right *cid.Cid
}

// Depth returns the level a key resides at: the count of leading
// zero nibbles in SHA-256(key). Level 0 is the leaf level; tree shape
// depends only on the key set, never on insertion order.
func Depth(key string) int {
	sum := sha256.Sum256([]byte(key))
	depth := 0
	for _, b := range sum {
		if b == 0 {
			depth += 2
			continue
		}
		if b&0xf0 == 0 {
			depth++
		}
		break
	}
	return depth
}

// emptySentinel is the CID of the canonical encoding of a node with no
// entries and no left subtree — the sentinel representing an empty tree.
var emptySentinel cid.Cid

func init() {
	data, err := encodeNode(&Node{})
	if err != nil {
		panic(fmt.Sprintf("mst: encode empty sentinel: %v", err))
	}
	c, err := cidForBytes(data)
	if err != nil {
		panic(fmt.Sprintf("mst: cid empty sentinel: %v", err))
	}
	emptySentinel = c
}

// EmptyRoot returns the sentinel CID for an empty tree (§4.3 tie-breaking
// and edge cases).
func EmptyRoot() cid.Cid { return emptySentinel }

// sortEntries sorts entries by key, ascending.
func sortEntries(entries []NodeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Entry.Key < entries[j].Entry.Key
	})
}

// clone returns a shallow copy of n's entry slice so mutation during a
// put/delete never corrupts a node another path in the tree still
// references (structural sharing with the old tree, per §4.3 put).
func (n *Node) clone() *Node {
	out := &Node{Left: n.Left}
	out.Entries = append([]NodeEntry(nil), n.Entries...)
	return out
}

func bytesEqualCID(a, b *cid.Cid) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equals(*b)
}
