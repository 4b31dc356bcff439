package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/fenwick-pds/pds/internal/mst"
)

// BlockStore persists CBOR-encoded MST nodes and commits with CID keys,
// indexed additionally by repoRev for efficient bulk fetch by revision
// (§4.2). It is strictly a cache of CID → bytes; it makes no claims
// about reachability. All writes from one commit share a single
// transaction so block presence and HEAD advance are observed
// atomically, matching the teacher's `MemBlockstore`/Postgres-persist
// split but backed directly by the actor's store.sqlite.
type BlockStore struct {
	conn *sql.DB
	// overlay, when set, serves blocks that have not yet been persisted
	// by PutMany — used to build a diff CAR from a commit's new blocks
	// before its write transaction commits.
	overlay map[cid.Cid][]byte
}

// NewBlockStore wraps an actor's store.sqlite connection as a BlockStore.
func NewBlockStore(conn *sql.DB) *BlockStore {
	return &BlockStore{conn: conn}
}

// NewOverlayBlockStore returns a read-only BlockStore that serves
// blocks directly from an in-memory set, for exporting blocks that
// exist only as a pending commit's new-block map.
func NewOverlayBlockStore(blocks map[cid.Cid][]byte) *BlockStore {
	return &BlockStore{overlay: blocks}
}

// GetBlock satisfies mst.BlockSource, letting the MST package read
// nodes lazily as it walks the tree (§4.5 step 3).
func (b *BlockStore) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	return b.Get(ctx, c)
}

// Get returns the bytes stored under c.
func (b *BlockStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if b.overlay != nil {
		data, ok := b.overlay[c]
		if !ok {
			return nil, fmt.Errorf("blockstore: get %s: not in overlay", c)
		}
		return data, nil
	}
	var data []byte
	err := b.conn.QueryRowContext(ctx,
		`SELECT data FROM repo_blocks WHERE cid = ?`, c.String(),
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("blockstore: get %s: %w", c, err)
	}
	return data, nil
}

// GetMany returns the bytes for each requested CID present in the
// store, omitting any that are missing.
func (b *BlockStore) GetMany(ctx context.Context, cids []cid.Cid) (map[cid.Cid][]byte, error) {
	out := make(map[cid.Cid][]byte, len(cids))
	for _, c := range cids {
		data, err := b.Get(ctx, c)
		if err != nil {
			continue
		}
		out[c] = data
	}
	return out, nil
}

// GetByRev returns every block introduced by revision rev, for
// incremental CAR export (§4.2, §4.5 Sync surface).
func (b *BlockStore) GetByRev(ctx context.Context, rev string) (map[cid.Cid][]byte, error) {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT cid, data FROM repo_blocks WHERE repo_rev = ?`, rev,
	)
	if err != nil {
		return nil, fmt.Errorf("blockstore: get by rev %s: %w", rev, err)
	}
	defer rows.Close()

	out := make(map[cid.Cid][]byte)
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return nil, fmt.Errorf("blockstore: scan by rev %s: %w", rev, err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("blockstore: decode cid %q: %w", cidStr, err)
		}
		out[c] = data
	}
	return out, rows.Err()
}

// PutMany writes every block in blocks under the given revision,
// all-or-nothing, using the supplied transaction so callers can fold
// block insertion into the same transaction as the HEAD advance
// (§4.2, §4.5 step 8). Content-addressed blocks are immutable, so a
// re-put of a CID already present is a no-op.
func (b *BlockStore) PutMany(ctx context.Context, tx *sql.Tx, rev string, blocks map[cid.Cid][]byte) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO repo_blocks (cid, repo_rev, size, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cid) DO NOTHING`,
	)
	if err != nil {
		return fmt.Errorf("blockstore: prepare put many: %w", err)
	}
	defer stmt.Close()

	for c, data := range blocks {
		if _, err := stmt.ExecContext(ctx, c.String(), rev, len(data), data); err != nil {
			return fmt.Errorf("blockstore: put %s: %w", c, err)
		}
	}
	return nil
}

// AllCIDs returns every block CID this store holds, for a full
// repository export (§4.5 Sync surface, com.atproto.sync.getRepo).
func (b *BlockStore) AllCIDs(ctx context.Context) ([]cid.Cid, error) {
	rows, err := b.conn.QueryContext(ctx, `SELECT cid FROM repo_blocks`)
	if err != nil {
		return nil, fmt.Errorf("blockstore: list all cids: %w", err)
	}
	defer rows.Close()

	var out []cid.Cid
	for rows.Next() {
		var cidStr string
		if err := rows.Scan(&cidStr); err != nil {
			return nil, fmt.Errorf("blockstore: scan cid: %w", err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("blockstore: decode cid %q: %w", cidStr, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RevsSince returns every distinct revision strictly after since, in
// ascending order, for incremental CAR export (§4.8 `sync.getRepo?since=`).
// Revisions are TIDs and therefore lexicographically sortable, so a
// plain string comparison in SQL is enough.
func (b *BlockStore) RevsSince(ctx context.Context, since string) ([]string, error) {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT DISTINCT repo_rev FROM repo_blocks WHERE repo_rev > ? ORDER BY repo_rev ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("blockstore: revs since %s: %w", since, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var rev string
		if err := rows.Scan(&rev); err != nil {
			return nil, fmt.Errorf("blockstore: scan rev: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// Delete removes a block by CID. Blocks are otherwise never deleted in
// normal operation (content-addressed immutability); nothing in this
// module calls it, and the maintenance sweeper does not delete blocks.
func (b *BlockStore) Delete(ctx context.Context, c cid.Cid) error {
	_, err := b.conn.ExecContext(ctx, `DELETE FROM repo_blocks WHERE cid = ?`, c.String())
	if err != nil {
		return fmt.Errorf("blockstore: delete %s: %w", c, err)
	}
	return nil
}

var _ mst.BlockSource = (*BlockStore)(nil)
