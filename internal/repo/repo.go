// Package repo provides AT Protocol repository operations: Merkle
// Search Tree (MST) management, content-addressed block storage,
// commit signing, and record CRUD.
package repo

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atdata"
	indigorepo "github.com/bluesky-social/indigo/atproto/repo"

	"github.com/ipfs/go-cid"

	"github.com/fenwick-pds/pds/internal/apierr"
	"github.com/fenwick-pds/pds/internal/blob"
	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/mst"
)

// Sequencer is the narrow interface the engine needs to hand off a
// commit event after a successful write (§4.5 step 9, §4.6).
type Sequencer interface {
	AppendCommit(ctx context.Context, did string, evt CommitEvent) (seq int64, err error)
}

// CommitEvent is the payload handed to the sequencer describing one
// successful commit (§4.5 guarantee 5).
type CommitEvent struct {
	CommitCID string
	Rev       string
	PrevRev   string
	Ops       []RepoOp
	DiffCAR   []byte
}

// RepoOp describes a single record mutation within a commit.
type RepoOp struct {
	Action string // "create", "update", or "delete"
	Path   string // collection/rkey
	CID    *cid.Cid
	Prev   *cid.Cid
}

// RecordEntry represents a single record in a list response.
type RecordEntry struct {
	URI string         `json:"uri"`
	CID string         `json:"cid"`
	Val map[string]any `json:"value"`
}

// CommitResult is returned to the applyWrites caller (§4.5 public contract).
type CommitResult struct {
	CommitCID string
	Rev       string
	// Results carries the per-op outcome (assigned rkey via Path, and
	// the record CID) so callers can build XRPC responses without
	// re-deriving what the engine already computed.
	Results []RepoOp
}

// head mirrors the repo_head row.
type head struct {
	CommitCID string
	Rev       string
}

// Engine is the repository engine described by §4.5. One Engine serves
// every actor store the process hosts; callers identify a repository
// by DID and the engine opens/locks/commits against that DID's
// store.sqlite connection.
type Engine struct {
	locks *lockTable
	seq   Sequencer
}

// NewEngine builds an Engine that hands commit events to seq.
func NewEngine(seq Sequencer) *Engine {
	return &Engine{locks: newLockTable(), seq: seq}
}

// Op is one write passed to applyWrites.
type Op struct {
	Action        string // "create", "update", "delete"
	Collection    string
	Rkey          string // generated if empty and Action == create
	Record        map[string]any
	SwapRecordCID string // optional CAS check at record level
}

// InitRepo creates an empty repository for a new account: an empty
// MST, a signed genesis commit, and a persisted HEAD, then hands the
// genesis commit to the sequencer. Safe to call multiple times — a no-op
// if a HEAD already exists.
func (e *Engine) InitRepo(ctx context.Context, db *database.DB, did string, signer *Signer) error {
	unlock := e.locks.Lock(did)
	defer unlock()

	store := NewBlockStore(db.Conn)
	if _, _, err := loadHead(ctx, db.Conn); err == nil {
		return nil
	}

	tree := mst.New(store)
	mstRoot := mst.EmptyRoot()

	rev := NextRev("")
	commit := &indigorepo.Commit{
		DID:     did,
		Version: indigorepo.ATPROTO_REPO_VERSION,
		Prev:    nil,
		Data:    mstRoot,
		Rev:     rev,
	}
	if err := signer.SignCommit(commit); err != nil {
		return apierr.Wrap(apierr.Internal, "repo: init sign", err)
	}

	commitCID, commitBytes, err := encodeCommit(commit)
	if err != nil {
		return err
	}

	newBlocks := tree.NewBlocks()
	newBlocks[commitCID] = commitBytes

	if err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.PutMany(ctx, tx, rev, newBlocks); err != nil {
			return apierr.Wrap(apierr.Internal, "repo: init persist blocks", err)
		}
		if err := setHead(ctx, tx, commitCID.String(), rev); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return err
	}

	if e.seq != nil {
		var diffCAR bytes.Buffer
		if err := ExportCAR(ctx, store, &diffCAR, commitCID, nil); err != nil {
			return apierr.Wrap(apierr.Internal, "repo: init build car", err)
		}
		if _, err := e.seq.AppendCommit(ctx, did, CommitEvent{CommitCID: commitCID.String(), Rev: rev, DiffCAR: diffCAR.Bytes()}); err != nil {
			return apierr.Wrap(apierr.Transient, "repo: init sequencer append failed, reconciliation sweep will recover", err)
		}
	}
	return nil
}

// ApplyWrites is the engine's public contract (§4.5): apply every op
// under one new commit, honoring an optional whole-repo swapCommitCid
// CAS check, and hand the result to the sequencer.
func (e *Engine) ApplyWrites(ctx context.Context, db *database.DB, did string, signer *Signer, ops []Op, swapCommitCID string, blobs *blob.Store) (*CommitResult, error) {
	unlock := e.locks.Lock(did)
	defer unlock()

	store := NewBlockStore(db.Conn)
	prevHead, err := loadHead(ctx, db.Conn)
	if err != nil {
		return nil, err
	}
	if swapCommitCID != "" && swapCommitCID != prevHead.CommitCID {
		return nil, apierr.New(apierr.Conflict, fmt.Sprintf("repo: swap mismatch, current head is %s", prevHead.CommitCID))
	}

	prevCommitCID, err := cid.Decode(prevHead.CommitCID)
	if err != nil {
		return nil, apierr.Wrap(apierr.IntegrityError, "repo: decode prev commit cid", err)
	}
	prevCommitData, err := store.Get(ctx, prevCommitCID)
	if err != nil {
		return nil, apierr.Wrap(apierr.IntegrityError, "repo: load prev commit block", err)
	}
	prevCommit, err := decodeCommit(prevCommitData)
	if err != nil {
		return nil, err
	}
	if err := verifyCommitIntegrity(prevCommitCID, prevCommitData); err != nil {
		return nil, err
	}

	tree := mst.New(store)
	root := prevCommit.Data

	var repoOps []RepoOp
	var blobCIDs []string
	for _, op := range ops {
		newRoot, repoOp, err := e.applyOp(ctx, tree, store, root, did, op, blobs)
		if err != nil {
			return nil, err
		}
		root = newRoot
		repoOps = append(repoOps, repoOp)
		if op.Record != nil {
			blobCIDs = append(blobCIDs, findBlobCIDs(op.Record)...)
		}
	}

	rev := NextRev(prevHead.Rev)
	commit := &indigorepo.Commit{
		DID:     did,
		Version: indigorepo.ATPROTO_REPO_VERSION,
		Prev:    &prevCommitCID,
		Data:    root,
		Rev:     rev,
	}
	if err := signer.SignCommit(commit); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "repo: commit sign", err)
	}
	commitCID, commitBytes, err := encodeCommit(commit)
	if err != nil {
		return nil, err
	}

	newBlocks := tree.NewBlocks()
	newBlocks[commitCID] = commitBytes

	var diffCAR bytes.Buffer
	allCIDs := make([]cid.Cid, 0, len(newBlocks))
	for c := range newBlocks {
		allCIDs = append(allCIDs, c)
	}
	overlay := NewOverlayBlockStore(newBlocks)
	if err := ExportCAR(ctx, overlay, &diffCAR, commitCID, allCIDs); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "repo: build diff car", err)
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.PutMany(ctx, tx, rev, newBlocks); err != nil {
			return apierr.Wrap(apierr.Internal, "repo: persist blocks", err)
		}
		if err := setHead(ctx, tx, commitCID.String(), rev); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Promote every blob this commit references from pending to
	// permanent (§4.5 step 8) now that the commit itself is durable.
	// Promotion is its own metadata flip against the blob store's own
	// connection, not joined to the repo write's transaction above, so it
	// can't be made part of one cross-file transaction with it. The
	// commit is already durable at this point regardless of whether
	// promotion succeeds, so a promote failure here is logged rather than
	// returned to the caller — returning an error would misleadingly
	// signal that the write itself failed.
	if blobs != nil {
		for _, c := range blobCIDs {
			if err := blobs.Promote(ctx, c); err != nil {
				log.Printf("repo: promote blob %s for %s rev %s failed (commit already durable): %v", c, did, rev, err)
			}
		}
	}

	// Hand off to the sequencer (§4.5 step 9, §4.6). A failure here is
	// recovered by the reconciliation sweep (§4.5 failure semantics),
	// not retried inline — the commit itself is already durable.
	if e.seq != nil {
		if _, err := e.seq.AppendCommit(ctx, did, CommitEvent{
			CommitCID: commitCID.String(),
			Rev:       rev,
			PrevRev:   prevHead.Rev,
			Ops:       repoOps,
			DiffCAR:   diffCAR.Bytes(),
		}); err != nil {
			return &CommitResult{CommitCID: commitCID.String(), Rev: rev, Results: repoOps}, apierr.Wrap(apierr.Transient, "repo: sequencer append failed, reconciliation sweep will recover", err)
		}
	}

	return &CommitResult{CommitCID: commitCID.String(), Rev: rev, Results: repoOps}, nil
}

func (e *Engine) applyOp(ctx context.Context, tree *mst.Tree, store *BlockStore, root cid.Cid, did string, op Op, blobs *blob.Store) (cid.Cid, RepoOp, error) {
	path := op.Collection + "/" + op.Rkey
	if op.Action == "create" && op.Rkey == "" {
		rkey := NextRev("")
		path = op.Collection + "/" + rkey
		op.Rkey = rkey
	}

	switch op.Action {
	case "delete":
		prevCID, found, err := tree.Get(ctx, root, path)
		if err != nil {
			return cid.Undef, RepoOp{}, apierr.Wrap(apierr.Internal, "repo: delete lookup", err)
		}
		if !found {
			return cid.Undef, RepoOp{}, apierr.New(apierr.NotFound, fmt.Sprintf("repo: record not found: %s", path))
		}
		if op.SwapRecordCID != "" && op.SwapRecordCID != prevCID.String() {
			return cid.Undef, RepoOp{}, apierr.New(apierr.Conflict, "repo: swap record cid mismatch")
		}
		newRoot, err := tree.Delete(ctx, root, path)
		if err != nil {
			return cid.Undef, RepoOp{}, apierr.Wrap(apierr.Internal, "repo: delete", err)
		}
		p := prevCID
		return newRoot, RepoOp{Action: "delete", Path: path, Prev: &p}, nil

	case "create", "update":
		rawJSON, err := json.Marshal(op.Record)
		if err != nil {
			return cid.Undef, RepoOp{}, apierr.Wrap(apierr.Validation, "repo: marshal record", err)
		}
		parsed, err := atdata.UnmarshalJSON(rawJSON)
		if err != nil {
			return cid.Undef, RepoOp{}, apierr.Wrap(apierr.Validation, "repo: parse record", err)
		}
		cborBytes, err := EncodeRecord(parsed)
		if err != nil {
			return cid.Undef, RepoOp{}, apierr.Wrap(apierr.Validation, "repo: encode record", err)
		}
		recordCID, err := ComputeCID(cborBytes)
		if err != nil {
			return cid.Undef, RepoOp{}, apierr.Wrap(apierr.Internal, "repo: compute record cid", err)
		}

		if blobs != nil {
			if err := verifyBlobCommitment(ctx, blobs, parsed); err != nil {
				return cid.Undef, RepoOp{}, err
			}
		}

		prevCID, hadPrev, err := tree.Get(ctx, root, path)
		if err != nil {
			return cid.Undef, RepoOp{}, apierr.Wrap(apierr.Internal, "repo: put lookup", err)
		}
		if op.SwapRecordCID != "" {
			if !hadPrev || op.SwapRecordCID != prevCID.String() {
				return cid.Undef, RepoOp{}, apierr.New(apierr.Conflict, "repo: swap record cid mismatch")
			}
		}
		if op.Action == "create" && hadPrev {
			return cid.Undef, RepoOp{}, apierr.New(apierr.Conflict, fmt.Sprintf("repo: record already exists: %s", path))
		}

		newRoot, err := tree.Put(ctx, root, path, recordCID)
		if err != nil {
			return cid.Undef, RepoOp{}, apierr.Wrap(apierr.Internal, "repo: put", err)
		}
		blocks := tree.NewBlocks()
		blocks[recordCID] = cborBytes

		action := "create"
		var prevPtr *cid.Cid
		if hadPrev {
			action = "update"
			p := prevCID
			prevPtr = &p
		}
		return newRoot, RepoOp{Action: action, Path: path, CID: &recordCID, Prev: prevPtr}, nil

	default:
		return cid.Undef, RepoOp{}, apierr.New(apierr.Validation, fmt.Sprintf("repo: unknown op action %q", op.Action))
	}
}

// verifyBlobCommitment walks parsed for CID-valued leaves ($link
// values under a blob reference) and checks each exists in the pending
// or permanent blob set (§4.5 Blob commitment).
func verifyBlobCommitment(ctx context.Context, blobs *blob.Store, parsed map[string]any) error {
	for _, c := range findBlobCIDs(parsed) {
		permanent, err := blobs.Exists(ctx, c)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "repo: blob commitment check", err)
		}
		if permanent {
			continue
		}
		pending, err := blobs.IsPending(ctx, c)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "repo: blob commitment check", err)
		}
		if !pending {
			return apierr.New(apierr.Validation, fmt.Sprintf("repo: referenced blob %s is neither pending nor permanent", c))
		}
	}
	return nil
}

// findBlobCIDs recursively scans an atproto data-model value for blob
// references, recognised as maps with {"$type": "blob", "ref": {"$link": cidStr}}.
func findBlobCIDs(v any) []string {
	var out []string
	switch val := v.(type) {
	case map[string]any:
		if t, ok := val["$type"].(string); ok && t == "blob" {
			if ref, ok := val["ref"].(map[string]any); ok {
				if link, ok := ref["$link"].(string); ok {
					out = append(out, link)
				}
			}
		}
		for _, sub := range val {
			out = append(out, findBlobCIDs(sub)...)
		}
	case []any:
		for _, sub := range val {
			out = append(out, findBlobCIDs(sub)...)
		}
	}
	return out
}

// GetRecord reads a record from the repo by collection + rkey.
func (e *Engine) GetRecord(ctx context.Context, db *database.DB, collection, rkey string) (cidStr string, record map[string]any, err error) {
	store := NewBlockStore(db.Conn)
	h, err := loadHead(ctx, db.Conn)
	if err != nil {
		return "", nil, err
	}
	commitData, err := store.Get(ctx, mustDecode(h.CommitCID))
	if err != nil {
		return "", nil, apierr.Wrap(apierr.IntegrityError, "repo: load head commit", err)
	}
	commit, err := decodeCommit(commitData)
	if err != nil {
		return "", nil, err
	}

	tree := mst.New(store)
	path := collection + "/" + rkey
	recordCID, found, err := tree.Get(ctx, commit.Data, path)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.Internal, "repo: get record", err)
	}
	if !found {
		return "", nil, apierr.New(apierr.NotFound, fmt.Sprintf("repo: record not found: %s", path))
	}

	data, err := store.Get(ctx, recordCID)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.IntegrityError, "repo: load record block", err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.Internal, "repo: decode record", err)
	}
	return recordCID.String(), rec, nil
}

// ListRecords returns records in a collection with pagination.
func (e *Engine) ListRecords(ctx context.Context, db *database.DB, collection string, limit int, cursor string, reverse bool) ([]RecordEntry, string, error) {
	store := NewBlockStore(db.Conn)
	h, err := loadHead(ctx, db.Conn)
	if err != nil {
		return nil, "", err
	}
	commitData, err := store.Get(ctx, mustDecode(h.CommitCID))
	if err != nil {
		return nil, "", apierr.Wrap(apierr.IntegrityError, "repo: load head commit", err)
	}
	commit, err := decodeCommit(commitData)
	if err != nil {
		return nil, "", err
	}

	tree := mst.New(store)
	prefix := collection + "/"
	var keys []string
	if err := collectKeys(ctx, tree, store, commit.Data, prefix, &keys); err != nil {
		return nil, "", apierr.Wrap(apierr.Internal, "repo: list collect", err)
	}

	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	startIdx := 0
	if cursor != "" {
		cursorPath := prefix + cursor
		for i, k := range keys {
			if k == cursorPath {
				startIdx = i + 1
				break
			}
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var records []RecordEntry
	var nextCursor string
	for i := startIdx; i < len(keys) && len(records) < limit; i++ {
		k := keys[i]
		recordCID, _, err := tree.Get(ctx, commit.Data, k)
		if err != nil {
			return nil, "", apierr.Wrap(apierr.Internal, "repo: list get", err)
		}
		data, err := store.Get(ctx, recordCID)
		if err != nil {
			return nil, "", apierr.Wrap(apierr.IntegrityError, "repo: list load block", err)
		}
		rec, err := DecodeRecord(data)
		if err != nil {
			return nil, "", apierr.Wrap(apierr.Internal, "repo: list decode", err)
		}
		records = append(records, RecordEntry{URI: k, CID: recordCID.String(), Val: rec})
		if len(records) == limit && i+1 < len(keys) {
			nextCursor = strings.TrimPrefix(k, prefix)
		}
	}
	return records, nextCursor, nil
}

// DescribeRepo returns the distinct collection NSIDs present in a repo.
func (e *Engine) DescribeRepo(ctx context.Context, db *database.DB) ([]string, error) {
	store := NewBlockStore(db.Conn)
	h, err := loadHead(ctx, db.Conn)
	if err != nil {
		return nil, err
	}
	commitData, err := store.Get(ctx, mustDecode(h.CommitCID))
	if err != nil {
		return nil, apierr.Wrap(apierr.IntegrityError, "repo: load head commit", err)
	}
	commit, err := decodeCommit(commitData)
	if err != nil {
		return nil, err
	}

	tree := mst.New(store)
	var keys []string
	if err := collectKeys(ctx, tree, store, commit.Data, "", &keys); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "repo: describe collect", err)
	}

	seen := map[string]bool{}
	for _, k := range keys {
		if idx := strings.Index(k, "/"); idx > 0 {
			seen[k[:idx]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out, nil
}

// GetHead returns the current commit CID and rev.
func (e *Engine) GetHead(ctx context.Context, db *database.DB) (commitCID, rev string, err error) {
	h, err := loadHead(ctx, db.Conn)
	if err != nil {
		return "", "", err
	}
	return h.CommitCID, h.Rev, nil
}

// ExportRepo streams the repository rooted at the current HEAD commit
// as a CAR v1 archive (§4.5 Sync surface, com.atproto.sync.getRepo). If
// since is non-empty, only blocks introduced by revisions after since
// are included, matching a client that already has the repo current up
// to since; an empty since exports every block the repo holds.
func (e *Engine) ExportRepo(ctx context.Context, db *database.DB, since string, w io.Writer) error {
	store := NewBlockStore(db.Conn)
	h, err := loadHead(ctx, db.Conn)
	if err != nil {
		return err
	}
	commitCID, err := cid.Decode(h.CommitCID)
	if err != nil {
		return apierr.Wrap(apierr.IntegrityError, "repo: decode head commit cid", err)
	}

	if since == "" {
		allCIDs, err := store.AllCIDs(ctx)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "repo: list blocks for export", err)
		}
		return ExportCAR(ctx, store, w, commitCID, allCIDs)
	}

	revs, err := store.RevsSince(ctx, since)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "repo: list revs for incremental export", err)
	}
	return ExportIncrementalCAR(ctx, store, w, commitCID, revs)
}

// ExportBlocks streams just the requested block CIDs (plus the current
// HEAD commit as CAR root) as a CAR v1 archive, for
// com.atproto.sync.getBlocks (§4.8).
func (e *Engine) ExportBlocks(ctx context.Context, db *database.DB, cids []cid.Cid, w io.Writer) error {
	store := NewBlockStore(db.Conn)
	h, err := loadHead(ctx, db.Conn)
	if err != nil {
		return err
	}
	commitCID, err := cid.Decode(h.CommitCID)
	if err != nil {
		return apierr.Wrap(apierr.IntegrityError, "repo: decode head commit cid", err)
	}
	return ExportCAR(ctx, store, w, commitCID, cids)
}

// collectKeys walks the whole tree (lazily loading only nodes it
// visits) and appends every key with the given prefix to out.
func collectKeys(ctx context.Context, tree *mst.Tree, store *BlockStore, root cid.Cid, prefix string, out *[]string) error {
	changes, err := mst.Diff(ctx, store, mst.EmptyRoot(), root)
	if err != nil {
		return err
	}
	for _, c := range changes {
		if prefix == "" || strings.HasPrefix(c.Key, prefix) {
			*out = append(*out, c.Key)
		}
	}
	sort.Strings(*out)
	return nil
}

func mustDecode(s string) cid.Cid {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef
	}
	return c
}

func encodeCommit(commit *indigorepo.Commit) (cid.Cid, []byte, error) {
	var buf bytes.Buffer
	if err := commit.MarshalCBOR(&buf); err != nil {
		return cid.Undef, nil, apierr.Wrap(apierr.Internal, "repo: marshal commit", err)
	}
	data := buf.Bytes()
	c, err := ComputeCID(data)
	if err != nil {
		return cid.Undef, nil, apierr.Wrap(apierr.Internal, "repo: compute commit cid", err)
	}
	return c, data, nil
}

func decodeCommit(data []byte) (*indigorepo.Commit, error) {
	var commit indigorepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(data)); err != nil {
		return nil, apierr.Wrap(apierr.IntegrityError, "repo: unmarshal commit", err)
	}
	return &commit, nil
}

// verifyCommitIntegrity refuses to proceed if the stored commit bytes
// do not re-encode to the CID they were stored under (§4.3, §4.5
// failure modes: a fatal integrity error halts the write).
func verifyCommitIntegrity(want cid.Cid, data []byte) error {
	got, err := ComputeCID(data)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "repo: recompute commit cid", err)
	}
	if got != want {
		return apierr.New(apierr.IntegrityError, fmt.Sprintf("repo: commit %s re-encodes to %s", want, got))
	}
	return nil
}

func loadHead(ctx context.Context, conn *sql.DB) (*head, error) {
	var h head
	err := conn.QueryRowContext(ctx,
		`SELECT commit_cid, rev FROM repo_head WHERE id = 1`,
	).Scan(&h.CommitCID, &h.Rev)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "repo: no repository initialized")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "repo: load head", err)
	}
	return &h, nil
}

func setHead(ctx context.Context, tx *sql.Tx, commitCID, rev string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO repo_head (id, commit_cid, rev) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET commit_cid = excluded.commit_cid, rev = excluded.rev, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		commitCID, rev,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "repo: set head", err)
	}
	return nil
}

