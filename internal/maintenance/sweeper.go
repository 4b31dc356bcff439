// Package maintenance runs the background sweeps that keep storage and
// the event log consistent with the repository engine's append-only
// invariants: reclaiming orphaned blobs, pruning redacted events past
// their retention horizon, and logging any actor whose on-disk HEAD
// has drifted from the sequencer's last recorded commit for it.
package maintenance

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"

	"github.com/fenwick-pds/pds/internal/blob"
	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/repo"
)

// orphanGrace is how long a pending blob may sit unpromoted before the
// sweeper considers it abandoned (§4.1).
const orphanGrace = 24 * time.Hour

// Sweeper periodically runs the three maintenance passes described in
// §4.5's failure semantics and §4.6's retention note. It holds no
// per-actor locks itself — each pass only reads, except orphan reap
// and event pruning, which only ever delete rows no live write path
// depends on.
type Sweeper struct {
	accountDB *database.DB
	dataDir   string
	blobs     *blob.Store
	engine    *repo.Engine
	interval  time.Duration
	retention time.Duration
}

// New returns a Sweeper that scans every hosted account's repository
// once per interval, using engine only to read each actor store's HEAD
// — the sweeper never writes a commit.
func New(accountDB *database.DB, dataDir string, blobs *blob.Store, engine *repo.Engine, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		accountDB: accountDB,
		dataDir:   dataDir,
		blobs:     blobs,
		engine:    engine,
		interval:  interval,
		retention: retention,
	}
}

// Run blocks, executing one sweep immediately and then every interval,
// until ctx is cancelled. Errors from an individual sweep are logged,
// not fatal — the next tick tries again.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.runOnce(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.runOnce(ctx)
		}
	}
}

func (sw *Sweeper) runOnce(ctx context.Context) {
	if n, err := sw.blobs.ReapOrphans(ctx, int64(orphanGrace.Seconds())); err != nil {
		log.Printf("maintenance: reap orphan blobs: %v", err)
	} else if n > 0 {
		log.Printf("maintenance: reaped %d orphan blobs", n)
	}

	if n, err := sw.pruneInvalidatedEvents(ctx); err != nil {
		log.Printf("maintenance: prune invalidated events: %v", err)
	} else if n > 0 {
		log.Printf("maintenance: pruned %d invalidated events", n)
	}

	if err := sw.reconcileHeads(ctx); err != nil {
		log.Printf("maintenance: reconcile heads: %v", err)
	}

	_, err := sw.accountDB.Conn.ExecContext(ctx,
		`INSERT INTO reconcile_state (id, last_run_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET last_run_at = excluded.last_run_at`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		log.Printf("maintenance: record sweep timestamp: %v", err)
	}
}

// pruneInvalidatedEvents deletes invalidated sequencer rows older than
// the configured retention horizon (§4.6: "a background sweeper may
// prune invalidated events older than a configured horizon").
func (sw *Sweeper) pruneInvalidatedEvents(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-sw.retention).UTC().Format(time.RFC3339Nano)
	result, err := sw.accountDB.Conn.ExecContext(ctx,
		`DELETE FROM sequencer_events WHERE invalidated = 1 AND sequenced_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// reconcileHeads compares every hosted account's repository HEAD
// against the last non-invalidated commit event the sequencer recorded
// for it. A mismatch means a commit was durably written but its
// hand-off to the sequencer failed after the write transaction
// committed (repo.ApplyWrites reports that failure as apierr.Transient
// alongside the already-durable commit result, per §4.5) — logged here since
// recovering it means replaying the missing commit event, which
// requires the actor's block store and is out of scope for an
// unattended sweep.
func (sw *Sweeper) reconcileHeads(ctx context.Context) error {
	rows, err := sw.accountDB.Conn.QueryContext(ctx, `SELECT did FROM accounts WHERE status != 'deleted'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return err
		}
		dids = append(dids, did)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, did := range dids {
		if err := sw.reconcileOne(ctx, did); err != nil {
			log.Printf("maintenance: reconcile %s: %v", did, err)
		}
	}
	return nil
}

func (sw *Sweeper) reconcileOne(ctx context.Context, did string) error {
	actorDB, err := database.OpenActorDB(sw.dataDir, did)
	if err != nil {
		return err
	}
	defer actorDB.Close()

	_, headRev, err := sw.engine.GetHead(ctx, actorDB)
	if err != nil {
		return err
	}

	lastRev, ok, err := sw.lastSequencedRev(ctx, did)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("maintenance: %s has a repository HEAD at rev %s but no sequencer event — firehose hand-off likely failed", did, headRev)
		return nil
	}
	if lastRev != headRev {
		log.Printf("maintenance: %s HEAD rev %s does not match last sequenced rev %s", did, headRev, lastRev)
	}
	return nil
}

// lastSequencedRev returns the rev field of the most recent
// non-invalidated commit event recorded for did.
func (sw *Sweeper) lastSequencedRev(ctx context.Context, did string) (rev string, ok bool, err error) {
	var payload []byte
	err = sw.accountDB.Conn.QueryRowContext(ctx,
		`SELECT payload FROM sequencer_events
		 WHERE did = ? AND event_type = 'commit' AND invalidated = 0
		 ORDER BY seq DESC LIMIT 1`, did,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(payload)); err != nil {
		return "", false, err
	}
	return commit.Rev, true, nil
}
