// reconcile scans every hosted repository for a HEAD that has advanced
// without a corresponding sequencer event — the gap the maintenance
// sweeper only logs (§4.6) — and closes it by appending a synthetic
// commit event rooted at the actual current HEAD, so a firehose
// subscriber resuming from before the gap at least learns a commit it
// doesn't have exists, rather than silently falling behind forever.
// The synthetic event carries no ops, since the ones that produced the
// drifted HEAD are not retained anywhere after the fact; a subscriber
// that needs full fidelity still has to fall back to
// com.atproto.sync.getRepo.
//
// Usage:
//
//	reconcile -data-dir /var/lib/pds -dry-run
package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/ipfs/go-cid"

	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/events"
	"github.com/fenwick-pds/pds/internal/repo"
)

func main() {
	dataDir := flag.String("data-dir", "", "PDS data directory (contains account.sqlite and actors/)")
	dryRun := flag.Bool("dry-run", false, "Report drifted repositories without repairing them")
	flag.Parse()

	if *dataDir == "" {
		log.Fatal("-data-dir is required")
	}

	log.SetFlags(log.Ldate | log.Ltime)

	r := &reconciler{
		dataDir: *dataDir,
		dryRun:  *dryRun,
	}
	if err := r.run(); err != nil {
		log.Fatalf("reconcile: %v", err)
	}

	log.Printf("done: scanned=%d drifted=%d repaired=%d errors=%d",
		r.stats.Scanned, r.stats.Drifted, r.stats.Repaired, r.stats.Errors)
	if r.stats.Drifted > r.stats.Repaired {
		fmt.Printf("warning: %d drifted repositories were not repaired\n", r.stats.Drifted-r.stats.Repaired)
	}
}

// Stats tracks reconciliation progress.
type Stats struct {
	Scanned  int
	Drifted  int
	Repaired int
	Errors   int
}

type reconciler struct {
	dataDir string
	dryRun  bool
	stats   Stats
}

func (r *reconciler) run() error {
	accountDB, err := database.OpenAccountDB(r.dataDir)
	if err != nil {
		return fmt.Errorf("open account database: %w", err)
	}
	defer accountDB.Close()

	sequencer := events.NewSequencer(accountDB)
	engine := repo.NewEngine(sequencer)

	rows, err := accountDB.Conn.Query(`SELECT did FROM accounts WHERE status != 'deleted'`)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			rows.Close()
			return fmt.Errorf("scan account row: %w", err)
		}
		dids = append(dids, did)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	ctx := context.Background()
	for _, did := range dids {
		r.stats.Scanned++
		if err := r.reconcileOne(ctx, accountDB, engine, sequencer, did); err != nil {
			r.stats.Errors++
			log.Printf("%s: %v", did, err)
		}
	}
	return nil
}

func (r *reconciler) reconcileOne(ctx context.Context, accountDB *database.DB, engine *repo.Engine, sequencer *events.Sequencer, did string) error {
	actorDB, err := database.OpenActorDB(r.dataDir, did)
	if err != nil {
		return fmt.Errorf("open actor store: %w", err)
	}
	defer actorDB.Close()

	headCID, headRev, err := engine.GetHead(ctx, actorDB)
	if err != nil {
		return fmt.Errorf("read HEAD: %w", err)
	}

	lastRev, ok, err := lastSequencedRev(ctx, accountDB, did)
	if err != nil {
		return fmt.Errorf("read sequencer log: %w", err)
	}
	if ok && lastRev == headRev {
		return nil // up to date
	}

	r.stats.Drifted++
	if !ok {
		log.Printf("%s: HEAD at rev %s has no sequencer event", did, headRev)
	} else {
		log.Printf("%s: HEAD at rev %s does not match last sequenced rev %s", did, headRev, lastRev)
	}

	if r.dryRun {
		return nil
	}

	decodedHead, err := cid.Decode(headCID)
	if err != nil {
		return fmt.Errorf("decode HEAD cid: %w", err)
	}

	var diffCAR bytes.Buffer
	// ExportBlocks writes the HEAD commit block first as the CAR root
	// and skips it in the requested list, so this CAR holds just that
	// block, which is all a synthetic resync event needs to carry.
	if err := engine.ExportBlocks(ctx, actorDB, []cid.Cid{decodedHead}, &diffCAR); err != nil {
		return fmt.Errorf("export head block: %w", err)
	}

	evt := repo.CommitEvent{
		CommitCID: headCID,
		Rev:       headRev,
		PrevRev:   lastRev,
		Ops:       nil,
		DiffCAR:   diffCAR.Bytes(),
	}
	if _, err := sequencer.AppendCommit(ctx, did, evt); err != nil {
		return fmt.Errorf("append synthetic commit: %w", err)
	}

	r.stats.Repaired++
	log.Printf("%s: appended synthetic commit event for rev %s", did, headRev)
	return nil
}

// lastSequencedRev returns the rev field of the most recent
// non-invalidated commit event recorded for did, mirroring the
// maintenance sweeper's read-only check.
func lastSequencedRev(ctx context.Context, accountDB *database.DB, did string) (rev string, ok bool, err error) {
	var payload []byte
	err = accountDB.Conn.QueryRowContext(ctx,
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
