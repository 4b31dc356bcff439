// Package events handles firehose event sequencing, persistence, and
// fan-out to WebSocket subscribers for com.atproto.sync.subscribeRepos.
package events

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	indigoevents "github.com/bluesky-social/indigo/events"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/ipfs/go-cid"

	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/repo"
)

// Sequencer is the durable, globally-ordered event log described by
// §4.6: every repository commit is assigned a strictly increasing seq
// by SQLite's own AUTOINCREMENT and persisted before it is ever handed
// to a subscriber. The Sequencer never deletes a row — Invalidate only
// marks rows as redacted; internal/maintenance prunes invalidated rows
// past its retention horizon.
type Sequencer struct {
	db       *database.DB
	notifyFn func(Frame)
}

// NewSequencer wraps the shared account.sqlite connection as a Sequencer.
func NewSequencer(db *database.DB) *Sequencer {
	return &Sequencer{db: db}
}

// SetBroadcaster wires f so every durably-appended commit is also
// handed to live subscribers immediately after it is persisted (§4.6
// "sequenced before being handed to any subscriber").
func (s *Sequencer) SetBroadcaster(f *Firehose) {
	s.notifyFn = f.Broadcast
}

var _ repo.Sequencer = (*Sequencer)(nil)

// AppendCommit builds the AT Protocol firehose commit record for evt,
// persists it durably, and returns its assigned seq. Implements
// repo.Sequencer so the repository engine can hand off a commit
// without importing this package's wire-format concerns.
func (s *Sequencer) AppendCommit(ctx context.Context, did string, evt repo.CommitEvent) (int64, error) {
	commitCID, err := cid.Decode(evt.CommitCID)
	if err != nil {
		return 0, fmt.Errorf("events: decode commit cid: %w", err)
	}

	ops := make([]*atproto.SyncSubscribeRepos_RepoOp, len(evt.Ops))
	for i, op := range evt.Ops {
		repoOp := &atproto.SyncSubscribeRepos_RepoOp{
			Action: op.Action,
			Path:   op.Path,
		}
		if op.CID != nil {
			ll := lexutil.LexLink(*op.CID)
			repoOp.Cid = &ll
		}
		if op.Prev != nil {
			ll := lexutil.LexLink(*op.Prev)
			repoOp.Prev = &ll
		}
		ops[i] = repoOp
	}

	var since *string
	if evt.PrevRev != "" {
		since = &evt.PrevRev
	}

	commit := &atproto.SyncSubscribeRepos_Commit{
		Repo:   did,
		Rev:    evt.Rev,
		Commit: lexutil.LexLink(commitCID),
		Blocks: lexutil.LexBytes(evt.DiffCAR),
		Ops:    ops,
		Blobs:  []lexutil.LexLink{},
		Since:  since,
		Time:   time.Now().UTC().Format(time.RFC3339),
		Rebase: false,
		TooBig: false,
	}

	var payload bytes.Buffer
	if err := commit.MarshalCBOR(&payload); err != nil {
		return 0, fmt.Errorf("events: marshal commit: %w", err)
	}

	var seq int64
	err = s.db.Conn.QueryRowContext(ctx,
		`INSERT INTO sequencer_events (did, event_type, payload) VALUES (?, 'commit', ?) RETURNING seq`,
		did, payload.Bytes(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("events: insert event: %w", err)
	}
	commitsAppended.Inc()
	latestSeq.Set(float64(seq))

	if s.notifyFn != nil {
		commit.Seq = seq
		if frameBytes, ferr := encodeCommitFrame(commit); ferr == nil {
			s.notifyFn(Frame{Seq: seq, Bytes: frameBytes})
		}
	}
	return seq, nil
}

// Frame is one decoded, re-sequenced firehose event ready to serialize
// as a wire frame.
type Frame struct {
	Seq         int64
	Invalidated bool
	Bytes       []byte // CBOR(EventHeader) + CBOR(SyncSubscribeRepos_Commit), or an #info frame for invalidated rows
}

// RangeFrom reads every event with seq > since in order and calls fn
// with its wire frame, for cursor-based backfill on WebSocket connect
// (§4.7). Invalidated rows are not skipped — a `#info` frame is
// substituted so consumers learn the gap was a deliberate redaction,
// not data loss.
func (s *Sequencer) RangeFrom(ctx context.Context, since int64, fn func(f Frame) error) error {
	rows, err := s.db.Conn.QueryContext(ctx,
		`SELECT seq, payload, invalidated FROM sequencer_events WHERE seq > ? ORDER BY seq ASC`, since)
	if err != nil {
		return fmt.Errorf("events: range query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var payload []byte
		var invalidated bool
		if err := rows.Scan(&seq, &payload, &invalidated); err != nil {
			return fmt.Errorf("events: range scan: %w", err)
		}

		var frameBytes []byte
		if invalidated {
			frameBytes, err = encodeInfoFrame("OutdatedCursor", fmt.Sprintf("event %d has been invalidated", seq))
		} else {
			var commit atproto.SyncSubscribeRepos_Commit
			if err = commit.UnmarshalCBOR(bytes.NewReader(payload)); err == nil {
				commit.Seq = seq
				frameBytes, err = encodeCommitFrame(&commit)
			}
		}
		if err != nil {
			return fmt.Errorf("events: range encode seq %d: %w", seq, err)
		}

		if err := fn(Frame{Seq: seq, Invalidated: invalidated, Bytes: frameBytes}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Invalidate marks every event at or after since for did as
// invalidated, without deleting the rows, per the §9 open-question
// resolution: redact, don't delete. No account status change in this
// module calls it.
func (s *Sequencer) Invalidate(ctx context.Context, did string, since int64) error {
	_, err := s.db.Conn.ExecContext(ctx,
		`UPDATE sequencer_events SET invalidated = 1 WHERE did = ? AND seq >= ?`, did, since)
	if err != nil {
		return fmt.Errorf("events: invalidate: %w", err)
	}
	return nil
}

// LatestSeq returns the highest seq currently recorded, or 0 if the log
// is empty, for health checks and the reconciliation sweep.
func (s *Sequencer) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.Conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM sequencer_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("events: latest seq: %w", err)
	}
	return seq.Int64, nil
}

func encodeCommitFrame(commit *atproto.SyncSubscribeRepos_Commit) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)
	header := indigoevents.EventHeader{Op: indigoevents.EvtKindMessage, MsgType: "#commit"}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("encode commit frame: marshal header: %w", err)
	}
	if err := commit.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("encode commit frame: marshal commit: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeInfoFrame builds an EvtKindMessage #info frame, the wire shape
// real atproto relays use to tell a subscriber its cursor fell behind
// the retained log (rather than silently resuming past a gap).
func encodeInfoFrame(name, message string) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)
	header := indigoevents.EventHeader{Op: indigoevents.EvtKindMessage, MsgType: "#info"}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("encode info frame: marshal header: %w", err)
	}
	info := &atproto.SyncSubscribeRepos_Info{Name: name, Message: &message}
	if err := info.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("encode info frame: marshal info: %w", err)
	}
	return buf.Bytes(), nil
}
