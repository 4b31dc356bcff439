package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-pds/pds/internal/repo"
)

// newFirehoseTestServer wires seq to fh (so appended commits are
// broadcast live) and wraps fh.ServeWS in an httptest server reachable
// over ws://.
func newFirehoseTestServer(t *testing.T, seq *Sequencer, fh *Firehose) *httptest.Server {
	t.Helper()
	seq.SetBroadcaster(fh)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, fh.ServeWS(w, r, 0))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialFirehose(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readN reads exactly n binary messages within timeout, failing the
// test if fewer arrive or the connection errors first.
func readN(t *testing.T, conn *websocket.Conn, n int, timeout time.Duration) [][]byte {
	t.Helper()
	var out [][]byte
	conn.SetReadDeadline(time.Now().Add(timeout))
	for len(out) < n {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// assertNoMoreWithin fails the test if another message arrives before
// timeout elapses, proving the subscriber isn't re-delivered something
// it already received.
func assertNoMoreWithin(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no further frames, got one")
}

func TestFirehose_BackfillDeliversEachCommitExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seq := newTestSequencer(t)
	fh := NewFirehose(seq)

	for i := 0; i < 3; i++ {
		_, err := seq.AppendCommit(ctx, "did:plc:alice", repo.CommitEvent{
			CommitCID: testCID(t, "commit").String(),
			Rev:       "rev",
		})
		require.NoError(t, err)
	}

	ts := newFirehoseTestServer(t, seq, fh)
	conn := dialFirehose(t, ts)

	frames := readN(t, conn, 3, 5*time.Second)
	require.Len(t, frames, 3)

	// Nothing else should show up: the three commits were already
	// fully backfilled, so Broadcast has no live subscriber to
	// double-deliver them to.
	assertNoMoreWithin(t, conn, 200*time.Millisecond)
}

func TestFirehose_LiveCommitDeliveredExactlyOnceAfterBackfill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seq := newTestSequencer(t)
	fh := NewFirehose(seq)

	ts := newFirehoseTestServer(t, seq, fh)
	conn := dialFirehose(t, ts)

	// Give ServeWS's empty backfill a moment to finish and reach the
	// live select loop before anything is appended.
	time.Sleep(50 * time.Millisecond)

	_, err := seq.AppendCommit(ctx, "did:plc:alice", repo.CommitEvent{
		CommitCID: testCID(t, "commit-live").String(),
		Rev:       "3k1a",
	})
	require.NoError(t, err)

	frames := readN(t, conn, 1, 5*time.Second)
	require.Len(t, frames, 1)

	assertNoMoreWithin(t, conn, 200*time.Millisecond)
}
