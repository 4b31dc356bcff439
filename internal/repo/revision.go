package repo

import (
	"sync"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// revClock issues the monotonically increasing, millisecond-sortable
// revision identifiers described in §4.5 step 6: "rev greater than the
// previous... by taking max(now, prev + 1)". A single process-wide
// clock, serialized by a mutex, guarantees strict monotonicity across
// concurrent commits to different repositories even if wall-clock time
// is observed to go backward between calls.
type revClock struct {
	mu    sync.Mutex
	clock *syntax.TIDClock
}

var sharedRevClock = &revClock{clock: syntax.NewTIDClock(0)}

// Next returns a revision strictly greater than prevRev (or any
// revision, if prevRev is empty, i.e. repo genesis).
func (c *revClock) Next(prevRev string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rev := c.clock.Next().String()
	for prevRev != "" && rev <= prevRev {
		rev = c.clock.Next().String()
	}
	return rev
}

// NextRev returns a new revision greater than prevRev under the shared
// process clock.
func NextRev(prevRev string) string {
	return sharedRevClock.Next(prevRev)
}
