package events

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// subscriberBufferSize bounds how far a subscriber can lag behind
	// the live stream before it is disconnected (§4.7 backpressure).
	subscriberBufferSize = 1000

	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second

	// pongWait is how long a connection may go without a pong before
	// it is considered dead.
	pongWait = 60 * time.Second

	// pingInterval is how often a keepalive ping is sent.
	pingInterval = (pongWait * 9) / 10
)

// consumerTooSlowCloseCode is the websocket close code atproto
// firehose implementations use to tell a backpressured subscriber why
// it was disconnected, so it knows to reconnect with a fresh cursor
// rather than treat this as a transient network error.
const consumerTooSlowCloseCode = 1008

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscriber is one connected com.atproto.sync.subscribeRepos client.
type subscriber struct {
	ch   chan Frame
	done chan struct{}
}

// Firehose multiplexes the durable event log out to live WebSocket
// subscribers (§4.7): new connections backfill from their cursor via
// the Sequencer, then are handed live frames as they are sequenced,
// with no gap between the two because the subscriber is registered
// for live delivery before backfill begins. Registering before backfill
// can hand the same event to both paths — once from RangeFrom's
// snapshot, once from Broadcast — so ServeWS also tracks the highest
// seq it wrote during backfill and discards any live frame at or below
// it, keeping delivery exactly-once rather than merely gap-free.
type Firehose struct {
	seq *Sequencer

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewFirehose returns a Firehose that backfills from seq.
func NewFirehose(seq *Sequencer) *Firehose {
	return &Firehose{seq: seq, subs: make(map[*subscriber]struct{})}
}

// Broadcast hands frame to every live subscriber, dropping it (and
// disconnecting the subscriber) for any whose buffer is full (§4.7
// ConsumerTooSlow).
func (f *Firehose) Broadcast(frame Frame) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		select {
		case sub.ch <- frame:
		default:
			firehoseDropped.Inc()
			close(sub.done)
		}
	}
}

// ServeWS upgrades r to a WebSocket and streams the firehose to it,
// using since (the subscribeRepos `cursor` query parameter, parsed by
// the caller) as the backfill start point (§4.7, §4.8 sync surface).
func (f *Firehose) ServeWS(w http.ResponseWriter, r *http.Request, since int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("firehose: upgrade: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := &subscriber{ch: make(chan Frame, subscriberBufferSize), done: make(chan struct{})}

	// Register for live delivery before backfilling so no frame
	// sequenced during the backfill window is ever missed.
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	firehoseSubscribers.Inc()
	defer func() {
		f.mu.Lock()
		delete(f.subs, sub)
		f.mu.Unlock()
		firehoseSubscribers.Dec()
	}()

	var connMu sync.Mutex
	writeFrame := func(b []byte) error {
		connMu.Lock()
		defer connMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, b)
	}

	// Track the highest seq the backfill actually wrote, so a frame
	// sequenced concurrently with RangeFrom's snapshot — delivered once
	// here and again on sub.ch via Broadcast — isn't written twice.
	var backfillWatermark int64
	if err := f.seq.RangeFrom(ctx, since, func(fr Frame) error {
		if fr.Seq > backfillWatermark {
			backfillWatermark = fr.Seq
		}
		return writeFrame(fr.Bytes)
	}); err != nil {
		return fmt.Errorf("firehose: backfill: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				connMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				connMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.done:
			connMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(consumerTooSlowCloseCode, "ConsumerTooSlow"),
				time.Now().Add(writeTimeout))
			connMu.Unlock()
			return nil
		case frame := <-sub.ch:
			if frame.Seq <= backfillWatermark {
				// Already delivered by the backfill's RangeFrom snapshot.
				continue
			}
			if err := writeFrame(frame.Bytes); err != nil {
				return fmt.Errorf("firehose: write: %w", err)
			}
		}
	}
}
