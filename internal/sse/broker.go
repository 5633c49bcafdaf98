// Package sse implements a Server-Sent Events broker that tells an owner's
// devices when their pages changed on the server.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// EventPagesChanged is sent to an owner's subscribers after a push changed
// some of their pages.
const EventPagesChanged = "pages.changed"

// Event represents an SSE event addressed to one owner.
type Event struct {
	Owner string `json:"-"`
	Type  string `json:"type"`
	Data  any    `json:"data"`
}

type subscription struct {
	owner string
	ch    chan []byte
}

type changeReq struct {
	owner string
	ids   []string
}

type countReq struct {
	owner string
	resp  chan int
}

// Broker manages SSE client connections and fans events out per owner.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients, per-owner throttle timestamps and pending ids). Public methods
// communicate with this loop through channels, so no mutexes are required.
type Broker struct {
	minInterval time.Duration
	keepAlive   time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	changeCh      chan changeReq
	countReqCh    chan countReq

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that sends at most one pages.changed event per
// owner per throttle interval; ids arriving inside the window are coalesced
// into the next event.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 2 * time.Second
	}

	b := &Broker{
		minInterval:   throttle,
		keepAlive:     30 * time.Second,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		changeCh:      make(chan changeReq, 256),
		countReqCh:    make(chan countReq),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]string)
	lastSent := make(map[string]time.Time)
	pending := make(map[string]map[string]struct{})

	flushTicker := time.NewTicker(b.minInterval / 2)
	defer flushTicker.Stop()

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

		for ch, owner := range clients {
			if owner != event.Owner {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	flush := func(owner string, now time.Time) {
		set := pending[owner]
		delete(pending, owner)
		if len(set) == 0 {
			return
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		lastSent[owner] = now
		broadcast(Event{Owner: owner, Type: EventPagesChanged, Data: map[string][]string{"ids": ids}})
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.owner

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.changeCh:
			set := pending[req.owner]
			if set == nil {
				set = make(map[string]struct{})
				pending[req.owner] = set
			}
			for _, id := range req.ids {
				set[id] = struct{}{}
			}
			now := time.Now()
			if now.Sub(lastSent[req.owner]) >= b.minInterval {
				flush(req.owner, now)
			}

		case now := <-flushTicker.C:
			for owner := range pending {
				if now.Sub(lastSent[owner]) >= b.minInterval {
					flush(owner, now)
				}
			}

		case req := <-b.countReqCh:
			n := 0
			for _, owner := range clients {
				if req.owner == "" || owner == req.owner {
					n++
				}
			}
			req.resp <- n
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client for owner and returns its channel.
func (b *Broker) Subscribe(owner string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{owner: owner, ch: ch}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients of owner, or of all
// owners when owner is empty.
func (b *Broker) ClientCount(owner string) int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- countReq{owner: owner, resp: resp}:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to the connected clients of event.Owner.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishPagesChanged records that ids of owner changed and emits a
// throttled pages.changed event.
func (b *Broker) PublishPagesChanged(owner string, ids []string) {
	if b.closed.Load() || len(ids) == 0 {
		return
	}
	select {
	case b.changeCh <- changeReq{owner: owner, ids: ids}:
	case <-b.stopped:
	}
}

// Stream serves the event stream of owner until the client disconnects or
// the broker closes.
func (b *Broker) Stream(w http.ResponseWriter, r *http.Request, owner string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(owner)
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
