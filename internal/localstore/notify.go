package localstore

import "sync"

// ChangeKind names a committed mutation of the local store.
type ChangeKind string

const (
	ChangeCreated    ChangeKind = "page.created"
	ChangeUpdated    ChangeKind = "page.updated"
	ChangeReconciled ChangeKind = "page.reconciled"
	ChangeSynced     ChangeKind = "page.synced"
	ChangePulled     ChangeKind = "pages.pulled"
	ChangeLinks      ChangeKind = "links.changed"
	ChangeMetadata   ChangeKind = "metadata.changed"
	ChangeWiped      ChangeKind = "store.wiped"
)

// Change is delivered to subscribers after a mutation commits.
type Change struct {
	Kind    ChangeKind
	PageIDs []string
}

const subscriberBuffer = 64

type hub struct {
	mu     sync.Mutex
	subs   map[chan Change]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan Change]struct{})}
}

// Subscribe registers a listener for committed changes. The returned cancel
// func removes the listener and closes the channel. Events are dropped for a
// subscriber whose buffer is full.
func (s *Store) Subscribe() (<-chan Change, func()) {
	return s.hub.subscribe()
}

func (h *hub) subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *hub) publish(kind ChangeKind, ids ...string) {
	ev := Change{Kind: kind, PageIDs: ids}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
