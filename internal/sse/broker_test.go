package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount("") != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe("alice")
	if b.ClientCount("alice") != 1 || b.ClientCount("bob") != 0 {
		t.Fatalf("expected 1 client for alice only")
	}
	b.Unsubscribe(ch)
	if b.ClientCount("") != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishScopedToOwner(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	alice := b.Subscribe("alice")
	defer b.Unsubscribe(alice)
	bob := b.Subscribe("bob")
	defer b.Unsubscribe(bob)

	b.PublishPagesChanged("alice", []string{"p1"})

	select {
	case msg := <-alice:
		s := string(msg)
		if !strings.Contains(s, "event: pages.changed") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"ids":["p1"]`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	select {
	case msg := <-bob:
		t.Fatalf("bob received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPagesChangedThrottledAndCoalesced(t *testing.T) {
	b := NewBroker(200 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("alice")
	defer b.Unsubscribe(ch)

	b.PublishPagesChanged("alice", []string{"a"})
	b.PublishPagesChanged("alice", []string{"b"})
	b.PublishPagesChanged("alice", []string{"c"})

	var msgs []string
	deadline := time.After(time.Second)
loop:
	for len(msgs) < 2 {
		select {
		case msg := <-ch:
			msgs = append(msgs, string(msg))
		case <-deadline:
			break loop
		}
	}

	if len(msgs) != 2 {
		t.Fatalf("events = %d, want 2 (first immediate, rest coalesced)", len(msgs))
	}
	if !strings.Contains(msgs[0], `"a"`) {
		t.Errorf("first event = %q", msgs[0])
	}
	if !strings.Contains(msgs[1], `"b"`) || !strings.Contains(msgs[1], `"c"`) {
		t.Errorf("coalesced event = %q", msgs[1])
	}
}

func TestStreamHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/sync/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.Stream(w, req, "alice")
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount("alice") != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Owner: "alice", Type: EventPagesChanged, Data: map[string][]string{"ids": {"x"}}})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: pages.changed") {
		t.Errorf("handler output missing event: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount("") != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe("alice")
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Owner: "alice", Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe("alice")
	if b.ClientCount("") != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount("") != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Owner: "alice", Type: "pages.changed"})
	b.PublishPagesChanged("alice", []string{"x"})
}
