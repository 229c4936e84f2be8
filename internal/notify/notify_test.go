package notify_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stapelberg/hmcentral/internal/notify"
)

type recordingSink struct {
	events []notify.Event
}

func (r *recordingSink) Publish(ev notify.Event) { r.events = append(r.events, ev) }

func TestEventAddress(t *testing.T) {
	ev := notify.NewEvent(notify.ValueChanged, "MEQ0089016", 2, map[string]any{"ACTUAL_TEMPERATURE": 21.5})
	if got, want := ev.Address, "MEQ0089016:2"; got != want {
		t.Fatalf("unexpected address: got %q, want %q", got, want)
	}
	other := notify.NewEvent(notify.ValueChanged, "MEQ0089016", 2, nil)
	if ev.ID == other.ID {
		t.Fatalf("events share ID %v", ev.ID)
	}
}

func TestHubFanOut(t *testing.T) {
	h := notify.NewHub()
	sink := &recordingSink{}
	h.AddSink(sink)
	fast, cancelFast := h.Subscribe(4)
	defer cancelFast()
	_, cancelSlow := h.Subscribe(0)
	defer cancelSlow()

	ev := notify.NewEvent(notify.PeerAdded, "MEQ0059922", 0, nil)
	h.Publish(ev)

	select {
	case got := <-fast:
		if got.ID != ev.ID {
			t.Fatalf("unexpected event: got %v, want %v", got.ID, ev.ID)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}
	if got, want := len(sink.events), 1; got != want {
		t.Fatalf("unexpected number of sink events: got %d, want %d", got, want)
	}

	cancelFast()
	if _, ok := <-fast; ok {
		t.Fatal("channel not closed after cancel")
	}
	cancelFast() // must not panic
}

func TestWebsocket(t *testing.T) {
	h := notify.NewHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ev := notify.NewEvent(notify.Service, "MEQ1341845", 0, map[string]any{"UNREACH": true})
	// The subscription is set up asynchronously after the upgrade.
	deadline := time.Now().Add(2 * time.Second)
	got := make(chan notify.Event, 1)
	go func() {
		var e notify.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()
	for {
		h.Publish(ev)
		select {
		case e := <-got:
			if e.ID != ev.ID || e.Address != "MEQ1341845:0" {
				t.Fatalf("unexpected event: %+v", e)
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received")
		}
	}
}

func TestMQTTTopic(t *testing.T) {
	s := notify.NewMQTTSink("tcp://127.0.0.1:1", "test", "hmcentral/")
	defer s.Close()
	ev := notify.NewEvent(notify.ValueChanged, "MEQ0089016", 1, nil)
	if got, want := s.Topic(ev), "hmcentral/MEQ0089016/1/value-changed"; got != want {
		t.Fatalf("unexpected topic: got %q, want %q", got, want)
	}
}
