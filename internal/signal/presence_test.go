package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vcall/vcall/internal/identity"
)

// captureServer is a real websocket endpoint recording every envelope the
// client sends.
type captureServer struct {
	srv *httptest.Server

	mu  sync.Mutex
	got []Envelope
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	upgrader := websocket.Upgrader{}

	cs := &captureServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			cs.mu.Lock()
			cs.got = append(cs.got, env)
			cs.mu.Unlock()
		}
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *captureServer) url() string {
	return "ws" + strings.TrimPrefix(cs.srv.URL, "http")
}

// waitFor polls for the first envelope with the given event name.
func (cs *captureServer) waitFor(t *testing.T, event string, timeout time.Duration) (Envelope, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cs.mu.Lock()
		for _, env := range cs.got {
			if env.Event == event {
				cs.mu.Unlock()
				return env, true
			}
		}
		cs.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return Envelope{}, false
}

func TestPresenceAnnouncesOnConnect(t *testing.T) {
	cs := newCaptureServer(t)

	client := NewClient(cs.url())
	p := NewPresence(client)
	p.SetIdentity(identity.Identity{ID: "u1", Username: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	env, ok := cs.waitFor(t, EventAnnounceOnline, 2*time.Second)
	if !ok {
		t.Fatal("no announce-online after connect")
	}
	var id identity.Identity
	if err := json.Unmarshal(env.Data, &id); err != nil {
		t.Fatal(err)
	}
	if id.ID != "u1" || id.Username != "alice" {
		t.Errorf("announced %+v, want u1/alice", id)
	}
}

func TestPresenceIdentitySetAfterConnect(t *testing.T) {
	cs := newCaptureServer(t)

	client := NewClient(cs.url())
	p := NewPresence(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Connected with no identity: nothing announced yet.
	if _, ok := cs.waitFor(t, EventAnnounceOnline, 100*time.Millisecond); ok {
		t.Fatal("announced before an identity was known")
	}

	p.SetIdentity(identity.Identity{ID: "u2", Username: "bob"})
	if _, ok := cs.waitFor(t, EventAnnounceOnline, 2*time.Second); !ok {
		t.Error("late identity not announced on the live connection")
	}
}

func TestRequestRoster(t *testing.T) {
	cs := newCaptureServer(t)

	client := NewClient(cs.url())
	p := NewPresence(client)
	p.SetIdentity(identity.Identity{ID: "u3", Username: "carol"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	p.RequestRoster()
	if _, ok := cs.waitFor(t, EventGetOnlineUsers, 2*time.Second); !ok {
		t.Error("roster request never reached the relay")
	}
}
