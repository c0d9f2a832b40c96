package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futures-fleet/account"
	"futures-fleet/binance"
)

var testAccount = account.Account{Name: "TRADER1", APIKey: "test-key", APISecret: "test-secret"}

// streamServer serves the listen key endpoints and upgrades /ws/<key> to a
// websocket handed to onConn.
type streamServer struct {
	server *httptest.Server

	creates    atomic.Int64
	keepalives atomic.Int64
}

func newStreamServer(t *testing.T, onConn func(conn *websocket.Conn)) *streamServer {
	t.Helper()
	s := &streamServer{}
	upgrader := websocket.Upgrader{}

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/fapi/v1/listenKey" && r.Method == http.MethodPost:
			s.creates.Add(1)
			fmt.Fprint(w, `{"listenKey":"lk-test"}`)
		case r.URL.Path == "/fapi/v1/listenKey" && r.Method == http.MethodPut:
			s.keepalives.Add(1)
			fmt.Fprint(w, `{}`)
		case r.URL.Path == "/ws/lk-test":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			onConn(conn)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *streamServer) clientConfig() binance.Config {
	return binance.Config{
		BaseURL:   s.server.URL,
		StreamURL: "ws" + strings.TrimPrefix(s.server.URL, "http"),
	}
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatal("event channel closed while waiting for an event")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return Event{}
}

func TestSessionDeliversConnectedMarkerThenEvents(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)

	server := newStreamServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		payload := `{"e":"ACCOUNT_UPDATE","a":{"P":[{"s":"BTCUSDT","pa":"0.020","ep":"25000.0","up":"1.0"}]}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return
		}
		<-hold
	})

	client := binance.NewClient(server.clientConfig(), zap.NewNop())
	manager := NewManager(client, testAccount, Config{ReconnectDelay: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(runDone)
	}()

	first := waitEvent(t, manager.Events())
	if !first.Connected {
		t.Fatalf("first event = %+v, want the connected marker", first)
	}

	second := waitEvent(t, manager.Events())
	if second.Account == nil {
		t.Fatalf("second event = %+v, want an account update", second)
	}
	if got := second.Account.Positions[0].Symbol; got != "BTCUSDT" {
		t.Fatalf("position symbol = %q, want BTCUSDT", got)
	}

	if got := manager.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}

	// The event channel closes with the session.
	for {
		select {
		case _, ok := <-manager.Events():
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event channel not closed after Run returned")
		}
	}
}

func TestSessionReconnectsAfterDisconnect(t *testing.T) {
	server := newStreamServer(t, func(conn *websocket.Conn) {
		conn.Close() // drop every connection immediately
	})

	client := binance.NewClient(server.clientConfig(), zap.NewNop())
	manager := NewManager(client, testAccount, Config{ReconnectDelay: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(runDone)
	}()

	// Every (re)connect delivers a fresh marker so the consumer can re-prime
	// its position state.
	var markers int64
	deadline := time.After(2 * time.Second)
	for markers < 3 {
		select {
		case event, ok := <-manager.Events():
			if !ok {
				t.Fatal("event channel closed during reconnect loop")
			}
			if event.Connected {
				markers++
			}
		case <-deadline:
			t.Fatalf("saw %d connected markers before timeout, want 3", markers)
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
	for event := range manager.Events() {
		if event.Connected {
			markers++
		}
	}

	// One listen key per connect: a disconnect schedules exactly one
	// reconnect, never a duplicate. The cancel may have cut off one final
	// session between its create and its marker.
	creates := server.creates.Load()
	if creates != markers && creates != markers+1 {
		t.Fatalf("listen key created %d times for %d connects, want one per connect", creates, markers)
	}
}

func TestRenewalStopsWhenSessionEnds(t *testing.T) {
	server := newStreamServer(t, func(conn *websocket.Conn) { conn.Close() })

	client := binance.NewClient(server.clientConfig(), zap.NewNop())
	manager := NewManager(client, testAccount, Config{
		RenewalInterval: 20 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go manager.renewLoop(ctx, done)

	deadline := time.After(2 * time.Second)
	for server.keepalives.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("saw %d keep-alives before timeout, want 2", server.keepalives.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Closing done is what serve does on teardown; the ticker must die with
	// it, not with the context.
	close(done)
	time.Sleep(30 * time.Millisecond) // let an in-flight renewal land
	stopped := server.keepalives.Load()
	time.Sleep(100 * time.Millisecond)
	if got := server.keepalives.Load(); got != stopped {
		t.Fatalf("keep-alives kept firing after teardown: %d -> %d", stopped, got)
	}
}

func TestReconnectReplacesRenewalTicker(t *testing.T) {
	const interval = 40 * time.Millisecond

	dropFirst := make(chan struct{})
	hold := make(chan struct{})
	defer close(hold)

	var conns atomic.Int64
	server := newStreamServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if conns.Add(1) == 1 {
			<-dropFirst
			return
		}
		<-hold
	})

	client := binance.NewClient(server.clientConfig(), zap.NewNop())
	manager := NewManager(client, testAccount, Config{
		ReconnectDelay:  10 * time.Millisecond,
		RenewalInterval: interval,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	first := waitEvent(t, manager.Events())
	if !first.Connected {
		t.Fatalf("first event = %+v, want the connected marker", first)
	}

	// Let the first session's ticker prove it is alive, then drop the
	// connection out from under it.
	deadline := time.After(4 * time.Second)
	for server.keepalives.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("saw %d keep-alives before timeout, want 2", server.keepalives.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(dropFirst)

	second := waitEvent(t, manager.Events())
	if !second.Connected {
		t.Fatalf("event after disconnect = %+v, want a connected marker", second)
	}

	// A single live ticker needs at least three full intervals to land four
	// more renewals. A leaked ticker from the first session would interleave
	// with the new one and land them sooner.
	base := server.keepalives.Load()
	start := time.Now()
	for server.keepalives.Load() < base+4 {
		select {
		case <-deadline:
			t.Fatalf("saw %d keep-alives after reconnect before timeout, want %d", server.keepalives.Load()-base, 4)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if elapsed := time.Since(start); elapsed < 3*interval {
		t.Fatalf("four renewals landed in %v, want at least %v from a single ticker", elapsed, 3*interval)
	}
}

func TestSessionRenewsListenKey(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)

	server := newStreamServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		<-hold
	})

	client := binance.NewClient(server.clientConfig(), zap.NewNop())
	manager := NewManager(client, testAccount, Config{
		ReconnectDelay:  10 * time.Millisecond,
		RenewalInterval: 20 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	waitEvent(t, manager.Events()) // connected

	deadline := time.After(2 * time.Second)
	for server.keepalives.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("saw %d keep-alives before timeout, want 2", server.keepalives.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The connection stayed up the whole time: still exactly one session.
	if got := server.creates.Load(); got != 1 {
		t.Fatalf("listen key created %d times while connected, want 1", got)
	}
}
