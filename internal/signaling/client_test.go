package signaling

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

	"github.com/mirrasocial/callkit/internal/backend"
)

var upgrader = websocket.Upgrader{}

// testServer upgrades one websocket connection and exposes it.
func testServer(t *testing.T) (*httptest.Server, chan *websocket.Conn, chan string) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	auths := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns, auths
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendsBearerToken(t *testing.T) {
	srv, conns, auths := testServer(t)

	c := NewClient(wsURL(srv), backend.StaticToken("tok-9"), nil)
	c.SetHandler(func(Envelope) {})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()
	<-conns

	if got := <-auths; got != "Bearer tok-9" {
		t.Fatalf("expected bearer header, got %q", got)
	}
}

func TestInboundDemuxDiscardsStaleCalls(t *testing.T) {
	srv, conns, _ := testServer(t)

	var mu sync.Mutex
	var got []Envelope
	c := NewClient(wsURL(srv), backend.StaticToken("t"), nil)
	c.SetHandler(func(e Envelope) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()
	server := <-conns

	c.SetActiveCall("call-live")

	send := func(env Envelope) {
		raw, _ := json.Marshal(env)
		if err := server.WriteMessage(websocket.TextMessage, raw); err != nil {
			t.Fatalf("server write failed: %v", err)
		}
	}

	send(Envelope{Type: TypeUserJoined, CallID: "call-live", SenderID: "bob"})
	send(Envelope{Type: TypeEnded, CallID: "call-dead"}) // stale, dropped
	send(Envelope{Type: TypeIncoming, CallID: "call-new", SenderID: "eve",
		Payload: json.RawMessage(`{"initiatorId":"eve","callType":"audio"}`)}) // passes while busy
	send(Envelope{Type: TypeUserLeft, CallID: "call-live", SenderID: "bob"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for messages, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected stale message to be dropped, got %d messages", len(got))
	}
	// Arrival order preserved.
	if got[0].Type != TypeUserJoined || got[1].Type != TypeIncoming || got[2].Type != TypeUserLeft {
		t.Fatalf("unexpected dispatch order: %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
}

func TestSendWritesEnvelope(t *testing.T) {
	srv, conns, _ := testServer(t)

	c := NewClient(wsURL(srv), backend.StaticToken("t"), nil)
	c.SetHandler(func(Envelope) {})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()
	server := <-conns

	env, err := NewEnvelope(TypeCallStart, "call-1", "", nil)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := c.Send(context.Background(), env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	_, raw, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Type != TypeCallStart || got.CallID != "call-1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestSendWithoutConnectionIsDeliveryError(t *testing.T) {
	c := NewClient("ws://unused", backend.StaticToken("t"), nil)
	err := c.Send(context.Background(), Envelope{Type: TypeCallEnd, CallID: "c"})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if _, ok := err.(*DeliveryError); !ok {
		t.Fatalf("expected *DeliveryError, got %T", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv, conns, _ := testServer(t)

	c := NewClient(wsURL(srv), backend.StaticToken("t"), nil)
	c.SetHandler(func(Envelope) {})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	<-conns

	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}
