package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirrasocial/callkit/internal/clock"
	"github.com/mirrasocial/callkit/internal/events"
)

// instantClock makes scheduled retries fire immediately.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Unix(0, 0) }

func (instantClock) AfterFunc(time.Duration, func()) clock.Timer { return timerStub{} }

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type timerStub struct{}

func (timerStub) Stop() bool { return false }

// blockingClock parks every Sleep until the context is cancelled.
type blockingClock struct {
	instantClock
	sleeping chan struct{}
}

func (c *blockingClock) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case c.sleeping <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakeRebuilder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRebuilder) Rebuild(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *fakeRebuilder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRebuilder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func TestRetryBudgetExhausted(t *testing.T) {
	bus := events.NewBus()
	conns, cancel := bus.Connections.Subscribe()
	defer cancel()

	rebuilder := &fakeRebuilder{err: errors.New("still down")}
	s := New(rebuilder, bus.Connections, instantClock{}, 3, time.Second, nil)

	exhausted := make(chan string, 1)
	s.OnExhausted(func(peerID string) { exhausted <- peerID })
	s.Start("call-1")
	defer s.Stop()

	s.PeerLost("bob")

	select {
	case peerID := <-exhausted:
		if peerID != "bob" {
			t.Fatalf("wrong peer exhausted: %q", peerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for budget exhaustion")
	}

	if got := rebuilder.count(); got != 3 {
		t.Fatalf("expected exactly 3 rebuild attempts, got %d", got)
	}

	var reconnecting, failed int
	for done := false; !done; {
		select {
		case ev := <-conns:
			switch ev.State {
			case events.ConnReconnecting:
				reconnecting++
				if ev.Attempt != reconnecting {
					t.Fatalf("attempt numbers out of order: got %d want %d", ev.Attempt, reconnecting)
				}
			case events.ConnFailed:
				failed++
			}
		default:
			done = true
		}
	}
	if reconnecting != 3 || failed != 1 {
		t.Fatalf("expected 3 reconnecting + 1 failed events, got %d + %d", reconnecting, failed)
	}
}

func TestExhaustionIsReportedOnce(t *testing.T) {
	bus := events.NewBus()
	conns, cancel := bus.Connections.Subscribe()
	defer cancel()

	rebuilder := &fakeRebuilder{err: errors.New("down")}
	s := New(rebuilder, bus.Connections, instantClock{}, 1, time.Second, nil)

	exhausted := make(chan string, 4)
	s.OnExhausted(func(peerID string) { exhausted <- peerID })
	s.Start("call-1")
	defer s.Stop()

	s.PeerLost("bob")
	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("budget never exhausted")
	}

	// Further loss signals for a written-off peer are ignored.
	s.PeerLost("bob")
	s.PeerLost("bob")

	select {
	case peerID := <-exhausted:
		t.Fatalf("exhaustion re-fired for %q", peerID)
	case <-time.After(50 * time.Millisecond):
	}

	var failed int
	for done := false; !done; {
		select {
		case ev := <-conns:
			if ev.State == events.ConnFailed {
				failed++
			}
		default:
			done = true
		}
	}
	if failed != 1 {
		t.Fatalf("expected one terminal failed event, got %d", failed)
	}
	if got := rebuilder.count(); got != 1 {
		t.Fatalf("written-off peer was rebuilt again: %d attempts", got)
	}
}

func TestCredentialRefreshBeforeFinalAttempt(t *testing.T) {
	bus := events.NewBus()
	rebuilder := &fakeRebuilder{err: errors.New("down")}
	s := New(rebuilder, bus.Connections, instantClock{}, 3, time.Second, nil)

	var mu sync.Mutex
	var refreshes []int // rebuild count observed at each refresh
	s.OnFinalRetry(func(context.Context) error {
		mu.Lock()
		refreshes = append(refreshes, rebuilder.count())
		mu.Unlock()
		return nil
	})

	exhausted := make(chan string, 1)
	s.OnExhausted(func(peerID string) { exhausted <- peerID })
	s.Start("call-1")
	defer s.Stop()

	s.PeerLost("bob")
	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("budget never exhausted")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(refreshes) != 1 {
		t.Fatalf("expected one refresh, got %d", len(refreshes))
	}
	// Refresh runs after the first two attempts, before the last one.
	if refreshes[0] != 2 {
		t.Fatalf("refresh ran at the wrong point: %d attempts already made", refreshes[0])
	}
}

func TestPeerConnectedResetsBudget(t *testing.T) {
	bus := events.NewBus()
	rebuilder := &fakeRebuilder{err: errors.New("down")}
	s := New(rebuilder, bus.Connections, instantClock{}, 2, time.Second, nil)

	exhausted := make(chan string, 2)
	s.OnExhausted(func(peerID string) { exhausted <- peerID })
	s.Start("call-1")
	defer s.Stop()

	s.PeerLost("bob")
	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("first budget never exhausted")
	}
	if got := rebuilder.count(); got != 2 {
		t.Fatalf("expected 2 attempts in first round, got %d", got)
	}

	// Peer recovers: full budget again.
	s.PeerConnected("bob")
	s.PeerLost("bob")
	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("second budget never exhausted")
	}
	if got := rebuilder.count(); got != 4 {
		t.Fatalf("expected budget reset to allow 2 more attempts, got %d total", got)
	}
}

func TestBudgetsAreIndependentPerPeer(t *testing.T) {
	bus := events.NewBus()
	rebuilder := &fakeRebuilder{err: errors.New("down")}
	s := New(rebuilder, bus.Connections, instantClock{}, 1, time.Second, nil)

	exhausted := make(chan string, 2)
	s.OnExhausted(func(peerID string) { exhausted <- peerID })
	s.Start("call-1")
	defer s.Stop()

	s.PeerLost("bob")
	s.PeerLost("carol")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case peerID := <-exhausted:
			seen[peerID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for exhaustion")
		}
	}
	if !seen["bob"] || !seen["carol"] {
		t.Fatalf("both peers should exhaust independently, saw %v", seen)
	}
	if got := rebuilder.count(); got != 2 {
		t.Fatalf("expected one attempt per peer, got %d", got)
	}
}

func TestStopCancelsPendingRetry(t *testing.T) {
	bus := events.NewBus()
	rebuilder := &fakeRebuilder{}
	clk := &blockingClock{sleeping: make(chan struct{}, 1)}
	s := New(rebuilder, bus.Connections, clk, 3, time.Minute, nil)
	s.Start("call-1")

	s.PeerLost("bob")
	select {
	case <-clk.sleeping:
	case <-time.After(2 * time.Second):
		t.Fatal("retry never started waiting")
	}

	s.Stop()

	// Give the cancelled goroutine a moment; it must not rebuild.
	time.Sleep(20 * time.Millisecond)
	if got := rebuilder.count(); got != 0 {
		t.Fatalf("cancelled retry still rebuilt %d times", got)
	}
}

func TestLostAfterStopIsIgnored(t *testing.T) {
	bus := events.NewBus()
	conns, cancel := bus.Connections.Subscribe()
	defer cancel()

	rebuilder := &fakeRebuilder{}
	s := New(rebuilder, bus.Connections, instantClock{}, 3, time.Second, nil)
	s.Start("call-1")
	s.Stop()

	s.PeerLost("bob")
	time.Sleep(20 * time.Millisecond)

	if got := rebuilder.count(); got != 0 {
		t.Fatalf("expected no rebuilds after Stop, got %d", got)
	}
	select {
	case ev := <-conns:
		t.Fatalf("unexpected event after Stop: %+v", ev)
	default:
	}
}

func TestDuplicateLossSignalsCoalesce(t *testing.T) {
	bus := events.NewBus()
	rebuilder := &fakeRebuilder{}
	clk := &blockingClock{sleeping: make(chan struct{}, 1)}
	s := New(rebuilder, bus.Connections, clk, 3, time.Minute, nil)
	s.Start("call-1")
	defer s.Stop()

	s.PeerLost("bob")
	<-clk.sleeping
	s.PeerLost("bob") // disconnected then failed arrives for the same outage

	s.mu.Lock()
	n := len(s.pending)
	attempts := s.attempts["bob"]
	s.mu.Unlock()
	if n != 1 || attempts != 1 {
		t.Fatalf("duplicate loss signal scheduled extra work: pending=%d attempts=%d", n, attempts)
	}
}
