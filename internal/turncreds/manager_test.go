package turncreds

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mirrasocial/callkit/internal/backend"
	"github.com/mirrasocial/callkit/internal/clock"
	"github.com/mirrasocial/callkit/internal/crypto"
)

var stunList = []string{"stun:stun.l.google.com:19302"}

type fakeFetcher struct {
	mu    sync.Mutex
	creds *backend.TurnCredentials
	err   error
	calls int
}

func (f *fakeFetcher) TurnCredentials(context.Context) (*backend.TurnCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.creds, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeVerifier struct{ err error }

func (v fakeVerifier) Verify(context.Context, *Credentials) error { return v.err }

func TestICEServersCachesFetch(t *testing.T) {
	fetcher := &fakeFetcher{creds: &backend.TurnCredentials{
		URLs:       []string{"turn:relay.mirra.social:3478"},
		Username:   "u",
		Credential: "c",
		TTLSeconds: 600,
	}}
	m := NewManager(fetcher, stunList, nil)

	first := m.ICEServers(context.Background())
	second := m.ICEServers(context.Background())

	if fetcher.callCount() != 1 {
		t.Fatalf("expected a single credential fetch, got %d", fetcher.callCount())
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected STUN + TURN entries, got %d and %d", len(first), len(second))
	}
	if first[0].URLs[0] != stunList[0] {
		t.Fatalf("STUN floor missing: %+v", first[0])
	}
	if first[1].Username != "u" || first[1].Credential != "c" {
		t.Fatalf("TURN entry not populated: %+v", first[1])
	}
}

// Fetch failure with no cache must still yield a usable STUN-only list.
func TestSTUNOnlyFallback(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("backend unreachable")}
	m := NewManager(fetcher, stunList, nil)

	servers := m.ICEServers(context.Background())
	if len(servers) != 1 {
		t.Fatalf("expected STUN-only list, got %d entries", len(servers))
	}
	if servers[0].URLs[0] != stunList[0] {
		t.Fatalf("unexpected servers: %+v", servers)
	}
}

func TestStaleCredentialFallback(t *testing.T) {
	fetcher := &fakeFetcher{creds: &backend.TurnCredentials{
		URLs:       []string{"turn:relay.mirra.social:3478"},
		Username:   "u",
		Credential: "c",
		TTLSeconds: 60,
	}}
	fc := &fakeClock{now: time.Now()}
	m := NewManager(fetcher, stunList, nil, WithClock(fc))

	if got := m.ICEServers(context.Background()); len(got) != 2 {
		t.Fatalf("expected TURN entry on first fetch, got %d entries", len(got))
	}

	// Advance past expiry and make the backend fail: stale creds still serve.
	fc.advance(5 * time.Minute)
	fetcher.mu.Lock()
	fetcher.err = errors.New("backend down")
	fetcher.mu.Unlock()

	servers := m.ICEServers(context.Background())
	if len(servers) != 2 {
		t.Fatalf("expected stale TURN fallback, got %d entries", len(servers))
	}
	if servers[1].Username != "u" {
		t.Fatalf("stale credentials not reused: %+v", servers[1])
	}
}

func TestFourXXIsNotRetried(t *testing.T) {
	fetcher := &fakeFetcher{err: &backend.APIError{Status: 401, Message: "expired token"}}
	m := NewManager(fetcher, stunList, nil)

	m.ICEServers(context.Background())
	if fetcher.callCount() != 1 {
		t.Fatalf("4xx should be permanent, got %d fetch attempts", fetcher.callCount())
	}
}

func TestForceRefreshVerifies(t *testing.T) {
	fetcher := &fakeFetcher{creds: &backend.TurnCredentials{
		URLs:       []string{"turn:relay.mirra.social:3478"},
		Username:   "u",
		Credential: "bad",
		TTLSeconds: 600,
	}}
	m := NewManager(fetcher, stunList, nil, WithVerifier(fakeVerifier{err: errors.New("401 unauthorized")}))

	if err := m.ForceRefresh(context.Background()); err == nil {
		t.Fatal("expected verification failure to surface")
	}

	ok := NewManager(fetcher, stunList, nil, WithVerifier(fakeVerifier{}))
	if err := ok.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
}

func TestDiskCacheRoundTrip(t *testing.T) {
	key, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "turn.cache")

	fetcher := &fakeFetcher{creds: &backend.TurnCredentials{
		URLs:       []string{"turn:relay.mirra.social:3478"},
		Username:   "u",
		Credential: "c",
		TTLSeconds: 600,
	}}
	m := NewManager(fetcher, stunList, nil, WithDiskCache(path, key))
	m.ICEServers(context.Background())

	// A fresh manager with a dead backend bootstraps from disk.
	reborn := NewManager(&fakeFetcher{err: errors.New("offline")}, stunList, nil, WithDiskCache(path, key))
	servers := reborn.ICEServers(context.Background())
	if len(servers) != 2 {
		t.Fatalf("expected cached TURN entry after cold start, got %d entries", len(servers))
	}
}

func TestApplyServerUpdate(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("offline")}
	m := NewManager(fetcher, stunList, nil)

	m.ApplyServerUpdate([]string{"turn:pushed.mirra.social:3478"}, "pu", "pc", 300)

	servers := m.ICEServers(context.Background())
	if len(servers) != 2 || servers[1].Username != "pu" {
		t.Fatalf("server-pushed config not applied: %+v", servers)
	}
}

// fakeClock advances manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) AfterFunc(time.Duration, func()) clock.Timer { return noopTimer{} }

func (f *fakeClock) Sleep(context.Context, time.Duration) error { return nil }

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }
