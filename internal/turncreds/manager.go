// Package turncreds manages time-boxed TURN relay credentials: lazy
// fetch, in-memory caching, stale fallback, and a STUN-only floor so
// ICE configuration is always available to the peer layer.
package turncreds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/backend"
	"github.com/mirrasocial/callkit/internal/clock"
	"github.com/mirrasocial/callkit/internal/crypto"
)

// expirySlack refreshes credentials slightly before the server-side TTL
// so in-flight negotiations don't straddle the boundary.
const expirySlack = 30 * time.Second

// Fetcher obtains fresh relay credentials from the backend.
type Fetcher interface {
	TurnCredentials(ctx context.Context) (*backend.TurnCredentials, error)
}

// Credentials is a cached relay credential set.
type Credentials struct {
	URLs       []string  `json:"urls"`
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Fresh reports whether the credentials are still usable at t.
func (c *Credentials) Fresh(t time.Time) bool {
	return c != nil && t.Add(expirySlack).Before(c.ExpiresAt)
}

// Manager caches relay credentials process-wide. It never fails the
// caller: at worst ICEServers returns the public STUN list.
type Manager struct {
	fetch    Fetcher
	stunURLs []string
	clock    clock.Clock
	log      *zap.Logger
	verify   Verifier

	// encrypted disk fallback for degraded-network bootstrap
	cachePath string
	cacheKey  string

	mu     sync.Mutex
	cached *Credentials
}

// Option tweaks Manager construction.
type Option func(*Manager)

// WithClock injects a clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDiskCache enables the encrypted on-disk fallback cache.
func WithDiskCache(path, key string) Option {
	return func(m *Manager) {
		m.cachePath = path
		m.cacheKey = key
	}
}

// WithVerifier injects the credential verifier used by ForceRefresh.
func WithVerifier(v Verifier) Option {
	return func(m *Manager) { m.verify = v }
}

// NewManager builds a Manager. stunURLs is the unconditional floor.
func NewManager(fetch Fetcher, stunURLs []string, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		fetch:    fetch,
		stunURLs: stunURLs,
		clock:    clock.Real(),
		log:      logger.Named("turncreds"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.verify == nil {
		m.verify = allocationVerifier{}
	}
	m.loadDiskCache()
	return m
}

// ICEServers returns the STUN list plus a TURN descriptor when
// credentials are available. Fetch failures fall back to the last
// cached (possibly stale) credentials, then to STUN-only.
func (m *Manager) ICEServers(ctx context.Context) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: append([]string(nil), m.stunURLs...)}}

	creds := m.current(ctx)
	if creds != nil {
		servers = append(servers, webrtc.ICEServer{
			URLs:       append([]string(nil), creds.URLs...),
			Username:   creds.Username,
			Credential: creds.Credential,
		})
	}
	return servers
}

// ForceRefresh discards the cache and refetches, then verifies the new
// credentials by performing a relay allocation. Used when negotiation
// repeatedly fails, to rule out expired credentials.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()

	creds, err := m.fetchWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("credential refresh failed: %w", err)
	}

	if err := m.verify.Verify(ctx, creds); err != nil {
		m.log.Warn("fetched TURN credentials failed verification", zap.Error(err))
		return fmt.Errorf("credential verification failed: %w", err)
	}

	m.store(creds)
	return nil
}

// ApplyServerUpdate installs credentials pushed over the signaling
// channel (webrtc:config), replacing any cached set.
func (m *Manager) ApplyServerUpdate(urls []string, username, credential string, ttlSeconds int) {
	if len(urls) == 0 {
		return
	}
	m.store(&Credentials{
		URLs:       urls,
		Username:   username,
		Credential: credential,
		ExpiresAt:  m.clock.Now().Add(time.Duration(ttlSeconds) * time.Second),
	})
	m.log.Info("applied server-pushed ICE configuration", zap.Int("urls", len(urls)))
}

func (m *Manager) current(ctx context.Context) *Credentials {
	m.mu.Lock()
	cached := m.cached
	m.mu.Unlock()

	if cached.Fresh(m.clock.Now()) {
		return cached
	}

	creds, err := m.fetchWithRetry(ctx)
	if err != nil {
		if cached != nil {
			// Stale beats nothing: relay auth may still be accepted
			// server-side within its grace window.
			m.log.Warn("credential fetch failed, using stale cache", zap.Error(err))
			return cached
		}
		m.log.Warn("credential fetch failed, STUN-only", zap.Error(err))
		return nil
	}

	m.store(creds)
	return creds
}

func (m *Manager) fetchWithRetry(ctx context.Context) (*Credentials, error) {
	var out *Credentials
	op := func() error {
		fetched, err := m.fetch.TurnCredentials(ctx)
		if err != nil {
			var apiErr *backend.APIError
			if ok := asAPIError(err, &apiErr); ok && apiErr.Status >= 400 && apiErr.Status < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		out = &Credentials{
			URLs:       fetched.URLs,
			Username:   fetched.Username,
			Credential: fetched.Credential,
			ExpiresAt:  m.clock.Now().Add(time.Duration(fetched.TTLSeconds) * time.Second),
		}
		return nil
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 200 * time.Millisecond
	ebo.MaxElapsedTime = 5 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(ebo, 2), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) store(creds *Credentials) {
	m.mu.Lock()
	m.cached = creds
	m.mu.Unlock()
	m.saveDiskCache(creds)
}

func (m *Manager) loadDiskCache() {
	if m.cachePath == "" || m.cacheKey == "" {
		return
	}
	blob, err := os.ReadFile(m.cachePath)
	if err != nil {
		return
	}
	raw, err := crypto.Open(string(blob), m.cacheKey)
	if err != nil {
		m.log.Warn("discarding unreadable credential cache", zap.Error(err))
		return
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return
	}
	// Even expired entries are worth keeping as the stale fallback.
	m.cached = &creds
	m.log.Debug("loaded credential cache", zap.Time("expires_at", creds.ExpiresAt))
}

func (m *Manager) saveDiskCache(creds *Credentials) {
	if m.cachePath == "" || m.cacheKey == "" || creds == nil {
		return
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return
	}
	blob, err := crypto.Seal(raw, m.cacheKey)
	if err != nil {
		m.log.Warn("failed to seal credential cache", zap.Error(err))
		return
	}
	if err := os.WriteFile(m.cachePath, []byte(blob), 0o600); err != nil {
		m.log.Warn("failed to write credential cache", zap.Error(err))
	}
}
