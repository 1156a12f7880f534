// Package reconnect retries broken peer connections a bounded number of
// times per peer, then gives up and reports the peer as lost.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/clock"
	"github.com/mirrasocial/callkit/internal/events"
)

// Rebuilder tears down and re-establishes the connection to one peer.
type Rebuilder interface {
	Rebuild(ctx context.Context, peerID string) error
}

// ExhaustedHandler is invoked once per peer when the retry budget runs
// out. The call layer uses it to drop the participant.
type ExhaustedHandler func(peerID string)

// Supervisor tracks per-peer retry budgets for the active call. Budgets
// are independent: one flapping peer never consumes another's attempts.
// A successful reconnect resets that peer's budget.
type Supervisor struct {
	rebuild     Rebuilder
	connections *events.Stream[events.ConnectionEvent]
	clk         clock.Clock
	log         *zap.Logger

	maxAttempts int
	baseDelay   time.Duration
	onExhausted ExhaustedHandler
	refresh     func(ctx context.Context) error

	mu       sync.Mutex
	callID   string
	attempts map[string]int
	backoffs map[string]backoff.BackOff
	pending  map[string]pendingRetry
	failed   map[string]struct{}
}

// pendingRetry identifies one scheduled attempt so a stale goroutine
// never cancels its successor.
type pendingRetry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Supervisor. maxAttempts is the per-peer retry budget and
// baseDelay the initial wait before the first retry.
func New(rebuild Rebuilder, connections *events.Stream[events.ConnectionEvent], clk clock.Clock, maxAttempts int, baseDelay time.Duration, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Supervisor{
		rebuild:     rebuild,
		connections: connections,
		clk:         clk,
		log:         logger.Named("reconnect"),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		attempts:    make(map[string]int),
		backoffs:    make(map[string]backoff.BackOff),
		pending:     make(map[string]pendingRetry),
		failed:      make(map[string]struct{}),
	}
}

// OnExhausted registers the budget-exhausted callback. Call before
// Start.
func (s *Supervisor) OnExhausted(h func(peerID string)) { s.onExhausted = h }

// OnFinalRetry registers a hook run before a peer's last attempt,
// typically a forced relay credential refresh to rule out expiry as the
// cause of the repeated failures. Call before Start.
func (s *Supervisor) OnFinalRetry(f func(ctx context.Context) error) { s.refresh = f }

// Start scopes the supervisor to one call.
func (s *Supervisor) Start(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = callID
}

// Stop cancels every pending retry and clears all budgets. Called when
// the call ends so no retry outlives the session.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	pending := s.pending
	s.callID = ""
	s.attempts = make(map[string]int)
	s.backoffs = make(map[string]backoff.BackOff)
	s.pending = make(map[string]pendingRetry)
	s.failed = make(map[string]struct{})
	s.mu.Unlock()

	for _, p := range pending {
		p.cancel()
	}
}

// PeerConnected resets the peer's budget and reports the recovery.
func (s *Supervisor) PeerConnected(peerID string) {
	s.mu.Lock()
	callID := s.callID
	delete(s.attempts, peerID)
	delete(s.backoffs, peerID)
	delete(s.failed, peerID)
	if p, ok := s.pending[peerID]; ok {
		delete(s.pending, peerID)
		p.cancel()
	}
	s.mu.Unlock()

	s.publish(events.ConnectionEvent{
		CallID: callID,
		PeerID: peerID,
		State:  events.ConnConnected,
	})
}

// PeerLost is called when a peer's connection drops or fails. It either
// schedules a retry or, with the budget exhausted, reports the peer as
// permanently lost.
func (s *Supervisor) PeerLost(peerID string) {
	s.mu.Lock()
	if s.callID == "" {
		// Call already ended; drop the straggler.
		s.mu.Unlock()
		return
	}
	callID := s.callID

	if _, done := s.failed[peerID]; done {
		// Already reported as lost; the terminal event fires once.
		s.mu.Unlock()
		return
	}
	if _, ok := s.pending[peerID]; ok {
		// A retry is already scheduled for this peer.
		s.mu.Unlock()
		return
	}

	if s.attempts[peerID] >= s.maxAttempts {
		s.failed[peerID] = struct{}{}
		s.mu.Unlock()
		s.exhaust(callID, peerID)
		return
	}

	s.attempts[peerID]++
	attempt := s.attempts[peerID]

	bo, ok := s.backoffs[peerID]
	if !ok {
		bo = s.newBackoff()
		s.backoffs[peerID] = bo
	}
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		s.failed[peerID] = struct{}{}
		s.mu.Unlock()
		s.exhaust(callID, peerID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.pending[peerID] = pendingRetry{ctx: ctx, cancel: cancel}
	s.mu.Unlock()

	s.publish(events.ConnectionEvent{
		CallID:  callID,
		PeerID:  peerID,
		State:   events.ConnReconnecting,
		Attempt: attempt,
	})
	s.log.Info("scheduling reconnect",
		zap.String("peer_id", peerID),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", s.maxAttempts),
		zap.Duration("delay", delay))

	go s.retry(ctx, peerID, delay, attempt == s.maxAttempts)
}

func (s *Supervisor) retry(ctx context.Context, peerID string, delay time.Duration, last bool) {
	if err := s.clk.Sleep(ctx, delay); err != nil {
		// Cancelled: the call ended or the peer recovered on its own.
		s.clearPending(peerID, ctx)
		return
	}

	if last && s.refresh != nil {
		// Last chance for this peer; rule out expired relay credentials.
		if err := s.refresh(ctx); err != nil {
			s.log.Warn("credential refresh before final attempt failed",
				zap.String("peer_id", peerID), zap.Error(err))
		}
	}

	err := s.rebuild.Rebuild(ctx, peerID)
	s.clearPending(peerID, ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("reconnect attempt failed",
			zap.String("peer_id", peerID), zap.Error(err))
		s.PeerLost(peerID)
	}
	// A successful rebuild reports back through the connection state
	// callback, which calls PeerConnected and resets the budget.
}

// clearPending removes this attempt's bookkeeping, but only if it still
// owns the slot.
func (s *Supervisor) clearPending(peerID string, ctx context.Context) {
	s.mu.Lock()
	if p, ok := s.pending[peerID]; ok && p.ctx == ctx {
		delete(s.pending, peerID)
		p.cancel()
	}
	s.mu.Unlock()
}

func (s *Supervisor) exhaust(callID, peerID string) {
	s.log.Warn("reconnect budget exhausted, giving up on peer",
		zap.String("peer_id", peerID),
		zap.Int("max_attempts", s.maxAttempts))
	s.publish(events.ConnectionEvent{
		CallID: callID,
		PeerID: peerID,
		State:  events.ConnFailed,
	})
	if s.onExhausted != nil {
		s.onExhausted(peerID)
	}
}

func (s *Supervisor) publish(ev events.ConnectionEvent) {
	if s.connections != nil {
		s.connections.Publish(ev)
	}
}

func (s *Supervisor) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.baseDelay
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall time
	return bo
}
