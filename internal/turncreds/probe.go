package turncreds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/backend"
)

// Verifier checks that a credential set actually authenticates against
// the relay it names.
type Verifier interface {
	Verify(ctx context.Context, creds *Credentials) error
}

// allocationVerifier performs a real TURN allocation and releases it.
type allocationVerifier struct{}

func (allocationVerifier) Verify(ctx context.Context, creds *Credentials) error {
	addr := ""
	for _, u := range creds.URLs {
		if strings.HasPrefix(u, "turn:") {
			addr = strings.TrimPrefix(u, "turn:")
			break
		}
	}
	if addr == "" {
		return fmt.Errorf("no turn: URL in credential set")
	}
	// Strip ?transport=udp style suffixes.
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("failed to open probe socket: %w", err)
	}
	defer conn.Close()

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr,
		TURNServerAddr: addr,
		Conn:           conn,
		Username:       creds.Username,
		Password:       creds.Credential,
		LoggerFactory:  logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		return fmt.Errorf("failed to create turn client: %w", err)
	}
	defer client.Close()

	if err := client.Listen(); err != nil {
		return fmt.Errorf("turn client listen failed: %w", err)
	}

	relay, err := client.Allocate()
	if err != nil {
		return fmt.Errorf("relay allocation failed: %w", err)
	}
	return relay.Close()
}

// ProbeSTUN checks reachability of each configured STUN server with a
// binding request. Unreachable servers are reported, not fatal.
func (m *Manager) ProbeSTUN(ctx context.Context) []error {
	var failures []error
	for _, u := range m.stunURLs {
		if !strings.HasPrefix(u, "stun:") {
			continue
		}
		if err := bindingProbe(ctx, strings.TrimPrefix(u, "stun:")); err != nil {
			m.log.Warn("STUN server unreachable", zap.String("url", u), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", u, err))
		}
	}
	return failures
}

func bindingProbe(ctx context.Context, addr string) error {
	client, err := stun.Dial("udp4", addr)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer client.Close()

	deadline := time.Now().Add(3 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	done := make(chan error, 1)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if err := client.Start(msg, func(res stun.Event) {
		done <- res.Error
	}); err != nil {
		return fmt.Errorf("binding request failed: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("binding response timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func asAPIError(err error, target **backend.APIError) bool {
	return errors.As(err, target)
}
