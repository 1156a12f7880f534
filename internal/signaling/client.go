package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/backend"
)

// Handler receives inbound envelopes in arrival order. It runs on the
// client's read goroutine, so it must not block for long.
type Handler func(Envelope)

// DeliveryError wraps a failed best-effort send. The channel does not
// retry; the call layer compensates with its own timeout policy.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("signaling delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Client is a thin wrapper over the websocket signaling channel.
//
// While a call is active, inbound messages tagged with any other call
// id are silently discarded, except invitations: stale and duplicate
// deliveries after a call ends are expected and must not leak through.
type Client struct {
	url    string
	tokens backend.TokenSource
	log    *zap.Logger

	handler atomic.Pointer[Handler]
	active  atomic.Pointer[string]

	mu      sync.Mutex // guards conn during Dial/Close
	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient builds a Client for the given websocket URL.
func NewClient(url string, tokens backend.TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		tokens: tokens,
		log:    logger.Named("signaling"),
		done:   make(chan struct{}),
	}
}

// SetHandler registers the inbound message handler. Call before Dial.
func (c *Client) SetHandler(h Handler) {
	c.handler.Store(&h)
}

// SetActiveCall scopes inbound demultiplexing to one call id.
func (c *Client) SetActiveCall(callID string) {
	c.active.Store(&callID)
}

// ClearActiveCall removes the demultiplexing scope.
func (c *Client) ClearActiveCall() {
	empty := ""
	c.active.Store(&empty)
}

// Dial connects with bearer authentication and starts the read loop.
func (c *Client) Dial(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain auth token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	c.log.Info("signaling channel connected", zap.String("url", c.url))
	return nil
}

// Send writes one envelope. Fire-and-forget: a failure is reported but
// never retried here.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Err: err}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &DeliveryError{Err: fmt.Errorf("not connected")}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return &DeliveryError{Err: err}
	}
	return nil
}

// Close shuts the channel down. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			err = conn.Close()
		}
	})
	return err
}

// Done is closed when the channel shuts down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Warn("signaling channel read failed", zap.Error(err))
				}
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("dropping malformed signaling message", zap.Error(err))
			continue
		}
		if env.Type == "" {
			c.log.Warn("dropping untyped signaling message")
			continue
		}

		if c.discard(env) {
			c.log.Debug("discarding signaling message for inactive call",
				zap.String("type", string(env.Type)),
				zap.String("call_id", env.CallID))
			continue
		}

		if h := c.handler.Load(); h != nil {
			// Dispatch synchronously to preserve arrival order.
			(*h)(env)
		}
	}
}

// discard applies the active-call filter. Invitations always pass so
// the call layer can auto-reject while busy.
func (c *Client) discard(env Envelope) bool {
	if env.Type == TypeIncoming {
		return false
	}
	active := c.active.Load()
	if active == nil || *active == "" {
		return false
	}
	return env.CallID != *active
}
