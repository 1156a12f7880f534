// Package backend is the REST client for the call endpoints of the
// social backend: call creation, answering, teardown, history, and
// relay credential issuance.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// TokenSource supplies the bearer token from the authentication context.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend rejected request (%d): %s", e.Status, e.Message)
}

// Call is the server-side call resource.
type Call struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId,omitempty"`
	InitiatorID    string    `json:"initiatorId"`
	Participants   []string  `json:"participants"`
	CallType       string    `json:"callType"` // audio|video
	IsGroup        bool      `json:"isGroup"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	EndedAt        time.Time `json:"endedAt,omitempty"`
}

// CreateCallRequest initiates a call against a recipient or an existing
// group conversation.
type CreateCallRequest struct {
	RecipientID    string `json:"recipientId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	CallType       string `json:"callType"`
}

// AnswerVerdict is the callee's response to an invitation.
type AnswerVerdict string

const (
	VerdictAccepted AnswerVerdict = "accepted"
	VerdictRejected AnswerVerdict = "rejected"
	VerdictMissed   AnswerVerdict = "missed"
)

// TurnCredentials is the time-boxed relay credential payload.
type TurnCredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTLSeconds int      `json:"ttl"`
}

// Client talks to the call REST surface with bearer authentication.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	log    *zap.Logger
}

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string, tokens TokenSource, logger *zap.Logger) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
		log:    logger.Named("backend"),
	}, nil
}

// CreateCall asks the server to create a call and notify recipients.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (*Call, error) {
	var out Call
	if err := c.do(ctx, http.MethodPost, "/calls", req, &out); err != nil {
		return nil, err
	}
	c.log.Info("call created", zap.String("call_id", out.ID), zap.String("type", out.CallType))
	return &out, nil
}

// AnswerCall reports the callee verdict for an invitation.
func (c *Client) AnswerCall(ctx context.Context, callID string, verdict AnswerVerdict) error {
	body := struct {
		Status AnswerVerdict `json:"status"`
	}{verdict}
	return c.do(ctx, http.MethodPut, "/calls/"+url.PathEscape(callID)+"/answer", body, nil)
}

// EndCall tells the server the caller hung up.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPut, "/calls/"+url.PathEscape(callID)+"/end", nil, nil)
}

// GetCall fetches the current state of one call.
func (c *Client) GetCall(ctx context.Context, callID string) (*Call, error) {
	var out Call
	if err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(callID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCalls pages through call history, newest first. A zero before
// time means "from now".
func (c *Client) ListCalls(ctx context.Context, limit int, before time.Time) ([]Call, error) {
	path := "/calls"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []Call
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TurnCredentials fetches fresh relay credentials.
func (c *Client) TurnCredentials(ctx context.Context) (*TurnCredentials, error) {
	var out TurnCredentials
	if err := c.do(ctx, http.MethodGet, "/webrtc/turn-credentials", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = buf
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid request path %q: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			if payload.Message != "" {
				apiErr.Message = payload.Message
			} else {
				apiErr.Message = payload.Error
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
