package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, StaticToken("tok-123"), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, srv
}

func TestCreateCall(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	var gotBody CreateCallRequest

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Call{
			ID:           "call-1",
			InitiatorID:  "me",
			Participants: []string{"me", "42"},
			CallType:     "video",
			Status:       "ringing",
			CreatedAt:    time.Now(),
		})
	})

	call, err := c.CreateCall(context.Background(), CreateCallRequest{RecipientID: "42", CallType: "video"})
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/calls" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("missing bearer token, got %q", gotAuth)
	}
	if gotBody.RecipientID != "42" || gotBody.CallType != "video" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
	if call.ID != "call-1" || len(call.Participants) != 2 {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestAnswerCallVerdicts(t *testing.T) {
	for _, verdict := range []AnswerVerdict{VerdictAccepted, VerdictRejected, VerdictMissed} {
		t.Run(string(verdict), func(t *testing.T) {
			var gotPath string
			var gotBody struct {
				Status AnswerVerdict `json:"status"`
			}
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				json.NewDecoder(r.Body).Decode(&gotBody)
				w.WriteHeader(http.StatusNoContent)
			})

			if err := c.AnswerCall(context.Background(), "call-7", verdict); err != nil {
				t.Fatalf("AnswerCall failed: %v", err)
			}
			if gotPath != "/calls/call-7/answer" {
				t.Fatalf("unexpected path: %s", gotPath)
			}
			if gotBody.Status != verdict {
				t.Fatalf("expected verdict %s, got %s", verdict, gotBody.Status)
			}
		})
	}
}

func TestAPIErrorSurfacesMessage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"message": "user is blocked"})
	})

	_, err := c.CreateCall(context.Background(), CreateCallRequest{RecipientID: "42", CallType: "audio"})
	if err == nil {
		t.Fatal("expected error for 403 response")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "user is blocked" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}

func TestTurnCredentials(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webrtc/turn-credentials" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(TurnCredentials{
			URLs:       []string{"turn:relay.mirra.social:3478"},
			Username:   "u1",
			Credential: "c1",
			TTLSeconds: 600,
		})
	})

	creds, err := c.TurnCredentials(context.Background())
	if err != nil {
		t.Fatalf("TurnCredentials failed: %v", err)
	}
	if len(creds.URLs) != 1 || creds.Username != "u1" || creds.TTLSeconds != 600 {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestListCallsPagination(t *testing.T) {
	before := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var gotQuery string

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode([]Call{{ID: "old-call"}})
	})

	calls, err := c.ListCalls(context.Background(), 25, before)
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != "old-call" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	if gotQuery == "" {
		t.Fatal("expected limit/before query parameters")
	}
}
