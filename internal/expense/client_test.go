package expense

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "expensed/pkg/logx"
)

func staticToken(tok string) TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

func newTestClient(t *testing.T, srv *httptest.Server, retryMax int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		RatePerSec: 100,
		RetryMax:   retryMax,
		RetryBase:  time.Millisecond,
	}, staticToken("tok-1"), logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCreateFlow(t *testing.T) {
	t.Parallel()
	var gotAuth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/expenses/drafts", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Description == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Draft{ID: "exp-42"})
	})
	mux.HandleFunc("PUT /api/v1/expenses/drafts/exp-42", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/v1/expenses/drafts/exp-42/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, 0)
	ctx := context.Background()
	p := Payload{Description: "rent", Amount: 100, Currency: "EUR"}

	d, err := c.CreateDraft(ctx, p)
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if d.ID != "exp-42" {
		t.Fatalf("draft id = %q", d.ID)
	}
	if got := gotAuth.Load(); got != "Bearer tok-1" {
		t.Fatalf("auth header = %v", got)
	}
	if err := c.Finalize(ctx, d.ID, p); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := c.Submit(ctx, d.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestRetryOn5xx(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Draft{ID: "exp-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 3)
	d, err := c.CreateDraft(context.Background(), Payload{Description: "x", Amount: 1, Currency: "EUR"})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if d.ID != "exp-1" {
		t.Fatalf("draft id = %q", d.ID)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestRetriesExhaustedCarryAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 2)
	_, err := c.CreateDraft(context.Background(), Payload{Description: "x", Amount: 1, Currency: "EUR"})
	if err == nil {
		t.Fatal("expected error")
	}
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if ae.Kind != KindRemote || ae.Status != http.StatusBadGateway {
		t.Fatalf("classified as %s/%d", ae.Kind, ae.Status)
	}
	if ae.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("attempts = %d (calls %d), want 3", ae.Attempts, calls.Load())
	}
}

func TestValidationAndAuthNotRetried(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{name: "validation 422", status: http.StatusUnprocessableEntity, kind: KindValidation},
		{name: "auth 401", status: http.StatusUnauthorized, kind: KindAuth},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			defer srv.Close()

			c := newTestClient(t, srv, 5)
			err := c.Submit(context.Background(), "exp-9")
			var ae *APIError
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v", err)
			}
			if ae.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", ae.Kind, tt.kind)
			}
			if ae.Message != "nope" {
				t.Fatalf("message = %q", ae.Message)
			}
			if calls.Load() != 1 {
				t.Fatalf("calls = %d, want 1 (no retry)", calls.Load())
			}
		})
	}
}

func TestMissingTokenIsAuthError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server without a token")
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, RetryBase: time.Millisecond}, staticToken(""), logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = c.Submit(context.Background(), "exp-1")
	if KindOf(err) != KindAuth {
		t.Fatalf("kind = %s, want auth", KindOf(err))
	}
}
