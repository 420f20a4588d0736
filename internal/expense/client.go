package expense

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "expensed/pkg/logx"
)

// TokenFunc supplies a bearer token for each request. The token capture
// subsystem lives elsewhere; the client only asks for a currently valid one.
type TokenFunc func(ctx context.Context) (string, error)

type Config struct {
	BaseURL string
	Timeout time.Duration

	// RatePerSec limits outgoing calls across all firings.
	RatePerSec int

	// Transport retry for network/5xx failures. One occurrence gets at most
	// this retry budget; the pipeline never re-runs a finished occurrence.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Client talks to the remote expense API. Creation is a three-step
// protocol: CreateDraft, Finalize, Submit.
type Client struct {
	cfg     Config
	hc      *http.Client
	token   TokenFunc
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, token TokenFunc, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("expense: base url is required")
	}
	if token == nil {
		return nil, errors.New("expense: token provider is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.Timeout},
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}, nil
}

// CreateDraft creates a draft record and returns its remote id.
func (c *Client) CreateDraft(ctx context.Context, p Payload) (Draft, error) {
	var d Draft
	err := c.call(ctx, http.MethodPost, "/api/v1/expenses/drafts", p, &d)
	if err != nil {
		return Draft{}, err
	}
	if strings.TrimSpace(d.ID) == "" {
		return Draft{}, &APIError{Kind: KindRemote, Message: "draft created without id", Attempts: 1}
	}
	return d, nil
}

// Finalize writes the complete payload onto an existing draft.
func (c *Client) Finalize(ctx context.Context, draftID string, p Payload) error {
	return c.call(ctx, http.MethodPut, "/api/v1/expenses/drafts/"+draftID, p, nil)
}

// Submit moves the draft out of draft state.
func (c *Client) Submit(ctx context.Context, draftID string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/expenses/drafts/"+draftID+"/submit", nil, nil)
}

type apiErrorBody struct {
	Error string `json:"error"`
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("expense: encode request: %w", err)
		}
		payload = b
	}

	maxAttempts := 1 + c.cfg.RetryMax
	attempts := 0
	var lastErr *APIError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.finish(&APIError{Kind: KindNetwork, Message: err.Error(), cause: err}, attempts+1)
		}
		attempts = attempt

		apiErr := c.once(ctx, method, path, payload, out)
		if apiErr == nil {
			if attempt > 1 {
				c.log.Debug("remote call recovered", logx.String("path", path), logx.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = apiErr

		if apiErr.Kind == KindValidation || apiErr.Kind == KindAuth {
			break
		}
		if apiErr.Status > 0 && !retryable(apiErr.Status) {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.log.Debug("remote call retry",
			logx.String("path", path),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(apiErr))
		select {
		case <-ctx.Done():
			return c.finish(&APIError{Kind: KindNetwork, Message: ctx.Err().Error(), cause: ctx.Err()}, attempts)
		case <-time.After(delay):
		}
	}
	return c.finish(lastErr, attempts)
}

// once performs a single HTTP attempt. A returned *APIError has Attempts
// tracking filled in by the caller.
func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) *APIError {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return &APIError{Kind: KindNetwork, Message: err.Error(), cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	tok, err := c.token(ctx)
	if err != nil || strings.TrimSpace(tok) == "" {
		if err == nil {
			err = errors.New("no valid token available")
		}
		return &APIError{Kind: KindAuth, Message: err.Error(), cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.hc.Do(req)
	if err != nil {
		return &APIError{Kind: KindNetwork, Message: err.Error(), cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Kind: KindRemote, Status: resp.StatusCode, Message: "decode response: " + err.Error(), cause: err}
		}
		return nil
	}

	msg := httpErrorMessage(resp)
	return &APIError{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
}

func httpErrorMessage(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb apiErrorBody
	if err := json.Unmarshal(b, &eb); err == nil && strings.TrimSpace(eb.Error) != "" {
		return eb.Error
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return resp.Status
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase << (attempt - 1)
	if d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	// 20% jitter to spread herds of templates firing at the same minute.
	j := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + j
}

func (c *Client) finish(e *APIError, attempts int) error {
	if e == nil {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	e.Attempts = attempts
	return e
}
