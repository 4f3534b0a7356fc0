package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// HeaderProvider injects per-request headers (credential, client id).
type HeaderProvider func() map[string]string

// Client talks to the game server's REST surface: snapshots, incremental
// events, and move submission.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchSnapshot pulls the full authoritative state for a session.
func (c *Client) FetchSnapshot(ctx context.Context, sessionID, mode string) (*syncdto.SessionSnapshot, error) {
	var snap syncdto.SessionSnapshot
	path := fmt.Sprintf("/api/session/%s/snapshot?mode=%s", sessionID, mode)
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &snap, true); err != nil {
		return nil, err
	}
	return &snap, nil
}

// FetchEvents pulls incremental events after sinceSeq. A not-found class
// response is reported as syncdto.ErrEventsUnsupported; the caller is
// expected to switch the session to snapshot-only polling.
func (c *Client) FetchEvents(ctx context.Context, sessionID string, sinceSeq int64) (*syncdto.EventsPage, error) {
	var page syncdto.EventsPage
	path := fmt.Sprintf("/api/session/%s/events?since=%d", sessionID, sinceSeq)
	err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &page, false)
	if err != nil {
		var se statusError
		if errors.As(err, &se) {
			return nil, eventsStatusError(se)
		}
		return nil, err
	}
	return &page, nil
}

// eventsStatusError classifies a failed events pull: a not-found class
// status means the endpoint does not exist for this session at all.
func eventsStatusError(se statusError) error {
	if se.code == fasthttp.StatusNotFound || se.code == fasthttp.StatusGone {
		return fmt.Errorf("%w: status=%d", syncdto.ErrEventsUnsupported, se.code)
	}
	return se
}

type moveRequest struct {
	UCI string `json:"uci"`
}

type rejectBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitMove posts a move in UCI notation. Server rejections surface as a
// syncdto.DomainError carrying the server's code.
func (c *Client) SubmitMove(ctx context.Context, sessionID, uci string) error {
	path := fmt.Sprintf("/api/session/%s/move", sessionID)
	err := c.doJSON(ctx, fasthttp.MethodPost, path, moveRequest{UCI: uci}, nil, false)
	if err == nil {
		return nil
	}
	var se statusError
	if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
		var rb rejectBody
		if jerr := json.Unmarshal([]byte(se.body), &rb); jerr == nil && rb.Code != "" {
			return syncdto.DomainError{Code: rb.Code, Message: rb.Message}
		}
		return syncdto.DomainError{Code: "rejected", Message: truncate(se.body, 256)}
	}
	return err
}

// statusError is a non-2xx response kept with enough body for diagnostics.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("sync api error: status=%d body=%s", e.code, truncate(e.body, 512))
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			err := statusError{code: status, body: string(resp.Body())}
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
