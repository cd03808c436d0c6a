package escrowclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/park285/chess-escrow/pkg/escrowdto"
	"github.com/valyala/fasthttp"
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

type Client struct {
	baseURL    string
	http       *fasthttp.Client
	headers    HeaderProvider
	adminToken string

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

// WithAdminToken enables Fund.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = strings.TrimSpace(token) }
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

// Submit posts a signed instruction in its binary wire form.
// Only responses that guarantee nothing was committed are retried.
func (c *Client) Submit(ctx context.Context, raw []byte) (*escrowdto.SubmitResponse, error) {
	req := escrowdto.SubmitRequest{Instruction: hex.EncodeToString(raw), Encoding: escrowdto.EncodingHex}
	var resp escrowdto.SubmitResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/api/v1/instructions", req, &resp, retryConflicts); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Game(ctx context.Context, roomID string) (*escrowdto.GameView, error) {
	var view escrowdto.GameView
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/v1/games/"+url.PathEscape(roomID), nil, &view, retryIdempotent); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) Addresses(ctx context.Context, roomID string) (*escrowdto.Addresses, error) {
	var out escrowdto.Addresses
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/v1/addresses/"+url.PathEscape(roomID), nil, &out, retryIdempotent); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) OpenRooms(ctx context.Context) ([]*escrowdto.Game, error) {
	var out escrowdto.OpenRooms
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/v1/rooms/open", nil, &out, retryIdempotent); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

func (c *Client) Balance(ctx context.Context, account string) (uint64, error) {
	var out escrowdto.Balance
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/v1/accounts/"+url.PathEscape(account), nil, &out, retryIdempotent); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Fund credits account and returns the new balance. Requires WithAdminToken.
func (c *Client) Fund(ctx context.Context, account string, amount uint64) (uint64, error) {
	if c.adminToken == "" {
		return 0, errors.New("fund requires an admin token")
	}
	var out escrowdto.Balance
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/api/v1/accounts/"+url.PathEscape(account)+"/fund", escrowdto.FundRequest{Amount: amount}, &out, retryConflicts); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

type retryPolicy int

const (
	// retryConflicts retries only answers that carry a retryable domain error.
	retryConflicts retryPolicy = iota
	// retryIdempotent also retries transport failures and 5xx.
	retryIdempotent
)

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, policy retryPolicy) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts || policy != retryIdempotent {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			derr := decodeError(status, resp.Body())
			lastErr = derr
			if attempt == attempts || !shouldRetry(policy, derr) {
				return derr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
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

func decodeError(status int, body []byte) escrowdto.DomainError {
	var derr escrowdto.DomainError
	if err := json.Unmarshal(body, &derr); err != nil || derr.Code == "" {
		derr = escrowdto.DomainError{Code: "http_error", Message: fmt.Sprintf("escrow api error: status=%d body=%s", status, truncate(string(body), 512))}
	}
	derr.Status = status
	return derr
}

func shouldRetry(policy retryPolicy, derr escrowdto.DomainError) bool {
	if derr.Retryable {
		return true
	}
	if policy != retryIdempotent {
		return false
	}
	switch derr.Status {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
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

func sleepWithContext(ctx context.Context, d time.Duration) error {
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
