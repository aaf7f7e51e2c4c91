// Package session implements the portal's authenticated HTTP client. A
// Client owns the access/refresh token pair, attaches it to outgoing
// requests, refreshes it when the server reports expiry (collapsing
// concurrent refreshes into one network call), retries transient network
// failures, and throttles bursts of calls to the same endpoint.
package session

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultRequestTimeout bounds a single HTTP attempt.
	defaultRequestTimeout = 30 * time.Second

	// defaultExpiryBuffer is subtracted from the access token lifetime
	// so a request is not sent with a token that lapses mid-flight.
	defaultExpiryBuffer = 30 * time.Second

	defaultRateLimit  = 5
	defaultRateWindow = 60 * time.Second

	// defaultNetworkRetries is the number of extra attempts after a
	// transient network failure.
	defaultNetworkRetries = 2

	// defaultRetryBackoff is the linear backoff step: attempt n waits
	// n times this value.
	defaultRetryBackoff = 1 * time.Second

	// maxResponseBytes caps response body reads. Invoice PDFs are the
	// largest payloads the portal serves.
	maxResponseBytes = 16 * 1024 * 1024

	refreshKey = "refresh"
)

// Options configures a Client. Zero values select the defaults.
type Options struct {
	// BaseURL is the API root, e.g. https://portal.example.com/api.
	BaseURL string

	// HTTPClient defaults to a client with no overall timeout; each
	// attempt is bounded by RequestTimeout instead.
	HTTPClient *http.Client

	RequestTimeout time.Duration
	ExpiryBuffer   time.Duration

	// RateLimit is the number of calls allowed per endpoint within
	// RateWindow. Negative disables the guard.
	RateLimit  int
	RateWindow time.Duration

	// MaxNetworkRetries is the number of extra attempts after a
	// transient failure. Negative disables retries.
	MaxNetworkRetries int
	RetryBackoff      time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// Request describes one API call made through Client.Do.
type Request struct {
	Method string
	Path   string
	Body   any
	Query  url.Values
	Header http.Header

	// Public requests never carry a bearer token and never refresh.
	Public bool
}

// Response is a successful (2xx) API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client is the AuthSession client. Construct one per application with
// New and share it; all methods are safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	store      Store
	logger     *slog.Logger

	requestTimeout time.Duration
	expiryBuffer   time.Duration
	maxRetries     int
	retryBackoff   time.Duration
	now            func() time.Time

	limiter *rateWindow

	// refreshGroup holds the single in-flight refresh. Callers that need
	// a refresh while one is running join it instead of starting another.
	refreshGroup singleflight.Group

	mu     sync.RWMutex
	tokens TokenPair
	user   *User
	state  State
}

// New creates a Client and restores any session persisted in store.
func New(store Store, opts Options, logger *slog.Logger) (*Client, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", opts.BaseURL)
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpClient:     opts.HTTPClient,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		store:          store,
		logger:         logger,
		requestTimeout: orDuration(opts.RequestTimeout, defaultRequestTimeout),
		expiryBuffer:   orDuration(opts.ExpiryBuffer, defaultExpiryBuffer),
		retryBackoff:   orDuration(opts.RetryBackoff, defaultRetryBackoff),
		now:            opts.Now,
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}

	if c.now == nil {
		c.now = time.Now
	}

	switch {
	case opts.MaxNetworkRetries < 0:
		c.maxRetries = 0
	case opts.MaxNetworkRetries == 0:
		c.maxRetries = defaultNetworkRetries
	default:
		c.maxRetries = opts.MaxNetworkRetries
	}

	limit := opts.RateLimit
	if limit == 0 {
		limit = defaultRateLimit
	}

	c.limiter = newRateWindow(limit, orDuration(opts.RateWindow, defaultRateWindow))

	pair, user, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if pair != nil && pair.AccessToken != "" {
		restored := *pair
		if exp, ok := tokenExpiry(restored.AccessToken); ok {
			restored.ExpiresAt = exp
		}

		c.tokens = restored
		c.user = user
		c.state = StateAuthenticated
		logger.Debug("restored session",
			slog.Time("expires_at", restored.ExpiresAt),
			slog.Bool("has_user", user != nil),
		)
	}

	return c, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return v
}

// IsAuthenticated reports whether a locally unexpired access token is
// held. It performs no I/O.
func (c *Client) IsAuthenticated() bool {
	return !c.tokenPair().expired(c.now(), c.expiryBuffer)
}

// HasSession reports whether a token pair is held, even one whose access
// token has lapsed and must be refreshed before use.
func (c *Client) HasSession() bool {
	return !c.tokenPair().Empty()
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// CachedUser returns a copy of the cached profile, or nil.
func (c *Client) CachedUser() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.user == nil {
		return nil
	}

	u := *c.user

	return &u
}

func (c *Client) tokenPair() TokenPair {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tokens
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.Debug("session state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()),
		)
	}
}

// settleState returns to Authenticated when tokens are held and to
// Unauthenticated otherwise.
func (c *Client) settleState() {
	if c.tokenPair().Empty() {
		c.setState(StateUnauthenticated)
		return
	}

	c.setState(StateAuthenticated)
}

// callOpts tunes the request pipeline for internal callers.
type callOpts struct {
	retries int
	refresh bool
}

// Do is the authenticated request primitive used for every API call. It
// attaches the bearer token when one is held, enforces the per-endpoint
// rate window, bounds each attempt by the request timeout, refreshes and
// retries exactly once when the server reports an expired token, and
// retries transient network failures with linear backoff. When out is
// non-nil the JSON response body is decoded into it.
func (c *Client) Do(ctx context.Context, req Request, out any) (*Response, error) {
	return c.do(ctx, req, out, callOpts{retries: c.maxRetries, refresh: true})
}

func (c *Client) do(ctx context.Context, req Request, out any, opts callOpts) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if !c.limiter.allow(req.Path, c.now()) {
		c.logger.Warn("local rate limit exceeded", slog.String("path", req.Path))
		return nil, rateLimitError(req.Path)
	}

	var payload []byte
	if req.Body != nil {
		var err error

		payload, err = jsonBody(req.Body)
		if err != nil {
			return nil, err
		}
	}

	requestID := newRequestID()

	var (
		token     string
		refreshed bool
	)

	if !req.Public {
		pair := c.tokenPair()
		if !pair.Empty() {
			if opts.refresh && pair.RefreshToken != "" && pair.expired(c.now(), c.expiryBuffer) {
				c.logger.Debug("access token expiring, refreshing before request",
					slog.String("path", req.Path),
					slog.String("request_id", requestID),
				)

				fresh, err := c.refresh(ctx, pair.AccessToken)
				if err != nil {
					return nil, err
				}

				pair = fresh
				refreshed = true
			}

			token = pair.AccessToken
		}
	}

	resp, err := c.send(ctx, req, payload, token, requestID, opts.retries)
	// A request already sent with a just-refreshed token gets no second
	// refresh: one refresh per logical call.
	if err != nil && opts.refresh && !refreshed && token != "" && IsCode(err, CodeTokenExpired) {
		c.logger.Debug("access token rejected as expired, refreshing",
			slog.String("path", req.Path),
			slog.String("request_id", requestID),
		)

		fresh, rerr := c.refresh(ctx, token)
		if rerr != nil {
			return nil, rerr
		}

		// One retry only. A second expiry is surfaced as-is.
		resp, err = c.send(ctx, req, payload, fresh.AccessToken, requestID, opts.retries)
	}

	if err != nil {
		return nil, err
	}

	if out != nil && len(resp.Body) > 0 {
		if err := decodeJSON(resp.Body, out); err != nil {
			return nil, fmt.Errorf("decoding response from %s: %w", req.Path, err)
		}
	}

	return resp, nil
}

func jsonBody(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	return payload, nil
}

func decodeJSON(body []byte, v any) error {
	return json.Unmarshal(body, v)
}

// newRequestID tags one logical request, shared by its retries, so
// server logs can correlate attempts.
func newRequestID() string {
	return uuid.NewString()
}

// send performs the attempt loop: the first attempt plus up to retries
// extra attempts after transient failures.
func (c *Client) send(ctx context.Context, req Request, payload []byte, token, requestID string, retries int) (*Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, req, payload, token, requestID)
		if err == nil {
			return resp, nil
		}

		var apiErr *Error
		if !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt >= retries || ctx.Err() != nil {
			return nil, err
		}

		wait := time.Duration(attempt+1) * c.retryBackoff
		c.logger.Warn("transient request failure, retrying",
			slog.String("path", req.Path),
			slog.String("request_id", requestID),
			slog.String("code", string(apiErr.Code)),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

// attempt issues a single HTTP request bounded by the request timeout.
func (c *Client) attempt(ctx context.Context, req Request, payload []byte, token, requestID string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	httpReq.Header.Set("X-Request-ID", requestID)

	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(attemptCtx, req.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(attemptCtx, req.Path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, parseAPIError(req.Path, resp.StatusCode, respBody)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   respBody,
	}, nil
}

// classifyTransportError maps a failure that produced no HTTP response to
// TIMEOUT or NETWORK_ERROR.
func classifyTransportError(ctx context.Context, path string, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutError(path, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timeoutError(path, err)
	}

	return networkError(path, err)
}

// parseAPIError builds an *Error from a non-2xx response. The body is
// expected to be {error, code, details}; anything else is reported with
// a sanitized excerpt.
func parseAPIError(path string, status int, body []byte) *Error {
	apiErr := &Error{Status: status}

	var decoded apiErrorBody
	switch {
	case json.Unmarshal(body, &decoded) == nil:
		apiErr.Code = decoded.Code
		apiErr.Message = cmp.Or(decoded.Error, decoded.Message)
		apiErr.Fields = decoded.Details
	case gjson.ValidBytes(body):
		// Valid JSON in an unexpected shape, such as a non-array details
		// field. Keep whatever scalar fields are usable.
		res := gjson.ParseBytes(body)
		apiErr.Code = Code(res.Get("code").String())
		apiErr.Message = cmp.Or(res.Get("error").String(), res.Get("message").String())
	}

	if apiErr.Code == "" {
		apiErr.Code = defaultCode(status)
	}

	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("%s returned status %d: %s", path, status, sanitizeResponseBody(body))
	}

	return apiErr
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
