package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct-horse"
)

// mintToken returns an HS256 JWT that expires at exp. Each call yields a
// distinct token.
func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   "u_1",
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(exp.Add(-15 * time.Minute)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return signed
}

// memStore is an in-memory Store that records writes.
type memStore struct {
	mu     sync.Mutex
	pair   *TokenPair
	user   *User
	writes int
	clears int
}

func (m *memStore) Load() (*TokenPair, *User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pair, m.user, nil
}

func (m *memStore) SaveSession(pair TokenPair, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = &pair
	m.user = user
	m.writes++

	return nil
}

func (m *memStore) SaveTokens(pair TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = &pair
	m.writes++

	return nil
}

func (m *memStore) SaveUser(user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.user = &user
	m.writes++

	return nil
}

func (m *memStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = nil
	m.user = nil
	m.clears++

	return nil
}

func (m *memStore) snapshot() (*TokenPair, *User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pair, m.user
}

// fakeClock is a settable clock for rate-window and expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAPI simulates the portal auth API. Protected endpoints accept only
// the most recently issued access token and answer 401 TOKEN_EXPIRED for
// any older one. Refresh tokens are single use.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	access  string
	refresh string
	hits    map[string]int
	headers map[string][]http.Header

	refreshCalls  atomic.Int32
	refreshDelay  time.Duration
	refreshStatus int
	refreshCode   Code
	rotateRefresh bool

	profileUser User
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	api := &fakeAPI{
		t:             t,
		hits:          make(map[string]int),
		headers:       make(map[string][]http.Header),
		rotateRefresh: true,
		profileUser: User{
			ID:        "u_1",
			Email:     testEmail,
			FirstName: "Ada",
			LastName:  "Lovelace",
			Role:      RoleCustomer,
			IsActive:  true,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /signin", api.handleSignin)
	mux.HandleFunc("POST /register", api.handleRegister)
	mux.HandleFunc("POST /refresh", api.handleRefresh)
	mux.HandleFunc("POST /logout", api.protected(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("POST /logout-all", api.protected(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /profile", api.protected(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		u := api.profileUser
		api.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	}))
	mux.HandleFunc("GET /invoices", api.protected(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"invoices": []string{"INV-1"}})
	}))
	mux.HandleFunc("GET /always-expired", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeAPIError(w, http.StatusUnauthorized, CodeTokenExpired, "token expired")
	})
	mux.HandleFunc("GET /public", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	})
	mux.HandleFunc("POST /forgot-password", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /reset-password", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)

		var req resetPasswordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token != "reset-ok" {
			writeAPIError(w, http.StatusBadRequest, CodeInvalidToken, "reset token is invalid or expired")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /verify-reset-token", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)

		var req verifyResetTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token != "reset-ok" {
			writeAPIError(w, http.StatusBadRequest, CodeInvalidToken, "reset token is invalid or expired")
			return
		}

		writeJSON(w, http.StatusOK, ResetTokenInfo{Email: testEmail, FirstName: "Ada", LastName: "Lovelace"})
	})

	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)

	return api
}

func (a *fakeAPI) record(r *http.Request) {
	a.mu.Lock()
	a.hits[r.URL.Path]++
	a.headers[r.URL.Path] = append(a.headers[r.URL.Path], r.Header.Clone())
	a.mu.Unlock()
}

func (a *fakeAPI) hitCount(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.hits[path]
}

func (a *fakeAPI) lastHeader(path string) http.Header {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.headers[path]
	if len(h) == 0 {
		return nil
	}

	return h[len(h)-1]
}

// issue mints a fresh access token (and refresh token) and makes it the
// only accepted one.
func (a *fakeAPI) issue(exp time.Time) map[string]any {
	access := mintToken(a.t, exp)
	refresh := "rt_" + uuid.NewString()

	a.mu.Lock()
	a.access = access
	if a.rotateRefresh || a.refresh == "" {
		a.refresh = refresh
	} else {
		refresh = ""
	}
	a.mu.Unlock()

	tokens := map[string]any{"accessToken": access}
	if refresh != "" {
		tokens["refreshToken"] = refresh
	}

	return tokens
}

// expireCurrent rotates the server-side access token so the one held by
// the client is rejected as expired.
func (a *fakeAPI) expireCurrent() {
	a.mu.Lock()
	a.access = "revoked-" + uuid.NewString()
	a.mu.Unlock()
}

func (a *fakeAPI) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.record(r)

		a.mu.Lock()
		want := "Bearer " + a.access
		a.mu.Unlock()

		if r.Header.Get("Authorization") != want {
			writeAPIError(w, http.StatusUnauthorized, CodeTokenExpired, "access token expired")
			return
		}

		next(w, r)
	}
}

func (a *fakeAPI) handleSignin(w http.ResponseWriter, r *http.Request) {
	a.record(r)

	var req signinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeValidation, "invalid body")
		return
	}

	switch {
	case req.Identifier == "deactivated@example.com":
		writeAPIError(w, http.StatusForbidden, CodeAccountDeactivated, "account deactivated")
		return
	case req.Identifier == "" || !strings.Contains(req.Identifier, "@"):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation failed",
			"code":    CodeValidation,
			"details": []FieldError{{Field: "identifier", Message: "must be an email address"}},
		})
		return
	case req.Identifier != testEmail || req.Secret != testPassword:
		writeAPIError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid email or password")
		return
	}

	a.mu.Lock()
	u := a.profileUser
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"tokens": a.issue(time.Now().Add(15 * time.Minute)),
		"user":   u,
	})
}

func (a *fakeAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	a.record(r)

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeValidation, "invalid body")
		return
	}

	if req.Email == testEmail {
		writeAPIError(w, http.StatusConflict, CodeUserExists, "user already exists")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"tokens": a.issue(time.Now().Add(15 * time.Minute)),
		"user": User{
			ID:        "u_2",
			Email:     req.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Role:      RoleCustomer,
			IsActive:  true,
		},
	})
}

func (a *fakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a.record(r)
	a.refreshCalls.Add(1)

	if a.refreshDelay > 0 {
		time.Sleep(a.refreshDelay)
	}

	if a.refreshStatus != 0 {
		writeAPIError(w, a.refreshStatus, a.refreshCode, "refresh failed")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeValidation, "invalid body")
		return
	}

	a.mu.Lock()
	valid := req.RefreshToken != "" && req.RefreshToken == a.refresh
	a.mu.Unlock()

	if !valid {
		writeAPIError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, "refresh token already used")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tokens": a.issue(time.Now().Add(15 * time.Minute)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code Code, msg string) {
	writeJSON(w, status, apiErrorBody{Error: msg, Code: code})
}

// newTestClient builds a Client against api with fast retries and no rate
// limit unless opts say otherwise.
func newTestClient(t *testing.T, api *fakeAPI, store Store, opts Options) *Client {
	t.Helper()

	if store == nil {
		store = &memStore{}
	}

	opts.BaseURL = api.srv.URL
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}

	if opts.RateLimit == 0 {
		opts.RateLimit = -1
	}

	c, err := New(store, opts, slog.Default())
	require.NoError(t, err)

	return c
}

// signedInClient returns a client that has completed SignIn against api.
func signedInClient(t *testing.T, api *fakeAPI, store Store, opts Options) *Client {
	t.Helper()

	c := newTestClient(t, api, store, opts)
	_, err := c.SignIn(t.Context(), testEmail, testPassword)
	require.NoError(t, err)

	return c
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

var errConnRefused = fmt.Errorf("dial tcp 127.0.0.1:1: connect: connection refused")
