package e2e_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/portal-client/billing"
	"github.com/alexjbarnes/portal-client/internal/state"
	"github.com/alexjbarnes/portal-client/session"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testEmail      = "ada@example.com"
	testPassword   = "correct-horse"
	testSessionKey = "e2e-session-passphrase"

	// accessTTL is how long minted access tokens live.
	accessTTL = 15 * time.Minute
)

// portal is an in-process fake of the customer portal API: auth,
// invoices and the payment notification websocket. Access tokens are
// signed JWTs; refresh tokens are single use.
type portal struct {
	srv *httptest.Server

	mu        sync.Mutex
	access    string
	refresh   string
	hits      map[string]int
	events    chan string
	wsAccepts int
}

func newPortal(t *testing.T) *portal {
	t.Helper()

	p := &portal{
		hits:   make(map[string]int),
		events: make(chan string, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /signin", func(w http.ResponseWriter, r *http.Request) {
		p.record(r)

		var body struct {
			Identifier string `json:"identifier"`
			Secret     string `json:"secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Identifier != testEmail || body.Secret != testPassword {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"tokens": p.issue(t), "user": portalUser()})
	})
	mux.HandleFunc("POST /refresh", func(w http.ResponseWriter, r *http.Request) {
		p.record(r)

		// Hold the refresh open briefly so concurrent callers overlap.
		time.Sleep(50 * time.Millisecond)

		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		p.mu.Lock()
		valid := body.RefreshToken != "" && body.RefreshToken == p.refresh
		p.mu.Unlock()

		if !valid {
			writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token revoked")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"tokens": p.issue(t)})
	})
	mux.HandleFunc("POST /logout", p.protected(func(w http.ResponseWriter, r *http.Request) {
		p.revoke()
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /profile", p.protected(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"user": portalUser()})
	}))
	mux.HandleFunc("GET /invoices", p.protected(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"invoices": []map[string]any{
				{"id": "inv_1", "number": "INV-0001", "status": "paid", "currency": "GBP", "amountDue": 0, "amountPaid": 4200},
				{"id": "inv_2", "number": "INV-0002", "status": "open", "currency": "GBP", "amountDue": 4200},
			},
			"page":    1,
			"perPage": 2,
			"total":   3,
		})
	}))
	mux.HandleFunc("GET /invoices/{id}/pdf", p.protected(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept"), "application/pdf") {
			writeError(w, http.StatusNotAcceptable, "", "pdf only")
			return
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7 " + r.PathValue("id")))
	}))
	mux.HandleFunc("GET /notifications", p.protected(p.handleNotifications))

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	return p
}

func portalUser() map[string]any {
	return map[string]any{
		"id":            "u_1",
		"email":         testEmail,
		"firstName":     "Ada",
		"lastName":      "Lovelace",
		"role":          "customer",
		"isActive":      true,
		"mandateStatus": "active",
	}
}

func (p *portal) record(r *http.Request) {
	p.mu.Lock()
	p.hits[r.Method+" "+r.URL.Path]++
	p.mu.Unlock()
}

func (p *portal) hitCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.hits[key]
}

// issue mints a new token pair and makes it the only accepted one.
func (p *portal) issue(t *testing.T) map[string]string {
	claims := jwt.RegisteredClaims{
		Subject:   "u_1",
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(accessTTL)),
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("portal-e2e"))
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.access = access
	p.refresh = "rt_" + uuid.NewString()

	return map[string]string{"accessToken": p.access, "refreshToken": p.refresh}
}

// expireAccess makes the server reject the current access token while
// keeping the refresh token valid.
func (p *portal) expireAccess() {
	p.mu.Lock()
	p.access = "expired-" + uuid.NewString()
	p.mu.Unlock()
}

// revoke invalidates both tokens.
func (p *portal) revoke() {
	p.mu.Lock()
	p.access = ""
	p.refresh = ""
	p.mu.Unlock()
}

func (p *portal) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.record(r)

		p.mu.Lock()
		ok := p.access != "" && r.Header.Get("Authorization") == "Bearer "+p.access
		p.mu.Unlock()

		if !ok {
			writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "access token expired")
			return
		}

		next(w, r)
	}
}

func (p *portal) handleNotifications(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	p.mu.Lock()
	p.wsAccepts++
	p.mu.Unlock()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.events:
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
	}
}

func (p *portal) notifyURL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/notifications"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = code
	}

	writeJSON(w, status, body)
}

// client is one application instance: a session restored from the
// sealed database plus the billing client on top of it.
type client struct {
	store   *state.State
	session *session.Client
	billing *billing.Client
}

// openClient opens the session database at path and restores whatever
// session it holds, the way the CLI does at start-up.
func openClient(t *testing.T, p *portal, path, key string) *client {
	t.Helper()

	store, err := state.LoadAt(path, key)
	require.NoError(t, err)

	sess, err := session.New(store, session.Options{
		BaseURL:      p.srv.URL,
		RetryBackoff: time.Millisecond,
		RateLimit:    -1,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return &client{store: store, session: sess, billing: billing.NewClient(sess)}
}

func (c *client) close(t *testing.T) {
	t.Helper()
	require.NoError(t, c.store.Close())
}

func dbPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "session.db")
}
