// Package notify listens for payment status notifications pushed by the
// portal over a websocket authenticated with the session's bearer token.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/alexjbarnes/portal-client/session"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -destination=mock_conn_test.go -package=notify -mock_names=wsConn=MockWSConn . wsConn

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	readLimit = 1 << 20
)

// Frame types.
const (
	typePaymentStatus = "payment_status"
	typePing          = "ping"
	typePong          = "pong"
)

var (
	// ErrSessionGone is returned by Run when no access token can be
	// obtained. The caller must sign in again.
	ErrSessionGone = errors.New("session is no longer valid")

	errAuthRejected = errors.New("notification channel rejected the access token")
)

// wsConn is the subset of *websocket.Conn the listener uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// TokenSource supplies the bearer token for each connection attempt.
// *session.Client satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// refresher is implemented by token sources that can force a new token
// after the server rejects the current one.
type refresher interface {
	RefreshAccessToken(ctx context.Context) (session.TokenPair, error)
}

// PaymentEvent reports a change in a Direct Debit payment.
type PaymentEvent struct {
	PaymentID  string    `json:"paymentId" yaml:"payment_id"`
	InvoiceID  string    `json:"invoiceId,omitempty" yaml:"invoice_id,omitempty"`
	Status     string    `json:"status" yaml:"status"`
	Amount     int64     `json:"amount" yaml:"amount"`
	Currency   string    `json:"currency" yaml:"currency"`
	Reason     string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt" yaml:"occurred_at"`
}

// Handler is called for each payment event, from the listener goroutine.
type Handler func(ctx context.Context, ev PaymentEvent)

// Listener maintains the notification websocket.
type Listener struct {
	url     string
	tokens  TokenSource
	handler Handler
	logger  *slog.Logger

	dial func(ctx context.Context, url, token string) (wsConn, error)
}

// NewListener creates a Listener for url. A nil logger uses slog.Default().
func NewListener(url string, tokens TokenSource, handler Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		url:     url,
		tokens:  tokens,
		handler: handler,
		logger:  logger,
		dial:    dialWebsocket,
	}
}

func dialWebsocket(ctx context.Context, url, token string) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dialing websocket: %w", errAuthRejected)
		}

		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// Run connects and processes notifications until ctx is cancelled,
// reconnecting with exponential backoff after failures. It returns
// ErrSessionGone (wrapped) when the session can no longer supply a token.
// Transient token failures are retried like any other disconnect.
func (l *Listener) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		connected, err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, ErrSessionGone) {
			return fmt.Errorf("permanent error: %w", err)
		}

		if connected {
			backoff = reconnectMin
		}

		if errors.Is(err, errAuthRejected) {
			if rerr := l.refreshToken(ctx); rerr != nil {
				if errors.Is(rerr, ErrSessionGone) {
					return fmt.Errorf("permanent error: %w", rerr)
				}

				err = rerr
			}
		}

		l.logger.Warn("notification channel lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, reconnectMax)
	}
}

// runOnce dials one connection and serves it until it fails. connected
// reports whether the dial succeeded.
func (l *Listener) runOnce(ctx context.Context) (connected bool, err error) {
	token, err := l.tokens.AccessToken(ctx)
	if err != nil {
		if sessionGone(err) {
			return false, fmt.Errorf("%w: %w", ErrSessionGone, err)
		}

		return false, fmt.Errorf("getting access token: %w", err)
	}

	conn, err := l.dial(ctx, l.url, token)
	if err != nil {
		return false, err
	}

	l.logger.Info("notification channel connected")

	err = l.serve(ctx, conn)
	conn.Close(websocket.StatusNormalClosure, "bye")

	return true, err
}

func (l *Listener) refreshToken(ctx context.Context) error {
	r, ok := l.tokens.(refresher)
	if !ok {
		return nil
	}

	if _, err := r.RefreshAccessToken(ctx); err != nil {
		if sessionGone(err) {
			return fmt.Errorf("%w: %w", ErrSessionGone, err)
		}

		return fmt.Errorf("refreshing token: %w", err)
	}

	return nil
}

// sessionGone reports whether a token failure needs a new sign-in.
// Network, timeout and server errors leave the session usable.
func sessionGone(err error) bool {
	var serr *session.Error
	if !errors.As(err, &serr) {
		return true
	}

	return serr.IsTokenError()
}

// serve reads frames until the connection fails or ctx ends.
func (l *Listener) serve(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return errAuthRejected
			}

			return fmt.Errorf("reading message: %w", err)
		}

		if typ == websocket.MessageBinary {
			l.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		if err := l.handleFrame(ctx, conn, data); err != nil {
			return err
		}
	}
}

// handleFrame dispatches one text frame on its type field. Malformed and
// unknown frames are logged and skipped.
func (l *Listener) handleFrame(ctx context.Context, conn wsConn, data []byte) error {
	if !gjson.ValidBytes(data) {
		l.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		return nil
	}

	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case typePaymentStatus:
		var ev PaymentEvent
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "data").Raw), &ev); err != nil {
			l.logger.Warn("decoding payment event", slog.String("error", err.Error()))
			return nil
		}

		l.logger.Debug("payment event",
			slog.String("payment_id", ev.PaymentID),
			slog.String("status", ev.Status),
		)

		if l.handler != nil {
			l.handler(ctx, ev)
		}

	case typePing:
		if err := writeJSON(ctx, conn, map[string]string{"type": typePong}); err != nil {
			return fmt.Errorf("sending pong: %w", err)
		}

	default:
		l.logger.Debug("ignoring notification", slog.String("type", typ))
	}

	return nil
}

func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
