package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Auth API endpoints.
const (
	pathSignin           = "/signin"
	pathRegister         = "/register"
	pathRefresh          = "/refresh"
	pathLogout           = "/logout"
	pathLogoutAll        = "/logout-all"
	pathProfile          = "/profile"
	pathForgotPassword   = "/forgot-password"
	pathResetPassword    = "/reset-password"
	pathVerifyResetToken = "/verify-reset-token"
)

// normalizeIdentifier canonicalizes an email-style sign-in identifier so
// visually identical input maps to the same account.
func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// SignIn exchanges credentials for a token pair and caches the returned
// profile. Failures are never retried.
func (c *Client) SignIn(ctx context.Context, identifier, secret string) (*User, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" || secret == "" {
		return nil, &Error{
			Code:    CodeValidation,
			Message: "identifier and secret are required",
		}
	}

	c.setState(StateAuthenticating)

	var resp authResponse

	_, err := c.do(ctx, Request{
		Method: http.MethodPost,
		Path:   pathSignin,
		Body:   signinRequest{Identifier: identifier, Secret: secret},
		Public: true,
	}, &resp, callOpts{})
	if err != nil {
		c.settleState()
		return nil, err
	}

	return c.establish(resp)
}

// Register creates an account and signs it in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	req.Email = normalizeIdentifier(req.Email)
	if req.Email == "" || req.Password == "" {
		return nil, &Error{
			Code:    CodeValidation,
			Message: "email and password are required",
		}
	}

	c.setState(StateAuthenticating)

	var resp authResponse

	_, err := c.do(ctx, Request{
		Method: http.MethodPost,
		Path:   pathRegister,
		Body:   req,
		Public: true,
	}, &resp, callOpts{})
	if err != nil {
		c.settleState()
		return nil, err
	}

	return c.establish(resp)
}

// establish installs the tokens and user from a sign-in or register
// response, persisting both in one write.
func (c *Client) establish(resp authResponse) (*User, error) {
	if resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		c.settleState()
		return nil, &Error{
			Code:    CodeUnknown,
			Message: "authentication response is missing tokens",
		}
	}

	pair := newTokenPair(resp.Tokens, c.now())

	c.mu.Lock()
	c.tokens = pair
	c.user = resp.User
	c.mu.Unlock()

	if err := c.store.SaveSession(pair, resp.User); err != nil {
		c.logger.Warn("failed to persist session", slog.String("error", err.Error()))
	}

	c.setState(StateAuthenticated)

	attrs := []any{slog.Time("expires_at", pair.ExpiresAt)}
	if resp.User != nil {
		attrs = append(attrs, slog.String("user_id", resp.User.ID), slog.String("role", string(resp.User.Role)))
	}

	c.logger.Info("signed in", attrs...)

	return c.CachedUser(), nil
}

// RefreshAccessToken exchanges the held refresh token for a new pair.
// Concurrent callers share one network call. When the server rejects the
// refresh token the session is cleared.
func (c *Client) RefreshAccessToken(ctx context.Context) (TokenPair, error) {
	return c.refresh(ctx, "")
}

// refresh joins or starts the single in-flight refresh. stale is the
// access token the caller found unusable; if the held token has already
// moved past it, the held token is returned without a network call. An
// empty stale forces a refresh.
func (c *Client) refresh(ctx context.Context, stale string) (TokenPair, error) {
	if pair, ok := c.rotatedPast(stale); ok {
		return pair, nil
	}

	// The refresh outlives any single caller's cancellation; it is still
	// bounded by the request timeout.
	flightCtx := context.WithoutCancel(ctx)

	ch := c.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return c.doRefresh(flightCtx, stale)
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TokenPair{}, timeoutError(pathRefresh, ctx.Err())
		}

		return TokenPair{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return TokenPair{}, res.Err
		}

		return res.Val.(TokenPair), nil
	}
}

func (c *Client) rotatedPast(stale string) (TokenPair, bool) {
	if stale == "" {
		return TokenPair{}, false
	}

	pair := c.tokenPair()
	if pair.Empty() || pair.AccessToken == stale || pair.expired(c.now(), c.expiryBuffer) {
		return TokenPair{}, false
	}

	return pair, true
}

func (c *Client) doRefresh(ctx context.Context, stale string) (TokenPair, error) {
	// A refresh that completed between the caller's check and joining
	// the group has already rotated the pair.
	if pair, ok := c.rotatedPast(stale); ok {
		return pair, nil
	}

	current := c.tokenPair()
	if current.RefreshToken == "" {
		c.clearSession("no refresh token")
		return TokenPair{}, &Error{
			Code:    CodeNoRefreshToken,
			Message: "no refresh token held",
		}
	}

	c.setState(StateRefreshing)
	c.logger.Debug("refreshing access token")

	payload, err := jsonBody(refreshRequest{RefreshToken: current.RefreshToken})
	if err != nil {
		c.settleState()
		return TokenPair{}, err
	}

	resp, err := c.attempt(ctx, Request{Method: http.MethodPost, Path: pathRefresh, Public: true}, payload, "", newRequestID())
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			c.logger.Warn("refresh rejected, signing out",
				slog.Int("status", apiErr.Status),
				slog.String("code", string(apiErr.Code)),
			)
			c.clearSession("refresh rejected")

			if !apiErr.IsTokenError() {
				apiErr.Code = CodeInvalidRefreshToken
			}

			return TokenPair{}, apiErr
		}

		c.logger.Warn("refresh failed", slog.String("error", err.Error()))
		c.settleState()

		return TokenPair{}, err
	}

	var body refreshResponse
	if err := decodeJSON(resp.Body, &body); err != nil || body.Tokens.AccessToken == "" {
		c.settleState()
		return TokenPair{}, &Error{
			Code:    CodeUnknown,
			Message: "refresh response is missing an access token",
			Err:     err,
		}
	}

	// Servers that do not rotate refresh tokens omit it; keep the held
	// one so the pair is still written whole.
	if body.Tokens.RefreshToken == "" {
		body.Tokens.RefreshToken = current.RefreshToken
	}

	pair := newTokenPair(body.Tokens, c.now())

	c.mu.Lock()
	c.tokens = pair
	c.mu.Unlock()

	if err := c.store.SaveTokens(pair); err != nil {
		c.logger.Warn("failed to persist refreshed tokens", slog.String("error", err.Error()))
	}

	c.setState(StateAuthenticated)
	c.logger.Debug("access token refreshed", slog.Time("expires_at", pair.ExpiresAt))

	return pair, nil
}

// AccessToken returns a usable access token, refreshing first when the
// held one is locally expired.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	pair := c.tokenPair()
	if pair.Empty() {
		return "", &Error{Code: CodeInvalidToken, Message: "not signed in"}
	}

	if !pair.expired(c.now(), c.expiryBuffer) {
		return pair.AccessToken, nil
	}

	refreshed, err := c.refresh(ctx, pair.AccessToken)
	if err != nil {
		return "", err
	}

	return refreshed.AccessToken, nil
}

// CurrentUser fetches the authoritative profile and refreshes the cache.
// It returns nil without any network call when the held access token is
// locally expired or no session exists.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	if c.tokenPair().expired(c.now(), c.expiryBuffer) {
		return nil, nil
	}

	var resp profileResponse
	if _, err := c.Do(ctx, Request{Method: http.MethodGet, Path: pathProfile}, &resp); err != nil {
		return nil, err
	}

	if resp.User == nil {
		return nil, &Error{Code: CodeUnknown, Message: "profile response is missing the user"}
	}

	c.mu.Lock()
	c.user = resp.User
	c.mu.Unlock()

	if err := c.store.SaveUser(*resp.User); err != nil {
		c.logger.Warn("failed to persist user", slog.String("error", err.Error()))
	}

	return c.CachedUser(), nil
}

// Logout notifies the server (best effort) and clears the local session.
// Calling it when already signed out is a no-op apart from clearing
// storage.
func (c *Client) Logout(ctx context.Context) error {
	pair := c.tokenPair()
	if pair.RefreshToken != "" {
		_, err := c.do(ctx, Request{
			Method: http.MethodPost,
			Path:   pathLogout,
			Body:   refreshRequest{RefreshToken: pair.RefreshToken},
		}, nil, callOpts{})
		if err != nil {
			c.logger.Warn("server logout failed, clearing local session anyway",
				slog.String("error", err.Error()),
			)
		}
	}

	return c.clearSession("logout")
}

// LogoutAllDevices revokes every session of the user on the server (best
// effort) and clears the local session.
func (c *Client) LogoutAllDevices(ctx context.Context) error {
	if !c.tokenPair().Empty() {
		_, err := c.do(ctx, Request{
			Method: http.MethodPost,
			Path:   pathLogoutAll,
		}, nil, callOpts{refresh: true})
		if err != nil {
			c.logger.Warn("server logout-all failed, clearing local session anyway",
				slog.String("error", err.Error()),
			)
		}
	}

	return c.clearSession("logout all devices")
}

// clearSession drops the tokens and the cached user from memory and
// storage together.
func (c *Client) clearSession(reason string) error {
	c.mu.Lock()
	c.tokens = TokenPair{}
	c.user = nil
	c.mu.Unlock()

	c.setState(StateUnauthenticated)
	c.logger.Info("session cleared", slog.String("reason", reason))

	if err := c.store.Clear(); err != nil {
		c.logger.Warn("failed to clear stored session", slog.String("error", err.Error()))
		return err
	}

	return nil
}

// ForgotPassword asks the server to send a reset link to email.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeIdentifier(email)
	if email == "" {
		return &Error{Code: CodeValidation, Message: "email is required"}
	}

	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   pathForgotPassword,
		Body:   forgotPasswordRequest{Email: email},
		Public: true,
	}, nil)

	return err
}

// ResetPassword sets a new password using a token from the reset link.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" || newPassword == "" {
		return &Error{Code: CodeValidation, Message: "token and new password are required"}
	}

	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   pathResetPassword,
		Body:   resetPasswordRequest{Token: token, NewPassword: newPassword},
		Public: true,
	}, nil)

	return err
}

// VerifyResetToken checks a reset token and returns whose account it is
// for.
func (c *Client) VerifyResetToken(ctx context.Context, token string) (*ResetTokenInfo, error) {
	if token == "" {
		return nil, &Error{Code: CodeValidation, Message: "token is required"}
	}

	var info ResetTokenInfo

	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   pathVerifyResetToken,
		Body:   verifyResetTokenRequest{Token: token},
		Public: true,
	}, &info)
	if err != nil {
		return nil, err
	}

	return &info, nil
}
