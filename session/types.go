package session

import "time"

// TokenPair is the access/refresh token bundle. The two tokens are always
// stored and cleared together.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Empty reports whether the pair holds no access token.
func (p TokenPair) Empty() bool {
	return p.AccessToken == ""
}

// Role is the portal role of a user.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// User is the cached profile snapshot stored alongside the tokens. The
// server profile endpoint is authoritative; this is only a cache.
type User struct {
	ID        string `json:"id" yaml:"id"`
	Email     string `json:"email" yaml:"email"`
	FirstName string `json:"firstName" yaml:"first_name"`
	LastName  string `json:"lastName" yaml:"last_name"`
	Phone     string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Role      Role   `json:"role" yaml:"role"`
	IsActive  bool   `json:"isActive" yaml:"is_active"`

	// Integration status with the invoicing backend and the Direct Debit
	// processor.
	InvoicingCustomerID string `json:"invoicingCustomerId,omitempty" yaml:"invoicing_customer_id,omitempty"`
	PaymentsCustomerID  string `json:"paymentsCustomerId,omitempty" yaml:"payments_customer_id,omitempty"`
	MandateStatus       string `json:"mandateStatus,omitempty" yaml:"mandate_status,omitempty"`
}

// IsAdmin reports whether the user may use the admin console.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// HasActiveMandate reports whether Direct Debit collection is set up.
func (u *User) HasActiveMandate() bool {
	return u != nil && u.MandateStatus == "active"
}

// State is the session-level lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	}

	return "unknown"
}

// RegisterRequest is the payload for POST /register.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone,omitempty"`
}

// ResetTokenInfo is returned from POST /verify-reset-token.
type ResetTokenInfo struct {
	Email     string `json:"email" yaml:"email"`
	FirstName string `json:"firstName" yaml:"first_name"`
	LastName  string `json:"lastName" yaml:"last_name"`
}

// Wire types.

type signinRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type wireTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type authResponse struct {
	Tokens wireTokens `json:"tokens"`
	User   *User      `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Tokens wireTokens `json:"tokens"`
}

type profileResponse struct {
	User *User `json:"user"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type verifyResetTokenRequest struct {
	Token string `json:"token"`
}
