package session

//go:generate mockgen -destination=mock_store_test.go -package=session . Store

// Store persists the token pair and the cached user. Implementations must
// write both halves of a TokenPair together, and SaveSession and Clear
// must touch the pair and the user in a single write.
type Store interface {
	// Load returns the persisted session. Both results are nil when
	// nothing has been stored.
	Load() (*TokenPair, *User, error)
	SaveSession(pair TokenPair, user *User) error
	SaveTokens(pair TokenPair) error
	SaveUser(user User) error
	Clear() error
}
