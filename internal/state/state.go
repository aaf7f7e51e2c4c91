package state

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/portal-client/session"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.portal-client/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the session database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	saltLen = 16
)

var (
	// portalBucket is the fixed namespace all session keys live under.
	portalBucket = []byte("portal")
	tokensKey    = []byte("auth_tokens")
	userKey      = []byte("auth_user")

	metaBucket = []byte("meta")
	sealedKey  = []byte("sealed")
	saltKey    = []byte("seal_salt")
)

// ErrSealMismatch is returned when a database is opened with a passphrase
// it was not created with, or without one when it was.
var ErrSealMismatch = errors.New("session database sealing does not match configuration")

// State wraps a bbolt database holding the persisted session. It
// implements session.Store.
type State struct {
	db     *bolt.DB
	sealer *sealer
}

var _ session.Store = (*State)(nil)

// LoadAt opens a session database at the given path, creating it if it
// does not exist. A non-empty passphrase seals stored values at rest.
func LoadAt(path, passphrase string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	var salt []byte

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(portalBucket); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		want := []byte("0")
		if passphrase != "" {
			want = []byte("1")
		}

		if got := meta.Get(sealedKey); got != nil && string(got) != string(want) {
			return ErrSealMismatch
		}

		if err := meta.Put(sealedKey, want); err != nil {
			return err
		}

		if passphrase == "" {
			return nil
		}

		if v := meta.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}

		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}

		return meta.Put(saltKey, salt)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &State{db: db}

	if passphrase != "" {
		s.sealer, err = newSealer(passphrase, salt)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Load returns the persisted token pair and user. Both are nil when no
// session has been stored.
func (s *State) Load() (*session.TokenPair, *session.User, error) {
	var (
		pair *session.TokenPair
		user *session.User
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(portalBucket)

		if v := b.Get(tokensKey); v != nil {
			pair = &session.TokenPair{}
			if err := s.decode(v, pair); err != nil {
				return fmt.Errorf("decoding tokens: %w", err)
			}
		}

		if v := b.Get(userKey); v != nil {
			user = &session.User{}
			if err := s.decode(v, user); err != nil {
				return fmt.Errorf("decoding user: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return pair, user, nil
}

// SaveSession persists the token pair and user in one transaction. A nil
// user removes any cached user.
func (s *State) SaveSession(pair session.TokenPair, user *session.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(portalBucket)

		if err := s.put(b, tokensKey, pair); err != nil {
			return err
		}

		if user == nil {
			return b.Delete(userKey)
		}

		return s.put(b, userKey, user)
	})
}

// SaveTokens persists the token pair. Both tokens live in one value, so
// they are always written together.
func (s *State) SaveTokens(pair session.TokenPair) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx.Bucket(portalBucket), tokensKey, pair)
	})
}

// SaveUser persists the cached user.
func (s *State) SaveUser(user session.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx.Bucket(portalBucket), userKey, user)
	})
}

// Clear removes the token pair and the user in one transaction.
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(portalBucket)
		if err := b.Delete(tokensKey); err != nil {
			return err
		}

		return b.Delete(userKey)
	})
}

func (s *State) put(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if s.sealer != nil {
		data, err = s.sealer.seal(data)
		if err != nil {
			return err
		}
	}

	return b.Put(key, data)
}

func (s *State) decode(data []byte, v any) error {
	if s.sealer != nil {
		var err error

		data, err = s.sealer.open(data)
		if err != nil {
			return err
		}
	}

	return json.Unmarshal(data, v)
}
