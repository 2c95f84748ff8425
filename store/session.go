package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/platesync/platesync/cipher"
)

// ErrNoSession is returned when no session is currently open.
var ErrNoSession = errors.New("store: no open session")

// Session scopes an open database and derived conversation key to one
// logged-in identity. Opening a different identity goes through the Manager,
// which closes the previous session first; closing releases the key material.
type Session struct {
	mu       sync.Mutex
	identity string // hex public key
	sql      *SQLStore
	crypto   *CryptoStore
	key      *cipher.Key // nil for sessions without a private key
	closed   bool
	logger   *slog.Logger
}

// OpenSession opens (or creates) the identity-scoped database under dir.
// With an empty secretKeyHex the session runs in the degraded unencrypted
// mode: records pass through in plaintext and sync stays disabled.
func OpenSession(dir, identity, secretKeyHex string, logger *slog.Logger) (*Session, error) {
	if identity == "" {
		return nil, fmt.Errorf("identity must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := OpenDB(filepath.Join(dir, identity+".db"))
	if err != nil {
		return nil, err
	}
	sqlStore := NewSQLStore(db)

	var key *cipher.Key
	if secretKeyHex != "" {
		k, err := cipher.DeriveConversationKey(secretKeyHex)
		if err != nil {
			sqlStore.Close()
			return nil, err
		}
		key = &k
	} else {
		logger.Info("no private key for session, store runs unencrypted", "identity", identity)
	}

	return &Session{
		identity: identity,
		sql:      sqlStore,
		crypto:   NewCryptoStore(sqlStore, key, logger),
		key:      key,
		logger:   logger,
	}, nil
}

// Identity returns the session's hex public key.
func (s *Session) Identity() string { return s.identity }

// Store returns the record store, or ErrClosed after Close.
func (s *Session) Store() (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.crypto, nil
}

// SQL returns the row-level store for operational metadata (queue,
// watermark), or ErrClosed after Close.
func (s *Session) SQL() (*SQLStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.sql, nil
}

// Key returns the derived conversation key and whether one is present.
// The key is derived once at session open and reused for every operation.
func (s *Session) Key() (cipher.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.key == nil {
		return cipher.Key{}, false
	}
	return *s.key, true
}

// Close releases the database and zeroes the key material. Further store
// access fails with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.key != nil {
		s.key.Zero()
		s.key = nil
	}
	if err := s.sql.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Manager holds the single mutable reference to the current session. All
// store access routes through it so that switching identity fully closes the
// old session before the new one opens.
type Manager struct {
	mu      sync.Mutex
	dir     string
	logger  *slog.Logger
	current *Session
}

// NewManager creates a session manager rooted at dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, logger: logger}
}

// Open opens a session for identity, closing any previously open session
// first. The derived conversation key is recomputed per identity, never
// reused across identities.
func (m *Manager) Open(identity, secretKeyHex string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if err := m.current.Close(); err != nil {
			return nil, fmt.Errorf("failed to close previous session: %w", err)
		}
		m.current = nil
	}
	sess, err := OpenSession(m.dir, identity, secretKeyHex, m.logger)
	if err != nil {
		return nil, err
	}
	m.current = sess
	return sess, nil
}

// Current returns the open session, or ErrNoSession.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Close closes the current session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
