// Package session implements the quota ledger: rate-limited, time-bounded
// chat sessions with per-origin creation throttling.
//
// All state is in-memory. Sessions evaporate on process restart by design;
// the ledger exists to bound abuse, not to remember users.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrOriginThrottled is returned by Create when an origin has minted its
// daily allowance of sessions. The caller should map this to HTTP 429.
var ErrOriginThrottled = errors.New("session creation limit reached for this origin")

// Session is one rate-limited chat identity.
type Session struct {
	Token             string    `json:"token"`
	OriginIP          string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	MessagesRemaining int       `json:"messages_remaining"`
}

// originRecord tracks session creation per network origin within a
// rolling day.
type originRecord struct {
	count   int
	resetAt time.Time
}

// Config bounds the ledger.
type Config struct {
	// TTL is the session lifetime from creation.
	TTL time.Duration
	// MessagesPerSession is the initial message quota.
	MessagesPerSession int
	// SessionsPerOriginPerDay caps creation per origin IP.
	SessionsPerOriginPerDay int
}

// Store is the in-memory session ledger. All operations are atomic per
// call; there is no cross-key locking beyond the single store mutex.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	origins  map[string]*originRecord
	logger   *slog.Logger

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewStore creates a session ledger with the given bounds.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MessagesPerSession <= 0 {
		cfg.MessagesPerSession = 25
	}
	if cfg.SessionsPerOriginPerDay <= 0 {
		cfg.SessionsPerOriginPerDay = 10
	}
	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		origins:  make(map[string]*originRecord),
		logger:   logger,
		now:      time.Now,
	}
}

// Create mints a new session for the given origin IP, subject to the
// per-origin daily cap. Returns ErrOriginThrottled when the cap is hit.
func (s *Store) Create(originIP string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	rec, ok := s.origins[originIP]
	if !ok || !rec.resetAt.After(now) {
		rec = &originRecord{resetAt: now.Add(24 * time.Hour)}
		s.origins[originIP] = rec
	}
	if rec.count >= s.cfg.SessionsPerOriginPerDay {
		return nil, ErrOriginThrottled
	}
	rec.count++

	sess := &Session{
		Token:             uuid.New().String(),
		OriginIP:          originIP,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		MessagesRemaining: s.cfg.MessagesPerSession,
	}
	s.sessions[sess.Token] = sess

	s.logger.Info("session created",
		"token", sess.Token[:8],
		"origin", originIP,
		"expires_at", sess.ExpiresAt,
	)

	return sess.copy(), nil
}

// Validate returns the session for token, or nil if it is absent or
// expired. Expired sessions are evicted as a side effect, so correctness
// never depends on the background sweep.
func (s *Store) Validate(token string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil
	}
	if !sess.ExpiresAt.After(s.now()) {
		delete(s.sessions, token)
		return nil
	}
	return sess.copy()
}

// DecrementMessage consumes one message from the session's quota.
// Returns false if the session is absent, expired, or exhausted.
//
// Call exactly once per accepted user message, before the first model
// call: a crash mid-exchange still counts against quota (fail-closed).
func (s *Store) DecrementMessage(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	if !sess.ExpiresAt.After(s.now()) {
		delete(s.sessions, token)
		return false
	}
	if sess.MessagesRemaining <= 0 {
		return false
	}
	sess.MessagesRemaining--
	return true
}

// ActiveCount returns the number of unexpired sessions. Expired entries
// that the sweep has not yet collected are excluded.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, sess := range s.sessions {
		if sess.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}

// StartSweep runs a periodic eviction of expired sessions and stale
// origin records until ctx is cancelled. It blocks; run it on its own
// goroutine. The sweep only bounds memory; lazy eviction on access
// already guarantees correctness.
func (s *Store) StartSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := s.sweep()
			if evicted > 0 {
				s.logger.Debug("session sweep", "evicted", evicted)
			}
		}
	}
}

// sweep removes expired sessions and elapsed origin records, returning
// the number of sessions evicted.
func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for token, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.sessions, token)
			evicted++
		}
	}
	for ip, rec := range s.origins {
		if !rec.resetAt.After(now) {
			delete(s.origins, ip)
		}
	}
	return evicted
}

func (sess *Session) copy() *Session {
	c := *sess
	return &c
}
