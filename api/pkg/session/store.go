// Package session gives clients a stable identity across transport
// reconnects. Sessions hold stream preferences and a weak reference to the
// client's last browser id; they never own browser instances.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/webgaze/webgaze/api/pkg/config"
	"github.com/webgaze/webgaze/api/pkg/metrics"
	"github.com/webgaze/webgaze/api/pkg/types"
)

// Store keeps the session records and their token index. Both maps are
// mutated together under one lock so tokenIndex[s.Token] == s.ID holds for
// every live session at every unlock.
type Store struct {
	cfg config.Session
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*types.Session
	tokens   map[string]string // token -> id
}

func NewStore(cfg config.Session) *Store {
	return &Store{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*types.Session),
		tokens:   make(map[string]string),
	}
}

// GetOrCreate resolves the presented token to its live session, refreshing
// the caller's address and user agent if they changed. An unknown, empty or
// expired token yields a fresh session.
func (s *Store) GetOrCreate(token, ipAddress, userAgent string) types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != "" {
		if id, ok := s.tokens[token]; ok {
			sess := s.sessions[id]
			if !s.expiredLocked(sess) {
				sess.LastActivityAt = s.now()
				if ipAddress != "" && sess.IPAddress != ipAddress {
					sess.IPAddress = ipAddress
				}
				if userAgent != "" && sess.UserAgent != userAgent {
					sess.UserAgent = userAgent
				}
				return *sess
			}
			s.deleteLocked(id)
		}
	}

	now := s.now()
	sess := &types.Session{
		ID:             uuid.NewString(),
		Token:          uuid.NewString(),
		CreatedAt:      now,
		LastActivityAt: now,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
	}
	s.sessions[sess.ID] = sess
	s.tokens[sess.Token] = sess.ID
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	log.Debug().Str("session_id", sess.ID).Str("ip", ipAddress).Msg("session created")
	return *sess
}

// Get looks a session up by id, falling back to token lookup.
func (s *Store) Get(idOrToken string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[idOrToken]; ok {
		return *sess, true
	}
	if id, ok := s.tokens[idOrToken]; ok {
		if sess, ok := s.sessions[id]; ok {
			return *sess, true
		}
	}
	return types.Session{}, false
}

// Validate resolves a token to its session, deleting it when expired.
func (s *Store) Validate(token string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokens[token]
	if !ok {
		return types.Session{}, false
	}
	sess := s.sessions[id]
	if s.expiredLocked(sess) {
		s.deleteLocked(id)
		return types.Session{}, false
	}
	return *sess, true
}

// Touch refreshes the session's activity timestamp.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActivityAt = s.now()
	}
}

// UpdateSettings stores the client's stream preferences. The viewport
// resolution is tracked separately via SetResolution so a settings update
// never clobbers it.
func (s *Store) UpdateSettings(id string, settings types.SessionSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Settings.FPS = settings.FPS
		sess.Settings.Quality = settings.Quality
		sess.Settings.Adaptive = settings.Adaptive
		sess.LastActivityAt = s.now()
	}
}

// SetResolution records the session's current viewport size.
func (s *Store) SetResolution(id string, width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Settings.Resolution = types.Resolution{Width: width, Height: height}
		sess.LastActivityAt = s.now()
	}
}

// SetBrowserID records the browser the session last used. The reference is
// lookup-only; browser ownership stays with the socket.
func (s *Store) SetBrowserID(id, browserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.BrowserID = browserID
		sess.LastActivityAt = s.now()
	}
}

// SetMetadata merges metadata entries into the session.
func (s *Store) SetMetadata(id string, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string, len(meta))
	}
	for k, v := range meta {
		sess.Metadata[k] = v
	}
}

// Delete removes a session and its token mapping.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	s.deleteLocked(id)
	return true
}

// All returns a copy of every live session.
func (s *Store) All() []types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartReaper destroys expired sessions until ctx is cancelled.
func (s *Store) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.ReapInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.reapExpired()
			if n > 0 {
				log.Info().Int("count", n).Msg("reaped expired sessions")
			}
		}
	}
}

func (s *Store) reapExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, sess := range s.sessions {
		if s.expiredLocked(sess) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.deleteLocked(id)
	}
	return len(expired)
}

func (s *Store) expiredLocked(sess *types.Session) bool {
	return s.now().Sub(sess.LastActivityAt) > time.Duration(s.cfg.Timeout)
}

func (s *Store) deleteLocked(id string) {
	if sess, ok := s.sessions[id]; ok {
		delete(s.tokens, sess.Token)
		delete(s.sessions, id)
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
}
