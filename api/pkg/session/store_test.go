package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgaze/webgaze/api/pkg/config"
	"github.com/webgaze/webgaze/api/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(config.Session{Timeout: config.Duration(2 * time.Hour), ReapInterval: config.Duration(15 * time.Minute)})
	store.now = clock.Now
	return store, clock
}

// checkTokenIndex asserts the token index invariant: every live session's
// token maps back to its id, and there are no dangling token entries.
func checkTokenIndex(t *testing.T, s *Store) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		got, ok := s.tokens[sess.Token]
		require.True(t, ok, "session %s has no token entry", id)
		assert.Equal(t, id, got)
	}
	assert.Equal(t, len(s.sessions), len(s.tokens))
}

func TestGetOrCreateNewSession(t *testing.T) {
	store, _ := newTestStore(t)

	sess := store.GetOrCreate("", "10.0.0.1", "test-agent")
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, "10.0.0.1", sess.IPAddress)
	assert.Equal(t, 1, store.Count())
	checkTokenIndex(t, store)
}

func TestGetOrCreateResumesByToken(t *testing.T) {
	store, clock := newTestStore(t)

	first := store.GetOrCreate("", "10.0.0.1", "agent-a")
	clock.Advance(time.Minute)
	second := store.GetOrCreate(first.Token, "10.0.0.2", "agent-b")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "10.0.0.2", second.IPAddress, "ip refreshed on reconnect")
	assert.Equal(t, "agent-b", second.UserAgent)
	assert.Equal(t, 1, store.Count())
	checkTokenIndex(t, store)
}

func TestGetOrCreateExpiredTokenMakesFreshSession(t *testing.T) {
	store, clock := newTestStore(t)

	first := store.GetOrCreate("", "10.0.0.1", "agent")
	clock.Advance(3 * time.Hour)
	second := store.GetOrCreate(first.Token, "10.0.0.1", "agent")

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Count(), "expired record removed")
	checkTokenIndex(t, store)
}

func TestValidate(t *testing.T) {
	store, clock := newTestStore(t)

	sess := store.GetOrCreate("", "10.0.0.1", "agent")

	got, ok := store.Validate(sess.Token)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)

	clock.Advance(2*time.Hour + time.Second)
	_, ok = store.Validate(sess.Token)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Count(), "validate deletes the expired session")
	checkTokenIndex(t, store)
}

func TestGetByIDOrToken(t *testing.T) {
	store, _ := newTestStore(t)
	sess := store.GetOrCreate("", "10.0.0.1", "agent")

	byID, ok := store.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.Token, byID.Token)

	byToken, ok := store.Get(sess.Token)
	require.True(t, ok)
	assert.Equal(t, sess.ID, byToken.ID)

	_, ok = store.Get("nope")
	assert.False(t, ok)
}

func TestDeleteRemovesTokenMapping(t *testing.T) {
	store, _ := newTestStore(t)
	sess := store.GetOrCreate("", "10.0.0.1", "agent")

	assert.True(t, store.Delete(sess.ID))
	assert.False(t, store.Delete(sess.ID))
	_, ok := store.Validate(sess.Token)
	assert.False(t, ok)
	checkTokenIndex(t, store)
}

func TestUpdateSettingsAndBrowserID(t *testing.T) {
	store, _ := newTestStore(t)
	sess := store.GetOrCreate("", "10.0.0.1", "agent")

	store.UpdateSettings(sess.ID, types.SessionSettings{FPS: 24, Quality: 60, Adaptive: true})
	store.SetBrowserID(sess.ID, "browser-1")

	got, ok := store.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 24, got.Settings.FPS)
	assert.Equal(t, "browser-1", got.BrowserID)
}

func TestSetResolutionSurvivesSettingsUpdate(t *testing.T) {
	store, _ := newTestStore(t)
	sess := store.GetOrCreate("", "10.0.0.1", "agent")

	store.SetResolution(sess.ID, 1280, 720)
	store.UpdateSettings(sess.ID, types.SessionSettings{FPS: 24, Quality: 60})

	got, ok := store.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, types.Resolution{Width: 1280, Height: 720}, got.Settings.Resolution)
	assert.Equal(t, 24, got.Settings.FPS)

	store.SetResolution(sess.ID, 800, 600)
	got, _ = store.Get(sess.ID)
	assert.Equal(t, types.Resolution{Width: 800, Height: 600}, got.Settings.Resolution)
}

func TestReapExpired(t *testing.T) {
	store, clock := newTestStore(t)

	old := store.GetOrCreate("", "10.0.0.1", "agent")
	clock.Advance(90 * time.Minute)
	fresh := store.GetOrCreate("", "10.0.0.2", "agent")

	clock.Advance(time.Hour) // old is 2.5h stale, fresh 1h
	n := store.reapExpired()

	assert.Equal(t, 1, n)
	_, ok := store.Get(old.ID)
	assert.False(t, ok)
	_, ok = store.Get(fresh.ID)
	assert.True(t, ok)
	checkTokenIndex(t, store)
}
