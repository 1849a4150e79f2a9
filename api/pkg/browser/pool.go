// Package browser owns the bounded set of headless browser instances. The
// pool admits new instances up to a fixed capacity, evicting the least
// recently used one when full, and a background reaper closes instances that
// have sat idle past their timeout.
package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/webgaze/webgaze/api/pkg/config"
	"github.com/webgaze/webgaze/api/pkg/metrics"
)

// Instance is the pool's record of one live browser page session.
type Instance struct {
	ID string

	mu             sync.Mutex
	page           Page
	width, height  int
	currentURL     string
	lastActivityAt time.Time
	closed         bool
}

func (i *Instance) touch(now time.Time) {
	i.mu.Lock()
	i.lastActivityAt = now
	i.mu.Unlock()
}

func (i *Instance) lastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivityAt
}

// Pool is the browser instance lifecycle manager.
//
// Lock order: the pool mutex guards the id map and the select-and-close step
// of LRU eviction; per-instance mutexes serialize operations against a single
// browser. The pool mutex is never held across page I/O.
type Pool struct {
	cfg    config.Browser
	driver Driver
	now    func() time.Time

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewPool builds a pool over the given driver. The driver is owned by the
// caller; closing the pool closes instances, not the driver.
func NewPool(cfg config.Browser, driver Driver) *Pool {
	return &Pool{
		cfg:       cfg,
		driver:    driver,
		now:       time.Now,
		instances: make(map[string]*Instance),
	}
}

// NormalizeURL prepends https:// when the input has no scheme.
func NormalizeURL(url string) string {
	if url == "" {
		return url
	}
	if !strings.Contains(url, "://") {
		return "https://" + url
	}
	return url
}

// Create launches a new instance and returns its id. When the pool is at
// capacity the least recently used instance is closed first, so the bound
// |instances| <= MaxBrowsers holds at every return.
func (p *Pool) Create(ctx context.Context, url string, width, height int) (string, error) {
	if url == "" {
		url = p.cfg.DefaultURL
	}
	url = NormalizeURL(url)
	if width <= 0 {
		width = p.cfg.DefaultWidth
	}
	if height <= 0 {
		height = p.cfg.DefaultHeight
	}

	// Hold the pool lock across select-and-close so two concurrent creates
	// cannot pick the same victim or overshoot capacity.
	p.mu.Lock()
	var victim *Instance
	if len(p.instances) >= p.cfg.MaxBrowsers {
		victim = p.lruLocked()
		if victim != nil {
			delete(p.instances, victim.ID)
		}
	}
	id := uuid.NewString()
	inst := &Instance{
		ID:             id,
		width:          width,
		height:         height,
		currentURL:     url,
		lastActivityAt: p.now(),
	}
	p.instances[id] = inst
	p.mu.Unlock()

	if victim != nil {
		log.Info().Str("browser_id", victim.ID).Msg("evicting least recently used browser")
		p.destroy(victim, "lru")
	}

	page, err := p.driver.NewPage(ctx, url, width, height)
	if err != nil {
		p.mu.Lock()
		delete(p.instances, id)
		p.mu.Unlock()
		return "", fmt.Errorf("create browser: %w", err)
	}

	inst.mu.Lock()
	inst.page = page
	inst.lastActivityAt = p.now()
	inst.mu.Unlock()

	metrics.BrowsersCreated.Inc()
	metrics.ActiveBrowsers.Set(float64(p.Count()))
	log.Info().Str("browser_id", id).Str("url", url).Int("width", width).Int("height", height).Msg("browser created")
	return id, nil
}

// lruLocked picks the instance with the smallest lastActivityAt. Ties break
// on id order so eviction is deterministic.
func (p *Pool) lruLocked() *Instance {
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var victim *Instance
	for _, id := range ids {
		inst := p.instances[id]
		if victim == nil || inst.lastActivity().Before(victim.lastActivity()) {
			victim = inst
		}
	}
	return victim
}

// Close destroys the instance with the given id. It reports whether the id
// was live; closing an unknown or already-closed id is a no-op.
func (p *Pool) Close(id string) bool {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if ok {
		delete(p.instances, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.destroy(inst, "explicit")
	return true
}

// CloseAll tears down every live instance. Used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	all := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		all = append(all, inst)
	}
	p.instances = make(map[string]*Instance)
	p.mu.Unlock()

	for _, inst := range all {
		p.destroy(inst, "explicit")
	}
}

// destroy closes the underlying page once. Safe against concurrent calls for
// the same instance; the record has already left the map.
func (p *Pool) destroy(inst *Instance, cause string) {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return
	}
	inst.closed = true
	page := inst.page
	inst.mu.Unlock()

	if page != nil {
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Str("browser_id", inst.ID).Msg("error closing browser page")
		}
	}
	metrics.BrowsersClosed.WithLabelValues(cause).Inc()
	metrics.ActiveBrowsers.Set(float64(p.Count()))
	log.Info().Str("browser_id", inst.ID).Str("cause", cause).Msg("browser closed")
}

func (p *Pool) get(id string) (*Instance, error) {
	p.mu.Lock()
	inst, ok := p.instances[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

// Snapshot rasterises the instance's viewport.
func (p *Pool) Snapshot(ctx context.Context, id string, opts CaptureOptions) ([]byte, error) {
	inst, err := p.get(id)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	page := inst.page
	inst.mu.Unlock()
	if page == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	data, err := page.Screenshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	inst.touch(p.now())
	return data, nil
}

// Navigate points the instance at a new URL and returns the normalized
// target. On failure the previous page is kept.
func (p *Pool) Navigate(ctx context.Context, id, url string) (string, error) {
	inst, err := p.get(id)
	if err != nil {
		return "", err
	}
	url = NormalizeURL(url)

	inst.mu.Lock()
	page := inst.page
	inst.mu.Unlock()
	if page == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := page.Navigate(ctx, url); err != nil {
		return "", err
	}

	inst.mu.Lock()
	inst.currentURL = url
	inst.lastActivityAt = p.now()
	inst.mu.Unlock()
	return url, nil
}

// Execute validates and applies one input action to the instance.
func (p *Pool) Execute(ctx context.Context, id, verb string, params ActionParams) error {
	action, err := ParseAction(verb, params)
	if err != nil {
		return err
	}

	inst, err := p.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	page := inst.page
	inst.mu.Unlock()
	if page == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := page.Apply(ctx, action); err != nil {
		return fmt.Errorf("action %s: %w", verb, err)
	}
	inst.touch(p.now())
	return nil
}

// Resize changes the instance viewport.
func (p *Pool) Resize(ctx context.Context, id string, width, height int) error {
	inst, err := p.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	page := inst.page
	inst.mu.Unlock()
	if page == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := page.Resize(ctx, width, height); err != nil {
		return err
	}

	inst.mu.Lock()
	inst.width, inst.height = width, height
	inst.lastActivityAt = p.now()
	inst.mu.Unlock()
	return nil
}

// CurrentURL reports the instance's live URL.
func (p *Pool) CurrentURL(id string) (string, error) {
	inst, err := p.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	page := inst.page
	stored := inst.currentURL
	inst.mu.Unlock()

	if page != nil {
		if u := page.CurrentURL(); u != "" {
			return u, nil
		}
	}
	return stored, nil
}

// Viewport reports the instance's current viewport size.
func (p *Pool) Viewport(id string) (int, int, error) {
	inst, err := p.get(id)
	if err != nil {
		return 0, 0, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.width, inst.height, nil
}

// List returns the live instance ids in stable order.
func (p *Pool) List() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of live instances.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// StartReaper runs the idle reaper until ctx is cancelled.
func (p *Pool) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.ReapInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle closes every instance idle past the timeout. Removal from the map
// happens before the page close, so a concurrent Close on the same id is a
// harmless no-op.
func (p *Pool) reapIdle() {
	cutoff := p.now().Add(-time.Duration(p.cfg.IdleTimeout))

	p.mu.Lock()
	var idle []*Instance
	for id, inst := range p.instances {
		if inst.lastActivity().Before(cutoff) {
			delete(p.instances, id)
			idle = append(idle, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range idle {
		log.Info().Str("browser_id", inst.ID).Dur("idle_timeout", time.Duration(p.cfg.IdleTimeout)).Msg("reaping idle browser")
		p.destroy(inst, "idle")
	}
}
