// Package stream runs the per-client frame loops: one producer goroutine
// per connected socket, each pacing captures to its own fps target and
// adapting quality to what the client can sustain.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webgaze/webgaze/api/pkg/config"
	"github.com/webgaze/webgaze/api/pkg/metrics"
)

// Engine owns the producers, keyed by socket id. At most one producer runs
// per socket; starting a new stream stops the previous one first.
type Engine struct {
	cfg  config.Streaming
	pool Snapshotter

	mu        sync.Mutex
	producers map[string]*Producer
}

func NewEngine(cfg config.Streaming, pool Snapshotter) *Engine {
	return &Engine{
		cfg:       cfg,
		pool:      pool,
		producers: make(map[string]*Producer),
	}
}

// Start spins up a producer streaming browserID's viewport to sink. Any
// producer already registered for the socket is stopped and awaited first,
// so two loops never feed the same client.
func (e *Engine) Start(ctx context.Context, socketID, browserID string, settings Settings, sink Sink) *Producer {
	e.mu.Lock()
	prev := e.producers[socketID]
	e.mu.Unlock()
	if prev != nil {
		prev.Stop()
		<-prev.Done()
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &Producer{
		engine:    e,
		socketID:  socketID,
		browserID: browserID,
		sink:      sink,
		state:     StateRunning,
		settings:  settings,
		resume:    make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	e.producers[socketID] = p
	e.mu.Unlock()

	metrics.ActiveStreams.Inc()
	log.Info().
		Str("socket_id", socketID).
		Str("browser_id", browserID).
		Int("fps", settings.FPS).
		Int("quality", settings.Quality).
		Str("connection", string(settings.Connection)).
		Str("device", string(settings.Device)).
		Msg("stream started")

	go p.run(runCtx)
	return p
}

// Stop cancels the producer's loop. Idempotent.
func (p *Producer) Stop() {
	p.cancel()
}

// StopFor stops the producer bound to socketID, waiting for the loop to
// exit. Returns false when no stream was running.
func (e *Engine) StopFor(socketID string) bool {
	e.mu.Lock()
	p := e.producers[socketID]
	e.mu.Unlock()
	if p == nil {
		return false
	}
	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		log.Warn().Str("socket_id", socketID).Msg("stream did not stop in time")
	}
	return true
}

// Get returns the producer bound to socketID, if any.
func (e *Engine) Get(socketID string) (*Producer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.producers[socketID]
	return p, ok
}

// Count returns the number of registered producers.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.producers)
}

// remove deregisters a producer as its loop exits. The pointer check keeps
// a replacement registered under the same socket id from being clobbered.
func (e *Engine) remove(socketID string, p *Producer) {
	e.mu.Lock()
	if e.producers[socketID] == p {
		delete(e.producers, socketID)
	}
	e.mu.Unlock()
	log.Debug().Str("socket_id", socketID).Msg("stream stopped")
}
