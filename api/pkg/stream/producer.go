package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webgaze/webgaze/api/pkg/browser"
	"github.com/webgaze/webgaze/api/pkg/codec"
	"github.com/webgaze/webgaze/api/pkg/metrics"
	"github.com/webgaze/webgaze/api/pkg/types"
)

// ErrSinkClosed is returned by a Sink when the client transport is gone.
// The producer exits silently on it.
var ErrSinkClosed = errors.New("stream: sink closed")

// Sink delivers frames to a single client. Deliver may drop a frame under
// backpressure without reporting an error; frames are volatile.
type Sink interface {
	Deliver(frame types.Frame) error
}

// Snapshotter is the slice of the browser pool the producer needs.
type Snapshotter interface {
	Snapshot(ctx context.Context, id string, opts browser.CaptureOptions) ([]byte, error)
}

// State is the producer loop's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a producer for the status message.
type Status struct {
	Active            bool                  `json:"active"`
	FPS               int                   `json:"fps"`
	Quality           int                   `json:"quality"`
	Adaptive          bool                  `json:"adaptiveBitrate"`
	KeyframeInterval  int                   `json:"keyframeInterval"`
	FrameCount        int64                 `json:"frameCount"`
	BytesSent         int64                 `json:"bytesSent"`
	ObservedLatencyMs float64               `json:"observedLatencyMs"`
	Connection        types.ConnectionClass `json:"connectionQuality"`
	Device            types.DeviceClass     `json:"deviceClass"`
}

// Producer owns one client's frame loop: pacing, keyframe policy and
// adaptive quality. All mutable state is guarded by mu; the loop goroutine
// and the router are the only writers.
type Producer struct {
	engine    *Engine
	socketID  string
	browserID string
	sink      Sink

	mu                sync.Mutex
	state             State
	settings          Settings
	keyframeCounter   int
	forceKeyframe     bool
	lastFrameAt       time.Time
	frameCount        int64
	bytesSent         int64
	observedLatencyMs float64

	resume chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// BrowserID returns the browser this producer captures from.
func (p *Producer) BrowserID() string { return p.browserID }

// Done is closed when the loop has fully exited.
func (p *Producer) Done() <-chan struct{} { return p.done }

// Status reports the producer's current state.
func (p *Producer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Active:            p.state == StateRunning,
		FPS:               p.settings.FPS,
		Quality:           p.settings.Quality,
		Adaptive:          p.settings.AdaptiveBitrate,
		KeyframeInterval:  p.settings.KeyframeInterval,
		FrameCount:        p.frameCount,
		BytesSent:         p.bytesSent,
		ObservedLatencyMs: p.observedLatencyMs,
		Connection:        p.settings.Connection,
		Device:            p.settings.Device,
	}
}

// Settings returns the current settings.
func (p *Producer) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Pause parks the loop after the in-flight frame.
func (p *Producer) Pause() {
	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StatePaused
	}
	p.mu.Unlock()
	log.Debug().Str("socket_id", p.socketID).Msg("stream paused")
}

// Resume unparks the loop. If the stream went stale while parked the next
// frame is produced immediately and forced to be a keyframe.
func (p *Producer) Resume() {
	p.mu.Lock()
	if p.state == StatePaused {
		p.state = StateRunning
		if time.Since(p.lastFrameAt) > time.Second {
			p.forceKeyframe = true
		}
	}
	p.mu.Unlock()

	select {
	case p.resume <- struct{}{}:
	default:
	}
	log.Debug().Str("socket_id", p.socketID).Msg("stream resumed")
}

// UpdateSettings applies a clamped settings patch. Any change resets the
// keyframe counter so the next frame is self-contained from the client's
// point of view. When the patch changes anything, announce is invoked with
// the new settings while the loop is still blocked on mu, so whatever it
// queues is on the wire path ahead of every frame produced under the new
// values.
func (p *Producer) UpdateSettings(patch Patch, announce func(Settings)) (Settings, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := p.settings
	p.settings.apply(patch)
	p.settings.clamp(p.engine.cfg)
	changed := p.settings != before
	if changed {
		p.keyframeCounter = 0
		p.forceKeyframe = true
		if announce != nil {
			announce(p.settings)
		}
		log.Info().
			Str("socket_id", p.socketID).
			Int("fps", p.settings.FPS).
			Int("quality", p.settings.Quality).
			Bool("adaptive", p.settings.AdaptiveBitrate).
			Int("prev_fps", before.FPS).
			Int("prev_quality", before.Quality).
			Msg("stream settings updated")
	}
	return p.settings, changed
}

// ReportLatency folds a client latency report into quality and fps. The
// number is drift-biased (client clock vs server timestamp) and treated as a
// hint only.
func (p *Producer) ReportLatency(latencyMs float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.observedLatencyMs = latencyMs
	if !p.settings.AdaptiveBitrate {
		return
	}

	cfg := p.engine.cfg
	switch {
	case latencyMs > 200:
		p.settings.Quality = clampInt(p.settings.Quality-5, cfg.MinQuality, cfg.MaxQuality)
		p.settings.FPS = clampInt(p.settings.FPS-2, cfg.MinFPS, cfg.MaxFPS)
	case latencyMs > 100:
		p.settings.Quality = clampInt(p.settings.Quality-2, cfg.MinQuality, cfg.MaxQuality)
	default:
		// Recovery is conservative: quality climbs back only to the
		// configured default, fps likewise.
		if p.settings.Quality < cfg.ScreenshotQuality {
			p.settings.Quality++
		}
		if p.settings.FPS < cfg.DefaultFPS {
			p.settings.FPS++
		}
	}
}

// run is the frame loop. One goroutine per client; the loop only ever
// blocks on the snapshot call, the sink and the inter-frame sleep.
func (p *Producer) run(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.state = StateTerminated
		p.mu.Unlock()
		metrics.ActiveStreams.Dec()
		p.engine.remove(p.socketID, p)
		close(p.done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		if p.state == StatePaused {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-p.resume:
			}
			continue
		}
		settings := p.settings
		isKeyframe := p.forceKeyframe || p.keyframeCounter%settings.KeyframeInterval == 0
		p.forceKeyframe = false
		p.keyframeCounter++
		lastFrameAt := p.lastFrameAt
		p.mu.Unlock()

		start := time.Now()
		raw, err := p.engine.pool.Snapshot(ctx, p.browserID, browser.CaptureOptions{
			Format:  p.engine.cfg.ScreenshotType,
			Quality: settings.Quality,
		})
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("socket_id", p.socketID).Str("browser_id", p.browserID).Msg("frame capture failed, terminating stream")
			}
			return
		}

		payload, size, err := codec.Encode(raw)
		if err != nil {
			log.Error().Err(err).Str("socket_id", p.socketID).Msg("frame encode failed, terminating stream")
			return
		}
		metrics.FrameProduceSeconds.Observe(time.Since(start).Seconds())

		frame := types.Frame{
			Image:      payload,
			IsKeyframe: isKeyframe,
			Quality:    settings.Quality,
			Timestamp:  time.Now().UnixMilli(),
		}
		if err := p.sink.Deliver(frame); err != nil {
			// Transport is gone; exit without noise.
			return
		}

		kind := "delta"
		if isKeyframe {
			kind = "key"
		}
		metrics.FramesEmitted.WithLabelValues(kind).Inc()
		metrics.FrameBytes.Add(float64(size))

		now := time.Now()
		p.mu.Lock()
		p.lastFrameAt = now
		p.frameCount++
		p.bytesSent += int64(size)
		if settings.AdaptiveBitrate && !lastFrameAt.IsZero() {
			p.adaptToObservedFpsLocked(now.Sub(lastFrameAt))
		}
		targetFPS := p.settings.FPS
		p.mu.Unlock()

		interval := time.Second / time.Duration(targetFPS)
		sleep := interval - time.Since(start)
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.resume:
			// A resume while running (or a restart request) starts the
			// next iteration immediately.
			timer.Stop()
		case <-timer.C:
		}
	}
}

// adaptToObservedFpsLocked nudges quality toward what the loop is actually
// sustaining. Called with mu held.
func (p *Producer) adaptToObservedFpsLocked(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	cfg := p.engine.cfg
	observed := 1.0 / elapsed.Seconds()
	target := float64(p.settings.FPS)

	switch {
	case observed < 0.9*target && p.settings.Quality > cfg.MinQuality:
		p.settings.Quality = clampInt(p.settings.Quality-5, cfg.MinQuality, cfg.MaxQuality)
	case observed > 1.1*target && p.settings.Quality < cfg.MaxQuality:
		p.settings.Quality = clampInt(p.settings.Quality+2, cfg.MinQuality, cfg.MaxQuality)
	}
}
