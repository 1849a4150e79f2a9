// Package metrics exposes Prometheus metrics for the streaming core. Labels
// are kept low-cardinality: no socket, session or browser ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveBrowsers tracks the current browser pool size.
	ActiveBrowsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webgaze_active_browsers",
		Help: "Current number of live browser instances in the pool.",
	})

	// BrowsersCreated counts browser instance launches.
	BrowsersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webgaze_browsers_created_total",
		Help: "Total number of browser instances created.",
	})

	// BrowsersClosed counts browser instance closures by cause.
	BrowsersClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgaze_browsers_closed_total",
		Help: "Total number of browser instances closed, by cause (explicit/lru/idle).",
	}, []string{"cause"})

	// ActiveSessions tracks live (unexpired) client sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webgaze_active_sessions",
		Help: "Current number of live client sessions.",
	})

	// ActiveStreams tracks running producer loops.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webgaze_active_streams",
		Help: "Current number of running frame producer loops.",
	})

	// FramesEmitted counts frames handed to the transport, by kind.
	FramesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webgaze_frames_emitted_total",
		Help: "Total number of frames emitted, by kind (key/delta).",
	}, []string{"kind"})

	// FramesDropped counts frames dropped under transport backpressure.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webgaze_frames_dropped_total",
		Help: "Total number of frames dropped because the client send buffer was full.",
	})

	// FrameBytes counts compressed frame payload bytes emitted.
	FrameBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webgaze_frame_bytes_total",
		Help: "Total compressed frame payload bytes emitted.",
	})

	// FrameProduceSeconds observes snapshot+encode time per frame.
	FrameProduceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webgaze_frame_produce_seconds",
		Help:    "Time spent capturing and encoding a single frame.",
		Buckets: prometheus.ExponentialBuckets(0.002, 2, 12),
	})
)
