package stream

import (
	"github.com/webgaze/webgaze/api/pkg/config"
	"github.com/webgaze/webgaze/api/pkg/types"
)

// Settings are the resolved, clamped streaming parameters a producer runs
// under.
type Settings struct {
	FPS              int                   `json:"fps"`
	Quality          int                   `json:"quality"`
	AdaptiveBitrate  bool                  `json:"adaptiveBitrate"`
	KeyframeInterval int                   `json:"keyframeInterval"`
	Connection       types.ConnectionClass `json:"connectionQuality"`
	Device           types.DeviceClass     `json:"deviceClass"`
}

// Patch carries a partial settings update from the client; nil fields are
// left untouched.
type Patch struct {
	FPS             *int
	Quality         *int
	AdaptiveBitrate *bool
	Connection      *string
}

// preset is an initial parameter row of the connection x device table.
type preset struct {
	fps     int
	quality int
}

// presets derive initial fps/quality from the client's link and device
// class. Keyframe cadence depends on the link class alone: a slower link
// sees fewer keyframes.
var presets = map[types.ConnectionClass]map[types.DeviceClass]preset{
	types.ConnectionSlow: {
		types.DeviceDesktop: {fps: 10, quality: 40},
		types.DeviceTablet:  {fps: 10, quality: 35},
		types.DeviceMobile:  {fps: 8, quality: 30},
		types.DeviceTV:      {fps: 10, quality: 45},
	},
	types.ConnectionMedium: {
		types.DeviceDesktop: {fps: 20, quality: 60},
		types.DeviceTablet:  {fps: 20, quality: 55},
		types.DeviceMobile:  {fps: 15, quality: 50},
		types.DeviceTV:      {fps: 20, quality: 65},
	},
	types.ConnectionFast: {
		types.DeviceDesktop: {fps: 30, quality: 80},
		types.DeviceTablet:  {fps: 30, quality: 75},
		types.DeviceMobile:  {fps: 24, quality: 70},
		types.DeviceTV:      {fps: 30, quality: 85},
	},
}

func keyframeIntervalFor(conn types.ConnectionClass, fallback int) int {
	switch conn {
	case types.ConnectionSlow:
		return 15
	case types.ConnectionMedium:
		return 10
	case types.ConnectionFast:
		return 8
	default:
		return fallback
	}
}

// Resolve derives a producer's initial settings: preset by class, then
// client overrides, then clamping.
func Resolve(cfg config.Streaming, connection, device string, patch Patch) Settings {
	conn := types.ParseConnectionClass(connection)
	dev := types.ParseDeviceClass(device)

	row := presets[conn][dev]
	s := Settings{
		FPS:              row.fps,
		Quality:          row.quality,
		AdaptiveBitrate:  true,
		KeyframeInterval: keyframeIntervalFor(conn, cfg.KeyframeInterval),
		Connection:       conn,
		Device:           dev,
	}
	if connection == "" {
		// No declared link class: fall back to the configured defaults
		// rather than the medium preset row.
		s.FPS = cfg.DefaultFPS
		s.Quality = cfg.ScreenshotQuality
		s.KeyframeInterval = cfg.KeyframeInterval
	}

	s.apply(patch)
	s.clamp(cfg)
	return s
}

// apply overlays non-nil patch fields.
func (s *Settings) apply(patch Patch) {
	if patch.FPS != nil {
		s.FPS = *patch.FPS
	}
	if patch.Quality != nil {
		s.Quality = *patch.Quality
	}
	if patch.AdaptiveBitrate != nil {
		s.AdaptiveBitrate = *patch.AdaptiveBitrate
	}
	if patch.Connection != nil && *patch.Connection != "" {
		s.Connection = types.ParseConnectionClass(*patch.Connection)
		s.KeyframeInterval = keyframeIntervalFor(s.Connection, s.KeyframeInterval)
	}
}

func (s *Settings) clamp(cfg config.Streaming) {
	s.FPS = clampInt(s.FPS, cfg.MinFPS, cfg.MaxFPS)
	s.Quality = clampInt(s.Quality, cfg.MinQuality, cfg.MaxQuality)
	if s.KeyframeInterval < 1 {
		s.KeyframeInterval = cfg.KeyframeInterval
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
