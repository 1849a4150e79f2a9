package config

import (
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Duration is a time.Duration whose environment value may be either a Go
// duration string ("15m") or a bare integer, read as milliseconds
// (BROWSER_TIMEOUT=900000).
type Duration time.Duration

func (d *Duration) Decode(value string) error {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ServerConfig is the full process configuration, loaded from the
// environment at startup. An optional JSON config file (see Store) is
// overlaid on top of the environment values.
type ServerConfig struct {
	Server    Server
	Browser   Browser
	Streaming Streaming
	Session   Session
}

type Server struct {
	Host       string `envconfig:"HOST" default:"0.0.0.0"`
	Port       int    `envconfig:"PORT" default:"8002"`
	CORSOrigin string `envconfig:"CORS_ORIGIN" default:"*"`
	// ConfigFile points at the optional persisted JSON config. Empty
	// disables file-backed configuration.
	ConfigFile string `envconfig:"CONFIG_FILE" default:""`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty  bool   `envconfig:"LOG_PRETTY" default:"false"`
}

type Browser struct {
	DefaultURL string `envconfig:"DEFAULT_URL" default:"https://www.google.com"`
	// MaxBrowsers bounds the pool; creating beyond it evicts the least
	// recently used instance.
	MaxBrowsers int `envconfig:"MAX_BROWSERS" default:"5"`
	// IdleTimeout is how long an instance may sit without activity before
	// the reaper closes it.
	IdleTimeout  Duration `envconfig:"BROWSER_TIMEOUT" default:"15m"`
	ReapInterval Duration `envconfig:"BROWSER_REAP_INTERVAL" default:"5m"`
	// ChromeURL connects to an already-running browser over CDP instead of
	// launching one. Empty launches a headless browser locally.
	ChromeURL string `envconfig:"CHROME_URL" default:""`
	// NavigationTimeout bounds how long navigate waits for DOM-ready.
	NavigationTimeout Duration `envconfig:"NAVIGATION_TIMEOUT" default:"30s"`
	DefaultWidth      int      `envconfig:"DEFAULT_WIDTH" default:"1280"`
	DefaultHeight     int      `envconfig:"DEFAULT_HEIGHT" default:"720"`
}

type Streaming struct {
	ScreenshotQuality int    `envconfig:"SCREENSHOT_QUALITY" default:"80"`
	ScreenshotType    string `envconfig:"SCREENSHOT_TYPE" default:"jpeg"`
	DefaultFPS        int    `envconfig:"DEFAULT_FPS" default:"30"`
	MinFPS            int    `envconfig:"MIN_FPS" default:"5"`
	MaxFPS            int    `envconfig:"MAX_FPS" default:"60"`
	MinQuality        int    `envconfig:"MIN_QUALITY" default:"20"`
	MaxQuality        int    `envconfig:"MAX_QUALITY" default:"95"`
	KeyframeInterval  int    `envconfig:"KEYFRAME_INTERVAL" default:"10"`
}

type Session struct {
	Timeout      Duration `envconfig:"SESSION_TIMEOUT" default:"2h"`
	ReapInterval Duration `envconfig:"SESSION_REAP_INTERVAL" default:"15m"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
