package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"
)

// FileConfig is the on-disk shape of the optional JSON config file. The
// security, features and storage sections belong to external policy modules;
// they are carried through untouched so a round trip never loses them.
type FileConfig struct {
	Server    *ServerSection    `json:"server,omitempty"`
	Browser   *BrowserSection   `json:"browser,omitempty"`
	Streaming *StreamingSection `json:"streaming,omitempty"`
	Security  json.RawMessage   `json:"security,omitempty"`
	Features  json.RawMessage   `json:"features,omitempty"`
	Storage   json.RawMessage   `json:"storage,omitempty"`
}

type ServerSection struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	CORSOrigin string `json:"corsOrigin,omitempty"`
}

type BrowserSection struct {
	DefaultURL  string `json:"defaultUrl,omitempty"`
	MaxBrowsers int    `json:"maxBrowsers,omitempty"`
	TimeoutMs   int64  `json:"timeoutMs,omitempty"`
}

type StreamingSection struct {
	ScreenshotQuality int    `json:"screenshotQuality,omitempty"`
	ScreenshotType    string `json:"screenshotType,omitempty"`
	DefaultFPS        int    `json:"defaultFps,omitempty"`
	MinFPS            int    `json:"minFps,omitempty"`
	MaxFPS            int    `json:"maxFps,omitempty"`
	KeyframeInterval  int    `json:"keyframeInterval,omitempty"`
}

// Store reads and writes the persisted JSON config file. Writes are atomic
// (write-to-temp then rename) so a crash never leaves a torn file behind.
type Store struct {
	path string

	mu   sync.Mutex
	file FileConfig
}

// NewStore loads the config file at path if it exists. A missing file is not
// an error; the store starts empty and materialises the file on first save.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.file); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return s, nil
}

// Apply overlays the file-backed values onto an environment-derived config.
// Only fields present in the file override.
func (s *Store) Apply(cfg *ServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sec := s.file.Server; sec != nil {
		if sec.Host != "" {
			cfg.Server.Host = sec.Host
		}
		if sec.Port != 0 {
			cfg.Server.Port = sec.Port
		}
		if sec.CORSOrigin != "" {
			cfg.Server.CORSOrigin = sec.CORSOrigin
		}
	}
	if sec := s.file.Browser; sec != nil {
		if sec.DefaultURL != "" {
			cfg.Browser.DefaultURL = sec.DefaultURL
		}
		if sec.MaxBrowsers != 0 {
			cfg.Browser.MaxBrowsers = sec.MaxBrowsers
		}
		if sec.TimeoutMs != 0 {
			cfg.Browser.IdleTimeout = Duration(msToDuration(sec.TimeoutMs))
		}
	}
	if sec := s.file.Streaming; sec != nil {
		if sec.ScreenshotQuality != 0 {
			cfg.Streaming.ScreenshotQuality = sec.ScreenshotQuality
		}
		if sec.ScreenshotType != "" {
			cfg.Streaming.ScreenshotType = sec.ScreenshotType
		}
		if sec.DefaultFPS != 0 {
			cfg.Streaming.DefaultFPS = sec.DefaultFPS
		}
		if sec.MinFPS != 0 {
			cfg.Streaming.MinFPS = sec.MinFPS
		}
		if sec.MaxFPS != 0 {
			cfg.Streaming.MaxFPS = sec.MaxFPS
		}
		if sec.KeyframeInterval != 0 {
			cfg.Streaming.KeyframeInterval = sec.KeyframeInterval
		}
	}
}

// UpdateStreaming persists new streaming defaults to the config file.
func (s *Store) UpdateStreaming(sec StreamingSection) error {
	s.mu.Lock()
	s.file.Streaming = &sec
	s.mu.Unlock()
	return s.Save()
}

// Save writes the current state atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.file, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write config file %s: %w", s.path, err)
	}
	log.Debug().Str("path", s.path).Msg("config file saved")
	return nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
