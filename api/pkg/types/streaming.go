// Package types holds the shared domain types that cross package
// boundaries: sessions, frames and the client-declared class hints.
package types

import (
	"strings"
	"time"
)

// ConnectionClass is the client's declared link quality. It seeds the
// initial stream parameters; the adaptive loop takes over from there.
type ConnectionClass string

const (
	ConnectionSlow   ConnectionClass = "slow"
	ConnectionMedium ConnectionClass = "medium"
	ConnectionFast   ConnectionClass = "fast"
)

// ParseConnectionClass folds an arbitrary client string to a known class,
// defaulting to medium.
func ParseConnectionClass(s string) ConnectionClass {
	switch ConnectionClass(strings.ToLower(strings.TrimSpace(s))) {
	case ConnectionSlow:
		return ConnectionSlow
	case ConnectionFast:
		return ConnectionFast
	default:
		return ConnectionMedium
	}
}

// DeviceClass is the client's declared device category.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceTablet  DeviceClass = "tablet"
	DeviceMobile  DeviceClass = "mobile"
	DeviceTV      DeviceClass = "tv"
)

// ParseDeviceClass folds an arbitrary client string to a known class,
// defaulting to desktop.
func ParseDeviceClass(s string) DeviceClass {
	switch DeviceClass(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceTablet:
		return DeviceTablet
	case DeviceMobile:
		return DeviceMobile
	case DeviceTV:
		return DeviceTV
	default:
		return DeviceDesktop
	}
}

// Frame is one captured viewport image as it goes over the wire. Image is
// the compressed, base64-encoded payload; Timestamp is server time in
// milliseconds so clients can measure delivery latency against it.
type Frame struct {
	Image      string `json:"image"`
	IsKeyframe bool   `json:"isKeyframe"`
	Quality    int    `json:"quality"`
	Timestamp  int64  `json:"timestamp"`
}

// Resolution is a viewport size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SessionSettings are the stream preferences remembered on the session so
// a reconnecting client resumes where it left off.
type SessionSettings struct {
	FPS        int        `json:"fps"`
	Quality    int        `json:"quality"`
	Adaptive   bool       `json:"adaptiveBitrate"`
	Resolution Resolution `json:"resolution"`
}

// Session is a client identity that outlives any single websocket
// connection. BrowserID is a weak reference to the browser the session
// last drove; the socket owns the browser's lifecycle, not the session.
type Session struct {
	ID             string            `json:"id"`
	Token          string            `json:"-"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	Settings       SessionSettings   `json:"settings"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	BrowserID      string            `json:"browserId,omitempty"`
	IPAddress      string            `json:"ipAddress,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
}
