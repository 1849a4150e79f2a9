package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/webgaze/webgaze/api/pkg/browser"
	"github.com/webgaze/webgaze/api/pkg/stream"
	"github.com/webgaze/webgaze/api/pkg/types"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// BrowserPool is the slice of the pool the socket router drives.
type BrowserPool interface {
	Create(ctx context.Context, url string, width, height int) (string, error)
	Close(id string) bool
	Navigate(ctx context.Context, id, url string) (string, error)
	Execute(ctx context.Context, id, verb string, params browser.ActionParams) error
	Resize(ctx context.Context, id string, width, height int) error
	CurrentURL(id string) (string, error)
	List() []string
	Count() int
}

type initRequest struct {
	URL               string `json:"url"`
	Width             int    `json:"width"`
	Height            int    `json:"height"`
	ConnectionQuality string `json:"connectionQuality"`
	DeviceClass       string `json:"deviceClass"`
	FPS               *int   `json:"fps"`
	Quality           *int   `json:"quality"`
	AdaptiveBitrate   *bool  `json:"adaptiveBitrate"`
}

type navigateRequest struct {
	URL string `json:"url"`
}

type actionRequest struct {
	Action string   `json:"action"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Button string   `json:"button"`
	Text   string   `json:"text"`
	Key    string   `json:"key"`
}

type resizeRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type streamSettingsRequest struct {
	FPS               *int    `json:"fps"`
	Quality           *int    `json:"quality"`
	Width             *int    `json:"width"`
	Height            *int    `json:"height"`
	AdaptiveBitrate   *bool   `json:"adaptiveBitrate"`
	ConnectionQuality *string `json:"connectionQuality"`
}

type streamControlRequest struct {
	Streaming bool `json:"streaming"`
}

type latencyReport struct {
	Latency   *float64 `json:"latency"`
	Timestamp int64    `json:"timestamp"`
}

// wsConn is the per-connection state the router mutates: which session the
// socket authenticated as and which browser it owns. The read loop is the
// only writer, so no lock is needed.
type wsConn struct {
	srv     *WebGazeServer
	client  *wsClient
	ctx     context.Context
	session types.Session

	browserID string
}

// handleWS upgrades the connection and runs the read loop until the client
// goes away. Teardown stops the stream first, then closes the browser; the
// session survives for reconnection.
func (s *WebGazeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newWSClient(conn)
	go client.writePump()

	sess := s.sessions.GetOrCreate(r.URL.Query().Get("token"), remoteIP(r), r.UserAgent())
	c := &wsConn{srv: s, client: client, ctx: r.Context(), session: sess}

	log.Info().
		Str("socket_id", client.id).
		Str("session_id", sess.ID).
		Str("ip", sess.IPAddress).
		Msg("client connected")

	// Announce the session immediately so the client can persist the token
	// before sending anything else.
	client.send(outMessage{Event: "session", Data: map[string]string{
		"sessionId": sess.ID,
		"token":     sess.Token,
	}})

	defer c.teardown()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("socket_id", client.id).Msg("websocket read failed")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			client.send(outMessage{Event: "error", Data: map[string]any{
				"success": false,
				"error":   "malformed message",
			}})
			continue
		}
		c.dispatch(env)
	}
}

func (c *wsConn) teardown() {
	c.srv.engine.StopFor(c.client.id)
	if c.browserID != "" {
		c.srv.pool.Close(c.browserID)
		c.browserID = ""
	}
	c.client.close()
	log.Info().
		Str("socket_id", c.client.id).
		Str("session_id", c.session.ID).
		Msg("client disconnected")
}

// dispatch routes one inbound message. Handler errors become a
// {success:false, error} reply on the request's own event; errors never
// escape to the read loop. Echo replies, success or failure, go out only
// when the client attached an ack.
func (c *wsConn) dispatch(env envelope) {
	c.srv.sessions.Touch(c.session.ID)

	reply, err := c.handle(env)
	if err != nil {
		log.Warn().Err(err).Str("socket_id", c.client.id).Str("event", env.Event).Msg("event failed")
		if env.Ack != 0 {
			c.client.send(outMessage{Event: env.Event, Ack: env.Ack, Data: map[string]any{
				"success": false,
				"error":   err.Error(),
			}})
		}
		return
	}
	if reply == nil {
		// The handler already sent its own replies.
		return
	}
	if reply.Event == "" {
		// An echo reply is only owed when the client attached an ack;
		// fire-and-forget messages like latency-report stay silent.
		if env.Ack == 0 {
			return
		}
		reply.Event = env.Event
	}
	reply.Ack = env.Ack
	c.client.send(*reply)
}

func (c *wsConn) handle(env envelope) (*outMessage, error) {
	switch env.Event {
	case "init":
		return c.handleInit(env)
	case "navigate":
		return c.handleNavigate(env.Data)
	case "action":
		return c.handleAction(env.Data)
	case "resize":
		return c.handleResize(env.Data)
	case "getCurrentUrl":
		return c.handleCurrentURL()
	case "stream-settings":
		return c.handleStreamSettings(env.Data)
	case "stream-control":
		return c.handleStreamControl(env.Data)
	case "latency-report":
		return c.handleLatencyReport(env.Data)
	case "status":
		return c.handleStatus(), nil
	case "ping":
		// Echo the client's t0 untouched; it measures round trip against
		// its own clock.
		return &outMessage{Event: "pong", Data: env.Data}, nil
	default:
		return nil, errors.New("unknown event: " + env.Event)
	}
}

// handleInit creates (or reuses) the socket's browser and starts the frame
// stream. A repeated init keeps the existing browser and only retunes the
// stream, so a client retry is harmless. The ack goes out before the stream
// starts so it always precedes the first frame.
func (c *wsConn) handleInit(env envelope) (*outMessage, error) {
	var req initRequest
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return nil, errors.New("malformed init payload")
		}
	}

	cfg := c.srv.cfg
	if req.URL == "" {
		req.URL = cfg.Browser.DefaultURL
	}
	if req.Width <= 0 {
		req.Width = cfg.Browser.DefaultWidth
	}
	if req.Height <= 0 {
		req.Height = cfg.Browser.DefaultHeight
	}

	if c.browserID == "" {
		id, err := c.srv.pool.Create(c.ctx, req.URL, req.Width, req.Height)
		if err != nil {
			return nil, err
		}
		c.browserID = id
		c.srv.sessions.SetBrowserID(c.session.ID, id)
	}

	settings := stream.Resolve(cfg.Streaming, req.ConnectionQuality, req.DeviceClass, stream.Patch{
		FPS:             req.FPS,
		Quality:         req.Quality,
		AdaptiveBitrate: req.AdaptiveBitrate,
	})
	c.srv.sessions.UpdateSettings(c.session.ID, types.SessionSettings{
		FPS:      settings.FPS,
		Quality:  settings.Quality,
		Adaptive: settings.AdaptiveBitrate,
	})

	c.srv.sessions.SetResolution(c.session.ID, req.Width, req.Height)

	url, err := c.srv.pool.CurrentURL(c.browserID)
	if err != nil {
		url = browser.NormalizeURL(req.URL)
	}
	if env.Ack != 0 {
		c.client.send(outMessage{Event: env.Event, Ack: env.Ack, Data: map[string]any{
			"success":   true,
			"browserId": c.browserID,
			"url":       url,
			"settings":  settings,
		}})
	}

	c.srv.engine.Start(c.ctx, c.client.id, c.browserID, settings, c.client)
	return nil, nil
}

func (c *wsConn) handleNavigate(raw json.RawMessage) (*outMessage, error) {
	var req navigateRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.URL == "" {
		return nil, errors.New("navigate requires a url")
	}
	if c.browserID == "" {
		return nil, errors.New("no browser: send init first")
	}
	url, err := c.srv.pool.Navigate(c.ctx, c.browserID, req.URL)
	if err != nil {
		return nil, err
	}
	return &outMessage{Data: map[string]any{"success": true, "currentUrl": url}}, nil
}

func (c *wsConn) handleAction(raw json.RawMessage) (*outMessage, error) {
	var req actionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.New("malformed action payload")
	}
	if c.browserID == "" {
		return nil, errors.New("no browser: send init first")
	}

	// getCurrentUrl is answered from the router without entering the
	// pool's action dispatch.
	if req.Action == "getCurrentUrl" {
		url, err := c.srv.pool.CurrentURL(c.browserID)
		if err != nil {
			return nil, err
		}
		return &outMessage{Data: map[string]any{"success": true, "url": url}}, nil
	}

	err := c.srv.pool.Execute(c.ctx, c.browserID, req.Action, browser.ActionParams{
		X:      req.X,
		Y:      req.Y,
		Button: req.Button,
		Text:   req.Text,
		Key:    req.Key,
	})
	if err != nil {
		return nil, err
	}
	return &outMessage{Data: map[string]any{"success": true}}, nil
}

func (c *wsConn) handleResize(raw json.RawMessage) (*outMessage, error) {
	var req resizeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.New("malformed resize payload")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, errors.New("resize requires positive width and height")
	}
	if c.browserID == "" {
		return nil, errors.New("no browser: send init first")
	}
	if err := c.srv.pool.Resize(c.ctx, c.browserID, req.Width, req.Height); err != nil {
		return nil, err
	}
	c.srv.sessions.SetResolution(c.session.ID, req.Width, req.Height)
	return &outMessage{Data: map[string]any{"success": true}}, nil
}

func (c *wsConn) handleCurrentURL() (*outMessage, error) {
	if c.browserID == "" {
		return nil, errors.New("no browser: send init first")
	}
	url, err := c.srv.pool.CurrentURL(c.browserID)
	if err != nil {
		return nil, err
	}
	return &outMessage{Data: map[string]any{"success": true, "url": url}}, nil
}

func (c *wsConn) handleStreamSettings(raw json.RawMessage) (*outMessage, error) {
	var req streamSettingsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.New("malformed settings payload")
	}
	p, ok := c.srv.engine.Get(c.client.id)
	if !ok {
		return nil, errors.New("no active stream")
	}

	// A viewport change rides the same message as the stream parameters.
	if req.Width != nil || req.Height != nil {
		if req.Width == nil || req.Height == nil || *req.Width <= 0 || *req.Height <= 0 {
			return nil, errors.New("resize requires positive width and height")
		}
		if err := c.srv.pool.Resize(c.ctx, c.browserID, *req.Width, *req.Height); err != nil {
			return nil, err
		}
		c.srv.sessions.SetResolution(c.session.ID, *req.Width, *req.Height)
	}

	// The announcement is queued from inside the settings swap, before the
	// producer can emit a frame under the new values.
	settings, _ := p.UpdateSettings(stream.Patch{
		FPS:             req.FPS,
		Quality:         req.Quality,
		AdaptiveBitrate: req.AdaptiveBitrate,
		Connection:      req.ConnectionQuality,
	}, func(next stream.Settings) {
		c.client.send(outMessage{Event: "stream-settings-updated", Data: map[string]any{
			"settings": next,
		}})
	})
	c.srv.sessions.UpdateSettings(c.session.ID, types.SessionSettings{
		FPS:      settings.FPS,
		Quality:  settings.Quality,
		Adaptive: settings.AdaptiveBitrate,
	})
	return &outMessage{Data: map[string]any{"success": true, "settings": settings}}, nil
}

func (c *wsConn) handleStreamControl(raw json.RawMessage) (*outMessage, error) {
	var req streamControlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.New("malformed control payload")
	}

	if req.Streaming {
		if p, ok := c.srv.engine.Get(c.client.id); ok {
			p.Resume()
		} else {
			if c.browserID == "" {
				return nil, errors.New("no browser: send init first")
			}
			settings := stream.Resolve(c.srv.cfg.Streaming, "", "", stream.Patch{})
			c.srv.engine.Start(c.ctx, c.client.id, c.browserID, settings, c.client)
		}
	} else {
		if p, ok := c.srv.engine.Get(c.client.id); ok {
			p.Pause()
		}
	}
	return &outMessage{Data: map[string]any{"success": true, "streaming": req.Streaming}}, nil
}

// handleLatencyReport feeds the client's measurement into the adaptive
// loop. The client either reports a measured round trip directly or echoes
// a frame timestamp for the server to diff.
func (c *wsConn) handleLatencyReport(raw json.RawMessage) (*outMessage, error) {
	var req latencyReport
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.New("malformed latency payload")
	}
	p, ok := c.srv.engine.Get(c.client.id)
	if !ok {
		// No stream to tune; swallow rather than error a fire-and-forget
		// message.
		return &outMessage{Data: map[string]any{"success": true}}, nil
	}

	var latency float64
	switch {
	case req.Latency != nil:
		latency = *req.Latency
	case req.Timestamp > 0:
		latency = float64(time.Now().UnixMilli() - req.Timestamp)
	default:
		return nil, errors.New("latency report requires latency or timestamp")
	}
	if latency < 0 {
		latency = 0
	}
	p.ReportLatency(latency)
	return &outMessage{Data: map[string]any{"success": true}}, nil
}

func (c *wsConn) handleStatus() *outMessage {
	data := map[string]any{
		"connected":      true,
		"sessionId":      c.session.ID,
		"browserId":      c.browserID,
		"activeBrowsers": c.srv.pool.Count(),
		"allBrowserIds":  c.srv.pool.List(),
	}
	if p, ok := c.srv.engine.Get(c.client.id); ok {
		data["stream"] = p.Status()
	}
	return &outMessage{Data: data}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
