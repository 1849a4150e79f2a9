package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/webgaze/webgaze/api/pkg/metrics"
	"github.com/webgaze/webgaze/api/pkg/stream"
	"github.com/webgaze/webgaze/api/pkg/types"
)

const (
	writeWait = 10 * time.Second

	// Frames are volatile: a slow reader gets the next frame, not a growing
	// backlog. Two slots absorb scheduler jitter without adding latency.
	frameBuffer = 2

	controlBuffer = 32
)

// envelope is the wire shape of every message in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
}

// outMessage is an outbound envelope before marshalling.
type outMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Ack   int64  `json:"ack,omitempty"`
}

// wsClient wraps one websocket connection. All writes go through writePump
// so control replies and frames never interleave mid-message. It is the
// stream.Sink for this connection.
type wsClient struct {
	id   string
	conn *websocket.Conn

	control chan outMessage
	frames  chan types.Frame

	closeOnce sync.Once
	done      chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:      uuid.NewString(),
		conn:    conn,
		control: make(chan outMessage, controlBuffer),
		frames:  make(chan types.Frame, frameBuffer),
		done:    make(chan struct{}),
	}
}

// Deliver queues a frame for the write pump, dropping it when the client
// is not keeping up. Returns stream.ErrSinkClosed once the connection is
// gone so the producer loop can exit.
func (c *wsClient) Deliver(frame types.Frame) error {
	select {
	case <-c.done:
		return stream.ErrSinkClosed
	default:
	}

	select {
	case c.frames <- frame:
	default:
		metrics.FramesDropped.Inc()
	}
	return nil
}

// send queues a control message. Dropping control messages would desync the
// client, so a full buffer closes the connection instead.
func (c *wsClient) send(msg outMessage) {
	select {
	case <-c.done:
	case c.control <- msg:
	default:
		log.Warn().Str("socket_id", c.id).Str("event", msg.Event).Msg("control buffer full, closing connection")
		c.close()
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump is the single writer for the connection. Control messages take
// priority over frames.
func (c *wsClient) writePump() {
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.control:
			if err := c.writeJSON(msg); err != nil {
				return
			}
		case frame := <-c.frames:
			// A control message queued behind a frame burst still goes
			// out first.
			select {
			case msg := <-c.control:
				if err := c.writeJSON(msg); err != nil {
					return
				}
			default:
			}
			if err := c.writeJSON(outMessage{Event: "frame", Data: frame}); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) writeJSON(msg outMessage) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Debug().Err(err).Str("socket_id", c.id).Msg("websocket write failed")
		}
		return err
	}
	return nil
}
