package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-talk/internal/config"
	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

const defaultSendBuffer = 256

// ErrSendBufferFull is returned by SendMessage when the connection is not
// draining its queue. The message is dropped.
var ErrSendBufferFull = errors.New("client send buffer full")

// DisconnectFunc runs once when a client's connection goes away, before the
// client is unregistered.
type DisconnectFunc func(*Client)

// Client is one WebSocket connection. Everything written to the peer goes
// through Send, which only the write pump drains.
type Client struct {
	ID      string
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte
	Session *domain.Session
	config  config.WebSocketConfig

	onDisconnect DisconnectFunc
	disconnect   sync.Once

	sendMu sync.Mutex
	closed bool
}

// NewClient creates a client. conn may be nil for clients that are driven
// through Send directly.
func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	return &Client{
		ID:      id,
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer(cfg)),
		Session: domain.NewSession(id),
		config:  withTimeouts(cfg),
	}
}

func sendBuffer(cfg config.WebSocketConfig) int {
	if cfg.SendBuffer > 0 {
		return cfg.SendBuffer
	}
	return defaultSendBuffer
}

// withTimeouts fills unset timeouts and keeps pings inside the pong window.
func withTimeouts(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.PongWait <= 0 {
		cfg.PongWait = time.Minute
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return cfg
}

func (c *Client) OnDisconnect(fn DisconnectFunc) {
	c.onDisconnect = fn
}

// Close runs the disconnect handler and unregisters the client. Repeated
// calls are no-ops.
func (c *Client) Close() {
	c.disconnect.Do(func() {
		if c.onDisconnect != nil {
			c.onDisconnect(c)
		}
		c.Hub.Unregister(c)
	})
}

// ReadPump feeds every inbound frame to handler until the peer goes away or
// misses a pong.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.Close()
		_ = c.Conn.Close()
	}()

	extend := func() error { return c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait)) }
	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	_ = extend()
	c.Conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			c.logReadEnd(err)
			return
		}
		c.Session.UpdateActivity()
		handler(c, frame)
	}
}

func (c *Client) logReadEnd(err error) {
	l := log.L()
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway):
		l.Debug().Str(log.FieldClientID, c.ID).Int("code", ce.Code).Msg("peer closed connection")
	case errors.Is(err, websocket.ErrReadLimit):
		l.Warn().Str(log.FieldClientID, c.ID).Int64("limit", c.config.MaxMessageSize).Msg("frame over size limit")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		l.Warn().Err(err).Str(log.FieldClientID, c.ID).Msg("websocket read error")
	}
}

// WritePump drains Send, one JSON document per text frame, and pings on
// PingInterval. A closed Send ends the connection with a normal close.
func (c *Client) WritePump() {
	ping := time.NewTicker(c.config.PingInterval)
	defer func() {
		ping.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			if !ok {
				c.control(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := c.control(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) control(kind int, data []byte) error {
	return c.Conn.WriteControl(kind, data, time.Now().Add(c.config.WriteWait))
}

// SendMessage encodes message and queues it for this client only.
func (c *Client) SendMessage(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if !c.trySend(data) {
		return ErrSendBufferFull
	}
	return nil
}

// SendRaw queues pre-encoded bytes for this client only and reports
// whether they fit in the buffer.
func (c *Client) SendRaw(data []byte) bool {
	return c.trySend(data)
}

// trySend never blocks. Sends after close are discarded and count as
// delivered; only a full buffer reports false.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
