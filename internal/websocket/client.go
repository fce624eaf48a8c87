package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from client. Flight plans can be long.
	maxMessageSize = 64 * 1024
)

// ErrClientClosed is returned when sending to a closed client
var ErrClientClosed = errors.New("client closed")

// Client represents a WebSocket session
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan *frame
	server      *Server
	encoding    Encoding
	limiter     *rate.Limiter
	remoteAddr  string
	connectedAt time.Time
	logger      *logger.Logger

	mu         sync.Mutex
	closed     bool
	closeChan  chan struct{}
	role       Role
	aircraftID string
}

func newClient(s *Server, conn *websocket.Conn, enc Encoding, remoteAddr string) *Client {
	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan *frame, s.opts.SendBuffer),
		server:      s,
		encoding:    enc,
		limiter:     rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.MessageBurst),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		logger:      s.logger.With(logger.String("client_id", id)),
		closeChan:   make(chan struct{}),
	}
}

// ID returns the session id
func (c *Client) ID() string { return c.id }

// RemoteAddr returns the peer address the session connected from
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// Encoding returns the negotiated frame format
func (c *Client) Encoding() Encoding { return c.encoding }

// Role returns the declared role
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetRole records the session's role. The first declaration wins; repeating
// it is a no-op and switching to another role fails with ErrRoleChange.
func (c *Client) SetRole(role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role == role {
		return nil
	}
	if c.role != RoleUnknown {
		return ErrRoleChange
	}
	c.role = role
	return nil
}

// AircraftID returns the aircraft a player session reports for
func (c *Client) AircraftID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aircraftID
}

// BindAircraft associates the session with an aircraft id and returns the
// previously bound id, if any
func (c *Client) BindAircraft(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.aircraftID
	c.aircraftID = id
	return prev
}

// IsClosed reports whether the session has gone away
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendMessage queues a message without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) SendMessage(message *Message) bool {
	f, err := encodeMessage(message, c.encoding)
	if err != nil {
		c.logger.Error("Failed to encode message", logger.Error(err), logger.String("type", message.Type))
		return false
	}
	return c.sendFrame(f)
}

// SendMessageWait queues a message, waiting for buffer space until ctx is done
// or the client closes. Used for paged history where dropping is not wanted.
func (c *Client) SendMessageWait(ctx context.Context, message *Message) error {
	f, err := encodeMessage(message, c.encoding)
	if err != nil {
		return err
	}

	if c.IsClosed() {
		return ErrClientClosed
	}
	select {
	case c.send <- f:
		return nil
	case <-c.closeChan:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendFrame(f *frame) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Close closes the client connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeChan)
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
}

// readPump pumps messages from the WebSocket connection to the handler
func (c *Client) readPump() {
	defer func() {
		c.server.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", logger.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.server.rateLimited.Add(1)
			continue
		}

		msg, err := decodeInbound(msgType, data)
		if err != nil {
			c.server.malformed.Add(1)
			c.logger.Debug("Dropping malformed WebSocket message", logger.Error(err))
			continue
		}

		c.server.dispatch(c, msg)
	}
}

// writePump pumps frames from the send buffer to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.msgType, f.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
