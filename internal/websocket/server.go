package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// Options configures the hub
type Options struct {
	SendBuffer        int           // Outbound frames buffered per client
	FlushInterval     time.Duration // Batched update period
	MaxPendingUpdates int           // Coalesced updates awaiting flush; oldest dropped first
	MessagesPerSecond float64       // Inbound rate per client
	MessageBurst      int
	AllowedOrigins    []string // Origins accepted on upgrade; "*" accepts any
}

// DefaultOptions returns the hub defaults
func DefaultOptions() Options {
	return Options{
		SendBuffer:        256,
		FlushInterval:     100 * time.Millisecond,
		MaxPendingUpdates: 2048,
		MessagesPerSecond: 10,
		MessageBurst:      20,
		AllowedOrigins:    []string{"*"},
	}
}

// Stats are hub counters for health reporting
type Stats struct {
	Observers      int    `json:"observers"`
	Players        int    `json:"players"`
	Undeclared     int    `json:"undeclared"`
	PendingUpdates int    `json:"pending_updates"`
	DroppedUpdates uint64 `json:"dropped_updates"`
	SkippedSends   uint64 `json:"skipped_sends"`
	RateLimited    uint64 `json:"rate_limited"`
	Malformed      uint64 `json:"malformed"`
}

// Server is the WebSocket hub. It tracks sessions, fans messages out to
// observers and batches aircraft updates onto a fixed flush interval.
type Server struct {
	clients        map[*Client]bool
	upgrader       websocket.Upgrader
	logger         *logger.Logger
	mu             sync.RWMutex
	messageHandler MessageHandler
	opts           Options

	// deliveryMu orders flushed updates against removals and snapshots. It is
	// held from draining the queue until the frames are in client buffers.
	deliveryMu sync.Mutex
	pendingMu  sync.Mutex
	pending    map[string]any
	order      []string // Pending keys, oldest first

	droppedUpdates atomic.Uint64
	skippedSends   atomic.Uint64
	rateLimited    atomic.Uint64
	malformed      atomic.Uint64

	shuttingDown atomic.Bool
}

// NewServer creates a new WebSocket hub
func NewServer(opts Options, log *logger.Logger) *Server {
	defaults := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaults.FlushInterval
	}
	if opts.MaxPendingUpdates <= 0 {
		opts.MaxPendingUpdates = defaults.MaxPendingUpdates
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = defaults.MessagesPerSecond
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = defaults.MessageBurst
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = defaults.AllowedOrigins
	}

	s := &Server{
		clients: make(map[*Client]bool),
		logger:  log.Named("web-socket"),
		opts:    opts,
		pending: make(map[string]any),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetMessageHandler sets the handler for incoming WebSocket messages
func (s *Server) SetMessageHandler(handler MessageHandler) {
	s.messageHandler = handler
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Run flushes batched updates every FlushInterval until ctx is cancelled,
// then closes every session
func (s *Server) Run(ctx context.Context) {
	s.logger.Info("Starting WebSocket hub",
		logger.Duration("flush_interval", s.opts.FlushInterval))

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-ctx.Done():
			// Sessions closed by shutdown are not players leaving.
			s.shuttingDown.Store(true)
			s.closeAll()
			s.logger.Info("WebSocket hub stopped")
			return
		}
	}
}

func (s *Server) closeAll() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// HandleConnection upgrades an HTTP request and starts the session pumps.
// ?encoding=msgpack selects binary msgpack frames; JSON text is the default.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	enc := EncodingJSON
	if strings.EqualFold(r.URL.Query().Get("encoding"), "msgpack") {
		enc = EncodingMsgpack
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	client := newClient(s, conn, enc, r.RemoteAddr)
	s.Register(client)

	client.logger.Debug("WebSocket session opened",
		logger.String("remote_addr", r.RemoteAddr),
		logger.String("encoding", enc.String()))

	go client.writePump()
	go client.readPump()
}

// ServeHTTP lets the hub be mounted directly as a handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleConnection(w, r)
}

// Register adds a session to the hub
func (s *Server) Register(client *Client) {
	s.mu.Lock()
	s.clients[client] = true
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Debug("Client registered", logger.Int("client_count", count))
}

// Unregister removes a session and notifies the message handler. Calling it
// again for the same session does nothing.
func (s *Server) Unregister(client *Client) {
	s.mu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	count := len(s.clients)
	s.mu.Unlock()

	if !ok {
		return
	}
	client.Close()

	client.logger.Debug("Client unregistered", logger.Int("client_count", count))

	if s.messageHandler != nil && !s.shuttingDown.Load() {
		s.messageHandler.HandleDisconnect(client)
	}
}

func (s *Server) dispatch(c *Client, msg *InboundMessage) {
	if s.messageHandler == nil {
		return
	}
	if err := s.messageHandler.HandleMessage(c, msg); err != nil {
		c.logger.Debug("Failed to handle WebSocket message",
			logger.Error(err),
			logger.String("type", msg.Type))
	}
}

// BroadcastToObservers sends a message to every observer session right away.
// Closed sessions and sessions with a full buffer are skipped.
func (s *Server) BroadcastToObservers(message *Message) {
	var frames [2]*frame

	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		if client.Role() != RoleObserver || client.IsClosed() {
			continue
		}

		enc := client.encoding
		if frames[enc] == nil {
			f, err := encodeMessage(message, enc)
			if err != nil {
				s.logger.Error("Failed to encode broadcast", logger.Error(err), logger.String("type", message.Type))
				return
			}
			frames[enc] = f
		}

		if !client.sendFrame(frames[enc]) {
			s.skippedSends.Add(1)
		}
	}
}

// QueueUpdate schedules payload for the next flush. Updates for the same key
// coalesce so only the latest is sent. When the queue is full the oldest
// pending update is dropped.
func (s *Server) QueueUpdate(key string, payload any) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if _, ok := s.pending[key]; ok {
		s.pending[key] = payload
		return
	}

	if len(s.order) >= s.opts.MaxPendingUpdates {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.pending, oldest)
		s.droppedUpdates.Add(1)
	}

	s.pending[key] = payload
	s.order = append(s.order, key)
}

// DropPending discards queued updates so a later flush cannot resurrect
// aircraft that were just removed
func (s *Server) DropPending(keys ...string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	dropped := false
	for _, key := range keys {
		if _, ok := s.pending[key]; ok {
			delete(s.pending, key)
			dropped = true
		}
	}
	if !dropped {
		return
	}

	kept := s.order[:0]
	for _, key := range s.order {
		if _, ok := s.pending[key]; ok {
			kept = append(kept, key)
		}
	}
	s.order = kept
}

// BroadcastRemoval discards pending updates for keys and sends messages to
// observers. No flush can deliver an update for keys after these messages.
func (s *Server) BroadcastRemoval(keys []string, messages ...*Message) {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()

	s.DropPending(keys...)
	for _, m := range messages {
		s.BroadcastToObservers(m)
	}
}

// InOrder runs fn with flushes and removals held off, so whatever fn sends is
// ordered against them. fn must not block.
func (s *Server) InOrder(fn func()) {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()
	fn()
}

// Flush sends all pending updates to observers: a single update as
// aircraft_update, several as one aircraft_batch_update
func (s *Server) Flush() {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()

	s.pendingMu.Lock()
	if len(s.order) == 0 {
		s.pendingMu.Unlock()
		return
	}
	items := make([]any, 0, len(s.order))
	for _, key := range s.order {
		items = append(items, s.pending[key])
	}
	s.pending = make(map[string]any, len(items))
	s.order = nil
	s.pendingMu.Unlock()

	if len(items) == 1 {
		s.BroadcastToObservers(&Message{Type: MessageTypeAircraftUpdate, Payload: items[0]})
		return
	}
	s.BroadcastToObservers(&Message{Type: MessageTypeAircraftBatchUpdate, Payload: items})
}

// IsAircraftBound reports whether a live player session other than the one
// with exceptClientID is reporting for the aircraft id
func (s *Server) IsAircraftBound(aircraftID, exceptClientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		if client.id == exceptClientID || client.IsClosed() {
			continue
		}
		if client.Role() == RolePlayer && client.AircraftID() == aircraftID {
			return true
		}
	}
	return false
}

// Stats returns session counts and delivery counters
func (s *Server) Stats() Stats {
	var st Stats

	s.mu.RLock()
	for client := range s.clients {
		switch client.Role() {
		case RoleObserver:
			st.Observers++
		case RolePlayer:
			st.Players++
		default:
			st.Undeclared++
		}
	}
	s.mu.RUnlock()

	s.pendingMu.Lock()
	st.PendingUpdates = len(s.order)
	s.pendingMu.Unlock()

	st.DroppedUpdates = s.droppedUpdates.Load()
	st.SkippedSends = s.skippedSends.Load()
	st.RateLimited = s.rateLimited.Load()
	st.Malformed = s.malformed.Load()
	return st
}
