package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/enginekit/substrate/pkg/models"
)

// catchupLimit caps how many events one catchup response carries. Clients
// missing more than this get a catchup.overflow and should reload via REST.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new PG channel. Without it a stalled connection would block the
// client's read loop indefinitely.
const listenTimeout = 10 * time.Second

// Replayer reads the durable suffix of a stream after a cursor.
// Implemented by Store.
type Replayer interface {
	ListAfter(ctx context.Context, streamID, afterEventID string, limit int) ([]models.StreamRecord, error)
}

// ConnectionManager tracks WebSocket connections, local (in-process)
// subscribers such as SSE handlers, and their channel subscriptions. One
// instance per process.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// channel → subscriber id → delivery channel (SSE and tail iterators)
	locals  map[string]map[string]chan []byte
	localMu sync.Mutex

	replayer Replayer

	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
}

// Connection is a single WebSocket client.
//
// subscriptions is accessed without a lock: every read and write happens on
// the goroutine that owns this connection (HandleConnection's read loop and
// its deferred cleanup). Mutating a Connection from elsewhere requires adding
// a mutex first.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a manager backed by the given replayer.
func NewConnectionManager(replayer Replayer, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		locals:       make(map[string]map[string]chan []byte),
		replayer:     replayer,
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN. Called
// once during startup after both sides exist.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs the lifecycle of one WebSocket connection. Called by
// the WS handler after upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	m.handle(parentCtx, conn, "", "")
}

// HandleStream runs a WebSocket connection pre-subscribed to one stream,
// replaying from cursor before live delivery. The client message protocol
// remains available for further subscriptions.
func (m *ConnectionManager) HandleStream(parentCtx context.Context, conn *websocket.Conn, streamID, cursor string) {
	m.handle(parentCtx, conn, streamID, cursor)
}

func (m *ConnectionManager) handle(parentCtx context.Context, conn *websocket.Conn, streamID, cursor string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	if streamID != "" {
		m.handleClientMessage(ctx, c, &ClientMessage{
			Action:      "subscribe",
			StreamID:    streamID,
			LastEventID: cursor,
		})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast delivers a NOTIFY payload to every WebSocket connection and
// local subscriber of the channel.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	ids := make([]string, 0, len(connIDs))
	if exists {
		for id := range connIDs {
			ids = append(ids, id)
		}
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers, then send outside the lock so a slow
	// write (up to writeTimeout) cannot stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, event); err != nil {
			slog.Warn("failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}

	m.localMu.Lock()
	for _, ch := range m.locals[channel] {
		select {
		case ch <- event:
		default:
			// Slow local consumer: drop rather than block the receive loop.
			// Tail iterators detect the seq gap and refetch from the store.
		}
	}
	m.localMu.Unlock()
}

// SubscribeLocal registers an in-process subscriber for a stream and starts
// LISTEN if it is the stream's first subscriber. The returned channel carries
// raw NOTIFY payloads; call the returned cancel func when done.
func (m *ConnectionManager) SubscribeLocal(ctx context.Context, streamID string, buffer int) (<-chan []byte, func(), error) {
	channel := StreamChannel(streamID)

	if err := m.ensureListen(ctx, channel); err != nil {
		return nil, nil, err
	}

	id := uuid.New().String()
	ch := make(chan []byte, buffer)

	m.localMu.Lock()
	if m.locals[channel] == nil {
		m.locals[channel] = make(map[string]chan []byte)
	}
	m.locals[channel][id] = ch
	m.localMu.Unlock()

	cancel := func() {
		m.localMu.Lock()
		if subs, ok := m.locals[channel]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.locals, channel)
			}
		}
		m.localMu.Unlock()
		m.maybeUnlisten(channel)
	}
	return ch, cancel, nil
}

// ensureListen starts LISTEN for a channel if nothing in this process is
// receiving it yet.
func (m *ConnectionManager) ensureListen(ctx context.Context, channel string) error {
	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l == nil {
		return nil
	}
	listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()
	return l.Subscribe(listenCtx, channel)
}

// maybeUnlisten stops LISTEN for a channel once neither WebSocket nor local
// subscribers remain. Re-checks before issuing UNLISTEN so a rapid
// unsubscribe/resubscribe cycle does not drop the LISTEN.
func (m *ConnectionManager) maybeUnlisten(channel string) {
	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l == nil {
		return
	}
	go func() {
		if m.hasSubscribers(channel) {
			return
		}
		if err := l.Unsubscribe(context.Background(), channel); err != nil {
			slog.Error("failed to UNLISTEN channel", "channel", channel, "error", err)
		}
	}()
}

func (m *ConnectionManager) hasSubscribers(channel string) bool {
	m.channelMu.RLock()
	_, ws := m.channels[channel]
	m.channelMu.RUnlock()
	if ws {
		return true
	}
	m.localMu.Lock()
	defer m.localMu.Unlock()
	return len(m.locals[channel]) > 0
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.StreamID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "stream_id is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.StreamID); err != nil {
			m.sendJSON(c, map[string]string{
				"type":      "subscription.error",
				"stream_id": msg.StreamID,
				"message":   "failed to subscribe to stream",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":      "subscription.confirmed",
			"stream_id": msg.StreamID,
		})
		// Replay from the client's cursor (or the stream head for none) so
		// late subscribers see the durable suffix before live events.
		m.handleCatchup(ctx, c, msg.StreamID, msg.LastEventID)

	case "unsubscribe":
		if msg.StreamID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "stream_id is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.StreamID)

	case "catchup":
		if msg.StreamID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "stream_id is required for catchup"})
			return
		}
		m.handleCatchup(ctx, c, msg.StreamID, msg.LastEventID)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for a stream's channel and starts LISTEN
// if this is the first subscriber. LISTEN is synchronous so the subsequent
// catchup runs with LISTEN already active, closing the window where events
// published between catchup and LISTEN would be lost.
func (m *ConnectionManager) subscribe(c *Connection, streamID string) error {
	channel := StreamChannel(streamID)

	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		if err := m.ensureListen(context.Background(), channel); err != nil {
			slog.Error("failed to LISTEN on channel", "channel", channel, "error", err)
			m.cleanupFailedChannel(c, channel, streamID)
			return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes every subscriber of a channel after a LISTEN
// failure and notifies the affected connections (except the triggering one,
// which learns through the returned error). Other goroutines that subscribed
// while LISTEN was in flight saw the channel entry already present, skipped
// LISTEN, and got a confirmed subscription that never had a PG LISTEN behind
// it. Clients must treat subscription.error as authoritative and
// re-subscribe or fall back to REST.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel, streamID string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":      "subscription.error",
			"stream_id": streamID,
			"message":   "stream listen failed; subscription removed",
		})
	}
}

// unsubscribe removes a connection from a stream's channel and stops LISTEN
// once no subscribers remain.
func (m *ConnectionManager) unsubscribe(c *Connection, streamID string) {
	channel := StreamChannel(streamID)

	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.channelMu.Unlock()
			m.maybeUnlisten(channel)
			delete(c.subscriptions, channel)
			return
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays the durable suffix after the client's cursor. An
// unknown cursor is reported as stream.cursor_invalid so the client can
// reconnect without one.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, streamID, lastEventID string) {
	if m.replayer == nil {
		return
	}

	records, err := m.replayer.ListAfter(ctx, streamID, lastEventID, catchupLimit+1)
	if err != nil {
		if derr, ok := models.AsDomainError(err); ok && derr.Code == "stream.cursor_invalid" {
			m.sendJSON(c, map[string]string{
				"type":      "catchup.error",
				"stream_id": streamID,
				"code":      derr.Code,
				"message":   derr.Message,
			})
			return
		}
		slog.Error("catchup query failed", "stream_id", streamID, "error", err)
		return
	}

	hasMore := len(records) > catchupLimit
	if hasMore {
		records = records[:catchupLimit]
	}

	for i := range records {
		payload, err := json.Marshal(&records[i])
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":      "catchup.overflow",
			"stream_id": streamID,
			"has_more":  true,
		})
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.channelMu.Lock()
		if subs, exists := m.channels[ch]; exists {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(m.channels, ch)
				m.channelMu.Unlock()
				m.maybeUnlisten(ch)
				continue
			}
		}
		m.channelMu.Unlock()
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
