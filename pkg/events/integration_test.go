package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
	"github.com/enginekit/substrate/test/util"
)

// streamingTestEnv holds all wired-up components for an integration test.
type streamingTestEnv struct {
	store    *Store
	manager  *ConnectionManager
	listener *NotifyListener
	tailer   *Tailer
	server   *httptest.Server
	streamID string // unique per test: the database (and NOTIFY) is shared
}

// setupStreamingTest wires all real components together against a real
// PostgreSQL database (testcontainers locally, service container in CI).
func setupStreamingTest(t *testing.T) *streamingTestEnv {
	t.Helper()

	db, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	store := NewStore(db)
	manager := NewConnectionManager(store, 5*time.Second)

	// NotifyListener needs the base connection string (no schema search_path)
	// because NOTIFY/LISTEN is database-level, not schema-level.
	baseConnStr := util.GetBaseConnectionString(t)
	listener := NewNotifyListener(baseConnStr, manager)
	require.NoError(t, listener.Start(ctx))
	manager.SetListener(listener)

	t.Cleanup(func() { listener.Stop(context.Background()) })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(func() { server.Close() })

	return &streamingTestEnv{
		store:    store,
		manager:  manager,
		listener: listener,
		tailer:   NewTailer(store, manager),
		server:   server,
		streamID: "chat/t_acme/" + uuid.New().String(),
	}
}

func (env *streamingTestEnv) connectWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + env.server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readJSONTimeout reads a JSON message from the WebSocket with a timeout.
func readJSONTimeout(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeClientMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(writeCtx, websocket.MessageText, data))
}

// subscribe connects a WebSocket, reads connection.established, subscribes to
// the env's stream, and reads subscription.confirmed. LISTEN is synchronous on
// the subscribe path, so once confirmed the live feed is active.
func (env *streamingTestEnv) subscribe(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := env.connectWS(t)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "connection.established", msg["type"])

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", StreamID: env.streamID})

	msg = readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "subscription.confirmed", msg["type"])
	require.Equal(t, env.streamID, msg["stream_id"])

	return conn
}

// --- Tests ---

func TestIntegration_AppendDeliversToWebSocket(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribe(t)

	rec, err := env.store.Append(ctx, env.streamID, streamEnvelope("MSG_ADDED"), map[string]any{
		"text": "hello from the store",
	})
	require.NoError(t, err)

	// The record arrives via pg_notify → listener → manager as a full
	// StreamRecord.
	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, env.streamID, msg["stream_id"])
	assert.Equal(t, float64(1), msg["seq"])

	envelope, ok := msg["envelope"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, rec.Envelope.EventID, envelope["event_id"])
	assert.Equal(t, "MSG_ADDED", envelope["event_type"])

	payload, ok := msg["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello from the store", payload["text"])
}

func TestIntegration_SubscribeReplaysDurableSuffix(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	// Pre-populate the stream before anyone is connected.
	var eventIDs []string
	for i := 1; i <= 3; i++ {
		rec, err := env.store.Append(ctx, env.streamID, streamEnvelope("MSG_ADDED"), map[string]any{"n": i})
		require.NoError(t, err)
		eventIDs = append(eventIDs, rec.Envelope.EventID)
	}

	// Subscribe auto-replays all 3 prior records in order.
	conn := env.subscribe(t)
	for i := 1; i <= 3; i++ {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, float64(i), msg["seq"])
	}

	// Explicit catchup from the first event's cursor: only records 2 and 3.
	writeClientMessage(t, conn, ClientMessage{
		Action:      "catchup",
		StreamID:    env.streamID,
		LastEventID: eventIDs[0],
	})
	for i := 2; i <= 3; i++ {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, float64(i), msg["seq"])
	}

	// No more messages.
	readCtx, readCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive more messages after catchup")
}

func TestIntegration_CatchupUnknownCursor(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	_, err := env.store.Append(ctx, env.streamID, streamEnvelope("MSG_ADDED"), nil)
	require.NoError(t, err)

	conn := env.connectWS(t)
	msg := readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "connection.established", msg["type"])

	writeClientMessage(t, conn, ClientMessage{
		Action:      "catchup",
		StreamID:    env.streamID,
		LastEventID: "no-such-event",
	})

	msg = readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, "catchup.error", msg["type"])
	assert.Equal(t, "stream.cursor_invalid", msg["code"])
}

func TestIntegration_TailReplaysThenFollowsLive(t *testing.T) {
	env := setupStreamingTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Two durable records before the tail starts.
	for i := 1; i <= 2; i++ {
		_, err := env.store.Append(ctx, env.streamID, streamEnvelope("MSG_ADDED"), map[string]any{"n": i})
		require.NoError(t, err)
	}

	seqs := make(chan int64, 8)
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- env.tailer.Tail(ctx, env.streamID, "", func(rec *models.StreamRecord) error {
			seqs <- rec.Seq
			return nil
		})
	}()

	// The durable suffix arrives first, in order.
	assert.Equal(t, int64(1), <-seqs)
	assert.Equal(t, int64(2), <-seqs)

	// A live append flows through the same tail with no gap or repeat.
	_, err := env.store.Append(ctx, env.streamID, streamEnvelope("MSG_ADDED"), map[string]any{"n": 3})
	require.NoError(t, err)

	select {
	case seq := <-seqs:
		assert.Equal(t, int64(3), seq)
	case <-ctx.Done():
		t.Fatal("live event never reached the tail")
	}

	cancel()
	require.ErrorIs(t, <-tailDone, context.Canceled)
}

func TestIntegration_UnsubscribeStopsDelivery(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribe(t)

	writeClientMessage(t, conn, ClientMessage{Action: "unsubscribe", StreamID: env.streamID})

	// Unsubscribe is processed on the connection's read loop; ping/pong
	// round-trips after it, so the pong proves the unsubscribe was applied.
	writeClientMessage(t, conn, ClientMessage{Action: "ping"})
	msg := readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "pong", msg["type"])

	_, err := env.store.Append(ctx, env.streamID, streamEnvelope("MSG_ADDED"), nil)
	require.NoError(t, err)

	readCtx, readCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer readCancel()
	_, _, err = conn.Read(readCtx)
	assert.Error(t, err, "no delivery after unsubscribe")
}
