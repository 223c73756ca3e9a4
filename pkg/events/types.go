// Package events provides the durable append-only stream store and its
// real-time delivery path: events are persisted and broadcast via PostgreSQL
// NOTIFY in one transaction, WebSocket/SSE consumers replay missed events
// from the durable log and then follow the live tail.
//
// Delivery contract per stream:
//
//	append  — event_id is assigned by the store (ULID), seq is strictly
//	          monotonic per stream, duplicate idempotency keys return the
//	          original event.
//	replay  — list_after(stream, cursor) returns the suffix strictly after
//	          the cursor in commit order; unknown cursors are 410, the
//	          client reconnects without a cursor for live-only tailing.
//	tail    — subscribe-then-replay with seq-based dedupe gives exactly the
//	          durable suffix followed by live events, no gaps, no repeats.
package events

// StreamChannel returns the NOTIFY channel name for a stream.
func StreamChannel(streamID string) string {
	return "stream:" + streamID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	StreamID    string `json:"stream_id,omitempty"`     // stream to act on
	LastEventID string `json:"last_event_id,omitempty"` // replay cursor
}

// notifyLimit is PostgreSQL's NOTIFY payload ceiling (8000 bytes) minus
// headroom. Larger events are truncated to routing fields; clients refetch
// the full record through the REST tail.
const notifyLimit = 7900
