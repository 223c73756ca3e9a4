package events

import (
	"context"
	"encoding/json"

	"github.com/enginekit/substrate/pkg/models"
)

// tailBuffer is the live-delivery buffer per tail. Overflow is safe: the
// iterator detects the seq gap and refetches from the store.
const tailBuffer = 64

// Tailer merges durable replay with the live NOTIFY feed into one ordered,
// gapless, duplicate-free sequence per stream. SSE handlers and other
// in-process consumers drive it with a callback.
type Tailer struct {
	store   *Store
	manager *ConnectionManager
}

// NewTailer creates a tailer over the given store and manager.
func NewTailer(store *Store, manager *ConnectionManager) *Tailer {
	return &Tailer{store: store, manager: manager}
}

// notifyFrame is the subset of a NOTIFY payload the tailer needs to order
// and dedupe live events. Oversized events arrive with truncated=true and
// are refetched from the store.
type notifyFrame struct {
	StreamID  string `json:"stream_id"`
	Seq       int64  `json:"seq"`
	Truncated bool   `json:"truncated"`
}

// Tail replays the durable suffix after cursor, then follows live events,
// invoking fn for each record exactly once in seq order. It subscribes
// before replaying so nothing committed during the replay is missed; live
// events the replay already covered are dropped by seq. Returns when ctx is
// cancelled or fn returns an error.
func (t *Tailer) Tail(ctx context.Context, streamID, cursor string, fn func(rec *models.StreamRecord) error) error {
	live, cancel, err := t.manager.SubscribeLocal(ctx, streamID, tailBuffer)
	if err != nil {
		return models.ErrBackendUnavailable(models.KindEventStream, err)
	}
	defer cancel()

	lastSeq, lastEventID, err := t.replay(ctx, streamID, cursor, 0, fn)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-live:
			if !ok {
				return nil
			}
			var frame notifyFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			if frame.Seq <= lastSeq {
				continue // already delivered during replay or a duplicate
			}
			if frame.Seq == lastSeq+1 && !frame.Truncated {
				var rec models.StreamRecord
				if err := json.Unmarshal(raw, &rec); err == nil && rec.Envelope.EventID != "" {
					if err := fn(&rec); err != nil {
						return err
					}
					lastSeq = rec.Seq
					lastEventID = rec.Envelope.EventID
					continue
				}
			}
			// Gap (dropped buffer entry) or truncated payload: refill the
			// missing range from the durable log.
			lastSeq, lastEventID, err = t.replay(ctx, streamID, lastEventID, frame.Seq, fn)
			if err != nil {
				return err
			}
		}
	}
}

// replay pages through the durable log after cursor, calling fn per record.
// When targetSeq > 0 it stops once the target is reached; otherwise it runs
// to the current end of the stream. Returns the last delivered seq and
// event_id (cursor and 0 when the suffix is empty).
func (t *Tailer) replay(ctx context.Context, streamID, cursor string, targetSeq int64, fn func(rec *models.StreamRecord) error) (int64, string, error) {
	lastSeq := int64(0)
	lastEventID := cursor
	for {
		records, err := t.store.ListAfter(ctx, streamID, lastEventID, catchupLimit)
		if err != nil {
			return lastSeq, lastEventID, err
		}
		for i := range records {
			if err := fn(&records[i]); err != nil {
				return lastSeq, lastEventID, err
			}
			lastSeq = records[i].Seq
			lastEventID = records[i].Envelope.EventID
		}
		if len(records) < catchupLimit {
			return lastSeq, lastEventID, nil
		}
		if targetSeq > 0 && lastSeq >= targetSeq {
			return lastSeq, lastEventID, nil
		}
	}
}
