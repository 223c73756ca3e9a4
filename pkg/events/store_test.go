package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
	"github.com/enginekit/substrate/test/util"
)

func streamEnvelope(eventType string) models.EventEnvelope {
	return models.EventEnvelope{
		TenantID:  "t_acme",
		Mode:      models.ModeSaaS,
		Env:       models.EnvProd,
		ProjectID: "proj-1",
		ActorID:   "agent-7",
		ActorType: models.ActorAgent,
		EventType: eventType,
	}
}

func TestStore_AppendAssignsSeqAndLinks(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := NewStore(db)
	ctx := context.Background()

	first, err := store.Append(ctx, "chat/t_acme/thread-1", streamEnvelope("MSG"), map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Empty(t, first.PrevEventID, "first record links to nothing")
	assert.NotEmpty(t, first.Envelope.EventID, "store assigns the event id")

	second, err := store.Append(ctx, "chat/t_acme/thread-1", streamEnvelope("MSG"), map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.Envelope.EventID, second.PrevEventID)

	// Streams are independent.
	other, err := store.Append(ctx, "chat/t_acme/thread-2", streamEnvelope("MSG"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Seq)
}

func TestStore_AppendRejectsInvalidEnvelope(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := NewStore(db)

	env := streamEnvelope("MSG")
	env.TenantID = ""
	_, err := store.Append(context.Background(), "chat/t_acme/thread-1", env, nil)
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "stream.stream_write_failed", derr.Code)
}

func TestStore_IdempotencyKeyReturnsOriginal(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := NewStore(db)
	ctx := context.Background()

	env := streamEnvelope("MSG")
	env.IdempotencyKey = "req-123"

	first, err := store.Append(ctx, "chat/t_acme/thread-1", env, map[string]any{"n": 1})
	require.NoError(t, err)

	// Same key, different payload: the original record wins, nothing new
	// is written.
	dup, err := store.Append(ctx, "chat/t_acme/thread-1", env, map[string]any{"n": 999})
	require.NoError(t, err)
	assert.Equal(t, first.Seq, dup.Seq)
	assert.Equal(t, first.Envelope.EventID, dup.Envelope.EventID)
	assert.EqualValues(t, 1, dup.Payload["n"])

	head, err := store.HeadSeq(ctx, "chat/t_acme/thread-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestStore_ConcurrentAppendsStayOrdered(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := NewStore(db)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Append(ctx, "busy/t_acme", streamEnvelope("MSG"), map[string]any{"writer": i})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	records, err := store.ListAfter(ctx, "busy/t_acme", "", 100)
	require.NoError(t, err)
	require.Len(t, records, writers)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq, "seq is dense and gap-free")
		if i > 0 {
			assert.Equal(t, records[i-1].Envelope.EventID, rec.PrevEventID)
		}
	}
}

func TestStore_ListAfter(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := NewStore(db)
	ctx := context.Background()

	var cursor string
	for i := 1; i <= 5; i++ {
		rec, err := store.Append(ctx, "chat/t_acme/thread-1", streamEnvelope("MSG"), map[string]any{"n": i})
		require.NoError(t, err)
		if i == 2 {
			cursor = rec.Envelope.EventID
		}
	}

	// Empty cursor starts from the beginning.
	all, err := store.ListAfter(ctx, "chat/t_acme/thread-1", "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	// A cursor resumes strictly after the named event.
	tail, err := store.ListAfter(ctx, "chat/t_acme/thread-1", cursor, 100)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, int64(3), tail[0].Seq)

	// Limit caps the page.
	page, err := store.ListAfter(ctx, "chat/t_acme/thread-1", "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestStore_UnknownCursorIsGone(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := NewStore(db)

	_, err := store.ListAfter(context.Background(), "chat/t_acme/thread-1", "01ARZ3NDEKTSV4RRFFQ69G5FAV", 10)
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "stream.cursor_invalid", derr.Code)
	assert.Equal(t, 410, derr.Status)
}

func TestStore_DeleteBefore(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := NewStore(db)
	ctx := context.Background()

	opsEnv := streamEnvelope("OPS_EVENT")
	opsEnv.StorageClass = models.StorageOps
	_, err := store.Append(ctx, "ops/t_acme", opsEnv, nil)
	require.NoError(t, err)

	streamEnv := streamEnvelope("MSG")
	_, err = store.Append(ctx, "chat/t_acme/thread-1", streamEnv, nil)
	require.NoError(t, err)

	// Sweep the ops class with a future cutoff; the stream class survives.
	deleted, err := store.DeleteBefore(ctx, models.StorageOps, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := store.ListAfter(ctx, "chat/t_acme/thread-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	// The audit class is never deletable through retention.
	_, err = store.DeleteBefore(ctx, models.StorageAudit, time.Now().Add(time.Hour))
	assert.Error(t, err)
}
