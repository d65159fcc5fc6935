package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/bubble-mesh/config"
	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/relay"
)

func setupBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewBackend(client, logger), mr
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(context.Background(), config.RedisConfig{Host: "127.0.0.1", Port: "1"})
	assert.Error(t, err)
}

func TestBackend_PushStoresHash(t *testing.T) {
	backend, mr := setupBackend(t)
	ctx := context.Background()

	id, err := backend.Push(ctx, models.SignalRecord{
		Type: models.SignalTypeOffer, Payload: "v=0", SenderID: "A", ReceiverID: "B",
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "B", relay.ReceiverOf(id))

	assert.Equal(t, "offer", mr.HGet(id, fieldType))
	assert.Equal(t, "v=0", mr.HGet(id, fieldData))
	assert.Equal(t, "pending", mr.HGet(id, fieldStatus))
	assert.Equal(t, "0", mr.HGet(id, fieldProcessed))

	members, err := mr.SMembers(statusKey(models.SignalStatusPending))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)

	record, ok, err := backend.load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, record.ExpiresAt.Sub(record.CreatedAt))
}

func TestBackend_UpdateStatusMovesIndex(t *testing.T) {
	backend, mr := setupBackend(t)
	ctx := context.Background()

	id, err := backend.Push(ctx, models.SignalRecord{Type: models.SignalTypeInit, SenderID: "A", ReceiverID: "B"}, time.Minute)
	require.NoError(t, err)

	processedAt := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, backend.UpdateStatus(ctx, id, models.SignalStatusCompleted, processedAt))

	assert.False(t, mr.Exists(statusKey(models.SignalStatusPending)))
	completed, err := backend.QueryByStatus(ctx, models.SignalStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].ID)
	assert.True(t, completed[0].Record.Processed)
	assert.Equal(t, processedAt, completed[0].Record.ProcessedAt)

	assert.Error(t, backend.UpdateStatus(ctx, "signals/B/missing", models.SignalStatusFailed, processedAt))
}

func TestBackend_Delete(t *testing.T) {
	backend, mr := setupBackend(t)
	ctx := context.Background()

	id, err := backend.Push(ctx, models.SignalRecord{Type: models.SignalTypeBye, SenderID: "A", ReceiverID: "B"}, time.Minute)
	require.NoError(t, err)
	_, err = mr.SAdd(statusKey(models.SignalStatusFailed), id)
	require.NoError(t, err)

	require.NoError(t, backend.Delete(ctx, id))
	require.NoError(t, backend.Delete(ctx, id))
	assert.False(t, mr.Exists(id))
	assert.False(t, mr.Exists(inboxKey("B")))
	assert.False(t, mr.Exists(statusKey(models.SignalStatusPending)))
	assert.False(t, mr.Exists(statusKey(models.SignalStatusFailed)))
}

func TestBackend_RecordsExpireAfterGrace(t *testing.T) {
	backend, mr := setupBackend(t)
	ctx := context.Background()

	id, err := backend.Push(ctx, models.SignalRecord{Type: models.SignalTypeOffer, Payload: "v=0", SenderID: "A", ReceiverID: "B"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute+RecordGrace, mr.TTL(id))

	require.NoError(t, backend.UpdateStatus(ctx, id, models.SignalStatusFailed, time.Now()))
	assert.Equal(t, time.Minute+RecordGrace, mr.TTL(id), "status update keeps the expiry")

	mr.FastForward(time.Minute + RecordGrace - time.Second)
	assert.True(t, mr.Exists(id))

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists(id))

	failed, err := backend.QueryByStatus(ctx, models.SignalStatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.False(t, mr.Exists(statusKey(models.SignalStatusFailed)), "evicted id pruned from the status index")
	assert.False(t, mr.Exists(inboxKey("B")), "evicted id pruned from the inbox")

	assert.Error(t, backend.UpdateStatus(ctx, id, models.SignalStatusCompleted, time.Now()))
	assert.False(t, mr.Exists(id), "updating an evicted record does not recreate it")
}

func TestBackend_ConcurrentUpdatesKeepOneIndex(t *testing.T) {
	backend, mr := setupBackend(t)
	ctx := context.Background()

	id, err := backend.Push(ctx, models.SignalRecord{Type: models.SignalTypeOffer, SenderID: "A", ReceiverID: "B"}, time.Minute)
	require.NoError(t, err)

	statuses := []models.SignalStatus{models.SignalStatusProcessing, models.SignalStatusCompleted, models.SignalStatusFailed}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(status models.SignalStatus) {
			defer wg.Done()
			// Contended updates may give up; the index must stay consistent either way.
			_ = backend.UpdateStatus(ctx, id, status, time.Now())
		}(statuses[i%len(statuses)])
	}
	wg.Wait()

	final := models.SignalStatus(mr.HGet(id, fieldStatus))
	memberships := 0
	for _, status := range allStatuses {
		if ok, _ := mr.SIsMember(statusKey(status), id); ok {
			memberships++
			assert.Equal(t, final, status)
		}
	}
	assert.Equal(t, 1, memberships)
}

func TestBackend_SubscribeAdded(t *testing.T) {
	backend, _ := setupBackend(t)
	ctx := context.Background()

	existing, err := backend.Push(ctx, models.SignalRecord{Type: models.SignalTypeInit, SenderID: "A", ReceiverID: "B"}, time.Minute)
	require.NoError(t, err)
	handled, err := backend.Push(ctx, models.SignalRecord{Type: models.SignalTypeInit, SenderID: "C", ReceiverID: "B"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, backend.UpdateStatus(ctx, handled, models.SignalStatusCompleted, time.Now()))

	var mu sync.Mutex
	var delivered []string
	sub, err := backend.SubscribeAdded(ctx, "B", models.SignalStatusPending, func(id string, record models.SignalRecord) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, id)
	})
	require.NoError(t, err)
	defer sub.Close()

	added, err := backend.Push(ctx, models.SignalRecord{Type: models.SignalTypeOffer, SenderID: "A", ReceiverID: "B"}, time.Minute)
	require.NoError(t, err)
	_, err = backend.Push(ctx, models.SignalRecord{Type: models.SignalTypeOffer, SenderID: "A", ReceiverID: "Z"}, time.Minute)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{existing, added}, delivered)
	mu.Unlock()

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestBackend_StoreSweep(t *testing.T) {
	backend, mr := setupBackend(t)
	ctx := context.Background()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	store := relay.NewStore(backend, time.Minute, logger)

	base := time.Now()
	mr.SetTime(base)

	expired, err := store.Publish(ctx, models.SignalRecord{Type: models.SignalTypeInit, SenderID: "A", ReceiverID: "B"})
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, expired, models.SignalStatusCompleted))

	mr.SetTime(base.Add(2 * time.Minute))
	fresh, err := store.Publish(ctx, models.SignalRecord{Type: models.SignalTypeInit, SenderID: "A", ReceiverID: "B"})
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, fresh, models.SignalStatusCompleted))

	removed, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, mr.Exists(expired))
	assert.True(t, mr.Exists(fresh))
}

func TestRecordCodec(t *testing.T) {
	record := models.SignalRecord{
		Type:        models.SignalTypeCandidate,
		Payload:     `{"sdp":"candidate:1","sdpMid":"0","sdpMLineIndex":0}`,
		SenderID:    "A",
		ReceiverID:  "B",
		CreatedAt:   time.UnixMilli(1000),
		ExpiresAt:   time.UnixMilli(61000),
		Status:      models.SignalStatusProcessing,
		Processed:   true,
		ProcessedAt: time.UnixMilli(2000),
	}

	fields := make(map[string]string)
	for key, value := range encodeRecord(record) {
		fields[key] = value.(string)
	}
	assert.Equal(t, record, decodeRecord(fields))
}

