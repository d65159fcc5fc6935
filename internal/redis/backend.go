// Package redis provides the production relay: signaling records kept in Redis
// hashes, indexed by status and inbox, with PUBLISH notifications for newly
// added records.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/relay"
)

var _ relay.Backend = (*Backend)(nil)

// RecordGrace is how long a record outlives its expiry before Redis evicts
// it. It exceeds the sweep interval so the sweeper normally gets there first.
const RecordGrace = time.Hour

// maxStatusRetries bounds optimistic retries of a contended status update.
const maxStatusRetries = 5

var allStatuses = []models.SignalStatus{
	models.SignalStatusPending,
	models.SignalStatusProcessing,
	models.SignalStatusCompleted,
	models.SignalStatusFailed,
}

// Hash fields of a stored record.
const (
	fieldType        = "type"
	fieldData        = "data"
	fieldSender      = "sender"
	fieldReceiver    = "receiver"
	fieldTimestamp   = "timestamp"
	fieldExpiresAt   = "expiresAt"
	fieldStatus      = "status"
	fieldProcessed   = "processed"
	fieldProcessedAt = "processedAt"
)

var errRecordNotFound = errors.New("record not found")

// Backend is a relay.Backend on top of Redis.
type Backend struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewBackend wraps an already connected client.
func NewBackend(client *redis.Client, logger *logrus.Logger) *Backend {
	return &Backend{client: client, logger: logger}
}

func statusKey(status models.SignalStatus) string {
	return relay.RootPath + ":status:" + string(status)
}

func inboxKey(receiverID string) string {
	return relay.RootPath + ":inbox:" + receiverID
}

func (b *Backend) Push(ctx context.Context, record models.SignalRecord, ttl time.Duration) (string, error) {
	pushID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating push id: %w", err)
	}
	now, err := b.Now(ctx)
	if err != nil {
		return "", err
	}

	record.CreatedAt = now
	record.ExpiresAt = now.Add(ttl)
	if record.Status == "" {
		record.Status = models.SignalStatusPending
	}
	id := relay.RecordPath(record.ReceiverID, pushID.String())

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, id, encodeRecord(record))
		pipe.Expire(ctx, id, ttl+RecordGrace)
		pipe.SAdd(ctx, statusKey(record.Status), id)
		pipe.ZAdd(ctx, inboxKey(record.ReceiverID), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("storing record: %w", err)
	}

	if err := b.client.Publish(ctx, relay.InboxPath(record.ReceiverID), id).Err(); err != nil {
		// The record is stored; subscribers pick it up on their next subscribe.
		b.logger.WithField("record", id).WithError(err).Warn("Failed to announce signal")
	}
	return id, nil
}

func (b *Backend) SubscribeAdded(ctx context.Context, receiverID string, status models.SignalStatus, handler relay.Handler) (relay.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, relay.InboxPath(receiverID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to inbox: %w", err)
	}

	ids, err := b.client.ZRange(ctx, inboxKey(receiverID), 0, -1).Result()
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("listing inbox: %w", err)
	}

	sub := &subscription{
		backend:    b,
		pubsub:     pubsub,
		receiverID: receiverID,
		status:     status,
		handler:    handler,
		seen:       make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	go sub.run(ids)
	return sub, nil
}

// UpdateStatus moves id to status. The read of the current status and the
// index move run in one WATCH transaction so concurrent updates cannot leave
// the id in two status sets.
func (b *Backend) UpdateStatus(ctx context.Context, id string, status models.SignalStatus, processedAt time.Time) error {
	update := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, id, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return errRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("reading record status: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, id,
				fieldStatus, string(status),
				fieldProcessed, "1",
				fieldProcessedAt, strconv.FormatInt(processedAt.UnixMilli(), 10),
			)
			pipe.SRem(ctx, statusKey(models.SignalStatus(current)), id)
			pipe.SAdd(ctx, statusKey(status), id)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxStatusRetries; attempt++ {
		err := b.client.Watch(ctx, update, id)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, errRecordNotFound):
			return fmt.Errorf("record %s not found", id)
		default:
			return fmt.Errorf("updating record status: %w", err)
		}
	}
	return fmt.Errorf("updating record status: %s still contended after %d attempts", id, maxStatusRetries)
}

func (b *Backend) QueryByStatus(ctx context.Context, status models.SignalStatus) ([]relay.Entry, error) {
	ids, err := b.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("querying status index: %w", err)
	}

	entries := make([]relay.Entry, 0, len(ids))
	for _, id := range ids {
		record, ok, err := b.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Evicted by its TTL; drop the dangling index entry.
			b.prune(ctx, id)
			continue
		}
		if record.Status != status {
			continue
		}
		entries = append(entries, relay.Entry{ID: id, Record: record})
	}
	return entries, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, id)
		for _, status := range allStatuses {
			pipe.SRem(ctx, statusKey(status), id)
		}
		pipe.ZRem(ctx, inboxKey(relay.ReceiverOf(id)), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// prune removes index entries of a record whose hash no longer exists.
func (b *Backend) prune(ctx context.Context, id string) {
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, status := range allStatuses {
			pipe.SRem(ctx, statusKey(status), id)
		}
		pipe.ZRem(ctx, inboxKey(relay.ReceiverOf(id)), id)
		return nil
	})
	if err != nil {
		b.logger.WithField("record", id).WithError(err).Debug("Failed to prune evicted signal")
	}
}

// Now reads the Redis server clock.
func (b *Backend) Now(ctx context.Context) (time.Time, error) {
	now, err := b.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading server time: %w", err)
	}
	return now, nil
}

func (b *Backend) load(ctx context.Context, id string) (models.SignalRecord, bool, error) {
	fields, err := b.client.HGetAll(ctx, id).Result()
	if err != nil {
		return models.SignalRecord{}, false, fmt.Errorf("loading record %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.SignalRecord{}, false, nil
	}
	return decodeRecord(fields), true, nil
}

func encodeRecord(record models.SignalRecord) map[string]interface{} {
	fields := map[string]interface{}{
		fieldType:      string(record.Type),
		fieldData:      record.Payload,
		fieldSender:    record.SenderID,
		fieldReceiver:  record.ReceiverID,
		fieldTimestamp: strconv.FormatInt(record.CreatedAt.UnixMilli(), 10),
		fieldExpiresAt: strconv.FormatInt(record.ExpiresAt.UnixMilli(), 10),
		fieldStatus:    string(record.Status),
		fieldProcessed: "0",
	}
	if record.Processed {
		fields[fieldProcessed] = "1"
		fields[fieldProcessedAt] = strconv.FormatInt(record.ProcessedAt.UnixMilli(), 10)
	}
	return fields
}

func decodeRecord(fields map[string]string) models.SignalRecord {
	record := models.SignalRecord{
		Type:       models.SignalType(fields[fieldType]),
		Payload:    fields[fieldData],
		SenderID:   fields[fieldSender],
		ReceiverID: fields[fieldReceiver],
		CreatedAt:  parseMillis(fields[fieldTimestamp]),
		ExpiresAt:  parseMillis(fields[fieldExpiresAt]),
		Status:     models.SignalStatus(fields[fieldStatus]),
		Processed:  fields[fieldProcessed] == "1",
	}
	if raw, ok := fields[fieldProcessedAt]; ok {
		record.ProcessedAt = parseMillis(raw)
	}
	return record
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// subscription delivers the inbox snapshot taken at subscribe time, then
// every announced record, from a single goroutine.
type subscription struct {
	backend    *Backend
	pubsub     *redis.PubSub
	receiverID string
	status     models.SignalStatus
	handler    relay.Handler
	seen       map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) run(existing []string) {
	ctx := context.Background()
	announced := s.pubsub.Channel()

	for _, id := range existing {
		if s.closed() {
			return
		}
		s.deliver(ctx, id)
	}

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-announced:
			if !ok {
				return
			}
			s.deliver(ctx, msg.Payload)
		}
	}
}

func (s *subscription) deliver(ctx context.Context, id string) {
	if _, dup := s.seen[id]; dup {
		return
	}
	record, ok, err := s.backend.load(ctx, id)
	if err != nil {
		s.backend.logger.WithField("record", id).WithError(err).Warn("Failed to load announced signal")
		return
	}
	if !ok {
		s.backend.prune(ctx, id)
		return
	}
	if record.ReceiverID != s.receiverID || record.Status != s.status {
		return
	}
	s.seen[id] = struct{}{}
	if s.closed() {
		return
	}
	s.handler(id, record)
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
