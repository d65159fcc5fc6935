package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/mossy-p/bubble-mesh/internal/errors"
	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/tracing"
)

const (
	// DefaultSignalTimeout is how long a record stays valid after creation.
	DefaultSignalTimeout = 60 * time.Second

	// DefaultSweepInterval is how often expired completed records are pruned.
	DefaultSweepInterval = 300 * time.Second
)

// Store is the typed adapter over a relay Backend. It keeps exactly one
// inbox subscription per device.
type Store struct {
	backend Backend
	timeout time.Duration
	logger  *logrus.Logger

	mu            sync.Mutex
	subscriptions map[string]Subscription

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStore creates a Store. A non-positive timeout selects DefaultSignalTimeout.
func NewStore(backend Backend, timeout time.Duration, logger *logrus.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultSignalTimeout
	}
	return &Store{
		backend:       backend,
		timeout:       timeout,
		logger:        logger,
		subscriptions: make(map[string]Subscription),
		stopCh:        make(chan struct{}),
	}
}

// Publish writes a new pending record into the receiver's inbox.
func (s *Store) Publish(ctx context.Context, record models.SignalRecord) (id string, err error) {
	ctx, span := tracing.StartSpan(ctx, "relay.publish",
		attribute.String("signal.type", string(record.Type)),
		attribute.String("signal.receiver", record.ReceiverID),
	)
	defer func() { tracing.End(span, err) }()

	if record.SenderID == "" || record.ReceiverID == "" || record.Type == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidSignal, "signal requires sender, receiver and type")
	}
	record.Status = models.SignalStatusPending
	record.Processed = false
	record.ProcessedAt = time.Time{}

	fields := logrus.Fields{"type": record.Type, "receiver": record.ReceiverID}
	id, err = s.backend.Push(ctx, record, s.timeout)
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("Failed to publish signal")
		return "", apperrors.Wrap(err, apperrors.ErrCodeStoreFailure, "publishing signal")
	}

	s.logger.WithFields(fields).WithField("record", id).Debug("Signal published")
	return id, nil
}

// SubscribeIncoming delivers pending records addressed to deviceID, once per
// newly added record. Any previous subscription for deviceID is torn down first.
func (s *Store) SubscribeIncoming(ctx context.Context, deviceID string, onRecord Handler) error {
	s.Unsubscribe(deviceID)

	sub, err := s.backend.SubscribeAdded(ctx, deviceID, models.SignalStatusPending, func(id string, record models.SignalRecord) {
		if !record.Actionable() {
			return
		}
		onRecord(id, record)
	})
	if err != nil {
		s.logger.WithField("device", deviceID).WithError(err).Error("Failed to subscribe to inbox")
		return apperrors.Wrap(err, apperrors.ErrCodeStoreFailure, "subscribing to inbox")
	}

	s.mu.Lock()
	previous := s.subscriptions[deviceID]
	s.subscriptions[deviceID] = sub
	s.mu.Unlock()

	// A concurrent SubscribeIncoming for the same device may have slipped in.
	if previous != nil {
		previous.Close()
	}

	s.logger.WithField("device", deviceID).Info("Listening for signals")
	return nil
}

// Unsubscribe detaches the inbox listener for deviceID. Idempotent.
func (s *Store) Unsubscribe(deviceID string) {
	s.mu.Lock()
	sub, ok := s.subscriptions[deviceID]
	delete(s.subscriptions, deviceID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := sub.Close(); err != nil {
		s.logger.WithField("device", deviceID).WithError(err).Warn("Closing inbox subscription failed")
	}
	s.logger.WithField("device", deviceID).Info("Stopped listening for signals")
}

// Transition sets a record's status and processedAt without checking the
// current status. Records never move back to pending.
func (s *Store) Transition(ctx context.Context, id string, status models.SignalStatus) (err error) {
	ctx, span := tracing.StartSpan(ctx, "relay.transition",
		attribute.String("signal.record", id),
		attribute.String("signal.status", string(status)),
	)
	defer func() { tracing.End(span, err) }()

	if status == models.SignalStatusPending {
		return apperrors.Newf(apperrors.ErrCodeInvalidSignal, "record %s cannot return to pending", id)
	}

	now, err := s.backend.Now(ctx)
	if err != nil {
		now = time.Now()
	}
	if err := s.backend.UpdateStatus(ctx, id, status, now); err != nil {
		s.logger.WithFields(logrus.Fields{"record": id, "status": status}).WithError(err).Error("Failed to update signal status")
		return apperrors.Wrap(err, apperrors.ErrCodeStoreFailure, "updating signal status")
	}
	return nil
}

// SweepExpired deletes completed records whose expiry has passed and returns
// how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (removed int, err error) {
	ctx, span := tracing.StartSpan(ctx, "relay.sweep")
	defer func() {
		span.SetAttributes(attribute.Int("relay.removed", removed))
		tracing.End(span, err)
	}()

	now, err := s.backend.Now(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStoreFailure, "reading relay clock")
	}
	entries, err := s.backend.QueryByStatus(ctx, models.SignalStatusCompleted)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStoreFailure, "querying completed signals")
	}

	for _, entry := range entries {
		if !entry.Record.Expired(now) {
			continue
		}
		if err := s.backend.Delete(ctx, entry.ID); err != nil {
			s.logger.WithField("record", entry.ID).WithError(err).Warn("Failed to delete expired signal")
			continue
		}
		removed++
	}
	return removed, nil
}

// RunSweeper sweeps immediately and then every interval until ctx is
// cancelled or Stop is called.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithField("interval", interval).Info("Starting signal sweeper")
	s.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Signal sweeper context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Signal sweeper stop signal received, stopping")
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Store) runSweep(ctx context.Context) {
	removed, err := s.SweepExpired(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sweep expired signals")
		return
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Swept expired signals")
	}
}

// Stop ends RunSweeper and closes every inbox subscription.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	devices := make([]string, 0, len(s.subscriptions))
	for deviceID := range s.subscriptions {
		devices = append(devices, deviceID)
	}
	s.mu.Unlock()

	for _, deviceID := range devices {
		s.Unsubscribe(deviceID)
	}
}
