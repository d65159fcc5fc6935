// Package mesh sends, receives and flood-relays chat messages over the data
// channels of registered peers.
package mesh

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	apperrors "github.com/mossy-p/bubble-mesh/internal/errors"
	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/observable"
	"github.com/mossy-p/bubble-mesh/internal/peers"
	"github.com/mossy-p/bubble-mesh/internal/transport"
)

// History is the message log keyed by the peer each message was exchanged with.
type History map[string][]models.Message

// Len counts messages across all peers.
func (h History) Len() int {
	total := 0
	for _, messages := range h {
		total += len(messages)
	}
	return total
}

// Config tunes the engine.
type Config struct {
	LocalID string

	// InboundRate and InboundBurst bound messages accepted from each peer.
	// A non-positive rate disables limiting.
	InboundRate  float64
	InboundBurst int
}

// Engine is the message relay of the local device.
type Engine struct {
	localID  string
	registry *peers.Registry
	logger   *logrus.Logger
	limit    rate.Limit
	burst    int

	mu       sync.Mutex
	history  History
	seen     map[string]struct{}
	limiters map[string]*rate.Limiter
	state    *observable.Value[History]

	now func() time.Time
}

func NewEngine(cfg Config, registry *peers.Registry, logger *logrus.Logger) *Engine {
	limit := rate.Limit(cfg.InboundRate)
	if cfg.InboundRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.InboundBurst
	if burst <= 0 {
		burst = 1
	}
	return &Engine{
		localID:  cfg.LocalID,
		registry: registry,
		logger:   logger,
		limit:    limit,
		burst:    burst,
		history:  make(History),
		seen:     make(map[string]struct{}),
		limiters: make(map[string]*rate.Limiter),
		state:    observable.New(History{}),
		now:      time.Now,
	}
}

// Send wraps content in a new message and transmits it to toID. The message
// is recorded only if the transmit succeeds.
func (e *Engine) Send(content []byte, toID string) (models.Message, error) {
	message := e.newMessage(content)
	if err := e.deliver(message, toID); err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// Broadcast sends one message to every registered peer. Failures for one peer
// do not affect the others. It returns the ids of the peers that received it.
func (e *Engine) Broadcast(content []byte) (models.Message, []string) {
	message := e.newMessage(content)
	var delivered []string
	for _, id := range e.registry.IDs() {
		if err := e.deliver(message, id); err != nil {
			continue
		}
		delivered = append(delivered, id)
	}
	return message, delivered
}

func (e *Engine) newMessage(content []byte) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Content:   string(content),
		SenderID:  e.localID,
		Timestamp: e.now(),
	}
}

func (e *Engine) deliver(message models.Message, toID string) error {
	fields := logrus.Fields{"peer": toID, "message": message.ID}

	channel, err := e.openChannel(toID)
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Warn("Dropping message")
		return err
	}
	data, err := models.EncodeMessage(message)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "encoding message")
	}

	// Mark before transmitting so an echo arriving over another path is
	// recognized while Send is still in flight.
	e.mu.Lock()
	_, known := e.seen[message.ID]
	e.seen[message.ID] = struct{}{}
	e.mu.Unlock()

	if err := channel.Send(data); err != nil {
		if !known {
			e.mu.Lock()
			delete(e.seen, message.ID)
			e.mu.Unlock()
		}
		e.logger.WithFields(fields).WithError(err).Warn("Failed to transmit message")
		return apperrors.Wrap(err, apperrors.ErrCodeTransportFailure, "transmitting message")
	}

	e.mu.Lock()
	e.history[toID] = append(e.history[toID], message)
	e.publishLocked()
	e.mu.Unlock()

	e.logger.WithFields(fields).Debug("Message sent")
	return nil
}

// openChannel returns the data channel of toID if it is open.
func (e *Engine) openChannel(toID string) (transport.DataChannel, error) {
	session, ok := e.registry.Get(toID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeNotConnected, "no session for %s", toID)
	}
	if session.Channel == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeNotConnected, "no data channel for %s", toID)
	}
	if state := session.Channel.State(); state != transport.ChannelOpen {
		return nil, apperrors.Newf(apperrors.ErrCodeNotConnected, "data channel for %s is %s", toID, state)
	}
	return session.Channel, nil
}

// HandleInbound processes bytes received from fromID. It reports whether the
// message was new. New messages from other senders are forwarded to every
// peer except fromID unless the local device already relayed them.
func (e *Engine) HandleInbound(fromID string, data []byte) (models.Message, bool) {
	if !e.limiter(fromID).Allow() {
		e.logger.WithField("peer", fromID).Warn("Inbound rate exceeded, dropping message")
		return models.Message{}, false
	}

	message, err := models.DecodeMessage(data)
	if err != nil {
		e.logger.WithField("peer", fromID).WithError(err).Warn("Dropping undecodable message")
		return models.Message{}, false
	}

	e.mu.Lock()
	if _, dup := e.seen[message.ID]; dup {
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{"peer": fromID, "message": message.ID}).Debug("Duplicate message suppressed")
		return message, false
	}
	e.seen[message.ID] = struct{}{}
	e.history[fromID] = append(e.history[fromID], message)
	e.publishLocked()
	e.mu.Unlock()

	if message.SenderID != e.localID && !message.RelayedBy(e.localID) {
		e.forward(message.Forwarded(e.localID), fromID)
	}
	return message, true
}

func (e *Engine) forward(message models.Message, exceptID string) {
	data, err := models.EncodeMessage(message)
	if err != nil {
		e.logger.WithField("message", message.ID).WithError(err).Error("Failed to encode forwarded message")
		return
	}

	for _, id := range e.registry.IDs() {
		if id == exceptID {
			continue
		}
		fields := logrus.Fields{"peer": id, "message": message.ID}
		channel, err := e.openChannel(id)
		if err != nil {
			e.logger.WithFields(fields).WithError(err).Debug("Not forwarding")
			continue
		}
		if err := channel.Send(data); err != nil {
			e.logger.WithFields(fields).WithError(err).Warn("Failed to forward message")
			continue
		}
		e.logger.WithFields(fields).Debug("Message forwarded")
	}
}

func (e *Engine) limiter(peerID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	limiter, ok := e.limiters[peerID]
	if !ok {
		limiter = rate.NewLimiter(e.limit, e.burst)
		e.limiters[peerID] = limiter
	}
	return limiter
}

// Forget drops the history and limiter of one peer.
func (e *Engine) Forget(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.history[peerID]; !ok {
		delete(e.limiters, peerID)
		return
	}
	delete(e.history, peerID)
	delete(e.limiters, peerID)
	e.rebuildSeenLocked()
	e.publishLocked()
}

// ForgetAll clears every history.
func (e *Engine) ForgetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = make(History)
	e.seen = make(map[string]struct{})
	e.limiters = make(map[string]*rate.Limiter)
	e.publishLocked()
}

// History returns the latest published history.
func (e *Engine) History() History {
	return e.state.Load()
}

// Subscribe streams the current history and every later one.
func (e *Engine) Subscribe() (<-chan History, func()) {
	return e.state.Subscribe()
}

func (e *Engine) rebuildSeenLocked() {
	e.seen = make(map[string]struct{}, len(e.seen))
	for _, messages := range e.history {
		for _, message := range messages {
			e.seen[message.ID] = struct{}{}
		}
	}
}

func (e *Engine) publishLocked() {
	snapshot := make(History, len(e.history))
	for id, messages := range e.history {
		snapshot[id] = append([]models.Message(nil), messages...)
	}
	e.state.Store(snapshot)
}
