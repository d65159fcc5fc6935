// Package signaling runs the per-device offer/answer state machine over the
// relay and keeps the peer registry in step with the transport.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/mossy-p/bubble-mesh/internal/errors"
	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/peers"
	"github.com/mossy-p/bubble-mesh/internal/relay"
	"github.com/mossy-p/bubble-mesh/internal/tracing"
	"github.com/mossy-p/bubble-mesh/internal/transport"
)

// Payloads of records that carry no SDP.
const (
	initPayload = "none"
	byePayload  = "disconnect"
)

// DefaultPublishTimeout bounds one relay publish.
const DefaultPublishTimeout = 10 * time.Second

// SignalStore is the relay adapter the protocol reads and writes.
type SignalStore interface {
	Publish(ctx context.Context, record models.SignalRecord) (string, error)
	SubscribeIncoming(ctx context.Context, deviceID string, onRecord relay.Handler) error
	Unsubscribe(deviceID string)
	Transition(ctx context.Context, id string, status models.SignalStatus) error
}

// Messenger receives data channel traffic and owns per-peer message history.
type Messenger interface {
	HandleInbound(fromID string, data []byte) (models.Message, bool)
	Forget(peerID string)
	ForgetAll()
}

// Protocol is the signaling state machine of the local device.
type Protocol struct {
	localID   string
	store     SignalStore
	factory   transport.Factory
	registry  *peers.Registry
	messenger Messenger
	logger    *logrus.Logger

	publishTimeout time.Duration

	locks *deviceLocks

	processingMu sync.Mutex
	processing   map[string]struct{}

	ctxMu sync.Mutex
	ctx   context.Context
}

func NewProtocol(localID string, store SignalStore, factory transport.Factory, registry *peers.Registry, messenger Messenger, logger *logrus.Logger) *Protocol {
	return &Protocol{
		localID:    localID,
		store:      store,
		factory:    factory,
		registry:   registry,
		messenger:  messenger,
		logger:     logger,
		locks:      newDeviceLocks(),

		publishTimeout: DefaultPublishTimeout,
		processing: make(map[string]struct{}),
		ctx:        context.Background(),
	}
}

// LocalID is the identifier of the local device.
func (p *Protocol) LocalID() string {
	return p.localID
}

// Start subscribes to the local inbox. ctx bounds record handling and
// transport-initiated publishes until Stop.
func (p *Protocol) Start(ctx context.Context) error {
	p.ctxMu.Lock()
	p.ctx = ctx
	p.ctxMu.Unlock()

	if err := p.store.SubscribeIncoming(ctx, p.localID, p.onRecord); err != nil {
		return err
	}
	p.logger.WithField("device", p.localID).Info("Signaling started")
	return nil
}

// Stop detaches from the inbox. Sessions are left in place.
func (p *Protocol) Stop() {
	p.store.Unsubscribe(p.localID)
	p.logger.WithField("device", p.localID).Info("Signaling stopped")
}

func (p *Protocol) baseContext() context.Context {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	return p.ctx
}

// ConnectTo opens a session to remoteID and sends init and offer records. It
// is a no-op while a session for remoteID exists. A failed step tears the new
// session down so the call can be repeated.
//
// Both records are published on the caller's goroutine, in order, each bounded
// by the publish timeout.
func (p *Protocol) ConnectTo(ctx context.Context, remoteID string) (err error) {
	if remoteID == "" || remoteID == p.localID {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "cannot connect to %q", remoteID)
	}

	ctx, span := tracing.StartSpan(ctx, "signaling.connect", attribute.String("peer", remoteID))
	defer func() { tracing.End(span, err) }()

	unlock := p.locks.Lock(remoteID)
	defer unlock()

	logger := p.logger.WithField("peer", remoteID)
	session, created, err := p.openSession(remoteID, true, models.PhaseInitiating)
	if err != nil {
		logger.WithError(err).Error("Failed to create peer connection")
		return err
	}
	if !created {
		logger.Debug("Session already exists, ignoring connect")
		return nil
	}

	if err := p.publish(ctx, models.SignalTypeInit, remoteID, initPayload); err != nil {
		p.abort(remoteID, session)
		return err
	}

	offer, err := session.Connection.CreateOffer()
	if err != nil {
		p.abort(remoteID, session)
		logger.WithError(err).Error("Failed to create offer")
		return apperrors.Wrap(err, apperrors.ErrCodeTransportFailure, "creating offer")
	}
	if err := session.Connection.SetLocalDescription(offer); err != nil {
		p.abort(remoteID, session)
		logger.WithError(err).Error("Failed to set local offer")
		return apperrors.Wrap(err, apperrors.ErrCodeTransportFailure, "setting local offer")
	}
	if err := p.publish(ctx, models.SignalTypeOffer, remoteID, offer.SDP); err != nil {
		p.abort(remoteID, session)
		return err
	}

	p.advance(remoteID, models.PhaseOfferSent)
	logger.Info("Offer sent")
	return nil
}

// DisconnectFrom tears down the session to remoteID and sends a bye record.
// Local teardown stands even if the bye cannot be published.
func (p *Protocol) DisconnectFrom(ctx context.Context, remoteID string) {
	unlock := p.locks.Lock(remoteID)
	defer unlock()

	if !p.teardown(remoteID) {
		return
	}
	if err := p.publish(ctx, models.SignalTypeBye, remoteID, byePayload); err != nil {
		p.logger.WithField("peer", remoteID).WithError(err).Warn("Peer not notified of disconnect")
	}
	p.logger.WithField("peer", remoteID).Info("Disconnected")
}

// DisconnectAll disconnects every registered peer and clears all history.
func (p *Protocol) DisconnectAll(ctx context.Context) {
	for _, id := range p.registry.IDs() {
		p.DisconnectFrom(ctx, id)
	}
	p.messenger.ForgetAll()
}

// onRecord is the inbox pipeline: guard, mark processing, dispatch, settle.
func (p *Protocol) onRecord(id string, record models.SignalRecord) {
	p.processingMu.Lock()
	if _, busy := p.processing[id]; busy {
		p.processingMu.Unlock()
		return
	}
	p.processing[id] = struct{}{}
	p.processingMu.Unlock()

	defer func() {
		p.processingMu.Lock()
		delete(p.processing, id)
		p.processingMu.Unlock()
	}()

	ctx := p.baseContext()
	logger := p.logger.WithFields(logrus.Fields{"record": id, "type": record.Type, "peer": record.SenderID})

	if err := p.store.Transition(ctx, id, models.SignalStatusProcessing); err != nil {
		// Left pending; a later subscription may pick it up again.
		logger.WithError(err).Warn("Failed to mark signal processing, skipping")
		return
	}

	signalType, ok := p.dispatch(ctx, id, record)
	status := models.SignalStatusFailed
	if ok {
		status = signalType.FinalStatus()
	}
	if err := p.store.Transition(ctx, id, status); err != nil {
		logger.WithError(err).Warn("Failed to settle signal")
		return
	}
	logger.WithField("status", status).Debug("Signal handled")
}

func (p *Protocol) dispatch(ctx context.Context, id string, record models.SignalRecord) (signalType models.SignalType, ok bool) {
	ctx, span := tracing.StartSpan(ctx, "signaling.handle",
		attribute.String("signal.record", id),
		attribute.String("signal.type", string(record.Type)),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("signal.ok", ok))
		tracing.End(span, nil)
	}()

	logger := p.logger.WithFields(logrus.Fields{"record": id, "peer": record.SenderID})

	signalType, err := models.ParseSignalType(string(record.Type))
	if err != nil {
		logger.WithError(err).Warn("Rejecting signal")
		return "", false
	}
	if record.SenderID == "" || record.SenderID == p.localID {
		logger.WithField("type", signalType).Warn("Rejecting signal with invalid sender")
		return signalType, false
	}

	unlock := p.locks.Lock(record.SenderID)
	defer unlock()

	switch signalType {
	case models.SignalTypeInit:
		return signalType, p.handleInit(record.SenderID)
	case models.SignalTypeOffer:
		return signalType, p.handleOffer(ctx, record.SenderID, record.Payload)
	case models.SignalTypeAnswer:
		return signalType, p.handleAnswer(record.SenderID, record.Payload)
	case models.SignalTypeCandidate:
		return signalType, p.handleCandidate(record.SenderID, record.Payload)
	case models.SignalTypeBye:
		return signalType, p.handleBye(record.SenderID)
	}
	return signalType, false
}

func (p *Protocol) handleInit(senderID string) bool {
	_, created, err := p.openSession(senderID, false, models.PhaseAnswerPending)
	logger := p.logger.WithField("peer", senderID)
	switch {
	case err != nil:
		logger.WithError(err).Error("Failed to prepare session for incoming connection")
	case created:
		logger.Info("Awaiting offer")
	}
	return true
}

func (p *Protocol) handleOffer(ctx context.Context, senderID, sdp string) bool {
	logger := p.logger.WithField("peer", senderID)

	session, exists := p.registry.Get(senderID)
	if exists && session.Initiator && session.Phase <= models.PhaseOfferSent {
		// Both sides offered. The device with the higher id keeps its offer.
		if p.localID > senderID {
			logger.Info("Ignoring colliding offer")
			return false
		}
		logger.Info("Yielding to colliding offer")
		p.teardown(senderID)
		exists = false
	}
	if !exists {
		var err error
		session, _, err = p.openSession(senderID, false, models.PhaseAnswerPending)
		if err != nil {
			logger.WithError(err).Error("Failed to create session for offer")
			return false
		}
	}

	conn := session.Connection
	if err := conn.SetRemoteDescription(transport.SessionDescription{Type: transport.SDPTypeOffer, SDP: sdp}); err != nil {
		logger.WithError(err).Warn("Failed to apply offer")
		return false
	}
	p.advance(senderID, models.PhaseNegotiating)

	answer, err := conn.CreateAnswer()
	if err != nil {
		logger.WithError(err).Warn("Failed to create answer")
		return false
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		logger.WithError(err).Warn("Failed to set local answer")
		return false
	}
	if err := p.publish(ctx, models.SignalTypeAnswer, senderID, answer.SDP); err != nil {
		return false
	}

	logger.Info("Answer sent")
	return true
}

func (p *Protocol) handleAnswer(senderID, sdp string) bool {
	logger := p.logger.WithField("peer", senderID)

	session, ok := p.registry.Get(senderID)
	if !ok || !session.Initiator {
		logger.Warn("Answer without a pending offer")
		return false
	}
	if err := session.Connection.SetRemoteDescription(transport.SessionDescription{Type: transport.SDPTypeAnswer, SDP: sdp}); err != nil {
		logger.WithError(err).Warn("Failed to apply answer")
		return false
	}
	p.advance(senderID, models.PhaseNegotiating)
	logger.Info("Answer applied")
	return true
}

func (p *Protocol) handleCandidate(senderID, payload string) bool {
	logger := p.logger.WithField("peer", senderID)

	session, ok := p.registry.Get(senderID)
	if !ok {
		logger.Warn("Candidate without a session")
		return false
	}
	candidate, err := models.ParseCandidate(payload)
	if err != nil {
		logger.WithError(err).Warn("Rejecting malformed candidate")
		return false
	}
	if err := session.Connection.AddCandidate(candidate); err != nil {
		logger.WithError(err).Warn("Failed to add candidate")
		return false
	}
	return true
}

func (p *Protocol) handleBye(senderID string) bool {
	if p.teardown(senderID) {
		p.logger.WithField("peer", senderID).Info("Peer disconnected")
	}
	return true
}

// openSession registers a new session with its connection and data channel.
// The caller holds the device lock. created is false when a session exists.
func (p *Protocol) openSession(remoteID string, initiator bool, phase models.SessionPhase) (session peers.Session, created bool, err error) {
	if existing, ok := p.registry.Get(remoteID); ok {
		return existing, false, nil
	}

	ref := &connRef{}
	conn, err := p.factory.NewConnection(remoteID, transport.Events{
		OnCandidate: func(candidate models.Candidate) {
			p.publishCandidate(remoteID, candidate)
		},
		OnConnectivityChange: func(state models.ConnectivityState) {
			p.onConnectivity(remoteID, ref.get(), state)
		},
	})
	if err != nil {
		return peers.Session{}, false, apperrors.Wrap(err, apperrors.ErrCodeTransportFailure, "creating connection")
	}
	ref.set(conn)

	channel, err := conn.CreateDataChannel(transport.ChannelLabel(remoteID), transport.ChannelEvents{
		OnStateChange: func(state transport.ChannelState) {
			p.onChannelState(remoteID, ref.get(), state)
		},
		OnMessage: func(data []byte) {
			p.messenger.HandleInbound(remoteID, data)
		},
	})
	if err != nil {
		conn.Close()
		return peers.Session{}, false, apperrors.Wrap(err, apperrors.ErrCodeTransportFailure, "creating data channel")
	}

	session = peers.Session{
		DeviceID:     remoteID,
		Connection:   conn,
		Channel:      channel,
		Connectivity: models.ConnectivityNew,
		Phase:        phase,
		Initiator:    initiator,
	}
	if !p.registry.Create(session) {
		channel.Close()
		conn.Close()
		existing, _ := p.registry.Get(remoteID)
		return existing, false, nil
	}
	return session, true, nil
}

// teardown removes the session of remoteID and releases its handles. The
// caller holds the device lock.
func (p *Protocol) teardown(remoteID string) bool {
	session, ok := p.registry.Remove(remoteID)
	if !ok {
		return false
	}
	p.release(session)
	return true
}

// abort undoes a failed ConnectTo without notifying the peer.
func (p *Protocol) abort(remoteID string, session peers.Session) {
	if removed, ok := p.registry.RemoveIf(remoteID, session.Connection); ok {
		p.release(removed)
	}
}

func (p *Protocol) release(session peers.Session) {
	if session.Channel != nil {
		if err := session.Channel.Close(); err != nil {
			p.logger.WithField("peer", session.DeviceID).WithError(err).Debug("Closing data channel failed")
		}
	}
	if err := session.Connection.Close(); err != nil {
		p.logger.WithField("peer", session.DeviceID).WithError(err).Debug("Closing connection failed")
	}
	p.messenger.Forget(session.DeviceID)
}

// advance moves the session forward to phase, never backwards.
func (p *Protocol) advance(remoteID string, phase models.SessionPhase) {
	p.registry.Upsert(remoteID, func(s *peers.Session) {
		if phase > s.Phase && s.Phase != models.PhaseClosed {
			s.Phase = phase
		}
		s.Promote()
	})
}

// onConnectivity runs on transport goroutines and must not take device locks
// synchronously.
func (p *Protocol) onConnectivity(remoteID string, conn transport.Connection, state models.ConnectivityState) {
	p.logger.WithFields(logrus.Fields{"peer": remoteID, "state": state}).Debug("Connectivity changed")

	p.registry.Upsert(remoteID, func(s *peers.Session) {
		if s.Connection != conn {
			return
		}
		s.Connectivity = state
		s.Promote()
	})

	if state.Terminal() {
		go p.drop(remoteID, conn)
	}
}

// drop removes a session whose connection failed or closed underneath it.
func (p *Protocol) drop(remoteID string, conn transport.Connection) {
	unlock := p.locks.Lock(remoteID)
	defer unlock()

	session, ok := p.registry.RemoveIf(remoteID, conn)
	if !ok {
		return
	}
	p.logger.WithField("peer", remoteID).Warn("Connection lost, session removed")
	p.release(session)
}

func (p *Protocol) onChannelState(remoteID string, conn transport.Connection, state transport.ChannelState) {
	p.logger.WithFields(logrus.Fields{"peer": remoteID, "channel": state}).Debug("Data channel state changed")
	p.registry.Upsert(remoteID, func(s *peers.Session) {
		if s.Connection != conn {
			return
		}
		s.Promote()
	})
}

func (p *Protocol) publishCandidate(remoteID string, candidate models.Candidate) {
	payload, err := candidate.Encode()
	if err != nil {
		p.logger.WithField("peer", remoteID).WithError(err).Warn("Failed to encode candidate")
		return
	}
	p.publish(p.baseContext(), models.SignalTypeCandidate, remoteID, payload)
}

func (p *Protocol) publish(ctx context.Context, signalType models.SignalType, receiverID, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	_, err := p.store.Publish(ctx, models.SignalRecord{
		Type:       signalType,
		Payload:    payload,
		SenderID:   p.localID,
		ReceiverID: receiverID,
	})
	if err != nil {
		p.logger.WithFields(logrus.Fields{"peer": receiverID, "type": signalType}).WithError(err).Error("Failed to publish signal")
	}
	return err
}

// connRef lets transport callbacks registered before a connection exists
// refer to it once it does.
type connRef struct {
	mu   sync.Mutex
	conn transport.Connection
}

func (r *connRef) set(conn transport.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
}

func (r *connRef) get() transport.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}
