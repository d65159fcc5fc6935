package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mossy-p/bubble-mesh/internal/models"
)

// Loopback operations that can be made to fail with LoopbackFactory.FailOn.
const (
	OpCreateOffer          = "create-offer"
	OpCreateAnswer         = "create-answer"
	OpSetLocalDescription  = "set-local"
	OpSetRemoteDescription = "set-remote"
	OpAddCandidate         = "add-candidate"
	OpCreateDataChannel    = "create-channel"
)

// Hub links loopback connections of several in-process devices. Two
// connections become connected once each has set the other's description.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*loopConn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*loopConn)}
}

func hubKey(localID, remoteID string) string {
	return localID + ">" + remoteID
}

// Factory returns the connection factory of device localID.
func (h *Hub) Factory(localID string) *LoopbackFactory {
	return &LoopbackFactory{hub: h, localID: localID, failures: make(map[string]error)}
}

// Candidates returns the remote candidates added to localID's connection
// towards remoteID.
func (h *Hub) Candidates(localID, remoteID string) []models.Candidate {
	h.mu.Lock()
	conn := h.conns[hubKey(localID, remoteID)]
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return append([]models.Candidate(nil), conn.remoteCandidates...)
}

// Open reports whether localID holds a connection towards remoteID.
func (h *Hub) Open(localID, remoteID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[hubKey(localID, remoteID)]
	return ok
}

func (h *Hub) register(conn *loopConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[hubKey(conn.localID, conn.remoteID)] = conn
}

func (h *Hub) unregister(conn *loopConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := hubKey(conn.localID, conn.remoteID)
	if h.conns[key] == conn {
		delete(h.conns, key)
	}
}

func (h *Hub) counterpart(conn *loopConn) *loopConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[hubKey(conn.remoteID, conn.localID)]
}

var _ Factory = (*LoopbackFactory)(nil)

// LoopbackFactory creates in-memory connections for one device.
type LoopbackFactory struct {
	hub     *Hub
	localID string

	mu       sync.Mutex
	failures map[string]error
}

// FailOn makes op fail with err on every connection of this factory. A nil
// err clears the failure.
func (f *LoopbackFactory) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

func (f *LoopbackFactory) failure(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (f *LoopbackFactory) NewConnection(remoteID string, events Events) (Connection, error) {
	conn := &loopConn{
		factory:  f,
		hub:      f.hub,
		localID:  f.localID,
		remoteID: remoteID,
		events:   events,
	}
	f.hub.register(conn)
	return conn, nil
}

type loopConn struct {
	factory  *LoopbackFactory
	hub      *Hub
	localID  string
	remoteID string
	events   Events

	mu               sync.Mutex
	local            *SessionDescription
	remote           *SessionDescription
	remoteCandidates []models.Candidate
	channel          *loopChannel
	peer             *loopConn
	connectivity     models.ConnectivityState
	closed           bool
}

func (c *loopConn) description(sdpType SDPType) SessionDescription {
	return SessionDescription{
		Type: sdpType,
		SDP:  fmt.Sprintf("v=0\r\no=loopback %s %s\r\nm=application\r\n", c.localID, c.remoteID),
	}
}

func (c *loopConn) CreateOffer() (SessionDescription, error) {
	if err := c.factory.failure(OpCreateOffer); err != nil {
		return SessionDescription{}, err
	}
	return c.description(SDPTypeOffer), nil
}

func (c *loopConn) CreateAnswer() (SessionDescription, error) {
	if err := c.factory.failure(OpCreateAnswer); err != nil {
		return SessionDescription{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil || c.remote.Type != SDPTypeOffer {
		return SessionDescription{}, errors.New("create answer: no remote offer")
	}
	return c.description(SDPTypeAnswer), nil
}

func (c *loopConn) SetLocalDescription(desc SessionDescription) error {
	if err := c.factory.failure(OpSetLocalDescription); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("set local description: connection closed")
	}
	c.local = &desc
	c.mu.Unlock()

	if c.events.OnCandidate != nil {
		c.events.OnCandidate(models.Candidate{
			SDP:    fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 9 typ host ufrag %s", c.localID),
			SDPMid: "0",
		})
	}
	c.tryLink()
	return nil
}

func (c *loopConn) SetRemoteDescription(desc SessionDescription) error {
	if err := c.factory.failure(OpSetRemoteDescription); err != nil {
		return err
	}
	if !strings.HasPrefix(desc.SDP, "v=0") {
		return errors.New("set remote description: malformed sdp")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("set remote description: connection closed")
	}
	c.remote = &desc
	c.mu.Unlock()

	c.tryLink()
	return nil
}

func (c *loopConn) AddCandidate(candidate models.Candidate) error {
	if err := c.factory.failure(OpAddCandidate); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("add candidate: connection closed")
	}
	c.remoteCandidates = append(c.remoteCandidates, candidate)
	return nil
}

func (c *loopConn) CreateDataChannel(label string, events ChannelEvents) (DataChannel, error) {
	if err := c.factory.failure(OpCreateDataChannel); err != nil {
		return nil, err
	}
	channel := newLoopChannel(c, label, events)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("create data channel: connection closed")
	}
	c.channel = channel
	linked := c.peer != nil
	c.mu.Unlock()

	if linked {
		channel.setState(ChannelOpen)
	}
	return channel, nil
}

// negotiated reports whether both descriptions are set.
func (c *loopConn) negotiated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.local != nil && c.remote != nil
}

// tryLink connects c with its counterpart once both ends have negotiated.
func (c *loopConn) tryLink() {
	other := c.hub.counterpart(c)
	if other == nil || !c.negotiated() || !other.negotiated() {
		return
	}

	c.mu.Lock()
	if c.peer != nil {
		c.mu.Unlock()
		return
	}
	c.peer = other
	c.mu.Unlock()

	other.mu.Lock()
	other.peer = c
	other.mu.Unlock()

	for _, conn := range []*loopConn{c, other} {
		conn.setConnectivity(models.ConnectivityChecking)
		conn.setConnectivity(models.ConnectivityConnected)
		if channel := conn.dataChannel(); channel != nil {
			channel.setState(ChannelOpen)
		}
	}
}

func (c *loopConn) dataChannel() *loopChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *loopConn) linkedPeer() *loopConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *loopConn) setConnectivity(state models.ConnectivityState) {
	c.mu.Lock()
	if c.connectivity == state || c.connectivity == models.ConnectivityClosed {
		c.mu.Unlock()
		return
	}
	c.connectivity = state
	c.mu.Unlock()

	if c.events.OnConnectivityChange != nil {
		c.events.OnConnectivityChange(state)
	}
}

func (c *loopConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channel := c.channel
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	c.hub.unregister(c)
	if channel != nil {
		channel.Close()
	}
	if peer != nil {
		peer.remoteClosed(c)
	}
	c.setConnectivity(models.ConnectivityClosed)
	return nil
}

// remoteClosed is invoked on the surviving end when its counterpart closes.
func (c *loopConn) remoteClosed(other *loopConn) {
	c.mu.Lock()
	if c.peer != other {
		c.mu.Unlock()
		return
	}
	c.peer = nil
	channel := c.channel
	c.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	c.setConnectivity(models.ConnectivityDisconnected)
}

// loopChannel delivers inbound messages from its own goroutine, in order.
type loopChannel struct {
	conn   *loopConn
	label  string
	events ChannelEvents

	mu    sync.Mutex
	state ChannelState

	inbox chan []byte
	done  chan struct{}
}

func newLoopChannel(conn *loopConn, label string, events ChannelEvents) *loopChannel {
	channel := &loopChannel{
		conn:   conn,
		label:  label,
		events: events,
		inbox:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go channel.dispatch()
	return channel
}

func (ch *loopChannel) dispatch() {
	for {
		select {
		case <-ch.done:
			return
		case data := <-ch.inbox:
			if ch.events.OnMessage != nil {
				ch.events.OnMessage(data)
			}
		}
	}
}

func (ch *loopChannel) Label() string {
	return ch.label
}

func (ch *loopChannel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *loopChannel) setState(state ChannelState) {
	ch.mu.Lock()
	if ch.state == state || ch.state == ChannelClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = state
	if state == ChannelClosed {
		close(ch.done)
	}
	ch.mu.Unlock()

	if ch.events.OnStateChange != nil {
		ch.events.OnStateChange(state)
	}
}

func (ch *loopChannel) Send(data []byte) error {
	if ch.State() != ChannelOpen {
		return ErrChannelNotOpen
	}
	peer := ch.conn.linkedPeer()
	if peer == nil {
		return ErrChannelNotOpen
	}
	target := peer.dataChannel()
	if target == nil || target.State() != ChannelOpen {
		return fmt.Errorf("peer %s has no open data channel", ch.conn.remoteID)
	}

	payload := append([]byte(nil), data...)
	select {
	case target.inbox <- payload:
		return nil
	case <-target.done:
		return ErrChannelNotOpen
	}
}

func (ch *loopChannel) Close() error {
	ch.setState(ChannelClosed)
	return nil
}
