package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/bubble-mesh/internal/models"
)

var _ Factory = (*PionFactory)(nil)

// dataChannelID is the stream id of the pre-negotiated data channel.
const dataChannelID uint16 = 0

// PionFactory creates WebRTC peer connections with pion.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *logrus.Logger
}

// NewPionFactory configures the ICE servers used by every connection.
func NewPionFactory(iceServers []string, logger *logrus.Logger) *PionFactory {
	// Loopback candidates allow peers on the same machine to connect.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: config,
		logger: logger,
	}
}

func (f *PionFactory) NewConnection(remoteID string, events Events) (Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	conn := &pionConnection{pc: pc, remoteID: remoteID, logger: f.logger}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if candidate == nil || events.OnCandidate == nil {
			return
		}
		events.OnCandidate(fromICECandidateInit(candidate.ToJSON()))
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		f.logger.WithFields(logrus.Fields{"peer": remoteID, "state": state.String()}).Debug("ICE state change")
		if events.OnConnectivityChange != nil {
			events.OnConnectivityChange(connectivityFromICE(state))
		}
	})

	return conn, nil
}

type pionConnection struct {
	pc       *webrtc.PeerConnection
	remoteID string
	logger   *logrus.Logger

	mu                sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
}

func (c *pionConnection) CreateOffer() (SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("creating SDP offer: %w", err)
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: offer.SDP}, nil
}

func (c *pionConnection) CreateAnswer() (SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("creating SDP answer: %w", err)
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (c *pionConnection) SetLocalDescription(desc SessionDescription) error {
	if err := c.pc.SetLocalDescription(toPionDescription(desc)); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return nil
}

func (c *pionConnection) SetRemoteDescription(desc SessionDescription) error {
	if err := c.pc.SetRemoteDescription(toPionDescription(desc)); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	c.mu.Lock()
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.logger.WithField("peer", c.remoteID).WithError(err).Warn("Failed to add buffered candidate")
		}
	}
	return nil
}

func (c *pionConnection) AddCandidate(candidate models.Candidate) error {
	init := toICECandidateInit(candidate)

	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pendingCandidates = append(c.pendingCandidates, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding candidate: %w", err)
	}
	return nil
}

func (c *pionConnection) CreateDataChannel(label string, events ChannelEvents) (DataChannel, error) {
	ordered := true
	negotiated := true
	id := dataChannelID
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	notify := func(state ChannelState) {
		if events.OnStateChange != nil {
			events.OnStateChange(state)
		}
	}
	dc.OnOpen(func() { notify(ChannelOpen) })
	dc.OnClose(func() { notify(ChannelClosed) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if events.OnMessage != nil {
			events.OnMessage(msg.Data)
		}
	})

	return &pionChannel{dc: dc}, nil
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (ch *pionChannel) Label() string {
	return ch.dc.Label()
}

func (ch *pionChannel) State() ChannelState {
	switch ch.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing:
		return ChannelClosing
	case webrtc.DataChannelStateClosed:
		return ChannelClosed
	default:
		return ChannelConnecting
	}
}

func (ch *pionChannel) Send(data []byte) error {
	if ch.State() != ChannelOpen {
		return ErrChannelNotOpen
	}
	return ch.dc.Send(data)
}

func (ch *pionChannel) Close() error {
	return ch.dc.Close()
}

func toPionDescription(desc SessionDescription) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == SDPTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}
}

func toICECandidateInit(candidate models.Candidate) webrtc.ICECandidateInit {
	mid := candidate.SDPMid
	if mid == "" {
		mid = "0"
	}
	index := uint16(candidate.SDPMLineIndex)
	return webrtc.ICECandidateInit{
		Candidate:     candidate.SDP,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}

func fromICECandidateInit(init webrtc.ICECandidateInit) models.Candidate {
	candidate := models.Candidate{SDP: init.Candidate, SDPMid: "0"}
	if init.SDPMid != nil && *init.SDPMid != "" {
		candidate.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	return candidate
}

func connectivityFromICE(state webrtc.ICEConnectionState) models.ConnectivityState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return models.ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return models.ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return models.ConnectivityCompleted
	case webrtc.ICEConnectionStateFailed:
		return models.ConnectivityFailed
	case webrtc.ICEConnectionStateDisconnected:
		return models.ConnectivityDisconnected
	case webrtc.ICEConnectionStateClosed:
		return models.ConnectivityClosed
	default:
		return models.ConnectivityNew
	}
}
