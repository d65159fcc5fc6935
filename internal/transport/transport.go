// Package transport is the peer-to-peer link capability consumed by the
// signaling protocol: connections that exchange SDP descriptions and
// candidates, and data channels that carry message bytes.
package transport

import (
	"errors"
	"fmt"

	"github.com/mossy-p/bubble-mesh/internal/models"
)

// ErrChannelNotOpen is returned by Send on a channel that is not open.
var ErrChannelNotOpen = errors.New("data channel is not open")

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP blob and its role.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ChannelState is the readiness of a data channel.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

var channelStateNames = [...]string{"connecting", "open", "closing", "closed"}

func (s ChannelState) String() string {
	if s < 0 || int(s) >= len(channelStateNames) {
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
	return channelStateNames[s]
}

func (s ChannelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChannelEvents are the callbacks of a data channel. Either may be nil.
// Callbacks may run on transport goroutines and must not block on locks
// held across transport calls.
type ChannelEvents struct {
	OnStateChange func(ChannelState)
	OnMessage     func([]byte)
}

// Events are the callbacks of a connection. Either may be nil. The same
// restrictions as for ChannelEvents apply.
type Events struct {
	// OnCandidate reports a locally gathered candidate to trickle to the peer.
	OnCandidate func(models.Candidate)

	OnConnectivityChange func(models.ConnectivityState)
}

// DataChannel is a bidirectional message channel to one peer.
type DataChannel interface {
	Label() string
	State() ChannelState
	Send(data []byte) error
	Close() error
}

// Connection is one peer link under negotiation or established.
type Connection interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error

	// AddCandidate adds a remote candidate. Candidates that arrive before the
	// remote description are held until it is set.
	AddCandidate(candidate models.Candidate) error

	// CreateDataChannel creates the pre-negotiated data channel. Both ends
	// create it independently.
	CreateDataChannel(label string, events ChannelEvents) (DataChannel, error)

	Close() error
}

// Factory creates connections to remote devices.
type Factory interface {
	NewConnection(remoteID string, events Events) (Connection, error)
}

// ChannelLabel is the label of the data channel towards remoteID.
func ChannelLabel(remoteID string) string {
	return "data-" + remoteID
}
