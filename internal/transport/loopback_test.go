package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/bubble-mesh/internal/models"
)

type endpoint struct {
	mu           sync.Mutex
	connectivity []models.ConnectivityState
	candidates   []models.Candidate
	channel      []ChannelState
	messages     chan []byte
}

func newEndpoint() *endpoint {
	return &endpoint{messages: make(chan []byte, 16)}
}

func (e *endpoint) events() Events {
	return Events{
		OnCandidate: func(c models.Candidate) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.candidates = append(e.candidates, c)
		},
		OnConnectivityChange: func(s models.ConnectivityState) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.connectivity = append(e.connectivity, s)
		},
	}
}

func (e *endpoint) channelEvents() ChannelEvents {
	return ChannelEvents{
		OnStateChange: func(s ChannelState) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.channel = append(e.channel, s)
		},
		OnMessage: func(data []byte) { e.messages <- data },
	}
}

func (e *endpoint) lastConnectivity() models.ConnectivityState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.connectivity) == 0 {
		return models.ConnectivityNew
	}
	return e.connectivity[len(e.connectivity)-1]
}

func negotiate(t *testing.T, offerer, answerer Connection) {
	t.Helper()
	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))

	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))

	require.NoError(t, offerer.SetRemoteDescription(answer))
}

func TestLoopback_Handshake(t *testing.T) {
	hub := NewHub()
	a, b := newEndpoint(), newEndpoint()

	connA, err := hub.Factory("A").NewConnection("B", a.events())
	require.NoError(t, err)
	connB, err := hub.Factory("B").NewConnection("A", b.events())
	require.NoError(t, err)

	chA, err := connA.CreateDataChannel(ChannelLabel("B"), a.channelEvents())
	require.NoError(t, err)
	chB, err := connB.CreateDataChannel(ChannelLabel("A"), b.channelEvents())
	require.NoError(t, err)
	assert.Equal(t, ChannelConnecting, chA.State())
	assert.ErrorIs(t, chA.Send([]byte("early")), ErrChannelNotOpen)

	negotiate(t, connA, connB)

	assert.Equal(t, ChannelOpen, chA.State())
	assert.Equal(t, ChannelOpen, chB.State())
	assert.Equal(t, models.ConnectivityConnected, a.lastConnectivity())
	assert.Equal(t, models.ConnectivityConnected, b.lastConnectivity())
	assert.Len(t, a.candidates, 1)
	assert.Equal(t, "data-B", chA.Label())

	require.NoError(t, chA.Send([]byte("hi")))
	select {
	case data := <-b.messages:
		assert.Equal(t, "hi", string(data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLoopback_AnswerRequiresOffer(t *testing.T) {
	hub := NewHub()
	conn, err := hub.Factory("B").NewConnection("A", Events{})
	require.NoError(t, err)

	_, err = conn.CreateAnswer()
	assert.Error(t, err)
	assert.Error(t, conn.SetRemoteDescription(SessionDescription{Type: SDPTypeOffer, SDP: "garbage"}))
}

func TestLoopback_CloseDisconnectsPeer(t *testing.T) {
	hub := NewHub()
	a, b := newEndpoint(), newEndpoint()
	connA, _ := hub.Factory("A").NewConnection("B", a.events())
	connB, _ := hub.Factory("B").NewConnection("A", b.events())
	chA, _ := connA.CreateDataChannel("data-B", a.channelEvents())
	chB, _ := connB.CreateDataChannel("data-A", b.channelEvents())
	negotiate(t, connA, connB)

	require.NoError(t, connA.Close())
	require.NoError(t, connA.Close())

	assert.Equal(t, ChannelClosed, chA.State())
	assert.Equal(t, ChannelClosed, chB.State())
	assert.Equal(t, models.ConnectivityClosed, a.lastConnectivity())
	assert.Equal(t, models.ConnectivityDisconnected, b.lastConnectivity())
	assert.False(t, hub.Open("A", "B"))
	assert.True(t, hub.Open("B", "A"))
}

func TestLoopback_FailOn(t *testing.T) {
	hub := NewHub()
	factory := hub.Factory("A")
	boom := errors.New("boom")
	factory.FailOn(OpCreateOffer, boom)

	conn, err := factory.NewConnection("B", Events{})
	require.NoError(t, err)
	_, err = conn.CreateOffer()
	assert.ErrorIs(t, err, boom)

	factory.FailOn(OpCreateOffer, nil)
	_, err = conn.CreateOffer()
	assert.NoError(t, err)
}

func TestLoopback_Candidates(t *testing.T) {
	hub := NewHub()
	conn, _ := hub.Factory("B").NewConnection("A", Events{})
	candidate := models.Candidate{SDP: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: "0"}

	require.NoError(t, conn.AddCandidate(candidate))
	assert.Equal(t, []models.Candidate{candidate}, hub.Candidates("B", "A"))
}
