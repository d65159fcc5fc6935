package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/bubble-mesh/config"
	"github.com/mossy-p/bubble-mesh/internal/discovery"
	apperrors "github.com/mossy-p/bubble-mesh/internal/errors"
	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/relay"
	"github.com/mossy-p/bubble-mesh/internal/transport"
)

const waitFor = 3 * time.Second

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type fakeDiscovery struct {
	mu      sync.Mutex
	events  chan discovery.Event
	localID string
	err     error
	stopped bool
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{events: make(chan discovery.Event, 8)}
}

func (f *fakeDiscovery) Start(_ context.Context, localID string) (<-chan discovery.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.localID = localID
	return f.events, nil
}

func (f *fakeDiscovery) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped && f.err == nil {
		f.stopped = true
		close(f.events)
	}
	return nil
}

func testConfig(deviceID string) *config.Config {
	cfg := config.Default()
	cfg.Node.DeviceID = deviceID
	cfg.Discovery.Enabled = false
	return cfg
}

func newTestNode(t *testing.T, id string, backend relay.Backend, hub *transport.Hub, capability discovery.Capability) *Node {
	t.Helper()
	n, err := New(context.Background(), testConfig(id), quietLogger(), Options{
		Backend:   backend,
		Factory:   hub.Factory(id),
		Discovery: capability,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })
	return n
}

func usable(n *Node, peer string) bool {
	session, ok := n.Registry().Get(peer)
	return ok && session.Usable()
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("A")
	cfg.Node.SignalTimeout = 0
	_, err := New(context.Background(), cfg, quietLogger(), Options{Backend: relay.NewMemoryBackend()})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidConfig))

	_, err = New(context.Background(), testConfig(""), quietLogger(), Options{Backend: relay.NewMemoryBackend()})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidConfig))
}

func TestNode_DiscoveryConnectsAndExchangesMessages(t *testing.T) {
	backend := relay.NewMemoryBackend()
	hub := transport.NewHub()
	seen := newFakeDiscovery()

	a := newTestNode(t, "A", backend, hub, seen)
	b := newTestNode(t, "B", backend, hub, nil)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, "A", seen.localID)

	frames, err := discovery.EncodeChunks("B", 4)
	require.NoError(t, err)
	for _, frame := range frames {
		seen.events <- discovery.Event{Kind: discovery.EventChunk, Address: "radio", Data: frame}
	}

	require.Eventually(t, func() bool { return usable(a, "B") && usable(b, "A") }, waitFor, 10*time.Millisecond)

	sent, err := a.Send([]byte("hello"), "B")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.Messages()["A"]) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, sent.ID, b.Messages()["A"][0].ID)

	message, delivered := b.Broadcast([]byte("to all"))
	assert.Equal(t, []string{"A"}, delivered)
	require.Eventually(t, func() bool { return a.Messages().Len() == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, message.ID, a.Messages()["B"][1].ID)

	assert.Len(t, a.Peers().Views(), 1)
}

func TestNode_ShutdownSaysGoodbye(t *testing.T) {
	backend := relay.NewMemoryBackend()
	hub := transport.NewHub()

	a := newTestNode(t, "A", backend, hub, nil)
	b := newTestNode(t, "B", backend, hub, nil)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, a.ConnectTo(context.Background(), "B"))
	require.Eventually(t, func() bool { return usable(a, "B") && usable(b, "A") }, waitFor, 10*time.Millisecond)

	require.NoError(t, a.Shutdown(context.Background()))
	assert.Zero(t, a.Registry().Len())
	require.Eventually(t, func() bool { return b.Registry().Len() == 0 }, waitFor, 10*time.Millisecond)

	var byes int
	for _, entry := range backend.Inbox("B") {
		if entry.Record.Type == models.SignalTypeBye {
			byes++
		}
	}
	assert.Equal(t, 1, byes)

	err := a.Start(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInternalError))
	assert.NoError(t, a.Shutdown(context.Background()))
}

func TestNode_DiscoveryFailureIsNotFatal(t *testing.T) {
	broken := newFakeDiscovery()
	broken.err = errors.New("no multicast")

	n := newTestNode(t, "A", relay.NewMemoryBackend(), transport.NewHub(), broken)
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Start(context.Background()), "second start is a no-op")
	assert.Equal(t, "A", n.LocalID())
}

func TestNode_ConnectToSelfRejected(t *testing.T) {
	n := newTestNode(t, "A", relay.NewMemoryBackend(), transport.NewHub(), nil)
	require.NoError(t, n.Start(context.Background()))

	err := n.ConnectTo(context.Background(), "A")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))

	_, err = n.Send([]byte("x"), "nobody")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotConnected))
}
