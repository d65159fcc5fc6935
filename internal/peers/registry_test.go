package peers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/transport"
)

type stubChannel struct {
	state transport.ChannelState
}

func (c *stubChannel) Label() string { return "data-stub" }
func (c *stubChannel) State() transport.ChannelState { return c.state }
func (c *stubChannel) Send([]byte) error { return nil }
func (c *stubChannel) Close() error { c.state = transport.ChannelClosed; return nil }

type stubConnection struct {
	transport.Connection
	name string
}

func TestRegistry_CreateIsIdempotent(t *testing.T) {
	registry := NewRegistry()

	assert.True(t, registry.Create(Session{DeviceID: "B", Phase: models.PhaseInitiating}))
	assert.False(t, registry.Create(Session{DeviceID: "B", Phase: models.PhaseAnswerPending}))

	session, ok := registry.Get("B")
	require.True(t, ok)
	assert.Equal(t, models.PhaseInitiating, session.Phase)
	assert.False(t, session.CreatedAt.IsZero())
	assert.Equal(t, 1, registry.Len())
}

func TestRegistry_UpsertMissingIsNoop(t *testing.T) {
	registry := NewRegistry()

	called := false
	assert.False(t, registry.Upsert("ghost", func(*Session) { called = true }))
	assert.False(t, called)
	_, ok := registry.Get("ghost")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentUpserts(t *testing.T) {
	registry := NewRegistry()
	require.True(t, registry.Create(Session{DeviceID: "B"}))

	channel := &stubChannel{state: transport.ChannelOpen}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		registry.Upsert("B", func(s *Session) {
			s.Connectivity = models.ConnectivityConnected
			s.Promote()
		})
	}()
	go func() {
		defer wg.Done()
		registry.Upsert("B", func(s *Session) {
			s.Channel = channel
			s.Promote()
		})
	}()
	wg.Wait()

	session, _ := registry.Get("B")
	assert.Equal(t, models.ConnectivityConnected, session.Connectivity)
	assert.Equal(t, channel, session.Channel)
	assert.True(t, session.Usable())
	assert.Equal(t, models.PhaseEstablished, session.Phase)
}

func TestRegistry_RemoveIf(t *testing.T) {
	registry := NewRegistry()
	current := &stubConnection{name: "current"}
	stale := &stubConnection{name: "stale"}
	require.True(t, registry.Create(Session{DeviceID: "B", Connection: current}))

	_, removed := registry.RemoveIf("B", stale)
	assert.False(t, removed)

	session, removed := registry.RemoveIf("B", current)
	assert.True(t, removed)
	assert.Same(t, current, session.Connection)

	_, removed = registry.Remove("B")
	assert.False(t, removed)
}

func TestRegistry_Subscribe(t *testing.T) {
	registry := NewRegistry()
	updates, cancel := registry.Subscribe()
	defer cancel()

	initial := <-updates
	assert.Empty(t, initial)

	require.True(t, registry.Create(Session{DeviceID: "B"}))
	require.True(t, registry.Create(Session{DeviceID: "A"}))

	// Conflated: the latest snapshot carries both sessions.
	select {
	case snapshot := <-updates:
		assert.Len(t, snapshot, 2)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	assert.Equal(t, []string{"A", "B"}, registry.IDs())
	assert.Len(t, registry.Snapshot(), 2)
}

func TestSession_View(t *testing.T) {
	session := Session{DeviceID: "B", Connectivity: models.ConnectivityChecking, Phase: models.PhaseOfferSent}
	view := session.View()
	assert.Equal(t, "none", view.Channel)
	assert.False(t, view.Usable)

	session.Channel = &stubChannel{state: transport.ChannelOpen}
	session.Connectivity = models.ConnectivityCompleted
	assert.True(t, session.View().Usable)
	assert.Equal(t, "open", session.View().Channel)
}

func TestSnapshot_ViewsSorted(t *testing.T) {
	snapshot := Snapshot{
		"C": {DeviceID: "C"},
		"A": {DeviceID: "A"},
		"B": {DeviceID: "B"},
	}
	views := snapshot.Views()
	require.Len(t, views, 3)
	assert.Equal(t, "A", views[0].DeviceID)
	assert.Equal(t, "C", views[2].DeviceID)
	assert.Empty(t, Snapshot{}.Views())
}
