package discovery

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// EventKind tells identifier events from raw chunk events.
type EventKind int

const (
	// EventIdentifier carries a complete identifier.
	EventIdentifier EventKind = iota
	// EventChunk carries one raw chunk frame.
	EventChunk
)

// Event is something the discovery capability observed.
type Event struct {
	Kind       EventKind
	Address    string
	Identifier string
	Data       []byte
}

// Capability advertises the local identifier and reports what it finds.
type Capability interface {
	// Start begins advertising localID and scanning. The returned channel is
	// closed after Stop.
	Start(ctx context.Context, localID string) (<-chan Event, error)
	Stop() error
}

// Connector is the entry point discovered identifiers are fed into.
type Connector interface {
	ConnectTo(ctx context.Context, remoteID string) error
}

// Bridge feeds discovered identifiers into a Connector.
type Bridge struct {
	localID     string
	connector   Connector
	reassembler *Reassembler
	logger      *logrus.Logger
}

func NewBridge(localID string, connector Connector, logger *logrus.Logger) *Bridge {
	return &Bridge{
		localID:     localID,
		connector:   connector,
		reassembler: NewReassembler(logger),
		logger:      logger,
	}
}

// Run handles events until ctx is done or events is closed.
func (b *Bridge) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			b.Handle(ctx, event)
		}
	}
}

// Handle processes a single event.
func (b *Bridge) Handle(ctx context.Context, event Event) {
	switch event.Kind {
	case EventIdentifier:
		b.connect(ctx, event.Identifier)
	case EventChunk:
		if id, ok := b.reassembler.Add(event.Address, event.Data); ok {
			b.connect(ctx, id)
		}
	default:
		b.logger.WithField("kind", event.Kind).Warn("Ignoring unknown discovery event")
	}
}

func (b *Bridge) connect(ctx context.Context, id string) {
	id = strings.TrimSpace(id)
	if id == "" || id == b.localID {
		return
	}
	logger := b.logger.WithField("peer", id)
	logger.Debug("Discovered peer")
	if err := b.connector.ConnectTo(ctx, id); err != nil {
		logger.WithError(err).Warn("Failed to connect to discovered peer")
	}
}
