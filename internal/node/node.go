// Package node wires the relay store, transport, signaling protocol, mesh
// engine and discovery of one device together.
package node

import (
	"context"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/bubble-mesh/config"
	"github.com/mossy-p/bubble-mesh/internal/discovery"
	apperrors "github.com/mossy-p/bubble-mesh/internal/errors"
	"github.com/mossy-p/bubble-mesh/internal/mesh"
	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/peers"
	"github.com/mossy-p/bubble-mesh/internal/redis"
	"github.com/mossy-p/bubble-mesh/internal/relay"
	"github.com/mossy-p/bubble-mesh/internal/signaling"
	"github.com/mossy-p/bubble-mesh/internal/transport"
)

// Options override the capabilities New would otherwise build from config.
type Options struct {
	// Backend defaults to Redis.
	Backend relay.Backend
	// Factory defaults to pion WebRTC with the configured ICE servers.
	Factory transport.Factory
	// Discovery defaults to mDNS when discovery is enabled.
	Discovery discovery.Capability
}

// Node is one running device.
type Node struct {
	config *config.Config
	logger *logrus.Logger

	backend      relay.Backend
	closeBackend func() error
	store        *relay.Store
	registry     *peers.Registry
	engine       *mesh.Engine
	protocol     *signaling.Protocol
	discovery    discovery.Capability
	bridge       *discovery.Bridge

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a node from cfg. It connects to Redis unless opts supplies a
// backend.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Node.DeviceID == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidConfig, "device id is required")
	}

	n := &Node{config: cfg, logger: logger}

	n.backend = opts.Backend
	if n.backend == nil {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		n.backend = redis.NewBackend(client, logger)
		n.closeBackend = client.Close
		logger.WithField("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Info("Redis connection established")
	}

	factory := opts.Factory
	if factory == nil {
		factory = transport.NewPionFactory(cfg.Node.ICEServers, logger)
	}

	n.store = relay.NewStore(n.backend, cfg.Node.SignalTimeout, logger)
	n.registry = peers.NewRegistry()
	n.engine = mesh.NewEngine(mesh.Config{
		LocalID:      cfg.Node.DeviceID,
		InboundRate:  cfg.Mesh.InboundRate,
		InboundBurst: cfg.Mesh.InboundBurst,
	}, n.registry, logger)
	n.protocol = signaling.NewProtocol(cfg.Node.DeviceID, n.store, factory, n.registry, n.engine, logger)

	n.discovery = opts.Discovery
	if n.discovery == nil && cfg.Discovery.Enabled {
		port, _ := strconv.Atoi(cfg.Port)
		n.discovery = discovery.NewMDNS(discovery.MDNSConfig{
			Service:   cfg.Discovery.Service,
			Port:      port,
			ChunkSize: cfg.Discovery.ChunkSize,
		}, logger)
	}
	if n.discovery != nil {
		n.bridge = discovery.NewBridge(cfg.Node.DeviceID, n.protocol, logger)
	}
	return n, nil
}

// Start subscribes to the inbox, starts the sweeper and begins discovery. A
// discovery failure is logged and the node keeps running without it.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return apperrors.New(apperrors.ErrCodeInternalError, "node is shut down")
	}
	if n.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := n.protocol.Start(runCtx); err != nil {
		cancel()
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.store.RunSweeper(runCtx, n.config.Node.SweepInterval)
	}()

	if n.discovery != nil {
		events, err := n.discovery.Start(runCtx, n.LocalID())
		if err != nil {
			n.logger.WithError(err).Warn("Discovery unavailable")
		} else {
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				n.bridge.Run(runCtx, events)
			}()
		}
	}

	n.cancel = cancel
	n.started = true
	n.logger.WithField("device", n.LocalID()).Info("Node started")
	return nil
}

// Shutdown says goodbye to every peer and releases all resources. A node
// cannot be started again afterwards.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		if n.discovery != nil {
			if err := n.discovery.Stop(); err != nil {
				n.logger.WithError(err).Warn("Failed to stop discovery")
			}
		}
		n.protocol.DisconnectAll(ctx)
		n.protocol.Stop()
		n.store.Stop()
		n.cancel()
		n.wg.Wait()
		n.started = false
	}
	n.stopped = true

	if n.closeBackend != nil {
		closeBackend := n.closeBackend
		n.closeBackend = nil
		if err := closeBackend(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStoreFailure, "close relay backend")
		}
	}
	n.logger.WithField("device", n.LocalID()).Info("Node stopped")
	return nil
}

func (n *Node) LocalID() string {
	return n.protocol.LocalID()
}

func (n *Node) Store() *relay.Store {
	return n.store
}

func (n *Node) Registry() *peers.Registry {
	return n.registry
}

func (n *Node) Engine() *mesh.Engine {
	return n.engine
}

func (n *Node) Protocol() *signaling.Protocol {
	return n.protocol
}

// Peers returns the current sessions.
func (n *Node) Peers() peers.Snapshot {
	return n.registry.Snapshot()
}

func (n *Node) SubscribePeers() (<-chan peers.Snapshot, func()) {
	return n.registry.Subscribe()
}

// Messages returns the current message history.
func (n *Node) Messages() mesh.History {
	return n.engine.History()
}

func (n *Node) SubscribeMessages() (<-chan mesh.History, func()) {
	return n.engine.Subscribe()
}

func (n *Node) ConnectTo(ctx context.Context, remoteID string) error {
	return n.protocol.ConnectTo(ctx, remoteID)
}

func (n *Node) DisconnectFrom(ctx context.Context, remoteID string) {
	n.protocol.DisconnectFrom(ctx, remoteID)
}

func (n *Node) DisconnectAll(ctx context.Context) {
	n.protocol.DisconnectAll(ctx)
}

func (n *Node) Send(content []byte, toID string) (models.Message, error) {
	return n.engine.Send(content, toID)
}

func (n *Node) Broadcast(content []byte) (models.Message, []string) {
	return n.engine.Broadcast(content)
}
