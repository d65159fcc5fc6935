package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."

	// chunkTXTPrefix marks TXT entries that carry a base64 chunk frame.
	chunkTXTPrefix = "c="

	// maxTXTString is the longest character-string a DNS TXT record holds.
	maxTXTString = 255

	// MaxMDNSChunkSize is the largest chunk size whose frame, base64 encoded
	// behind chunkTXTPrefix, still fits in one TXT string.
	MaxMDNSChunkSize = (maxTXTString - len(chunkTXTPrefix)) / 4 * 3

	defaultBrowseInterval = 30 * time.Second
	defaultBrowseTimeout  = 5 * time.Second
)

// MDNSConfig configures mDNS discovery.
type MDNSConfig struct {
	Service        string
	Port           int
	ChunkSize      int
	BrowseInterval time.Duration
	BrowseTimeout  time.Duration
}

var _ Capability = (*MDNS)(nil)

// MDNS advertises the local identifier as chunk frames in TXT records and
// browses for other devices doing the same.
type MDNS struct {
	config MDNSConfig
	logger *logrus.Logger

	mu       sync.Mutex
	running  bool
	instance string
	server   *zeroconf.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	events   chan Event
}

func NewMDNS(config MDNSConfig, logger *logrus.Logger) *MDNS {
	if config.BrowseInterval <= 0 {
		config.BrowseInterval = defaultBrowseInterval
	}
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = defaultBrowseTimeout
	}
	return &MDNS{config: config, logger: logger}
}

func (m *MDNS) Start(ctx context.Context, localID string) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil, fmt.Errorf("mDNS discovery already running")
	}

	txt, err := chunkRecords(localID, m.config.ChunkSize)
	if err != nil {
		return nil, err
	}
	instance := instanceName(localID)

	server, err := zeroconf.Register(instance, m.config.Service, MDNSDomain, m.config.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.instance = instance
	m.server = server
	m.cancel = cancel
	m.events = make(chan Event, 64)

	m.logger.WithFields(logrus.Fields{
		"instance": instance,
		"service":  m.config.Service,
		"chunks":   len(txt),
	}).Info("mDNS discovery started")

	m.wg.Add(1)
	go m.browseLoop(browseCtx, m.events)
	return m.events, nil
}

func (m *MDNS) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	server := m.server
	events := m.events
	m.server = nil
	m.mu.Unlock()

	server.Shutdown()
	m.wg.Wait()
	close(events)
	m.logger.Info("mDNS discovery stopped")
	return nil
}

func (m *MDNS) browseLoop(ctx context.Context, events chan<- Event) {
	defer m.wg.Done()

	m.browse(ctx, events)
	ticker := time.NewTicker(m.config.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.browse(ctx, events)
		}
	}
}

// browse performs a single mDNS browse.
func (m *MDNS) browse(ctx context.Context, events chan<- Event) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		m.logger.WithError(err).Debug("Failed to create mDNS resolver")
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, m.config.BrowseTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			m.handleEntry(ctx, entry, events)
		}
	}()

	if err := resolver.Browse(browseCtx, m.config.Service, MDNSDomain, entries); err != nil {
		m.logger.WithError(err).Debug("mDNS browse error")
	}
	<-browseCtx.Done()
	<-done
}

func (m *MDNS) handleEntry(ctx context.Context, entry *zeroconf.ServiceEntry, events chan<- Event) {
	m.mu.Lock()
	own := entry.Instance == m.instance
	m.mu.Unlock()
	if own {
		return
	}

	frames, err := parseChunkRecords(entry.Text)
	if err != nil {
		m.logger.WithField("instance", entry.Instance).WithError(err).Debug("Ignoring mDNS entry")
		return
	}
	for _, frame := range frames {
		select {
		case events <- Event{Kind: EventChunk, Address: entry.Instance, Data: frame}:
		case <-ctx.Done():
			return
		}
	}
}

// chunkRecords encodes id as TXT entries, one per chunk frame.
func chunkRecords(id string, chunkSize int) ([]string, error) {
	if chunkSize > MaxMDNSChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds mDNS limit %d", chunkSize, MaxMDNSChunkSize)
	}
	frames, err := EncodeChunks(id, chunkSize)
	if err != nil {
		return nil, err
	}
	txt := make([]string, 0, len(frames))
	for _, frame := range frames {
		txt = append(txt, chunkTXTPrefix+base64.StdEncoding.EncodeToString(frame))
	}
	return txt, nil
}

// parseChunkRecords extracts chunk frames from TXT entries in order.
func parseChunkRecords(txt []string) ([][]byte, error) {
	var frames [][]byte
	for _, record := range txt {
		encoded, ok := strings.CutPrefix(record, chunkTXTPrefix)
		if !ok {
			continue
		}
		frame, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding chunk record: %w", err)
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no chunk records")
	}
	return frames, nil
}

// instanceName derives a short DNS-safe instance label from id.
func instanceName(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "bubble-" + hex.EncodeToString(sum[:8])
}
