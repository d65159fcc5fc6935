package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/bubble-mesh/internal/models"
)

// Compile-time interface check.
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-process relay for tests and single-process meshes.
// Several nodes sharing one MemoryBackend can signal each other without any
// external store.
type MemoryBackend struct {
	mu            sync.Mutex
	records       map[string]models.SignalRecord
	order         []string
	subscriptions map[*memorySubscription]struct{}
	clock         func() time.Time
}

// NewMemoryBackend creates an empty relay using the wall clock.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:       make(map[string]models.SignalRecord),
		subscriptions: make(map[*memorySubscription]struct{}),
		clock:         time.Now,
	}
}

// SetClock replaces the backend clock.
func (b *MemoryBackend) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

func (b *MemoryBackend) Push(_ context.Context, record models.SignalRecord, ttl time.Duration) (string, error) {
	pushID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating push id: %w", err)
	}
	id := RecordPath(record.ReceiverID, pushID.String())

	b.mu.Lock()
	defer b.mu.Unlock()

	record.CreatedAt = b.clock()
	record.ExpiresAt = record.CreatedAt.Add(ttl)
	if record.Status == "" {
		record.Status = models.SignalStatusPending
	}
	b.records[id] = record
	b.order = append(b.order, id)

	for sub := range b.subscriptions {
		if sub.matches(record) {
			sub.enqueue(Entry{ID: id, Record: record})
		}
	}
	return id, nil
}

// Put stores a record verbatim under id, keeping the timestamps it carries.
// Subscribers are notified as for Push.
func (b *MemoryBackend) Put(id string, record models.SignalRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.records[id]; !exists {
		b.order = append(b.order, id)
	}
	b.records[id] = record
	for sub := range b.subscriptions {
		if sub.matches(record) {
			sub.enqueue(Entry{ID: id, Record: record})
		}
	}
}

func (b *MemoryBackend) SubscribeAdded(_ context.Context, receiverID string, status models.SignalStatus, handler Handler) (Subscription, error) {
	sub := &memorySubscription{
		backend:    b,
		receiverID: receiverID,
		status:     status,
		handler:    handler,
		seen:       make(map[string]struct{}),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	for _, id := range b.order {
		if record := b.records[id]; sub.matches(record) {
			sub.enqueue(Entry{ID: id, Record: record})
		}
	}
	b.subscriptions[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

func (b *MemoryBackend) UpdateStatus(_ context.Context, id string, status models.SignalStatus, processedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	record.Status = status
	record.Processed = true
	record.ProcessedAt = processedAt
	b.records[id] = record
	return nil
}

func (b *MemoryBackend) QueryByStatus(_ context.Context, status models.SignalStatus) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Entry
	for _, id := range b.order {
		if record := b.records[id]; record.Status == status {
			entries = append(entries, Entry{ID: id, Record: record})
		}
	}
	return entries, nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.records[id]; !ok {
		return nil
	}
	delete(b.records, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *MemoryBackend) Now(_ context.Context) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock(), nil
}

// Get returns the record stored under id.
func (b *MemoryBackend) Get(id string) (models.SignalRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[id]
	return record, ok
}

// Inbox lists a device's records in insertion order.
func (b *MemoryBackend) Inbox(receiverID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Entry
	for _, id := range b.order {
		if record := b.records[id]; record.ReceiverID == receiverID {
			entries = append(entries, Entry{ID: id, Record: record})
		}
	}
	return entries
}

func (b *MemoryBackend) unsubscribe(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, sub)
}

// memorySubscription queues matching entries and hands them to the handler
// from its own goroutine, in arrival order.
type memorySubscription struct {
	backend    *MemoryBackend
	receiverID string
	status     models.SignalStatus
	handler    Handler

	mu      sync.Mutex
	pending []Entry
	seen    map[string]struct{}

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) matches(record models.SignalRecord) bool {
	return record.ReceiverID == s.receiverID && record.Status == s.status
}

func (s *memorySubscription) enqueue(entry Entry) {
	s.mu.Lock()
	if _, dup := s.seen[entry.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[entry.ID] = struct{}{}
	s.pending = append(s.pending, entry)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			entry := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(entry.ID, entry.Record)
		}
	}
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.backend.unsubscribe(s)
		close(s.done)
	})
	return nil
}
