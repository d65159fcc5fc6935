// Package peers holds the live peer sessions of the local device.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/observable"
	"github.com/mossy-p/bubble-mesh/internal/transport"
)

// Session is the state of the link to one remote device.
type Session struct {
	DeviceID     string
	Connection   transport.Connection
	Channel      transport.DataChannel
	Connectivity models.ConnectivityState
	Phase        models.SessionPhase
	Initiator    bool
	CreatedAt    time.Time
}

// Usable reports whether messages can be sent to the peer.
func (s Session) Usable() bool {
	return s.Channel != nil && s.Channel.State() == transport.ChannelOpen && s.Connectivity.Live()
}

// Promote moves the session to Established once it is usable.
func (s *Session) Promote() {
	if s.Phase != models.PhaseClosed && s.Usable() {
		s.Phase = models.PhaseEstablished
	}
}

// View is the serializable form of a session.
type View struct {
	DeviceID     string                   `json:"deviceId"`
	Connectivity models.ConnectivityState `json:"connectivity"`
	Phase        models.SessionPhase      `json:"phase"`
	Channel      string                   `json:"channel"`
	Initiator    bool                     `json:"initiator"`
	Usable       bool                     `json:"usable"`
	CreatedAt    time.Time                `json:"createdAt"`
}

func (s Session) View() View {
	channel := "none"
	if s.Channel != nil {
		channel = s.Channel.State().String()
	}
	return View{
		DeviceID:     s.DeviceID,
		Connectivity: s.Connectivity,
		Phase:        s.Phase,
		Channel:      channel,
		Initiator:    s.Initiator,
		Usable:       s.Usable(),
		CreatedAt:    s.CreatedAt,
	}
}

// Snapshot is a point-in-time copy of every session, keyed by device id.
type Snapshot map[string]Session

// Views returns the serializable sessions ordered by device id.
func (s Snapshot) Views() []View {
	views := make([]View, 0, len(s))
	for _, session := range s {
		views = append(views, session.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].DeviceID < views[j].DeviceID })
	return views
}

// Registry maps device ids to sessions. Every mutation is applied under one
// lock and published as a fresh Snapshot.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	state    *observable.Value[Snapshot]
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		state:    observable.New(Snapshot{}),
	}
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// Create inserts session unless one already exists for its device id.
func (r *Registry) Create(session Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.DeviceID]; exists {
		return false
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	r.sessions[session.DeviceID] = &session
	r.publishLocked()
	return true
}

// Upsert applies mutate to the session of id atomically. Missing sessions are
// left missing and false is returned.
func (r *Registry) Upsert(id string, mutate func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return false
	}
	updated := *session
	mutate(&updated)
	updated.DeviceID = id
	r.sessions[id] = &updated
	r.publishLocked()
	return true
}

// Remove deletes the session of id and hands it to the caller, who becomes
// responsible for disposing its connection.
func (r *Registry) Remove(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// RemoveIf deletes the session of id only while it still owns conn.
func (r *Registry) RemoveIf(id string, conn transport.Connection) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok || session.Connection != conn {
		return Session{}, false
	}
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) (Session, bool) {
	session, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	r.publishLocked()
	return *session, true
}

// IDs returns the registered device ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the latest published snapshot.
func (r *Registry) Snapshot() Snapshot {
	return r.state.Load()
}

// Subscribe streams the current snapshot and every later one.
func (r *Registry) Subscribe() (<-chan Snapshot, func()) {
	return r.state.Subscribe()
}

func (r *Registry) publishLocked() {
	snapshot := make(Snapshot, len(r.sessions))
	for id, session := range r.sessions {
		snapshot[id] = *session
	}
	r.state.Store(snapshot)
}
