// Package relay adapts the shared signaling relay: a multi-tenant key-value
// store with added-record subscriptions where devices leave signaling records
// in each other's inboxes.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/mossy-p/bubble-mesh/internal/models"
)

// RootPath is the top-level path under which every inbox lives.
const RootPath = "signals"

// Entry pairs a record with its id (its full path in the relay).
type Entry struct {
	ID     string
	Record models.SignalRecord
}

// Handler receives records delivered by a subscription.
type Handler func(id string, record models.SignalRecord)

// Subscription is a live added-records listener.
type Subscription interface {
	Close() error
}

// Backend is the relay capability. Implementations assign server timestamps
// on Push and deliver subscription callbacks sequentially from a single
// goroutine per subscription, never from inside the call that caused them.
type Backend interface {
	// Push stores a new record in the receiver's inbox. CreatedAt is set from
	// the backend clock and ExpiresAt to CreatedAt+ttl.
	Push(ctx context.Context, record models.SignalRecord, ttl time.Duration) (string, error)

	// SubscribeAdded delivers every record in receiverID's inbox whose status
	// equals status: the ones present at subscribe time first, then newly
	// added ones. Status changes and removals are not delivered.
	SubscribeAdded(ctx context.Context, receiverID string, status models.SignalStatus, handler Handler) (Subscription, error)

	// UpdateStatus overwrites status and processedAt without checking the
	// current value.
	UpdateStatus(ctx context.Context, id string, status models.SignalStatus, processedAt time.Time) error

	// QueryByStatus returns every record, across all inboxes, in status.
	QueryByStatus(ctx context.Context, status models.SignalStatus) ([]Entry, error)

	Delete(ctx context.Context, id string) error

	// Now reads the backend clock.
	Now(ctx context.Context) (time.Time, error)
}

// InboxPath returns the path of a device's inbox.
func InboxPath(receiverID string) string {
	return RootPath + "/" + receiverID
}

// RecordPath returns the path of a single record.
func RecordPath(receiverID, pushID string) string {
	return InboxPath(receiverID) + "/" + pushID
}

// ReceiverOf extracts the receiver id from a record path.
func ReceiverOf(id string) string {
	rest, ok := strings.CutPrefix(id, RootPath+"/")
	if !ok {
		return ""
	}
	receiver, _, _ := strings.Cut(rest, "/")
	return receiver
}
