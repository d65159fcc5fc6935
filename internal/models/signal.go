package models

import (
	"fmt"
	"strings"
	"time"
)

// SignalType identifies the kind of signaling record exchanged through the relay.
type SignalType string

const (
	SignalTypeInit      SignalType = "initial"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeBye       SignalType = "bye"
)

// ParseSignalType normalizes a raw type string read from the relay. Matching is
// case-insensitive and accepts "init" as an alias of "initial".
func ParseSignalType(raw string) (SignalType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initial", "init":
		return SignalTypeInit, nil
	case "offer":
		return SignalTypeOffer, nil
	case "answer":
		return SignalTypeAnswer, nil
	case "candidate":
		return SignalTypeCandidate, nil
	case "bye":
		return SignalTypeBye, nil
	}
	return "", fmt.Errorf("unknown signal type %q", raw)
}

// FinalStatus is the status a successfully handled record of this type is
// left in. Offer, answer and candidate records stay in processing because the
// handshake continues after them.
func (t SignalType) FinalStatus() SignalStatus {
	switch t {
	case SignalTypeInit, SignalTypeBye:
		return SignalStatusCompleted
	default:
		return SignalStatusProcessing
	}
}

// SignalStatus is the processing status of a relay record.
type SignalStatus string

const (
	SignalStatusPending    SignalStatus = "pending"
	SignalStatusProcessing SignalStatus = "processing"
	SignalStatusCompleted  SignalStatus = "completed"
	SignalStatusFailed     SignalStatus = "failed"
)

// ParseSignalStatus validates a status string read from the relay.
func ParseSignalStatus(raw string) (SignalStatus, error) {
	switch status := SignalStatus(strings.ToLower(raw)); status {
	case SignalStatusPending, SignalStatusProcessing, SignalStatusCompleted, SignalStatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("unknown signal status %q", raw)
}

// Terminal reports whether the status is completed or failed.
func (s SignalStatus) Terminal() bool {
	return s == SignalStatusCompleted || s == SignalStatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotonic: nothing returns to pending and terminal records never move.
func (s SignalStatus) CanTransitionTo(next SignalStatus) bool {
	switch s {
	case SignalStatusPending:
		return next != SignalStatusPending
	case SignalStatusProcessing:
		return next == SignalStatusProcessing || next.Terminal()
	default:
		return false
	}
}

// SignalRecord is a single signaling message stored in the relay under
// signals/{ReceiverID}/{pushId}.
type SignalRecord struct {
	Type        SignalType
	Payload     string
	SenderID    string
	ReceiverID  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      SignalStatus
	Processed   bool
	ProcessedAt time.Time
}

// Actionable reports whether the record still awaits processing.
func (r SignalRecord) Actionable() bool {
	return r.Status == SignalStatusPending
}

// Expired reports whether the record's expiry lies before now.
func (r SignalRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}
