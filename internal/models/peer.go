package models

import "fmt"

// ConnectivityState mirrors the transport's ICE connection states.
type ConnectivityState int

const (
	ConnectivityNew ConnectivityState = iota
	ConnectivityChecking
	ConnectivityConnected
	ConnectivityCompleted
	ConnectivityFailed
	ConnectivityDisconnected
	ConnectivityClosed
)

var connectivityNames = [...]string{"new", "checking", "connected", "completed", "failed", "disconnected", "closed"}

func (s ConnectivityState) String() string {
	if s < 0 || int(s) >= len(connectivityNames) {
		return fmt.Sprintf("ConnectivityState(%d)", int(s))
	}
	return connectivityNames[s]
}

func (s ConnectivityState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether a path to the peer is currently established.
func (s ConnectivityState) Live() bool {
	return s == ConnectivityConnected || s == ConnectivityCompleted
}

// Terminal reports whether the connection cannot recover on its own.
func (s ConnectivityState) Terminal() bool {
	return s == ConnectivityFailed || s == ConnectivityClosed
}

// SessionPhase is the signaling state of a peer session.
type SessionPhase int

const (
	PhaseIdle SessionPhase = iota
	PhaseInitiating
	PhaseOfferSent
	PhaseAnswerPending
	PhaseNegotiating
	PhaseEstablished
	PhaseClosed
)

var phaseNames = [...]string{"idle", "initiating", "offer_sent", "answer_pending", "negotiating", "established", "closed"}

func (p SessionPhase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("SessionPhase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p SessionPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
