package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// Message is one chat payload exchanged over a data channel.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	Timestamp  time.Time `json:"timestamp"`
	RelayedVia []string  `json:"relayedVia"`
}

// wireMessage is the data channel encoding. Timestamps travel as fractional
// seconds since the epoch.
type wireMessage struct {
	ID          string          `json:"id"`
	Content     string          `json:"content"`
	SenderID    string          `json:"senderId"`
	Timestamp   json.RawMessage `json:"timestamp"`
	ForwardedBy []string        `json:"forwardedBy"`
}

// Forwarded returns a copy of m with localID appended to RelayedVia. If
// localID is already present the copy is returned unchanged.
func (m Message) Forwarded(localID string) Message {
	forwarded := m
	forwarded.RelayedVia = slices.Clone(m.RelayedVia)
	if !slices.Contains(forwarded.RelayedVia, localID) {
		forwarded.RelayedVia = append(forwarded.RelayedVia, localID)
	}
	return forwarded
}

// RelayedBy reports whether id already forwarded this message.
func (m Message) RelayedBy(id string) bool {
	return slices.Contains(m.RelayedVia, id)
}

// EncodeMessage serializes m for transmission over a data channel.
func EncodeMessage(m Message) ([]byte, error) {
	seconds := float64(m.Timestamp.UnixMilli()) / 1000
	forwardedBy := m.RelayedVia
	if forwardedBy == nil {
		forwardedBy = []string{}
	}
	timestamp, err := json.Marshal(seconds)
	if err != nil {
		return nil, fmt.Errorf("encoding timestamp: %w", err)
	}
	return json.Marshal(wireMessage{
		ID:          m.ID,
		Content:     m.Content,
		SenderID:    m.SenderID,
		Timestamp:   timestamp,
		ForwardedBy: forwardedBy,
	})
}

// DecodeMessage parses bytes received from a data channel. A timestamp that is
// missing or not a number decodes as the zero time.
func DecodeMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if wire.ID == "" {
		return Message{}, errors.New("message has no id")
	}
	if wire.SenderID == "" {
		return Message{}, errors.New("message has no senderId")
	}

	message := Message{
		ID:         wire.ID,
		Content:    wire.Content,
		SenderID:   wire.SenderID,
		RelayedVia: dedupe(wire.ForwardedBy),
	}
	var seconds float64
	if len(wire.Timestamp) > 0 && json.Unmarshal(wire.Timestamp, &seconds) == nil {
		message.Timestamp = time.UnixMilli(int64(math.Round(seconds * 1000)))
	}
	return message, nil
}

// dedupe keeps the first occurrence of each id, preserving order.
func dedupe(ids []string) []string {
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(result, id) {
			result = append(result, id)
		}
	}
	return result
}
