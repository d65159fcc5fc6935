package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Candidate is a connectivity candidate carried in the data field of a
// candidate record.
type Candidate struct {
	SDP           string `json:"sdp"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Encode renders the candidate payload. A missing mid is written as "0".
func (c Candidate) Encode() (string, error) {
	if c.SDPMid == "" {
		c.SDPMid = "0"
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding candidate: %w", err)
	}
	return string(data), nil
}

// ParseCandidate decodes a candidate payload.
func ParseCandidate(payload string) (Candidate, error) {
	var candidate Candidate
	if err := json.Unmarshal([]byte(payload), &candidate); err != nil {
		return Candidate{}, fmt.Errorf("decoding candidate: %w", err)
	}
	if candidate.SDP == "" {
		return Candidate{}, errors.New("candidate payload has no sdp")
	}
	if candidate.SDPMLineIndex < 0 {
		return Candidate{}, fmt.Errorf("candidate has negative sdpMLineIndex %d", candidate.SDPMLineIndex)
	}
	return candidate, nil
}
