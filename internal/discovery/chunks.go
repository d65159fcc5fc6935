// Package discovery turns short-range advertisements into connect requests.
// Identifiers too long for one advertisement travel as numbered chunks.
package discovery

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// HeaderSize is the chunk header: index byte, then total count byte.
	HeaderSize = 2

	// MaxChunks is the largest count the header can carry.
	MaxChunks = 255
)

// EncodeChunks splits id into frames of at most chunkSize bytes. The payload
// of the last frame is zero padded to full size.
func EncodeChunks(id string, chunkSize int) ([][]byte, error) {
	if chunkSize <= HeaderSize || chunkSize > MaxChunks {
		return nil, fmt.Errorf("chunk size %d outside %d..%d", chunkSize, HeaderSize+1, MaxChunks)
	}
	payloadSize := chunkSize - HeaderSize
	data := []byte(id)

	total := (len(data) + payloadSize - 1) / payloadSize
	if total == 0 {
		total = 1
	}
	if total > MaxChunks {
		return nil, fmt.Errorf("identifier of %d bytes needs %d chunks, more than %d", len(data), total, MaxChunks)
	}

	frames := make([][]byte, 0, total)
	for index := 0; index < total; index++ {
		frame := make([]byte, chunkSize)
		frame[0] = byte(index)
		frame[1] = byte(total)
		start := index * payloadSize
		end := min(start+payloadSize, len(data))
		copy(frame[HeaderSize:], data[start:end])
		frames = append(frames, frame)
	}
	return frames, nil
}

// Reassembler joins chunks per sender address in arrival order.
type Reassembler struct {
	logger *logrus.Logger

	mu      sync.Mutex
	buffers map[string][]byte
}

func NewReassembler(logger *logrus.Logger) *Reassembler {
	return &Reassembler{logger: logger, buffers: make(map[string][]byte)}
}

// Add appends frame to the buffer of address. On the final chunk it returns
// the decoded identifier and clears the buffer. Malformed frames are dropped
// without touching the buffer.
func (r *Reassembler) Add(address string, frame []byte) (string, bool) {
	fields := logrus.Fields{"address": address}
	if len(frame) < HeaderSize {
		r.logger.WithFields(fields).Warn("Dropping chunk without header")
		return "", false
	}
	index, total := int(frame[0]), int(frame[1])
	if total == 0 || index >= total {
		r.logger.WithFields(fields).WithFields(logrus.Fields{"index": index, "total": total}).Warn("Dropping chunk with malformed header")
		return "", false
	}

	r.mu.Lock()
	buffer := append(r.buffers[address], frame[HeaderSize:]...)
	if index != total-1 {
		r.buffers[address] = buffer
		r.mu.Unlock()
		return "", false
	}
	delete(r.buffers, address)
	r.mu.Unlock()

	id := decodeIdentifier(buffer)
	r.logger.WithFields(fields).WithField("identifier", id).Debug("Reassembled identifier")
	return id, id != ""
}

// Reset discards the partial buffer of address.
func (r *Reassembler) Reset(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, address)
}

// Pending counts addresses with a partial buffer.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// decodeIdentifier strips trailing NUL padding, then surrounding whitespace.
// NULs inside the identifier are kept.
func decodeIdentifier(buffer []byte) string {
	trimmed := bytes.TrimRight(buffer, "\x00")
	return strings.TrimSpace(strings.ToValidUTF8(string(trimmed), "�"))
}
