package discovery

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func frame(index, total byte, payload string) []byte {
	return append([]byte{index, total}, payload...)
}

func TestEncodeChunks(t *testing.T) {
	frames, err := EncodeChunks("ABCDE", 4)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, frame(0, 3, "AB"), frames[0])
	assert.Equal(t, frame(1, 3, "CD"), frames[1])
	assert.Equal(t, []byte{2, 3, 'E', 0}, frames[2], "last payload is zero padded")
}

func TestEncodeChunksEmptyIdentifier(t *testing.T) {
	frames, err := EncodeChunks("", 5)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0, 1, 0, 0, 0}, frames[0])
}

func TestEncodeChunksRejectsBadSizes(t *testing.T) {
	_, err := EncodeChunks("abc", HeaderSize)
	assert.Error(t, err)

	_, err = EncodeChunks("abc", MaxChunks+1)
	assert.Error(t, err)

	long := make([]byte, MaxChunks+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = EncodeChunks(string(long), 3)
	assert.Error(t, err, "one byte per chunk exceeds the chunk count limit")
}

func TestReassemblerRoundTrip(t *testing.T) {
	id := "8f14e45f-ceea-467f-a0e6-7b0c2f4e3a1d"
	frames, err := EncodeChunks(id, 20)
	require.NoError(t, err)

	r := NewReassembler(quietLogger())
	for i, f := range frames {
		got, ok := r.Add("aa:bb", f)
		if i < len(frames)-1 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok)
		assert.Equal(t, id, got)
	}
	assert.Zero(t, r.Pending())
}

func TestReassemblerSeparatesAddresses(t *testing.T) {
	r := NewReassembler(quietLogger())

	_, ok := r.Add("one", frame(0, 2, "AB"))
	assert.False(t, ok)
	_, ok = r.Add("two", frame(0, 2, "XY"))
	assert.False(t, ok)
	assert.Equal(t, 2, r.Pending())

	id, ok := r.Add("two", frame(1, 2, "ZW"))
	require.True(t, ok)
	assert.Equal(t, "XYZW", id)

	id, ok = r.Add("one", frame(1, 2, "CD"))
	require.True(t, ok)
	assert.Equal(t, "ABCD", id)
}

func TestReassemblerDropsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"short frame", []byte{0}},
		{"zero total", frame(0, 0, "AB")},
		{"index past total", frame(2, 2, "AB")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembler(quietLogger())
			_, ok := r.Add("peer", frame(0, 2, "AB"))
			require.False(t, ok)

			_, ok = r.Add("peer", tt.frame)
			assert.False(t, ok)

			id, ok := r.Add("peer", frame(1, 2, "CD"))
			require.True(t, ok)
			assert.Equal(t, "ABCD", id, "malformed frame left the buffer untouched")
		})
	}
}

func TestReassemblerTrimsPaddingAndWhitespace(t *testing.T) {
	r := NewReassembler(quietLogger())
	id, ok := r.Add("peer", []byte{0, 1, ' ', 'i', 'd', ' ', 0, 0})
	require.True(t, ok)
	assert.Equal(t, "id", id)
}

func TestReassemblerBlankIdentifier(t *testing.T) {
	r := NewReassembler(quietLogger())
	_, ok := r.Add("peer", []byte{0, 1, ' ', 0, 0})
	assert.False(t, ok)
	assert.Zero(t, r.Pending())
}

func TestReassemblerTrimsOnlyTrailingPadding(t *testing.T) {
	r := NewReassembler(quietLogger())

	id, ok := r.Add("peer", []byte{0, 1, ' ', 'i', 'd', ' ', 0, 0})
	require.True(t, ok)
	assert.Equal(t, "id", id)

	id, ok = r.Add("peer", []byte{0, 1, 0, 'i', 0, 'd', 0})
	require.True(t, ok)
	assert.Equal(t, "\x00i\x00d", id)
}

func TestReassemblerReset(t *testing.T) {
	r := NewReassembler(quietLogger())
	r.Add("peer", frame(0, 2, "AB"))
	r.Reset("peer")
	assert.Zero(t, r.Pending())

	id, ok := r.Add("peer", frame(1, 2, "CD"))
	require.True(t, ok)
	assert.Equal(t, "CD", id)
}
