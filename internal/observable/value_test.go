package observable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_SubscribeReceivesCurrent(t *testing.T) {
	value := New(map[string]int{"a": 1})

	ch, cancel := value.Subscribe()
	defer cancel()

	snapshot := <-ch
	assert.Equal(t, map[string]int{"a": 1}, snapshot)
}

func TestValue_SlowSubscriberGetsLatest(t *testing.T) {
	value := New(0)
	ch, cancel := value.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		value.Store(i)
	}

	assert.Equal(t, 5, <-ch)
	assert.Equal(t, 5, value.Load())
}

func TestValue_Cancel(t *testing.T) {
	value := New("x")
	ch, cancel := value.Subscribe()
	<-ch

	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	value.Store("y")
	assert.Equal(t, "y", value.Load())
}
