package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(id string, pri Priority) *PendingRequest {
	return &PendingRequest{
		ID:       id,
		Payload:  []byte(id),
		Priority: pri,
		DoneCh:   make(chan []byte, 1),
		ErrCh:    make(chan error, 1),
	}
}

func TestQueueOrdersByPriority(t *testing.T) {
	q := NewRequestQueue()
	q.Enqueue(pending("low", PriorityLow))
	q.Enqueue(pending("high", PriorityHigh))
	q.Enqueue(pending("normal", PriorityNormal))

	got := q.DequeueN(3)
	require.Len(t, got, 3)
	assert.Equal(t, "high", got[0].ID)
	assert.Equal(t, "normal", got[1].ID)
	assert.Equal(t, "low", got[2].ID)
	assert.Equal(t, 0, q.Depth())
}

func TestQueueIsFIFOWithinPriority(t *testing.T) {
	q := NewRequestQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(pending(fmt.Sprintf("r%d", i), PriorityNormal))
	}

	got := q.DequeueN(5)
	require.Len(t, got, 5)
	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("r%d", i), r.ID)
	}
}

func TestDequeueNCapsAtDepth(t *testing.T) {
	q := NewRequestQueue()
	q.Enqueue(pending("a", PriorityNormal))
	q.Enqueue(pending("b", PriorityNormal))

	got := q.DequeueN(10)
	assert.Len(t, got, 2)
	assert.Nil(t, q.DequeueN(1))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("whatever"))
}
