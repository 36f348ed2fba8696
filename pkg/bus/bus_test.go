package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(4)
	for i := uint64(1); i <= 3; i++ {
		q.Enqueue(Frame{Seq: i})
	}
	require.Equal(t, 3, q.Len())

	for i := uint64(1); i <= 3; i++ {
		f, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, f.Seq)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue(Frame{Seq: 1})
	q.Enqueue(Frame{Seq: 2})
	q.Enqueue(Frame{Seq: 3}) // drops seq 1

	assert.EqualValues(t, 1, q.Drops())

	f, ok := q.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 2, f.Seq)
}

func TestQueueDrainTo(t *testing.T) {
	q := NewQueue(10)
	for i := uint64(1); i <= 5; i++ {
		q.Enqueue(Frame{Seq: i})
	}
	q.DrainTo(2)
	assert.Equal(t, 2, q.Len())
	f, _ := q.Dequeue()
	assert.EqualValues(t, 1, f.Seq)
}

func TestBusSeqGapDetection(t *testing.T) {
	b := New()
	assert.False(t, b.SeqGap(1)) // no prior frame, no gap
	b.Inbound.Enqueue(Frame{Seq: 1})

	assert.False(t, b.SeqGap(2))
	assert.True(t, b.SeqGap(4)) // gap: expected 2, saw 4
}

func TestBusNotSharedAcrossCalls(t *testing.T) {
	a := New()
	c := New()
	a.Inbound.Enqueue(Frame{Seq: 1})
	assert.Equal(t, 0, c.Inbound.Len())
}
