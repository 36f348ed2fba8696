// Package bus implements the per-session audio frame bus (C1): a pair
// of bounded, order-preserving queues carrying PCM frames between a
// transport terminator and a session backend.
package bus

import (
	"sync"
	"sync/atomic"
)

// FrameBytes is the nominal payload size of one 20ms, 16kHz, mono,
// 16-bit PCM frame (320 samples * 2 bytes).
const FrameBytes = 640

// FrameDurationMillis is the nominal cadence at which frames are
// produced and consumed.
const FrameDurationMillis = 20

// JitterBufferMillis bounds how long a frame may sit in a queue before
// being considered stale enough to drop under backpressure.
const JitterBufferMillis = 200

// Capacity is the number of frames a queue holds to cover the jitter
// buffer window at nominal cadence.
const Capacity = JitterBufferMillis / FrameDurationMillis

// Frame is one immutable, sequenced unit of PCM audio.
type Frame struct {
	Seq      uint64
	TSMillis int64
	PCM      []byte
}

// Queue is a bounded, order-preserving ring buffer of Frames that never
// blocks on enqueue: a full queue drops the oldest frame and counts it.
//
// A channel cannot implement "drop oldest on overflow" without a
// receive-then-send race, so this follows the buffer-pool style the
// teacher uses for RTP packet queues (pkg/media) rather than a plain
// channel.
type Queue struct {
	mu       sync.Mutex
	frames   []Frame
	cap      int
	drops    atomic.Int64
	lastSeq  uint64
	sawFrame bool
}

// NewQueue returns a Queue with the given capacity in frames.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Queue{
		frames: make([]Frame, 0, capacity),
		cap:    capacity,
	}
}

// Enqueue appends a frame, dropping the oldest queued frame if full.
// Enqueue never blocks.
func (q *Queue) Enqueue(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) >= q.cap {
		q.frames = q.frames[1:]
		q.drops.Add(1)
	}
	q.frames = append(q.frames, f)
	q.lastSeq = f.Seq
	q.sawFrame = true
}

// Dequeue removes and returns the oldest frame, FIFO. ok is false when
// the queue is empty.
func (q *Queue) Dequeue() (f Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f = q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// Len returns the number of frames currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// DrainTo shrinks the queue down to keepFrames, dropping the newest
// excess frames beyond that count. Used by barge-in handling to flush
// outbound audio while keeping at most a small tail already queued.
func (q *Queue) DrainTo(keepFrames int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if keepFrames < 0 {
		keepFrames = 0
	}
	if len(q.frames) > keepFrames {
		q.frames = q.frames[:keepFrames]
	}
}

// Drops returns the running count of frames evicted due to backpressure.
func (q *Queue) Drops() int64 {
	return q.drops.Load()
}

// LastSeq returns the sequence number of the most recently enqueued
// frame and whether any frame has been enqueued yet.
func (q *Queue) LastSeq() (seq uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSeq, q.sawFrame
}

// Bus is the duplex pair of queues owned by exactly one call session.
// It is never shared across calls.
type Bus struct {
	Inbound  *Queue
	Outbound *Queue
}

// New constructs a Bus with default jitter-buffer capacity on both
// directions.
func New() *Bus {
	return &Bus{
		Inbound:  NewQueue(Capacity),
		Outbound: NewQueue(Capacity),
	}
}

// SeqGap reports whether the given inbound sequence number represents
// a gap (i.e. is not exactly the successor of the last enqueued inbound
// seq). It only reads the tracked seq; Inbound.Enqueue is what advances it.
func (b *Bus) SeqGap(seq uint64) bool {
	last, ok := b.Inbound.LastSeq()
	if !ok {
		return false
	}
	return seq != last+1
}
