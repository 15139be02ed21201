package audio

import (
	"sync"
	"sync/atomic"
)

// JitterQueue is the bounded inbound frame buffer between network delivery
// and playback consumption. Push never blocks: when the queue is full the
// new frame is dropped and counted, so the receive path can always make
// progress.
type JitterQueue struct {
	frames  chan []byte
	dropped atomic.Uint64
}

func NewJitterQueue(depth int) *JitterQueue {
	if depth <= 0 {
		depth = 1
	}
	return &JitterQueue{frames: make(chan []byte, depth)}
}

// Push enqueues a frame, dropping it when the queue is full.
func (q *JitterQueue) Push(frame []byte) bool {
	select {
	case q.frames <- frame:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop removes one frame without blocking. ok is false when the queue is
// empty; the playback loop substitutes silence in that case.
func (q *JitterQueue) Pop() (frame []byte, ok bool) {
	select {
	case f := <-q.frames:
		return f, true
	default:
		return nil, false
	}
}

// Len returns the number of queued frames.
func (q *JitterQueue) Len() int { return len(q.frames) }

// Dropped returns how many frames were discarded on overflow.
func (q *JitterQueue) Dropped() uint64 { return q.dropped.Load() }

// Drain discards all queued frames.
func (q *JitterQueue) Drain() {
	for {
		select {
		case <-q.frames:
		default:
			return
		}
	}
}

// EchoRing is a short rolling history of recently played-out frames, decoded
// to samples, that the capture loop correlates against to suppress local
// playback picked up by the microphone. Writes when full are discarded; the
// history only needs to be approximately current.
type EchoRing struct {
	mu     sync.Mutex
	frames [][]float64
	depth  int
}

func NewEchoRing(depth int) *EchoRing {
	if depth <= 0 {
		depth = 1
	}
	return &EchoRing{depth: depth}
}

// Push records a played-out frame unless the ring is full.
func (r *EchoRing) Push(samples []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) >= r.depth {
		return
	}
	r.frames = append(r.frames, samples)
}

// Pop removes and returns the oldest recorded frame.
func (r *EchoRing) Pop() ([]float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil, false
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f, true
}

// Reset discards the recorded history.
func (r *EchoRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}
