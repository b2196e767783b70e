package listener

import (
	"fmt"
	"time"

	"github.com/MrWong99/contextengine/pkg/audio"
)

// OverflowPolicy decides what the capture loop does when the frame queue is
// full.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued frame to make room.
	DropOldest OverflowPolicy = "drop-oldest"

	// BoundedWait waits up to the configured time for room, then drops the
	// new frame.
	BoundedWait OverflowPolicy = "bounded-wait"
)

// Validate reports whether p is a known policy.
func (p OverflowPolicy) Validate() error {
	switch p {
	case DropOldest, BoundedWait:
		return nil
	}
	return fmt.Errorf("listener: unknown overflow policy %q", p)
}

// frameQueue is the bounded hand-off between the capture and process loops.
// There is exactly one producer and one consumer.
type frameQueue struct {
	ch     chan audio.AudioFrame
	policy OverflowPolicy
	wait   time.Duration
}

func newFrameQueue(size int, policy OverflowPolicy, wait time.Duration) *frameQueue {
	if size <= 0 {
		size = 1
	}
	return &frameQueue{
		ch:     make(chan audio.AudioFrame, size),
		policy: policy,
		wait:   wait,
	}
}

// push enqueues f. It returns the number of frames dropped to do so (0 or 1)
// and never blocks longer than the bounded wait. done aborts a bounded wait.
func (q *frameQueue) push(f audio.AudioFrame, done <-chan struct{}) int {
	select {
	case q.ch <- f:
		return 0
	default:
	}

	if q.policy == BoundedWait {
		t := time.NewTimer(q.wait)
		defer t.Stop()
		select {
		case q.ch <- f:
			return 0
		case <-t.C:
			return 1
		case <-done:
			return 1
		}
	}

	dropped := 0
	for {
		select {
		case <-q.ch:
			dropped++
		default:
		}
		select {
		case q.ch <- f:
			return dropped
		default:
		}
	}
}

// drain removes and returns everything currently queued.
func (q *frameQueue) drain() []audio.AudioFrame {
	var out []audio.AudioFrame
	for {
		select {
		case f := <-q.ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

func (q *frameQueue) queued() int { return len(q.ch) }
