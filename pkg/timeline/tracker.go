package timeline

import (
	"sync"

	"github.com/srediag/surfaceq/pkg/fence"
)

const trackerSize = 128

// frameRecord is one frame's desired/ready/present triple. Ready and
// present may arrive as fences whose signal times resolve later.
type frameRecord struct {
	desiredPresent int64
	frameReady     int64
	actualPresent  int64
	readyFence     fence.Fence
	presentFence   fence.Fence
}

// FrameTracker keeps a short history of frame timing triples and
// derives presentation latency from them. One instance per layer.
type FrameTracker struct {
	mu      sync.Mutex
	frames  [trackerSize]frameRecord
	offset  int
	advance uint64
}

func NewFrameTracker() *FrameTracker {
	return &FrameTracker{}
}

func (t *FrameTracker) current() *frameRecord {
	return &t.frames[t.offset]
}

func (t *FrameTracker) SetDesiredPresentTime(ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current().desiredPresent = ts
}

func (t *FrameTracker) SetFrameReadyTime(ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current().frameReady = ts
}

func (t *FrameTracker) SetFrameReadyFence(f fence.Fence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current().readyFence = f
}

func (t *FrameTracker) SetActualPresentTime(ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current().actualPresent = ts
}

func (t *FrameTracker) SetActualPresentFence(f fence.Fence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current().presentFence = f
}

// AdvanceFrame seals the current record and moves to the next one,
// resolving any fences that have signaled in the meantime.
func (t *FrameTracker) AdvanceFrame() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolveLocked()
	t.offset = (t.offset + 1) % trackerSize
	t.frames[t.offset] = frameRecord{}
	t.advance++
}

// resolveLocked folds signaled fences into their timestamps.
func (t *FrameTracker) resolveLocked() {
	for i := range t.frames {
		r := &t.frames[i]
		if r.readyFence != nil {
			if ts := r.readyFence.SignalTime(); ts != fence.SignalTimePending {
				if ts != fence.SignalTimeInvalid {
					r.frameReady = ts
				}
				r.readyFence = nil
			}
		}
		if r.presentFence != nil {
			if ts := r.presentFence.SignalTime(); ts != fence.SignalTimePending {
				if ts != fence.SignalTimeInvalid {
					r.actualPresent = ts
				}
				r.presentFence = nil
			}
		}
	}
}

// Stats summarizes resolved frames: how many were tracked and the mean
// present latency (actual minus desired) across frames that resolved
// both timestamps.
func (t *FrameTracker) Stats() (frames uint64, meanLatencyNs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolveLocked()
	var sum, n int64
	for i := range t.frames {
		r := &t.frames[i]
		if r.desiredPresent > 0 && r.actualPresent > 0 {
			sum += r.actualPresent - r.desiredPresent
			n++
		}
	}
	if n > 0 {
		meanLatencyNs = sum / n
	}
	return t.advance, meanLatencyNs
}
