package timeline

import (
	"sync"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/surfaceq/pkg/fence"
)

// releaseWindow bounds how many pending release fences are retained.
const releaseWindow = 64

// ReleaseTimeline is a sliding window of recent release fences. Signal
// times are polled opportunistically: each UpdateSignalTimes pass pops
// fences that have signaled since the last pass.
type ReleaseTimeline struct {
	mu      sync.Mutex
	pending *queuepkg.Queue

	signaledCount  uint64
	lastSignalTime int64
}

func NewReleaseTimeline() *ReleaseTimeline {
	return &ReleaseTimeline{pending: queuepkg.New(releaseWindow)}
}

// Push appends a release fence. When the window is full the oldest
// entry is discarded unpolled.
func (t *ReleaseTimeline) Push(f fence.Fence) {
	if f == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending.Len() >= releaseWindow {
		_, _ = t.pending.Get(1)
	}
	_ = t.pending.Put(f)
}

// UpdateSignalTimes pops signaled fences from the front of the window
// and returns how many were retired this pass.
func (t *ReleaseTimeline) UpdateSignalTimes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	retired := 0
	for t.pending.Len() > 0 {
		head, err := t.pending.Peek()
		if err != nil {
			break
		}
		f := head.(fence.Fence)
		ts := f.SignalTime()
		if ts == fence.SignalTimePending {
			break
		}
		_, _ = t.pending.Get(1)
		retired++
		t.signaledCount++
		if ts != fence.SignalTimeInvalid {
			t.lastSignalTime = ts
		}
	}
	return retired
}

// Pending returns how many fences are still in the window, i.e. not yet
// retired by UpdateSignalTimes. A signaled fence queued behind an
// unsignaled one is counted.
func (t *ReleaseTimeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.pending.Len())
}

// LastSignalTime returns the newest observed signal time and the total
// number of retired fences.
func (t *ReleaseTimeline) LastSignalTime() (int64, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSignalTime, t.signaledCount
}
