// Package timeline keeps the per-frame bookkeeping that surrounds the
// buffer exchange: which timestamps each frame hit on its way to the
// display, how occupied the fifo was over time, and when release fences
// actually signaled.
package timeline

import (
	"sync"

	"github.com/srediag/surfaceq/pkg/fence"
)

// eventHistorySize is how many frames of history are retained. Old
// entries are overwritten ring-style.
const eventHistorySize = 8

// FrameEvents records the observable timestamps of one frame.
type FrameEvents struct {
	FrameNumber uint64

	// PostedTime is when the producer queued the frame.
	PostedTime int64
	// RequestedPresentTime is the producer's desired present time.
	RequestedPresentTime int64
	// LatchTime is when the layer latched the frame.
	LatchTime int64
	// FirstRefreshStartTime is the start of the first composition that
	// included the frame, LastRefreshStartTime of the latest.
	FirstRefreshStartTime int64
	LastRefreshStartTime  int64
	// DequeueReadyTime is when the consumer let go of the previous
	// buffer and the slot became returnable.
	DequeueReadyTime int64

	// GpuCompositionDone and Present resolve asynchronously via fences.
	GpuCompositionDone fence.Fence
	Present            fence.Fence
	Release            fence.Fence
}

// FrameEventHistory is a fixed ring of FrameEvents indexed by frame
// number. Safe for concurrent use.
type FrameEventHistory struct {
	mu     sync.Mutex
	frames [eventHistorySize]FrameEvents
}

func NewFrameEventHistory() *FrameEventHistory {
	return &FrameEventHistory{}
}

// entryFor returns the ring entry for frameNumber, resetting it if the
// slot currently holds an older frame.
func (h *FrameEventHistory) entryFor(frameNumber uint64) *FrameEvents {
	e := &h.frames[frameNumber%eventHistorySize]
	if e.FrameNumber != frameNumber {
		*e = FrameEvents{FrameNumber: frameNumber}
	}
	return e
}

func (h *FrameEventHistory) AddQueue(frameNumber uint64, postedTime, requestedPresentTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entryFor(frameNumber)
	e.PostedTime = postedTime
	e.RequestedPresentTime = requestedPresentTime
}

func (h *FrameEventHistory) AddLatch(frameNumber uint64, latchTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entryFor(frameNumber).LatchTime = latchTime
}

func (h *FrameEventHistory) AddPreComposition(frameNumber uint64, refreshStartTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entryFor(frameNumber)
	if e.FirstRefreshStartTime == 0 {
		e.FirstRefreshStartTime = refreshStartTime
	}
	e.LastRefreshStartTime = refreshStartTime
}

func (h *FrameEventHistory) AddPostComposition(frameNumber uint64, gpuDone, present fence.Fence) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entryFor(frameNumber)
	e.GpuCompositionDone = gpuDone
	e.Present = present
}

func (h *FrameEventHistory) AddRelease(frameNumber uint64, dequeueReadyTime int64, release fence.Fence) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entryFor(frameNumber)
	e.DequeueReadyTime = dequeueReadyTime
	e.Release = release
}

// Lookup returns a copy of the events for frameNumber, if still in the
// retention window.
func (h *FrameEventHistory) Lookup(frameNumber uint64) (FrameEvents, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.frames[frameNumber%eventHistorySize]
	if e.FrameNumber != frameNumber {
		return FrameEvents{}, false
	}
	return e, true
}
