package timeline

import (
	"sync"
	"time"
)

// Segment describes one span of continuous fifo occupancy: from the
// first frame queued into an empty fifo until it drained.
type Segment struct {
	// TotalTime is the wall-clock length of the segment in nanoseconds.
	TotalTime int64
	// NumFrames is how many frames entered the fifo during the segment.
	NumFrames int
	// OccupancyAverage is the time-weighted mean fifo depth.
	OccupancyAverage float64
	// UsedThirdBuffer is set if depth ever reached three, meaning the
	// producer was running ahead by two full frames.
	UsedThirdBuffer bool
}

// OccupancyTracker accumulates Segments describing how many buffers
// were pending over time. The consumer endpoint reports every fifo
// depth change; GetSegments extracts and resets completed segments.
type OccupancyTracker struct {
	mu  sync.Mutex
	now func() int64

	completed []Segment

	inSegment      bool
	segmentStart   int64
	lastUpdate     int64
	lastDepth      int
	weightedDepth  float64
	framesInFlight int
	thirdBuffer    bool
}

// NewOccupancyTracker builds a tracker. now supplies the monotonic
// clock; nil uses the wall clock.
func NewOccupancyTracker(now func() int64) *OccupancyTracker {
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	return &OccupancyTracker{now: now}
}

// RegisterOccupancyChange records the new fifo depth.
func (o *OccupancyTracker) RegisterOccupancyChange(depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.now()
	if o.inSegment {
		o.weightedDepth += float64(o.lastDepth) * float64(ts-o.lastUpdate)
	}
	switch {
	case !o.inSegment && depth > 0:
		o.inSegment = true
		o.segmentStart = ts
		o.framesInFlight = depth
		o.thirdBuffer = depth >= 3
	case o.inSegment && depth > o.lastDepth:
		o.framesInFlight += depth - o.lastDepth
		if depth >= 3 {
			o.thirdBuffer = true
		}
	case o.inSegment && depth == 0:
		o.completed = append(o.completed, o.closeSegmentLocked(ts))
	}
	o.lastDepth = depth
	o.lastUpdate = ts
}

// closeSegmentLocked finalizes the open segment. Caller holds o.mu and
// has already folded time up to ts into weightedDepth.
func (o *OccupancyTracker) closeSegmentLocked(ts int64) Segment {
	total := ts - o.segmentStart
	seg := Segment{
		TotalTime:       total,
		NumFrames:       o.framesInFlight,
		UsedThirdBuffer: o.thirdBuffer,
	}
	if total > 0 {
		seg.OccupancyAverage = o.weightedDepth / float64(total)
	}
	o.inSegment = false
	o.weightedDepth = 0
	o.framesInFlight = 0
	o.thirdBuffer = false
	return seg
}

// GetSegments returns completed segments and resets them. With
// forceFlush the currently open segment is closed and included even
// though the fifo has not drained.
func (o *OccupancyTracker) GetSegments(forceFlush bool) []Segment {
	o.mu.Lock()
	defer o.mu.Unlock()
	if forceFlush && o.inSegment {
		ts := o.now()
		o.weightedDepth += float64(o.lastDepth) * float64(ts-o.lastUpdate)
		o.lastUpdate = ts
		o.completed = append(o.completed, o.closeSegmentLocked(ts))
	}
	out := o.completed
	o.completed = nil
	return out
}
