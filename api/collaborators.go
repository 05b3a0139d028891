package api

import "github.com/srediag/surfaceq/pkg/fence"

// Allocator owns graphics memory. The producer endpoint calls it when a
// dequeue finds a slot without a resident buffer, or when the requested
// geometry no longer matches the resident one.
type Allocator interface {
	Allocate(width, height uint32, format PixelFormat, usage uint64) (*GraphicBuffer, error)
	Free(buf *GraphicBuffer)
}

// TextureImage binds an acquired buffer to a GPU texture. The layer
// latcher drives it but never implements it; binding failures poison
// the latcher's shadow queue (see Latcher.Latch).
type TextureImage interface {
	// Update rebinds the texture to the item's buffer. buf is the
	// resolved buffer handle (the cached one when the item elided it).
	Update(item BufferItem, buf *GraphicBuffer) error
}

// DispSync estimates display refresh timing. ExpectedPresent returns
// the monotonic nanosecond timestamp at which the next composited frame
// is expected to reach the display.
type DispSync interface {
	ExpectedPresent() int64
}

// SidebandStream is an opaque handle to an out-of-band frame source
// whose frames never enter the fifo.
type SidebandStream interface {
	Handle() uintptr
}

// FrameEventTimestamps is the post-composition report handed back to a
// layer once the hardware composer retires a frame.
type FrameEventTimestamps struct {
	GpuCompositionDone fence.Fence
	Present            fence.Fence
	CompositeStart     int64
	CompositeFinish    int64
}
