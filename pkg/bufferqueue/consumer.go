/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bufferqueue

import (
	"github.com/srediag/surfaceq/api"
	"github.com/srediag/surfaceq/pkg/fence"
	"github.com/srediag/surfaceq/pkg/timeline"
)

// Consumer is the consumer endpoint of a queue pair. All methods are
// safe for concurrent use; listener callbacks fire with no lock held.
type Consumer struct {
	core *coreState
}

// Acquire selects a pending frame and transfers its slot to the
// consumer.
//
// expectedPresent is the monotonic nanosecond timestamp the next
// refresh is expected to reach the display; zero acquires greedily
// without timing consideration. maxFrameNumber caps which frames the
// consumer accepts; zero means no cap, and the cap only applies when
// expectedPresent is nonzero.
//
// Acquire does not check for abandonment: an abandoned queue has an
// empty fifo, so the caller sees ErrNoBufferAvailable. Detach, Connect
// and GetReleasedBuffers check the abandoned flag directly; Release,
// Attach and the setters do not.
func (c *Consumer) Acquire(expectedPresent int64, maxFrameNumber uint64) (api.BufferItem, error) {
	core := c.core

	var listener api.ProducerListener
	numDropped := 0
	var out api.BufferItem

	core.mu.Lock()

	// The cap may be exceeded by one so the consumer can set up a new
	// acquisition before releasing the old one.
	if n := core.acquiredCountLocked(); n >= core.maxAcquiredBufferCount+1 {
		core.mu.Unlock()
		core.log.Errorf("Acquire: max acquired buffer count reached: %d (max %d)",
			n, core.maxAcquiredBufferCount)
		return out, api.ErrInvalidOperation
	}

	if core.fifo.empty() {
		core.mu.Unlock()
		return out, api.ErrNoBufferAvailable
	}

	if expectedPresent != 0 {
		// Drop older frames while the next one would still be shown on
		// time. Skipped entirely for auto-generated timestamps: if the
		// application didn't stamp its frames, it doesn't want them
		// discarded on timing grounds.
		for core.fifo.len() > 1 && !core.fifo.front().IsAutoTimestamp {
			next := core.fifo.at(1)

			// Dropping the front must not leave a frame the consumer
			// is not ready for.
			if maxFrameNumber != 0 && next.FrameNumber > maxFrameNumber {
				break
			}

			// Only drop when the next frame's desired present falls
			// within one second before expectedPresent. Garbage
			// timestamps (zero, tiny relative values) would otherwise
			// cause spurious drops.
			desired := next.Timestamp
			if desired < expectedPresent-maxReasonableNsec || desired > expectedPresent {
				core.log.Tracef("Acquire: nodrop desire=%d expect=%d", desired, expectedPresent)
				break
			}

			front := core.fifo.front()
			core.log.Tracef("Acquire: drop desire=%d expect=%d size=%d",
				desired, expectedPresent, core.fifo.len())
			if core.stillTracking(front) {
				slot := &core.slots[front.Slot]
				slot.state = StateFree
				core.freeBuffers = append(core.freeBuffers, front.Slot)
				listener = core.connectedProducerListener
				numDropped++
				core.droppedTotal++
			}
			core.fifo.eraseFront()
			core.occupancyChangedLocked()
		}

		front := core.fifo.front()
		desired := front.Timestamp
		// A desired present more than a second past expectedPresent is
		// implausible; treat it as "unknown, show now".
		bufferIsDue := desired <= expectedPresent ||
			desired > expectedPresent+maxReasonableNsec
		consumerIsReady := maxFrameNumber == 0 || front.FrameNumber <= maxFrameNumber
		if !bufferIsDue || !consumerIsReady {
			core.log.Tracef("Acquire: defer desire=%d expect=%d frame=%d cap=%d",
				desired, expectedPresent, front.FrameNumber, maxFrameNumber)
			core.mu.Unlock()
			c.notifyDropped(listener, numDropped)
			return out, api.ErrPresentLater
		}
	}

	front := core.fifo.front()
	out = *front
	if core.stillTracking(front) {
		slot := &core.slots[out.Slot]
		slot.acquireCalled = true
		slot.needsCleanupOnRelease = false
		slot.state = StateAcquired
		slot.fence = fence.NoFence
	}

	// A consumer that has acquired this slot before caches the mapping;
	// elide the handle from the reply.
	if out.AcquireCalled {
		out.GraphicBuffer = nil
	}

	core.fifo.eraseFront()
	core.occupancyChangedLocked()
	core.dequeueCond.Broadcast()
	core.validateLocked()
	core.mu.Unlock()

	c.notifyDropped(listener, numDropped)
	return out, nil
}

// notifyDropped fires one release notification per dropped frame, in
// order, with no lock held.
func (c *Consumer) notifyDropped(listener api.ProducerListener, n int) {
	if listener == nil {
		return
	}
	for i := 0; i < n; i++ {
		listener.OnBufferReleased()
	}
}

// Release returns an acquired slot to the free pool. frameNumber must
// match the slot's current frame number; a mismatch means the buffer
// was reallocated under the consumer and the release is stale. The
// release fence gates producer reads of the buffer and is stored
// before the slot becomes visible to Dequeue.
func (c *Consumer) Release(slot int, frameNumber uint64, releaseFence fence.Fence, egl EGLState) error {
	core := c.core

	if slot < 0 || slot >= api.NumBufferSlots || releaseFence == nil {
		core.log.Errorf("Release: slot %d out of range or nil fence", slot)
		return api.ErrBadValue
	}

	var listener api.ProducerListener

	core.mu.Lock()

	s := &core.slots[slot]
	if frameNumber != s.frameNumber {
		core.mu.Unlock()
		return api.ErrStaleBufferSlot
	}

	// A slot that is queued again must not be released; doing so would
	// corrupt the fifo reference.
	if core.fifo.refersTo(slot) {
		core.mu.Unlock()
		core.log.Errorf("Release: slot %d is currently queued", slot)
		return api.ErrBadValue
	}

	switch {
	case s.state == StateAcquired:
		s.egl = egl
		s.fence = releaseFence
		s.state = StateFree
		core.freeBuffers = append(core.freeBuffers, slot)
		listener = core.connectedProducerListener
		core.log.Tracef("Release: releasing slot %d", slot)
	case s.needsCleanupOnRelease:
		core.log.Debugf("Release: releasing stale slot %d (state %v)", slot, s.state)
		s.needsCleanupOnRelease = false
		core.mu.Unlock()
		return api.ErrStaleBufferSlot
	default:
		core.mu.Unlock()
		core.log.Errorf("Release: slot %d state %v", slot, s.state)
		return api.ErrBadValue
	}

	core.dequeueCond.Broadcast()
	core.validateLocked()
	core.mu.Unlock()

	if listener != nil {
		listener.OnBufferReleased()
	}
	return nil
}

// Detach removes the buffer from an acquired slot. The slot returns to
// the empty free pool; the consumer keeps the buffer.
func (c *Consumer) Detach(slot int) error {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()

	if core.abandoned {
		return api.ErrNotInitialized
	}
	if slot < 0 || slot >= api.NumBufferSlots {
		core.log.Errorf("Detach: slot %d out of range", slot)
		return api.ErrBadValue
	}
	if core.slots[slot].state != StateAcquired {
		core.log.Errorf("Detach: slot %d not owned by consumer (state %v)",
			slot, core.slots[slot].state)
		return api.ErrBadValue
	}

	// Detach transfers buffer ownership out of the queue; do not hand
	// the buffer back to the allocator.
	s := &core.slots[slot]
	s.graphicBuffer = nil
	s.clear()
	core.removeFromFreeBuffersLocked(slot)
	core.freeSlots[slot] = struct{}{}

	core.dequeueCond.Broadcast()
	core.validateLocked()
	return nil
}

// Attach inserts a consumer-owned buffer into a free slot in ACQUIRED
// state, as if it had just been acquired. The buffer's generation must
// match the queue's.
func (c *Consumer) Attach(buf *api.GraphicBuffer) (int, error) {
	core := c.core

	if buf == nil {
		core.log.Errorf("Attach: nil buffer")
		return api.InvalidBufferSlot, api.ErrBadValue
	}

	core.mu.Lock()
	defer core.mu.Unlock()

	if n := core.acquiredCountLocked(); n >= core.maxAcquiredBufferCount+1 {
		core.log.Errorf("Attach: max acquired buffer count reached: %d (max %d)",
			n, core.maxAcquiredBufferCount)
		return api.InvalidBufferSlot, api.ErrInvalidOperation
	}

	if buf.Generation != core.generation {
		core.log.Errorf("Attach: generation mismatch [buffer %d] [queue %d]",
			buf.Generation, core.generation)
		return api.InvalidBufferSlot, api.ErrBadValue
	}

	// Prefer an empty slot; otherwise steal the oldest free buffer and
	// discard its resident buffer.
	found := api.InvalidBufferSlot
	for s := range core.slots {
		if _, ok := core.freeSlots[s]; ok {
			found = s
			delete(core.freeSlots, s)
			break
		}
	}
	if found == api.InvalidBufferSlot && len(core.freeBuffers) > 0 {
		found = core.freeBuffers[0]
		core.freeBuffers = core.freeBuffers[1:]
		if old := core.slots[found].graphicBuffer; old != nil && core.allocator != nil {
			core.allocator.Free(old)
		}
	}
	if found == api.InvalidBufferSlot {
		core.log.Errorf("Attach: no free slot")
		return api.InvalidBufferSlot, api.ErrNoMemory
	}

	s := &core.slots[found]
	s.graphicBuffer = buf
	s.state = StateAcquired
	s.attachedByConsumer = true
	s.needsCleanupOnRelease = false
	s.fence = fence.NoFence
	s.frameNumber = 0

	// Attached buffers churn through detach/attach cycles (stream
	// splitters), so the slot-to-buffer cache on the consumer side is
	// useless for them. Leaving acquireCalled unset forces the full
	// handle on the next Acquire of this slot.
	s.acquireCalled = false

	core.validateLocked()
	return found, nil
}

// Connect installs the consumer listener. At most one consumer is
// connected at a time.
func (c *Consumer) Connect(listener api.ConsumerListener, controlledByApp bool) error {
	core := c.core

	if listener == nil {
		core.log.Errorf("Connect(C): nil listener")
		return api.ErrBadValue
	}

	core.mu.Lock()
	defer core.mu.Unlock()

	if core.abandoned {
		core.log.Errorf("Connect(C): queue abandoned")
		return api.ErrNotInitialized
	}

	core.consumerListener = listener
	core.consumerControlledByApp = controlledByApp
	return nil
}

// Disconnect abandons the queue: the sticky abandoned flag is set, the
// fifo is cleared and every slot is freed. Afterwards the operations
// that check the abandoned flag (consumer Detach, Connect and
// GetReleasedBuffers; producer Connect, Dequeue, Queue, Cancel, Detach,
// Attach and SetSidebandStream) fail with ErrNotInitialized.
func (c *Consumer) Disconnect() error {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()

	if core.consumerListener == nil {
		core.log.Errorf("Disconnect(C): no consumer connected")
		return api.ErrBadValue
	}

	core.abandoned = true
	core.consumerListener = nil
	core.fifo.clear()
	core.occupancyChangedLocked()
	core.freeAllBuffersLocked()
	core.dequeueCond.Broadcast()
	core.validateLocked()
	return nil
}

// GetReleasedBuffers returns a mask with bit s set iff the consumer's
// cached mapping for slot s is invalid: the consumer has never seen
// the slot via Acquire and no queued entry for it was acquired before.
func (c *Consumer) GetReleasedBuffers() (uint64, error) {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()

	if core.abandoned {
		core.log.Errorf("GetReleasedBuffers: queue abandoned")
		return 0, api.ErrNotInitialized
	}

	var mask uint64
	for s := 0; s < api.NumBufferSlots; s++ {
		if !core.slots[s].acquireCalled {
			mask |= 1 << uint(s)
		}
	}

	// Queued entries that were acquired before keep their cached
	// mapping valid even though the slot was since reallocated.
	for i := 0; i < core.fifo.len(); i++ {
		item := core.fifo.at(i)
		if item.AcquireCalled {
			mask &^= 1 << uint(item.Slot)
		}
	}

	core.log.Tracef("GetReleasedBuffers: returning mask %#x", mask)
	return mask, nil
}

// GetOccupancyHistory extracts completed occupancy segments, resetting
// them. forceFlush closes and includes the currently open segment.
func (c *Consumer) GetOccupancyHistory(forceFlush bool) []timeline.Segment {
	return c.core.occupancy.GetSegments(forceFlush)
}

// SetDefaultBufferSize sets the geometry used when a dequeue requests
// zero dimensions.
func (c *Consumer) SetDefaultBufferSize(width, height uint32) error {
	core := c.core
	if width == 0 || height == 0 {
		core.log.Errorf("SetDefaultBufferSize: dimensions cannot be 0 (w=%d h=%d)", width, height)
		return api.ErrBadValue
	}
	core.mu.Lock()
	defer core.mu.Unlock()
	core.defaultWidth = width
	core.defaultHeight = height
	return nil
}

// SetDefaultMaxBufferCount bounds how many slots may be out of the free
// pool (dequeued, queued or acquired) at once; Dequeue blocks at the
// bound. Raising the bound can unblock a waiting producer.
func (c *Consumer) SetDefaultMaxBufferCount(count int) error {
	core := c.core
	if count < 2 || count > api.NumBufferSlots {
		core.log.Errorf("SetDefaultMaxBufferCount: invalid count %d", count)
		return api.ErrBadValue
	}
	core.mu.Lock()
	defer core.mu.Unlock()
	grew := count > core.maxBufferCount
	core.maxBufferCount = count
	if grew {
		core.dequeueCond.Broadcast()
	}
	return nil
}

// DisableAsyncBuffer forbids async mode. Valid only before a consumer
// connects.
func (c *Consumer) DisableAsyncBuffer() error {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.consumerListener != nil {
		core.log.Errorf("DisableAsyncBuffer: consumer already connected")
		return api.ErrInvalidOperation
	}
	core.useAsyncBuffer = false
	return nil
}

// SetMaxAcquiredBufferCount sets the acquired-slot cap. Valid only
// while no producer is connected.
func (c *Consumer) SetMaxAcquiredBufferCount(maxAcquired int) error {
	core := c.core
	if maxAcquired < 1 || maxAcquired > api.MaxMaxAcquiredBuffers {
		core.log.Errorf("SetMaxAcquiredBufferCount: invalid count %d", maxAcquired)
		return api.ErrBadValue
	}
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.connectedAPI != api.APINone {
		core.log.Errorf("SetMaxAcquiredBufferCount: producer already connected")
		return api.ErrInvalidOperation
	}
	core.maxAcquiredBufferCount = maxAcquired
	return nil
}

// SetConsumerName labels log lines and Dump output.
func (c *Consumer) SetConsumerName(name string) {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	core.consumerName = name
	core.log.Name = name
}

func (c *Consumer) SetDefaultBufferFormat(format api.PixelFormat) error {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	core.defaultFormat = format
	return nil
}

func (c *Consumer) SetDefaultBufferDataspace(ds api.Dataspace) error {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	core.defaultDataspace = ds
	return nil
}

func (c *Consumer) SetConsumerUsageBits(usage uint64) error {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	core.consumerUsageBits = usage
	return nil
}

func (c *Consumer) SetTransformHint(hint api.Transform) error {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	core.transformHint = hint
	return nil
}

// Stats is a point-in-time snapshot of queue occupancy for metrics
// export.
type Stats struct {
	FifoLen         int
	AcquiredCount   int
	FreeBufferCount int
	FreeSlotCount   int
	DroppedTotal    uint64
	FrameCounter    uint64
	Abandoned       bool
}

// GetStats snapshots occupancy counters under the lock.
func (c *Consumer) GetStats() Stats {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	return Stats{
		FifoLen:         core.fifo.len(),
		AcquiredCount:   core.acquiredCountLocked(),
		FreeBufferCount: len(core.freeBuffers),
		FreeSlotCount:   len(core.freeSlots),
		DroppedTotal:    core.droppedTotal,
		FrameCounter:    core.frameCounter,
		Abandoned:       core.abandoned,
	}
}

// IsConnected reports the connection phase: whether a consumer
// listener is installed and which producer API is attached.
func (c *Consumer) IsConnected() (consumer bool, producer api.ConnectionAPI) {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	return core.consumerListener != nil, core.connectedAPI
}

// GetSidebandStream returns the current sideband stream handle, or nil.
func (c *Consumer) GetSidebandStream() api.SidebandStream {
	core := c.core
	core.mu.Lock()
	defer core.mu.Unlock()
	return core.sideband
}
