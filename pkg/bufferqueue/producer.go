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
)

// Producer is the producer endpoint of a queue pair. It implements the
// consumer-observable contract: frames are queued in strictly
// increasing frame-number order, every entry carries a fence, and in
// async mode at most one entry sits in the fifo at a time.
type Producer struct {
	core *coreState
}

// QueueInput carries the per-frame metadata for Queue.
type QueueInput struct {
	// Timestamp is the desired present time in monotonic nanoseconds.
	// Leave zero with IsAutoTimestamp set when the application did not
	// supply one; Queue stamps the current time.
	Timestamp       int64
	IsAutoTimestamp bool

	// Async requests async submission: the entry is droppable and
	// replaces a pending droppable entry instead of appending, so the
	// fifo never grows past one frame. Ignored when the consumer has
	// disabled async buffers.
	Async bool

	// Fence gates consumer reads; required. Use fence.NoFence when the
	// contents are ready at queue time.
	Fence fence.Fence

	Crop        api.Rect
	Transform   api.Transform
	ScalingMode api.ScalingMode
	Dataspace   api.Dataspace
}

// Connect attaches a producer API to the queue. A consumer must be
// connected first; at most one producer API at a time.
func (p *Producer) Connect(listener api.ProducerListener, apiType api.ConnectionAPI, controlledByApp bool) error {
	core := p.core
	core.mu.Lock()
	defer core.mu.Unlock()

	if core.abandoned {
		core.log.Errorf("Connect(P): queue abandoned")
		return api.ErrNotInitialized
	}
	if core.consumerListener == nil {
		core.log.Errorf("Connect(P): no consumer connected")
		return api.ErrNotInitialized
	}
	if apiType == api.APINone {
		return api.ErrBadValue
	}
	if core.connectedAPI != api.APINone {
		core.log.Errorf("Connect(P): already connected (api %v)", core.connectedAPI)
		return api.ErrBadValue
	}

	core.connectedAPI = apiType
	core.connectedProducerListener = listener
	core.producerControlledByApp = controlledByApp
	return nil
}

// Disconnect detaches the producer API: the fifo is cleared, every
// slot is freed and any blocked Dequeue wakes. The consumer is told to
// refresh its cached mappings.
func (p *Producer) Disconnect(apiType api.ConnectionAPI) error {
	core := p.core
	var consumerListener api.ConsumerListener

	core.mu.Lock()
	if core.abandoned {
		// Disconnecting after abandonment is a no-op.
		core.mu.Unlock()
		return nil
	}
	if core.connectedAPI == api.APINone || apiType != core.connectedAPI {
		core.log.Errorf("Disconnect(P): connected api %v, asked %v", core.connectedAPI, apiType)
		core.mu.Unlock()
		return api.ErrBadValue
	}

	core.fifo.clear()
	core.occupancyChangedLocked()
	core.freeAllBuffersLocked()
	core.connectedAPI = api.APINone
	core.connectedProducerListener = nil
	consumerListener = core.consumerListener
	core.dequeueCond.Broadcast()
	core.validateLocked()
	core.mu.Unlock()

	if consumerListener != nil {
		consumerListener.OnBuffersReleased()
	}
	return nil
}

// Dequeue hands a free slot to the producer, allocating a buffer when
// the slot has none or its geometry no longer matches. Zero dimensions
// request the queue defaults. Dequeue blocks while the number of
// non-free slots is at the maximum buffer count or no slot is free;
// abandonment or a producer disconnect ends the wait with
// ErrNotInitialized.
//
// The returned fence is the consumer's release fence for the resident
// buffer; the producer must not write before it signals. allocated
// reports that the buffer handle is new and any cached mapping for the
// slot is invalid.
func (p *Producer) Dequeue(width, height uint32, format api.PixelFormat, usage uint64) (slot int, outFence fence.Fence, allocated bool, err error) {
	core := p.core
	core.mu.Lock()
	defer core.mu.Unlock()

	if width == 0 || height == 0 {
		width, height = core.defaultWidth, core.defaultHeight
	}
	if format == 0 {
		format = core.defaultFormat
	}
	usage |= core.consumerUsageBits

	for {
		if core.abandoned {
			return api.InvalidBufferSlot, nil, false, api.ErrNotInitialized
		}
		if core.connectedAPI == api.APINone {
			return api.InvalidBufferSlot, nil, false, api.ErrNotInitialized
		}

		if found, ok := p.chooseSlotLocked(width, height, format); ok {
			s := &core.slots[found]
			outFence = s.fence
			if s.graphicBuffer == nil ||
				s.graphicBuffer.Width != width || s.graphicBuffer.Height != height ||
				s.graphicBuffer.Format != format {
				if core.allocator == nil {
					p.restoreFreeLocked(found)
					return api.InvalidBufferSlot, nil, false, api.ErrNoMemory
				}
				if s.graphicBuffer != nil {
					core.allocator.Free(s.graphicBuffer)
					s.graphicBuffer = nil
				}
				buf, aerr := core.allocator.Allocate(width, height, format, usage)
				if aerr != nil {
					p.restoreFreeLocked(found)
					core.log.Errorf("Dequeue: allocation failed: %v", aerr)
					return api.InvalidBufferSlot, nil, false, aerr
				}
				buf.Generation = core.generation
				s.graphicBuffer = buf
				s.frameNumber = 0
				s.acquireCalled = false
				allocated = true
				outFence = fence.NoFence
			}
			s.state = StateDequeued
			core.validateLocked()
			return found, outFence, allocated, nil
		}

		// Every slot is in flight; wait for a release, drop, detach or
		// buffer-count increase. Re-check everything after each wake.
		core.dequeueCond.Wait()
	}
}

// restoreFreeLocked puts a slot taken by chooseSlotLocked back into
// the free collection matching its contents.
func (p *Producer) restoreFreeLocked(slot int) {
	core := p.core
	if core.slots[slot].graphicBuffer != nil {
		core.freeBuffers = append(core.freeBuffers, slot)
	} else {
		core.freeSlots[slot] = struct{}{}
	}
}

// chooseSlotLocked picks a slot for Dequeue, preferring a free buffer
// whose geometry already matches, then any free buffer, then an empty
// slot. Returns false when the producer is at its buffer cap or no
// slot is free. The chosen slot is removed from its free collection.
func (p *Producer) chooseSlotLocked(width, height uint32, format api.PixelFormat) (int, bool) {
	core := p.core

	inUse := 0
	for s := range core.slots {
		if core.slots[s].state != StateFree {
			inUse++
		}
	}
	if inUse >= core.maxBufferCount {
		return api.InvalidBufferSlot, false
	}

	for i, s := range core.freeBuffers {
		buf := core.slots[s].graphicBuffer
		if buf != nil && buf.Width == width && buf.Height == height && buf.Format == format {
			core.freeBuffers = append(core.freeBuffers[:i], core.freeBuffers[i+1:]...)
			return s, true
		}
	}
	if len(core.freeBuffers) > 0 {
		s := core.freeBuffers[0]
		core.freeBuffers = core.freeBuffers[1:]
		return s, true
	}
	for s := range core.slots {
		if _, ok := core.freeSlots[s]; ok {
			delete(core.freeSlots, s)
			return s, true
		}
	}
	return api.InvalidBufferSlot, false
}

// Queue submits a dequeued slot. The frame number is assigned here and
// strictly increases. In async mode a pending entry is replaced in
// place and its slot freed; otherwise the entry is appended. The
// matching listener callback fires after the lock is dropped.
func (p *Producer) Queue(slot int, input QueueInput) error {
	core := p.core

	if input.Fence == nil {
		core.log.Errorf("Queue: fence is required")
		return api.ErrBadValue
	}

	var (
		listener api.ConsumerListener
		item     api.BufferItem
		replaced bool
	)

	core.mu.Lock()

	if core.abandoned {
		core.mu.Unlock()
		return api.ErrNotInitialized
	}
	if core.connectedAPI == api.APINone {
		core.mu.Unlock()
		return api.ErrNotInitialized
	}
	if slot < 0 || slot >= api.NumBufferSlots {
		core.mu.Unlock()
		core.log.Errorf("Queue: slot %d out of range", slot)
		return api.ErrBadValue
	}
	s := &core.slots[slot]
	if s.state != StateDequeued {
		core.mu.Unlock()
		core.log.Errorf("Queue: slot %d state %v", slot, s.state)
		return api.ErrBadValue
	}

	ts := input.Timestamp
	auto := input.IsAutoTimestamp
	if ts == 0 && auto {
		ts = core.now()
	}

	item = api.BufferItem{
		Slot:            slot,
		GraphicBuffer:   s.graphicBuffer,
		FrameNumber:     core.nextFrameNumberLocked(),
		Timestamp:       ts,
		IsAutoTimestamp: auto,
		IsDroppable:     input.Async && core.useAsyncBuffer,
		AcquireCalled:   s.acquireCalled,
		Fence:           input.Fence,
		Crop:            input.Crop,
		Transform:       input.Transform,
		ScalingMode:     input.ScalingMode,
		Dataspace:       input.Dataspace,
	}

	s.state = StateQueued
	s.fence = input.Fence
	s.frameNumber = item.FrameNumber

	if item.IsDroppable && !core.fifo.empty() && core.fifo.back().IsDroppable {
		// Async mode keeps the fifo one entry deep: overwrite the
		// pending entry and free its slot.
		old := *core.fifo.back()
		if core.stillTracking(&old) && old.Slot != slot {
			oldSlot := &core.slots[old.Slot]
			oldSlot.state = StateFree
			core.freeBuffers = append(core.freeBuffers, old.Slot)
		}
		*core.fifo.back() = item
		replaced = true
	} else {
		core.fifo.pushBack(item)
	}
	core.occupancyChangedLocked()

	listener = core.consumerListener
	core.dequeueCond.Broadcast()
	core.validateLocked()
	core.mu.Unlock()

	if listener != nil {
		if replaced {
			listener.OnFrameReplaced(item)
		} else {
			listener.OnFrameAvailable(item)
		}
	}
	return nil
}

// Cancel returns a dequeued slot unqueued. The fence, if the producer
// started rendering, travels with the buffer.
func (p *Producer) Cancel(slot int, f fence.Fence) error {
	core := p.core
	core.mu.Lock()
	defer core.mu.Unlock()

	if core.abandoned {
		return api.ErrNotInitialized
	}
	if slot < 0 || slot >= api.NumBufferSlots || f == nil {
		core.log.Errorf("Cancel: slot %d out of range or nil fence", slot)
		return api.ErrBadValue
	}
	s := &core.slots[slot]
	if s.state != StateDequeued {
		core.log.Errorf("Cancel: slot %d state %v", slot, s.state)
		return api.ErrBadValue
	}

	s.state = StateFree
	s.fence = f
	core.freeBuffers = append(core.freeBuffers, slot)
	core.dequeueCond.Broadcast()
	core.validateLocked()
	return nil
}

// Detach removes the buffer from a dequeued slot, transferring its
// ownership to the producer.
func (p *Producer) Detach(slot int) error {
	core := p.core
	core.mu.Lock()
	defer core.mu.Unlock()

	if core.abandoned {
		return api.ErrNotInitialized
	}
	if slot < 0 || slot >= api.NumBufferSlots {
		core.log.Errorf("Detach(P): slot %d out of range", slot)
		return api.ErrBadValue
	}
	s := &core.slots[slot]
	if s.state != StateDequeued {
		core.log.Errorf("Detach(P): slot %d state %v", slot, s.state)
		return api.ErrBadValue
	}

	s.graphicBuffer = nil
	s.clear()
	core.removeFromFreeBuffersLocked(slot)
	core.freeSlots[slot] = struct{}{}
	core.dequeueCond.Broadcast()
	core.validateLocked()
	return nil
}

// Attach inserts a producer-owned buffer into a free slot in DEQUEUED
// state. The buffer's generation must match the queue's.
func (p *Producer) Attach(buf *api.GraphicBuffer) (int, error) {
	core := p.core

	if buf == nil {
		return api.InvalidBufferSlot, api.ErrBadValue
	}

	core.mu.Lock()
	defer core.mu.Unlock()

	if core.abandoned {
		return api.InvalidBufferSlot, api.ErrNotInitialized
	}
	if core.connectedAPI == api.APINone {
		return api.InvalidBufferSlot, api.ErrNotInitialized
	}
	if buf.Generation != core.generation {
		core.log.Errorf("Attach(P): generation mismatch [buffer %d] [queue %d]",
			buf.Generation, core.generation)
		return api.InvalidBufferSlot, api.ErrBadValue
	}

	found, ok := p.chooseSlotLocked(buf.Width, buf.Height, buf.Format)
	if !ok {
		return api.InvalidBufferSlot, api.ErrNoMemory
	}
	s := &core.slots[found]
	if s.graphicBuffer != nil && core.allocator != nil {
		core.allocator.Free(s.graphicBuffer)
	}
	s.graphicBuffer = buf
	s.state = StateDequeued
	s.fence = fence.NoFence
	s.frameNumber = 0
	s.acquireCalled = false

	core.validateLocked()
	return found, nil
}

// SetSidebandStream installs an out-of-band frame source. The consumer
// is notified outside the lock.
func (p *Producer) SetSidebandStream(stream api.SidebandStream) error {
	core := p.core

	core.mu.Lock()
	if core.abandoned {
		core.mu.Unlock()
		return api.ErrNotInitialized
	}
	core.sideband = stream
	listener := core.consumerListener
	core.mu.Unlock()

	if listener != nil {
		listener.OnSidebandStreamChanged()
	}
	return nil
}

// SetGenerationNumber changes the queue generation, invalidating
// attach of buffers stamped with the old one.
func (p *Producer) SetGenerationNumber(gen uint32) error {
	core := p.core
	core.mu.Lock()
	defer core.mu.Unlock()
	core.generation = gen
	return nil
}
