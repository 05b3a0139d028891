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

// Package bufferqueue implements the slot-based buffer exchange between
// a frame producer and a compositing consumer. A fixed table of 64
// slots mediates ownership of allocator-owned graphic buffers; frames
// flow through an ordered fifo with timing-based acquire, dropping and
// back-pressure semantics.
package bufferqueue

import (
	"sync"
	"time"

	"github.com/srediag/surfaceq/api"
	"github.com/srediag/surfaceq/pkg/timeline"
)

const (
	// maxReasonableNsec is the plausibility tolerance around expected
	// present times. Desired-present timestamps more than one second
	// out are treated as garbage meaning "show now".
	maxReasonableNsec = int64(time.Second)

	defaultMaxBufferCount         = api.NumBufferSlots
	defaultMaxAcquiredBufferCount = 1
)

// Config parameterizes a queue pair.
type Config struct {
	// ConsumerName labels log lines and Dump output. Settable later via
	// Consumer.SetConsumerName.
	ConsumerName string

	// Allocator backs producer dequeues that need a fresh buffer. May
	// be nil for consumers fed exclusively via Attach.
	Allocator api.Allocator

	// Now supplies the monotonic clock for occupancy bookkeeping; nil
	// uses the wall clock.
	Now func() int64
}

// coreState owns the slot table, the fifo and the connection state. A
// single coarse mutex guards all of it; dequeueCond broadcasts on every
// transition that could unblock a waiting producer.
type coreState struct {
	mu          sync.Mutex
	dequeueCond *sync.Cond

	slots [api.NumBufferSlots]bufferSlot
	fifo  frameFIFO

	// freeSlots holds free slots with no resident buffer; freeBuffers
	// holds free slots whose buffer is kept for reuse, oldest first. A
	// slot is in at most one of the two.
	freeSlots   map[int]struct{}
	freeBuffers []int

	consumerListener          api.ConsumerListener
	connectedProducerListener api.ProducerListener
	connectedAPI              api.ConnectionAPI
	consumerControlledByApp   bool
	producerControlledByApp   bool

	abandoned bool

	maxAcquiredBufferCount int
	maxBufferCount         int
	useAsyncBuffer         bool

	defaultWidth      uint32
	defaultHeight     uint32
	defaultFormat     api.PixelFormat
	defaultDataspace  api.Dataspace
	consumerUsageBits uint64
	transformHint     api.Transform
	consumerName      string
	generation        uint32
	sideband          api.SidebandStream

	// frameCounter is the source of queue-time frame numbers.
	frameCounter uint64

	// droppedTotal counts frames skipped by the acquire drop loop.
	droppedTotal uint64

	allocator api.Allocator
	occupancy *timeline.OccupancyTracker
	now       func() int64

	log *logger
}

func newCore(cfg Config) *coreState {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	c := &coreState{
		freeSlots:              make(map[int]struct{}, api.NumBufferSlots),
		maxAcquiredBufferCount: defaultMaxAcquiredBufferCount,
		maxBufferCount:         defaultMaxBufferCount,
		useAsyncBuffer:         true,
		consumerName:           cfg.ConsumerName,
		allocator:              cfg.Allocator,
		occupancy:              timeline.NewOccupancyTracker(now),
		now:                    now,
		log:                    newLogger(cfg.ConsumerName, nil),
	}
	c.dequeueCond = sync.NewCond(&c.mu)
	for s := range c.slots {
		c.slots[s].clear()
		c.freeSlots[s] = struct{}{}
	}
	return c
}

// New creates a connected queue pair. The two endpoints share the core
// but expose disjoint operation sets and can be handed to different
// goroutines or processes.
func New(cfg Config) (*Producer, *Consumer) {
	core := newCore(cfg)
	return &Producer{core: core}, &Consumer{core: core}
}

// stillTracking reports whether the slot named by item still holds the
// same buffer the item was queued with. False means the slot was freed
// or reallocated while the item sat in the fifo.
func (c *coreState) stillTracking(item *api.BufferItem) bool {
	s := &c.slots[item.Slot]
	return s.graphicBuffer != nil && s.graphicBuffer == item.GraphicBuffer
}

func (c *coreState) acquiredCountLocked() int {
	n := 0
	for s := range c.slots {
		if c.slots[s].state == StateAcquired {
			n++
		}
	}
	return n
}

// freeBufferLocked drops the slot's buffer and returns the empty slot
// to freeSlots.
func (c *coreState) freeBufferLocked(slot int) {
	s := &c.slots[slot]
	if s.graphicBuffer != nil && c.allocator != nil {
		c.allocator.Free(s.graphicBuffer)
	}
	s.clear()
	c.removeFromFreeBuffersLocked(slot)
	c.freeSlots[slot] = struct{}{}
}

func (c *coreState) freeAllBuffersLocked() {
	for s := range c.slots {
		c.freeBufferLocked(s)
	}
}

func (c *coreState) removeFromFreeBuffersLocked(slot int) {
	for i, s := range c.freeBuffers {
		if s == slot {
			c.freeBuffers = append(c.freeBuffers[:i], c.freeBuffers[i+1:]...)
			return
		}
	}
}

func (c *coreState) occupancyChangedLocked() {
	c.occupancy.RegisterOccupancyChange(c.fifo.len())
}

// validateLocked checks the table invariants. It runs at the end of
// every mutating operation, after the last mutation and before the
// lock is released. Violations log and, in debug mode, panic; they are
// never returned to callers.
func (c *coreState) validateLocked() {
	fail := func(format string, a ...interface{}) {
		c.log.Errorf("validate: "+format, a...)
		if debugMode {
			panic("bufferqueue: consistency check failed")
		}
	}

	if n := c.acquiredCountLocked(); n > c.maxAcquiredBufferCount+1 {
		fail("%d buffers acquired, cap is %d+1", n, c.maxAcquiredBufferCount)
	}

	for i := 1; i < c.fifo.len(); i++ {
		if c.fifo.at(i).FrameNumber <= c.fifo.at(i-1).FrameNumber {
			fail("fifo frame numbers not strictly increasing at %d", i)
		}
	}

	for s := range c.slots {
		slot := &c.slots[s]
		refs := c.fifo.countRefs(s)
		if slot.state == StateQueued && refs != 1 {
			fail("slot %d QUEUED with %d fifo entries", s, refs)
		}
		if slot.state != StateQueued && refs != 0 {
			fail("slot %d state %v but referenced by %d fifo entries", s, slot.state, refs)
		}
		switch slot.state {
		case StateDequeued, StateQueued, StateAcquired:
			if slot.graphicBuffer == nil {
				fail("slot %d state %v without a buffer", s, slot.state)
			}
		}
		_, inFreeSlots := c.freeSlots[s]
		inFreeBuffers := false
		for _, fb := range c.freeBuffers {
			if fb == s {
				inFreeBuffers = true
				break
			}
		}
		if inFreeSlots && inFreeBuffers {
			fail("slot %d in both free collections", s)
		}
		if inFreeSlots && (slot.state != StateFree || slot.graphicBuffer != nil) {
			fail("slot %d in freeSlots but state %v buffer %v", s, slot.state, slot.graphicBuffer)
		}
		if inFreeBuffers && (slot.state != StateFree || slot.graphicBuffer == nil) {
			fail("slot %d in freeBuffers but state %v", s, slot.state)
		}
		if (inFreeSlots || inFreeBuffers) && slot.state != StateFree {
			fail("slot %d in a free collection but state %v", s, slot.state)
		}
	}
}

// nextFrameNumberLocked assigns the strictly increasing queue-time
// frame number.
func (c *coreState) nextFrameNumberLocked() uint64 {
	c.frameCounter++
	return c.frameCounter
}
