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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/surfaceq/api"
	"github.com/srediag/surfaceq/pkg/fence"
)

const second = int64(time.Second)

func TestAcquireHappyPath(t *testing.T) {
	p, c, _, pl := newTestQueue(t)

	slot, frame := queueFrame(t, p, QueueInput{Timestamp: 1000})

	item, err := c.Acquire(1000, 0)
	require.NoError(t, err)
	assert.Equal(t, slot, item.Slot)
	assert.Equal(t, frame, item.FrameNumber)
	assert.Equal(t, StateAcquired, slotState(c, slot))
	assert.Equal(t, 0, fifoLen(c))

	c.core.mu.Lock()
	acquireCalled := c.core.slots[slot].acquireCalled
	c.core.mu.Unlock()
	assert.True(t, acquireCalled)

	require.NoError(t, c.Release(slot, frame, fence.NoFence, EGLState{}))
	assert.Equal(t, StateFree, slotState(c, slot))
	assert.True(t, inFreeBuffers(c, slot))
	assert.Equal(t, int32(1), pl.releases.Load())
}

func TestAcquireEmptyQueue(t *testing.T) {
	_, c, _, _ := newTestQueue(t)
	_, err := c.Acquire(0, 0)
	assert.ErrorIs(t, err, api.ErrNoBufferAvailable)
}

func TestAcquireDropOnTiming(t *testing.T) {
	p, c, _, pl := newTestQueue(t)

	slot1, _ := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	slot2, frame2 := queueFrame(t, p, QueueInput{Timestamp: 2 * second})
	require.NotEqual(t, slot1, slot2)

	item, err := c.Acquire(2*second, 0)
	require.NoError(t, err)
	assert.Equal(t, slot2, item.Slot)
	assert.Equal(t, frame2, item.FrameNumber)

	// The stale front frame went back to the free pool and the
	// producer heard about it exactly once.
	assert.Equal(t, StateFree, slotState(c, slot1))
	assert.True(t, inFreeBuffers(c, slot1))
	assert.Equal(t, int32(1), pl.releases.Load())
	assert.Equal(t, 0, fifoLen(c))
}

func TestAcquireNoDropWhenFrontAutoTimestamp(t *testing.T) {
	p, c, _, pl := newTestQueue(t)

	slot1, frame1 := queueFrame(t, p, QueueInput{Timestamp: 1 * second, IsAutoTimestamp: true})
	queueFrame(t, p, QueueInput{Timestamp: 2 * second})

	item, err := c.Acquire(2*second, 0)
	require.NoError(t, err)
	assert.Equal(t, slot1, item.Slot)
	assert.Equal(t, frame1, item.FrameNumber)
	assert.Equal(t, int32(0), pl.releases.Load())
	assert.Equal(t, 1, fifoLen(c))
}

func TestAcquirePresentLater(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	// Well past the plausibility window: treated as garbage, show now.
	slot, _ := queueFrame(t, p, QueueInput{Timestamp: 5 * second})
	item, err := c.Acquire(1*second, 0)
	require.NoError(t, err)
	assert.Equal(t, slot, item.Slot)
	require.NoError(t, c.Release(item.Slot, item.FrameNumber, fence.NoFence, EGLState{}))

	// Inside the window but not due yet: defer without touching state.
	slot2, _ := queueFrame(t, p, QueueInput{Timestamp: second + second/2})
	_, err = c.Acquire(1*second, 0)
	assert.ErrorIs(t, err, api.ErrPresentLater)
	assert.Equal(t, StateQueued, slotState(c, slot2))
	assert.Equal(t, 1, fifoLen(c))
}

func TestAcquireBoundaryTimestamps(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	// Exactly equal: accepted.
	_, frame := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	item, err := c.Acquire(1*second, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(item.Slot, frame, fence.NoFence, EGLState{}))

	// expectedPresent = timestamp + 1s + 1: desired is implausibly far
	// behind, acquire immediately.
	_, _ = queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	_, err = c.Acquire(1*second+second+1, 0)
	require.NoError(t, err)
}

func TestAcquireZeroExpectedIgnoresMaxFrame(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	item, err := func() (api.BufferItem, error) {
		s, f := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
		it, err := c.Acquire(0, 0)
		require.NoError(t, err)
		require.Equal(t, s, it.Slot)
		require.NoError(t, c.Release(s, f, fence.NoFence, EGLState{}))
		// Front is now frame 2; gate below its number.
		queueFrame(t, p, QueueInput{Timestamp: 1 * second})
		return c.Acquire(0, 1)
	}()

	// With expectedPresent zero the frame-number gate does not apply.
	require.NoError(t, err)
	assert.Equal(t, uint64(2), item.FrameNumber)

	// With a timing constraint the same gate defers.
	queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	_, err = c.Acquire(2*second, 2)
	assert.ErrorIs(t, err, api.ErrPresentLater)
}

func TestAcquireMaxFrameNumberStopsDrops(t *testing.T) {
	p, c, _, pl := newTestQueue(t)

	slot1, frame1 := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	queueFrame(t, p, QueueInput{Timestamp: 2 * second})

	// The consumer only accepts up to frame1, so the front must not be
	// dropped even though frame2 is timely.
	item, err := c.Acquire(2*second, frame1)
	require.NoError(t, err)
	assert.Equal(t, slot1, item.Slot)
	assert.Equal(t, int32(0), pl.releases.Load())
}

func TestAcquireAtCap(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	// Default cap is one acquired buffer, plus one slack.
	for i := 0; i < 2; i++ {
		queueFrame(t, p, QueueInput{Timestamp: 1 * second})
		_, err := c.Acquire(0, 0)
		require.NoError(t, err)
	}

	queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	_, err := c.Acquire(0, 0)
	assert.ErrorIs(t, err, api.ErrInvalidOperation)
	assert.Equal(t, 1, fifoLen(c))
}

func TestAcquireElidesKnownBuffers(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	slot, frame := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	item, err := c.Acquire(0, 0)
	require.NoError(t, err)
	assert.NotNil(t, item.GraphicBuffer, "first acquire sends the handle")
	require.NoError(t, c.Release(slot, frame, fence.NoFence, EGLState{}))

	slot2, _ := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	require.Equal(t, slot, slot2)
	item, err = c.Acquire(0, 0)
	require.NoError(t, err)
	assert.Nil(t, item.GraphicBuffer, "second acquire elides the cached handle")
}

func TestReleaseStaleFrameNumber(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	slot, frame := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	_, err := c.Acquire(0, 0)
	require.NoError(t, err)

	err = c.Release(slot, frame+1, fence.NoFence, EGLState{})
	assert.ErrorIs(t, err, api.ErrStaleBufferSlot)
	assert.Equal(t, StateAcquired, slotState(c, slot))
}

func TestReleaseQueuedSlotRejected(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	slot, frame := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	_, err := c.Acquire(0, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(slot, frame, fence.NoFence, EGLState{}))

	// The producer requeues the same slot; releasing it again with the
	// new frame number must fail rather than corrupt the fifo.
	slot2, frame2 := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	require.Equal(t, slot, slot2)
	err = c.Release(slot, frame2, fence.NoFence, EGLState{})
	assert.ErrorIs(t, err, api.ErrBadValue)
	assert.Equal(t, StateQueued, slotState(c, slot))
}

func TestReleaseBadValues(t *testing.T) {
	_, c, _, _ := newTestQueue(t)

	assert.ErrorIs(t, c.Release(-1, 0, fence.NoFence, EGLState{}), api.ErrBadValue)
	assert.ErrorIs(t, c.Release(api.NumBufferSlots, 0, fence.NoFence, EGLState{}), api.ErrBadValue)
	assert.ErrorIs(t, c.Release(0, 0, nil, EGLState{}), api.ErrBadValue)
	// Free slot with matching frame number zero: not releasable.
	assert.ErrorIs(t, c.Release(3, 0, fence.NoFence, EGLState{}), api.ErrBadValue)
}

func TestAttachThenRelease(t *testing.T) {
	_, c, _, _ := newTestQueue(t)

	buf := &api.GraphicBuffer{ID: 99, Width: 64, Height: 64, Format: 1}
	slot, err := c.Attach(buf)
	require.NoError(t, err)
	assert.Equal(t, StateAcquired, slotState(c, slot))

	c.core.mu.Lock()
	s := &c.core.slots[slot]
	assert.True(t, s.attachedByConsumer)
	assert.False(t, s.acquireCalled)
	assert.Equal(t, uint64(0), s.frameNumber)
	c.core.mu.Unlock()

	// Frame numbers match (both zero), so the release is not stale.
	require.NoError(t, c.Release(slot, 0, fence.NoFence, EGLState{}))
	assert.Equal(t, StateFree, slotState(c, slot))
	assert.True(t, inFreeBuffers(c, slot))
}

func TestAttachDetachRoundTrip(t *testing.T) {
	_, c, _, _ := newTestQueue(t)

	buf := &api.GraphicBuffer{ID: 7, Width: 64, Height: 64, Format: 1}
	slot, err := c.Attach(buf)
	require.NoError(t, err)

	require.NoError(t, c.Detach(slot))
	assert.Equal(t, StateFree, slotState(c, slot))
	assert.True(t, inFreeSlots(c, slot))
	assert.False(t, inFreeBuffers(c, slot))
}

func TestAttachGenerationMismatch(t *testing.T) {
	_, c, _, _ := newTestQueue(t)

	buf := &api.GraphicBuffer{ID: 1, Generation: 7}
	_, err := c.Attach(buf)
	assert.ErrorIs(t, err, api.ErrBadValue)
}

func TestAttachPrefersEmptySlot(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	// Put one buffer into freeBuffers.
	slotA, frameA := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	itemA, err := c.Acquire(0, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(slotA, frameA, fence.NoFence, EGLState{}))
	_ = itemA

	// All other slots are still empty, so attach must use one of them,
	// not steal slotA's buffer.
	buf := &api.GraphicBuffer{ID: 50}
	slot, err := c.Attach(buf)
	require.NoError(t, err)
	assert.NotEqual(t, slotA, slot)
	assert.True(t, inFreeBuffers(c, slotA))
}

func TestAttachNoMemory(t *testing.T) {
	_, consumer := New(Config{ConsumerName: t.Name()})
	require.NoError(t, consumer.SetMaxAcquiredBufferCount(api.MaxMaxAcquiredBuffers))
	require.NoError(t, consumer.Connect(&consumerRecorder{}, false))

	for i := 0; i < api.NumBufferSlots; i++ {
		_, err := consumer.Attach(&api.GraphicBuffer{ID: uint64(i + 1)})
		require.NoError(t, err)
	}
	_, err := consumer.Attach(&api.GraphicBuffer{ID: 1000})
	assert.ErrorIs(t, err, api.ErrNoMemory)
}

func TestGetReleasedBuffersMask(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	mask, err := c.GetReleasedBuffers()
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), mask, "nothing acquired yet: every mapping invalid")

	slot, frame := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	_, err = c.Acquire(0, 0)
	require.NoError(t, err)

	mask, err = c.GetReleasedBuffers()
	require.NoError(t, err)
	assert.Zero(t, mask&(1<<uint(slot)), "acquired slot keeps its mapping")

	// Requeue the slot: the queued entry carries acquireCalled, so the
	// mapping stays valid even while the slot awaits acquire.
	require.NoError(t, c.Release(slot, frame, fence.NoFence, EGLState{}))
	slot2, _ := queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	require.Equal(t, slot, slot2)
	mask, err = c.GetReleasedBuffers()
	require.NoError(t, err)
	assert.Zero(t, mask&(1<<uint(slot)))
}

func TestDisconnectAbandons(t *testing.T) {
	p, c, _, _ := newTestQueue(t)

	queueFrame(t, p, QueueInput{Timestamp: 1 * second})
	queueFrame(t, p, QueueInput{Timestamp: 2 * second})

	require.NoError(t, c.Disconnect())

	assert.Equal(t, 0, fifoLen(c))
	for s := 0; s < api.NumBufferSlots; s++ {
		assert.Equal(t, StateFree, slotState(c, s))
	}

	// Acquire reports an empty fifo rather than abandonment; all other
	// consumer operations fail with ErrNotInitialized.
	_, err := c.Acquire(0, 0)
	assert.ErrorIs(t, err, api.ErrNoBufferAvailable)
	assert.ErrorIs(t, c.Detach(0), api.ErrNotInitialized)
	_, err = c.GetReleasedBuffers()
	assert.ErrorIs(t, err, api.ErrNotInitialized)

	_, _, _, err = p.Dequeue(0, 0, 1, 0)
	assert.ErrorIs(t, err, api.ErrNotInitialized)
}

func TestSetterConnectionPhases(t *testing.T) {
	p, c, _, _ := newTestQueue(t)
	_ = p

	assert.ErrorIs(t, c.SetMaxAcquiredBufferCount(2), api.ErrInvalidOperation,
		"producer already connected")
	assert.ErrorIs(t, c.DisableAsyncBuffer(), api.ErrInvalidOperation,
		"consumer already connected")
	assert.ErrorIs(t, c.SetMaxAcquiredBufferCount(0), api.ErrBadValue)
	assert.ErrorIs(t, c.SetMaxAcquiredBufferCount(api.MaxMaxAcquiredBuffers+1), api.ErrBadValue)
	assert.ErrorIs(t, c.SetDefaultMaxBufferCount(1), api.ErrBadValue)
	assert.ErrorIs(t, c.SetDefaultBufferSize(0, 10), api.ErrBadValue)
	assert.NoError(t, c.SetDefaultBufferFormat(5))
	assert.NoError(t, c.SetDefaultBufferDataspace(2))
	assert.NoError(t, c.SetConsumerUsageBits(0x30))
	assert.NoError(t, c.SetTransformHint(4))
}

func TestOccupancyHistory(t *testing.T) {
	now := int64(0)
	producer, consumer := New(Config{
		ConsumerName: t.Name(),
		Allocator:    &testAllocator{},
		Now:          func() int64 { now += int64(time.Millisecond); return now },
	})
	require.NoError(t, consumer.Connect(&consumerRecorder{}, false))
	require.NoError(t, producer.Connect(nil, api.APICPU, false))
	require.NoError(t, consumer.SetDefaultBufferSize(64, 64))

	slot, _, _, err := producer.Dequeue(0, 0, 1, 0)
	require.NoError(t, err)
	require.NoError(t, producer.Queue(slot, QueueInput{Timestamp: 1, Fence: fence.NoFence}))

	item, err := consumer.Acquire(0, 0)
	require.NoError(t, err)
	require.NoError(t, consumer.Release(item.Slot, item.FrameNumber, fence.NoFence, EGLState{}))

	segments := consumer.GetOccupancyHistory(false)
	require.Len(t, segments, 1)
	assert.Equal(t, 1, segments[0].NumFrames)
	assert.False(t, segments[0].UsedThirdBuffer)

	// History resets after extraction.
	assert.Empty(t, consumer.GetOccupancyHistory(false))
}

func TestDumpIsLockSafeAndComplete(t *testing.T) {
	p, c, _, _ := newTestQueue(t)
	slot, _ := queueFrame(t, p, QueueInput{Timestamp: 1 * second})

	out := c.Dump("| ")
	assert.Contains(t, out, "fifo(1)")
	assert.Contains(t, out, "QUEUED")
	_ = slot
}
