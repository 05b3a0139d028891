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

// BufferState is the lifecycle state of one slot. Exactly one state
// holds at a time; transitions happen only under the core lock.
type BufferState int32

const (
	// StateFree: owned by the queue, dequeuable. The slot may or may
	// not hold a resident buffer (freeBuffers vs freeSlots).
	StateFree BufferState = iota

	// StateDequeued: owned by the producer, being rendered into.
	StateDequeued

	// StateQueued: filled by the producer, referenced by exactly one
	// fifo entry, awaiting acquire.
	StateQueued

	// StateAcquired: owned by the consumer, bound or binding to a
	// texture.
	StateAcquired

	// StateShared: owned by producer and consumer simultaneously in
	// shared-buffer mode.
	StateShared
)

func (s BufferState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateDequeued:
		return "DEQUEUED"
	case StateQueued:
		return "QUEUED"
	case StateAcquired:
		return "ACQUIRED"
	case StateShared:
		return "SHARED"
	}
	return "INVALID"
}

// EGLState carries the texture-binding context stored on release. The
// core treats both values as opaque.
type EGLState struct {
	Display uintptr
	Sync    uintptr
}

// bufferSlot is one row of the slot table. Guarded by the core lock.
type bufferSlot struct {
	graphicBuffer *api.GraphicBuffer
	state         BufferState

	// fence meaning depends on state: the producer's queue fence while
	// QUEUED, the consumer's release fence while FREE.
	fence fence.Fence

	// frameNumber of the last queue into this slot; 0 before first use
	// and for consumer-attached buffers.
	frameNumber uint64

	// acquireCalled set once the consumer has seen this slot via
	// Acquire; later acquires elide the buffer handle.
	acquireCalled bool

	attachedByConsumer    bool
	needsCleanupOnRelease bool

	egl EGLState
}

func (s *bufferSlot) clear() {
	*s = bufferSlot{fence: fence.NoFence}
}
