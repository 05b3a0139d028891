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
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/srediag/surfaceq/api"
	"github.com/srediag/surfaceq/pkg/fence"
)

func TestMain(m *testing.M) {
	// Invariant violations must fail tests loudly, not just log.
	debugMode = true
	os.Exit(m.Run())
}

type testAllocator struct {
	mu     sync.Mutex
	nextID uint64
	freed  int
}

func (a *testAllocator) Allocate(w, h uint32, format api.PixelFormat, usage uint64) (*api.GraphicBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	return &api.GraphicBuffer{ID: a.nextID, Width: w, Height: h, Format: format, Usage: usage}, nil
}

func (a *testAllocator) Free(*api.GraphicBuffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed++
}

type consumerRecorder struct {
	mu        sync.Mutex
	available []api.BufferItem
	replaced  []api.BufferItem
	released  int
	sideband  int
}

func (r *consumerRecorder) OnFrameAvailable(item api.BufferItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = append(r.available, item)
}

func (r *consumerRecorder) OnFrameReplaced(item api.BufferItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaced = append(r.replaced, item)
}

func (r *consumerRecorder) OnBuffersReleased() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
}

func (r *consumerRecorder) OnSidebandStreamChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sideband++
}

func (r *consumerRecorder) availableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.available)
}

type producerRecorder struct {
	releases atomic.Int32
}

func (r *producerRecorder) OnBufferReleased() { r.releases.Add(1) }

// newTestQueue builds a fully connected queue pair with recorders on
// both listener interfaces.
func newTestQueue(t *testing.T) (*Producer, *Consumer, *consumerRecorder, *producerRecorder) {
	t.Helper()
	producer, consumer := New(Config{ConsumerName: t.Name(), Allocator: &testAllocator{}})
	cl := &consumerRecorder{}
	if err := consumer.Connect(cl, false); err != nil {
		t.Fatalf("consumer connect: %v", err)
	}
	pl := &producerRecorder{}
	if err := producer.Connect(pl, api.APICPU, false); err != nil {
		t.Fatalf("producer connect: %v", err)
	}
	if err := consumer.SetDefaultBufferSize(64, 64); err != nil {
		t.Fatalf("set default size: %v", err)
	}
	return producer, consumer, cl, pl
}

// queueFrame dequeues, fills and queues one frame, returning its slot
// and frame number.
func queueFrame(t *testing.T, p *Producer, input QueueInput) (int, uint64) {
	t.Helper()
	slot, _, _, err := p.Dequeue(0, 0, 1, 0)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if input.Fence == nil {
		input.Fence = fence.NoFence
	}
	if err := p.Queue(slot, input); err != nil {
		t.Fatalf("queue: %v", err)
	}
	p.core.mu.Lock()
	frame := p.core.slots[slot].frameNumber
	p.core.mu.Unlock()
	return slot, frame
}

func slotState(q *Consumer, slot int) BufferState {
	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	return q.core.slots[slot].state
}

func inFreeBuffers(q *Consumer, slot int) bool {
	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	for _, s := range q.core.freeBuffers {
		if s == slot {
			return true
		}
	}
	return false
}

func inFreeSlots(q *Consumer, slot int) bool {
	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	_, ok := q.core.freeSlots[slot]
	return ok
}

func fifoLen(q *Consumer) int {
	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	return q.core.fifo.len()
}
