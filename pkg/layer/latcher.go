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

// Package layer drives a buffer queue consumer on behalf of one
// composited surface: it mirrors frame arrivals in a shadow queue,
// decides when to latch against the display-sync clock, binds latched
// buffers to a texture and propagates release fences back.
package layer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/surfaceq/api"
	"github.com/srediag/surfaceq/internal/logging"
	"github.com/srediag/surfaceq/internal/prop"
	"github.com/srediag/surfaceq/pkg/bufferqueue"
	"github.com/srediag/surfaceq/pkg/fence"
	"github.com/srediag/surfaceq/pkg/timeline"
)

// frameOrderWait bounds how long an out-of-order frame notification
// waits for its predecessor before proceeding anyway.
const frameOrderWait = 500 * time.Millisecond

// Compositor is the latcher's view of the compositing loop.
type Compositor interface {
	// SignalLayerUpdate requests another latch pass soon.
	SignalLayerUpdate()
	// SignalTransaction requests a transaction pass (geometry or
	// sideband changes).
	SignalTransaction()
}

// Rejecter vetoes an acquired buffer before it is bound; a rejected
// buffer is released immediately and the latch pass yields nothing.
type Rejecter func(buf *api.GraphicBuffer, item api.BufferItem) bool

// Config assembles a Latcher.
type Config struct {
	Name       string
	Consumer   *bufferqueue.Consumer
	Texture    api.TextureImage
	Compositor Compositor
	DispSync   api.DispSync
	Rejecter   Rejecter

	// WakePool, when set, is a shared executor for compositor wakeups;
	// the latcher otherwise owns a single-worker pool.
	WakePool *ants.Pool

	Now func() int64
}

// pendingRelease is the previously latched buffer awaiting release
// once composition of its replacement completes.
type pendingRelease struct {
	valid        bool
	slot         int
	frameNumber  uint64
	releaseFence fence.Fence
}

// Latcher is the per-surface driver on top of the consumer endpoint.
//
// Lock discipline: queueMu guards only the shadow queue and received
// frame numbers. It is never held while calling into the consumer, and
// the consumer never holds its lock when invoking the listener methods
// here.
type Latcher struct {
	name       string
	consumer   *bufferqueue.Consumer
	texture    api.TextureImage
	compositor Compositor
	dispSync   api.DispSync
	rejecter   Rejecter
	now        func() int64

	pool     *ants.Pool
	ownsPool bool

	queuedFrames          atomic.Int32
	sidebandStreamChanged atomic.Bool
	autoRefresh           atomic.Bool

	queueMu                 sync.Mutex
	queueCond               *sync.Cond
	shadowQueue             []api.BufferItem
	lastFrameNumberReceived uint64

	// Compositor-thread state below; not guarded.
	currentFrameNumber   uint64
	previousFrameNumber  uint64
	refreshPending       bool
	updateTexImageFailed bool
	bufferLatched        bool
	frameLatencyNeeded   bool

	activeBuffer *api.GraphicBuffer
	activeSlot   int
	currentItem  api.BufferItem

	boundsW, boundsH uint32

	// bufferCache resolves items whose handle was elided on acquire.
	bufferCache [api.NumBufferSlots]*api.GraphicBuffer

	pending      pendingRelease
	releaseFence fence.Fence

	syncMu          sync.Mutex
	localSyncPoints []*SyncPoint

	history         *timeline.FrameEventHistory
	releaseTimeline *timeline.ReleaseTimeline
	frameTracker    *timeline.FrameTracker

	sideband api.SidebandStream

	log *logging.Logger
}

// NewLatcher wires a latcher to its consumer endpoint. The latcher
// registers itself as the consumer listener.
func NewLatcher(cfg Config) (*Latcher, error) {
	if cfg.Consumer == nil || cfg.Compositor == nil {
		return nil, api.ErrBadValue
	}
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	l := &Latcher{
		name:            cfg.Name,
		consumer:        cfg.Consumer,
		texture:         cfg.Texture,
		compositor:      cfg.Compositor,
		dispSync:        cfg.DispSync,
		rejecter:        cfg.Rejecter,
		now:             now,
		pool:            cfg.WakePool,
		activeSlot:      api.InvalidBufferSlot,
		releaseFence:    fence.NoFence,
		history:         timeline.NewFrameEventHistory(),
		releaseTimeline: timeline.NewReleaseTimeline(),
		frameTracker:    timeline.NewFrameTracker(),
		log:             logging.New(cfg.Name, nil),
	}
	l.queueCond = sync.NewCond(&l.queueMu)
	if l.pool == nil {
		pool, err := ants.NewPool(1, ants.WithNonblocking(true))
		if err != nil {
			return nil, err
		}
		l.pool = pool
		l.ownsPool = true
	}
	if err := l.consumer.Connect(l, false); err != nil {
		if l.ownsPool {
			l.pool.Release()
		}
		return nil, err
	}
	return l, nil
}

// Close abandons the underlying queue and stops the wakeup executor.
func (l *Latcher) Close() error {
	err := l.consumer.Disconnect()
	if l.ownsPool {
		l.pool.Release()
	}
	return err
}

// signalUpdate requests a latch pass from outside any lock. Wakeups
// are idempotent, so a full executor just coalesces them.
func (l *Latcher) signalUpdate() {
	if err := l.pool.Submit(l.compositor.SignalLayerUpdate); err != nil {
		if !errors.Is(err, ants.ErrPoolOverload) {
			l.log.Warnf("signalUpdate: %v", err)
		}
	}
}

// SetAutoRefresh toggles continuous redraw demanded by the producer.
func (l *Latcher) SetAutoRefresh(on bool) {
	l.autoRefresh.Store(on)
	if on {
		l.signalUpdate()
	}
}

// SetBounds fixes the layer size used for dirty regions; zero values
// fall back to the active buffer's dimensions.
func (l *Latcher) SetBounds(w, h uint32) {
	l.boundsW, l.boundsH = w, h
}

// QueuedFrames returns the shadow count of frames awaiting latch.
func (l *Latcher) QueuedFrames() int {
	return int(l.queuedFrames.Load())
}

// CurrentFrameNumber returns the latched frame number.
func (l *Latcher) CurrentFrameNumber() uint64 { return l.currentFrameNumber }

// ActiveBuffer returns the currently latched buffer, or nil.
func (l *Latcher) ActiveBuffer() *api.GraphicBuffer { return l.activeBuffer }

// OnFrameAvailable mirrors a queued frame into the shadow queue. The
// consumer calls it with no queue lock held; items must be applied in
// strictly increasing frame-number order, so an early arrival waits up
// to 500 ms for its predecessor and then proceeds with a warning.
func (l *Latcher) OnFrameAvailable(item api.BufferItem) {
	l.queueMu.Lock()

	// The producer restarted its numbering.
	if item.FrameNumber == 1 {
		l.lastFrameNumberReceived = 0
	}

	l.waitForPredecessorLocked(item.FrameNumber)

	l.shadowQueue = append(l.shadowQueue, item)
	l.queuedFrames.Add(1)
	l.lastFrameNumberReceived = item.FrameNumber
	l.queueCond.Broadcast()
	l.queueMu.Unlock()

	l.history.AddQueue(item.FrameNumber, l.now(), item.Timestamp)
	l.signalUpdate()
}

// OnFrameReplaced overwrites the tail shadow entry in place; async
// producers replace their single pending frame rather than append.
func (l *Latcher) OnFrameReplaced(item api.BufferItem) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()

	l.waitForPredecessorLocked(item.FrameNumber)

	if len(l.shadowQueue) == 0 {
		l.log.Errorf("OnFrameReplaced: can't replace a frame on an empty queue")
		return
	}
	l.shadowQueue[len(l.shadowQueue)-1] = item
	l.lastFrameNumberReceived = item.FrameNumber
	l.queueCond.Broadcast()
}

// waitForPredecessorLocked blocks until item frameNumber's predecessor
// has been recorded, bounded by frameOrderWait. Caller holds queueMu.
func (l *Latcher) waitForPredecessorLocked(frameNumber uint64) {
	deadline := time.Now().Add(frameOrderWait)
	for frameNumber != l.lastFrameNumberReceived+1 {
		remain := time.Until(deadline)
		if remain <= 0 {
			l.log.Warnf("[%s] timed out waiting for frame %d (last received %d)",
				l.name, frameNumber-1, l.lastFrameNumberReceived)
			return
		}
		timer := time.AfterFunc(remain, l.queueCond.Broadcast)
		l.queueCond.Wait()
		timer.Stop()
	}
}

// OnBuffersReleased tells the layer its cached slot mappings may be
// stale; the cache self-heals as full handles are re-sent on acquire.
func (l *Latcher) OnBuffersReleased() {
	mask, err := l.consumer.GetReleasedBuffers()
	if err != nil {
		return
	}
	for s := 0; s < api.NumBufferSlots; s++ {
		if mask&(1<<uint(s)) != 0 {
			l.bufferCache[s] = nil
		}
	}
}

// OnSidebandStreamChanged marks the sideband handle dirty. The latch
// path consumes the flag with a test-and-clear.
func (l *Latcher) OnSidebandStreamChanged() {
	if l.sidebandStreamChanged.CompareAndSwap(false, true) {
		l.signalUpdate()
	}
}

// HeadFrameNumber returns the shadow head's frame number, or the
// current frame number when the shadow queue is empty.
func (l *Latcher) HeadFrameNumber() uint64 {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if len(l.shadowQueue) > 0 {
		return l.shadowQueue[0].FrameNumber
	}
	return l.currentFrameNumber
}

// headFenceHasSignaled gates latching on the shadow head's acquire
// fence. Droppable heads count as signaled: they may be replaced before
// ever signaling, and refusing them forever would wedge the layer.
func (l *Latcher) headFenceHasSignaled() bool {
	if prop.LatchUnsignaled() {
		return true
	}

	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if len(l.shadowQueue) == 0 {
		return true
	}
	head := &l.shadowQueue[0]
	if head.IsDroppable {
		return true
	}
	if head.Fence == nil {
		return true
	}
	return head.Fence.SignalTime() != fence.SignalTimePending
}

// ShouldPresentNow reports whether the compositor should include this
// layer in the upcoming refresh.
func (l *Latcher) ShouldPresentNow(dispSync api.DispSync) bool {
	if l.sidebandStreamChanged.Load() || l.autoRefresh.Load() {
		return true
	}

	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if len(l.shadowQueue) == 0 {
		return false
	}
	timestamp := l.shadowQueue[0].Timestamp
	expectedPresent := dispSync.ExpectedPresent()

	// Timestamps more than a second out are implausible; show now.
	isPlausible := timestamp < expectedPresent+int64(time.Second)
	if !isPlausible {
		l.log.Warnf("[%s] timestamp %d seems implausible relative to expectedPresent %d",
			l.name, timestamp, expectedPresent)
	}
	isDue := timestamp < expectedPresent
	return isDue || !isPlausible
}

// AddLocalSyncPoint registers a transaction gate for a future frame.
func (l *Latcher) AddLocalSyncPoint(p *SyncPoint) {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	l.localSyncPoints = append(l.localSyncPoints, p)
}

// NotifyAvailableFrames marks sync points whose frame has arrived and
// whose fence has signaled.
func (l *Latcher) NotifyAvailableFrames() {
	headFrameNumber := l.HeadFrameNumber()
	headFenceSignaled := l.headFenceHasSignaled()
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	for _, p := range l.localSyncPoints {
		if headFrameNumber >= p.FrameNumber() && headFenceSignaled {
			p.SetFrameAvailable()
		}
	}
}

// allTransactionsSignaled reports whether every sync point at or below
// the head frame has its frame available and transaction applied.
func (l *Latcher) allTransactionsSignaled() bool {
	headFrameNumber := l.HeadFrameNumber()
	matchingFramesFound := false
	allApplied := true

	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	for _, p := range l.localSyncPoints {
		if p.FrameNumber() > headFrameNumber {
			break
		}
		matchingFramesFound = true

		if !p.FrameIsAvailable() {
			// The remote side hasn't been told the frame arrived yet;
			// tell it now and retry this latch later.
			p.SetFrameAvailable()
			allApplied = false
			break
		}
		allApplied = allApplied && p.TransactionIsApplied()
	}
	return !matchingFramesFound || allApplied
}

// pruneSyncPoints removes applied sync points at or below the latched
// frame.
func (l *Latcher) pruneSyncPoints(frameNumber uint64) {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	kept := l.localSyncPoints[:0]
	for _, p := range l.localSyncPoints {
		if p.FrameIsAvailable() && p.TransactionIsApplied() && p.FrameNumber() <= frameNumber {
			continue
		}
		kept = append(kept, p)
	}
	l.localSyncPoints = kept
}

// bounds returns the dirty rect for a full-layer damage.
func (l *Latcher) bounds() api.Rect {
	w, h := l.boundsW, l.boundsH
	if w == 0 || h == 0 {
		if l.activeBuffer != nil {
			w, h = l.activeBuffer.Width, l.activeBuffer.Height
		}
	}
	return api.Rect{Right: int32(w), Bottom: int32(h)}
}

// Latch runs one compositor cycle for this layer. It returns the dirty
// region (empty when nothing was latched) and whether visible regions
// must be recomputed.
func (l *Latcher) Latch(latchTime int64) (dirty api.Rect, recomputeVisibleRegions bool) {
	// Sideband changes preempt the fifo entirely.
	if l.sidebandStreamChanged.CompareAndSwap(true, false) {
		l.sideband = l.consumer.GetSidebandStream()
		if l.sideband != nil {
			l.compositor.SignalTransaction()
		}
		return l.bounds(), true
	}

	if l.queuedFrames.Load() <= 0 && !l.autoRefresh.Load() {
		return api.Rect{}, false
	}

	// A latched frame whose composition hasn't completed blocks further
	// latches; pre-composition clears the flag.
	if l.refreshPending {
		return api.Rect{}, false
	}

	if !l.headFenceHasSignaled() {
		l.signalUpdate()
		return api.Rect{}, false
	}

	if !l.allTransactionsSignaled() {
		l.signalUpdate()
		return api.Rect{}, false
	}

	oldBuffer := l.activeBuffer

	l.queueMu.Lock()
	maxFrameNumber := l.lastFrameNumberReceived
	l.queueMu.Unlock()

	expectedPresent := int64(0)
	if l.dispSync != nil {
		expectedPresent = l.dispSync.ExpectedPresent()
	}

	item, err := l.consumer.Acquire(expectedPresent, maxFrameNumber)
	switch {
	case errors.Is(err, api.ErrPresentLater):
		// The producer doesn't want this frame shown yet; check again
		// at the next opportunity.
		l.signalUpdate()
		return api.Rect{}, false
	case errors.Is(err, api.ErrNoBufferAvailable):
		return api.Rect{}, false
	case err != nil:
		l.poisonShadowQueue(err)
		return api.Rect{}, false
	}

	buf := item.GraphicBuffer
	if buf != nil {
		l.bufferCache[item.Slot] = buf
	} else {
		buf = l.bufferCache[item.Slot]
	}

	// Once a texture update has failed the shadow queue no longer
	// reflects the fifo; even a successful acquire must be discarded.
	if l.updateTexImageFailed {
		if rerr := l.consumer.Release(item.Slot, item.FrameNumber, fence.NoFence, bufferqueue.EGLState{}); rerr != nil {
			l.log.Warnf("[%s] release on poisoned queue: %v", l.name, rerr)
		}
		l.poisonShadowQueue(api.ErrInvalidOperation)
		return api.Rect{}, false
	}

	if l.rejecter != nil && l.rejecter(buf, item) {
		// Hand the buffer straight back and drop its shadow entry.
		if rerr := l.consumer.Release(item.Slot, item.FrameNumber, fence.NoFence, bufferqueue.EGLState{}); rerr != nil {
			l.log.Warnf("[%s] release of rejected buffer: %v", l.name, rerr)
		}
		l.queueMu.Lock()
		if len(l.shadowQueue) > 0 {
			l.shadowQueue = l.shadowQueue[1:]
			l.queuedFrames.Add(-1)
		}
		l.queueMu.Unlock()
		return api.Rect{}, false
	}

	if l.texture != nil {
		if terr := l.texture.Update(item, buf); terr != nil {
			if rerr := l.consumer.Release(item.Slot, item.FrameNumber, fence.NoFence, bufferqueue.EGLState{}); rerr != nil {
				l.log.Warnf("[%s] release after bind failure: %v", l.name, rerr)
			}
			l.poisonShadowQueue(terr)
			return api.Rect{}, false
		}
	}

	// The previously latched buffer is released once composition of
	// this one completes.
	if l.activeSlot != api.InvalidBufferSlot {
		l.pending = pendingRelease{
			valid:        true,
			slot:         l.activeSlot,
			frameNumber:  l.currentFrameNumber,
			releaseFence: l.releaseFence,
		}
		l.releaseFence = fence.NoFence
	}

	// Reconcile the shadow queue: the drop loop inside Acquire may have
	// skipped frames between notification and acquire.
	l.queueMu.Lock()
	for len(l.shadowQueue) > 0 && l.shadowQueue[0].FrameNumber != item.FrameNumber {
		l.shadowQueue = l.shadowQueue[1:]
		l.queuedFrames.Add(-1)
	}
	if len(l.shadowQueue) > 0 {
		l.shadowQueue = l.shadowQueue[1:]
	}
	remaining := l.queuedFrames.Add(-1)
	l.queueMu.Unlock()

	if remaining > 0 || l.autoRefresh.Load() {
		l.signalUpdate()
	}

	if buf == nil {
		// Only possible when the very first buffer had its handle
		// elided by a stale cache.
		return api.Rect{}, false
	}

	l.activeBuffer = buf
	l.activeSlot = item.Slot
	l.bufferLatched = true
	l.previousFrameNumber = l.currentFrameNumber
	l.currentFrameNumber = item.FrameNumber
	l.history.AddLatch(l.currentFrameNumber, latchTime)
	l.refreshPending = true
	l.frameLatencyNeeded = true

	if oldBuffer == nil {
		// First buffer: geometry must be computed from scratch.
		recomputeVisibleRegions = true
	} else if buf.Width != oldBuffer.Width || buf.Height != oldBuffer.Height ||
		buf.Format != oldBuffer.Format {
		recomputeVisibleRegions = true
	}
	if item.Crop != l.currentItem.Crop ||
		item.Transform != l.currentItem.Transform ||
		item.ScalingMode != l.currentItem.ScalingMode {
		recomputeVisibleRegions = true
	}
	l.currentItem = item

	l.pruneSyncPoints(l.currentFrameNumber)

	return l.bounds(), recomputeVisibleRegions
}

// poisonShadowQueue clears the shadow state after a texture update
// failure. Once hit, the shadow queue may no longer reflect the fifo,
// so further latches are refused even if updates start working again.
func (l *Latcher) poisonShadowQueue(err error) {
	l.log.Errorf("[%s] update failed, ignoring further frames: %v", l.name, err)
	l.queueMu.Lock()
	l.shadowQueue = nil
	l.queuedFrames.Store(0)
	l.queueMu.Unlock()
	l.updateTexImageFailed = true
}

// UpdateTexImageFailed reports the sticky failure flag.
func (l *Latcher) UpdateTexImageFailed() bool { return l.updateTexImageFailed }

// OnLayerDisplayed stores the hardware composer's release fence for
// the buffer most recently replaced on screen.
func (l *Latcher) OnLayerDisplayed(releaseFence fence.Fence) {
	if releaseFence == nil {
		releaseFence = fence.NoFence
	}
	if l.pending.valid {
		l.pending.releaseFence = releaseFence
	} else {
		l.releaseFence = releaseFence
	}
}

// ReleasePendingBuffer releases the previously latched buffer back to
// the queue, pushes its fence into the release timeline and records
// the release in the frame event history.
func (l *Latcher) ReleasePendingBuffer(dequeueReadyTime int64) bool {
	if !l.pending.valid {
		return false
	}
	pr := l.pending
	l.pending = pendingRelease{}

	if err := l.consumer.Release(pr.slot, pr.frameNumber, pr.releaseFence, bufferqueue.EGLState{}); err != nil {
		if !errors.Is(err, api.ErrStaleBufferSlot) {
			l.log.Warnf("[%s] ReleasePendingBuffer: %v", l.name, err)
		}
	}

	l.releaseTimeline.UpdateSignalTimes()
	l.releaseTimeline.Push(pr.releaseFence)

	if l.previousFrameNumber != 0 {
		l.history.AddRelease(l.previousFrameNumber, dequeueReadyTime, pr.releaseFence)
	}
	return true
}

// OnPreComposition opens a composition cycle. It reports whether the
// layer wants to be part of it.
func (l *Latcher) OnPreComposition(refreshStartTime int64) bool {
	if l.bufferLatched {
		l.history.AddPreComposition(l.currentFrameNumber, refreshStartTime)
	}
	l.refreshPending = false
	return l.queuedFrames.Load() > 0 || l.sidebandStreamChanged.Load() || l.autoRefresh.Load()
}

// OnPostComposition closes the cycle with the composition fences. The
// frame tracker advances only when a new frame was latched for it.
func (l *Latcher) OnPostComposition(glDoneFence, presentFence fence.Fence) bool {
	if !l.frameLatencyNeeded {
		return false
	}

	l.history.AddPostComposition(l.currentFrameNumber, glDoneFence, presentFence)

	l.frameTracker.SetDesiredPresentTime(l.currentItem.Timestamp)
	if l.currentItem.Fence != nil && l.currentItem.Fence != fence.NoFence {
		l.frameTracker.SetFrameReadyFence(l.currentItem.Fence)
	} else {
		// No fence for this frame; assume it was ready at its desired
		// present time.
		l.frameTracker.SetFrameReadyTime(l.currentItem.Timestamp)
	}
	if presentFence != nil {
		l.frameTracker.SetActualPresentFence(presentFence)
	} else {
		l.frameTracker.SetActualPresentTime(l.now())
	}

	l.frameTracker.AdvanceFrame()
	l.frameLatencyNeeded = false
	return true
}

// FrameEventHistory exposes the per-frame timestamp records.
func (l *Latcher) FrameEventHistory() *timeline.FrameEventHistory { return l.history }

// ReleaseTimeline exposes the sliding window of release fences.
func (l *Latcher) ReleaseTimeline() *timeline.ReleaseTimeline { return l.releaseTimeline }

// FrameTracker exposes the timing triple tracker.
func (l *Latcher) FrameTracker() *timeline.FrameTracker { return l.frameTracker }

// GetOccupancyHistory forwards to the consumer's occupancy tracker.
func (l *Latcher) GetOccupancyHistory(forceFlush bool) []timeline.Segment {
	return l.consumer.GetOccupancyHistory(forceFlush)
}
