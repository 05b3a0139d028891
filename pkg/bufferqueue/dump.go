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
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/valyala/bytebufferpool"
)

// Dump renders the queue state for bug reports. It does not check the
// abandoned flag, so it works on abandoned queues.
func (c *Consumer) Dump(prefix string) string {
	core := c.core

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	core.mu.Lock()

	fmt.Fprintf(buf, "%s%q: api=%v abandoned=%t gen=%d\n",
		prefix, core.consumerName, core.connectedAPI, core.abandoned, core.generation)
	fmt.Fprintf(buf, "%s  default=%dx%d fmt=%d maxBuffers=%d maxAcquired=%d async=%t\n",
		prefix, core.defaultWidth, core.defaultHeight, core.defaultFormat,
		core.maxBufferCount, core.maxAcquiredBufferCount, core.useAsyncBuffer)

	fmt.Fprintf(buf, "%s  fifo(%d):\n", prefix, core.fifo.len())
	for i := 0; i < core.fifo.len(); i++ {
		item := core.fifo.at(i)
		fmt.Fprintf(buf, "%s    %02d: slot=%d frame=%d ts=%d auto=%t droppable=%t\n",
			prefix, i, item.Slot, item.FrameNumber, item.Timestamp,
			item.IsAutoTimestamp, item.IsDroppable)
	}

	fmt.Fprintf(buf, "%s  slots:\n", prefix)
	for s := range core.slots {
		slot := &core.slots[s]
		if slot.state == StateFree && slot.graphicBuffer == nil {
			continue
		}
		id := uint64(0)
		if slot.graphicBuffer != nil {
			id = slot.graphicBuffer.ID
		}
		fmt.Fprintf(buf, "%s    [%02d] state=%v buf=%d frame=%d acquireCalled=%t\n",
			prefix, s, slot.state, id, slot.frameNumber, slot.acquireCalled)
	}
	core.mu.Unlock()

	// Buffer memory is allocator-owned and invisible to Go accounting;
	// the process RSS is the next best hint for leak triage.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			fmt.Fprintf(buf, "%s  process rss=%d bytes\n", prefix, mi.RSS)
		}
	}

	return buf.String()
}
