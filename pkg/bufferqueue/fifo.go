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

import "github.com/srediag/surfaceq/api"

// frameFIFO is the ordered sequence of pending frames, one entry per
// queued buffer. NOT thread-safe: guarded by the core lock.
type frameFIFO struct {
	items []api.BufferItem
}

func (f *frameFIFO) len() int { return len(f.items) }

func (f *frameFIFO) empty() bool { return len(f.items) == 0 }

func (f *frameFIFO) front() *api.BufferItem { return &f.items[0] }

func (f *frameFIFO) at(i int) *api.BufferItem { return &f.items[i] }

func (f *frameFIFO) back() *api.BufferItem { return &f.items[len(f.items)-1] }

func (f *frameFIFO) pushBack(item api.BufferItem) {
	f.items = append(f.items, item)
}

func (f *frameFIFO) eraseFront() {
	copy(f.items, f.items[1:])
	f.items = f.items[:len(f.items)-1]
}

func (f *frameFIFO) clear() { f.items = f.items[:0] }

// refersTo reports whether any entry references slot.
func (f *frameFIFO) refersTo(slot int) bool {
	return f.countRefs(slot) > 0
}

func (f *frameFIFO) countRefs(slot int) int {
	n := 0
	for i := range f.items {
		if f.items[i].Slot == slot {
			n++
		}
	}
	return n
}
