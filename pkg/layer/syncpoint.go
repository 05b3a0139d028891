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

package layer

import "sync"

// SyncPoint gates latching of a specific frame on a remote transaction:
// the frame must have arrived AND the transaction must be applied
// before the latcher may consume frames at or past its number.
type SyncPoint struct {
	frameNumber uint64

	mu                 sync.Mutex
	frameAvailable     bool
	transactionApplied bool
}

func NewSyncPoint(frameNumber uint64) *SyncPoint {
	return &SyncPoint{frameNumber: frameNumber}
}

func (p *SyncPoint) FrameNumber() uint64 { return p.frameNumber }

func (p *SyncPoint) SetFrameAvailable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameAvailable = true
}

func (p *SyncPoint) FrameIsAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameAvailable
}

func (p *SyncPoint) SetTransactionApplied() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactionApplied = true
}

func (p *SyncPoint) TransactionIsApplied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transactionApplied
}
