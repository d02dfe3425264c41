// Copyright 2026 The RadixMM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"sync/atomic"

	"radixmm.dev/radixmm/pkg/memarch"
)

// PTE is a translation entry: a present bit, permission bits, and a payload
// that is a frame number on leaf nodes and a child NodeID on interior
// nodes. It never carries software state; that lives in the node's metadata
// array.
//
// All accessors load and store the entry atomically so that lock-free
// traversal can follow interior links while a lock holder rewrites
// neighboring state. Mutation is still only legal under the owning node's
// mutex.
type PTE uint64

const (
	ptePresent    = 1 << 0
	pteReadable   = 1 << 1
	pteWritable   = 1 << 2
	pteExecutable = 1 << 3

	ptePayloadShift = memarch.PageShift
)

// Valid returns true iff the entry is present.
func (p *PTE) Valid() bool {
	return atomic.LoadUint64((*uint64)(p))&ptePresent != 0
}

// Frame returns the frame number mapped by a leaf entry.
//
// Preconditions: p.Valid().
func (p *PTE) Frame() memarch.FrameNumber {
	return memarch.FrameNumber(atomic.LoadUint64((*uint64)(p)) >> ptePayloadShift)
}

// Perms returns the entry's permission bits.
func (p *PTE) Perms() memarch.AccessType {
	v := atomic.LoadUint64((*uint64)(p))
	return memarch.AccessType{
		Read:    v&pteReadable != 0,
		Write:   v&pteWritable != 0,
		Execute: v&pteExecutable != 0,
	}
}

// Set makes the entry present, mapping frame with the given permissions.
func (p *PTE) Set(frame memarch.FrameNumber, at memarch.AccessType) {
	v := uint64(frame)<<ptePayloadShift | ptePresent
	if at.Read {
		v |= pteReadable
	}
	if at.Write {
		v |= pteWritable
	}
	if at.Execute {
		v |= pteExecutable
	}
	atomic.StoreUint64((*uint64)(p), v)
}

// SetPerms rewrites only the permission bits of a present entry.
//
// Preconditions: p.Valid().
func (p *PTE) SetPerms(at memarch.AccessType) {
	v := atomic.LoadUint64((*uint64)(p)) &^ uint64(pteReadable|pteWritable|pteExecutable)
	if at.Read {
		v |= pteReadable
	}
	if at.Write {
		v |= pteWritable
	}
	if at.Execute {
		v |= pteExecutable
	}
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear makes the entry non-present.
func (p *PTE) Clear() {
	atomic.StoreUint64((*uint64)(p), 0)
}

// Child returns the child node linked by an interior entry.
//
// Preconditions: p.Valid().
func (p *PTE) Child() NodeID {
	return NodeID(atomic.LoadUint64((*uint64)(p)) >> ptePayloadShift)
}

// SetChild links a child node into an interior entry. Interior links carry
// no permission bits.
func (p *PTE) SetChild(id NodeID) {
	atomic.StoreUint64((*uint64)(p), uint64(id)<<ptePayloadShift|ptePresent)
}
