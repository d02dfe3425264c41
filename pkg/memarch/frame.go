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

package memarch

// FrameNumber identifies a physical page frame. Frame numbers are dense
// indexes into the backing frame store, not byte offsets.
type FrameNumber uint64

// NoFrame is a sentinel FrameNumber held by translation entries that have no
// backing frame.
const NoFrame = ^FrameNumber(0)

// Offset returns the byte offset of the frame in the backing store.
func (f FrameNumber) Offset() uint64 {
	return uint64(f) << PageShift
}
