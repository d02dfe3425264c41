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

package physmem

import (
	"sync"
	"testing"

	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/memerr"
)

func testFile(t *testing.T, capacity int) *File {
	t.Helper()
	f, err := NewFile(FileOpts{Capacity: capacity, Name: "physmem-test"})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	t.Cleanup(f.Destroy)
	return f
}

func TestAllocateAndRelease(t *testing.T) {
	f := testFile(t, 8)
	fn, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := f.RefCount(fn); got != 1 {
		t.Fatalf("RefCount: got %d, want 1", got)
	}
	if got := f.FramesInUse(); got != 1 {
		t.Fatalf("FramesInUse: got %d, want 1", got)
	}
	if !f.DecRef(fn) {
		t.Fatalf("DecRef did not report release")
	}
	if got := f.FramesInUse(); got != 0 {
		t.Fatalf("FramesInUse after release: got %d, want 0", got)
	}
}

func TestRefCounting(t *testing.T) {
	f := testFile(t, 8)
	fn, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	f.IncRef(fn)
	if got := f.RefCount(fn); got != 2 {
		t.Fatalf("RefCount after IncRef: got %d, want 2", got)
	}
	if f.DecRef(fn) {
		t.Fatalf("DecRef released frame with outstanding references")
	}
	if got := f.RefCount(fn); got != 1 {
		t.Fatalf("RefCount: got %d, want 1", got)
	}
	if !f.DecRef(fn) {
		t.Fatalf("final DecRef did not report release")
	}
	if got := f.RefCount(fn); got != 0 {
		t.Fatalf("RefCount after release: got %d, want 0", got)
	}
}

func TestExhaustion(t *testing.T) {
	f := testFile(t, 4)
	var frames []memarch.FrameNumber
	for i := 0; i < 4; i++ {
		fn, err := f.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		frames = append(frames, fn)
	}
	if _, err := f.Allocate(); err != memerr.ErrNoMemory {
		t.Fatalf("Allocate beyond capacity: got %v, want ErrNoMemory", err)
	}
	f.DecRef(frames[2])
	fn, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if fn != frames[2] {
		t.Fatalf("Allocate after release: got frame %d, want reused frame %d", fn, frames[2])
	}
}

func TestReusedFrameIsZeroed(t *testing.T) {
	f := testFile(t, 2)
	fn, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b := f.FrameBytes(fn)
	for i := range b {
		b[i] = 0xab
	}
	f.DecRef(fn)

	fn2, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fn2 != fn {
		t.Fatalf("expected frame reuse: got %d, want %d", fn2, fn)
	}
	for i, c := range f.FrameBytes(fn2) {
		if c != 0 {
			t.Fatalf("reused frame byte %d = %#x, want 0", i, c)
		}
	}
}

func TestCopyFrame(t *testing.T) {
	f := testFile(t, 4)
	src, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	dst, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	sb := f.FrameBytes(src)
	for i := range sb {
		sb[i] = byte(i)
	}
	f.CopyFrame(dst, src)
	db := f.FrameBytes(dst)
	for i := range db {
		if db[i] != byte(i) {
			t.Fatalf("dst byte %d = %#x, want %#x", i, db[i], byte(i))
		}
	}
	// The copy must be independent of the source.
	db[0] = 0xff
	if sb[0] != 0 {
		t.Fatalf("write to dst mutated src: src[0] = %#x", sb[0])
	}
}

func TestDecRefFreeFramePanics(t *testing.T) {
	f := testFile(t, 2)
	fn, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	f.DecRef(fn)
	defer func() {
		if recover() == nil {
			t.Fatalf("DecRef on free frame did not panic")
		}
	}()
	f.DecRef(fn)
}

func TestFrameBytesOutOfRangePanics(t *testing.T) {
	f := testFile(t, 2)
	defer func() {
		if recover() == nil {
			t.Fatalf("FrameBytes out of range did not panic")
		}
	}()
	f.FrameBytes(2)
}

func TestConcurrentAllocate(t *testing.T) {
	const (
		capacity   = 64
		goroutines = 8
		rounds     = 200
	)
	f := testFile(t, capacity)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held := make([]memarch.FrameNumber, 0, 4)
			for i := 0; i < rounds; i++ {
				if fn, err := f.Allocate(); err == nil {
					held = append(held, fn)
				}
				if len(held) > 3 {
					f.DecRef(held[0])
					held = held[1:]
				}
			}
			for _, fn := range held {
				f.DecRef(fn)
			}
		}()
	}
	wg.Wait()

	if got := f.FramesInUse(); got != 0 {
		t.Fatalf("FramesInUse after drain: got %d, want 0", got)
	}
	if a, r := f.TotalAllocated(), f.TotalReleased(); a != r {
		t.Fatalf("allocated %d != released %d", a, r)
	}
}
