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

// Package physmem provides the physical frame store backing address spaces.
//
// Frames carry the authoritative reference count used by the copy-on-write
// protocol: a frame is shared iff its refcount exceeds one, and it is
// released back to the store when the count reaches zero. Address spaces
// depend only on the Allocator interface, so tests can swap in a store with
// any capacity they like.
package physmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/memerr"
)

// checkInvariants enables expensive sanity checks.
const checkInvariants = true

// Allocator is the frame store interface consumed by address spaces.
//
// All methods are safe for concurrent use.
type Allocator interface {
	// Allocate returns a zeroed frame with refcount 1, or ErrNoMemory if
	// the store is exhausted.
	Allocate() (memarch.FrameNumber, error)

	// IncRef increments fn's refcount. fn must have a nonzero refcount.
	IncRef(fn memarch.FrameNumber)

	// DecRef decrements fn's refcount and reports whether it reached zero,
	// in which case the frame has been released and fn must no longer be
	// used. fn must have a nonzero refcount.
	DecRef(fn memarch.FrameNumber) bool

	// RefCount returns fn's current refcount.
	RefCount(fn memarch.FrameNumber) uint32

	// FrameBytes returns the frame's backing bytes.
	//
	// Preconditions: the caller holds a reference on fn for the lifetime of
	// the returned slice.
	FrameBytes(fn memarch.FrameNumber) []byte

	// CopyFrame copies src's contents into dst.
	//
	// Preconditions: the caller holds references on both frames.
	CopyFrame(dst, src memarch.FrameNumber)
}

// DefaultCapacity is the frame capacity used when FileOpts.Capacity is zero.
const DefaultCapacity = 1 << 16

// FileOpts configures a File.
type FileOpts struct {
	// Capacity is the maximum number of frames the store will hand out. If
	// zero, DefaultCapacity is used. The backing file is sparse, so
	// capacity is address-space reservation, not committed memory.
	Capacity int

	// Name labels the backing memfd in /proc/self/fd. If empty,
	// "radixmm-frames" is used.
	Name string
}

type frameInfo struct {
	refs uint32
}

// File is a memfd-backed frame store. Frame contents are real mapped bytes,
// so copies made by the copy-on-write path are observable to callers.
type File struct {
	fd  int
	mem []byte

	capacity int

	mu sync.Mutex
	// frames[fn].refs is zero iff fn is unallocated. Only indexes below
	// next have ever been handed out.
	frames []frameInfo
	next   memarch.FrameNumber
	free   []memarch.FrameNumber
	inUse  int

	allocated atomic.Uint64
	released  atomic.Uint64
}

// NewFile creates a frame store backed by a fresh memfd.
func NewFile(opts FileOpts) (*File, error) {
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 0 {
		return nil, fmt.Errorf("physmem: negative capacity %d", capacity)
	}
	name := opts.Name
	if name == "" {
		name = "radixmm-frames"
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	size := int64(capacity) * memarch.PageSize
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &File{
		fd:       fd,
		mem:      mem,
		capacity: capacity,
		frames:   make([]frameInfo, capacity),
	}, nil
}

// Allocate implements Allocator.Allocate.
func (f *File) Allocate() (memarch.FrameNumber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fn memarch.FrameNumber
	switch {
	case len(f.free) > 0:
		fn = f.free[len(f.free)-1]
		f.free = f.free[:len(f.free)-1]
	case f.next < memarch.FrameNumber(f.capacity):
		fn = f.next
		f.next++
	default:
		return memarch.NoFrame, memerr.ErrNoMemory
	}
	if checkInvariants && f.frames[fn].refs != 0 {
		panic(fmt.Sprintf("allocating frame %d with refcount %d", fn, f.frames[fn].refs))
	}
	f.frames[fn].refs = 1
	f.inUse++
	f.allocated.Add(1)
	return fn, nil
}

// IncRef implements Allocator.IncRef.
func (f *File) IncRef(fn memarch.FrameNumber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames[fn].refs == 0 {
		panic(fmt.Sprintf("IncRef on free frame %d", fn))
	}
	f.frames[fn].refs++
}

// DecRef implements Allocator.DecRef.
func (f *File) DecRef(fn memarch.FrameNumber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames[fn].refs == 0 {
		panic(fmt.Sprintf("DecRef on free frame %d", fn))
	}
	f.frames[fn].refs--
	if f.frames[fn].refs != 0 {
		return false
	}
	f.releaseLocked(fn)
	return true
}

// releaseLocked returns fn to the free list and drops its contents, so a
// later reuse hands out a zeroed frame.
//
// Preconditions: f.mu must be locked. f.frames[fn].refs == 0.
func (f *File) releaseLocked(fn memarch.FrameNumber) {
	off := int64(fn.Offset())
	if err := unix.Fallocate(f.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, memarch.PageSize); err != nil {
		// Punching decommits in one call; if the filesystem refuses, clear
		// the bytes by hand so reuse still observes zeroes.
		b := f.mem[off : off+memarch.PageSize]
		clear(b)
	}
	f.free = append(f.free, fn)
	f.inUse--
	f.released.Add(1)
}

// RefCount implements Allocator.RefCount.
func (f *File) RefCount(fn memarch.FrameNumber) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[fn].refs
}

// FrameBytes implements Allocator.FrameBytes.
func (f *File) FrameBytes(fn memarch.FrameNumber) []byte {
	if fn >= memarch.FrameNumber(f.capacity) {
		panic(fmt.Sprintf("frame %d out of range [0, %d)", fn, f.capacity))
	}
	off := fn.Offset()
	return f.mem[off : off+memarch.PageSize]
}

// CopyFrame implements Allocator.CopyFrame.
func (f *File) CopyFrame(dst, src memarch.FrameNumber) {
	copy(f.FrameBytes(dst), f.FrameBytes(src))
}

// Capacity returns the maximum number of frames the store can hand out.
func (f *File) Capacity() int {
	return f.capacity
}

// FramesInUse returns the number of frames with nonzero refcounts.
func (f *File) FramesInUse() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inUse
}

// TotalAllocated returns the cumulative number of Allocate calls that
// succeeded.
func (f *File) TotalAllocated() uint64 {
	return f.allocated.Load()
}

// TotalReleased returns the cumulative number of frames whose refcount
// reached zero.
func (f *File) TotalReleased() uint64 {
	return f.released.Load()
}

// Destroy unmaps and closes the backing memfd. No frame may be used
// afterwards.
func (f *File) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mem != nil {
		unix.Munmap(f.mem)
		f.mem = nil
	}
	if f.fd >= 0 {
		unix.Close(f.fd)
		f.fd = -1
	}
}
