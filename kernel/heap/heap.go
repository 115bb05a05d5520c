// Package heap implements the kernel heap allocator. The heap owns a fixed
// window of higher-half virtual memory which gets backed by physical frames
// on demand. Allocations are served from per-size bins for small objects and
// from a first-fit free list of segments for everything else.
//
// The heap must be usable before any process exists: it only depends on the
// frame allocator and the vmm mapping primitives.
package heap

import (
	"unsafe"

	"immdos/kernel"
	"immdos/kernel/mm"
	"immdos/kernel/mm/vmm"
	"immdos/kernel/sync"
)

const (
	// WindowBase and WindowEnd delimit the kernel heap virtual window.
	WindowBase = uintptr(0xd0000000)
	WindowEnd  = uintptr(0xdd000000)

	// minAlign is the alignment guaranteed for every allocation.
	minAlign = uintptr(16)

	// maxBinSize is the largest allocation served from the size bins;
	// larger requests carve segments straight from the free list.
	maxBinSize = uintptr(2048)

	headerSize = unsafe.Sizeof(segmentHeader{})
)

// segmentHeader is placed at the start of every free-list segment and in
// front of each allocation so Free can recover the segment size.
type segmentHeader struct {
	// size is the total segment size including the header.
	size uintptr

	// next links free segments and bin chunks; nil while the segment is
	// handed out.
	next *segmentHeader
}

var (
	errHeapExhausted  = &kernel.Error{Module: "heap", Message: "kernel heap window exhausted"}
	errUnalignedAlloc = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}

	// growFn maps fresh zeroed frames at the top of the heap window. It
	// is overridden by tests to back the window with plain Go memory.
	growFn = growHeapWindow

	h heapState
)

type heapState struct {
	mutex sync.Spinlock

	// windowTop is the next unmapped address inside the heap window.
	windowTop uintptr

	// freeList holds the first-fit list of free segments ordered by
	// address.
	freeList *segmentHeader

	// bins holds intrusive free lists for 16..maxBinSize byte objects in
	// power-of-two classes.
	bins [8]*segmentHeader
}

// Init prepares the heap window. No memory is mapped until the first
// allocation request arrives.
func Init() {
	h.windowTop = WindowBase
	h.freeList = nil
	for i := range h.bins {
		h.bins[i] = nil
	}
}

// binIndex returns the bin serving a payload of the given size or -1 when
// the request must use the free list.
func binIndex(size uintptr) int {
	if size > maxBinSize {
		return -1
	}
	idx, binSize := 0, minAlign
	for binSize < size {
		binSize <<= 1
		idx++
	}
	return idx
}

func binSize(idx int) uintptr {
	return minAlign << uint(idx)
}

// chunkSize returns the total segment size (header included) used for every
// chunk of a bin class.
func chunkSize(idx int) uintptr {
	return alignUp(binSize(idx)+headerSize, minAlign)
}

// Alloc reserves size bytes with the requested alignment and returns the
// address of the payload. An alignment of zero implies minAlign.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if align == 0 {
		align = minAlign
	}
	if align&(align-1) != 0 {
		return 0, errUnalignedAlloc
	}

	h.mutex.Acquire()
	defer h.mutex.Release()

	if idx := binIndex(size); idx != -1 && align <= minAlign {
		return h.allocFromBin(idx)
	}
	return h.allocSegment(size, align)
}

func (h *heapState) allocFromBin(idx int) (uintptr, *kernel.Error) {
	if head := h.bins[idx]; head != nil {
		h.bins[idx] = head.next
		head.next = nil
		return uintptr(unsafe.Pointer(head)) + headerSize, nil
	}

	return h.allocSegment(chunkSize(idx)-headerSize, minAlign)
}

// allocSegment finds or grows a free segment large enough for size bytes of
// payload with the requested payload alignment.
func (h *heapState) allocSegment(size, align uintptr) (uintptr, *kernel.Error) {
	need := alignUp(size+headerSize, minAlign)

	var prev *segmentHeader
	for seg := h.freeList; seg != nil; prev, seg = seg, seg.next {
		payload := uintptr(unsafe.Pointer(seg)) + headerSize
		if seg.size >= need && payload&(align-1) == 0 {
			// Split the tail off when the remainder can hold a
			// minimal segment.
			if seg.size-need >= headerSize+minAlign {
				tail := (*segmentHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(seg)) + need))
				tail.size = seg.size - need
				tail.next = seg.next
				seg.size = need
				if prev == nil {
					h.freeList = tail
				} else {
					prev.next = tail
				}
			} else {
				if prev == nil {
					h.freeList = seg.next
				} else {
					prev.next = seg.next
				}
			}
			seg.next = nil
			return payload, nil
		}
	}

	// Nothing fits; extend the mapped window. Aligned requests get slack
	// so the payload can be pushed up to the requested boundary.
	grow := alignUp(need+align, mm.PageSize)
	if h.windowTop+grow > WindowEnd {
		return 0, errHeapExhausted
	}
	base, err := growFn(h.windowTop, grow)
	if err != nil {
		return 0, err
	}
	h.windowTop += grow

	payload := alignUp(base+headerSize, align)
	seg := (*segmentHeader)(unsafe.Pointer(payload - headerSize))
	seg.size = need
	seg.next = nil

	// Return leading and trailing slack to the free list.
	if lead := payload - headerSize - base; lead >= headerSize+minAlign {
		h.insertFree((*segmentHeader)(unsafe.Pointer(base)), lead)
	}
	segEnd := payload - headerSize + need
	if tail := base + grow - segEnd; tail >= headerSize+minAlign {
		h.insertFree((*segmentHeader)(unsafe.Pointer(segEnd)), tail)
	}

	return payload, nil
}

func (h *heapState) insertFree(seg *segmentHeader, size uintptr) {
	seg.size = size

	// Keep the list address-ordered and coalesce with neighbours.
	var prev *segmentHeader
	next := h.freeList
	for next != nil && uintptr(unsafe.Pointer(next)) < uintptr(unsafe.Pointer(seg)) {
		prev, next = next, next.next
	}

	seg.next = next
	if prev == nil {
		h.freeList = seg
	} else {
		prev.next = seg
	}

	if next != nil && uintptr(unsafe.Pointer(seg))+seg.size == uintptr(unsafe.Pointer(next)) {
		seg.size += next.size
		seg.next = next.next
	}
	if prev != nil && uintptr(unsafe.Pointer(prev))+prev.size == uintptr(unsafe.Pointer(seg)) {
		prev.size += seg.size
		prev.next = seg.next
	}
}

// Free returns an allocation obtained from Alloc back to the heap.
func Free(ptr uintptr) *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	hdr := (*segmentHeader)(unsafe.Pointer(ptr - headerSize))

	for idx := range h.bins {
		if hdr.size == chunkSize(idx) {
			hdr.next = h.bins[idx]
			h.bins[idx] = hdr
			return nil
		}
	}

	h.insertFree(hdr, hdr.size)
	return nil
}

// growHeapWindow backs [top, top+size) with freshly allocated zeroed frames.
func growHeapWindow(top, size uintptr) (uintptr, *kernel.Error) {
	for addr := top; addr < top+size; addr += mm.PageSize {
		frame, err := vmm.AllocZeroedFrame()
		if err != nil {
			return 0, err
		}
		if err = vmm.Map(mm.PageFromAddress(addr), frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return 0, err
		}
	}
	return top, nil
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
