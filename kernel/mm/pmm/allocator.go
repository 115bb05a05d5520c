// Package pmm implements the kernel's physical frame allocator. The
// allocator maintains a per-frame refcount table placed at the first
// page-aligned address past the kernel image. A refcount of zero marks a
// free frame; shared mappings (kernel text, zero-fill frame) bump the count
// above one and a frame is only returned to the free pool when its count
// drops back to zero.
//
// Frames below 1MiB form a separate pool reserved for VM86 guest memory
// where programs expect specific physical addresses (IVT, BDA, conventional
// memory, video and BIOS shadows).
package pmm

import (
	"reflect"
	"unsafe"

	"immdos/kernel"
	"immdos/kernel/hal/bootinfo"
	"immdos/kernel/kfmt"
	"immdos/kernel/mm"
	"immdos/kernel/sync"
)

const (
	// refReserved marks frames that can never be handed out: non-RAM
	// regions, the kernel image, the InitFS image and the refcount table
	// itself.
	refReserved = uint16(0xffff)

	// lowPoolLimit is the first frame past the VM86 conventional-memory
	// pool (1MiB).
	lowPoolLimit = mm.Frame(0x100000 >> 12)
)

var (
	errOutOfMemory    = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errOutOfLowMemory = &kernel.Error{Module: "pmm", Message: "out of low (<1M) memory"}
	errFrameNotOwned  = &kernel.Error{Module: "pmm", Message: "attempt to release a free or reserved frame"}
	errFrameReserved  = &kernel.Error{Module: "pmm", Message: "frame is reserved or already allocated"}

	// visitMemRegionsFn is overridden by tests to supply a fake memory map.
	visitMemRegionsFn = bootinfo.VisitMemRegions

	alloc frameAllocator
)

// frameAllocator tracks the ownership of every usable physical frame.
type frameAllocator struct {
	mutex sync.Spinlock

	// refCounts holds one entry per physical frame from frame 0 up to the
	// highest usable frame reported by the memory map.
	refCounts []uint16

	// lastAlloc and lastLowAlloc are scan hints for the two pools.
	lastAlloc    mm.Frame
	lastLowAlloc mm.Frame

	// totalFree tracks the number of free frames in both pools.
	totalFree uint32
}

// Init sets up the allocator state using the memory map supplied by the
// bootloader. All arguments are physical addresses. The refcount table is
// overlaid on the first page-aligned region past the kernel image (accessed
// through the higher-half mapping) and its frames, together with the kernel
// and InitFS extents, are marked reserved.
func Init(kernelStart, kernelEnd, initfsStart, initfsEnd uintptr) *kernel.Error {
	var maxFrame mm.Frame
	visitMemRegionsFn(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.MemAvailable {
			return true
		}
		end := mm.FrameFromAddress(uintptr(region.PhysAddress+region.Length-1)) + 1
		if end > maxFrame {
			maxFrame = end
		}
		return true
	})

	if maxFrame == 0 {
		return errOutOfMemory
	}

	tableBase := pageAlignUp(kernelEnd)
	tableBytes := uintptr(maxFrame) * uintptr(unsafe.Sizeof(uint16(0)))
	alloc.refCounts = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(maxFrame),
		Cap:  int(maxFrame),
		Data: tableBase + mm.KernelPageOffset,
	}))

	alloc.initCounts(kernelStart, tableBase+tableBytes, initfsStart, initfsEnd)
	printMemoryMap(kernelStart, kernelEnd)

	mm.SetFrameAllocator(AllocFrame)
	mm.SetFrameReleaser(ReleaseFrame)
	return nil
}

// initCounts populates the refcount table: everything starts reserved, the
// available e820 regions are freed, then the reserved extents are re-marked.
func (a *frameAllocator) initCounts(kernelStart, tableEnd, initfsStart, initfsEnd uintptr) {
	for i := range a.refCounts {
		a.refCounts[i] = refReserved
	}

	visitMemRegionsFn(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Only frames fully contained in the region are usable.
		firstFrame := mm.FrameFromAddress(pageAlignUp(uintptr(region.PhysAddress)))
		lastFrame := mm.FrameFromAddress(uintptr(region.PhysAddress+region.Length)) - 1
		for frame := firstFrame; frame <= lastFrame && int(frame) < len(a.refCounts); frame++ {
			if a.refCounts[frame] == refReserved {
				a.refCounts[frame] = 0
				a.totalFree++
			}
		}
		return true
	})

	a.reserveRange(kernelStart, tableEnd)
	a.reserveRange(initfsStart, initfsEnd)
}

func (a *frameAllocator) reserveRange(start, end uintptr) {
	if end <= start {
		return
	}
	lastFrame := mm.FrameFromAddress(end - 1)
	for frame := mm.FrameFromAddress(start); frame <= lastFrame && int(frame) < len(a.refCounts); frame++ {
		if a.refCounts[frame] == 0 {
			a.totalFree--
		}
		a.refCounts[frame] = refReserved
	}
}

// AllocFrame reserves the next free frame from the high (>=1MiB) pool and
// returns it with a refcount of one.
func AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.allocInRange(lowPoolLimit, mm.Frame(len(alloc.refCounts)), &alloc.lastAlloc, errOutOfMemory)
}

// AllocLowFrame reserves the next free frame from the sub-1MiB pool used
// for VM86 guest memory.
func AllocLowFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	limit := mm.Frame(len(alloc.refCounts))
	if limit > lowPoolLimit {
		limit = lowPoolLimit
	}
	return alloc.allocInRange(0, limit, &alloc.lastLowAlloc, errOutOfLowMemory)
}

// ReserveFrameAt claims the specific frame that contains physAddr. VM86
// guest layouts require particular physical addresses (e.g. the IVT page at
// 0x00000); this is the only allocation path that can request one.
func ReserveFrameAt(physAddr uintptr) (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	frame := mm.FrameFromAddress(physAddr)
	if int(frame) >= len(alloc.refCounts) || alloc.refCounts[frame] != 0 {
		return mm.InvalidFrame, errFrameReserved
	}
	alloc.refCounts[frame] = 1
	alloc.totalFree--
	return frame, nil
}

func (a *frameAllocator) allocInRange(first, limit mm.Frame, hint *mm.Frame, oomErr *kernel.Error) (mm.Frame, *kernel.Error) {
	if a.totalFree == 0 || first >= limit {
		return mm.InvalidFrame, oomErr
	}

	start := *hint
	if start < first || start >= limit {
		start = first
	}

	for offset, span := mm.Frame(0), limit-first; offset < span; offset++ {
		frame := first + (start-first+offset)%span
		if a.refCounts[frame] == 0 {
			a.refCounts[frame] = 1
			a.totalFree--
			*hint = frame + 1
			return frame, nil
		}
	}

	return mm.InvalidFrame, oomErr
}

// IncRefFrame increments the refcount of an allocated frame. It is used when
// a frame becomes shared between address spaces (kernel text, the reserved
// zero-fill frame).
func IncRefFrame(frame mm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if int(frame) >= len(alloc.refCounts) || alloc.refCounts[frame] == 0 || alloc.refCounts[frame] == refReserved {
		return errFrameNotOwned
	}
	alloc.refCounts[frame]++
	return nil
}

// ReleaseFrame drops a reference to an allocated frame, returning it to its
// pool when the count reaches zero.
func ReleaseFrame(frame mm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if int(frame) >= len(alloc.refCounts) || alloc.refCounts[frame] == 0 || alloc.refCounts[frame] == refReserved {
		return errFrameNotOwned
	}
	alloc.refCounts[frame]--
	if alloc.refCounts[frame] == 0 {
		alloc.totalFree++
	}
	return nil
}

// RefCount returns the current refcount for a frame. Reserved frames and
// frames outside the table report zero ownership information via ok=false.
func RefCount(frame mm.Frame) (count uint16, ok bool) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if int(frame) >= len(alloc.refCounts) || alloc.refCounts[frame] == refReserved {
		return 0, false
	}
	return alloc.refCounts[frame], true
}

// FreeFrameCount returns the number of free frames across both pools.
func FreeFrameCount() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.totalFree
}

func pageAlignUp(addr uintptr) uintptr {
	return (addr + mm.PageSize - 1) & ^(mm.PageSize - 1)
}

// printMemoryMap logs the memory regions reported by the bootloader.
func printMemoryMap(kernelStart, kernelEnd uintptr) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree uint64
	visitMemRegionsFn(func(region *bootinfo.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		if region.Type == bootinfo.MemAvailable {
			totalFree += region.Length
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)
}
