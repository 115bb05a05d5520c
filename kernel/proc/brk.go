package proc

import (
	"immdos/kernel"
	"immdos/kernel/mm"
	"immdos/kernel/mm/vmm"
)

var (
	// ErrBadBrk is returned when a brk target falls outside the legal
	// range for the heap region.
	ErrBadBrk = &kernel.Error{Module: "proc", Message: "brk target outside the heap range"}
)

// Brk grows or shrinks the calling process's heap region so that it ends at
// addr, rounded up to page granularity, and returns the new break. Brk
// always sets the break; CurrentBrk answers queries.
func Brk(p *Process, addr uintptr) (uintptr, *kernel.Error) {
	if p.heapBase == 0 {
		return 0, ErrBadBrk
	}
	if addr < p.heapBase || addr > vmm.UserSpaceEnd {
		return 0, ErrBadBrk
	}

	newEnd := (addr + mm.PageSize - 1) &^ (mm.PageSize - 1)
	oldEnd := (p.heapBrk + mm.PageSize - 1) &^ (mm.PageSize - 1)

	region, err := p.regions.FindKind(RegionHeap)
	if err != nil {
		// First expansion creates the region just above the data
		// segment.
		if newEnd > p.heapBase {
			heapRegion := Region{
				Start:          p.heapBase,
				Length:         newEnd - p.heapBase,
				Kind:           RegionHeap,
				Backing:        BackingZeroFill,
				Writable:       true,
				UserAccessible: true,
			}
			if err = p.regions.Insert(heapRegion); err != nil {
				return 0, err
			}
			region, _ = p.regions.FindKind(RegionHeap)
			if !mapRange(region, p.heapBase, newEnd) {
				return 0, ErrBadBrk
			}
		}
		p.heapBrk = addr
		return p.heapBrk, nil
	}

	switch {
	case newEnd > oldEnd:
		if !mapRange(region, oldEnd, newEnd) {
			return 0, ErrBadBrk
		}
		region.Length = newEnd - region.Start
	case newEnd < oldEnd:
		for page := mm.PageFromAddress(newEnd); page < mm.PageFromAddress(oldEnd); page++ {
			_ = unmapAndReleaseFn(page)
		}
		region.Length = newEnd - region.Start
	}

	p.heapBrk = addr
	return p.heapBrk, nil
}

// CurrentBrk returns the current break address.
func CurrentBrk(p *Process) uintptr {
	return p.heapBrk
}

// SetHeapBase records where the brk heap begins; the exec loaders call this
// once the data segment extent is known.
func (p *Process) SetHeapBase(base uintptr) {
	base = (base + mm.PageSize - 1) &^ (mm.PageSize - 1)
	p.heapBase = base
	p.heapBrk = base
}

func mapRange(region *Region, start, end uintptr) bool {
	for page := mm.PageFromAddress(start); page < mm.PageFromAddress(end); page++ {
		if !mapDemandZero(region, page) {
			return false
		}
	}
	return true
}
