package proc

import (
	"immdos/kernel"
	"immdos/kernel/mm/vmm"
)

// RegionKind describes what role a memory region plays inside an address
// space.
type RegionKind uint8

const (
	RegionCode RegionKind = iota
	RegionData
	RegionStack
	RegionHeap
	RegionMmap
	RegionDOSConventional
	RegionIVT
	RegionBDA
	RegionVGAShadow
)

// RegionBacking describes where the contents of a region come from.
type RegionBacking uint8

const (
	// BackingZeroFill regions start out as demand-zero memory.
	BackingZeroFill RegionBacking = iota

	// BackingInitfsFile regions are populated from an InitFS file at load
	// time.
	BackingInitfsFile

	// BackingAnonymous regions are backed by eagerly allocated frames.
	BackingAnonymous

	// BackingDeviceMMIO regions map device memory (VGA shadows).
	BackingDeviceMMIO
)

// Region describes a contiguous virtual address range of a process.
type Region struct {
	Start  uintptr
	Length uintptr

	Kind    RegionKind
	Backing RegionBacking

	Writable       bool
	UserAccessible bool
}

// End returns the first address past the region.
func (r *Region) End() uintptr {
	return r.Start + r.Length
}

// Contains returns true if addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End()
}

// MapFlags translates the region attributes into page table entry flags.
func (r *Region) MapFlags() vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent
	if r.Writable {
		flags |= vmm.FlagRW
	}
	if r.UserAccessible {
		flags |= vmm.FlagUserAccessible
	}
	return flags
}

// RegionList maintains the ordered, non-overlapping region set of a process.
type RegionList struct {
	regions []Region
}

var (
	errRegionOverlap  = &kernel.Error{Module: "proc", Message: "memory region overlaps an existing region"}
	errRegionNotFound = &kernel.Error{Module: "proc", Message: "no region contains the given address"}
)

// Insert adds a region keeping the list ordered by start address. Inserting
// a region that overlaps an existing entry is an error.
func (rl *RegionList) Insert(region Region) *kernel.Error {
	pos := len(rl.regions)
	for i := range rl.regions {
		existing := &rl.regions[i]
		if region.Start < existing.End() && existing.Start < region.End() {
			return errRegionOverlap
		}
		if region.Start < existing.Start {
			pos = i
			break
		}
	}

	rl.regions = append(rl.regions, Region{})
	copy(rl.regions[pos+1:], rl.regions[pos:])
	rl.regions[pos] = region
	return nil
}

// Find returns the region containing addr.
func (rl *RegionList) Find(addr uintptr) (*Region, *kernel.Error) {
	for i := range rl.regions {
		if rl.regions[i].Contains(addr) {
			return &rl.regions[i], nil
		}
	}
	return nil, errRegionNotFound
}

// FindKind returns the first region of the requested kind.
func (rl *RegionList) FindKind(kind RegionKind) (*Region, *kernel.Error) {
	for i := range rl.regions {
		if rl.regions[i].Kind == kind {
			return &rl.regions[i], nil
		}
	}
	return nil, errRegionNotFound
}

// Visit invokes fn for every region in start-address order.
func (rl *RegionList) Visit(fn func(*Region) bool) {
	for i := range rl.regions {
		if !fn(&rl.regions[i]) {
			return
		}
	}
}

// Clear drops every region from the list.
func (rl *RegionList) Clear() {
	rl.regions = rl.regions[:0]
}

// Len returns the number of regions in the list.
func (rl *RegionList) Len() int {
	return len(rl.regions)
}

// Clone returns a deep copy of the region list.
func (rl *RegionList) Clone() RegionList {
	out := RegionList{regions: make([]Region, len(rl.regions))}
	copy(out.regions, rl.regions)
	return out
}

// gapBefore reports whether [addr, region.Start) is free of other regions,
// used when growing stacks downward.
func (rl *RegionList) gapBefore(region *Region, addr uintptr) bool {
	for i := range rl.regions {
		other := &rl.regions[i]
		if other == region {
			continue
		}
		if other.Start < region.Start && other.End() > addr {
			return false
		}
	}
	return true
}
