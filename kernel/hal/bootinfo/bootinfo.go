// Package bootinfo provides access to the data handed over by the stage-2
// bootloader: the BootStruct pointer passed to the kernel entrypoint and the
// e820 memory map that the loader stores at physical address 0x1000.
package bootinfo

import "unsafe"

// memMapBase is the physical address where the bootloader stores the e820
// memory map: a uint32 entry count followed by packed 24-byte entries.
const memMapBase = uintptr(0x1000)

// BootStruct is the payload whose address the stage-2 bootloader passes to
// the kernel entrypoint. It describes where the InitFS archive was loaded.
type BootStruct struct {
	// InitfsStart is the physical address of the in-memory InitFS image.
	InitfsStart uint32

	// InitfsSize is the size of the InitFS image in bytes.
	InitfsSize uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value not part of this list indicates a defective RAM module.
	memUnknown
)

// String implements fmt.Stringer for the MemoryEntryType enum.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "ACPI (NVS)"
	default:
		return "defective"
	}
}

// MemoryMapEntry describes an e820 memory region entry, namely its physical
// address, length and type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the bootloader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

var (
	bootStruct *BootStruct

	// memMapPtr points to the start of the e820 map and is overridable so
	// tests can provide a fake map built in a Go buffer.
	memMapPtr = memMapBase
)

// SetBootStructPtr stores the physical address of the BootStruct passed to
// the kernel entrypoint. It must be invoked before any other function
// exported by this package.
func SetBootStructPtr(ptr uintptr) {
	bootStruct = (*BootStruct)(unsafe.Pointer(ptr))
}

// Get returns the BootStruct registered via SetBootStructPtr.
func Get() *BootStruct {
	return bootStruct
}

// VisitMemRegions invokes the supplied visitor for each entry of the e820
// memory map that the bootloader stores at physical address 0x1000. Entries
// are packed: a uint32 count followed by count 24-byte records of the form
// {base: u64, length: u64, type: u32, attr: u32}.
func VisitMemRegions(visitor MemRegionVisitor) {
	var entry MemoryMapEntry

	count := *(*uint32)(unsafe.Pointer(memMapPtr))
	curPtr := memMapPtr + 4
	for i := uint32(0); i < count; i, curPtr = i+1, curPtr+24 {
		entry.PhysAddress = *(*uint64)(unsafe.Pointer(curPtr))
		entry.Length = *(*uint64)(unsafe.Pointer(curPtr + 8))
		entry.Type = MemoryEntryType(*(*uint32)(unsafe.Pointer(curPtr + 16)))

		// Sanitize defective entries so the visitor only needs to
		// handle the known enum values.
		if entry.Type > MemNvs {
			entry.Type = memUnknown
		}

		if !visitor(&entry) {
			return
		}
	}
}
