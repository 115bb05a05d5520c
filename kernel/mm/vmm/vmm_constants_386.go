package vmm

import "immdos/kernel/mm"

const (
	// pageLevels indicates the number of page levels supported by the 386
	// two-level paging scheme (page directory + page table).
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-31 contain the physical memory address.
	ptePhysPageMask = ^(mm.PageSize - 1)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when mapping inactive PDT
	// pages or zeroing freshly allocated frames). It occupies the page
	// right below the recursive page-directory window.
	tempMappingAddr = uintptr(0xffbff000)

	// kernelStackTopPage is the top page of the per-process kernel stack.
	// Kernel stacks grow down from tempMappingAddr.
	kernelStackTopPage = uintptr(0xffbfe000)

	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping used in the last PDT entry for each page directory
	// to allow accessing the PDT itself using the system's MMU address
	// translation mechanism. By setting all page level bits to 1 the MMU
	// keeps following the last PDT entry for all page levels landing on
	// the PDT.
	pdtVirtualAddr = uintptr(0xfffff000)

	// recursiveWindowBase is the start of the 4MiB window through which
	// the recursive mapping exposes every present page table of the
	// active directory.
	recursiveWindowBase = uintptr(0xffc00000)

	// kernelDirEntryBase is the index of the first page-directory entry
	// covering kernel space (0xc0000000 and above). Entries at and above
	// this index are shared by all address spaces.
	kernelDirEntryBase = 768

	// UserSpaceEnd is the first virtual address past per-process user
	// space.
	UserSpaceEnd = uintptr(0xc0000000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the 386 architecture each page level uses 10 bits which amounts to
	// 1024 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when a directory entry maps a 4Mb page directly
	// (PSE). The kernel does not use huge pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality
	// for demand-zero allocations. It occupies one of the
	// available-to-software bits (bit 9). This flag and FlagRW are
	// mutually exclusive.
	FlagCopyOnWrite = 1 << 9
)
