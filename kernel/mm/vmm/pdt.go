package vmm

import (
	"unsafe"

	"immdos/kernel"
	"immdos/kernel/mm"
)

const (
	// kernelStackPages is the number of pages backing each per-process
	// kernel stack. The stack occupies the pages directly below the
	// temporary mapping window and grows down from kernelStackTopPage.
	kernelStackPages = 2

	// topTableIndex is the page-directory slot whose table holds the
	// per-process mappings living right below the recursive window: the
	// kernel stack pages and the temporary mapping slot.
	topTableIndex = 1022

	// recursiveIndex is the page-directory slot that self-maps the
	// directory.
	recursiveIndex = 1023
)

// PageDirectoryTable describes the top-most table in the two-level paging
// scheme. Each process owns exactly one.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Frame returns the physical frame where this directory resides.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Init sets up the page directory starting at the supplied physical
// address. If the supplied frame does not match the currently active PDT, then
// Init assumes that this is a new page directory that needs
// bootstrapping. In such a case, a temporary mapping is established so that
// Init can:
//   - call kernel.Memset to clear the frame contents
//   - setup a recursive mapping for the last directory entry to the page itself.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	// Check active PDT physical address. If it matches the input pdt then
	// nothing more needs to be done
	activePdtAddr := activePDTFn()
	if pdtFrame.Address() == activePdtAddr {
		return nil
	}

	// Create a temporary mapping for the pdt frame so we can work on it
	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	// Clear the page contents and setup recursive mapping for the last PDT entry
	kernel.Memset(pdtPage.Address(), 0, mm.PageSize)
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + (recursiveIndex << mm.PointerShift)))
	*lastPdtEntry = 0
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)

	// Remove temporary mapping
	_ = unmapFn(pdtPage)

	return nil
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using this PDT. This method behaves in a similar fashion to the global Map()
// function with the difference that it also supports inactive page PDTs by
// establishing a temporary mapping so that Map() can access the inactive PDT
// entries.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		activePdtFrame   = mm.Frame(activePDTFn() >> mm.PageShift)
		lastPdtEntryAddr uintptr
		lastPdtEntry     *pageTableEntry
	)
	// If this table is not active we need to temporarily map it to the
	// last entry in the active PDT so we can access it using the recursive
	// virtual address scheme.
	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntryAddr = pdtVirtualAddr + (recursiveIndex << mm.PointerShift)
		lastPdtEntry = (*pageTableEntry)(ptePtrFn(lastPdtEntryAddr))
		lastPdtEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	err := mapFn(page, frame, flags)

	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	return err
}

// Unmap removes a mapping previously installed by a call to Map() on this PDT.
// This method behaves in a similar fashion to the global Unmap() function with
// the difference that it also supports inactive page PDTs by establishing a
// temporary mapping so that Unmap() can access the inactive PDT entries.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	var (
		activePdtFrame   = mm.Frame(activePDTFn() >> mm.PageShift)
		lastPdtEntryAddr uintptr
		lastPdtEntry     *pageTableEntry
	)
	// If this table is not active we need to temporarily map it to the
	// last entry in the active PDT so we can access it using the recursive
	// virtual address scheme.
	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntryAddr = pdtVirtualAddr + (recursiveIndex << mm.PointerShift)
		lastPdtEntry = (*pageTableEntry)(ptePtrFn(lastPdtEntryAddr))
		lastPdtEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	err := unmapFn(page)

	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	return err
}

// Activate enables this page directory table and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// NewAddressSpace allocates and initializes a page directory for a new
// process. The returned directory:
//   - self-maps itself via the recursive entry,
//   - shares the master kernel page tables (directory slots 768-1021),
//   - owns a fresh top table (slot 1022) holding a kernel stack mapped below
//     kernelStackTopPage and the per-process temporary mapping slot.
func NewAddressSpace() (PageDirectoryTable, *kernel.Error) {
	var pdt PageDirectoryTable

	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return pdt, err
	}
	if err = pdt.Init(pdtFrame); err != nil {
		return pdt, err
	}

	// The top table is private to the new address space. It is populated
	// first; only one frame can occupy the temporary slot at a time and
	// the directory needs the slot afterwards.
	topTableFrame, err := AllocZeroedFrame()
	if err != nil {
		return pdt, err
	}

	// Back the kernel stack with freshly allocated frames.
	topPage, err := mapTemporaryFn(topTableFrame)
	if err != nil {
		return pdt, err
	}
	topTable := (*[1024]pageTableEntry)(unsafe.Pointer(topPage.Address()))
	stackTopIndex := int((kernelStackTopPage >> mm.PageShift) & 0x3ff)
	for i := 0; i < kernelStackPages; i++ {
		var stackFrame mm.Frame
		if stackFrame, err = mm.AllocFrame(); err != nil {
			_ = unmapFn(topPage)
			return pdt, err
		}
		idx := stackTopIndex - i
		topTable[idx] = 0
		topTable[idx].SetFrame(stackFrame)
		topTable[idx].SetFlags(FlagPresent | FlagRW)
	}
	if err = unmapFn(topPage); err != nil {
		return pdt, err
	}

	// Copy the shared kernel directory entries from the active directory;
	// every address space carries identical copies of these slots.
	activeDir := (*[1024]pageTableEntry)(ptePtrFn(pdtVirtualAddr))
	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return pdt, err
	}
	newDir := (*[1024]pageTableEntry)(unsafe.Pointer(pdtPage.Address()))
	for entry := kernelDirEntryBase; entry < topTableIndex; entry++ {
		newDir[entry] = activeDir[entry]
	}
	newDir[topTableIndex] = 0
	newDir[topTableIndex].SetFrame(topTableFrame)
	newDir[topTableIndex].SetFlags(FlagPresent | FlagRW)
	_ = unmapFn(pdtPage)

	return pdt, nil
}

// KernelStackTop returns the virtual address loaded into the TSS esp0 slot
// for every process: one byte past the top page of the kernel stack.
func KernelStackTop() uintptr {
	return kernelStackTopPage + mm.PageSize
}

// visitTableFrames invokes fn for every present final-level entry of the
// page table that tableFrame points to. The table is accessed through the
// temporary mapping slot.
func visitTableFrames(tableFrame mm.Frame, fn func(index int, frame mm.Frame)) *kernel.Error {
	tablePage, err := mapTemporaryFn(tableFrame)
	if err != nil {
		return err
	}
	table := (*[1024]pageTableEntry)(unsafe.Pointer(tablePage.Address()))
	for i := 0; i < 1024; i++ {
		if table[i].HasFlags(FlagPresent) {
			fn(i, table[i].Frame())
		}
	}
	return unmapFn(tablePage)
}

// DestroyAddressSpace releases every frame owned by an inactive page
// directory: the user-space page frames, their page tables, the kernel stack
// and top table, and finally the directory itself. Shared kernel tables and
// frames mapped from the reserved zero frame only have their references
// dropped.
func DestroyAddressSpace(pdt PageDirectoryTable) *kernel.Error {
	var firstErr *kernel.Error

	release := func(frame mm.Frame) {
		if err := mm.ReleaseFrame(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Collect the user-space directory slots plus the private top table.
	dirPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return err
	}
	dir := (*[1024]pageTableEntry)(unsafe.Pointer(dirPage.Address()))
	var tableFrames [1024]mm.Frame
	var tableCount int
	for entry := 0; entry < kernelDirEntryBase; entry++ {
		if dir[entry].HasFlags(FlagPresent) {
			tableFrames[tableCount] = dir[entry].Frame()
			tableCount++
		}
	}
	topPresent := dir[topTableIndex].HasFlags(FlagPresent)
	topFrame := dir[topTableIndex].Frame()
	if err = unmapFn(dirPage); err != nil {
		return err
	}

	for i := 0; i < tableCount; i++ {
		if err = visitTableFrames(tableFrames[i], func(_ int, frame mm.Frame) {
			release(frame)
		}); err != nil {
			return err
		}
		release(tableFrames[i])
	}

	if topPresent {
		if err = visitTableFrames(topFrame, func(_ int, frame mm.Frame) {
			release(frame)
		}); err != nil {
			return err
		}
		release(topFrame)
	}

	release(pdt.pdtFrame)
	return firstErr
}

// KernelStackFrames returns the physical frames backing the kernel stack of
// an address space, ordered from the top page down. The directory may be
// inactive; all accesses go through the temporary mapping slot.
func KernelStackFrames(pdt PageDirectoryTable) ([kernelStackPages]mm.Frame, *kernel.Error) {
	var frames [kernelStackPages]mm.Frame

	dirPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return frames, err
	}
	dir := (*[1024]pageTableEntry)(unsafe.Pointer(dirPage.Address()))
	if !dir[topTableIndex].HasFlags(FlagPresent) {
		_ = unmapFn(dirPage)
		return frames, ErrInvalidMapping
	}
	topFrame := dir[topTableIndex].Frame()
	if err = unmapFn(dirPage); err != nil {
		return frames, err
	}

	topPage, err := mapTemporaryFn(topFrame)
	if err != nil {
		return frames, err
	}
	topTable := (*[1024]pageTableEntry)(unsafe.Pointer(topPage.Address()))
	stackTopIndex := int((kernelStackTopPage >> mm.PageShift) & 0x3ff)
	for i := 0; i < kernelStackPages; i++ {
		frames[i] = topTable[stackTopIndex-i].Frame()
	}
	return frames, unmapFn(topPage)
}
