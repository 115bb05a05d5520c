package vmm

import (
	"immdos/kernel"
	"immdos/kernel/cpu"
	"immdos/kernel/mm"
)

// DeviceWindowBase is the start of the kernel virtual region where device
// memory (VGA buffers, BIOS shadows) gets mapped. A physical device address
// p is visible at DeviceWindowBase+p.
const DeviceWindowBase = uintptr(0xe0000000)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn   = cpu.ReadCR2
	translateFn = Translate
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap

	// The granular PDT which is set up by the setupPDTForKernel call and
	// whose shared entries get copied into every new address space.
	kernelPDT PageDirectoryTable

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// KernelDirectory returns the master kernel page directory created during
// Init.
func KernelDirectory() PageDirectoryTable {
	return kernelPDT
}

// Init initializes the vmm system: it creates a granular PDT for the kernel
// covering the kernel image, the frame refcount table and the InitFS image,
// installs the paging-related exception handlers and reserves the shared
// zero-fill frame. All arguments are physical addresses; mapEnd marks the
// end of the contiguous kernel/table extent.
func Init(kernelStart, mapEnd, initfsStart, initfsEnd uintptr) *kernel.Error {
	if err := setupPDTForKernel(kernelStart, mapEnd, initfsStart, initfsEnd); err != nil {
		return err
	}

	installFaultHandlers()

	return reserveZeroedFrame()
}

// setupPDTForKernel builds the master kernel page directory. The bootloader
// enters the kernel on a coarse boot-time directory whose last entry also
// self-maps (the recursive editing scheme depends on it); this function
// installs the definitive higher-half mappings and activates them:
//   - kernel image + frame table at phys+KernelPageOffset
//   - InitFS image at phys+KernelPageOffset
//   - per-kernel top table (kernel stack of the bootstrap task + temp slot)
func setupPDTForKernel(kernelStart, mapEnd, initfsStart, initfsEnd uintptr) *kernel.Error {
	kernelPDTFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	if err = kernelPDT.Init(kernelPDTFrame); err != nil {
		return err
	}

	mapRange := func(physStart, physEnd uintptr, flags PageTableEntryFlag) *kernel.Error {
		curPage := mm.PageFromAddress(physStart + mm.KernelPageOffset)
		lastPage := mm.PageFromAddress(physEnd - 1 + mm.KernelPageOffset)
		curFrame := mm.FrameFromAddress(physStart)
		for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
			if err := kernelPDT.Map(curPage, curFrame, flags); err != nil {
				return err
			}
		}
		return nil
	}

	if err = mapRange(kernelStart, mapEnd, FlagPresent|FlagRW); err != nil {
		return err
	}
	if initfsEnd > initfsStart {
		if err = mapRange(initfsStart, initfsEnd, FlagPresent); err != nil {
			return err
		}
	}

	// Top table for the bootstrap task: kernel stack + temp slot.
	stackTopIndex := mm.Page(kernelStackTopPage >> mm.PageShift)
	for i := mm.Page(0); i < kernelStackPages; i++ {
		var stackFrame mm.Frame
		if stackFrame, err = mm.AllocFrame(); err != nil {
			return err
		}
		if err = kernelPDT.Map(stackTopIndex-i, stackFrame, FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	// Activate the new PDT. After this point the coarse boot-time mapping
	// for low physical memory becomes invalid.
	kernelPDT.Activate()

	return nil
}

// MapDeviceRegion maps size bytes of physical device memory starting at
// physAddr into the kernel device window and returns the virtual address of
// the region start. Device memory is mapped uncached.
func MapDeviceRegion(physAddr, size uintptr) (uintptr, *kernel.Error) {
	curPage := mm.PageFromAddress(DeviceWindowBase + physAddr)
	lastPage := mm.PageFromAddress(DeviceWindowBase + physAddr + size - 1)
	curFrame := mm.FrameFromAddress(physAddr)
	for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
		if err := mapFn(curPage, curFrame, FlagPresent|FlagRW|FlagDoNotCache); err != nil {
			return 0, err
		}
	}
	return DeviceWindowBase + physAddr, nil
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage mm.Page
	)

	if ReservedZeroedFrame, err = mm.AllocFrame(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	kernel.Memset(tempPage.Address(), 0, mm.PageSize)
	_ = unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}
