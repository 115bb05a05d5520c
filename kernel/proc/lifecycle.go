package proc

import (
	"immdos/kernel"
	"immdos/kernel/gate"
	"immdos/kernel/mm"
	"immdos/kernel/mm/pmm"
	"immdos/kernel/mm/vmm"
)

var (
	// The vmm entry points are function variables so lifecycle logic can
	// run hosted under test.
	newAddressSpaceFn     = vmm.NewAddressSpace
	destroyAddressSpaceFn = vmm.DestroyAddressSpace
	copyUserPagesFn       = copyUserPages
	prepareInitialStackFn = prepareInitialStack
	unmapAndReleaseFn     = vmm.UnmapAndRelease

	errKernelFault = &kernel.Error{Module: "proc", Message: "unrecoverable fault in kernel context"}
)

// Fork duplicates the calling process. The child receives a copy of the
// parent's address space and region list, shares its open-file records,
// inherits the current drive and subsystem metadata, and starts with the
// supplied register snapshot except that EAX reads zero. The parent gets
// the child pid back.
func Fork(regs *gate.Registers) (uint32, *kernel.Error) {
	parent := current

	pdt, err := newAddressSpaceFn()
	if err != nil {
		return 0, err
	}

	if err = copyUserPagesFn(&parent.regions, pdt); err != nil {
		_ = destroyAddressSpaceFn(pdt)
		return 0, err
	}

	child := &Process{
		id:           allocPID(),
		parentID:     parent.id,
		state:        StateRunnable,
		subsystem:    parent.subsystem,
		pageDir:      pdt,
		regions:      parent.regions.Clone(),
		files:        parent.files.Clone(),
		currentDrive: parent.currentDrive,
		heapBase:     parent.heapBase,
		heapBrk:      parent.heapBrk,
	}
	if parent.dos != nil {
		dosCopy := *parent.dos
		child.dos = &dosCopy
	}

	child.entryRegs = *regs
	child.entryRegs.EAX = 0

	if child.kernelESP, err = prepareInitialStackFn(pdt); err != nil {
		_ = destroyAddressSpaceFn(pdt)
		return 0, err
	}

	if err = insert(child); err != nil {
		_ = destroyAddressSpaceFn(pdt)
		return 0, err
	}

	enqueue(child)
	return child.id, nil
}

// copyUserPages eagerly duplicates every user page reachable from the
// region list into the target directory. Demand-zero pages that still share
// ReservedZeroedFrame stay shared (with an extra reference) and keep their
// copy-on-write marking.
func copyUserPages(regions *RegionList, pdt vmm.PageDirectoryTable) *kernel.Error {
	var err *kernel.Error

	regions.Visit(func(region *Region) bool {
		firstPage := mm.PageFromAddress(region.Start)
		lastPage := mm.PageFromAddress(region.End() - 1)
		for page := firstPage; page <= lastPage; page++ {
			physAddr, terr := vmm.Translate(page.Address())
			if terr != nil {
				// Pages past a stack's current floor are not
				// mapped yet; the child will fault them in the
				// same way the parent would.
				continue
			}
			srcFrame := mm.FrameFromAddress(physAddr)

			if srcFrame == vmm.ReservedZeroedFrame {
				if err = pmm.IncRefFrame(srcFrame); err != nil {
					return false
				}
				flags := vmm.FlagPresent | vmm.FlagCopyOnWrite
				if region.UserAccessible {
					flags |= vmm.FlagUserAccessible
				}
				if err = pdt.Map(page, srcFrame, flags); err != nil {
					return false
				}
				continue
			}

			var dstFrame mm.Frame
			if dstFrame, err = mm.AllocFrame(); err != nil {
				return false
			}
			var tmpPage mm.Page
			if tmpPage, err = vmm.MapTemporary(dstFrame); err != nil {
				return false
			}
			kernel.Memcopy(page.Address(), tmpPage.Address(), mm.PageSize)
			_ = vmm.Unmap(tmpPage)

			if err = pdt.Map(page, dstFrame, region.MapFlags()); err != nil {
				return false
			}
		}
		return true
	})

	return err
}

// Terminate marks the calling process Terminated with the given exit code,
// releases its user memory and descriptors, wakes a waiting parent and
// schedules away. It never returns.
func Terminate(code uint32) {
	disableInterruptsFn()
	p := current

	p.files.CloseAll()
	releaseUserRegions(p)
	releaseIRQClaims(p.id)

	p.state = StateTerminated
	p.exitCode = code

	reparentChildren(p.id)

	if parent, err := Lookup(p.parentID); err == nil {
		if parent.state == StateWaiting && parent.waitingFor == p.id {
			enqueue(parent)
		}
	}

	Schedule()
}

// releaseUserRegions unmaps every page reachable from the region list and
// drops the frame references. It runs on the terminating process's own
// (active) directory.
func releaseUserRegions(p *Process) {
	p.regions.Visit(func(region *Region) bool {
		firstPage := mm.PageFromAddress(region.Start)
		lastPage := mm.PageFromAddress(region.End() - 1)
		for page := firstPage; page <= lastPage; page++ {
			_ = unmapAndReleaseFn(page)
		}
		return true
	})
	p.regions.Clear()
}

// Wait blocks until the given child terminates, then reaps it and returns
// its exit code. Waiting on a process that is not a child of the caller
// fails with ErrNoSuchChild.
func Wait(childPID uint32) (uint32, *kernel.Error) {
	p := current

	child, err := Lookup(childPID)
	if err != nil || child.parentID != p.id {
		return 0, ErrNoSuchChild
	}

	for child.state != StateTerminated {
		disableInterruptsFn()
		p.state = StateWaiting
		p.waitingFor = childPID
		Schedule()
		enableInterruptsFn()
	}

	code := child.exitCode
	reap(child)
	return code, nil
}

// reap destroys the address space of a terminated child and removes it from
// the process table.
func reap(child *Process) {
	_ = destroyAddressSpaceFn(child.pageDir)
	remove(child.id)
}
