package vmm

import (
	"immdos/kernel"
	"immdos/kernel/gate"
	"immdos/kernel/kfmt"
	"immdos/kernel/mm"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	// faultRecoverer is consulted for page faults that the vmm cannot
	// resolve on its own (demand-zero copies). The process layer installs
	// a recoverer that knows about memory regions and implements stack
	// growth, lazy region backing and the IRQ-handler return path. It
	// returns true if the fault was resolved and the (possibly rewritten)
	// register snapshot can be resumed.
	faultRecoverer func(faultAddr uintptr, regs *gate.Registers) bool

	// faultTerminator is invoked to kill the current process after an
	// unrecoverable user-mode fault. If nil (before multitasking is up)
	// faults panic instead.
	faultTerminator func(faultAddr uintptr, regs *gate.Registers)

	// vm86Handler is invoked for general protection faults raised while
	// the CPU executes in Virtual-8086 mode. Installed by the vm86
	// monitor.
	vm86Handler func(regs *gate.Registers) bool
)

// SetFaultRecoverer registers the region-aware page fault recovery hook.
func SetFaultRecoverer(fn func(faultAddr uintptr, regs *gate.Registers) bool) {
	faultRecoverer = fn
}

// SetFaultTerminator registers the hook used to terminate the current
// process on unrecoverable faults.
func SetFaultTerminator(fn func(faultAddr uintptr, regs *gate.Registers)) {
	faultTerminator = fn
}

// SetVM86Handler registers the VM86 monitor hook for general protection
// faults raised from Virtual-8086 mode.
func SetVM86Handler(fn func(regs *gate.Registers) bool) {
	vm86Handler = fn
}

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, pageFaultHandler)
	handleInterruptFn(gate.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a page table entry is not present or when
// a privilege and/or RW protection check fails.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    mm.Frame
			tmpPage mm.Page
			err     *kernel.Error
		)

		if copy, err = mm.AllocFrame(); err != nil {
			nonRecoverablePageFault(faultAddress, regs, err)
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			nonRecoverablePageFault(faultAddress, regs, err)
		} else {
			sharedFrame := pageEntry.Frame()

			// Copy page contents to the new frame
			kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
			_ = unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// The shared source frame loses one reference
			_ = mm.ReleaseFrame(sharedFrame)

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	if faultRecoverer != nil && faultRecoverer(faultAddress, regs) {
		return
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - privileged instructions or software interrupts executed in VM86 mode
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
func generalProtectionFaultHandler(regs *gate.Registers) {
	if regs.InVM86Mode() && vm86Handler != nil && vm86Handler(regs) {
		return
	}

	kfmt.Printf("\ngeneral protection fault while accessing address: 0x%x\n", readCR2Fn())

	if faultTerminator != nil {
		faultTerminator(uintptr(readCR2Fn()), regs)
		return
	}

	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\npage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch {
	case regs.Code == 0:
		kfmt.Printf("read from non-present page")
	case regs.Code == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Code == 2:
		kfmt.Printf("write to non-present page")
	case regs.Code == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Code&4 == 4:
		kfmt.Printf("page-fault in user-mode")
	case regs.Code&8 == 8:
		kfmt.Printf("page table has reserved bit set")
	default:
		kfmt.Printf("unknown")
	}
	kfmt.Printf("\n")

	if faultTerminator != nil {
		faultTerminator(faultAddress, regs)
		return
	}

	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	panic(err)
}
