package proc

import (
	"unsafe"

	"immdos/kernel"
	"immdos/kernel/gate"
	"immdos/kernel/mm"
	"immdos/kernel/mm/vmm"
)

// initialStackWords is the number of dwords prepareInitialStack seeds a
// fresh kernel stack with: the four callee-saved registers plus the flags
// image popped by switchContext, and the return address it lands on.
const initialStackWords = 6

// prepareInitialStack seeds the kernel stack of a process that has never
// run so that the first switchContext into it "returns" into the user entry
// trampoline. The stack belongs to an inactive address space, so the
// backing frame is edited through the temporary mapping slot.
func prepareInitialStack(pdt vmm.PageDirectoryTable) (uintptr, *kernel.Error) {
	frames, err := vmm.KernelStackFrames(pdt)
	if err != nil {
		return 0, err
	}

	topPage, err := vmm.MapTemporary(frames[0])
	if err != nil {
		return 0, err
	}

	// The frame sits at the very top of the stack page.
	frame := (*[initialStackWords]uint32)(unsafe.Pointer(topPage.Address() + mm.PageSize - initialStackWords*4))
	frame[0] = 0     // EDI
	frame[1] = 0     // ESI
	frame[2] = 0     // EBX
	frame[3] = 0     // EBP
	frame[4] = 0x002 // EFLAGS: interrupts stay off until the iret
	frame[5] = uint32(userEntryTrampolineAddr())

	if err = vmm.Unmap(topPage); err != nil {
		return 0, err
	}

	return vmm.KernelStackTop() - initialStackWords*4, nil
}

// runUserEntry is invoked (via the assembly trampoline) the first time a
// freshly created process is scheduled. It never returns: the iret inside
// enterUser drops to ring 3.
func runUserEntry() {
	enterUser(&current.entryRegs)
}

// switchContext saves the callee-saved register state on the current kernel
// stack, stores the stack pointer through oldESP, activates the new page
// directory and resumes execution on newESP. The recursive-mapping
// invariant must hold for the incoming directory or the kernel loses its
// own page tables mid-switch.
func switchContext(oldESP *uintptr, newESP uintptr, newCR3 uintptr)

// enterUser loads a ring-3 register snapshot and executes iret. For VM86
// snapshots (EFlags.VM set) the guest segment registers are part of the
// iret frame.
func enterUser(regs *gate.Registers)

// userEntryTrampolineAddr returns the address of the assembly thunk that
// calls runUserEntry.
func userEntryTrampolineAddr() uintptr
