package proc

import (
	"immdos/kernel"
	"immdos/kernel/gate"
)

// irqReturnBase is the magic return address seeded onto a user IRQ
// handler's stack. Handler number n returns to irqReturnBase+n, a
// kernel-space address whose fetch faults straight back into the kernel,
// signalling handler completion.
const irqReturnBase = uintptr(0xc0000000)

const (
	userHandlerCS = uint32(0x18 | 3)
	userHandlerSS = uint32(0x20 | 3)
)

var (
	errBadIRQ          = &kernel.Error{Module: "proc", Message: "irq number out of range"}
	errIRQClaimed      = &kernel.Error{Module: "proc", Message: "irq already has a handler"}
	errBadHandlerStack = &kernel.Error{Module: "proc", Message: "handler stack cannot hold a return address"}

	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt
)

// irqHandler records a user-mode handler claim for one hardware IRQ line.
type irqHandler struct {
	pid      uint32
	function uintptr
	stackTop uintptr

	// active is set while the handler runs; saved* hold the interrupted
	// context so the return fault can restore it.
	active    bool
	savedRegs gate.Registers
	savedProc *Process
}

var irqHandlers [16]irqHandler

// InstallIRQHandler claims a hardware IRQ line for the calling process. The
// kernel will invoke the handler at ring 3 on the supplied stack whenever
// the IRQ fires. At most one handler per IRQ.
func InstallIRQHandler(irq uint32, handlerVaddr, stackVaddr uintptr) *kernel.Error {
	if irq >= 16 || irq == 0 {
		return errBadIRQ
	}
	if irqHandlers[irq].pid != 0 {
		return errIRQClaimed
	}
	if stackVaddr < 4 {
		return errBadHandlerStack
	}

	irqHandlers[irq] = irqHandler{
		pid:      current.id,
		function: handlerVaddr,
		stackTop: stackVaddr,
	}

	num := irq
	handleInterruptFn(gate.IRQBase+gate.InterruptNumber(irq), func(regs *gate.Registers) {
		forwardIRQ(num, regs)
	})
	return nil
}

// forwardIRQ briefly switches to the handler's owning process at ring 3.
// The interrupted register snapshot is stashed so the handler-return fault
// can rewrite the gate frame and resume the original context.
func forwardIRQ(irq uint32, regs *gate.Registers) {
	h := &irqHandlers[irq]
	if h.pid == 0 || h.active {
		return
	}
	owner, err := Lookup(h.pid)
	if err != nil {
		// The owning process died; drop the claim.
		h.pid = 0
		return
	}

	h.active = true
	h.savedRegs = *regs
	h.savedProc = current

	if owner != current {
		owner.pageDir.Activate()
	}

	// Seed the handler stack with the magic return address and rewrite
	// the interrupt frame so the pending iret enters the handler with
	// interrupts disabled.
	sp := h.stackTop - 4
	putUserDwordFn(sp, uint32(irqReturnBase+uintptr(irq)))

	regs.EIP = uint32(h.function)
	regs.CS = userHandlerCS
	regs.EFlags = 0
	regs.ESP = uint32(sp)
	regs.SS = userHandlerSS
}

// resumeFromIRQHandler recognizes the magic return-address fault raised
// when a user IRQ handler returns and restores the interrupted context.
func resumeFromIRQHandler(faultAddr uintptr, regs *gate.Registers) bool {
	if faultAddr < irqReturnBase || faultAddr >= irqReturnBase+16 {
		return false
	}
	h := &irqHandlers[faultAddr-irqReturnBase]
	if !h.active {
		return false
	}

	if h.savedProc != nil && h.savedProc != current {
		h.savedProc.pageDir.Activate()
	}

	code := regs.Code
	*regs = h.savedRegs
	regs.Code = code
	h.active = false
	return true
}

// releaseIRQClaims drops the handler registrations of a dying process.
func releaseIRQClaims(pid uint32) {
	for i := range irqHandlers {
		if irqHandlers[i].pid == pid {
			irqHandlers[i] = irqHandler{}
		}
	}
}

// putUserDwordFn writes a dword into the currently active address space; a
// function variable so tests can intercept the raw store.
var putUserDwordFn = func(addr uintptr, val uint32) {
	buf := kernel.MakeByteSlice(addr, 4)
	buf[0] = byte(val)
	buf[1] = byte(val >> 8)
	buf[2] = byte(val >> 16)
	buf[3] = byte(val >> 24)
}
