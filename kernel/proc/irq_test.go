package proc

import (
	"testing"

	"immdos/kernel/gate"
)

func TestIRQHandlerLifecycle(t *testing.T) {
	resetForTest(t)

	origHandle, origPut := handleInterruptFn, putUserDwordFn
	defer func() { handleInterruptFn, putUserDwordFn = origHandle, origPut }()

	var gateHandler func(*gate.Registers)
	handleInterruptFn = func(num gate.InterruptNumber, handler func(*gate.Registers)) {
		if num != gate.IRQBase+3 {
			t.Fatalf("expected the handler on vector 0x23; got %d", num)
		}
		gateHandler = handler
	}

	var seededAddr uintptr
	var seededVal uint32
	putUserDwordFn = func(addr uintptr, val uint32) {
		seededAddr, seededVal = addr, val
	}

	driver := spawn(t)
	OnTick(&gate.Registers{})
	if current != driver {
		t.Fatal("setup failed")
	}

	handlerVaddr := uintptr(0x00401000)
	stackVaddr := uintptr(0x00500000)
	if err := InstallIRQHandler(3, handlerVaddr, stackVaddr); err != nil {
		t.Fatal(err)
	}
	if err := InstallIRQHandler(3, handlerVaddr, stackVaddr); err != errIRQClaimed {
		t.Fatalf("expected a second claim to fail; got %v", err)
	}
	if err := InstallIRQHandler(16, handlerVaddr, stackVaddr); err != errBadIRQ {
		t.Fatalf("expected an out-of-range irq to fail; got %v", err)
	}

	// Fire the IRQ: the gate frame must be rewritten to enter the
	// handler with a synthetic stack frame.
	regs := gate.Registers{EIP: 0x1111, CS: 0x1b, ESP: 0xbff0, SS: 0x23, EFlags: 0x200}
	saved := regs
	gateHandler(&regs)

	if regs.EIP != uint32(handlerVaddr) {
		t.Fatalf("expected entry at the handler address; got %x", regs.EIP)
	}
	if regs.ESP != uint32(stackVaddr-4) {
		t.Fatalf("expected the synthetic stack below the stack top; got %x", regs.ESP)
	}
	if regs.EFlags&0x200 != 0 {
		t.Fatal("expected interrupts disabled while the handler runs")
	}
	if seededAddr != stackVaddr-4 || seededVal != uint32(irqReturnBase+3) {
		t.Fatalf("expected the magic return address on the handler stack; got %x at %x", seededVal, seededAddr)
	}

	// The handler returns by jumping to the magic address; the fault
	// recovery path must restore the interrupted snapshot.
	if !resumeFromIRQHandler(irqReturnBase+3, &regs) {
		t.Fatal("expected the return fault to be recognized")
	}
	if regs.EIP != saved.EIP || regs.ESP != saved.ESP || regs.EFlags != saved.EFlags {
		t.Fatal("expected the interrupted context to be restored")
	}

	// Termination of the owner drops the claim.
	releaseIRQClaims(driver.id)
	if irqHandlers[3].pid != 0 {
		t.Fatal("expected the claim to be released")
	}
}
