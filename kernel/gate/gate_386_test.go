package gate

import "testing"

// fakePIC captures the port traffic of the PIC programming sequences.
type fakePIC struct {
	writes []portWrite
	mask1  uint8
	mask2  uint8
}

type portWrite struct {
	port uint16
	val  uint8
}

func (p *fakePIC) install() func() {
	origWrite, origRead := portWriteByteFn, portReadByteFn

	portWriteByteFn = func(port uint16, val uint8) {
		p.writes = append(p.writes, portWrite{port, val})
		switch port {
		case pic1Data:
			p.mask1 = val
		case pic2Data:
			p.mask2 = val
		}
	}
	portReadByteFn = func(port uint16) uint8 {
		if port == pic1Data {
			return p.mask1
		}
		return p.mask2
	}

	return func() { portWriteByteFn, portReadByteFn = origWrite, origRead }
}

func TestRemapPIC(t *testing.T) {
	var pic fakePIC
	defer pic.install()()

	remapPIC()

	// The init sequence must move the vector bases to 0x20/0x28.
	var sawBase1, sawBase2 bool
	for _, w := range pic.writes {
		if w.port == pic1Data && w.val == uint8(IRQBase) {
			sawBase1 = true
		}
		if w.port == pic2Data && w.val == uint8(IRQBase)+8 {
			sawBase2 = true
		}
	}
	if !sawBase1 || !sawBase2 {
		t.Fatal("expected both PICs to be rebased above the exception range")
	}

	if pic.mask1 != 0xfb {
		t.Fatalf("expected all lines but the cascade masked on PIC1; got %x", pic.mask1)
	}
	if pic.mask2 != 0xff {
		t.Fatalf("expected all lines masked on PIC2; got %x", pic.mask2)
	}
}

func TestEnableIRQ(t *testing.T) {
	var pic fakePIC
	defer pic.install()()
	pic.mask1 = 0xfb
	pic.mask2 = 0xff

	EnableIRQ(3)
	if pic.mask1&(1<<3) != 0 {
		t.Fatalf("expected IRQ3 to be unmasked; got %x", pic.mask1)
	}

	EnableIRQ(12)
	if pic.mask2&(1<<4) != 0 {
		t.Fatalf("expected IRQ12 to be unmasked on PIC2; got %x", pic.mask2)
	}
}

func TestDispatchRouting(t *testing.T) {
	var pic fakePIC
	defer pic.install()()
	defer func() {
		gateHandlers[uint8(IRQBase)+4] = nil
		gateHandlers[uint8(SyscallVector)] = nil
	}()

	var gotIRQ, gotSyscall bool
	HandleInterrupt(IRQBase+4, func(regs *Registers) { gotIRQ = true })
	HandleInterrupt(SyscallVector, func(regs *Registers) {
		gotSyscall = true
		regs.EAX = 0x42
	})

	gateDispatch(&Registers{Info: uint32(IRQBase) + 4})
	if !gotIRQ {
		t.Fatal("expected the IRQ handler to run")
	}

	// EOI must be sent for hardware IRQs.
	var sawEOI bool
	for _, w := range pic.writes {
		if w.port == pic1Cmd && w.val == picEOI {
			sawEOI = true
		}
	}
	if !sawEOI {
		t.Fatal("expected an EOI for the hardware IRQ")
	}

	regs := Registers{Info: uint32(SyscallVector)}
	gateDispatch(&regs)
	if !gotSyscall || regs.EAX != 0x42 {
		t.Fatal("expected the syscall handler to run and mutate the frame")
	}
}

func TestInVM86Mode(t *testing.T) {
	regs := Registers{EFlags: 0x20200}
	if !regs.InVM86Mode() {
		t.Fatal("expected the VM flag to be detected")
	}
	regs.EFlags = 0x200
	if regs.InVM86Mode() {
		t.Fatal("expected a plain ring-3 frame to not count as VM86")
	}
}

func TestSetKernelStack(t *testing.T) {
	SetKernelStack(0xffbff000)
	if KernelTSS.esp0 != 0xffbff000 || KernelTSS.ss0 != 0x10 {
		t.Fatalf("expected esp0/ss0 to be programmed; got %x/%x", KernelTSS.esp0, KernelTSS.ss0)
	}
}
