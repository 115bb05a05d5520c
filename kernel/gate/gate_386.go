package gate

import (
	"io"
	"unsafe"

	"immdos/kernel"
	"immdos/kernel/cpu"
	"immdos/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	EDI uint32
	ESI uint32
	EBP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	// Info contains the interrupt vector number that fired.
	Info uint32

	// Code contains the hardware error code for exceptions that push one
	// and zero otherwise.
	Code uint32

	// The return frame used by IRET
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32

	// Segment registers pushed by the CPU when the interrupted context
	// was executing in VM86 mode (EFlags.VM set); garbage otherwise.
	VES uint32
	VDS uint32
	VFS uint32
	VGS uint32
}

// EFlagsVM is the EFLAGS bit indicating that the interrupted context was
// running in Virtual-8086 mode.
const EFlagsVM = uint32(1 << 17)

// InVM86Mode returns true if this register snapshot was captured while the
// CPU executed in Virtual-8086 mode.
func (r *Registers) InVM86Mode() bool {
	return r.EFlags&EFlagsVM != 0
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x\n", r.EBP)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
	if r.InVM86Mode() {
		kfmt.Fprintf(w, "VDS = %8x VES = %8x\n", r.VDS, r.VES)
		kfmt.Fprintf(w, "VFS = %8x VGS = %8x\n", r.VFS, r.VGS)
	}
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// Breakpoint occurs when an INT3 instruction executes.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when the INTO instruction executes while OF is set.
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when an FPU instruction executes while the
	// FPU is unavailable or disabled via CR0.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when the stack base/limit checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs. Under
	// VM86 this is also the entry point for every privileged instruction
	// and software interrupt executed by the guest.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory or one of its
	// entries is not present or when a privilege and/or RW protection
	// check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction
	// while an unmasked FP exception is pending.
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors.
	MachineCheck = InterruptNumber(18)

	// IRQBase is the remapped vector of hardware IRQ 0. The two 8259 PICs
	// deliver IRQ 0-15 on vectors 0x20-0x2f.
	IRQBase = InterruptNumber(0x20)

	// SyscallVector is the software interrupt gate used by native
	// processes to enter the kernel. It is the only gate accessible from
	// ring 3.
	SyscallVector = InterruptNumber(0x2b)
)

const (
	pic1Cmd  = uint16(0x20)
	pic1Data = uint16(0x21)
	pic2Cmd  = uint16(0xa0)
	pic2Data = uint16(0xa1)

	picEOI = uint8(0x20)
)

var (
	// gateHandlers is consulted by dispatchInterrupt (invoked from the
	// assembly gate entries) to route an incoming interrupt.
	gateHandlers [256]func(*Registers)

	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}
)

// Init wires the IDT, remaps the PICs on top of the CPU exception range and
// masks every hardware IRQ. Individual IRQ lines get enabled when a handler
// is registered for them.
func Init() {
	remapPIC()
	installIDT()
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Hardware IRQ vectors additionally get
// their PIC line unmasked.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	gateHandlers[intNumber] = handler
	if intNumber >= IRQBase && intNumber < IRQBase+16 {
		EnableIRQ(uint8(intNumber - IRQBase))
	}
}

// gateDispatch is invoked by the assembly interrupt entrypoints with a
// pointer to the register snapshot pushed on the kernel stack. The snapshot
// Info slot holds the vector that fired. Modifications to regs propagate
// back to the interrupted context on return.
func gateDispatch(regs *Registers) {
	handler := gateHandlers[regs.Info&0xff]
	if handler == nil {
		unexpectedInterrupt(regs)
		return
	}

	// Hardware IRQs get their end-of-interrupt up front: a handler is
	// allowed to switch tasks and may not run to completion for a long
	// time.
	if v := InterruptNumber(regs.Info); v >= IRQBase && v < IRQBase+16 {
		AckIRQ(uint8(v - IRQBase))
	}

	handler(regs)
}

func unexpectedInterrupt(regs *Registers) {
	kfmt.Printf("\nunexpected interrupt %d\n", regs.Info)
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(errUnhandledInterrupt)
}

// remapPIC reprograms the two cascaded 8259 controllers so hardware IRQs
// 0-15 use vectors 0x20-0x2f instead of overlapping the CPU exception
// range, then masks all lines except the cascade.
func remapPIC() {
	portWriteByteFn(pic1Cmd, 0x11) // ICW1: init + ICW4 needed
	portWriteByteFn(pic2Cmd, 0x11)
	portWriteByteFn(pic1Data, uint8(IRQBase))   // ICW2: vector offset
	portWriteByteFn(pic2Data, uint8(IRQBase)+8) //
	portWriteByteFn(pic1Data, 0x04)             // ICW3: slave on line 2
	portWriteByteFn(pic2Data, 0x02)
	portWriteByteFn(pic1Data, 0x01) // ICW4: 8086 mode
	portWriteByteFn(pic2Data, 0x01)

	portWriteByteFn(pic1Data, 0xfb) // mask everything but the cascade
	portWriteByteFn(pic2Data, 0xff)
}

// EnableIRQ unmasks a hardware IRQ line.
func EnableIRQ(irq uint8) {
	if irq < 8 {
		mask := portReadByteFn(pic1Data)
		portWriteByteFn(pic1Data, mask&^(1<<irq))
		return
	}
	mask := portReadByteFn(pic2Data)
	portWriteByteFn(pic2Data, mask&^(1<<(irq-8)))
}

// AckIRQ signals end-of-interrupt for a hardware IRQ to the PIC(s).
func AckIRQ(irq uint8) {
	if irq >= 8 {
		portWriteByteFn(pic2Cmd, picEOI)
	}
	portWriteByteFn(pic1Cmd, picEOI)
}

const (
	// kernelCS is the ring-0 code segment selector installed by the rt0
	// GDT setup code.
	kernelCS = uint16(0x08)

	// gateEntryStride is the distance in bytes between two consecutive
	// stubs inside interruptGateEntries.
	gateEntryStride = uintptr(16)

	// gateTypeInterrupt marks a present 32-bit interrupt gate; gateDPL3
	// additionally makes it invokable from ring 3.
	gateTypeInterrupt = uint8(0x8e)
	gateDPL3          = uint8(0x60)
)

// idtEntry describes one hardware interrupt gate descriptor.
type idtEntry struct {
	offsetLow uint16
	selector  uint16
	zero      uint8
	flags     uint8
	offsetHi  uint16
}

// idtDescriptor is the 6-byte operand loaded by the LIDT instruction.
type idtDescriptor struct {
	limit uint16
	base  uint32
}

// taskStateSegment is the hardware TSS. Only the esp0/ss0 slots matter: the
// CPU consults them when a ring-3 context (native or VM86) transitions to
// ring 0. The rt0 code installs a TSS descriptor for kernelTSS in the GDT
// and loads the task register.
type taskStateSegment struct {
	prevTask uint32
	esp0     uint32
	ss0      uint32
	pad      [23]uint32
}

var (
	idt    [256]idtEntry
	idtPtr idtDescriptor

	// KernelTSS is the system task state segment referenced by the GDT.
	KernelTSS taskStateSegment
)

// SetKernelStack updates the esp0 slot of the task state segment so the
// next ring-3 to ring-0 transition lands on the given kernel stack top.
func SetKernelStack(esp0 uintptr) {
	KernelTSS.esp0 = uint32(esp0)
	KernelTSS.ss0 = 0x10
}

// installIDT populates the IDT with the generated gate entries and loads it
// to the CPU. All vectors are wired as interrupt gates so further interrupts
// stay disabled until per-CPU state is known consistent; SyscallVector uses
// DPL 3 so ring-3 code can invoke it.
func installIDT() {
	base := gateEntryBase()
	for vector := 0; vector < len(idt); vector++ {
		// Vectors above the generated range share the final stub; the
		// kernel never installs handlers there.
		stub := vector
		if stub > 63 {
			stub = 64
		}
		offset := uint32(base + uintptr(stub)*gateEntryStride)
		flags := gateTypeInterrupt
		if InterruptNumber(vector) == SyscallVector {
			flags |= gateDPL3
		}
		idt[vector] = idtEntry{
			offsetLow: uint16(offset),
			selector:  kernelCS,
			flags:     flags,
			offsetHi:  uint16(offset >> 16),
		}
	}

	idtPtr.limit = uint16(len(idt)*8 - 1)
	idtPtr.base = uint32(uintptr(unsafe.Pointer(&idt[0])))
	loadIDT(&idtPtr)
}

// gateEntryBase returns the address of the first stub inside
// interruptGateEntries.
func gateEntryBase() uintptr

// loadIDT executes LIDT with the supplied descriptor.
func loadIDT(descriptor *idtDescriptor)

// interruptGateEntries contains the generated entry stubs for each possible
// interrupt number, laid out with a fixed stride so installIDT can compute
// the address of each stub. Each stub normalizes the stack layout (pushing
// a zero error code when the CPU does not supply one), saves the general
// registers to form a Registers snapshot and calls gateDispatch.
func interruptGateEntries()
