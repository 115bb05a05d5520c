package vm86

import (
	"immdos/kernel/gate"
	"immdos/kernel/kfmt"
	"immdos/kernel/mm/vmm"
	"immdos/kernel/proc"
)

// Real-mode flag bits the monitor cares about.
const (
	flagCarry = uint32(1 << 0)
	flagIF    = uint32(1 << 9)

	// hwEFlags is forced into the hardware EFLAGS whenever the monitor
	// rewrites the guest flags: physical IF stays on and the VM bit keeps
	// the task in Virtual-8086 mode.
	hwEFlags = uint32(0x20200)
)

// biosStubSegment is the segment of the shadow BIOS ROM stubs. IVT entries
// pointing into it mark the vector as monitored: the interrupt is serviced
// natively instead of being reflected into the guest.
const biosStubSegment = uint16(0xf000)

var (
	// terminateFn and the service hooks are function variables so the
	// decode logic can be exercised hosted.
	terminateFn = proc.Terminate
)

// Init hooks the monitor into the vmm's general protection fault path and
// registers the guest environment builder with the exec machinery.
func Init() {
	vmm.SetVM86Handler(HandleGPF)
	proc.SetDOSGuestSetup(SetupGuest)
}

// HandleGPF is invoked for every general protection fault raised while the
// CPU executes in Virtual-8086 mode. It decodes the faulting instruction
// and either emulates it or terminates the offending process. Returning
// true resumes the guest with the (possibly advanced) register snapshot.
func HandleGPF(regs *gate.Registers) bool {
	p := proc.Current()
	dos := p.DOS()
	if dos == nil {
		return false
	}
	return emulate(p, dos, regs)
}

// emulate decodes and executes one intercepted guest instruction.
func emulate(p *proc.Process, dos *proc.DOSState, regs *gate.Registers) bool {
	ip := regs.EIP & 0xffff
	fetch := func(n uint32) byte {
		return guestByte(segOff(regs.CS, ip+n))
	}

	// Consume at most an operand-size, an address-size and one segment
	// override prefix ahead of the emulated opcode.
	var (
		opSize32  bool
		prefixLen uint32
	)
scan:
	for prefixLen < 4 {
		switch fetch(prefixLen) {
		case 0x66:
			opSize32 = true
			prefixLen++
		case 0x67:
			prefixLen++
		case 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x65:
			prefixLen++
			break scan
		default:
			break scan
		}
	}

	op := fetch(prefixLen)
	advance := func(n uint32) {
		regs.EIP = (ip + prefixLen + n) & 0xffff
	}

	switch op {
	case 0xfa: // CLI
		dos.VirtualIF = false
		advance(1)

	case 0xfb: // STI
		dos.VirtualIF = true
		advance(1)

	case 0x9c: // PUSHF
		flags := regs.EFlags &^ flagIF
		if dos.VirtualIF {
			flags |= flagIF
		}
		if opSize32 {
			regs.ESP = (regs.ESP - 4) & 0xffff
			setGuestDword(segOff(regs.SS, regs.ESP), flags&0x3ffff&^uint32(1<<17))
		} else {
			pushGuestWord(regs.SS, &regs.ESP, uint16(flags))
		}
		advance(1)

	case 0x9d: // POPF
		var flags uint32
		if opSize32 {
			flags = guestDword(segOff(regs.SS, regs.ESP))
			regs.ESP = (regs.ESP + 4) & 0xffff
		} else {
			flags = uint32(popGuestWord(regs.SS, &regs.ESP))
		}
		dos.VirtualIF = flags&flagIF != 0
		regs.EFlags = (flags & 0xffff &^ flagIF) | hwEFlags
		advance(1)

	case 0xcd: // INT imm8
		vector := fetch(prefixLen + 1)
		advance(2)
		handleSoftwareInterrupt(p, dos, vector, regs)

	case 0xcf: // IRET
		ip := popGuestWord(regs.SS, &regs.ESP)
		cs := popGuestWord(regs.SS, &regs.ESP)
		flags := popGuestWord(regs.SS, &regs.ESP)
		dos.VirtualIF = uint32(flags)&flagIF != 0
		regs.EIP = uint32(ip)
		regs.CS = uint32(cs)
		regs.EFlags = (uint32(flags) &^ flagIF) | hwEFlags

	case 0xe4: // IN AL, imm8
		setAL(regs, portReadFn(uint16(fetch(prefixLen+1))))
		advance(2)

	case 0xe5: // IN AX, imm8
		setAX(regs, portReadWordFn(uint16(fetch(prefixLen+1))))
		advance(2)

	case 0xec: // IN AL, DX
		setAL(regs, portReadFn(uint16(regs.EDX)))
		advance(1)

	case 0xed: // IN AX, DX
		setAX(regs, portReadWordFn(uint16(regs.EDX)))
		advance(1)

	case 0xe6: // OUT imm8, AL
		portWriteFn(uint16(fetch(prefixLen+1)), uint8(regs.EAX))
		advance(2)

	case 0xe7: // OUT imm8, AX
		portWriteWordFn(uint16(fetch(prefixLen+1)), uint16(regs.EAX))
		advance(2)

	case 0xee: // OUT DX, AL
		portWriteFn(uint16(regs.EDX), uint8(regs.EAX))
		advance(1)

	case 0xef: // OUT DX, AX
		portWriteWordFn(uint16(regs.EDX), uint16(regs.EAX))
		advance(1)

	default:
		kfmt.Printf("[vm86] unsupported opcode 0x%2x at %4x:%4x\n", op, regs.CS, ip)
		terminateFn(0xff)
	}

	return true
}

// handleSoftwareInterrupt services an INT n executed by the guest. Vectors
// whose IVT entry still points into the BIOS stub segment are serviced
// natively; everything else reflects into the guest's own handler.
func handleSoftwareInterrupt(p *proc.Process, dos *proc.DOSState, vector byte, regs *gate.Registers) {
	entry := guestDword(uintptr(vector) * 4)
	entrySeg := uint16(entry >> 16)
	entryOff := uint16(entry)

	if entrySeg == biosStubSegment {
		dispatchService(p, vector, regs)
		return
	}

	// Reflect: push flags (with the virtual IF), cs and the resume ip
	// onto the guest stack and vector through the guest's own handler.
	flags := uint16(regs.EFlags &^ flagIF)
	if dos.VirtualIF {
		flags |= uint16(flagIF)
	}
	pushGuestWord(regs.SS, &regs.ESP, flags)
	pushGuestWord(regs.SS, &regs.ESP, uint16(regs.CS))
	pushGuestWord(regs.SS, &regs.ESP, uint16(regs.EIP))

	dos.VirtualIF = false
	regs.CS = uint32(entrySeg)
	regs.EIP = uint32(entryOff)
}

// Register accessors for the 8086 sub-registers the DOS ABI works in.

func ah(regs *gate.Registers) uint8 { return uint8(regs.EAX >> 8) }
func al(regs *gate.Registers) uint8 { return uint8(regs.EAX) }
func dl(regs *gate.Registers) uint8 { return uint8(regs.EDX) }

func setAL(regs *gate.Registers, val uint8) {
	regs.EAX = (regs.EAX &^ 0xff) | uint32(val)
}

func setAH(regs *gate.Registers, val uint8) {
	regs.EAX = (regs.EAX &^ 0xff00) | uint32(val)<<8
}

func setAX(regs *gate.Registers, val uint16) {
	regs.EAX = (regs.EAX &^ 0xffff) | uint32(val)
}

func setCarry(regs *gate.Registers) {
	regs.EFlags |= flagCarry
}

func clearCarry(regs *gate.Registers) {
	regs.EFlags &^= flagCarry
}

var (
	// Port I/O escapes to these hooks; the default implementation
	// swallows writes and floats reads high, which is what an absent ISA
	// device looks like.
	portReadFn      = func(port uint16) uint8 { return 0xff }
	portReadWordFn  = func(port uint16) uint16 { return 0xffff }
	portWriteFn     = func(port uint16, val uint8) {}
	portWriteWordFn = func(port uint16, val uint16) {}
)
