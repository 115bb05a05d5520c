package vm86

import (
	"immdos/kernel"
	"immdos/kernel/gate"
	"immdos/kernel/proc"
)

var (
	// setVideoModeFn is installed by the console wiring; int 10h/AH=00h
	// delegates to it.
	setVideoModeFn func(mode uint8) *kernel.Error

	// teletypeFn writes one character the way int 10h/AH=0Eh expects;
	// defaults to the guest's stdout handle.
	teletypeFn = func(p *proc.Process, ch byte) {
		_ = writeStdout(p, []byte{ch})
	}

	// muxHandlers holds the int 2Fh multiplex handlers registered by
	// resident drivers, keyed by AH.
	muxHandlers [256]func(p *proc.Process, regs *gate.Registers)
)

// SetVideoModeFn registers the VGA driver hook used by int 10h and the
// native set_video_mode syscall.
func SetVideoModeFn(fn func(mode uint8) *kernel.Error) {
	setVideoModeFn = fn
}

// RegisterMultiplexHandler claims one AH slot of the int 2Fh multiplexer.
func RegisterMultiplexHandler(slot uint8, fn func(p *proc.Process, regs *gate.Registers)) {
	muxHandlers[slot] = fn
}

// videoService implements the int 10h subset the kernel emulates.
func videoService(p *proc.Process, regs *gate.Registers) {
	switch ah(regs) {
	case 0x00: // set video mode
		if setVideoModeFn != nil {
			_ = setVideoModeFn(al(regs))
		}
	case 0x0e: // teletype output
		teletypeFn(p, al(regs))
	default:
		// Cursor and palette calls are absorbed; the terminal
		// multiplexer renders from the shadow buffers instead.
	}
}

// keyboardService implements the int 16h keyboard services.
func keyboardService(p *proc.Process, regs *gate.Registers) {
	switch ah(regs) {
	case 0x00: // wait for key
		ch, derr := readStdinByte(p)
		if derr != 0 {
			setAX(regs, 0)
			return
		}
		// AL carries the ASCII value; the scan code in AH is
		// synthesized from it since the terminal layer consumed the
		// raw make/break codes.
		setAL(regs, ch)
		setAH(regs, scanCodeFor(ch))

	case 0x01: // get key status
		if stdinReady(p) {
			regs.EFlags &^= uint32(1 << 6) // clear ZF: key available
		} else {
			regs.EFlags |= uint32(1 << 6)
		}

	case 0x02: // get shift status
		setAL(regs, 0)

	default:
	}
}

// multiplexService dispatches int 2Fh by AH to a registered resident
// handler; unclaimed slots return AL=0 ("not installed").
func multiplexService(p *proc.Process, regs *gate.Registers) {
	if handler := muxHandlers[ah(regs)]; handler != nil {
		handler(p, regs)
		return
	}
	setAL(regs, 0)
}

// scanCodeFor maps an ASCII byte back to a plausible XT scan code for the
// programs that inspect AH after int 16h.
func scanCodeFor(ch byte) uint8 {
	switch {
	case ch == '\r':
		return 0x1c
	case ch == 0x1b:
		return 0x01
	case ch == 8:
		return 0x0e
	case ch == ' ':
		return 0x39
	case ch >= 'a' && ch <= 'z':
		return letterScanCodes[ch-'a']
	case ch >= 'A' && ch <= 'Z':
		return letterScanCodes[ch-'A']
	case ch >= '1' && ch <= '9':
		return 0x02 + ch - '1'
	case ch == '0':
		return 0x0b
	default:
		return 0
	}
}

// letterScanCodes is the XT scan code table for a-z.
var letterScanCodes = [26]uint8{
	0x1e, 0x30, 0x2e, 0x20, 0x12, 0x21, 0x22, 0x23, 0x17, 0x24,
	0x25, 0x26, 0x32, 0x31, 0x18, 0x19, 0x10, 0x13, 0x1f, 0x14,
	0x16, 0x2f, 0x11, 0x2d, 0x15, 0x2c,
}
