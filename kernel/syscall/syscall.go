// Package syscall implements the native system call surface reached through
// software interrupt 0x2b. The register convention is EAX=method,
// EBX/ECX/EDX=arg0..arg2, result in EAX; failures return 0x80000000|errno.
package syscall

import (
	"immdos/kernel"
	"immdos/kernel/fs"
	"immdos/kernel/gate"
	"immdos/kernel/loader"
	"immdos/kernel/proc"
)

// Method numbers of the native syscall surface.
const (
	sysTerminate      = 0x00
	sysFork           = 0x01
	sysExec           = 0x02
	sysGetPID         = 0x03
	sysBrk            = 0x04
	sysSleep          = 0x05
	sysYield          = 0x06
	sysWait           = 0x09
	sysOpen           = 0x10
	sysClose          = 0x11
	sysRead           = 0x12
	sysWrite          = 0x13
	sysOpenDir        = 0x1a
	sysReadDir        = 0x1b
	sysSeek           = 0x1d
	sysIoctl          = 0x1e
	sysPipe           = 0x1f
	sysChangeDrive    = 0x21
	sysGetDrive       = 0x22
	sysGetDriveNumber = 0x23
	sysInstallIRQ     = 0x40
	sysSetVideoMode   = 0x50
	sysDebug          = 0xffff
)

var (
	// handleInterruptFn and the video hook are function variables so
	// tests can intercept them.
	handleInterruptFn = gate.HandleInterrupt

	// setVideoModeFn is installed by the console driver wiring.
	setVideoModeFn func(mode uint8) *kernel.Error

	debugPrintFn = func() {}
)

// Init wires the syscall gate.
func Init() {
	handleInterruptFn(gate.SyscallVector, dispatch)
}

// SetVideoModeFn registers the handler for the set_video_mode syscall.
func SetVideoModeFn(fn func(mode uint8) *kernel.Error) {
	setVideoModeFn = fn
}

// dispatch routes one trapped int 0x2b to its handler. A handler may block
// (sleep, wait, pipe I/O); the register snapshot is restored when the
// caller is eventually resumed.
func dispatch(regs *gate.Registers) {
	p := proc.Current()
	arg0, arg1, arg2 := regs.EBX, regs.ECX, regs.EDX

	switch regs.EAX {
	case sysTerminate:
		proc.Terminate(arg0)

	case sysFork:
		pid, err := proc.Fork(regs)
		regs.EAX = result(pid, err)

	case sysExec:
		path, err := userString(p, uintptr(arg0))
		if err != nil {
			regs.EAX = errCode(err)
			return
		}
		if _, _, perr := fs.SplitPath(path); perr != nil {
			path = p.CurrentDrive() + ":\\" + path
		}
		// A successful exec never returns here.
		err = proc.Exec(path, loader.InterpretationMode(arg2))
		regs.EAX = errCode(err)

	case sysGetPID:
		regs.EAX = p.ID()

	case sysBrk:
		switch arg0 {
		case 0:
			newBrk, err := proc.Brk(p, uintptr(arg1))
			regs.EAX = result(uint32(newBrk), err)
		default:
			regs.EAX = uint32(proc.CurrentBrk(p))
		}

	case sysSleep:
		proc.Sleep(arg0)
		regs.EAX = 0

	case sysYield:
		proc.Yield()
		regs.EAX = 0

	case sysWait:
		code, err := proc.Wait(arg0)
		if err != nil {
			regs.EAX = errCode(err)
			return
		}
		if arg1 != 0 {
			if perr := putUserDword(p, uintptr(arg1), code); perr != nil {
				regs.EAX = errCode(perr)
				return
			}
		}
		regs.EAX = arg0

	case sysOpen:
		regs.EAX = doOpen(p, arg0, fs.OpenPath)

	case sysOpenDir:
		regs.EAX = doOpen(p, arg0, fs.OpenDirPath)

	case sysClose:
		regs.EAX = result(0, p.Files().Close(int(arg0)))

	case sysRead:
		regs.EAX = doReadWrite(p, arg0, arg1, arg2, false)

	case sysWrite:
		regs.EAX = doReadWrite(p, arg0, arg1, arg2, true)

	case sysReadDir:
		regs.EAX = doReadDir(p, arg0, arg1)

	case sysSeek:
		file, err := p.Files().Get(int(arg0))
		if err != nil {
			regs.EAX = errCode(err)
			return
		}
		pos, err := file.Seek(arg1)
		regs.EAX = result(pos, err)

	case sysIoctl:
		file, err := p.Files().Get(int(arg0))
		if err != nil {
			regs.EAX = errCode(err)
			return
		}
		val, err := file.Ioctl(arg1, arg2)
		regs.EAX = result(val, err)

	case sysPipe:
		regs.EAX = doPipe(p, arg0, arg1)

	case sysChangeDrive:
		name, err := userString(p, uintptr(arg0))
		if err != nil {
			regs.EAX = errCode(err)
			return
		}
		_, number, err := fs.GetDrive(name)
		if err != nil {
			regs.EAX = errCode(err)
			return
		}
		p.SetCurrentDrive(name)
		regs.EAX = uint32(number)

	case sysGetDrive:
		name := p.CurrentDrive()
		buf, err := userBytes(p, uintptr(arg0), uintptr(len(name)))
		if err != nil {
			regs.EAX = errCode(err)
			return
		}
		copy(buf, name)
		regs.EAX = uint32(len(name))

	case sysGetDriveNumber:
		_, number, err := fs.GetDrive(p.CurrentDrive())
		regs.EAX = result(uint32(number), err)

	case sysInstallIRQ:
		regs.EAX = result(0, proc.InstallIRQHandler(arg0, uintptr(arg1), uintptr(arg2)))

	case sysSetVideoMode:
		if setVideoModeFn == nil {
			regs.EAX = ErrUnsupportedCommand.Code()
			return
		}
		regs.EAX = result(0, setVideoModeFn(uint8(arg0)))

	case sysDebug:
		debugPrintFn()
		regs.EAX = 0

	default:
		regs.EAX = ErrUnknown.Code()
	}
}

// result folds a payload/error pair into the EAX convention.
func result(payload uint32, err *kernel.Error) uint32 {
	if err != nil {
		return errCode(err)
	}
	return payload
}

func doOpen(p *proc.Process, pathPtr uint32, openFn func(string) (*fs.OpenFile, *kernel.Error)) uint32 {
	path, err := userString(p, uintptr(pathPtr))
	if err != nil {
		return errCode(err)
	}

	// Paths without a drive prefix resolve against the current drive.
	if _, _, perr := fs.SplitPath(path); perr != nil {
		path = p.CurrentDrive() + ":\\" + path
	}

	file, err := openFn(path)
	if err != nil {
		return errCode(err)
	}
	fd, err := p.Files().Install(file)
	if err != nil {
		_ = file.Release()
		return errCode(err)
	}
	return uint32(fd)
}

func doReadWrite(p *proc.Process, fd, bufAddr, length uint32, write bool) uint32 {
	file, err := p.Files().Get(int(fd))
	if err != nil {
		return errCode(err)
	}
	buf, err := userBytes(p, uintptr(bufAddr), uintptr(length))
	if err != nil {
		return errCode(err)
	}

	var n int
	if write {
		n, err = file.Write(buf)
	} else {
		n, err = file.Read(buf)
	}
	return result(uint32(n), err)
}

// doReadDir fills the user-space DirEntryInfo structure: 8 name bytes, 3
// extension bytes, a type byte and a 32-bit size.
func doReadDir(p *proc.Process, fd, entryAddr uint32) uint32 {
	file, err := p.Files().Get(int(fd))
	if err != nil {
		return errCode(err)
	}

	buf, err := userBytes(p, uintptr(entryAddr), 16)
	if err != nil {
		return errCode(err)
	}

	var entry fs.DirEntry
	more, err := file.ReadDir(&entry)
	if err != nil {
		return errCode(err)
	}

	copy(buf[0:8], entry.Name[:])
	copy(buf[8:11], entry.Ext[:])
	buf[11] = byte(entry.Type)
	buf[12] = byte(entry.ByteSize)
	buf[13] = byte(entry.ByteSize >> 8)
	buf[14] = byte(entry.ByteSize >> 16)
	buf[15] = byte(entry.ByteSize >> 24)
	return more
}

func doPipe(p *proc.Process, readPtrAddr, writePtrAddr uint32) uint32 {
	readEnd, writeEnd := fs.NewPipe()

	readFD, err := p.Files().Install(readEnd)
	if err != nil {
		_ = readEnd.Release()
		_ = writeEnd.Release()
		return errCode(err)
	}
	writeFD, err := p.Files().Install(writeEnd)
	if err != nil {
		_ = p.Files().Close(readFD)
		_ = writeEnd.Release()
		return errCode(err)
	}

	if err = putUserDword(p, uintptr(readPtrAddr), uint32(readFD)); err == nil {
		err = putUserDword(p, uintptr(writePtrAddr), uint32(writeFD))
	}
	if err != nil {
		_ = p.Files().Close(readFD)
		_ = p.Files().Close(writeFD)
		return errCode(err)
	}
	return 0
}
