package vm86

import (
	"immdos/kernel/fs"
	"immdos/kernel/gate"
	"immdos/kernel/proc"
)

// dispatchService routes a monitored interrupt to its native handler.
func dispatchService(p *proc.Process, vector byte, regs *gate.Registers) {
	switch vector {
	case 0x10:
		videoService(p, regs)
	case 0x16:
		keyboardService(p, regs)
	case 0x20:
		terminateFn(0)
	case 0x21:
		dosAPI(p, regs)
	case 0x2f:
		multiplexService(p, regs)
	default:
		// An unhandled BIOS vector behaves like a stub that irets
		// immediately: nothing to do.
	}
}

// dosAPI implements the int 21h function set, dispatched on AH. Errors
// follow the DOS convention: carry set and the error code in AX.
func dosAPI(p *proc.Process, regs *gate.Registers) {
	dos := p.DOS()

	switch ah(regs) {
	case 0x00: // terminate
		terminateFn(0)

	case 0x4c: // terminate with return code
		terminateFn(uint32(al(regs)))

	case 0x01: // read stdin with echo
		withErrorCode(regs, func() DOSError {
			ch, derr := readStdinByte(p)
			if derr != 0 {
				return derr
			}
			setAL(regs, ch)
			_ = writeStdout(p, []byte{ch})
			return 0
		})

	case 0x02: // print character to stdout
		withErrorCode(regs, func() DOSError {
			if err := writeStdout(p, []byte{dl(regs)}); err != 0 {
				return err
			}
			setAL(regs, dl(regs))
			return 0
		})

	case 0x06: // direct console I/O
		if dl(regs) == 0xff {
			if stdinReady(p) {
				ch, derr := readStdinByte(p)
				if derr == 0 {
					setAL(regs, ch)
					regs.EFlags &^= uint32(1 << 6) // clear ZF
				}
			} else {
				setAL(regs, 0)
				regs.EFlags |= uint32(1 << 6) // set ZF
			}
		} else {
			_ = writeStdout(p, []byte{dl(regs)})
		}

	case 0x07, 0x08: // blocking input without echo
		withErrorCode(regs, func() DOSError {
			ch, derr := readStdinByte(p)
			if derr != 0 {
				return derr
			}
			setAL(regs, ch)
			return 0
		})

	case 0x09: // print $-terminated string at DS:DX
		withErrorCode(regs, func() DOSError {
			start := segOff(regs.VDS, regs.EDX)
			length := 0
			for length <= 255 && guestByte(start+uintptr(length)) != '$' {
				length++
			}
			if length == 0 {
				return 0
			}
			return writeStdout(p, guestMemFn(start, length))
		})

	case 0x0a: // buffered keyboard input
		withErrorCode(regs, func() DOSError {
			buf := segOff(regs.VDS, regs.EDX)
			max := int(guestByte(buf))
			count := 0
			for count < max {
				ch, derr := readStdinByte(p)
				if derr != 0 {
					return derr
				}
				setGuestByte(buf+2+uintptr(count), ch)
				count++
				if ch == '\r' {
					break
				}
			}
			setGuestByte(buf+1, byte(count))
			return 0
		})

	case 0x0b: // check stdin status
		if stdinReady(p) {
			setAL(regs, 0xff)
		} else {
			setAL(regs, 0)
		}

	case 0x0e: // select disk
		name, err := fs.DriveName(int(dl(regs)))
		if err == nil {
			p.SetCurrentDrive(name)
		}
		setAL(regs, driveCount())

	case 0x19: // get current drive
		_, number, err := fs.GetDrive(p.CurrentDrive())
		if err != nil {
			number = 0
		}
		setAL(regs, uint8(number))

	case 0x1a: // set DTA
		dos.DTAAddr = uint32(segOff(regs.VDS, regs.EDX))

	case 0x2f: // get DTA
		regs.VES = (dos.DTAAddr >> 4) & 0xffff
		regs.EBX = dos.DTAAddr & 0xf

	case 0x25: // set interrupt vector
		vector := uintptr(al(regs))
		setGuestDword(vector*4, uint32(regs.VDS)<<16|regs.EDX&0xffff)

	case 0x30: // get DOS version
		setAX(regs, 0x0005)

	case 0x35: // get interrupt vector
		entry := guestDword(uintptr(al(regs)) * 4)
		regs.VES = entry >> 16
		regs.EBX = entry & 0xffff

	case 0x3d: // open file using handle
		withErrorCode(regs, func() DOSError {
			path := asciizString(segOff(regs.VDS, regs.EDX), 128)
			handle, derr := openDOSFile(p, path)
			if derr != 0 {
				return derr
			}
			setAX(regs, uint16(handle))
			return 0
		})

	case 0x3e: // close file using handle
		withErrorCode(regs, func() DOSError {
			return closeDOSHandle(p, uint16(regs.EBX))
		})

	case 0x3f: // read file using handle
		withErrorCode(regs, func() DOSError {
			file, derr := fileForDOSHandle(p, uint16(regs.EBX))
			if derr != 0 {
				return derr
			}
			buf := guestMemFn(segOff(regs.VDS, regs.EDX), int(regs.ECX&0xffff))
			n, err := file.Read(buf)
			if err != nil {
				return DOSErrReadFault
			}
			setAX(regs, uint16(n))
			return 0
		})

	case 0x40: // write file using handle
		withErrorCode(regs, func() DOSError {
			file, derr := fileForDOSHandle(p, uint16(regs.EBX))
			if derr != 0 {
				return derr
			}
			buf := guestMemFn(segOff(regs.VDS, regs.EDX), int(regs.ECX&0xffff))
			n, err := file.Write(buf)
			if err != nil {
				return DOSErrWriteFault
			}
			setAX(regs, uint16(n))
			return 0
		})

	case 0x42: // move file pointer using handle
		withErrorCode(regs, func() DOSError {
			if al(regs) != 0 {
				// Only absolute positioning is supported by the
				// native cursor interface.
				return DOSErrInvalidFunction
			}
			file, derr := fileForDOSHandle(p, uint16(regs.EBX))
			if derr != 0 {
				return derr
			}
			offset := (regs.ECX&0xffff)<<16 | regs.EDX&0xffff
			pos, err := file.Seek(offset)
			if err != nil {
				return DOSErrSeekError
			}
			setAX(regs, uint16(pos))
			regs.EDX = pos >> 16
			return 0
		})

	case 0x4d: // get return code of last child
		setAX(regs, uint16(dos.LastChildExit))

	default:
		withErrorCode(regs, func() DOSError {
			return DOSErrInvalidFunction
		})
	}
}

// withErrorCode runs a DOS service body and applies the carry-flag + AX
// error convention to its result.
func withErrorCode(regs *gate.Registers, fn func() DOSError) {
	if derr := fn(); derr != 0 {
		setAX(regs, uint16(derr))
		setCarry(regs)
		return
	}
	clearCarry(regs)
}

// fileForDOSHandle resolves a DOS handle through the per-process
// translation table to an open-file record.
func fileForDOSHandle(p *proc.Process, handle uint16) (*fs.OpenFile, DOSError) {
	dos := p.DOS()
	if int(handle) >= len(dos.Handles) || dos.Handles[handle] == proc.DOSFreeHandle {
		return nil, DOSErrInvalidHandle
	}
	file, err := p.Files().Get(int(dos.Handles[handle]))
	if err != nil {
		return nil, DOSErrInvalidHandle
	}
	return file, 0
}

// openDOSFile opens a native-backed file for the guest and installs it in
// both the native descriptor table and the DOS handle table.
func openDOSFile(p *proc.Process, path string) (int, DOSError) {
	dos := p.DOS()

	slot := -1
	for i := 5; i < len(dos.Handles); i++ {
		if dos.Handles[i] == proc.DOSFreeHandle {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, DOSErrTooManyOpenFiles
	}

	// Drive-less paths resolve against the process's current drive.
	full := path
	if _, _, err := fs.SplitPath(path); err != nil {
		full = p.CurrentDrive() + ":\\" + path
	}

	file, err := fs.OpenPath(full)
	if err != nil {
		return 0, DOSErrFileNotFound
	}
	fd, err := p.Files().Install(file)
	if err != nil {
		_ = file.Release()
		return 0, DOSErrTooManyOpenFiles
	}

	dos.Handles[slot] = int8(fd)
	return slot, 0
}

func closeDOSHandle(p *proc.Process, handle uint16) DOSError {
	dos := p.DOS()
	if int(handle) >= len(dos.Handles) || dos.Handles[handle] == proc.DOSFreeHandle {
		return DOSErrInvalidHandle
	}
	if err := p.Files().Close(int(dos.Handles[handle])); err != nil {
		return DOSErrInvalidHandle
	}
	dos.Handles[handle] = proc.DOSFreeHandle
	return 0
}

// readStdinByte reads one byte from the guest's stdin handle.
func readStdinByte(p *proc.Process) (byte, DOSError) {
	file, derr := fileForDOSHandle(p, 0)
	if derr != 0 {
		return 0, derr
	}
	var buf [1]byte
	for {
		n, err := file.Read(buf[:])
		if err != nil {
			return 0, DOSErrReadFault
		}
		if n > 0 {
			return buf[0], 0
		}
	}
}

// writeStdout writes bytes to the guest's stdout handle.
func writeStdout(p *proc.Process, buf []byte) DOSError {
	file, derr := fileForDOSHandle(p, 1)
	if derr != 0 {
		return derr
	}
	if _, err := file.Write(buf); err != nil {
		return DOSErrWriteFault
	}
	return 0
}

// stdinReady polls the stdin device for buffered input.
func stdinReady(p *proc.Process) bool {
	file, derr := fileForDOSHandle(p, 0)
	if derr != 0 {
		return false
	}
	count, err := file.Ioctl(fs.IoctlInputReady, 0)
	return err == nil && count > 0
}

// driveCount reports the number of registered drives for the select-disk
// call.
func driveCount() uint8 {
	for i := 0; i < 26; i++ {
		if _, err := fs.DriveName(i); err != nil {
			return uint8(i)
		}
	}
	return 26
}
