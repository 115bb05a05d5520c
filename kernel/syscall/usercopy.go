package syscall

import (
	"immdos/kernel"
	"immdos/kernel/proc"
)

// stringPtr mirrors the user-space {addr, length} descriptor used by the
// path-carrying syscalls. The string bytes are not NUL-terminated.
type stringPtr struct {
	addr   uint32
	length uint32
}

var (
	// makeByteSliceFn is overridden by tests so user buffers can live in
	// plain Go memory.
	makeByteSliceFn = kernel.MakeByteSlice
)

// validateUserRange fails unless [addr, addr+length) is fully covered by
// the process's user-accessible regions.
func validateUserRange(p *proc.Process, addr, length uintptr) *kernel.Error {
	if length == 0 {
		return nil
	}
	end := addr + length
	if end < addr || end > uintptr(0xc0000000) {
		return errBadAddress
	}

	for cur := addr; cur < end; {
		region, err := p.Regions().Find(cur)
		if err != nil || !region.UserAccessible {
			return errBadAddress
		}
		cur = region.End()
	}
	return nil
}

// userBytes validates and overlays a byte slice on a user buffer.
func userBytes(p *proc.Process, addr, length uintptr) ([]byte, *kernel.Error) {
	if err := validateUserRange(p, addr, length); err != nil {
		return nil, err
	}
	return makeByteSliceFn(addr, int(length)), nil
}

// userString reads the {addr, length} descriptor at ptrAddr and returns the
// string it describes. Both the descriptor and the string bytes must lie in
// user-accessible regions.
func userString(p *proc.Process, ptrAddr uintptr) (string, *kernel.Error) {
	descBytes, err := userBytes(p, ptrAddr, 8)
	if err != nil {
		return "", err
	}

	desc := stringPtr{
		addr:   uint32(descBytes[0]) | uint32(descBytes[1])<<8 | uint32(descBytes[2])<<16 | uint32(descBytes[3])<<24,
		length: uint32(descBytes[4]) | uint32(descBytes[5])<<8 | uint32(descBytes[6])<<16 | uint32(descBytes[7])<<24,
	}

	strBytes, err := userBytes(p, uintptr(desc.addr), uintptr(desc.length))
	if err != nil {
		return "", err
	}
	return string(strBytes), nil
}

// userDword validates and reads a 32-bit user value.
func userDword(p *proc.Process, addr uintptr) (uint32, *kernel.Error) {
	buf, err := userBytes(p, addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// putUserDword validates and writes a 32-bit user value.
func putUserDword(p *proc.Process, addr uintptr, val uint32) *kernel.Error {
	buf, err := userBytes(p, addr, 4)
	if err != nil {
		return err
	}
	buf[0] = byte(val)
	buf[1] = byte(val >> 8)
	buf[2] = byte(val >> 16)
	buf[3] = byte(val >> 24)
	return nil
}
