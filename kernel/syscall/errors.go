package syscall

import (
	"immdos/kernel"
	"immdos/kernel/fs"
	"immdos/kernel/loader"
	"immdos/kernel/proc"
)

// Errno is the numeric error kind carried back to user space. Syscalls
// return 0x80000000|errno on failure and plain non-negative payloads on
// success.
type Errno uint32

const (
	ErrUnknown Errno = iota
	ErrBadFileDescriptor
	ErrNoSuchDrive
	ErrNoSuchFileSystem
	ErrNoSuchFile
	ErrNotADirectory
	ErrNotEmpty
	ErrBrokenPipe
	ErrInvalidSeek
	ErrUnsupportedCommand
	ErrIOError
	ErrMaxFilesExceeded
	ErrOutOfMemory
	ErrBadAddress
	ErrPermissionDenied
	ErrNoSuchProcess
	ErrNoSuchChild
	ErrInvalidArgument
	ErrUnsupportedFormat
	ErrBusy
)

// errBit flags the EAX result as an error code.
const errBit = uint32(0x80000000)

// Code encodes the errno for the register return convention.
func (e Errno) Code() uint32 {
	return errBit | uint32(e)
}

var (
	errBadAddress = &kernel.Error{Module: "syscall", Message: "user pointer outside accessible regions"}
)

// errnoFor maps kernel error values onto the wire taxonomy.
func errnoFor(err *kernel.Error) Errno {
	switch err {
	case nil:
		return ErrUnknown
	case fs.ErrNoSuchDrive:
		return ErrNoSuchDrive
	case fs.ErrNoSuchFile:
		return ErrNoSuchFile
	case fs.ErrBrokenPipe:
		return ErrBrokenPipe
	case fs.ErrNotSupported:
		return ErrUnsupportedCommand
	case proc.ErrBadFileDescriptor:
		return ErrBadFileDescriptor
	case proc.ErrNoSuchProcess:
		return ErrNoSuchProcess
	case proc.ErrNoSuchChild:
		return ErrNoSuchChild
	case proc.ErrBadBrk:
		return ErrInvalidArgument
	case loader.ErrUnsupportedFormat:
		return ErrUnsupportedFormat
	case errBadAddress:
		return ErrBadAddress
	}

	switch err.Module {
	case "pmm", "heap":
		return ErrOutOfMemory
	case "initfs":
		return ErrPermissionDenied
	case "loader":
		return ErrUnsupportedFormat
	case "fs", "devfs":
		return ErrIOError
	}
	return ErrUnknown
}

func errCode(err *kernel.Error) uint32 {
	return errnoFor(err).Code()
}
