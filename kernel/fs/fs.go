// Package fs defines the interfaces through which the kernel reaches its
// filesystem drivers, the drive registry that names them and the open-file
// records shared between process file descriptors.
//
// The actual filesystem drivers (FAT, InitFS, the device tree) are external
// collaborators; the kernel only depends on the Filesystem interface.
package fs

import (
	"immdos/kernel"
	"immdos/kernel/sync"
)

// FileHandle identifies an open file within a single filesystem driver.
type FileHandle uint32

// DirEntryType distinguishes directory entries.
type DirEntryType uint8

const (
	DirEntryEmpty DirEntryType = iota
	DirEntryDir
	DirEntryFile
)

// DirEntry is the fixed-size directory record filled in by ReadDir. The
// 8.3-style name fields are space-padded like the on-disk FAT formats the
// system grew up with.
type DirEntry struct {
	Name     [8]byte
	Ext      [3]byte
	Type     DirEntryType
	ByteSize uint32
}

// Ioctl commands understood by the terminal devices.
const (
	// IoctlInputReady returns the number of buffered input bytes.
	IoctlInputReady = uint32(1)
)

// FileStatus describes an open file.
type FileStatus struct {
	ByteSize uint32
}

// Filesystem is implemented by every mountable filesystem driver.
type Filesystem interface {
	Open(path string) (FileHandle, *kernel.Error)
	OpenDir(path string) (FileHandle, *kernel.Error)
	Read(h FileHandle, buf []byte) (int, *kernel.Error)
	Write(h FileHandle, buf []byte) (int, *kernel.Error)
	// Seek moves the file cursor to the absolute offset and returns the
	// new position.
	Seek(h FileHandle, offset uint32) (uint32, *kernel.Error)
	// ReadDir fills entry with the next directory record; it returns 1
	// while more entries follow and 0 once the directory is exhausted.
	ReadDir(h FileHandle, entry *DirEntry) (uint32, *kernel.Error)
	Stat(h FileHandle, status *FileStatus) *kernel.Error
	Ioctl(h FileHandle, cmd, arg uint32) (uint32, *kernel.Error)
	Close(h FileHandle) *kernel.Error
}

var (
	// ErrNoSuchDrive is returned when resolving an unregistered drive name.
	ErrNoSuchDrive = &kernel.Error{Module: "fs", Message: "no such drive"}

	// ErrNoSuchFile is returned by drivers for missing paths.
	ErrNoSuchFile = &kernel.Error{Module: "fs", Message: "no such file"}

	// ErrNotSupported is returned for operations a driver cannot perform.
	ErrNotSupported = &kernel.Error{Module: "fs", Message: "operation not supported"}

	errTooManyDrives = &kernel.Error{Module: "fs", Message: "drive registry is full"}
)

// drive pairs a registered name with its filesystem instance. The slot
// index doubles as the DOS drive number.
type drive struct {
	name string
	fs   Filesystem
}

const maxDrives = 16

var (
	driveMutex sync.Spinlock
	drives     [maxDrives]drive
	driveCount int
)

// RegisterDrive mounts a filesystem under the given drive name and returns
// its drive number.
func RegisterDrive(name string, fs Filesystem) (int, *kernel.Error) {
	driveMutex.Acquire()
	defer driveMutex.Release()

	if driveCount == maxDrives {
		return 0, errTooManyDrives
	}
	drives[driveCount] = drive{name: normalizeDrive(name), fs: fs}
	driveCount++
	return driveCount - 1, nil
}

// GetDrive resolves a drive name to its filesystem and drive number.
func GetDrive(name string) (Filesystem, int, *kernel.Error) {
	driveMutex.Acquire()
	defer driveMutex.Release()

	name = normalizeDrive(name)
	for i := 0; i < driveCount; i++ {
		if drives[i].name == name {
			return drives[i].fs, i, nil
		}
	}
	return nil, 0, ErrNoSuchDrive
}

// DriveName returns the name registered for a drive number.
func DriveName(number int) (string, *kernel.Error) {
	driveMutex.Acquire()
	defer driveMutex.Release()

	if number < 0 || number >= driveCount {
		return "", ErrNoSuchDrive
	}
	return drives[number].name, nil
}
