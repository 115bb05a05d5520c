package fs

import (
	"immdos/kernel"
	"immdos/kernel/sync"
)

// CharDevice is the interface character device drivers expose to the DEV:
// drive.
type CharDevice interface {
	Read(buf []byte) (int, *kernel.Error)
	Write(buf []byte) (int, *kernel.Error)
	Ioctl(cmd, arg uint32) (uint32, *kernel.Error)
}

// DeviceFS exposes registered character devices as the DEV: drive. Device
// files have no cursor; Seek always fails.
type DeviceFS struct {
	mutex   sync.Spinlock
	names   [16]string
	devices [16]CharDevice
	count   int
}

var (
	errNoSuchDevice = &kernel.Error{Module: "devfs", Message: "no such device"}
)

// RegisterDevice adds a named device to the DEV: tree.
func (d *DeviceFS) RegisterDevice(name string, dev CharDevice) {
	d.mutex.Acquire()
	defer d.mutex.Release()

	d.names[d.count] = normalizeDrive(name)
	d.devices[d.count] = dev
	d.count++
}

func (d *DeviceFS) lookup(path string) (FileHandle, *kernel.Error) {
	d.mutex.Acquire()
	defer d.mutex.Release()

	path = normalizeDrive(path)
	for i := 0; i < d.count; i++ {
		if d.names[i] == path {
			return FileHandle(i), nil
		}
	}
	return 0, errNoSuchDevice
}

// Open resolves a device name to a handle.
func (d *DeviceFS) Open(path string) (FileHandle, *kernel.Error) {
	return d.lookup(path)
}

// OpenDir only accepts the tree root. The root cannot be listed: ReadDir is
// not supported.
func (d *DeviceFS) OpenDir(path string) (FileHandle, *kernel.Error) {
	if path != "" {
		return 0, errNoSuchDevice
	}
	return FileHandle(0xffff), nil
}

func (d *DeviceFS) device(h FileHandle) (CharDevice, *kernel.Error) {
	d.mutex.Acquire()
	defer d.mutex.Release()

	if int(h) >= d.count {
		return nil, errNoSuchDevice
	}
	return d.devices[h], nil
}

func (d *DeviceFS) Read(h FileHandle, buf []byte) (int, *kernel.Error) {
	dev, err := d.device(h)
	if err != nil {
		return 0, err
	}
	return dev.Read(buf)
}

func (d *DeviceFS) Write(h FileHandle, buf []byte) (int, *kernel.Error) {
	dev, err := d.device(h)
	if err != nil {
		return 0, err
	}
	return dev.Write(buf)
}

func (d *DeviceFS) Seek(FileHandle, uint32) (uint32, *kernel.Error) {
	return 0, ErrNotSupported
}

// ReadDir is not supported; it lists no devices and always returns
// ErrNotSupported.
func (d *DeviceFS) ReadDir(h FileHandle, entry *DirEntry) (uint32, *kernel.Error) {
	return 0, ErrNotSupported
}

func (d *DeviceFS) Stat(h FileHandle, status *FileStatus) *kernel.Error {
	status.ByteSize = 0
	return nil
}

func (d *DeviceFS) Ioctl(h FileHandle, cmd, arg uint32) (uint32, *kernel.Error) {
	dev, err := d.device(h)
	if err != nil {
		return 0, err
	}
	return dev.Ioctl(cmd, arg)
}

func (d *DeviceFS) Close(FileHandle) *kernel.Error { return nil }
