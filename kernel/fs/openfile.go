package fs

import (
	"sync/atomic"

	"immdos/kernel"
)

// Node is the backing of an open-file record: a driver-held file cursor, a
// character device or one end of a pipe.
type Node interface {
	Read(buf []byte) (int, *kernel.Error)
	Write(buf []byte) (int, *kernel.Error)
	Seek(offset uint32) (uint32, *kernel.Error)
	Ioctl(cmd, arg uint32) (uint32, *kernel.Error)
	Close() *kernel.Error
}

// OpenFile is an open-file record. File descriptors across processes may
// share a record (fork duplicates descriptors, not records); the record is
// destroyed when the last descriptor referencing it closes.
type OpenFile struct {
	refs int32
	node Node
}

// NewOpenFile wraps a node into an open-file record with a single
// reference.
func NewOpenFile(node Node) *OpenFile {
	return &OpenFile{refs: 1, node: node}
}

// Retain adds a reference for a new descriptor sharing this record.
func (f *OpenFile) Retain() *OpenFile {
	atomic.AddInt32(&f.refs, 1)
	return f
}

// Release drops a reference and closes the backing node when the count
// reaches zero.
func (f *OpenFile) Release() *kernel.Error {
	if atomic.AddInt32(&f.refs, -1) == 0 {
		return f.node.Close()
	}
	return nil
}

func (f *OpenFile) Read(buf []byte) (int, *kernel.Error)  { return f.node.Read(buf) }
func (f *OpenFile) Write(buf []byte) (int, *kernel.Error) { return f.node.Write(buf) }
func (f *OpenFile) Seek(offset uint32) (uint32, *kernel.Error) {
	return f.node.Seek(offset)
}
func (f *OpenFile) Ioctl(cmd, arg uint32) (uint32, *kernel.Error) {
	return f.node.Ioctl(cmd, arg)
}

// driveNode adapts a Filesystem handle to the Node interface.
type driveNode struct {
	fs     Filesystem
	handle FileHandle
}

func (n *driveNode) Read(buf []byte) (int, *kernel.Error)  { return n.fs.Read(n.handle, buf) }
func (n *driveNode) Write(buf []byte) (int, *kernel.Error) { return n.fs.Write(n.handle, buf) }
func (n *driveNode) Seek(offset uint32) (uint32, *kernel.Error) {
	return n.fs.Seek(n.handle, offset)
}
func (n *driveNode) Ioctl(cmd, arg uint32) (uint32, *kernel.Error) {
	return n.fs.Ioctl(n.handle, cmd, arg)
}
func (n *driveNode) Close() *kernel.Error { return n.fs.Close(n.handle) }

// dirNode adapts a directory handle; only ReadDir-style access is allowed.
type dirNode struct {
	fs     Filesystem
	handle FileHandle
}

func (n *dirNode) Read([]byte) (int, *kernel.Error)  { return 0, ErrNotSupported }
func (n *dirNode) Write([]byte) (int, *kernel.Error) { return 0, ErrNotSupported }
func (n *dirNode) Seek(uint32) (uint32, *kernel.Error) {
	return 0, ErrNotSupported
}
func (n *dirNode) Ioctl(uint32, uint32) (uint32, *kernel.Error) {
	return 0, ErrNotSupported
}
func (n *dirNode) Close() *kernel.Error { return n.fs.Close(n.handle) }

// ReadDir advances a directory descriptor, if the record wraps one.
func (f *OpenFile) ReadDir(entry *DirEntry) (uint32, *kernel.Error) {
	if dn, ok := f.node.(*dirNode); ok {
		return dn.fs.ReadDir(dn.handle, entry)
	}
	return 0, ErrNotSupported
}

// Stat reports the status of the backing file, if the record wraps a driver
// handle.
func (f *OpenFile) Stat(status *FileStatus) *kernel.Error {
	if dn, ok := f.node.(*driveNode); ok {
		return dn.fs.Stat(dn.handle, status)
	}
	return ErrNotSupported
}

// OpenPath resolves a DRIVE:\path string and returns an open-file record
// for it.
func OpenPath(raw string) (*OpenFile, *kernel.Error) {
	driveName, path, err := SplitPath(raw)
	if err != nil {
		return nil, err
	}
	fsys, _, err := GetDrive(driveName)
	if err != nil {
		return nil, err
	}
	handle, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	return NewOpenFile(&driveNode{fs: fsys, handle: handle}), nil
}

// OpenDirPath resolves a DRIVE:\path string into a directory record.
func OpenDirPath(raw string) (*OpenFile, *kernel.Error) {
	driveName, path, err := SplitPath(raw)
	if err != nil {
		return nil, err
	}
	fsys, _, err := GetDrive(driveName)
	if err != nil {
		return nil, err
	}
	handle, err := fsys.OpenDir(path)
	if err != nil {
		return nil, err
	}
	return NewOpenFile(&dirNode{fs: fsys, handle: handle}), nil
}
