package syscall

import (
	"encoding/binary"
	"testing"

	"immdos/kernel"
	"immdos/kernel/fs"
	"immdos/kernel/gate"
	"immdos/kernel/proc"
)

// fakeFile is one in-memory file of the fake drive.
type fakeFile struct {
	data []byte
	pos  uint32
}

// fakeFS implements fs.Filesystem over a map of path -> contents.
type fakeFS struct {
	files   map[string][]byte
	cursors map[fs.FileHandle]*fakeFile
	next    fs.FileHandle
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		files:   make(map[string][]byte),
		cursors: make(map[fs.FileHandle]*fakeFile),
	}
}

func (f *fakeFS) Open(path string) (fs.FileHandle, *kernel.Error) {
	data, ok := f.files[path]
	if !ok {
		return 0, fs.ErrNoSuchFile
	}
	f.next++
	f.cursors[f.next] = &fakeFile{data: append([]byte(nil), data...)}
	return f.next, nil
}

func (f *fakeFS) OpenDir(path string) (fs.FileHandle, *kernel.Error) {
	return 0, fs.ErrNotSupported
}

func (f *fakeFS) Read(h fs.FileHandle, buf []byte) (int, *kernel.Error) {
	file, ok := f.cursors[h]
	if !ok {
		return 0, fs.ErrNoSuchFile
	}
	if file.pos >= uint32(len(file.data)) {
		return 0, nil
	}
	n := copy(buf, file.data[file.pos:])
	file.pos += uint32(n)
	return n, nil
}

func (f *fakeFS) Write(h fs.FileHandle, buf []byte) (int, *kernel.Error) {
	file, ok := f.cursors[h]
	if !ok {
		return 0, fs.ErrNoSuchFile
	}
	for _, b := range buf {
		if file.pos < uint32(len(file.data)) {
			file.data[file.pos] = b
		} else {
			file.data = append(file.data, b)
		}
		file.pos++
	}
	return len(buf), nil
}

func (f *fakeFS) Seek(h fs.FileHandle, offset uint32) (uint32, *kernel.Error) {
	file, ok := f.cursors[h]
	if !ok {
		return 0, fs.ErrNoSuchFile
	}
	file.pos = offset
	return file.pos, nil
}

func (f *fakeFS) ReadDir(fs.FileHandle, *fs.DirEntry) (uint32, *kernel.Error) {
	return 0, fs.ErrNotSupported
}

func (f *fakeFS) Stat(h fs.FileHandle, status *fs.FileStatus) *kernel.Error {
	file, ok := f.cursors[h]
	if !ok {
		return fs.ErrNoSuchFile
	}
	status.ByteSize = uint32(len(file.data))
	return nil
}

func (f *fakeFS) Ioctl(fs.FileHandle, uint32, uint32) (uint32, *kernel.Error) {
	return 0, fs.ErrNotSupported
}

func (f *fakeFS) Close(h fs.FileHandle) *kernel.Error {
	delete(f.cursors, h)
	return nil
}

var (
	testDriveOnce bool
	testFS        *fakeFS
)

// setupDispatch prepares a current process with a fake user address space
// and mounts the fake drive.
func setupDispatch(t *testing.T) (p *proc.Process, userMem []byte) {
	t.Helper()

	proc.Init("T")
	p = proc.Current()

	if !testDriveOnce {
		testFS = newFakeFS()
		if _, err := fs.RegisterDrive("T", testFS); err != nil {
			t.Fatal(err)
		}
		testDriveOnce = true
	}
	testFS.files["hello.txt"] = []byte("hello, world")

	userMem = make([]byte, 0x20000)
	origMake := makeByteSliceFn
	makeByteSliceFn = func(addr uintptr, size int) []byte {
		return userMem[addr : addr+uintptr(size)]
	}
	t.Cleanup(func() { makeByteSliceFn = origMake })

	if err := p.Regions().Insert(proc.Region{
		Start: 0x1000, Length: 0x1f000,
		Kind: proc.RegionData, Writable: true, UserAccessible: true,
	}); err != nil {
		t.Fatal(err)
	}

	return p, userMem
}

// putString stores a {addr,length} descriptor at descAddr describing the
// string stored at strAddr.
func putString(mem []byte, descAddr, strAddr uint32, s string) {
	copy(mem[strAddr:], s)
	binary.LittleEndian.PutUint32(mem[descAddr:], strAddr)
	binary.LittleEndian.PutUint32(mem[descAddr+4:], uint32(len(s)))
}

func call(method, arg0, arg1, arg2 uint32) *gate.Registers {
	regs := &gate.Registers{EAX: method, EBX: arg0, ECX: arg1, EDX: arg2, Info: uint32(gate.SyscallVector)}
	dispatch(regs)
	return regs
}

func TestOpenReadWriteSeekClose(t *testing.T) {
	_, mem := setupDispatch(t)

	putString(mem, 0x1000, 0x1100, `T:\hello.txt`)
	regs := call(sysOpen, 0x1000, 0, 0)
	if regs.EAX&errBit != 0 {
		t.Fatalf("open failed with %x", regs.EAX)
	}
	fd := regs.EAX

	// Read 5 bytes into user memory.
	regs = call(sysRead, fd, 0x2000, 5)
	if regs.EAX != 5 {
		t.Fatalf("expected 5 bytes read; got %x", regs.EAX)
	}
	if string(mem[0x2000:0x2005]) != "hello" {
		t.Fatalf("unexpected read contents %q", mem[0x2000:0x2005])
	}

	// write/seek/read round trip on the same descriptor.
	copy(mem[0x3000:], "HELLO")
	regs = call(sysWrite, fd, 0x3000, 5)
	if regs.EAX != 5 {
		t.Fatalf("expected 5 bytes written; got %x", regs.EAX)
	}
	regs = call(sysSeek, fd, 0, 0)
	if regs.EAX != 0 {
		t.Fatalf("expected seek to return position 0; got %x", regs.EAX)
	}
	regs = call(sysRead, fd, 0x4000, 10)
	if regs.EAX != 10 || string(mem[0x4000:0x4005]) != "hello" || string(mem[0x4005:0x400a]) != "HELLO" {
		t.Fatalf("unexpected post-seek contents %q", mem[0x4000:0x400a])
	}

	regs = call(sysClose, fd, 0, 0)
	if regs.EAX != 0 {
		t.Fatalf("close failed with %x", regs.EAX)
	}
	regs = call(sysRead, fd, 0x2000, 5)
	if Errno(regs.EAX&^errBit) != ErrBadFileDescriptor || regs.EAX&errBit == 0 {
		t.Fatalf("expected ErrBadFileDescriptor on a closed fd; got %x", regs.EAX)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, mem := setupDispatch(t)

	putString(mem, 0x1000, 0x1100, `T:\nope.txt`)
	regs := call(sysOpen, 0x1000, 0, 0)
	if Errno(regs.EAX&^errBit) != ErrNoSuchFile {
		t.Fatalf("expected ErrNoSuchFile; got %x", regs.EAX)
	}
}

func TestBadUserPointers(t *testing.T) {
	setupDispatch(t)

	// Descriptor outside any region.
	regs := call(sysOpen, 0x80000, 0, 0)
	if Errno(regs.EAX&^errBit) != ErrBadAddress {
		t.Fatalf("expected ErrBadAddress; got %x", regs.EAX)
	}

	// Kernel-space buffer.
	regs = call(sysRead, 0, 0xc0000000, 4)
	if Errno(regs.EAX&^errBit) != ErrBadAddress && Errno(regs.EAX&^errBit) != ErrBadFileDescriptor {
		t.Fatalf("expected a validation failure; got %x", regs.EAX)
	}
}

func TestDriveSyscalls(t *testing.T) {
	p, mem := setupDispatch(t)

	putString(mem, 0x1000, 0x1100, "T")
	regs := call(sysChangeDrive, 0x1000, 0, 0)
	if regs.EAX&errBit != 0 {
		t.Fatalf("change_drive failed with %x", regs.EAX)
	}
	if p.CurrentDrive() != "T" {
		t.Fatalf("expected the current drive to change; got %q", p.CurrentDrive())
	}

	regs = call(sysGetDrive, 0x5000, 0, 0)
	if regs.EAX != 1 || mem[0x5000] != 'T' {
		t.Fatalf("expected get_current_drive to write the name; got len %d %q", regs.EAX, mem[0x5000])
	}
}

func TestPipeSyscall(t *testing.T) {
	p, mem := setupDispatch(t)
	_ = p

	regs := call(sysPipe, 0x6000, 0x6004, 0)
	if regs.EAX != 0 {
		t.Fatalf("pipe failed with %x", regs.EAX)
	}

	readFD := binary.LittleEndian.Uint32(mem[0x6000:])
	writeFD := binary.LittleEndian.Uint32(mem[0x6004:])

	copy(mem[0x7000:], "ping")
	regs = call(sysWrite, writeFD, 0x7000, 4)
	if regs.EAX != 4 {
		t.Fatalf("pipe write failed with %x", regs.EAX)
	}
	regs = call(sysRead, readFD, 0x7100, 4)
	if regs.EAX != 4 || string(mem[0x7100:0x7104]) != "ping" {
		t.Fatalf("expected the pipe to round trip; got %x %q", regs.EAX, mem[0x7100:0x7104])
	}
}

func TestGetPIDAndUnknownMethod(t *testing.T) {
	setupDispatch(t)

	regs := call(sysGetPID, 0, 0, 0)
	if regs.EAX != proc.Current().ID() {
		t.Fatalf("expected the caller pid; got %x", regs.EAX)
	}

	regs = call(0x7777, 0, 0, 0)
	if Errno(regs.EAX&^errBit) != ErrUnknown || regs.EAX&errBit == 0 {
		t.Fatalf("expected ErrUnknown for an unrecognized method; got %x", regs.EAX)
	}
}
