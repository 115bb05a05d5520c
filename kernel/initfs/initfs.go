// Package initfs exposes the in-memory CPIO archive loaded by the
// bootloader as the read-only INIT: drive. The archive uses the "new ASCII"
// (newc) format produced by the build tooling: 110-byte ASCII-hex headers,
// names and file data padded to 4-byte boundaries, terminated by the
// TRAILER!!! record.
package initfs

import (
	"immdos/kernel"
	"immdos/kernel/fs"
	"immdos/kernel/sync"
)

const (
	headerLen = 110

	magicNewc    = "070701"
	magicNewcCRC = "070702"

	trailerName = "TRAILER!!!"

	// modeDirMask identifies directories in the CPIO mode field.
	modeDirMask = 0o40000
)

var (
	errBadArchive = &kernel.Error{Module: "initfs", Message: "malformed cpio archive"}
	errReadOnly   = &kernel.Error{Module: "initfs", Message: "the INIT: drive is read-only"}
	errBadHandle  = &kernel.Error{Module: "initfs", Message: "stale or invalid file handle"}
	errNotADir    = &kernel.Error{Module: "initfs", Message: "path is not a directory"}
	errOutOfFiles = &kernel.Error{Module: "initfs", Message: "all file handles are in use"}
)

// entry describes one archive member.
type entry struct {
	name  string
	data  []byte
	isDir bool
}

// cursor tracks an open handle: a byte offset for files, an index into the
// archive's entry table for directories.
type cursor struct {
	entryIndex int
	pos        uint32
	dir        bool
	used       bool
}

// FS implements fs.Filesystem over the archive image.
type FS struct {
	mutex   sync.Spinlock
	entries []entry
	cursors [32]cursor
}

// New parses the archive image. The image slice must stay valid for the
// lifetime of the filesystem; the kernel keeps the InitFS physical extent
// reserved and mapped for exactly this reason.
func New(image []byte) (*FS, *kernel.Error) {
	ifs := &FS{}

	for off := 0; ; {
		off = align4(off)
		if off+headerLen > len(image) {
			return nil, errBadArchive
		}

		hdr := image[off : off+headerLen]
		magic := string(hdr[0:6])
		if magic != magicNewc && magic != magicNewcCRC {
			return nil, errBadArchive
		}

		mode, ok1 := hexField(hdr, 1)
		fileSize, ok2 := hexField(hdr, 6)
		nameSize, ok3 := hexField(hdr, 11)
		if !ok1 || !ok2 || !ok3 {
			return nil, errBadArchive
		}

		nameStart := off + headerLen
		if nameStart+int(nameSize) > len(image) || nameSize == 0 {
			return nil, errBadArchive
		}
		name := string(image[nameStart : nameStart+int(nameSize)-1])

		dataStart := align4(nameStart + int(nameSize))
		if dataStart+int(fileSize) > len(image) {
			return nil, errBadArchive
		}

		if name == trailerName {
			return ifs, nil
		}

		if name != "." {
			ifs.entries = append(ifs.entries, entry{
				name:  fs.Normalize(name),
				data:  image[dataStart : dataStart+int(fileSize)],
				isDir: mode&modeDirMask != 0,
			})
		}

		off = dataStart + int(fileSize)
	}
}

// hexField extracts the n-th 8-character ASCII-hex header field (field 0 is
// the first one after the magic).
func hexField(hdr []byte, n int) (uint32, bool) {
	var out uint32
	start := 6 + n*8
	for _, ch := range hdr[start : start+8] {
		var digit uint32
		switch {
		case ch >= '0' && ch <= '9':
			digit = uint32(ch - '0')
		case ch >= 'a' && ch <= 'f':
			digit = uint32(ch-'a') + 10
		case ch >= 'A' && ch <= 'F':
			digit = uint32(ch-'A') + 10
		default:
			return 0, false
		}
		out = out<<4 | digit
	}
	return out, true
}

func align4(v int) int {
	return (v + 3) &^ 3
}

func (ifs *FS) findEntry(path string) int {
	for i := range ifs.entries {
		if ifs.entries[i].name == path {
			return i
		}
	}
	return -1
}

func (ifs *FS) allocCursor(entryIndex int, dir bool) (fs.FileHandle, *kernel.Error) {
	for i := range ifs.cursors {
		if !ifs.cursors[i].used {
			ifs.cursors[i] = cursor{entryIndex: entryIndex, dir: dir, used: true}
			return fs.FileHandle(i), nil
		}
	}
	return 0, errOutOfFiles
}

func (ifs *FS) cursorFor(h fs.FileHandle, dir bool) (*cursor, *kernel.Error) {
	if int(h) >= len(ifs.cursors) || !ifs.cursors[h].used || ifs.cursors[h].dir != dir {
		return nil, errBadHandle
	}
	return &ifs.cursors[h], nil
}

// Open opens an archive member for reading.
func (ifs *FS) Open(path string) (fs.FileHandle, *kernel.Error) {
	ifs.mutex.Acquire()
	defer ifs.mutex.Release()

	idx := ifs.findEntry(path)
	if idx == -1 || ifs.entries[idx].isDir {
		return 0, fs.ErrNoSuchFile
	}
	return ifs.allocCursor(idx, false)
}

// OpenDir opens a directory. The archive root is the empty path.
func (ifs *FS) OpenDir(path string) (fs.FileHandle, *kernel.Error) {
	ifs.mutex.Acquire()
	defer ifs.mutex.Release()

	if path != "" {
		idx := ifs.findEntry(path)
		if idx == -1 {
			return 0, fs.ErrNoSuchFile
		}
		if !ifs.entries[idx].isDir {
			return 0, errNotADir
		}
	}
	return ifs.allocCursor(ifs.findEntry(path), true)
}

func (ifs *FS) Read(h fs.FileHandle, buf []byte) (int, *kernel.Error) {
	ifs.mutex.Acquire()
	defer ifs.mutex.Release()

	cur, err := ifs.cursorFor(h, false)
	if err != nil {
		return 0, err
	}

	data := ifs.entries[cur.entryIndex].data
	if cur.pos >= uint32(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[cur.pos:])
	cur.pos += uint32(n)
	return n, nil
}

func (ifs *FS) Write(fs.FileHandle, []byte) (int, *kernel.Error) {
	return 0, errReadOnly
}

func (ifs *FS) Seek(h fs.FileHandle, offset uint32) (uint32, *kernel.Error) {
	ifs.mutex.Acquire()
	defer ifs.mutex.Release()

	cur, err := ifs.cursorFor(h, false)
	if err != nil {
		return 0, err
	}

	if max := uint32(len(ifs.entries[cur.entryIndex].data)); offset > max {
		offset = max
	}
	cur.pos = offset
	return cur.pos, nil
}

// ReadDir lists the direct children of the opened directory.
func (ifs *FS) ReadDir(h fs.FileHandle, out *fs.DirEntry) (uint32, *kernel.Error) {
	ifs.mutex.Acquire()
	defer ifs.mutex.Release()

	cur, err := ifs.cursorFor(h, true)
	if err != nil {
		return 0, err
	}

	prefix := ""
	if cur.entryIndex != -1 {
		prefix = ifs.entries[cur.entryIndex].name + `\`
	}

	// The pos field indexes the entry table; skip non-children.
	for int(cur.pos) < len(ifs.entries) {
		e := &ifs.entries[cur.pos]
		cur.pos++
		if !isDirectChild(prefix, e.name) {
			continue
		}

		fillDirEntry(out, e)
		return 1, nil
	}

	*out = fs.DirEntry{}
	return 0, nil
}

func (ifs *FS) Stat(h fs.FileHandle, status *fs.FileStatus) *kernel.Error {
	ifs.mutex.Acquire()
	defer ifs.mutex.Release()

	cur, err := ifs.cursorFor(h, false)
	if err != nil {
		return err
	}
	status.ByteSize = uint32(len(ifs.entries[cur.entryIndex].data))
	return nil
}

func (ifs *FS) Ioctl(fs.FileHandle, uint32, uint32) (uint32, *kernel.Error) {
	return 0, fs.ErrNotSupported
}

func (ifs *FS) Close(h fs.FileHandle) *kernel.Error {
	ifs.mutex.Acquire()
	defer ifs.mutex.Release()

	if int(h) >= len(ifs.cursors) || !ifs.cursors[h].used {
		return errBadHandle
	}
	ifs.cursors[h].used = false
	return nil
}

// isDirectChild reports whether name is an immediate child of the directory
// described by prefix.
func isDirectChild(prefix, name string) bool {
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return false
	}
	rest := name[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '\\' {
			return false
		}
	}
	return true
}

// fillDirEntry converts an archive member name into the space-padded 8.3
// record format.
func fillDirEntry(out *fs.DirEntry, e *entry) {
	for i := range out.Name {
		out.Name[i] = ' '
	}
	for i := range out.Ext {
		out.Ext[i] = ' '
	}

	base := e.name
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '\\' {
			base = base[i+1:]
			break
		}
	}

	dot := -1
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			dot = i
			break
		}
	}

	nameEnd := len(base)
	if dot != -1 {
		nameEnd = dot
		ext := base[dot+1:]
		for i := 0; i < len(ext) && i < len(out.Ext); i++ {
			out.Ext[i] = upper(ext[i])
		}
	}
	for i := 0; i < nameEnd && i < len(out.Name); i++ {
		out.Name[i] = upper(base[i])
	}

	if e.isDir {
		out.Type = fs.DirEntryDir
		out.ByteSize = 0
		return
	}
	out.Type = fs.DirEntryFile
	out.ByteSize = uint32(len(e.data))
}

func upper(ch byte) byte {
	if ch >= 'a' && ch <= 'z' {
		return ch - ('a' - 'A')
	}
	return ch
}
