package proc

import (
	"immdos/kernel"
	"immdos/kernel/fs"
)

// MaxFiles is the size of a per-process file descriptor table.
const MaxFiles = 32

var (
	// ErrBadFileDescriptor is returned for operations on closed or
	// out-of-range descriptors.
	ErrBadFileDescriptor = &kernel.Error{Module: "proc", Message: "bad file descriptor"}

	errFDTableFull = &kernel.Error{Module: "proc", Message: "file descriptor table is full"}
)

// FDTable is a small dense array mapping local descriptors to open-file
// records. The records themselves are shared (a fork duplicates the table
// but not the records) and reference-counted by the fs layer.
type FDTable struct {
	files [MaxFiles]*fs.OpenFile
}

// Install places the record in the first free slot and returns the new
// descriptor.
func (t *FDTable) Install(f *fs.OpenFile) (int, *kernel.Error) {
	for fd := range t.files {
		if t.files[fd] == nil {
			t.files[fd] = f
			return fd, nil
		}
	}
	return 0, errFDTableFull
}

// InstallAt places the record at a specific descriptor, closing whatever
// was there before.
func (t *FDTable) InstallAt(fd int, f *fs.OpenFile) *kernel.Error {
	if fd < 0 || fd >= MaxFiles {
		return ErrBadFileDescriptor
	}
	if t.files[fd] != nil {
		if err := t.files[fd].Release(); err != nil {
			return err
		}
	}
	t.files[fd] = f
	return nil
}

// Get resolves a descriptor to its open-file record.
func (t *FDTable) Get(fd int) (*fs.OpenFile, *kernel.Error) {
	if fd < 0 || fd >= MaxFiles || t.files[fd] == nil {
		return nil, ErrBadFileDescriptor
	}
	return t.files[fd], nil
}

// Close releases a descriptor.
func (t *FDTable) Close(fd int) *kernel.Error {
	f, err := t.Get(fd)
	if err != nil {
		return err
	}
	t.files[fd] = nil
	return f.Release()
}

// CloseAll releases every descriptor; used at process termination.
func (t *FDTable) CloseAll() {
	for fd := range t.files {
		if t.files[fd] != nil {
			_ = t.files[fd].Release()
			t.files[fd] = nil
		}
	}
}

// Clone duplicates the table for a forked child. Both tables end up
// pointing at the same open-file records.
func (t *FDTable) Clone() FDTable {
	var out FDTable
	for fd := range t.files {
		if t.files[fd] != nil {
			out.files[fd] = t.files[fd].Retain()
		}
	}
	return out
}
