package bootinfo

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func TestBootStructAccess(t *testing.T) {
	bs := BootStruct{InitfsStart: 0x200000, InitfsSize: 0x8000}
	SetBootStructPtr(uintptr(unsafe.Pointer(&bs)))

	got := Get()
	if got.InitfsStart != bs.InitfsStart || got.InitfsSize != bs.InitfsSize {
		t.Fatalf("expected boot struct %+v; got %+v", bs, *got)
	}
}

func TestVisitMemRegions(t *testing.T) {
	type entry struct {
		base, length uint64
		entryType    uint32
	}

	entries := []entry{
		{0x0, 0x9fc00, 1},
		{0x9fc00, 0x400, 2},
		{0xf0000, 0x10000, 2},
		{0x100000, 0x7ee0000, 1},
		{0x7fe0000, 0x20000, 0xbad},
	}

	buf := make([]byte, 4+24*len(entries))
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for i, e := range entries {
		off := 4 + i*24
		binary.LittleEndian.PutUint64(buf[off:], e.base)
		binary.LittleEndian.PutUint64(buf[off+8:], e.length)
		binary.LittleEndian.PutUint32(buf[off+16:], e.entryType)
	}

	origPtr := memMapPtr
	memMapPtr = uintptr(unsafe.Pointer(&buf[0]))
	defer func() { memMapPtr = origPtr }()

	var visited int
	var availBytes uint64
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		if e.PhysAddress != entries[visited].base {
			t.Errorf("entry %d: expected base %x; got %x", visited, entries[visited].base, e.PhysAddress)
		}
		if e.Type == MemAvailable {
			availBytes += e.Length
		}
		if visited == len(entries)-1 && e.Type.String() != "defective" {
			t.Errorf("expected out-of-range type to sanitize to defective; got %s", e.Type)
		}
		visited++
		return true
	})

	if visited != len(entries) {
		t.Fatalf("expected visitor to see %d entries; got %d", len(entries), visited)
	}
	if exp := uint64(0x9fc00 + 0x7ee0000); availBytes != exp {
		t.Fatalf("expected %x available bytes; got %x", exp, availBytes)
	}
}

func TestVisitMemRegionsAbort(t *testing.T) {
	buf := make([]byte, 4+24*3)
	binary.LittleEndian.PutUint32(buf, 3)

	origPtr := memMapPtr
	memMapPtr = uintptr(unsafe.Pointer(&buf[0]))
	defer func() { memMapPtr = origPtr }()

	var visited int
	VisitMemRegions(func(*MemoryMapEntry) bool {
		visited++
		return false
	})

	if visited != 1 {
		t.Fatalf("expected visitor abort after 1 entry; got %d", visited)
	}
}
