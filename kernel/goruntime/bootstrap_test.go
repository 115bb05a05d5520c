package goruntime

import (
	"testing"
	"unsafe"

	"immdos/kernel"
	"immdos/kernel/mm"
	"immdos/kernel/mm/vmm"
)

func TestReserveRegion(t *testing.T) {
	defer func(orig uintptr) { reserveCursor = orig }(reserveCursor)
	reserveCursor = runtimeWindowBase

	addr, err := reserveRegion(123)
	if err != nil {
		t.Fatal(err)
	}
	if addr != runtimeWindowBase {
		t.Fatalf("expected the first reservation to start at the window base; got %x", addr)
	}
	if reserveCursor != runtimeWindowBase+mm.PageSize {
		t.Fatalf("expected the cursor to advance by one page; got %x", reserveCursor)
	}

	reserveCursor = runtimeWindowEnd - mm.PageSize
	if _, err = reserveRegion(2 * mm.PageSize); err != errRuntimeWindowExhausted {
		t.Fatalf("expected window exhaustion; got %v", err)
	}
}

func TestSysAllocMapsFrames(t *testing.T) {
	defer func(orig uintptr, origMap func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error, origAlloc func() (mm.Frame, *kernel.Error)) {
		reserveCursor = orig
		mapFn = origMap
		frameAllocFn = origAlloc
	}(reserveCursor, mapFn, frameAllocFn)
	reserveCursor = runtimeWindowBase

	var (
		nextFrame mm.Frame
		mapped    []mm.Page
	)
	frameAllocFn = func() (mm.Frame, *kernel.Error) {
		nextFrame++
		return nextFrame, nil
	}
	mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		if !frame.Valid() {
			t.Fatal("expected sysAlloc to map real frames")
		}
		mapped = append(mapped, page)
		return nil
	}

	var stat uint64
	ptr := sysAlloc(3*mm.PageSize-1, &stat)
	if uintptr(ptr) != runtimeWindowBase {
		t.Fatalf("expected allocation at the window base; got %x", uintptr(ptr))
	}
	if len(mapped) != 3 {
		t.Fatalf("expected 3 pages to be mapped; got %d", len(mapped))
	}
}

func TestGetRandomData(t *testing.T) {
	buf := make([]byte, 128)
	getRandomData(buf)

	var nonZero bool
	for _, b := range buf {
		if b != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Fatal("expected prng output to be non-zero")
	}
}

func TestSysMapUsesZeroFrame(t *testing.T) {
	defer func(origMap func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error) {
		mapFn = origMap
	}(mapFn)

	var cowMappings int
	mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		if frame == vmm.ReservedZeroedFrame && flags&vmm.FlagCopyOnWrite != 0 {
			cowMappings++
		}
		return nil
	}

	var stat uint64
	base := uintptr(0xdd100000)
	if got := sysMap(unsafe.Pointer(base), 2*mm.PageSize, true, &stat); uintptr(got) != base {
		t.Fatalf("expected sysMap to return the region start; got %x", uintptr(got))
	}
	if cowMappings != 2 {
		t.Fatalf("expected 2 copy-on-write zero mappings; got %d", cowMappings)
	}
}
