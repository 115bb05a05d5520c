package heap

import (
	"testing"
	"unsafe"

	"immdos/kernel"
	"immdos/kernel/mm"
)

// testWindow backs the heap window with plain Go memory.
func testWindow(t *testing.T) func() {
	origGrow := growFn
	backing := make([]byte, 0, 64*1024)

	growFn = func(top, size uintptr) (uintptr, *kernel.Error) {
		if len(backing)+int(size) > cap(backing) {
			t.Fatal("test heap window exhausted")
		}
		start := len(backing)
		backing = backing[:start+int(size)]
		return uintptr(unsafe.Pointer(&backing[start])), nil
	}

	Init()
	return func() { growFn = origGrow }
}

func TestAllocAlignment(t *testing.T) {
	defer testWindow(t)()

	for _, align := range []uintptr{0, 16, 64, 256, 4096} {
		addr, err := Alloc(100, align)
		if err != nil {
			t.Fatal(err)
		}
		effAlign := align
		if effAlign == 0 {
			effAlign = minAlign
		}
		if addr&(effAlign-1) != 0 {
			t.Errorf("expected allocation with align %d to be aligned; got %x", align, addr)
		}
	}

	if _, err := Alloc(16, 3); err != errUnalignedAlloc {
		t.Errorf("expected non power-of-two alignment to fail; got %v", err)
	}
}

func TestBinReuse(t *testing.T) {
	defer testWindow(t)()

	first, err := Alloc(24, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := Free(first); err != nil {
		t.Fatal(err)
	}

	second, err := Alloc(30, 0)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("expected a same-class allocation to reuse the freed chunk; got %x and %x", first, second)
	}
}

func TestLargeAllocCoalescing(t *testing.T) {
	defer testWindow(t)()

	a, err := Alloc(5000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err = Free(a); err != nil {
		t.Fatal(err)
	}

	// After freeing, an equally sized allocation must fit in the existing
	// window without growing it.
	topBefore := h.windowTop
	b, err := Alloc(5000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.windowTop != topBefore {
		t.Error("expected the freed segment to satisfy the second allocation")
	}
	if a != b {
		t.Errorf("expected the freed segment to be reused; got %x and %x", a, b)
	}
}

func TestHeapExhaustion(t *testing.T) {
	defer testWindow(t)()

	h.windowTop = WindowEnd - mm.PageSize
	if _, err := Alloc(3*mm.PageSize, 0); err != errHeapExhausted {
		t.Fatalf("expected heap exhaustion; got %v", err)
	}
}
