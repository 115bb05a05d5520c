package loader

import (
	"encoding/binary"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	elf := []byte{0x7f, 'E', 'L', 'F'}
	mz := []byte{'M', 'Z', 0, 0}
	flat := []byte{0xb8, 0x01, 0x00, 0x00}

	specs := []struct {
		image []byte
		mode  InterpretationMode
		ext   string
		exp   Format
	}{
		{elf, ModeDetect, "elf", FormatELF},
		{mz, ModeDetect, "exe", FormatMZ},
		{flat, ModeDetect, "com", FormatCOM},
		{flat, ModeDetect, "bin", FormatBin},
		{flat, ModeDetect, "", FormatBin},
		{elf, ModeNative, "", FormatELF},
		{flat, ModeNative, "com", FormatBin},
		{mz, ModeDOS, "", FormatMZ},
		{flat, ModeDOS, "", FormatCOM},
	}

	for specIndex, spec := range specs {
		if got := DetectFormat(spec.image, spec.mode, spec.ext); got != spec.exp {
			t.Errorf("[spec %d] expected format %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestLoadCOM(t *testing.T) {
	image := []byte{0xb4, 0x09, 0xcd, 0x21, 0xcd, 0x20}

	env, err := LoadCOM(image)
	if err != nil {
		t.Fatal(err)
	}

	if !env.RequireVM || env.Format != FormatCOM {
		t.Fatal("expected a VM86 COM environment")
	}
	if env.PSPSegment != 0x0100 {
		t.Fatalf("expected the PSP at segment 0x100; got %x", env.PSPSegment)
	}

	regs := env.Registers
	if regs.CS != 0x100 || regs.DS != 0x100 || regs.ES != 0x100 || regs.SS != 0x100 {
		t.Fatal("expected all segment registers to point at the PSP")
	}
	if regs.EIP != 0x100 || regs.ESP != 0xfffe {
		t.Fatalf("expected entry at PSP:0100 with sp=fffe; got ip=%x sp=%x", regs.EIP, regs.ESP)
	}

	if len(env.Regions) != 1 {
		t.Fatalf("expected a single conventional region; got %d", len(env.Regions))
	}
	region := env.Regions[0]
	if region.Start != 0x1000 || region.Length != 0x10000 {
		t.Fatalf("expected a 64KiB region at the PSP base; got %x+%x", region.Start, region.Length)
	}
	if region.CopyDest != 0x1100 || region.CopyLen != uint32(len(image)) {
		t.Fatal("expected the program bytes to land right after the PSP")
	}
}

// buildMZ assembles a minimal EXE: a 32-byte header, one relocation and a
// 512-byte load module.
func buildMZ(t *testing.T) []byte {
	t.Helper()

	image := make([]byte, 2*512)
	copy(image, "MZ")
	put := func(off int, val uint16) {
		binary.LittleEndian.PutUint16(image[off:], val)
	}
	put(2, 512)     // last page size
	put(4, 2)       // page count -> byteLength = 512+512
	put(6, 1)       // one relocation
	put(8, 2)       // header size: 2 paragraphs = 32 bytes
	put(10, 16)     // min alloc paragraphs
	put(14, 0x10)   // initial SS
	put(16, 0x0200) // initial SP
	put(20, 0x0003) // initial IP
	put(22, 0x0000) // initial CS
	put(24, 28)     // relocation table offset

	// Relocation entry: patch the word at segment 0, offset 8.
	put(28, 8)
	put(30, 0)

	// The word to patch holds segment value 0x0001.
	binary.LittleEndian.PutUint16(image[32+8:], 0x0001)
	return image
}

func TestLoadMZ(t *testing.T) {
	env, err := LoadMZ(buildMZ(t))
	if err != nil {
		t.Fatal(err)
	}

	if env.Format != FormatMZ || !env.RequireVM {
		t.Fatal("expected a VM86 MZ environment")
	}

	loadSegment := uint32(0x110)
	if env.Registers.CS != loadSegment+0 || env.Registers.EIP != 3 {
		t.Fatalf("expected cs:ip relative to the load segment; got %x:%x", env.Registers.CS, env.Registers.EIP)
	}
	if env.Registers.SS != loadSegment+0x10 || env.Registers.ESP != 0x200 {
		t.Fatalf("expected ss:sp from the header; got %x:%x", env.Registers.SS, env.Registers.ESP)
	}

	region := env.Regions[0]
	if region.CopyOffset != 32 || region.CopyLen != 512+512-32 {
		t.Fatalf("expected the load module past the header; got off=%d len=%d", region.CopyOffset, region.CopyLen)
	}
	if region.CopyDest != uintptr(loadSegment)<<4 {
		t.Fatalf("expected the module at the load segment; got %x", region.CopyDest)
	}

	if len(env.Relocations) != 1 {
		t.Fatalf("expected one relocation; got %d", len(env.Relocations))
	}
	rel := env.Relocations[0]
	if rel.Addr != uintptr(loadSegment)<<4+8 || rel.Delta != uint16(loadSegment) {
		t.Fatalf("unexpected relocation %+v", rel)
	}
}

// buildELF assembles a minimal i386 ELF executable with one RX and one RW
// PT_LOAD segment.
func buildELF(t *testing.T) []byte {
	t.Helper()

	image := make([]byte, 0x200)
	copy(image, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	le16 := func(off int, val uint16) { binary.LittleEndian.PutUint16(image[off:], val) }
	le32 := func(off int, val uint32) { binary.LittleEndian.PutUint32(image[off:], val) }

	le16(16, 2)          // ET_EXEC
	le16(18, 3)          // EM_386
	le32(24, 0x00401000) // entry
	le32(28, 52)         // phoff
	le16(42, 32)         // phentsize
	le16(44, 2)          // phnum

	// PT_LOAD text: file 0x100..0x140 -> vaddr 0x00401000, memsz 0x40
	ph := 52
	le32(ph+0, 1)
	le32(ph+4, 0x100)
	le32(ph+8, 0x00401000)
	le32(ph+16, 0x40)
	le32(ph+20, 0x40)
	le32(ph+24, 0x5) // R+X

	// PT_LOAD data: file 0x140..0x150 -> vaddr 0x00403000, memsz 0x2000 (bss)
	ph += 32
	le32(ph+0, 1)
	le32(ph+4, 0x140)
	le32(ph+8, 0x00403000)
	le32(ph+16, 0x10)
	le32(ph+20, 0x2000)
	le32(ph+24, 0x6) // R+W

	return image
}

func TestLoadELF(t *testing.T) {
	env, err := LoadELF(buildELF(t))
	if err != nil {
		t.Fatal(err)
	}

	if env.RequireVM {
		t.Fatal("expected a native environment")
	}
	if env.Registers.EIP != 0x00401000 {
		t.Fatalf("expected the ELF entry point; got %x", env.Registers.EIP)
	}
	if env.Registers.CS != 0x1b || env.Registers.SS != 0x23 {
		t.Fatal("expected ring-3 flat selectors")
	}

	// Two loadable segments plus the initial stack region.
	if len(env.Regions) != 3 {
		t.Fatalf("expected 3 regions; got %d", len(env.Regions))
	}

	text := env.Regions[0]
	if text.Start != 0x00401000 || text.Writable || text.Kind != RegionCode {
		t.Fatalf("unexpected text region %+v", text)
	}

	data := env.Regions[1]
	if data.Start != 0x00403000 || !data.Writable || data.Length != 0x2000 {
		t.Fatalf("unexpected data region %+v", data)
	}

	stack := env.Regions[2]
	if stack.Kind != RegionStack || stack.Start+stack.Length != 0xc0000000 {
		t.Fatalf("expected the stack right below user space top; got %+v", stack)
	}

	// The brk heap starts past the highest mapped segment.
	if env.HeapBase != 0x00405000 {
		t.Fatalf("expected the heap base at %x; got %x", 0x00405000, env.HeapBase)
	}
}

func TestLoadELFRejectsForeignImages(t *testing.T) {
	image := buildELF(t)
	image[18] = 0x3e // EM_X86_64
	if _, err := LoadELF(image); err != errNotI386ELF {
		t.Fatalf("expected a machine mismatch; got %v", err)
	}

	if _, err := LoadELF([]byte{0x7f, 'E', 'L', 'F'}); err != errBadELFHeader {
		t.Fatalf("expected a truncated header error; got %v", err)
	}
}
