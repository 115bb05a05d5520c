package loader

import (
	"immdos/kernel"
	"immdos/kernel/mm"
)

const (
	// Native programs get their stack allocated right below the top of
	// user space; the initial allocation is a single page which the vmm
	// grows on demand.
	nativeStackTop  = uintptr(0xc0000000)
	nativeStackSize = mm.PageSize

	// nativeBinBase is the load address for headerless flat binaries.
	nativeBinBase = uintptr(0x00100000)

	// Ring-3 flat segment selectors installed by the GDT setup code.
	nativeUserCS = uint32(0x18 | 3)
	nativeUserDS = uint32(0x20 | 3)

	// nativeEFlags enables interrupts on entry.
	nativeEFlags = uint32(0x200)
)

var (
	errBadELFHeader = &kernel.Error{Module: "loader", Message: "malformed ELF header"}
	errNotI386ELF   = &kernel.Error{Module: "loader", Message: "ELF image is not a 32-bit i386 executable"}
)

// nativeStackRegion is the initial one-page stack region shared by both
// native formats.
func nativeStackRegion() Region {
	return Region{
		Start:    nativeStackTop - nativeStackSize,
		Length:   nativeStackSize,
		Kind:     RegionStack,
		Writable: true,
	}
}

func nativeRegisters(entry uint32) Registers {
	return Registers{
		EIP:    entry,
		ESP:    uint32(nativeStackTop - 4),
		CS:     nativeUserCS,
		DS:     nativeUserDS,
		ES:     nativeUserDS,
		SS:     nativeUserDS,
		EFlags: nativeEFlags,
	}
}

// LoadBin builds the environment for a headerless flat binary: the file is
// copied verbatim to the fixed load base and entered at its first byte.
func LoadBin(image []byte) (*Environment, *kernel.Error) {
	size := (uintptr(len(image)) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if size == 0 {
		return nil, errTruncatedImage
	}

	env := &Environment{
		Format: FormatBin,
		Regions: []Region{
			{
				Start:    nativeBinBase,
				Length:   size,
				Kind:     RegionCode,
				CopyLen:  uint32(len(image)),
				CopyDest: nativeBinBase,
				Writable: true,
			},
			nativeStackRegion(),
		},
		Registers: nativeRegisters(uint32(nativeBinBase)),
		HeapBase:  nativeBinBase + size,
	}
	return env, nil
}

// ELF constants for the subset of the format the kernel loads.
const (
	elfClass32    = 1
	elfData2LSB   = 1
	elfTypeExec   = 2
	elfMachine386 = 3

	elfPTLoad  = 1
	elfPFWrite = 2
)

// LoadELF builds the environment for an i386 ELF executable by mapping its
// PT_LOAD segments into low memory honoring their flags.
func LoadELF(image []byte) (*Environment, *kernel.Error) {
	if len(image) < 52 {
		return nil, errBadELFHeader
	}
	if image[0] != 0x7f || image[1] != 'E' || image[2] != 'L' || image[3] != 'F' {
		return nil, errBadELFHeader
	}
	if image[4] != elfClass32 || image[5] != elfData2LSB {
		return nil, errNotI386ELF
	}
	if readWord(image, 16) != elfTypeExec || readWord(image, 18) != elfMachine386 {
		return nil, errNotI386ELF
	}

	entry := readDword(image, 24)
	phOff := readDword(image, 28)
	phEntSize := int(readWord(image, 42))
	phNum := int(readWord(image, 44))
	if phEntSize < 32 || phNum == 0 {
		return nil, errBadELFHeader
	}

	env := &Environment{
		Format:    FormatELF,
		Registers: nativeRegisters(entry),
	}

	var highest uintptr
	for i := 0; i < phNum; i++ {
		off := int(phOff) + i*phEntSize
		if off+32 > len(image) {
			return nil, errBadELFHeader
		}
		if readDword(image, off) != elfPTLoad {
			continue
		}

		fileOff := readDword(image, off+4)
		vaddr := uintptr(readDword(image, off+8))
		fileSize := readDword(image, off+16)
		memSize := uintptr(readDword(image, off+20))
		flags := readDword(image, off+24)

		if int(fileOff)+int(fileSize) > len(image) {
			return nil, errTruncatedImage
		}

		start := vaddr &^ (mm.PageSize - 1)
		length := (vaddr + memSize + mm.PageSize - 1) &^ (mm.PageSize - 1)
		length -= start

		kind := RegionCode
		if flags&elfPFWrite != 0 {
			kind = RegionData
		}

		env.Regions = append(env.Regions, Region{
			Start:      start,
			Length:     length,
			Kind:       kind,
			CopyOffset: fileOff,
			CopyLen:    fileSize,
			CopyDest:   vaddr,
			Writable:   flags&elfPFWrite != 0,
		})

		if start+length > highest {
			highest = start + length
		}
	}

	if len(env.Regions) == 0 {
		return nil, errBadELFHeader
	}

	env.Regions = append(env.Regions, nativeStackRegion())
	env.HeapBase = highest
	return env, nil
}
