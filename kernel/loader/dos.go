package loader

import (
	"immdos/kernel"
	"immdos/kernel/mm"
)

const (
	// dosPSPSegment is the paragraph where the kernel places the PSP of a
	// freshly loaded DOS program; linear 0x1000, leaving 0x500-0xfff for
	// the DOS internal tables (default DTA, SDA).
	dosPSPSegment = uint16(0x0100)

	// dosConventionalSize is the conventional-memory allocation handed to
	// a DOS program: one full 64KiB segment starting at the PSP.
	dosConventionalSize = uintptr(0x10000)

	// dosEFlags carries IF plus the VM bit; DOS programs always enter
	// with interrupts (virtually) enabled.
	dosEFlags = uint32(0x20200)
)

var (
	errBadMZHeader = &kernel.Error{Module: "loader", Message: "malformed MZ header"}
)

// LoadCOM builds the environment for a single-segment 16-bit COM binary:
// the whole file is copied right after the 256-byte PSP and every segment
// register points at the PSP paragraph.
func LoadCOM(image []byte) (*Environment, *kernel.Error) {
	base := uintptr(dosPSPSegment) << mm.ParagraphShift
	if uintptr(len(image)) > dosConventionalSize-0x100 {
		return nil, errTruncatedImage
	}

	env := &Environment{
		Format:     FormatCOM,
		RequireVM:  true,
		PSPSegment: dosPSPSegment,
		Regions: []Region{
			{
				Start:      base,
				Length:     dosConventionalSize,
				Kind:       RegionConventional,
				CopyOffset: 0,
				CopyLen:    uint32(len(image)),
				CopyDest:   base + 0x100,
				Writable:   true,
			},
		},
		Registers: Registers{
			EIP:    0x100,
			ESP:    0xfffe,
			CS:     uint32(dosPSPSegment),
			DS:     uint32(dosPSPSegment),
			ES:     uint32(dosPSPSegment),
			SS:     uint32(dosPSPSegment),
			EFlags: dosEFlags,
		},
	}
	return env, nil
}

// mzHeader is the parsed MZ EXE header.
type mzHeader struct {
	lastPageSize     uint16
	pageCount        uint16
	relocEntries     uint16
	headerParagraphs uint16
	minAllocParas    uint16
	maxAllocParas    uint16
	initialSS        uint16
	initialSP        uint16
	initialIP        uint16
	initialCS        uint16
	relocTableOffset uint16
}

func parseMZHeader(image []byte) (*mzHeader, *kernel.Error) {
	if len(image) < 28 {
		return nil, errBadMZHeader
	}
	hdr := &mzHeader{
		lastPageSize:     readWord(image, 2),
		pageCount:        readWord(image, 4),
		relocEntries:     readWord(image, 6),
		headerParagraphs: readWord(image, 8),
		minAllocParas:    readWord(image, 10),
		maxAllocParas:    readWord(image, 12),
		initialSS:        readWord(image, 14),
		initialSP:        readWord(image, 16),
		initialIP:        readWord(image, 20),
		initialCS:        readWord(image, 22),
		relocTableOffset: readWord(image, 24),
	}
	if hdr.pageCount == 0 {
		return nil, errBadMZHeader
	}
	return hdr, nil
}

// byteLength returns the number of file bytes occupied by the EXE image
// (header included) per the 512-byte page accounting.
func (h *mzHeader) byteLength() int {
	length := (int(h.pageCount) - 1) * 512
	if h.lastPageSize == 0 {
		return length + 512
	}
	return length + int(h.lastPageSize)
}

// LoadMZ builds the environment for an MZ EXE: the load module is copied
// after the PSP, the relocation table entries get the load segment added
// in-place, and cs:ip / ss:sp come from the header relative to the load
// segment.
func LoadMZ(image []byte) (*Environment, *kernel.Error) {
	hdr, err := parseMZHeader(image)
	if err != nil {
		return nil, err
	}

	imageEnd := hdr.byteLength()
	if imageEnd > len(image) {
		return nil, errTruncatedImage
	}

	loadStart := int(hdr.headerParagraphs) << mm.ParagraphShift
	if loadStart > imageEnd {
		return nil, errBadMZHeader
	}
	moduleLen := imageEnd - loadStart

	// The load module lands one paragraph page (the PSP) above the PSP
	// segment.
	loadSegment := dosPSPSegment + 0x10
	base := uintptr(dosPSPSegment) << mm.ParagraphShift

	needed := uintptr(0x100) + uintptr(moduleLen) + uintptr(hdr.minAllocParas)<<mm.ParagraphShift
	size := dosConventionalSize
	for size < needed {
		size += dosConventionalSize
	}

	env := &Environment{
		Format:     FormatMZ,
		RequireVM:  true,
		PSPSegment: dosPSPSegment,
		Regions: []Region{
			{
				Start:      base,
				Length:     size,
				Kind:       RegionConventional,
				CopyOffset: uint32(loadStart),
				CopyLen:    uint32(moduleLen),
				CopyDest:   uintptr(loadSegment) << mm.ParagraphShift,
				Writable:   true,
			},
		},
		Registers: Registers{
			EIP:    uint32(hdr.initialIP),
			ESP:    uint32(hdr.initialSP),
			CS:     uint32(hdr.initialCS + loadSegment),
			SS:     uint32(hdr.initialSS + loadSegment),
			DS:     uint32(dosPSPSegment),
			ES:     uint32(dosPSPSegment),
			EFlags: dosEFlags,
		},
	}

	// Relocation entries are {offset, segment} pairs naming the words
	// that need the load segment added.
	env.Relocations = make([]Relocation, 0, hdr.relocEntries)
	tab := int(hdr.relocTableOffset)
	for i := 0; i < int(hdr.relocEntries); i++ {
		entryOff := tab + i*4
		if entryOff+4 > len(image) {
			return nil, errBadMZHeader
		}
		off := readWord(image, entryOff)
		seg := readWord(image, entryOff+2)
		target := (uintptr(loadSegment+seg) << mm.ParagraphShift) + uintptr(off)
		env.Relocations = append(env.Relocations, Relocation{
			Addr:  target,
			Delta: loadSegment,
		})
	}

	return env, nil
}
