package vm86

import (
	"immdos/kernel"
	"immdos/kernel/mm"
	"immdos/kernel/mm/pmm"
	"immdos/kernel/proc"
)

// Guest physical layout constants.
const (
	ivtBase     = uintptr(0x00000)
	bdaBase     = uintptr(0x00400)
	vgaGfxBase  = uintptr(0xa0000)
	vgaGfxSize  = uintptr(0x10000)
	vgaTextBase = uintptr(0xb8000)
	biosBase    = uintptr(0xf0000)
	biosSize    = uintptr(0x10000)
)

// BackingLowFrame aliases the anonymous backing kind for regions whose
// frames come from the sub-1MiB pool.
const BackingLowFrame = proc.BackingAnonymous

var (
	// allocLowFrameFn is a function variable for the tests.
	allocLowFrameFn = pmm.AllocLowFrame
)

// SetupGuest builds the 8086 environment for a freshly loaded DOS program:
// the kernel-initialized IVT and BDA, the shadow video buffers, the shadow
// BIOS stub area and the PSP. It is registered with the exec machinery and
// runs with the DOS process's directory active.
func SetupGuest(p *proc.Process, pspSegment uint16) *kernel.Error {
	if err := mapLowRegion(p, proc.Region{
		Start:          ivtBase,
		Length:         mm.PageSize,
		Kind:           proc.RegionIVT,
		Backing:        BackingLowFrame,
		Writable:       true,
		UserAccessible: true,
	}); err != nil {
		return err
	}

	// The VGA text shadow gets a dedicated low frame; the graphics shadow
	// and the BIOS stub area are demand-zero.
	if err := mapLowRegion(p, proc.Region{
		Start:          vgaTextBase,
		Length:         mm.PageSize,
		Kind:           proc.RegionVGAShadow,
		Backing:        BackingLowFrame,
		Writable:       true,
		UserAccessible: true,
	}); err != nil {
		return err
	}

	for _, region := range []proc.Region{
		{
			Start:          vgaGfxBase,
			Length:         vgaGfxSize,
			Kind:           proc.RegionVGAShadow,
			Backing:        proc.BackingZeroFill,
			Writable:       true,
			UserAccessible: true,
		},
		{
			Start:          biosBase,
			Length:         biosSize,
			Kind:           proc.RegionCode,
			Backing:        proc.BackingZeroFill,
			Writable:       false,
			UserAccessible: true,
		},
	} {
		if err := p.Regions().Insert(region); err != nil {
			return err
		}
	}

	initIVT()
	initBDA()
	initPSP(pspSegment)

	p.DOS().DTAAddr = uint32(uintptr(pspSegment)<<mm.ParagraphShift + 0x80)
	return nil
}

// mapLowRegion inserts a region backed by eagerly allocated low-memory
// frames.
func mapLowRegion(p *proc.Process, region proc.Region) *kernel.Error {
	if err := p.Regions().Insert(region); err != nil {
		return err
	}

	flags := region.MapFlags()
	firstPage := mm.PageFromAddress(region.Start)
	lastPage := mm.PageFromAddress(region.End() - 1)
	for page := firstPage; page <= lastPage; page++ {
		frame, err := allocLowFrameFn()
		if err != nil {
			return err
		}
		if err = p.PageDir().Map(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// initIVT points every interrupt vector at the shadow BIOS stub segment so
// all guest interrupts start out monitored; programs that install their own
// handlers via int 21h/AH=25h take vectors out of the monitored set.
func initIVT() {
	for vector := uintptr(0); vector < 256; vector++ {
		setGuestDword(ivtBase+vector*4, uint32(biosStubSegment)<<16|uint32(vector))
	}
}

// initBDA fills in the BIOS data area fields real-mode programs commonly
// probe.
func initBDA() {
	setGuestWord(bdaBase+0x10, 0x0021) // equipment: 80x25 color, no FPU
	setGuestWord(bdaBase+0x13, 640)    // conventional memory KiB
	setGuestByte(bdaBase+0x49, 0x03)   // current video mode
	setGuestWord(bdaBase+0x4a, 80)     // columns
	setGuestByte(bdaBase+0x84, 24)     // rows - 1
}

// initPSP builds the 256-byte Program Segment Prefix.
func initPSP(pspSegment uint16) {
	base := uintptr(pspSegment) << mm.ParagraphShift

	// int 20h shortcut and the classic int 21h + retf dispatcher.
	setGuestByte(base+0x00, 0xcd)
	setGuestByte(base+0x01, 0x20)
	setGuestWord(base+0x02, 0xa000) // first paragraph past the allocation
	setGuestByte(base+0x50, 0xcd)
	setGuestByte(base+0x51, 0x21)
	setGuestByte(base+0x52, 0xcb)

	// A top-level program is its own parent.
	setGuestWord(base+0x16, pspSegment)

	// Handle table: stdin/stdout/stderr/aux/prn preopened.
	for i := uintptr(0); i < proc.DOSHandleCount; i++ {
		val := byte(0xff)
		if i < 5 {
			val = byte(i)
		}
		setGuestByte(base+0x18+i, val)
	}
	setGuestWord(base+0x32, proc.DOSHandleCount)
	setGuestDword(base+0x34, uint32(base+0x18))

	// DOS version field (5.0); int 21h/AH=30h does not read it and always
	// reports 5.0 itself.
	setGuestWord(base+0x40, 0x0005)

	// Empty command tail.
	setGuestByte(base+0x80, 0)
	setGuestByte(base+0x81, 0x0d)
}
