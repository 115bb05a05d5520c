package proc

import (
	"immdos/kernel/gate"
	"immdos/kernel/mm"
	"immdos/kernel/mm/pmm"
	"immdos/kernel/mm/vmm"
)

// stackGuardWindow is how far below a stack region's current floor a fault
// still counts as stack growth rather than a stray access.
const stackGuardWindow = uintptr(0x100000)

var (
	// mapPageFn, translateFn and incRefFrameFn are function variables so
	// the recovery logic can run hosted under test.
	mapPageFn     = vmm.Map
	translateFn   = vmm.Translate
	incRefFrameFn = pmm.IncRefFrame
)

// recoverPageFault is registered with the vmm as the region-aware fault
// recovery hook. The vmm resolves copy-on-write faults before consulting
// it; everything that arrives here is a user IRQ handler returning, a
// lazily faulted region page, stack growth or a genuine crash.
func recoverPageFault(faultAddr uintptr, regs *gate.Registers) bool {
	if resumeFromIRQHandler(faultAddr, regs) {
		return true
	}

	p := current
	if p == idle {
		return false
	}

	if region, err := p.regions.Find(faultAddr); err == nil {
		// A page inside a known region that is not mapped yet gets
		// demand-zero backing. Protection violations inside a region
		// are real faults.
		if _, terr := translateFn(faultAddr); terr != vmm.ErrInvalidMapping {
			return false
		}
		return mapDemandZero(region, mm.PageFromAddress(faultAddr))
	}

	// Stack auto-growth: a fault below the stack floor but within the
	// guard window extends the stack region down to the faulting page.
	region, err := p.regions.FindKind(RegionStack)
	if err != nil || faultAddr >= region.Start || region.Start-faultAddr > stackGuardWindow {
		return false
	}
	if !p.regions.gapBefore(region, faultAddr&^(mm.PageSize-1)) {
		return false
	}

	newStart := faultAddr &^ (mm.PageSize - 1)
	firstPage := mm.PageFromAddress(newStart)
	lastPage := mm.PageFromAddress(region.Start - 1)
	for page := firstPage; page <= lastPage; page++ {
		if !mapDemandZero(region, page) {
			return false
		}
	}

	region.Length += region.Start - newStart
	region.Start = newStart
	return true
}

// mapDemandZero installs one demand-zero page with the region's user
// visibility. The page shares ReservedZeroedFrame until first written.
func mapDemandZero(region *Region, page mm.Page) bool {
	if err := incRefFrameFn(vmm.ReservedZeroedFrame); err != nil {
		return false
	}
	flags := vmm.FlagPresent | vmm.FlagCopyOnWrite
	if region.UserAccessible {
		flags |= vmm.FlagUserAccessible
	}
	return mapPageFn(page, vmm.ReservedZeroedFrame, flags) == nil
}
