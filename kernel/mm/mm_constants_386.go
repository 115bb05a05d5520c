package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(2)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// ParagraphShift converts between real-mode segment values and linear
	// addresses (segment << ParagraphShift == linear base).
	ParagraphShift = uintptr(4)
)

const (
	// KernelBase is the lowest virtual address of the higher-half kernel
	// mapping. The top 256 page-directory entries cover KernelBase and
	// above and are shared by every address space.
	KernelBase = uintptr(0xc0000000)

	// KernelPhysBase is the physical load address of the kernel image.
	KernelPhysBase = uintptr(0x100000)

	// KernelPageOffset converts between the physical placement of the
	// kernel image and its higher-half virtual mapping
	// (virt = phys + KernelPageOffset).
	KernelPageOffset = KernelBase - KernelPhysBase
)
