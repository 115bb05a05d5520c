package proc

import (
	"immdos/kernel"
	"immdos/kernel/fs"
	"immdos/kernel/gate"
	"immdos/kernel/loader"
	"immdos/kernel/mm"
	"immdos/kernel/mm/vmm"
)

var (
	// dosGuestSetupFn is installed by the vm86 monitor; it builds the
	// guest IVT, BDA and PSP once a DOS image is in place.
	dosGuestSetupFn func(p *Process, pspSegment uint16) *kernel.Error

	// enterUserFn is a function variable so exec logic can run hosted
	// under test.
	enterUserFn = enterUser

	errExecNoSetup = &kernel.Error{Module: "proc", Message: "no DOS guest setup hook registered"}
)

// SetDOSGuestSetup registers the hook that prepares the VM86 guest
// environment during exec.
func SetDOSGuestSetup(fn func(p *Process, pspSegment uint16) *kernel.Error) {
	dosGuestSetupFn = fn
}

// readFile loads the whole executable into kernel memory.
func readFile(path string) ([]byte, *kernel.Error) {
	file, err := fs.OpenPath(path)
	if err != nil {
		return nil, err
	}
	defer file.Release()

	var status fs.FileStatus
	if err = file.Stat(&status); err != nil {
		return nil, err
	}

	image := make([]byte, status.ByteSize)
	for done := 0; done < len(image); {
		n, err := file.Read(image[done:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		done += n
	}
	return image, nil
}

// fileExt extracts the lower-cased extension from a path.
func fileExt(path string) string {
	dot := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			break
		}
		if path[i] == '.' {
			dot = i
			break
		}
	}
	if dot == -1 {
		return ""
	}
	ext := []byte(path[dot+1:])
	for i := range ext {
		if ext[i] >= 'A' && ext[i] <= 'Z' {
			ext[i] += 'a' - 'A'
		}
	}
	return string(ext)
}

// Exec replaces the calling process's image with the executable at path.
// On success it never returns: the process restarts in user mode at the new
// entry point. On a load failure the original image remains intact and the
// error is returned so the caller can propagate it.
func Exec(path string, mode loader.InterpretationMode) *kernel.Error {
	p := current

	image, err := readFile(path)
	if err != nil {
		return err
	}

	env, err := loader.Load(image, mode, fileExt(path))
	if err != nil {
		return err
	}
	if env.RequireVM && dosGuestSetupFn == nil {
		return errExecNoSetup
	}

	// Past this point the old image is gone; any failure terminates the
	// process instead of returning.
	releaseUserRegions(p)
	p.heapBase = 0
	p.heapBrk = 0

	if err = installImage(p, env, image); err != nil {
		Terminate(0xff)
	}

	if env.RequireVM {
		p.subsystem = SubsystemDOS
		p.dos = NewDOSState(env.PSPSegment)
		if err = dosGuestSetupFn(p, env.PSPSegment); err != nil {
			Terminate(0xff)
		}
	} else {
		p.subsystem = SubsystemNative
		p.dos = nil
		p.SetHeapBase(env.HeapBase)
	}

	p.entryRegs = gate.Registers{
		EIP:    env.Registers.EIP,
		CS:     env.Registers.CS,
		EFlags: env.Registers.EFlags,
		ESP:    env.Registers.ESP,
		SS:     env.Registers.SS,
	}
	if env.RequireVM {
		p.entryRegs.VDS = env.Registers.DS
		p.entryRegs.VES = env.Registers.ES
		p.dos.Entry = p.entryRegs
	}

	// The kernel stack contents accumulated by the old image are
	// meaningless now; enter user mode on a fresh frame.
	enterUserFn(&p.entryRegs)
	return nil
}

// installedPage records which frame backs a freshly installed image page
// so relocations can be applied without translating through the (possibly
// inactive) target directory.
type installedPage struct {
	page  mm.Page
	frame mm.Frame
}

// installImage creates the environment's regions inside the process page
// directory and copies the file bytes into place. Frames are populated
// through the temporary mapping slot so the routine works for inactive
// directories too.
func installImage(p *Process, env *loader.Environment, image []byte) *kernel.Error {
	var pages []installedPage

	for i := range env.Regions {
		var err *kernel.Error
		if pages, err = installRegion(p, &env.Regions[i], image, pages); err != nil {
			return err
		}
	}

	for _, rel := range env.Relocations {
		if err := applyRelocation(pages, rel); err != nil {
			return err
		}
	}
	return nil
}

func regionKind(kind loader.RegionKind) RegionKind {
	switch kind {
	case loader.RegionCode:
		return RegionCode
	case loader.RegionData:
		return RegionData
	case loader.RegionStack:
		return RegionStack
	default:
		return RegionDOSConventional
	}
}

func installRegion(p *Process, lr *loader.Region, image []byte, pages []installedPage) ([]installedPage, *kernel.Error) {
	region := Region{
		Start:          lr.Start,
		Length:         lr.Length,
		Kind:           regionKind(lr.Kind),
		Backing:        BackingInitfsFile,
		Writable:       lr.Writable,
		UserAccessible: true,
	}
	if lr.CopyLen == 0 {
		region.Backing = BackingZeroFill
	}

	if err := p.regions.Insert(region); err != nil {
		return pages, err
	}

	flags := region.MapFlags() | vmm.FlagUserAccessible
	firstPage := mm.PageFromAddress(region.Start)
	lastPage := mm.PageFromAddress(region.End() - 1)
	for page := firstPage; page <= lastPage; page++ {
		frame, err := vmm.AllocZeroedFrame()
		if err != nil {
			return pages, err
		}

		// Copy the slice of the file that overlaps this page while the
		// frame sits in the temporary slot.
		if lr.CopyLen > 0 {
			if err = copyFilePage(frame, page, lr, image); err != nil {
				return pages, err
			}
		}

		if err = p.pageDir.Map(page, frame, flags); err != nil {
			return pages, err
		}
		pages = append(pages, installedPage{page: page, frame: frame})
	}
	return pages, nil
}

// copyFilePage copies the file bytes that fall inside the given page.
func copyFilePage(frame mm.Frame, page mm.Page, lr *loader.Region, image []byte) *kernel.Error {
	pageStart := page.Address()
	pageEnd := pageStart + mm.PageSize

	copyStart := lr.CopyDest
	copyEnd := lr.CopyDest + uintptr(lr.CopyLen)
	if copyEnd <= pageStart || copyStart >= pageEnd {
		return nil
	}

	from := copyStart
	if from < pageStart {
		from = pageStart
	}
	to := copyEnd
	if to > pageEnd {
		to = pageEnd
	}

	tmpPage, err := vmm.MapTemporary(frame)
	if err != nil {
		return err
	}
	src := image[lr.CopyOffset+uint32(from-copyStart) : lr.CopyOffset+uint32(to-copyStart)]
	dst := kernel.MakeByteSlice(tmpPage.Address()+(from-pageStart), len(src))
	copy(dst, src)
	return vmm.Unmap(tmpPage)
}

// applyRelocation adds the load-segment delta to one 16-bit word of the
// freshly copied image. The two bytes are patched individually so fixups
// that straddle a page boundary work.
func applyRelocation(pages []installedPage, rel loader.Relocation) *kernel.Error {
	lo, err := readInstalledByte(pages, rel.Addr)
	if err != nil {
		return err
	}
	hi, err := readInstalledByte(pages, rel.Addr+1)
	if err != nil {
		return err
	}

	word := (uint16(lo) | uint16(hi)<<8) + rel.Delta

	if err = writeInstalledByte(pages, rel.Addr, byte(word)); err != nil {
		return err
	}
	return writeInstalledByte(pages, rel.Addr+1, byte(word>>8))
}

func frameForAddr(pages []installedPage, addr uintptr) (mm.Frame, *kernel.Error) {
	page := mm.PageFromAddress(addr)
	for i := range pages {
		if pages[i].page == page {
			return pages[i].frame, nil
		}
	}
	return mm.InvalidFrame, vmm.ErrInvalidMapping
}

func readInstalledByte(pages []installedPage, addr uintptr) (byte, *kernel.Error) {
	frame, err := frameForAddr(pages, addr)
	if err != nil {
		return 0, err
	}
	tmpPage, err := vmm.MapTemporary(frame)
	if err != nil {
		return 0, err
	}
	val := kernel.MakeByteSlice(tmpPage.Address()+vmm.PageOffset(addr), 1)[0]
	return val, vmm.Unmap(tmpPage)
}

func writeInstalledByte(pages []installedPage, addr uintptr, val byte) *kernel.Error {
	frame, err := frameForAddr(pages, addr)
	if err != nil {
		return err
	}
	tmpPage, err := vmm.MapTemporary(frame)
	if err != nil {
		return err
	}
	kernel.MakeByteSlice(tmpPage.Address()+vmm.PageOffset(addr), 1)[0] = val
	return vmm.Unmap(tmpPage)
}

// CreateInit spawns pid 1 from the given executable path. The three
// standard descriptors are preinstalled for terminal I/O and the process
// starts Runnable; it owns a brand new address space populated while its
// directory is still inactive.
func CreateInit(path, drive string, stdin, stdout, stderr *fs.OpenFile) (uint32, *kernel.Error) {
	image, err := readFile(path)
	if err != nil {
		return 0, err
	}

	env, err := loader.Load(image, loader.ModeNative, fileExt(path))
	if err != nil {
		return 0, err
	}

	pdt, err := newAddressSpaceFn()
	if err != nil {
		return 0, err
	}

	p := &Process{
		id:           allocPID(),
		parentID:     0,
		state:        StateRunnable,
		subsystem:    SubsystemNative,
		pageDir:      pdt,
		currentDrive: drive,
	}

	if err = installImage(p, env, image); err != nil {
		_ = destroyAddressSpaceFn(pdt)
		return 0, err
	}
	p.SetHeapBase(env.HeapBase)

	p.entryRegs = gate.Registers{
		EIP:    env.Registers.EIP,
		CS:     env.Registers.CS,
		EFlags: env.Registers.EFlags,
		ESP:    env.Registers.ESP,
		SS:     env.Registers.SS,
	}

	if p.kernelESP, err = prepareInitialStackFn(pdt); err != nil {
		_ = destroyAddressSpaceFn(pdt)
		return 0, err
	}

	_ = p.files.InstallAt(0, stdin)
	_ = p.files.InstallAt(1, stdout)
	_ = p.files.InstallAt(2, stderr)

	if err = insert(p); err != nil {
		_ = destroyAddressSpaceFn(pdt)
		return 0, err
	}

	enqueue(p)
	return p.id, nil
}
