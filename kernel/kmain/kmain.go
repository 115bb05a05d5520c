// Package kmain contains the kernel entry point.
package kmain

import (
	"immdos/device/timer"
	"immdos/device/tty"
	"immdos/device/video/console"
	"immdos/kernel"
	"immdos/kernel/fs"
	"immdos/kernel/gate"
	"immdos/kernel/goruntime"
	"immdos/kernel/hal/bootinfo"
	"immdos/kernel/heap"
	"immdos/kernel/initfs"
	"immdos/kernel/kfmt"
	"immdos/kernel/mm"
	"immdos/kernel/mm/pmm"
	"immdos/kernel/mm/vmm"
	"immdos/kernel/proc"
	"immdos/kernel/syscall"
	"immdos/kernel/vm86"
)

var (
	errKmainReturned        = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errUnsupportedVideoMode = &kernel.Error{Module: "kmain", Message: "unsupported video mode"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 assembly sets up the GDT, the TSS, a coarse
// boot page directory covering the low 16MiB plus the higher half, and a
// minimal g0 struct, then jumps here.
//
// The bootloader hands over a BootStruct pointer describing the InitFS
// image and the physical extent of the kernel image.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(bootStructPtr, kernelStart, kernelEnd uintptr) {
	bootinfo.SetBootStructPtr(bootStructPtr)
	bs := bootinfo.Get()

	initfsStart := uintptr(bs.InitfsStart)
	initfsEnd := initfsStart + uintptr(bs.InitfsSize)

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd, initfsStart, initfsEnd); err != nil {
		panic(err)
	}
	if err = vmm.Init(kernelStart, kernelEnd, initfsStart, initfsEnd); err != nil {
		panic(err)
	}
	heap.Init()
	if err = goruntime.Init(); err != nil {
		panic(err)
	}

	gate.Init()
	gate.SetKernelStack(vmm.KernelStackTop())

	// Bring up the console and switch kernel logging onto it.
	cons := console.NewVgaTextConsole()
	if err = cons.DriverInit(kfmt.GetOutputSink()); err != nil {
		panic(err)
	}
	term := tty.NewTerminal()
	term.AttachTo(cons)
	kfmt.SetOutputSink(term.Sink())
	kfmt.Printf("[kmain] console on %s\n", cons.DriverName())

	// Register the drives: the InitFS archive and the device tree.
	image := kernel.MakeByteSlice(initfsStart+mm.KernelPageOffset, int(bs.InitfsSize))
	initDrive, err := initfs.New(image)
	if err != nil {
		panic(err)
	}
	if _, err = fs.RegisterDrive("INIT", initDrive); err != nil {
		panic(err)
	}
	devDrive := &fs.DeviceFS{}
	devDrive.RegisterDevice("TTY0", term)
	if _, err = fs.RegisterDrive("DEV", devDrive); err != nil {
		panic(err)
	}

	// Multitasking: process table, syscall gate, the VM86 monitor and the
	// scheduler tick.
	proc.Init("INIT")
	term.SetBlockFn(proc.Yield)
	syscall.Init()
	vm86.Init()

	setVideo := func(mode uint8) *kernel.Error {
		if !cons.SetMode(mode) {
			return errUnsupportedVideoMode
		}
		return nil
	}
	syscall.SetVideoModeFn(setVideo)
	vm86.SetVideoModeFn(setVideo)

	pit := timer.NewPIT(proc.TickHz, proc.OnTick)
	if err = pit.DriverInit(kfmt.GetOutputSink()); err != nil {
		panic(err)
	}

	// Spawn init with its standard descriptors wired to the terminal.
	stdin, err := fs.OpenPath(`DEV:\TTY0`)
	if err != nil {
		panic(err)
	}
	pid, err := proc.CreateInit(`INIT:\init.elf`, "INIT", stdin, stdin.Retain(), stdin.Retain())
	if err != nil {
		panic(err)
	}
	kfmt.Printf("[kmain] spawned init as pid %d\n", pid)

	// The bootstrap context becomes the idle task.
	proc.Idle()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
