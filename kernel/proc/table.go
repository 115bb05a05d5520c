package proc

import (
	"immdos/kernel"
	"immdos/kernel/fs"
	"immdos/kernel/gate"
	"immdos/kernel/mm/vmm"
	"immdos/kernel/sync"
)

// MaxProcesses bounds the process table.
const MaxProcesses = 64

var (
	// ErrNoSuchProcess is returned when a pid does not resolve to a live
	// process table entry.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrNoSuchChild is returned by Wait when the target is not a child
	// of the caller.
	ErrNoSuchChild = &kernel.Error{Module: "proc", Message: "no such child"}

	errTableFull = &kernel.Error{Module: "proc", Message: "process table is full"}
)

var (
	procMutex sync.Spinlock
	procs     [MaxProcesses]*Process
	nextPID   uint32 = 1

	// current always points at the single StateRunning process; idle is
	// the pid-0 task scheduled when nothing else is runnable.
	current *Process
	idle    *Process
)

// Init installs the idle task (pid 0) describing the bootstrap execution
// context and wires the process layer into the vmm fault path and the
// spinlock/pipe blocking hooks.
func Init(bootDrive string) {
	idle = &Process{
		id:           0,
		parentID:     0,
		state:        StateRunning,
		subsystem:    SubsystemNative,
		pageDir:      vmm.KernelDirectory(),
		currentDrive: bootDrive,
	}
	procs[0] = idle
	current = idle

	vmm.SetFaultRecoverer(recoverPageFault)
	vmm.SetFaultTerminator(faultTerminator)
	sync.SetYieldFn(Yield)
	fs.SetPipeBlockFn(Yield)
}

// Current returns the process that owns the CPU.
func Current() *Process {
	return current
}

// Lookup resolves a pid.
func Lookup(pid uint32) (*Process, *kernel.Error) {
	procMutex.Acquire()
	defer procMutex.Release()
	return lookupLocked(pid)
}

func lookupLocked(pid uint32) (*Process, *kernel.Error) {
	for _, p := range procs {
		if p != nil && p.id == pid {
			return p, nil
		}
	}
	return nil, ErrNoSuchProcess
}

// insert places a new process into the table.
func insert(p *Process) *kernel.Error {
	procMutex.Acquire()
	defer procMutex.Release()

	for i := range procs {
		if procs[i] == nil {
			procs[i] = p
			return nil
		}
	}
	return errTableFull
}

// remove drops a reaped process from the table.
func remove(pid uint32) {
	procMutex.Acquire()
	defer procMutex.Release()

	for i := range procs {
		if procs[i] != nil && procs[i].id == pid {
			procs[i] = nil
			return
		}
	}
}

// allocPID hands out the next process id.
func allocPID() uint32 {
	procMutex.Acquire()
	defer procMutex.Release()

	pid := nextPID
	nextPID++
	return pid
}

// reparentChildren hands the children of a dying process to pid 1 so they
// always have a live parent to reap them.
func reparentChildren(deadPID uint32) {
	procMutex.Acquire()
	defer procMutex.Release()

	for _, p := range procs {
		if p != nil && p.parentID == deadPID {
			p.parentID = 1
		}
	}
}

// visitProcesses invokes fn for every live table entry.
func visitProcesses(fn func(*Process) bool) {
	for _, p := range procs {
		if p != nil && !fn(p) {
			return
		}
	}
}

// faultTerminator kills the current process after an unrecoverable fault in
// user mode; faults while the idle task runs mean kernel state is corrupt
// and panic instead.
func faultTerminator(faultAddr uintptr, regs *gate.Registers) {
	if current == idle {
		panic(errKernelFault)
	}
	Terminate(0xff)
}
