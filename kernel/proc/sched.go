package proc

import (
	"immdos/kernel/cpu"
	"immdos/kernel/gate"
	"immdos/kernel/mm/vmm"
)

const (
	// TickHz is the PIT programming frequency the scheduler assumes.
	TickHz = 100

	// msPerTick is the tick period in milliseconds.
	msPerTick = 1000 / TickHz

	// defaultQuantum is the number of ticks a process may run before it
	// gets preempted.
	defaultQuantum = 5
)

var (
	// runQueue is the FIFO of runnable processes. The running process and
	// the idle task are never queued.
	runQueue []*Process

	// tickCount is the global scheduler tick counter driven by IRQ 0.
	tickCount uint64

	// The hardware-touching operations are function variables so the
	// scheduler logic can run hosted under test.
	switchContextFn     = switchContext
	setKernelStackFn    = gate.SetKernelStack
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// TickCount returns the number of timer ticks since boot.
func TickCount() uint64 {
	return tickCount
}

// enqueue appends a process at the tail of the run queue.
func enqueue(p *Process) {
	p.state = StateRunnable
	runQueue = append(runQueue, p)
}

// OnTick drives the scheduler from the timer interrupt: it advances the
// global tick counter, returns sleepers whose wake tick has passed to the
// run queue and preempts the running process when its quantum expires.
func OnTick(_ *gate.Registers) {
	tickCount++
	wakeSleepers()

	p := current
	if p == idle {
		if len(runQueue) > 0 {
			Schedule()
		}
		return
	}

	if p.quantum > 0 {
		p.quantum--
	}
	if p.quantum == 0 && len(runQueue) > 0 {
		enqueue(p)
		Schedule()
	}
}

// wakeSleepers moves sleeping processes whose wake tick has been reached
// back to the run queue.
func wakeSleepers() {
	visitProcesses(func(p *Process) bool {
		if p.state == StateSleeping && p.wakeTick <= tickCount {
			enqueue(p)
		}
		return true
	})
}

// Schedule selects the next runnable process and switches to it. The
// calling process must have updated its own state beforehand: a process
// that is still StateRunning keeps the CPU when no competitor exists.
func Schedule() {
	var next *Process
	for len(runQueue) > 0 {
		head := runQueue[0]
		runQueue = runQueue[1:]
		if head.state == StateRunnable {
			next = head
			break
		}
	}

	if next == nil {
		if current.state == StateRunning {
			current.quantum = defaultQuantum
			return
		}
		next = idle
	}

	next.quantum = defaultQuantum
	switchTo(next)
}

// switchTo performs the context switch protocol: update the TSS so the next
// ring-3 entry lands on the incoming kernel stack, save the outgoing kernel
// stack pointer, switch page directories and restore the incoming stack.
func switchTo(next *Process) {
	prev := current
	if next == prev {
		prev.state = StateRunning
		return
	}

	// A preempted process keeps its queue slot; it only loses the
	// StateRunning marker so exactly one process holds it at any time.
	if prev.state == StateRunning {
		prev.state = StateRunnable
	}

	next.state = StateRunning
	current = next
	setKernelStackFn(vmm.KernelStackTop())
	switchContextFn(&prev.kernelESP, next.kernelESP, next.pageDir.Frame().Address())
}

// Yield voluntarily hands the CPU to the next runnable process, placing the
// caller at the tail of the queue.
func Yield() {
	disableInterruptsFn()
	if current != idle {
		enqueue(current)
	}
	Schedule()
	enableInterruptsFn()
}

// Sleep blocks the calling process for at least the given number of
// milliseconds. Sleep is cancellable only by termination.
func Sleep(ms uint32) {
	disableInterruptsFn()
	ticks := uint64(ms) / msPerTick
	if ticks == 0 {
		ticks = 1
	}
	current.wakeTick = tickCount + ticks
	current.state = StateSleeping
	Schedule()
	enableInterruptsFn()
}

// Idle is the body of the pid-0 task: halt until the next interrupt,
// forever. The bootstrap code calls this once initialization completes.
func Idle() {
	for {
		cpu.Halt()
	}
}
