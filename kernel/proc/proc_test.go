package proc

import (
	"testing"

	"immdos/kernel"
	"immdos/kernel/gate"
	"immdos/kernel/mm"
	"immdos/kernel/mm/vmm"
)

// resetForTest reinitializes the process table and stubs out the hardware
// touching hooks so the scheduler logic can run hosted.
func resetForTest(t *testing.T) {
	t.Helper()

	origSwitch, origSetStack := switchContextFn, setKernelStackFn
	origDisable, origEnable := disableInterruptsFn, enableInterruptsFn
	origNewAS, origDestroyAS := newAddressSpaceFn, destroyAddressSpaceFn
	origCopy, origPrepare, origUnmapRelease := copyUserPagesFn, prepareInitialStackFn, unmapAndReleaseFn

	t.Cleanup(func() {
		switchContextFn, setKernelStackFn = origSwitch, origSetStack
		disableInterruptsFn, enableInterruptsFn = origDisable, origEnable
		newAddressSpaceFn, destroyAddressSpaceFn = origNewAS, origDestroyAS
		copyUserPagesFn, prepareInitialStackFn, unmapAndReleaseFn = origCopy, origPrepare, origUnmapRelease
	})

	switchContextFn = func(oldESP *uintptr, newESP, newCR3 uintptr) {}
	setKernelStackFn = func(uintptr) {}
	disableInterruptsFn = func() {}
	enableInterruptsFn = func() {}
	newAddressSpaceFn = func() (vmm.PageDirectoryTable, *kernel.Error) {
		return vmm.PageDirectoryTable{}, nil
	}
	destroyAddressSpaceFn = func(vmm.PageDirectoryTable) *kernel.Error { return nil }
	copyUserPagesFn = func(*RegionList, vmm.PageDirectoryTable) *kernel.Error { return nil }
	prepareInitialStackFn = func(vmm.PageDirectoryTable) (uintptr, *kernel.Error) { return 0x1000, nil }
	unmapAndReleaseFn = func(mm.Page) *kernel.Error { return nil }

	for i := range procs {
		procs[i] = nil
	}
	for i := range irqHandlers {
		irqHandlers[i] = irqHandler{}
	}
	runQueue = nil
	tickCount = 0
	nextPID = 1

	Init("INIT")
}

// spawn adds a runnable user process for scheduling tests.
func spawn(t *testing.T) *Process {
	t.Helper()
	p := &Process{
		id:        allocPID(),
		parentID:  current.id,
		state:     StateRunnable,
		subsystem: SubsystemNative,
	}
	if err := insert(p); err != nil {
		t.Fatal(err)
	}
	enqueue(p)
	return p
}

func TestSchedulerRoundRobin(t *testing.T) {
	resetForTest(t)

	a := spawn(t)
	b := spawn(t)

	// Idle owns the CPU; the first tick hands it to the queue head.
	OnTick(&gate.Registers{})
	if current != a {
		t.Fatalf("expected process %d to run first; got %d", a.id, current.id)
	}
	if a.state != StateRunning {
		t.Fatal("expected the scheduled process to be StateRunning")
	}
	if idle.state == StateRunning {
		t.Fatal("expected the idle task to give up StateRunning")
	}

	// Quantum expiry rotates to b and queues a at the tail.
	for i := 0; i < defaultQuantum; i++ {
		OnTick(&gate.Registers{})
	}
	if current != b {
		t.Fatalf("expected process %d after quantum expiry; got %d", b.id, current.id)
	}
	if a.state != StateRunnable {
		t.Fatal("expected the preempted process to be StateRunnable")
	}
}

func TestYieldPlacesCallerAtTail(t *testing.T) {
	resetForTest(t)

	a := spawn(t)
	b := spawn(t)
	OnTick(&gate.Registers{}) // a runs

	Yield()
	if current != b {
		t.Fatalf("expected yield to hand the CPU to %d; got %d", b.id, current.id)
	}

	Yield()
	if current != a {
		t.Fatalf("expected the round robin to come back to %d; got %d", a.id, current.id)
	}
	_ = a
}

func TestSleepAndWake(t *testing.T) {
	resetForTest(t)

	a := spawn(t)
	OnTick(&gate.Registers{})
	if current != a {
		t.Fatal("setup failed")
	}

	Sleep(30) // 3 ticks at 100Hz
	if a.state != StateSleeping {
		t.Fatal("expected the process to be StateSleeping")
	}
	if current != idle {
		t.Fatal("expected the idle task to take over")
	}

	OnTick(&gate.Registers{})
	OnTick(&gate.Registers{})
	if a.state == StateRunning {
		t.Fatal("woke up too early")
	}
	OnTick(&gate.Registers{})
	if current != a {
		t.Fatalf("expected the sleeper to be rescheduled; current is %d", current.id)
	}
}

func TestForkSemantics(t *testing.T) {
	resetForTest(t)

	parent := spawn(t)
	OnTick(&gate.Registers{})
	if current != parent {
		t.Fatal("setup failed")
	}
	parent.currentDrive = "C"

	regs := gate.Registers{EAX: 0x01, EBX: 7, EIP: 0x1234, ESP: 0xbffffff0}
	childPID, err := Fork(&regs)
	if err != nil {
		t.Fatal(err)
	}

	child, err := Lookup(childPID)
	if err != nil {
		t.Fatal(err)
	}
	if child.parentID != parent.id {
		t.Error("expected the child to name the caller as parent")
	}
	if child.state != StateRunnable {
		t.Error("expected the child to start Runnable")
	}
	if child.currentDrive != "C" {
		t.Error("expected the child to inherit the current drive")
	}
	if child.entryRegs.EAX != 0 {
		t.Error("expected the child to observe EAX=0")
	}
	if child.entryRegs.EBX != 7 || child.entryRegs.EIP != 0x1234 {
		t.Error("expected the child to inherit the parent register state")
	}
	if child.kernelESP == 0 {
		t.Error("expected the child kernel stack to be seeded")
	}
}

func TestTerminateAndWait(t *testing.T) {
	resetForTest(t)

	parent := spawn(t)
	OnTick(&gate.Registers{})

	childPID, err := Fork(&gate.Registers{})
	if err != nil {
		t.Fatal(err)
	}
	child, _ := Lookup(childPID)

	// Block the parent on the child, then terminate the child from its
	// own context.
	parent.state = StateWaiting
	parent.waitingFor = childPID
	current = child
	child.state = StateRunning

	Terminate(42)

	if child.state != StateTerminated || child.exitCode != 42 {
		t.Fatalf("expected the child to be Terminated(42); got state %d code %d", child.state, child.exitCode)
	}

	// Termination must return the waiting parent to the run queue; the
	// stubbed context switch leaves it to us to resume it.
	if parent.state == StateWaiting {
		t.Fatal("expected the waiting parent to be woken")
	}

	current = parent
	parent.state = StateRunning
	code, werr := Wait(childPID)
	if werr != nil {
		t.Fatal(werr)
	}
	if code != 42 {
		t.Fatalf("expected wait to return 42; got %d", code)
	}
	if _, err := Lookup(childPID); err == nil {
		t.Fatal("expected the child to be reaped")
	}
}

func TestWaitOnNonChild(t *testing.T) {
	resetForTest(t)

	a := spawn(t)
	b := spawn(t)
	OnTick(&gate.Registers{})
	_ = b

	current = a
	if _, err := Wait(999); err != ErrNoSuchChild {
		t.Fatalf("expected ErrNoSuchChild for an unknown pid; got %v", err)
	}
	if _, err := Wait(idle.id); err != ErrNoSuchChild {
		t.Fatalf("expected ErrNoSuchChild for a non-child; got %v", err)
	}
}

func TestReparenting(t *testing.T) {
	resetForTest(t)

	parent := spawn(t)
	OnTick(&gate.Registers{})
	_ = parent

	childPID, err := Fork(&gate.Registers{})
	if err != nil {
		t.Fatal(err)
	}
	grandchildOwner, _ := Lookup(childPID)
	current = grandchildOwner
	grandchildOwner.state = StateRunning
	grandPID, err := Fork(&gate.Registers{})
	if err != nil {
		t.Fatal(err)
	}

	Terminate(0)

	grandchild, err := Lookup(grandPID)
	if err != nil {
		t.Fatal(err)
	}
	if grandchild.parentID != 1 {
		t.Fatalf("expected the orphan to be reparented to pid 1; got %d", grandchild.parentID)
	}
}
