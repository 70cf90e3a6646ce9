// Copyright 2024 The Ferrite Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"sync/atomic"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/pagedir"
)

// ThreadState is a thread's scheduling state. Transitions are driven by
// the external scheduler; the switch engine only asserts them.
type ThreadState int32

// Thread states.
const (
	ThreadRunnable ThreadState = iota
	ThreadRunning
	ThreadDying
	ThreadDead
)

// String implements fmt.Stringer.String.
func (s ThreadState) String() string {
	switch s {
	case ThreadRunnable:
		return "runnable"
	case ThreadRunning:
		return "running"
	case ThreadDying:
		return "dying"
	case ThreadDead:
		return "dead"
	default:
		return "invalid"
	}
}

// SignalHandling is what the fault responder needs to know about a
// thread's signal disposition. Implemented by the external thread
// model.
type SignalHandling interface {
	// HasSignalHandler reports whether the thread has a user handler
	// installed for the given signal.
	HasSignalHandler(sig Signal) bool

	// SendUrgentSignal queues the signal for immediate delivery.
	SendUrgentSignal(sig Signal)
}

// ProcessHooks is what the fault responder needs from the owning
// process when a fault is unrecoverable. Implemented by the external
// process model.
type ProcessHooks interface {
	// IsUserProcess reports whether the process runs user code.
	IsUserProcess() bool

	// SetCoredumpProperty attaches a key/value pair to any coredump the
	// process produces.
	SetCoredumpProperty(key, value string)

	// Crash terminates the process with the given description and
	// signal. outOfMemory marks crashes caused by exhausted memory.
	Crash(description string, sig Signal, outOfMemory bool)
}

// switchRequest carries a hand-off between two thread contexts.
type switchRequest struct {
	from *Thread
	to   *Thread
}

// Thread is one schedulable kernel context: a resting register
// snapshot, a private floating point image, a stack of in-flight trap
// frames and the bookkeeping the switch engine needs. The scheduling
// policy that picks threads lives outside this package.
type Thread struct {
	name         string
	kernelThread bool

	// regs is the canonical register snapshot while switched out.
	regs ThreadRegisters

	// fpState is always saved and restored across a switch, whether or
	// not the thread touched the FP unit.
	fpState arch.FPState

	// traps is the thread's trap frame stack, innermost last.
	traps []*TrapFrame

	// bootstrapFrame is the synthesized frame a fresh context unwinds
	// through on its first transfer.
	bootstrapFrame *TrapFrame

	// savedCritical is the critical section depth captured when the
	// thread was switched out, restored when it is switched back in.
	// Starts at one: a fresh thread is entered with the scheduler's
	// critical section held.
	savedCritical uint32

	state atomic.Int32

	space        *pagedir.PageDirectory
	previousMode PreviousMode

	// handlingPageFault is set for the duration of the fault responder
	// so nested faults can be told apart from first-level ones.
	handlingPageFault bool

	// Signals and Process are optional hooks wired in by the external
	// thread and process model. A thread with neither is a pure kernel
	// thread with no recovery domain.
	Signals SignalHandling
	Process ProcessHooks

	// entry runs when the context is first entered.
	entry func()

	// transfer parks the thread's goroutine while it is switched out.
	transfer chan switchRequest
	started  bool

	cpuID int
}

// NewThread returns a thread bound to the given address space. Kernel
// threads run in kernel mode and never return to user mode.
func NewThread(name string, space *pagedir.PageDirectory, entry func(), kernelThread bool) *Thread {
	t := &Thread{
		name:          name,
		kernelThread:  kernelThread,
		space:         space,
		entry:         entry,
		savedCritical: 1,
		cpuID:         -1,
	}
	t.state.Store(int32(ThreadRunnable))
	return t
}

// Name returns the thread's name.
func (t *Thread) Name() string {
	return t.name
}

// IsKernelThread reports whether the thread only ever runs kernel code.
func (t *Thread) IsKernelThread() bool {
	return t.kernelThread
}

// Registers returns the thread's resting register snapshot. Only valid
// while the thread is switched out or being initialized.
func (t *Thread) Registers() *ThreadRegisters {
	return &t.regs
}

// AddressSpace returns the directory the thread executes under.
func (t *Thread) AddressSpace() *pagedir.PageDirectory {
	return t.space
}

// State returns the thread's scheduling state.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

// SetState moves the thread to the given scheduling state.
func (t *Thread) SetState(s ThreadState) {
	t.state.Store(int32(s))
}

// CurrentTrap returns the innermost in-flight trap frame, or nil when
// the thread is not inside a trap.
func (t *Thread) CurrentTrap() *TrapFrame {
	if len(t.traps) == 0 {
		return nil
	}
	return t.traps[len(t.traps)-1]
}

// TrapDepth returns the number of nested in-flight traps.
func (t *Thread) TrapDepth() int {
	return len(t.traps)
}

// PreviousMode returns the mode the thread most recently entered the
// kernel from.
func (t *Thread) PreviousMode() PreviousMode {
	return t.previousMode
}

// HandlingPageFault reports whether the thread is currently inside the
// fault responder.
func (t *Thread) HandlingPageFault() bool {
	return t.handlingPageFault
}

// CPUID returns the processor the thread last ran on, or -1 if it has
// never run.
func (t *Thread) CPUID() int {
	return t.cpuID
}

func (t *Thread) hasSignalHandler(sig Signal) bool {
	return t.Signals != nil && t.Signals.HasSignalHandler(sig)
}
