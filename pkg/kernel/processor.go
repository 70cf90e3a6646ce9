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

// Package kernel implements the per-CPU trap dispatch, page fault
// response and context switch machinery. A Processor owns one CPU's
// interrupt nesting depth, critical section depth, deferred call queue
// and current thread; its collaborators (scheduler, memory manager,
// interrupt table, directory registry) are injected at construction.
package kernel

import (
	"fmt"
	"math/bits"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/interrupts"
	"github.com/ferriteos/ferrite/pkg/pagedir"
)

type logFields = logrus.Fields

// Options carries the collaborators a Processor is built with. Zero
// fields are permitted for components a configuration does not use;
// the corresponding entry points then panic or no-op as documented.
type Options struct {
	// Interrupts is the line-to-handler table.
	Interrupts *interrupts.Table

	// Controllers are polled for pending lines on each interrupt.
	Controllers []interrupts.Controller

	// MemoryManager resolves page faults.
	MemoryManager MemoryManager

	// Scheduler is the scheduling policy.
	Scheduler Scheduler

	// Registry maps live directory bases to address spaces, consulted
	// for fault diagnostics.
	Registry *pagedir.Registry

	// Syscall handles SVC traps. A Processor with user threads must
	// set it.
	Syscall func(frame *TrapFrame)

	// Log overrides the default logger.
	Log *logrus.Entry
}

// Processor is one CPU's kernel-side execution state.
type Processor struct {
	id  int
	cpu *arch.CPU

	intr        *interrupts.Table
	controllers []interrupts.Controller
	mm          MemoryManager
	sched       Scheduler
	registry    *pagedir.Registry
	syscall     func(frame *TrapFrame)

	currentThread *Thread
	idleThread    *Thread

	// inIRQ counts nested asynchronous interrupt entries; inCritical
	// counts held critical sections. The scheduler may only be invoked
	// when both are zero.
	inIRQ      uint32
	inCritical uint32

	// invokeSchedulerAsync is latched by InvokeSchedulerAsync and
	// consumed by checkInvokeScheduler.
	invokeSchedulerAsync bool
	schedulerInitialized bool

	// currentInScheduler marks that this CPU is inside a scheduling
	// pass, so re-entry can be detected.
	currentInScheduler bool

	deferredPool  [deferredCallPoolSize]deferredCall
	deferredFree  *deferredCall
	deferredQueue *deferredCall

	log          *logrus.Entry
	faultLimiter *rate.Limiter
}

// NewProcessor returns a Processor for the given CPU.
func NewProcessor(id int, cpu *arch.CPU, opts Options) *Processor {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger().WithField("cpu", id)
	}
	p := &Processor{
		id:           id,
		cpu:          cpu,
		intr:         opts.Interrupts,
		controllers:  opts.Controllers,
		mm:           opts.MemoryManager,
		sched:        opts.Scheduler,
		registry:     opts.Registry,
		syscall:      opts.Syscall,
		log:          log,
		faultLimiter: rate.NewLimiter(rate.Limit(100), 100),
	}
	p.initDeferredPool()
	return p
}

// ID returns the processor number.
func (p *Processor) ID() int {
	return p.id
}

// CPU returns the underlying register file.
func (p *Processor) CPU() *arch.CPU {
	return p.cpu
}

// CurrentThread returns the thread this processor is executing, or nil
// before context switching is initialized.
func (p *Processor) CurrentThread() *Thread {
	return p.currentThread
}

// SetCurrentThread installs t as the executing thread.
func (p *Processor) SetCurrentThread(t *Thread) {
	p.currentThread = t
}

// IdleThread returns the processor's idle thread.
func (p *Processor) IdleThread() *Thread {
	return p.idleThread
}

// SetIdleThread records the processor's idle thread.
func (p *Processor) SetIdleThread(t *Thread) {
	p.idleThread = t
}

// InIRQ returns the current interrupt nesting depth.
func (p *Processor) InIRQ() uint32 {
	return p.inIRQ
}

// InCritical returns the current critical section depth.
func (p *Processor) InCritical() uint32 {
	return p.inCritical
}

// EnterCritical raises the critical section depth. While it is nonzero
// the scheduler will not be invoked on this processor.
func (p *Processor) EnterCritical() {
	p.inCritical++
}

// LeaveCritical lowers the critical section depth and, when that makes
// scheduling safe again, performs any deferred scheduler invocation.
func (p *Processor) LeaveCritical() {
	if p.inCritical == 0 {
		panic("leaving critical section that was never entered")
	}
	p.inCritical--
	if p.inCritical == 0 && p.inIRQ == 0 {
		p.checkInvokeScheduler()
	}
}

// ClearCritical drops all held critical sections at once. Used on
// paths that unwind past an unknown number of holders, such as entering
// the idle loop.
func (p *Processor) ClearCritical() {
	p.inCritical = 0
	if p.inIRQ == 0 {
		p.checkInvokeScheduler()
	}
}

// restoreCritical reinstates a saved critical section depth without
// triggering scheduler checks.
func (p *Processor) restoreCritical(depth uint32) {
	p.inCritical = depth
}

// InvokeSchedulerAsync requests a scheduling pass at the next point
// where no trap is in flight and no critical section is held.
func (p *Processor) InvokeSchedulerAsync() {
	p.invokeSchedulerAsync = true
}

// SchedulerInitialized reports whether context switching has been
// brought up on this processor.
func (p *Processor) SchedulerInitialized() bool {
	return p.schedulerInitialized
}

// CurrentInScheduler reports whether this processor is inside a
// scheduling pass.
func (p *Processor) CurrentInScheduler() bool {
	return p.currentInScheduler
}

// SetCurrentInScheduler marks entry to or exit from a scheduling pass.
func (p *Processor) SetCurrentInScheduler(v bool) {
	p.currentInScheduler = v
}

// checkInvokeScheduler performs a latched scheduling request. Callers
// guarantee no trap is in flight and no critical section is held.
func (p *Processor) checkInvokeScheduler() {
	if p.inIRQ != 0 || p.inCritical != 0 {
		panic("scheduler invocation with trap in flight or critical section held")
	}
	if !p.invokeSchedulerAsync || !p.schedulerInitialized {
		return
	}
	p.invokeSchedulerAsync = false
	p.sched.InvokeAsync()
}

// EnterTrap begins a kernel entry. raiseIRQ distinguishes asynchronous
// interrupts, which contribute to the interrupt nesting depth, from
// synchronous exceptions, which do not. The frame is pushed onto the
// current thread's trap stack and the thread's previous mode is
// recorded from the frame's saved program status.
func (p *Processor) EnterTrap(frame *TrapFrame, raiseIRQ bool) {
	if p.cpu.InterruptsEnabled() {
		panic("trap entry with interrupts enabled")
	}
	if raiseIRQ {
		p.inIRQ++
	}
	t := p.currentThread
	if t == nil {
		return
	}
	t.traps = append(t.traps, frame)
	if frame.FromUserMode() {
		t.previousMode = UserMode
	} else {
		t.previousMode = KernelMode
	}
}

// ExitTrap unwinds one kernel entry: it drains the deferred call queue,
// pops the frame, restores the thread's previous mode from the next
// outer frame, and invokes the scheduler if one was requested and it is
// now safe. The interrupt nesting depth is reset rather than
// decremented; a trap exit leaves interrupt context entirely.
func (p *Processor) ExitTrap(frame *TrapFrame) {
	if p.cpu.InterruptsEnabled() {
		panic("trap exit with interrupts enabled")
	}

	// Hold a critical section across the unwind so a deferred call
	// cannot re-enter the scheduler mid-exit.
	p.inCritical++
	p.inIRQ = 0

	p.drainDeferredCalls()

	t := p.currentThread
	if t != nil {
		n := len(t.traps)
		if n == 0 || t.traps[n-1] != frame {
			panic("trap exit does not match innermost trap entry")
		}
		t.traps[n-1] = nil
		t.traps = t.traps[:n-1]
		if outer := t.CurrentTrap(); outer != nil {
			if outer.FromUserMode() {
				t.previousMode = UserMode
			} else {
				t.previousMode = KernelMode
			}
		} else {
			t.previousMode = KernelMode
		}
	}

	p.inCritical--
	if p.inIRQ == 0 && p.inCritical == 0 {
		p.checkInvokeScheduler()
	}
}

// HandleInterrupt is the asynchronous interrupt entry point. It scans
// every controller's pending lines in ascending order and dispatches
// each through the interrupt table.
func (p *Processor) HandleInterrupt(frame *TrapFrame) {
	p.EnterTrap(frame, true)
	for _, c := range p.controllers {
		pending := c.PendingInterrupts()
		for pending != 0 {
			line := uint8(bits.TrailingZeros64(pending))
			p.intr.Dispatch(line)
			pending &^= 1 << line
		}
	}
	p.ExitTrap(frame)
}

// HandleException is the synchronous exception entry point. It routes
// on the latched syndrome's exception class: SVC traps go to the
// syscall handler, aborts go to the fault responder, anything else is
// fatal.
func (p *Processor) HandleException(frame *TrapFrame) {
	p.EnterTrap(frame, false)
	esr := p.cpu.ESR()
	switch {
	case esr.IsSVC():
		if p.syscall == nil {
			panic("SVC trap with no syscall handler")
		}
		p.syscall(frame)
	case esr.IsDataAbort() || esr.IsInstructionAbort():
		p.pageFaultHandler(frame, esr)
	default:
		panic(fmt.Sprintf("unexpected exception: %s (esr=%#x, ip=%#x)", esr.ClassString(), uint64(esr), frame.Regs.IP()))
	}
	p.ExitTrap(frame)
}
