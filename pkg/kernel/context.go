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
	"fmt"

	"github.com/ferriteos/ferrite/pkg/arch"
)

// Each thread context is backed by a goroutine. A switched-out thread
// parks on its own transfer channel; switching to it performs the
// incoming thread's bookkeeping on the outgoing side and then unparks
// it. A context that has never run is entered through a trampoline that
// unwinds a synthesized trap frame before calling the entry function.

// InitContext prepares a fresh context for its first entry: a resting
// snapshot pointing at the entry trampoline and a synthesized trap
// frame for the trampoline to unwind through. Calling it on the
// currently executing thread replaces that thread's context, as after
// exec, and rebuilds scheduling state first.
func (p *Processor) InitContext(t *Thread, stackTop uint64) {
	if t == p.currentThread && p.sched != nil {
		p.sched.PrepareAfterExec()
	}

	var base uint64
	if t.space != nil {
		base = t.space.Base()
	}
	t.regs.SetInitialState(t.kernelThread, base, stackTop)

	regs := &RegisterState{
		X:        t.regs.X,
		SPSREL1:  t.regs.SPSREL1,
		ELREL1:   t.regs.ELREL1,
		SPEL0:    t.regs.SPEL0,
		TPIDREL0: t.regs.TPIDREL0,
	}
	frame := &TrapFrame{Regs: regs}
	t.bootstrapFrame = frame
	t.traps = append(t.traps[:0], frame)

	t.savedCritical = 1
	t.transfer = make(chan switchRequest)
	t.started = false

	p.log.WithFields(logFields{
		"thread": t.Name(),
		"sp":     fmt.Sprintf("%#x", stackTop),
		"ttbr0":  fmt.Sprintf("%#x", base),
	}).Debug("context initialized")
}

// SwitchContext suspends from and resumes to. The caller holds exactly
// one critical section (the scheduler's) and no trap may be in flight.
// from's register and FP state are saved, to's context is entered on
// this side of the hand-off, and the call returns only when from is
// switched back in.
func (p *Processor) SwitchContext(from, to *Thread) {
	if p.inIRQ != 0 {
		panic("context switch inside interrupt context")
	}
	if p.inCritical != 1 {
		panic(fmt.Sprintf("context switch with critical depth %d, want 1", p.inCritical))
	}

	from.savedCritical = p.inCritical
	p.saveContext(from)
	p.enterThreadContext(from, to)
	p.resumeContext(switchRequest{from: from, to: to})

	// Parked until some later switch makes from current again; that
	// switch's enterThreadContext has already restored our state.
	<-from.transfer
}

// saveContext captures the outgoing thread's volatile machine state
// into its resting snapshot.
func (p *Processor) saveContext(t *Thread) {
	p.cpu.SaveFP(&t.fpState)
	t.regs.TPIDREL0 = p.cpu.TPIDREL0()
}

// enterThreadContext installs to as the executing thread. The address
// space root is rewritten, and the TLB flushed, only when from and to
// run under different directories. FP state is restored
// unconditionally.
func (p *Processor) enterThreadContext(from, to *Thread) {
	if from != to && from.State() == ThreadRunning {
		panic("outgoing thread still marked running")
	}
	if to.State() != ThreadRunning {
		panic(fmt.Sprintf("entering context of %s thread %q", to.State(), to.Name()))
	}

	p.SetCurrentThread(to)

	if from.regs.TTBR0EL1 != to.regs.TTBR0EL1 {
		p.cpu.SetTTBR0(to.regs.TTBR0EL1)
		p.cpu.FlushTLB()
	}

	to.cpuID = p.id
	p.cpu.SetTPIDREL0(to.regs.TPIDREL0)
	p.cpu.RestoreFP(&to.fpState)

	if to.savedCritical == 0 {
		panic("entering thread context with no saved critical depth")
	}
	p.restoreCritical(to.savedCritical)
}

// resumeContext hands execution to req.to: a fresh context gets its
// trampoline goroutine, a parked one is unparked.
func (p *Processor) resumeContext(req switchRequest) {
	t := req.to
	if !t.started {
		t.started = true
		go p.contextFirstEnter(req)
		return
	}
	t.transfer <- req
}

// contextFirstEnter is the trampoline a fresh context runs when first
// switched to. It finishes switch bookkeeping, unwinds the synthesized
// trap frame, restores the interrupt state the frame encodes, and calls
// the entry function. When the entry function returns the thread is
// dead.
func (p *Processor) contextFirstEnter(req switchRequest) {
	t := req.to
	p.contextFirstInit(req.from, t)
	p.ExitTrap(t.bootstrapFrame)
	if arch.SPSRInterruptsEnabled(t.bootstrapFrame.Regs.SPSREL1) {
		p.cpu.EnableInterrupts()
	}
	t.entry()
	p.exitThread(t)
}

// contextFirstInit completes the first transfer into a context: the
// scheduler finishes bookkeeping for the outgoing thread and releases
// the lock it held across the switch.
func (p *Processor) contextFirstInit(from, to *Thread) {
	if p.cpu.InterruptsEnabled() {
		panic("first context entry with interrupts enabled")
	}
	if to != p.currentThread {
		panic("first context entry for a thread that is not current")
	}
	if p.sched != nil {
		p.sched.EnterCurrent(from)
	}
	p.restoreCritical(to.savedCritical)
	if p.sched != nil {
		p.sched.LeaveOnFirstSwitch(arch.InterruptsDisabled)
	}
}

// InitializeContextSwitching enters the initial kernel thread's context
// on this processor. It marks the scheduler initialized and runs the
// thread's entry inline; it does not return until the initial thread
// terminates.
func (p *Processor) InitializeContextSwitching(initial *Thread) {
	if !initial.kernelThread {
		panic("initial thread must be a kernel thread")
	}
	if initial.bootstrapFrame == nil {
		panic("initial thread context not initialized")
	}
	p.cpu.DisableInterrupts()
	p.schedulerInitialized = true
	p.SetCurrentThread(initial)
	initial.SetState(ThreadRunning)
	initial.started = true
	p.contextFirstEnter(switchRequest{from: initial, to: initial})
}

// AssumeContext abandons the calling context and enters t as if freshly
// created, as after exec replaces a process image. The scheduler's
// post-exec bookkeeping runs first and the single-level critical
// section SwitchContext expects is reinstated. Does not return to the
// caller's context.
func (p *Processor) AssumeContext(t *Thread) {
	p.cpu.DisableInterrupts()
	if p.sched != nil {
		p.sched.PrepareAfterExec()
	}
	p.inCritical = 1
	t.savedCritical = 1
	t.SetState(ThreadRunning)
	p.SetCurrentThread(t)
	t.started = true
	p.contextFirstEnter(switchRequest{from: t, to: t})
}

// exitThread marks a thread whose entry function returned as dead.
func (p *Processor) exitThread(t *Thread) {
	t.SetState(ThreadDead)
	p.log.WithField("thread", t.Name()).Debug("thread exited")
}
