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
	"io"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/interrupts"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("cpu", 0)
}

// stubScheduler records calls and mirrors the lock discipline a real
// scheduler follows around first context entries.
type stubScheduler struct {
	p            *Processor
	invokeAsync  int
	enterCurrent []string
	leaveFirst   int
	prepareExec  int
	onInvoke     func()
}

func (s *stubScheduler) InvokeAsync() {
	s.invokeAsync++
	if s.onInvoke != nil {
		s.onInvoke()
	}
}

func (s *stubScheduler) EnterCurrent(from *Thread) {
	s.enterCurrent = append(s.enterCurrent, from.Name())
}

func (s *stubScheduler) LeaveOnFirstSwitch(state arch.InterruptsState) {
	s.leaveFirst++
	s.p.LeaveCritical()
}

func (s *stubScheduler) PrepareAfterExec() { s.prepareExec++ }

func userFrame() *TrapFrame {
	return &TrapFrame{Regs: &RegisterState{SPSREL1: arch.ModeEL0t}}
}

func kernelFrame() *TrapFrame {
	return &TrapFrame{Regs: &RegisterState{SPSREL1: arch.ModeEL1h}}
}

func newTestProcessor(opts Options) (*Processor, *arch.CPU) {
	cpu := arch.NewCPU()
	if opts.Log == nil {
		opts.Log = testLog()
	}
	return NewProcessor(0, cpu, opts), cpu
}

func TestTrapNesting(t *testing.T) {
	p, cpu := newTestProcessor(Options{})
	cpu.DisableInterrupts()

	thread := NewThread("main", nil, nil, true)
	p.SetCurrentThread(thread)

	outer := userFrame()
	p.EnterTrap(outer, false)
	if got := thread.TrapDepth(); got != 1 {
		t.Fatalf("trap depth after entry: got %d, want 1", got)
	}
	if got := thread.PreviousMode(); got != UserMode {
		t.Errorf("previous mode after user entry: got %v, want UserMode", got)
	}

	inner := kernelFrame()
	p.EnterTrap(inner, true)
	if got := p.InIRQ(); got != 1 {
		t.Errorf("InIRQ after interrupt entry: got %d, want 1", got)
	}
	if got := thread.PreviousMode(); got != KernelMode {
		t.Errorf("previous mode after nested kernel entry: got %v, want KernelMode", got)
	}
	if got := thread.CurrentTrap(); got != inner {
		t.Errorf("current trap is not the innermost frame")
	}

	p.ExitTrap(inner)
	if got := p.InIRQ(); got != 0 {
		t.Errorf("InIRQ after exit: got %d, want 0", got)
	}
	if got := thread.PreviousMode(); got != UserMode {
		t.Errorf("previous mode restored from outer frame: got %v, want UserMode", got)
	}
	if got := thread.TrapDepth(); got != 1 {
		t.Errorf("trap depth after inner exit: got %d, want 1", got)
	}

	p.ExitTrap(outer)
	if got := thread.TrapDepth(); got != 0 {
		t.Errorf("trap depth after full unwind: got %d, want 0", got)
	}
	if got := thread.PreviousMode(); got != KernelMode {
		t.Errorf("previous mode with no trap in flight: got %v, want KernelMode", got)
	}
	if got := p.InCritical(); got != 0 {
		t.Errorf("critical depth after unwind: got %d, want 0", got)
	}
}

func TestSyncExceptionDoesNotRaiseIRQ(t *testing.T) {
	p, cpu := newTestProcessor(Options{})
	cpu.DisableInterrupts()

	f := userFrame()
	p.EnterTrap(f, false)
	if got := p.InIRQ(); got != 0 {
		t.Errorf("InIRQ after synchronous entry: got %d, want 0", got)
	}
	p.ExitTrap(f)
}

func TestEnterTrapWithInterruptsEnabledPanics(t *testing.T) {
	p, cpu := newTestProcessor(Options{})
	cpu.EnableInterrupts()

	defer func() {
		if recover() == nil {
			t.Fatalf("EnterTrap with interrupts enabled did not panic")
		}
	}()
	p.EnterTrap(userFrame(), false)
}

func TestExitTrapMismatchPanics(t *testing.T) {
	p, cpu := newTestProcessor(Options{})
	cpu.DisableInterrupts()
	p.SetCurrentThread(NewThread("main", nil, nil, true))

	p.EnterTrap(userFrame(), false)
	defer func() {
		if recover() == nil {
			t.Fatalf("ExitTrap with a foreign frame did not panic")
		}
	}()
	p.ExitTrap(kernelFrame())
}

func TestCriticalSectionBalance(t *testing.T) {
	p, _ := newTestProcessor(Options{})

	p.EnterCritical()
	p.EnterCritical()
	p.EnterCritical()
	if got := p.InCritical(); got != 3 {
		t.Fatalf("critical depth: got %d, want 3", got)
	}
	p.ClearCritical()
	if got := p.InCritical(); got != 0 {
		t.Fatalf("critical depth after ClearCritical: got %d, want 0", got)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("unbalanced LeaveCritical did not panic")
		}
	}()
	p.LeaveCritical()
}

func TestDeferredCallsRunInSubmissionOrder(t *testing.T) {
	p, cpu := newTestProcessor(Options{})
	cpu.DisableInterrupts()
	p.SetCurrentThread(NewThread("main", nil, nil, true))

	var got []int
	f := userFrame()
	p.EnterTrap(f, false)
	for i := 0; i < 3; i++ {
		i := i
		p.DeferCall(func() { got = append(got, i) })
	}
	if !p.DeferredCallsPending() {
		t.Fatalf("DeferredCallsPending: got false, want true")
	}
	p.ExitTrap(f)

	if diff := cmp.Diff([]int{0, 1, 2}, got); diff != "" {
		t.Errorf("deferred call order mismatch (-want +got):\n%s", diff)
	}
	if p.DeferredCallsPending() {
		t.Errorf("deferrals still pending after trap exit")
	}

	// A second trap exit must not rerun anything.
	g := userFrame()
	p.EnterTrap(g, false)
	p.ExitTrap(g)
	if len(got) != 3 {
		t.Errorf("deferred calls ran again: %d executions, want 3", len(got))
	}
}

func TestDeferredCallQueuedDuringDrain(t *testing.T) {
	p, cpu := newTestProcessor(Options{})
	cpu.DisableInterrupts()
	p.SetCurrentThread(NewThread("main", nil, nil, true))

	var got []string
	f := userFrame()
	p.EnterTrap(f, false)
	p.DeferCall(func() {
		got = append(got, "first")
		p.DeferCall(func() { got = append(got, "nested") })
	})
	p.ExitTrap(f)

	if diff := cmp.Diff([]string{"first", "nested"}, got); diff != "" {
		t.Errorf("drain order mismatch (-want +got):\n%s", diff)
	}
}

func TestDeferredCallPoolOverflow(t *testing.T) {
	p, cpu := newTestProcessor(Options{})
	cpu.DisableInterrupts()
	p.SetCurrentThread(NewThread("main", nil, nil, true))

	const n = deferredCallPoolSize + 4
	ran := 0
	f := userFrame()
	p.EnterTrap(f, false)
	for i := 0; i < n; i++ {
		p.DeferCall(func() { ran++ })
	}
	p.ExitTrap(f)

	if ran != n {
		t.Errorf("deferred calls executed: got %d, want %d", ran, n)
	}
}

// TestRandomizedTrapSequences drives a random mix of trap entries and
// exits, critical sections, deferred calls, and scheduler requests,
// checking that the scheduler only ever runs with no trap in flight and
// no critical section held, that every latched request is honored
// exactly once, and that every deferred call runs exactly once.
func TestRandomizedTrapSequences(t *testing.T) {
	sched := &stubScheduler{}
	p, cpu := newTestProcessor(Options{Scheduler: sched})
	sched.p = p
	cpu.DisableInterrupts()
	thread := NewThread("main", nil, nil, true)
	p.SetCurrentThread(thread)
	p.schedulerInitialized = true

	sched.onInvoke = func() {
		if irq, crit := p.InIRQ(), p.InCritical(); irq != 0 || crit != 0 {
			t.Fatalf("scheduler invoked at inIRQ=%d inCritical=%d", irq, crit)
		}
	}

	rng := rand.New(rand.NewSource(1))
	var frames []*TrapFrame
	queued, ran, requests := 0, 0, 0

	for i := 0; i < 5000; i++ {
		switch rng.Intn(6) {
		case 0:
			p.EnterCritical()
		case 1:
			if p.InCritical() > 0 {
				p.LeaveCritical()
			}
		case 2:
			if len(frames) < 8 {
				f := kernelFrame()
				if len(frames) == 0 {
					f = userFrame()
				}
				p.EnterTrap(f, rng.Intn(2) == 0)
				frames = append(frames, f)
			}
		case 3:
			if n := len(frames); n > 0 {
				p.ExitTrap(frames[n-1])
				frames = frames[:n-1]
			}
		case 4:
			queued++
			p.DeferCall(func() { ran++ })
		case 5:
			if !p.invokeSchedulerAsync {
				requests++
			}
			p.InvokeSchedulerAsync()
		}
	}

	// Unwind whatever the walk left behind, then a final trap round
	// trip to flush deferrals queued outside any trap.
	for n := len(frames); n > 0; n = len(frames) {
		p.ExitTrap(frames[n-1])
		frames = frames[:n-1]
	}
	for p.InCritical() > 0 {
		p.LeaveCritical()
	}
	f := kernelFrame()
	p.EnterTrap(f, false)
	p.ExitTrap(f)

	if p.invokeSchedulerAsync {
		t.Errorf("scheduler request still latched after unwind")
	}
	if sched.invokeAsync != requests {
		t.Errorf("scheduler invocations: got %d, want %d", sched.invokeAsync, requests)
	}
	if ran != queued {
		t.Errorf("deferred calls executed: got %d, want %d", ran, queued)
	}
	if got := thread.TrapDepth(); got != 0 {
		t.Errorf("trap depth after unwind: got %d, want 0", got)
	}
}

// pendingController exposes a settable pending mask.
type pendingController struct {
	pending uint64
}

func (c *pendingController) PendingInterrupts() uint64 {
	v := c.pending
	c.pending = 0
	return v
}

// countingHandler counts invocations per line.
type countingHandler struct {
	calls map[uint8]int
	eois  map[uint8]int
}

func newCountingHandler() *countingHandler {
	return &countingHandler{calls: make(map[uint8]int), eois: make(map[uint8]int)}
}

func (h *countingHandler) HandleInterrupt(line uint8) { h.calls[line]++ }
func (h *countingHandler) EOI(line uint8)             { h.eois[line]++ }

func TestHandleInterruptDispatchesPendingLines(t *testing.T) {
	table := interrupts.NewTable()
	h := newCountingHandler()
	table.Register(3, h)
	table.Register(7, h)

	ctl := &pendingController{pending: 1<<3 | 1<<5 | 1<<7}
	p, cpu := newTestProcessor(Options{
		Interrupts:  table,
		Controllers: []interrupts.Controller{ctl},
	})
	cpu.DisableInterrupts()
	p.SetCurrentThread(NewThread("main", nil, nil, true))

	p.HandleInterrupt(kernelFrame())

	if got := h.calls[3]; got != 1 {
		t.Errorf("line 3 handled %d times, want 1", got)
	}
	if got := h.calls[7]; got != 1 {
		t.Errorf("line 7 handled %d times, want 1", got)
	}
	if got := h.eois[3]; got != 1 {
		t.Errorf("line 3 acknowledged %d times, want 1", got)
	}
	if got := table.SpuriousCount(5); got != 1 {
		t.Errorf("unhandled line 5 spurious count: got %d, want 1", got)
	}
	if got := p.InIRQ(); got != 0 {
		t.Errorf("InIRQ after interrupt: got %d, want 0", got)
	}
}

func TestHandleExceptionSyscall(t *testing.T) {
	var syscalls int
	p, cpu := newTestProcessor(Options{
		Syscall: func(frame *TrapFrame) { syscalls++ },
	})
	cpu.DisableInterrupts()
	thread := NewThread("main", nil, nil, false)
	p.SetCurrentThread(thread)

	cpu.LatchFault(arch.EncodeSVC(0), 0)
	p.HandleException(userFrame())

	if syscalls != 1 {
		t.Errorf("syscall handler ran %d times, want 1", syscalls)
	}
	if got := thread.TrapDepth(); got != 0 {
		t.Errorf("trap depth after syscall: got %d, want 0", got)
	}
}

func TestHandleExceptionUnknownClassPanics(t *testing.T) {
	p, cpu := newTestProcessor(Options{})
	cpu.DisableInterrupts()

	cpu.LatchFault(arch.ESR(0), 0)
	defer func() {
		if recover() == nil {
			t.Fatalf("unknown exception class did not panic")
		}
	}()
	p.HandleException(kernelFrame())
}
