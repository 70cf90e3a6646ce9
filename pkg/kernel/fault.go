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
	"github.com/ferriteos/ferrite/pkg/mem"
)

// FaultType distinguishes faults on absent mappings from faults on
// present but insufficient ones.
type FaultType uint8

// Fault types.
const (
	FaultNotPresent FaultType = iota
	FaultProtectionViolation
)

// String implements fmt.Stringer.String.
func (t FaultType) String() string {
	if t == FaultProtectionViolation {
		return "ProtectionViolation"
	}
	return "NotPresent"
}

// FaultAccess is the kind of access that faulted.
type FaultAccess uint8

// Fault accesses.
const (
	FaultRead FaultAccess = iota
	FaultWrite
)

// String implements fmt.Stringer.String.
func (a FaultAccess) String() string {
	if a == FaultWrite {
		return "Write"
	}
	return "Read"
}

// PageFault describes one memory fault in machine-independent terms.
// The memory manager consumes it; nothing downstream of decodePageFault
// looks at raw syndrome bits again.
type PageFault struct {
	// Address is the faulting virtual address.
	Address mem.VirtualAddress

	// Type says whether the mapping was absent or merely insufficient.
	Type FaultType

	// Access is the faulting access kind.
	Access FaultAccess

	// User is set when the fault was taken from user mode.
	User bool

	// InstructionFetch is set when the fault was an instruction fetch
	// rather than a data access.
	InstructionFetch bool
}

// IsNotPresent reports a fault on an unmapped address.
func (f *PageFault) IsNotPresent() bool {
	return f.Type == FaultNotPresent
}

// IsProtectionViolation reports a fault on a mapped but forbidden
// access.
func (f *PageFault) IsProtectionViolation() bool {
	return f.Type == FaultProtectionViolation
}

// IsWrite reports a faulting write access.
func (f *PageFault) IsWrite() bool {
	return f.Access == FaultWrite
}

// decodePageFault is the single place raw syndrome bits become a
// PageFault descriptor.
func decodePageFault(esr arch.ESR, far uint64) PageFault {
	f := PageFault{
		Address: mem.VirtualAddress(far),
		User:    esr.FromLowerLevel(),
	}
	if esr.IsPermissionFault() {
		f.Type = FaultProtectionViolation
	}
	if esr.IsInstructionAbort() {
		f.InstructionFetch = true
	} else if esr.IsWrite() {
		f.Access = FaultWrite
	}
	return f
}

// PageFaultResponse is the memory manager's verdict on a fault.
type PageFaultResponse int

// Fault responses.
const (
	// PageFaultContinue means the fault was resolved and the faulting
	// access should be retried.
	PageFaultContinue PageFaultResponse = iota

	// PageFaultShouldCrash means the access was invalid.
	PageFaultShouldCrash

	// PageFaultOutOfMemory means resolving the fault needed memory that
	// could not be had.
	PageFaultOutOfMemory

	// PageFaultBusError means the access hit a region whose backing
	// store failed.
	PageFaultBusError
)

// String implements fmt.Stringer.String.
func (r PageFaultResponse) String() string {
	switch r {
	case PageFaultContinue:
		return "Continue"
	case PageFaultShouldCrash:
		return "ShouldCrash"
	case PageFaultOutOfMemory:
		return "OutOfMemory"
	case PageFaultBusError:
		return "BusError"
	default:
		return "?"
	}
}

// Heap scrub byte patterns. Freshly allocated and freed chunks are
// filled with these, so a fault address built out of one strongly
// suggests a dangling or uninitialized pointer dereference.
const (
	mallocScrubByte  = 0x85
	freeScrubByte    = 0x82
	kmallocScrubByte = 0xbb
	kfreeScrubByte   = 0xaa
)

func explodeByte(b byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b)
	}
	return v
}

const nullDerefLimit = 4096

// faultHint guesses the likely cause of a crash-bound fault address for
// the diagnostic report. The comparison masks the low halfword so
// pattern-plus-small-offset dereferences are still recognized.
func faultHint(addr mem.VirtualAddress) string {
	const patternMask = 0xffff_ffff_ffff_0000
	a := uint64(addr)
	switch a & patternMask {
	case explodeByte(mallocScrubByte) & patternMask:
		return "malloc() scrub pattern: uninitialized malloc() memory?"
	case explodeByte(freeScrubByte) & patternMask:
		return "free() scrub pattern: use-after-free?"
	case explodeByte(kmallocScrubByte) & patternMask:
		return "kmalloc() scrub pattern: uninitialized kmalloc() memory?"
	case explodeByte(kfreeScrubByte) & patternMask:
		return "kfree() scrub pattern: kernel use-after-free?"
	}
	if a < nullDerefLimit {
		return "possible null pointer dereference"
	}
	return ""
}

// pageFaultHandler classifies the latched fault, asks the memory
// manager to resolve it, and carries out the verdict.
func (p *Processor) pageFaultHandler(frame *TrapFrame, esr arch.ESR) {
	far := p.cpu.FAR()
	fault := decodePageFault(esr, far)

	t := p.currentThread
	if t != nil {
		t.handlingPageFault = true
		defer func() {
			t.handlingPageFault = false
		}()
	}

	if p.mm == nil {
		panic(fmt.Sprintf("page fault at %s with no memory manager", fault.Address))
	}

	resp := p.mm.HandlePageFault(fault)
	switch resp {
	case PageFaultContinue:
		if p.faultLimiter.Allow() {
			p.log.WithFields(logFields{
				"address": fault.Address.String(),
				"ip":      fmt.Sprintf("%#x", frame.Regs.IP()),
			}).Debug("page fault resolved")
		}
		return
	case PageFaultShouldCrash, PageFaultOutOfMemory, PageFaultBusError:
		p.handleCrashFault(frame, &fault, resp)
	default:
		panic(fmt.Sprintf("unexpected page fault response %d", resp))
	}
}

// handleCrashFault implements the unrecoverable-fault policy: deliver a
// signal when a handler is installed, otherwise emit the diagnostic
// report and terminate the faulting process.
func (p *Processor) handleCrashFault(frame *TrapFrame, fault *PageFault, resp PageFaultResponse) {
	t := p.currentThread

	// A thread with a handler installed for the matching signal gets
	// the signal instead of a crash. Out-of-memory faults always crash:
	// the handler itself may need memory.
	if resp == PageFaultBusError && t != nil && t.hasSignalHandler(SIGBUS) {
		p.log.WithField("thread", t.Name()).Info("page fault: thread has SIGBUS handler")
		t.Signals.SendUrgentSignal(SIGBUS)
		return
	}
	if resp != PageFaultOutOfMemory && t != nil && t.hasSignalHandler(SIGSEGV) {
		p.log.WithField("thread", t.Name()).Info("page fault: thread has SIGSEGV handler")
		t.Signals.SendUrgentSignal(SIGSEGV)
		return
	}

	p.reportFault(frame, fault, resp)

	if t == nil || t.Process == nil {
		// Kernel-mode fault with no recovery domain.
		panic(fmt.Sprintf("unrecoverable kernel page fault at %s (ip=%#x)", fault.Address, frame.Regs.IP()))
	}

	if t.Process.IsUserProcess() {
		access := fault.Access.String()
		if fault.InstructionFetch {
			access = "Execute"
		}
		t.Process.SetCoredumpProperty("fault_address", fmt.Sprintf("%#x", uint64(fault.Address)))
		t.Process.SetCoredumpProperty("fault_type", fault.Type.String())
		t.Process.SetCoredumpProperty("fault_access", access)
	}

	if resp == PageFaultBusError {
		t.Process.Crash("Page Fault (Bus Error)", SIGBUS, false)
		return
	}
	t.Process.Crash("Page Fault", SIGSEGV, resp == PageFaultOutOfMemory)
}

// reportFault logs the crash diagnostic: who faulted, how, and the best
// guess at why.
func (p *Processor) reportFault(frame *TrapFrame, fault *PageFault, resp PageFaultResponse) {
	desc := "page fault"
	switch {
	case resp == PageFaultBusError:
		desc = "bus error"
	case fault.InstructionFetch:
		desc = "instruction fetch fault"
	case fault.IsWrite():
		desc = "write fault"
	}
	fields := logFields{
		"kind":    desc,
		"type":    fault.Type.String(),
		"address": fault.Address.String(),
		"ip":      fmt.Sprintf("%#x", frame.Regs.IP()),
		"user":    fault.User,
	}
	if t := p.currentThread; t != nil {
		fields["thread"] = t.Name()
	}
	if p.registry != nil {
		if d := p.registry.FindCurrent(); d != nil {
			fields["directory"] = fmt.Sprintf("%#x", d.Base())
		}
	}
	if hint := faultHint(fault.Address); hint != "" {
		fields["note"] = hint
	}
	p.log.WithFields(fields).Error("unrecoverable fault")
}
