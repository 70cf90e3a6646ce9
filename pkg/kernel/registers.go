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
	"github.com/ferriteos/ferrite/pkg/arch"
)

// RegisterState is the machine state captured at a trap boundary: all
// general-purpose registers plus the saved program status, return
// address, stack pointer and TLS base. A RegisterState lives only as
// long as the trap it belongs to.
type RegisterState struct {
	X        [31]uint64
	SPSREL1  uint64
	ELREL1   uint64
	SPEL0    uint64
	TPIDREL0 uint64
}

// IP returns the saved instruction pointer.
func (r *RegisterState) IP() uint64 {
	return r.ELREL1
}

// FromUserMode reports whether the trap was taken from EL0.
func (r *RegisterState) FromUserMode() bool {
	return arch.SPSRModeIsUser(r.SPSREL1)
}

// ThreadRegisters is a thread's resting register snapshot, the canonical
// copy while the thread is switched out. Exactly one live copy exists
// per thread; a second exists transiently inside a TrapFrame while the
// thread is suspended in kernel-entry context.
type ThreadRegisters struct {
	X        [31]uint64
	SPSREL1  uint64
	ELREL1   uint64
	SPEL0    uint64
	TTBR0EL1 uint64
	TPIDREL0 uint64
}

// IP returns the saved continuation address.
func (r *ThreadRegisters) IP() uint64 {
	return r.ELREL1
}

// SetIP sets the continuation address.
func (r *ThreadRegisters) SetIP(v uint64) {
	r.ELREL1 = v
}

// SetSP sets the saved stack pointer.
func (r *ThreadRegisters) SetSP(v uint64) {
	r.SPEL0 = v
}

// SetPageTableBasePointer records the address space's directory base.
func (r *ThreadRegisters) SetPageTableBasePointer(v uint64) {
	r.TTBR0EL1 = v
}

// SetInitialState seeds a new thread's snapshot: stack pointer at the
// top of its kernel stack, directory base from its address space, and a
// program status word that leaves all interrupts unmasked so the first
// transfer into the context runs with interrupts enabled.
func (r *ThreadRegisters) SetInitialState(kernelThread bool, directoryBase uint64, stackTop uint64) {
	r.SetSP(stackTop)
	r.TTBR0EL1 = directoryBase
	if kernelThread {
		r.SPSREL1 = arch.ModeEL1h
	} else {
		r.SPSREL1 = arch.ModeEL0t
	}
}

// SetEntryFunction points the snapshot at the thread's entry with its
// argument in the first argument register.
func (r *ThreadRegisters) SetEntryFunction(ip uint64, data uint64) {
	r.SetIP(ip)
	r.X[0] = data
}

// PreviousMode records which execution mode a thread most recently
// transitioned from, for scheduling-time accounting.
type PreviousMode uint8

// Previous modes.
const (
	KernelMode PreviousMode = iota
	UserMode
)

// Signal is a process signal number.
type Signal int

// Signals the fault responder delivers.
const (
	SIGBUS  Signal = 7
	SIGSEGV Signal = 11
)

// String implements fmt.Stringer.String.
func (s Signal) String() string {
	switch s {
	case SIGBUS:
		return "SIGBUS"
	case SIGSEGV:
		return "SIGSEGV"
	default:
		return "SIG?"
	}
}
