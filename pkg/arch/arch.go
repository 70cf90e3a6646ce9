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

// Package arch models the aarch64 EL1 machine state that the kernel core
// programs: the translation control registers, the fault syndrome
// registers, the TLB maintenance interface and the per-CPU live register
// files. All bit-level encoding and decoding is confined to this package;
// everything above it deals in portable structures.
package arch

import (
	"fmt"
	"sync/atomic"
)

// InterruptsState is the DAIF interrupt-mask summary saved across
// scheduler handoffs.
type InterruptsState uint8

// Interrupt states.
const (
	InterruptsDisabled InterruptsState = iota
	InterruptsEnabled
)

// FPRegisterCount is the number of 64-bit words in the FP/SIMD register
// file: 32 Q registers of 128 bits each, plus FPCR and FPSR.
const FPRegisterCount = 32*2 + 2

// FPState is a snapshot of the floating-point register file.
type FPState [FPRegisterCount]uint64

// CPU is one processor's system-register file. It is the hardware the
// kernel core drives: translation setup writes MAIR/TCR/SCTLR here, trap
// entry latches ESR/FAR here, and context switches swap TTBR0, the TLS
// base and the FP file.
//
// A CPU is only ever programmed by its owning processor, so the fields
// carry no lock. The TLB flush counter is atomic because tests observe it
// from other goroutines.
type CPU struct {
	// mair is the committed MAIR_EL1 value.
	mair uint64

	// tcr is the committed TCR_EL1 value.
	tcr uint64

	// sctlr is the SCTLR_EL1 value.
	sctlr uint64

	// mairSet and tcrSet record that the attribute and translation
	// control registers hold committed values. Enabling translation
	// before both are committed leaves every access undefined, so
	// WriteSCTLR treats it as fatal.
	mairSet bool
	tcrSet  bool

	ttbr0 uint64
	ttbr1 uint64

	// esr and far hold the syndrome and faulting address of the most
	// recent exception taken on this CPU.
	esr uint64
	far uint64

	// tpidrEL0 is the user thread-local-storage base.
	tpidrEL0 uint64

	// fp is the live FP/SIMD register file.
	fp FPState

	// parange is the PARange field reported by ID_AA64MMFR0_EL1.
	parange uint8

	interruptsEnabled bool

	tlbFlushes atomic.Uint64
	ttbr0Sets  atomic.Uint64
	barriers   atomic.Uint64
}

// NewCPU returns a CPU reporting a 48-bit physical address range, the
// widest PARange encoding this core supports.
func NewCPU() *CPU {
	return &CPU{parange: PARange48}
}

// SCTLR_EL1 bits.
const (
	// SCTLREnableMMU is the M bit: stage 1 translation enable.
	SCTLREnableMMU = 1 << 0
)

// WriteMAIR commits the memory attribute indirection register.
func (c *CPU) WriteMAIR(m MAIR) {
	c.mair = m.encode()
	c.mairSet = true
}

// WriteTCR commits the translation control register.
func (c *CPU) WriteTCR(t TCR) {
	c.tcr = t.encode()
	c.tcrSet = true
}

// ReadSCTLR returns the current system control register value.
func (c *CPU) ReadSCTLR() uint64 {
	return c.sctlr
}

// WriteSCTLR writes the system control register. Setting the MMU enable
// bit before MAIR and TCR are committed is fatal: translation through
// undefined attributes corrupts every subsequent access.
func (c *CPU) WriteSCTLR(v uint64) {
	if v&SCTLREnableMMU != 0 && c.sctlr&SCTLREnableMMU == 0 {
		if !c.mairSet {
			panic("arch: MMU enabled before MAIR_EL1 was programmed")
		}
		if !c.tcrSet {
			panic("arch: MMU enabled before TCR_EL1 was programmed")
		}
	}
	c.sctlr = v
}

// TranslationEnabled returns true once the MMU enable bit is set.
func (c *CPU) TranslationEnabled() bool {
	return c.sctlr&SCTLREnableMMU != 0
}

// SetTTBR0 loads the lower-range translation base register.
func (c *CPU) SetTTBR0(v uint64) {
	c.ttbr0 = v
	c.ttbr0Sets.Add(1)
}

// TTBR0 returns the live lower-range translation base.
func (c *CPU) TTBR0() uint64 {
	return c.ttbr0
}

// SetTTBR1 loads the upper-range translation base register.
func (c *CPU) SetTTBR1(v uint64) {
	c.ttbr1 = v
}

// TTBR1 returns the live upper-range translation base.
func (c *CPU) TTBR1() uint64 {
	return c.ttbr1
}

// TTBR0WriteCount counts writes to TTBR0 since boot. Context-switch tests
// use it to verify that same-address-space switches skip the reload.
func (c *CPU) TTBR0WriteCount() uint64 {
	return c.ttbr0Sets.Load()
}

// LatchFault records the syndrome and faulting address of an exception,
// as the hardware does when the vector is taken.
func (c *CPU) LatchFault(esr ESR, far uint64) {
	c.esr = uint64(esr)
	c.far = far
}

// ESR returns the latched exception syndrome.
func (c *CPU) ESR() ESR {
	return ESR(c.esr)
}

// FAR returns the latched faulting virtual address.
func (c *CPU) FAR() uint64 {
	return c.far
}

// SetTPIDREL0 loads the user TLS base register.
func (c *CPU) SetTPIDREL0(v uint64) {
	c.tpidrEL0 = v
}

// TPIDREL0 returns the user TLS base register.
func (c *CPU) TPIDREL0() uint64 {
	return c.tpidrEL0
}

// SaveFP copies the live FP register file into out.
func (c *CPU) SaveFP(out *FPState) {
	*out = c.fp
}

// RestoreFP loads the live FP register file from in.
func (c *CPU) RestoreFP(in *FPState) {
	c.fp = *in
}

// FP returns a pointer to the live FP register file, for tests that
// scribble on it between switches.
func (c *CPU) FP() *FPState {
	return &c.fp
}

// FlushTLB performs the full local TLB invalidation sequence
// (dsb ishst; tlbi vmalle1is; dsb ish; isb).
func (c *CPU) FlushTLB() {
	c.tlbFlushes.Add(1)
}

// Barrier performs the instruction and data synchronization barriers
// required after translation control changes (dsb sy; isb).
func (c *CPU) Barrier() {
	c.barriers.Add(1)
}

// BarrierCount counts synchronization barriers since boot.
func (c *CPU) BarrierCount() uint64 {
	return c.barriers.Load()
}

// TLBFlushCount counts TLB invalidations since boot.
func (c *CPU) TLBFlushCount() uint64 {
	return c.tlbFlushes.Load()
}

// EnableInterrupts clears the IRQ mask.
func (c *CPU) EnableInterrupts() {
	c.interruptsEnabled = true
}

// DisableInterrupts sets the IRQ mask.
func (c *CPU) DisableInterrupts() {
	c.interruptsEnabled = false
}

// InterruptsEnabled returns true if IRQs are unmasked.
func (c *CPU) InterruptsEnabled() bool {
	return c.interruptsEnabled
}

// InterruptsState summarizes the current IRQ mask.
func (c *CPU) InterruptsState() InterruptsState {
	if c.interruptsEnabled {
		return InterruptsEnabled
	}
	return InterruptsDisabled
}

// RestoreInterruptsState applies a previously captured IRQ mask.
func (c *CPU) RestoreInterruptsState(s InterruptsState) {
	c.interruptsEnabled = s == InterruptsEnabled
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("CPU{sctlr:%#x ttbr0:%#x ttbr1:%#x}", c.sctlr, c.ttbr0, c.ttbr1)
}
