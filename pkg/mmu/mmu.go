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

// Package mmu runs the boot translation sequence: build the low identity
// window and the permanent high kernel mapping, program the translation
// control registers in their required order, enable the MMU, relocate
// execution to the high range and tear the identity window down.
package mmu

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/mem"
	"github.com/ferriteos/ferrite/pkg/pagedir"
	"github.com/ferriteos/ferrite/pkg/pagetables"
)

// The kernel image identity window is aligned out to 2 MiB sections; the
// rest of physical memory is initially unmapped.
const (
	sectionSize = 0x200000
	sectionMask = sectionSize - 1
)

// quickmapOffset places the quickmap slot at a fixed high virtual
// address, one 2 MiB section below the top of the kernel's first
// gigabyte.
const quickmapOffset = 0x3fe00000

// Config describes the physical layout the boot sequence maps. The
// defaults follow the Raspberry Pi 3: 1 GiB of RAM with the peripheral
// window at 0x3F000000.
type Config struct {
	// KernelBase is the permanent high virtual base the kernel
	// relocates to.
	KernelBase mem.VirtualAddress

	// KernelImageStart and KernelImageEnd delimit the kernel image in
	// physical memory.
	KernelImageStart mem.PhysicalAddress
	KernelImageEnd   mem.PhysicalAddress

	// TableRegionStart and TableRegionEnd delimit the pre-reserved
	// physical region the bump allocator draws table pages from.
	TableRegionStart mem.PhysicalAddress
	TableRegionEnd   mem.PhysicalAddress

	// PeripheralBase and PeripheralSize delimit the device register
	// window, mapped both identity and high as device memory.
	PeripheralBase mem.PhysicalAddress
	PeripheralSize uint64
}

// DefaultConfig returns the Raspberry Pi 3 layout.
func DefaultConfig() Config {
	return Config{
		KernelBase:       0x2000000000,
		KernelImageStart: 0x80000,
		KernelImageEnd:   0x400000,
		TableRegionStart: 0x400000,
		TableRegionEnd:   0x600000,
		PeripheralBase:   0x3f000000,
		PeripheralSize:   0x00ffffff,
	}
}

func (c Config) validate() error {
	if c.TableRegionStart >= c.TableRegionEnd {
		return fmt.Errorf("empty table region [%s, %s)", c.TableRegionStart, c.TableRegionEnd)
	}
	if !c.KernelBase.IsGranuleAligned() {
		return fmt.Errorf("kernel base %s not granule-aligned", c.KernelBase)
	}
	if c.KernelImageStart >= c.KernelImageEnd {
		return fmt.Errorf("empty kernel image [%s, %s)", c.KernelImageStart, c.KernelImageEnd)
	}
	return nil
}

// Boot is the outcome of the boot translation sequence.
type Boot struct {
	cpu *arch.CPU
	cfg Config

	// Allocator is the boot bump allocator. It is never reused after
	// the sequence completes; ownership of every page it handed out
	// now rests with Root.
	Allocator *pagetables.BumpAllocator

	// Root is the boot translation tree, active in both TTBR0 and
	// TTBR1 once Init returns.
	Root *pagetables.PageTables

	// KernelDirectory wraps Root as the kernel address space.
	KernelDirectory *pagedir.PageDirectory

	// Quickmap is the reserved transient-remap slot.
	Quickmap *Quickmap

	relocated bool

	log *logrus.Entry
}

// Init builds the boot page tables and enables translation. Misaligned
// or exhausted table regions are boot-fatal and panic; continuing would
// hand the hardware corrupt translation state.
func Init(cpu *arch.CPU, cfg Config) *Boot {
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("mmu: %v", err))
	}

	b := &Boot{
		cpu: cpu,
		cfg: cfg,
		log: logrus.WithField("component", "mmu"),
	}

	b.Allocator = pagetables.NewBumpAllocator(cfg.TableRegionStart, cfg.TableRegionEnd)
	b.Root = pagetables.New(b.Allocator)

	b.buildIdentityMap()
	b.mapKernelHighMemory()
	b.Quickmap = b.setupQuickmap()
	b.KernelDirectory = pagedir.New(b.Root)

	b.switchToPageTable()
	b.activateMMU()

	b.log.WithFields(logrus.Fields{
		"tablePages": b.Allocator.PagesUsed(),
		"root":       b.Root.RootPhysical().String(),
	}).Info("translation enabled")
	return b
}

// identityRange returns the section-aligned identity window covering the
// kernel image.
func (b *Boot) identityRange() (mem.PhysicalAddress, mem.PhysicalAddress) {
	start := b.cfg.KernelImageStart &^ sectionMask
	end := (b.cfg.KernelImageEnd &^ sectionMask) + sectionSize
	return start, end
}

// buildIdentityMap maps the kernel image and the peripheral window 1:1,
// the window the sequence executes from until relocation.
func (b *Boot) buildIdentityMap() {
	start, end := b.identityRange()
	b.Root.InsertIdentityRange(start, end, pagetables.NormalMemoryFlags)
	b.Root.InsertIdentityRange(b.cfg.PeripheralBase, b.cfg.PeripheralBase.Offset(b.cfg.PeripheralSize), pagetables.DeviceMemoryFlags)
}

// mapKernelHighMemory installs the permanent mapping of the kernel image
// and the device window at the high virtual base.
func (b *Boot) mapKernelHighMemory() {
	start, end := b.identityRange()
	for pa := start; pa < end; pa += mem.GranuleSize {
		b.Root.MapPage(b.cfg.KernelBase.Offset(uint64(pa)), pa, pagetables.NormalMemoryFlags)
	}
	devEnd := b.cfg.PeripheralBase.Offset(b.cfg.PeripheralSize)
	for pa := b.cfg.PeripheralBase; pa < devEnd; pa += mem.GranuleSize {
		b.Root.MapPage(b.cfg.KernelBase.Offset(uint64(pa)), pa, pagetables.DeviceMemoryFlags)
	}
}

// switchToPageTable loads the boot root into both translation base
// registers.
func (b *Boot) switchToPageTable() {
	base := uint64(b.Root.RootPhysical())
	b.cpu.SetTTBR0(base)
	b.cpu.SetTTBR1(base)
}

// activateMMU programs the attribute and control registers, then enables
// translation. The ordering is a strict dependency: MAIR and TCR must be
// committed before the enable bit is set, or every access becomes
// undefined. pkg/arch enforces the ordering as fatal.
func (b *Boot) activateMMU() {
	var mair arch.MAIR
	mair.Attrs[0] = arch.MemoryAttributeNormal
	mair.Attrs[1] = arch.MemoryAttributeDevice
	b.cpu.WriteMAIR(mair)

	features := b.cpu.ReadMemoryModelFeatures()
	b.cpu.WriteTCR(arch.TCR{
		T0SZ:  16,
		T1SZ:  16,
		TG0:   arch.TG0Granule4K,
		TG1:   arch.TG1Granule4K,
		SH0:   arch.InnerShareable,
		SH1:   arch.InnerShareable,
		ORGN0: arch.WriteBackReadWriteAllocate,
		ORGN1: arch.WriteBackReadWriteAllocate,
		IRGN0: arch.WriteBackReadWriteAllocate,
		IRGN1: arch.WriteBackReadWriteAllocate,
		// The intermediate physical address size is auto-detected
		// from the feature register, not hard-coded.
		IPS: features.PARange,
	})

	b.cpu.WriteSCTLR(b.cpu.ReadSCTLR() | arch.SCTLREnableMMU)
	b.cpu.Barrier()
}

// RelocateHigh performs the position-independent jump into the high
// virtual range. It must run before the identity window is torn down:
// the currently executing code's physical address loses its low mapping
// the moment that window goes.
func (b *Boot) RelocateHigh() {
	if !b.cpu.TranslationEnabled() {
		panic("mmu: relocation attempted before translation was enabled")
	}
	// The jump target must already resolve through the high mapping to
	// the same physical code the identity window is executing.
	target := b.cfg.KernelBase.Offset(uint64(b.cfg.KernelImageStart))
	pa, _, ok := b.Root.Lookup(target)
	if !ok || pa != b.cfg.KernelImageStart {
		panic(fmt.Sprintf("mmu: high mapping for %s does not cover the kernel image", target))
	}
	b.relocated = true
	b.log.WithField("base", b.cfg.KernelBase.String()).Info("relocated to high virtual range")
}

// UnmapIdentity tears down the low identity window. Only legal after
// relocation; before it, the executing code still lives there.
func (b *Boot) UnmapIdentity() {
	if !b.relocated {
		panic("mmu: identity window unmapped before relocation")
	}
	start, end := b.identityRange()
	b.Root.Unmap(mem.VirtualAddress(start), mem.VirtualAddress(end))
	b.Root.Unmap(mem.VirtualAddress(b.cfg.PeripheralBase), mem.VirtualAddress(b.cfg.PeripheralBase.Offset(b.cfg.PeripheralSize)))
	b.cpu.FlushTLB()
	b.log.Info("identity window unmapped")
}

// Relocated reports whether execution has moved to the high range.
func (b *Boot) Relocated() bool {
	return b.relocated
}
