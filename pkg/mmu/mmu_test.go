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

package mmu

import (
	"testing"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/mem"
	"github.com/ferriteos/ferrite/pkg/pagetables"
)

func bootMachine(t *testing.T) (*arch.CPU, *Boot) {
	t.Helper()
	cpu := arch.NewCPU()
	return cpu, Init(cpu, DefaultConfig())
}

func TestBootMapsIdentityAndHigh(t *testing.T) {
	_, b := bootMachine(t)
	cfg := DefaultConfig()

	// The kernel image resolves both through the identity window and
	// through the permanent high mapping, to the same physical page.
	pa, flags, ok := b.Root.Lookup(mem.VirtualAddress(cfg.KernelImageStart))
	if !ok || pa != cfg.KernelImageStart {
		t.Fatalf("identity lookup = (%v, %v), want %s", pa, ok, cfg.KernelImageStart)
	}
	if flags != pagetables.NormalMemoryFlags {
		t.Errorf("identity flags = %#x, want normal memory", flags)
	}

	high := cfg.KernelBase.Offset(uint64(cfg.KernelImageStart))
	pa, _, ok = b.Root.Lookup(high)
	if !ok || pa != cfg.KernelImageStart {
		t.Fatalf("high lookup = (%v, %v), want %s", pa, ok, cfg.KernelImageStart)
	}

	// The peripheral window is device memory in both ranges.
	_, flags, ok = b.Root.Lookup(mem.VirtualAddress(cfg.PeripheralBase))
	if !ok || flags != pagetables.DeviceMemoryFlags {
		t.Errorf("peripheral identity = (%#x, %v), want device memory", flags, ok)
	}
	_, flags, ok = b.Root.Lookup(cfg.KernelBase.Offset(uint64(cfg.PeripheralBase)))
	if !ok || flags != pagetables.DeviceMemoryFlags {
		t.Errorf("peripheral high = (%#x, %v), want device memory", flags, ok)
	}
}

func TestBootActivatesTranslation(t *testing.T) {
	cpu, b := bootMachine(t)

	if !cpu.TranslationEnabled() {
		t.Error("MMU not enabled after Init")
	}
	if got, want := cpu.TTBR0(), uint64(b.Root.RootPhysical()); got != want {
		t.Errorf("TTBR0 = %#x, want %#x", got, want)
	}
	if got, want := cpu.TTBR1(), uint64(b.Root.RootPhysical()); got != want {
		t.Errorf("TTBR1 = %#x, want %#x", got, want)
	}
	if cpu.BarrierCount() == 0 {
		t.Error("no synchronization barrier after enabling translation")
	}
}

// TestEnableOrdering verifies the strict register ordering: setting the
// enable bit before MAIR and TCR are committed is fatal.
func TestEnableOrdering(t *testing.T) {
	cpu := arch.NewCPU()
	defer func() {
		if recover() == nil {
			t.Error("enabling the MMU with no committed MAIR/TCR did not panic")
		}
	}()
	cpu.WriteSCTLR(arch.SCTLREnableMMU)
}

func TestUnmapIdentityRequiresRelocation(t *testing.T) {
	_, b := bootMachine(t)
	defer func() {
		if recover() == nil {
			t.Error("UnmapIdentity before RelocateHigh did not panic")
		}
	}()
	b.UnmapIdentity()
}

func TestRelocateAndUnmapIdentity(t *testing.T) {
	cpu, b := bootMachine(t)
	cfg := DefaultConfig()

	b.RelocateHigh()
	flushes := cpu.TLBFlushCount()
	b.UnmapIdentity()

	// The identity window is gone; the high mapping survives.
	if _, _, ok := b.Root.Lookup(mem.VirtualAddress(cfg.KernelImageStart)); ok {
		t.Error("identity mapping survived UnmapIdentity")
	}
	if _, _, ok := b.Root.Lookup(mem.VirtualAddress(cfg.PeripheralBase)); ok {
		t.Error("peripheral identity mapping survived UnmapIdentity")
	}
	if _, _, ok := b.Root.Lookup(cfg.KernelBase.Offset(uint64(cfg.KernelImageStart))); !ok {
		t.Error("high kernel mapping lost")
	}
	if cpu.TLBFlushCount() == flushes {
		t.Error("no TLB flush after tearing down the identity window")
	}
}

func TestQuickmap(t *testing.T) {
	cpu, b := bootMachine(t)

	page := mem.PhysicalAddress(0x12345000)
	va := b.Quickmap.Map(page)
	if va != b.Quickmap.Address() {
		t.Errorf("quickmap address = %s, want %s", va, b.Quickmap.Address())
	}

	pa, _, ok := b.Root.Lookup(va)
	if !ok || pa != page {
		t.Fatalf("quickmap lookup = (%v, %v), want %s", pa, ok, page)
	}

	flushes := cpu.TLBFlushCount()
	b.Quickmap.Unmap()
	if _, _, ok := b.Root.Lookup(va); ok {
		t.Error("quickmap translation survived Unmap")
	}
	if cpu.TLBFlushCount() == flushes {
		t.Error("no TLB invalidation after quickmap release")
	}

	// The slot is reusable.
	b.Quickmap.Map(0x2000)
	b.Quickmap.Unmap()
}

func TestQuickmapDoubleMapFatal(t *testing.T) {
	_, b := bootMachine(t)
	b.Quickmap.Map(0x2000)
	defer func() {
		if recover() == nil {
			t.Error("double quickmap did not panic")
		}
	}()
	b.Quickmap.Map(0x3000)
}

func TestBadConfigFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TableRegionEnd = cfg.TableRegionStart
	defer func() {
		if recover() == nil {
			t.Error("Init with an empty table region did not panic")
		}
	}()
	Init(arch.NewCPU(), cfg)
}
