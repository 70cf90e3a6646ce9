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
	"fmt"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/mem"
	"github.com/ferriteos/ferrite/pkg/pagetables"
)

// Quickmap is the reserved slot for transient single-page remaps: a
// fixed high virtual address whose backing leaf table was carved out at
// boot and retained, so collaborators can briefly reach an arbitrary
// physical page without touching the tree.
type Quickmap struct {
	cpu   *arch.CPU
	table *pagetables.PTEs
	va    mem.VirtualAddress

	// index is the slot's position in the retained leaf table.
	index int

	mapped bool
}

// setupQuickmap reserves the quickmap slot and retains its leaf table.
func (b *Boot) setupQuickmap() *Quickmap {
	va := b.cfg.KernelBase.Offset(quickmapOffset)
	table := b.Root.InsertPageTable(va)
	return &Quickmap{
		cpu:   b.cpu,
		table: table,
		va:    va,
		index: int((uint64(va) >> mem.GranuleShift) & 0x1ff),
	}
}

// Address returns the fixed virtual address of the slot.
func (q *Quickmap) Address() mem.VirtualAddress {
	return q.va
}

// Map points the slot at a physical page and returns its virtual
// address. The slot holds one page at a time; mapping over a live
// mapping is a contract violation.
func (q *Quickmap) Map(pa mem.PhysicalAddress) mem.VirtualAddress {
	if q.mapped {
		panic("mmu: quickmap slot already in use")
	}
	if !pa.IsGranuleAligned() {
		panic(fmt.Sprintf("mmu: quickmap of unaligned page %s", pa))
	}
	q.table[q.index].Set(pa, pagetables.NormalMemoryFlags)
	q.mapped = true
	return q.va
}

// Unmap releases the slot and invalidates the stale translation.
func (q *Quickmap) Unmap() {
	if !q.mapped {
		panic("mmu: quickmap slot not mapped")
	}
	q.table[q.index].Clear()
	q.mapped = false
	q.cpu.FlushTLB()
}
