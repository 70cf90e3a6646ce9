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

// Package pagetables builds the multi-level radix-tree translation
// tables: a 4-level VMSAv8-64 layout with a 4 KiB granule, each level
// resolving 9 bits of the virtual address. Intermediate levels are
// materialized lazily through an Allocator the first time a range is
// touched.
//
// The tables are built once at boot with interrupts disabled and are
// thereafter mutated only under rules owned by the external memory
// manager, so no lock is carried here; the translation hardware reads
// them lock-free by construction.
package pagetables

import (
	"github.com/ferriteos/ferrite/pkg/mem"
)

// Per-level index extraction. The most significant field walks first.
const (
	level0Shift = 39
	level1Shift = 30
	level2Shift = 21
	level3Shift = 12

	levelIndexMask = 0x1ff
)

func levelIndex(va mem.VirtualAddress, shift uint) int {
	return int((uint64(va) >> shift) & levelIndexMask)
}

// PageTables is one address space's translation tree.
type PageTables struct {
	// Allocator materializes intermediate tables on demand.
	Allocator Allocator

	root         *PTEs
	rootPhysical mem.PhysicalAddress
}

// New allocates a root table and returns the empty tree around it.
func New(allocator Allocator) *PageTables {
	p := &PageTables{Allocator: allocator}
	p.root = allocator.NewPTEs()
	p.rootPhysical = allocator.PhysicalFor(p.root)
	return p
}

// Root returns the root table.
func (p *PageTables) Root() *PTEs {
	return p.root
}

// RootPhysical returns the physical address of the root table: the value
// loaded into the translation base register to activate this tree.
func (p *PageTables) RootPhysical() mem.PhysicalAddress {
	return p.rootPhysical
}

// nextTable descends one level through entry, allocating and linking a
// new table if the entry is empty. Re-walking an already-built path
// reuses the existing table, which is what makes InsertPageTable
// idempotent.
func (p *PageTables) nextTable(table *PTEs, index int) *PTEs {
	entry := &table[index]
	if !entry.Valid() {
		next := p.Allocator.NewPTEs()
		entry.setTable(p.Allocator.PhysicalFor(next))
		return next
	}
	return p.Allocator.LookupPTEs(entry.Address())
}

// InsertPageTable walks from the root through each level index of va,
// allocating intermediate tables as needed, and returns the level-3
// table ready to receive a leaf mapping for va.
func (p *PageTables) InsertPageTable(va mem.VirtualAddress) *PTEs {
	table := p.nextTable(p.root, levelIndex(va, level0Shift))
	table = p.nextTable(table, levelIndex(va, level1Shift))
	return p.nextTable(table, levelIndex(va, level2Shift))
}

// MapPage installs a leaf mapping va -> pa with the given flags,
// materializing the intermediate path on demand.
func (p *PageTables) MapPage(va mem.VirtualAddress, pa mem.PhysicalAddress, flags PTE) {
	leaf := p.InsertPageTable(va)
	leaf[levelIndex(va, level3Shift)].Set(pa, flags)
}

// InsertIdentityRange maps every granule in [start, end) 1:1, virtual
// equal to physical. Not very efficient, but simple and it works; it is
// used only for the low-memory identity window needed before relocation.
func (p *PageTables) InsertIdentityRange(start, end mem.PhysicalAddress, flags PTE) {
	for addr := start; addr < end; addr += mem.GranuleSize {
		p.MapPage(mem.VirtualAddress(addr), addr, flags)
	}
}

// walkTo descends to the level-3 table covering va without allocating,
// returning nil if any intermediate entry is empty.
func (p *PageTables) walkTo(va mem.VirtualAddress) *PTEs {
	table := p.root
	for _, shift := range []uint{level0Shift, level1Shift, level2Shift} {
		entry := table[levelIndex(va, shift)]
		if !entry.Valid() {
			return nil
		}
		table = p.Allocator.LookupPTEs(entry.Address())
	}
	return table
}

// Lookup resolves va through the tree, returning the mapped physical
// address (with the page offset applied) and the leaf flags.
func (p *PageTables) Lookup(va mem.VirtualAddress) (mem.PhysicalAddress, PTE, bool) {
	leaf := p.walkTo(va.GranuleBase())
	if leaf == nil {
		return 0, 0, false
	}
	entry := leaf[levelIndex(va, level3Shift)]
	if !entry.Valid() {
		return 0, 0, false
	}
	return entry.Address().Offset(va.PageOffset()), entry.Flags(), true
}

// Unmap clears every leaf entry in [start, end). Intermediate tables are
// not reclaimed; boot-time tables are never reclaimed.
func (p *PageTables) Unmap(start, end mem.VirtualAddress) {
	for va := start.GranuleBase(); va < end; va += mem.GranuleSize {
		if leaf := p.walkTo(va); leaf != nil {
			leaf[levelIndex(va, level3Shift)].Clear()
		}
	}
}

// Mapping is one present leaf entry, reported by Walk.
type Mapping struct {
	Virtual  mem.VirtualAddress
	Physical mem.PhysicalAddress
	Flags    PTE
}

// Walk visits every present leaf mapping in ascending virtual order.
// Returning false from the visitor stops the walk.
func (p *PageTables) Walk(visit func(Mapping) bool) {
	p.walkLevel(p.root, 0, 0, visit)
}

func (p *PageTables) walkLevel(table *PTEs, level int, base uint64, visit func(Mapping) bool) bool {
	shift := uint(level0Shift - 9*level)
	for i, entry := range table {
		if !entry.Valid() {
			continue
		}
		va := base | uint64(i)<<shift
		if level == 3 {
			if !visit(Mapping{
				Virtual:  mem.VirtualAddress(va),
				Physical: entry.Address(),
				Flags:    entry.Flags(),
			}) {
				return false
			}
			continue
		}
		if !p.walkLevel(p.Allocator.LookupPTEs(entry.Address()), level+1, va, visit) {
			return false
		}
	}
	return true
}
