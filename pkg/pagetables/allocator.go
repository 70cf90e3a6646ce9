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

package pagetables

import (
	"fmt"

	"github.com/ferriteos/ferrite/pkg/mem"
)

// Allocator hands out translation-table pages and maintains the mapping
// between table objects and the physical addresses the hardware sees in
// descriptors. The builder is allocator-agnostic: at boot the bump
// allocator below backs it, and tests may substitute their own.
type Allocator interface {
	// NewPTEs returns a zeroed, granule-aligned table page.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical address of a table page
	// previously returned by NewPTEs.
	PhysicalFor(*PTEs) mem.PhysicalAddress

	// LookupPTEs resolves a physical address found in a table
	// descriptor back to the table page it names.
	LookupPTEs(mem.PhysicalAddress) *PTEs
}

// BumpAllocator hands out zeroed granule pages from a fixed pre-reserved
// physical region. It exists only for boot-time table construction: there
// is no free operation, and ownership of every handed-out page transfers
// to the built tables. Exhaustion is fatal, boot cannot proceed without
// translation tables.
type BumpAllocator struct {
	start   mem.PhysicalAddress
	end     mem.PhysicalAddress
	current mem.PhysicalAddress

	// pages maps handed-out physical addresses to their table pages,
	// and reverse maps the pages back for PhysicalFor.
	pages   map[mem.PhysicalAddress]*PTEs
	reverse map[*PTEs]mem.PhysicalAddress
}

// NewBumpAllocator returns an allocator over the physical range
// [start, end). Both bounds must be granule-aligned and the range
// non-empty; a misaligned region would produce misaligned hardware-visible
// tables, so violation is fatal.
func NewBumpAllocator(start, end mem.PhysicalAddress) *BumpAllocator {
	if start >= end {
		panic(fmt.Sprintf("pagetables: invalid bump allocator range [%s, %s)", start, end))
	}
	if !start.IsGranuleAligned() || !end.IsGranuleAligned() {
		panic(fmt.Sprintf("pagetables: bump allocator range [%s, %s) not granule-aligned", start, end))
	}
	return &BumpAllocator{
		start:   start,
		end:     end,
		current: start,
		pages:   make(map[mem.PhysicalAddress]*PTEs),
		reverse: make(map[*PTEs]mem.PhysicalAddress),
	}
}

// TakePage returns the next zero-filled granule page, or panics when the
// reserved region is exhausted.
func (a *BumpAllocator) TakePage() *PTEs {
	if a.current == a.end {
		panic("pagetables: boot page-table memory exhausted")
	}
	page := new(PTEs) // Zero-filled.
	a.pages[a.current] = page
	a.reverse[page] = a.current
	a.current += mem.GranuleSize
	return page
}

// NewPTEs implements Allocator.NewPTEs.
func (a *BumpAllocator) NewPTEs() *PTEs {
	return a.TakePage()
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *BumpAllocator) PhysicalFor(ptes *PTEs) mem.PhysicalAddress {
	addr, ok := a.reverse[ptes]
	if !ok {
		panic("pagetables: PhysicalFor on a page this allocator did not hand out")
	}
	return addr
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *BumpAllocator) LookupPTEs(addr mem.PhysicalAddress) *PTEs {
	page, ok := a.pages[addr]
	if !ok {
		panic(fmt.Sprintf("pagetables: no table page at %s", addr))
	}
	return page
}

// PagesUsed returns the number of pages handed out so far.
func (a *BumpAllocator) PagesUsed() uint64 {
	return uint64(a.current-a.start) / mem.GranuleSize
}

// PagesRemaining returns the number of pages still available.
func (a *BumpAllocator) PagesRemaining() uint64 {
	return uint64(a.end-a.current) / mem.GranuleSize
}
