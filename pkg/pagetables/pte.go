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

import "github.com/ferriteos/ferrite/pkg/mem"

// PTE is a single translation table entry in the aarch64 VMSAv8-64
// descriptor format for a 4 KiB granule.
type PTE uint64

// entriesPerTable is the number of entries in one granule-sized table:
// each level resolves 9 bits of the virtual address.
const entriesPerTable = 512

// PTEs is one granule-sized table.
type PTEs [entriesPerTable]PTE

// Descriptor bits.
const (
	// descriptorValid marks the entry as present.
	descriptorValid PTE = 1 << 0

	// descriptorTable marks a valid entry as a next-level table
	// reference at levels 0-2, and as a page descriptor at level 3.
	descriptorTable PTE = 1 << 1

	// TableDescriptor is the full encoding of an intermediate entry.
	TableDescriptor = descriptorValid | descriptorTable

	// PageDescriptor is the full encoding of a level-3 leaf entry.
	PageDescriptor = descriptorValid | descriptorTable

	// addressMask extracts the output address from a descriptor.
	addressMask PTE = 0x0000fffffffff000
)

// Access and attribute flags for leaf entries.
const (
	// AccessFlag must be set on every live mapping; hardware faults on
	// entries with it clear instead of updating it.
	AccessFlag PTE = 1 << 10

	// InnerShareable and OuterShareable are the SH field encodings.
	InnerShareable PTE = 0b11 << 8
	OuterShareable PTE = 0b10 << 8

	// NormalMemory and DeviceMemory select the MAIR attribute index:
	// index 0 is normal cacheable memory, index 1 is device memory.
	NormalMemory PTE = 0 << 2
	DeviceMemory PTE = 1 << 2
)

// Canonical leaf flag combinations, as the boot mapper uses them.
const (
	// NormalMemoryFlags maps normal cacheable RAM.
	NormalMemoryFlags = AccessFlag | PageDescriptor | InnerShareable | NormalMemory

	// DeviceMemoryFlags maps a device register window.
	DeviceMemoryFlags = AccessFlag | PageDescriptor | OuterShareable | DeviceMemory
)

// Valid returns true if the entry is present.
func (p PTE) Valid() bool {
	return p&descriptorValid != 0
}

// IsTable returns true if the entry references a next-level table. Only
// meaningful at levels 0-2.
func (p PTE) IsTable() bool {
	return p&TableDescriptor == TableDescriptor
}

// Address returns the output address of the entry.
func (p PTE) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(p & addressMask)
}

// Flags returns the non-address descriptor bits of a leaf entry.
func (p PTE) Flags() PTE {
	return p &^ addressMask
}

// setTable points the entry at a next-level table.
func (p *PTE) setTable(addr mem.PhysicalAddress) {
	*p = PTE(addr)&addressMask | TableDescriptor
}

// Set writes a leaf mapping with the given flags.
func (p *PTE) Set(addr mem.PhysicalAddress, flags PTE) {
	*p = PTE(addr)&addressMask | flags
}

// Clear empties the entry.
func (p *PTE) Clear() {
	*p = 0
}
