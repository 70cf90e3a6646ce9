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

// Package mem defines the address scalars shared by the translation
// machinery. Physical and virtual addresses are distinct types so that a
// physical value cannot silently flow into a virtual slot.
package mem

import "fmt"

const (
	// GranuleSize is the minimum hardware-mapped unit (a page).
	GranuleSize = 4096

	// GranuleShift is log2(GranuleSize).
	GranuleShift = 12

	// GranuleMask masks the in-page offset bits.
	GranuleMask = GranuleSize - 1
)

// PhysicalAddress is an address in the physical address space.
type PhysicalAddress uint64

// VirtualAddress is an address in a translated address space.
type VirtualAddress uint64

// IsGranuleAligned returns true if the address is granule-aligned.
func (a PhysicalAddress) IsGranuleAligned() bool {
	return a&GranuleMask == 0
}

// GranuleBase rounds the address down to its granule base.
func (a PhysicalAddress) GranuleBase() PhysicalAddress {
	return a &^ GranuleMask
}

// Offset adds an offset to the address.
func (a PhysicalAddress) Offset(off uint64) PhysicalAddress {
	return a + PhysicalAddress(off)
}

// String implements fmt.Stringer.String.
func (a PhysicalAddress) String() string {
	return fmt.Sprintf("P%#x", uint64(a))
}

// IsGranuleAligned returns true if the address is granule-aligned.
func (a VirtualAddress) IsGranuleAligned() bool {
	return a&GranuleMask == 0
}

// GranuleBase rounds the address down to its granule base.
func (a VirtualAddress) GranuleBase() VirtualAddress {
	return a &^ GranuleMask
}

// PageOffset returns the in-page offset bits.
func (a VirtualAddress) PageOffset() uint64 {
	return uint64(a) & GranuleMask
}

// Offset adds an offset to the address.
func (a VirtualAddress) Offset(off uint64) VirtualAddress {
	return a + VirtualAddress(off)
}

// String implements fmt.Stringer.String.
func (a VirtualAddress) String() string {
	return fmt.Sprintf("V%#x", uint64(a))
}
