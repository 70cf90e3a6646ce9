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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ferriteos/ferrite/pkg/mem"
)

const testRegionSize = 64 * mem.GranuleSize

func testAllocator() *BumpAllocator {
	return NewBumpAllocator(0x1000000, 0x1000000+testRegionSize)
}

func checkMappings(t *testing.T, pt *PageTables, want []Mapping) {
	t.Helper()
	var found []Mapping
	pt.Walk(func(m Mapping) bool {
		found = append(found, m)
		return true
	})
	if diff := cmp.Diff(want, found); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestMapPage(t *testing.T) {
	pt := New(testAllocator())

	pt.MapPage(0x400000, 0x2a000, NormalMemoryFlags)

	checkMappings(t, pt, []Mapping{
		{0x400000, 0x2a000, NormalMemoryFlags},
	})
}

func TestMapSerialEntries(t *testing.T) {
	pt := New(testAllocator())

	pt.MapPage(0x400000, 0x2a000, NormalMemoryFlags)
	pt.MapPage(0x401000, 0x2f000, DeviceMemoryFlags)

	checkMappings(t, pt, []Mapping{
		{0x400000, 0x2a000, NormalMemoryFlags},
		{0x401000, 0x2f000, DeviceMemoryFlags},
	})
}

func TestUnmap(t *testing.T) {
	pt := New(testAllocator())

	pt.MapPage(0x400000, 0x2a000, NormalMemoryFlags)
	pt.Unmap(0x400000, 0x401000)

	checkMappings(t, pt, nil)
}

func TestLookup(t *testing.T) {
	pt := New(testAllocator())

	pt.MapPage(0x2000000000, 0x7000, NormalMemoryFlags)

	pa, flags, ok := pt.Lookup(0x2000000123)
	if !ok {
		t.Fatal("Lookup failed on a mapped address")
	}
	if want := mem.PhysicalAddress(0x7123); pa != want {
		t.Errorf("Lookup physical = %s, want %s", pa, want)
	}
	if flags != NormalMemoryFlags {
		t.Errorf("Lookup flags = %#x, want %#x", flags, NormalMemoryFlags)
	}
	if _, _, ok := pt.Lookup(0x2000001000); ok {
		t.Error("Lookup succeeded on an unmapped address")
	}
}

// TestInsertPageTableIdempotent verifies that re-walking an already-built
// intermediate path reuses the same tables instead of allocating twice.
func TestInsertPageTableIdempotent(t *testing.T) {
	alloc := testAllocator()
	pt := New(alloc)

	first := pt.InsertPageTable(0x400000)
	used := alloc.PagesUsed()
	second := pt.InsertPageTable(0x400000)

	if first != second {
		t.Error("InsertPageTable returned a different level-3 table on the second walk")
	}
	if got := alloc.PagesUsed(); got != used {
		t.Errorf("second walk allocated %d extra pages", got-used)
	}

	// Addresses sharing every intermediate index resolve to the same
	// leaf table as well.
	third := pt.InsertPageTable(0x400000 + 5*mem.GranuleSize)
	if third != first {
		t.Error("addresses sharing intermediate indices got distinct level-3 tables")
	}
}

func TestInsertIdentityRange(t *testing.T) {
	pt := New(testAllocator())

	start := mem.PhysicalAddress(0x3f000000)
	end := start + 4*mem.GranuleSize
	pt.InsertIdentityRange(start, end, DeviceMemoryFlags)

	var want []Mapping
	for addr := start; addr < end; addr += mem.GranuleSize {
		want = append(want, Mapping{mem.VirtualAddress(addr), addr, DeviceMemoryFlags})
	}
	checkMappings(t, pt, want)
}

func TestBumpAllocatorZeroFilled(t *testing.T) {
	alloc := testAllocator()
	for i := 0; i < testRegionSize/mem.GranuleSize; i++ {
		page := alloc.TakePage()
		for j, entry := range page {
			if entry != 0 {
				t.Fatalf("page %d entry %d not zero: %#x", i, j, entry)
			}
		}
	}
}

func TestBumpAllocatorExhaustion(t *testing.T) {
	alloc := testAllocator()
	for i := 0; i < testRegionSize/mem.GranuleSize; i++ {
		alloc.TakePage()
	}
	if alloc.PagesRemaining() != 0 {
		t.Fatalf("PagesRemaining = %d after draining the region", alloc.PagesRemaining())
	}
	defer func() {
		if recover() == nil {
			t.Error("TakePage beyond capacity did not panic")
		}
	}()
	alloc.TakePage()
}

func TestBumpAllocatorBadRange(t *testing.T) {
	for _, tc := range []struct {
		name       string
		start, end mem.PhysicalAddress
	}{
		{"empty", 0x1000, 0x1000},
		{"inverted", 0x2000, 0x1000},
		{"misalignedStart", 0x1001, 0x3000},
		{"misalignedEnd", 0x1000, 0x2fff},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("NewBumpAllocator(%#x, %#x) did not panic", tc.start, tc.end)
				}
			}()
			NewBumpAllocator(tc.start, tc.end)
		})
	}
}

func TestPhysicalRoundTrip(t *testing.T) {
	alloc := testAllocator()
	page := alloc.TakePage()
	pa := alloc.PhysicalFor(page)
	if !pa.IsGranuleAligned() {
		t.Errorf("physical address %s not granule-aligned", pa)
	}
	if alloc.LookupPTEs(pa) != page {
		t.Error("LookupPTEs(PhysicalFor(page)) != page")
	}
}
