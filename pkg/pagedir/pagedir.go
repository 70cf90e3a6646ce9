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

// Package pagedir associates hardware translation-base values with the
// address-space objects that own them. The registry is the only way to
// recover a software directory handle from hardware state, used when a
// fault needs to know whose address space is live.
package pagedir

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/ferriteos/ferrite/pkg/arch"
	"github.com/ferriteos/ferrite/pkg/pagetables"
)

// PageDirectory owns one root translation table and the directory base
// value that activates it.
type PageDirectory struct {
	pt *pagetables.PageTables
}

// New wraps an address space's translation tree.
func New(pt *pagetables.PageTables) *PageDirectory {
	return &PageDirectory{pt: pt}
}

// PageTables returns the owned translation tree.
func (d *PageDirectory) PageTables() *pagetables.PageTables {
	return d.pt
}

// Base returns the value to load into TTBR0 to activate this directory.
// It is the physical address of the root table, unique to one directory
// for as long as the backing page lives.
func (d *PageDirectory) Base() uint64 {
	return uint64(d.pt.RootPhysical())
}

// entry is one registered directory, ordered by base value.
type entry struct {
	base uint64
	dir  *PageDirectory
}

// Registry is the directory lookup structure, an ordered tree keyed by
// directory base value. A single lock guards both lookups and mutation;
// it is the only core structure touched by multiple processors.
type Registry struct {
	cpu *arch.CPU

	mu   sync.Mutex
	tree *btree.BTreeG[entry]
}

// btreeDegree matches the modest population here: a handful of address
// spaces per boot.
const btreeDegree = 8

// NewRegistry returns an empty registry reading the live translation
// base from cpu.
func NewRegistry(cpu *arch.CPU) *Registry {
	return &Registry{
		cpu: cpu,
		tree: btree.NewG(btreeDegree, func(a, b entry) bool {
			return a.base < b.base
		}),
	}
}

// Register inserts the directory under its base value. A base collision
// is fatal: the value is a physical address owned by exactly one
// directory, so a duplicate means translation state is already corrupt.
func (r *Registry) Register(d *PageDirectory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := entry{base: d.Base(), dir: d}
	if _, ok := r.tree.Get(e); ok {
		panic(fmt.Sprintf("pagedir: directory base %#x registered twice", d.Base()))
	}
	r.tree.ReplaceOrInsert(e)
}

// Deregister removes the directory. A directory must be deregistered
// before its backing pages are released.
func (r *Registry) Deregister(d *PageDirectory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tree.Delete(entry{base: d.Base()}); !ok {
		panic(fmt.Sprintf("pagedir: deregister of unregistered base %#x", d.Base()))
	}
}

// Find returns the directory registered under base, or nil.
func (r *Registry) Find(base uint64) *PageDirectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tree.Get(entry{base: base}); ok {
		return e.dir
	}
	return nil
}

// FindCurrent reads the live TTBR0 and returns the owning directory, or
// nil if the hardware value is not registered (for example the transient
// boot-time root).
func (r *Registry) FindCurrent() *PageDirectory {
	return r.Find(r.cpu.TTBR0())
}

// Len returns the number of registered directories.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}
