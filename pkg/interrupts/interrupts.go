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

// Package interrupts routes hardware interrupt lines to registered
// handler objects. Each line is in exactly one of three states: no
// handler (unhandled arrivals are counted and logged), a single handler,
// or a shared slot chaining several handlers on one line.
package interrupts

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// NumLines is the number of interrupt lines the table routes.
const NumLines = 64

// Handler services one interrupt source. Handler lifetime belongs to the
// registering driver; the table never owns its handlers.
type Handler interface {
	// HandleInterrupt services a pending interrupt on the line.
	HandleInterrupt(line uint8)

	// EOI signals end-of-interrupt to the source.
	EOI(line uint8)
}

// Controller is an interrupt controller whose pending lines the
// dispatcher scans on every IRQ trap.
type Controller interface {
	// PendingInterrupts returns a bitmask of lines awaiting service.
	PendingInterrupts() uint64
}

type slotKind uint8

const (
	slotUnhandled slotKind = iota
	slotSingle
	slotShared
)

// slot is the tagged per-line state.
type slot struct {
	kind      slotKind
	single    Handler
	shared    []Handler
	callCount uint64

	// spurious counts arrivals on an unhandled line.
	spurious uint64
}

// Table maps interrupt lines to handler slots. It is explicitly
// constructed and injected into the trap dispatcher rather than living as
// an ambient global. It is only mutated with interrupts disabled on the
// owning processor, so it carries no lock.
type Table struct {
	slots [NumLines]slot
	log   *logrus.Entry
}

// NewTable returns a table with every line unhandled.
func NewTable() *Table {
	return &Table{
		log: logrus.WithField("component", "interrupts"),
	}
}

// Register installs a handler on a line. An occupied line is promoted to
// a shared slot chaining both the previous and the new handler.
func (t *Table) Register(line uint8, h Handler) {
	if h == nil {
		panic("interrupts: nil handler")
	}
	s := &t.slots[line]
	switch s.kind {
	case slotUnhandled:
		s.kind = slotSingle
		s.single = h
	case slotSingle:
		s.kind = slotShared
		s.shared = []Handler{s.single, h}
		s.single = nil
	case slotShared:
		s.shared = append(s.shared, h)
	}
}

// Unregister removes a handler from a line. Removing the last handler of
// a shared slot reverts the line to unhandled.
func (t *Table) Unregister(line uint8, h Handler) {
	s := &t.slots[line]
	switch s.kind {
	case slotUnhandled:
		// Already unhandled; nothing to do.
	case slotSingle:
		if s.single != h {
			panic(fmt.Sprintf("interrupts: unregister of foreign handler on line %d", line))
		}
		s.kind = slotUnhandled
		s.single = nil
	case slotShared:
		for i, existing := range s.shared {
			if existing == h {
				s.shared = append(s.shared[:i], s.shared[i+1:]...)
				break
			}
		}
		if len(s.shared) == 0 {
			s.kind = slotUnhandled
			s.shared = nil
		}
	}
}

// Dispatch services one pending line: every chained handler runs, then
// acknowledges its source. Unhandled lines count the spurious arrival.
func (t *Table) Dispatch(line uint8) {
	s := &t.slots[line]
	switch s.kind {
	case slotUnhandled:
		s.spurious++
		t.log.WithField("line", line).Warn("interrupt on unhandled line")
	case slotSingle:
		s.callCount++
		s.single.HandleInterrupt(line)
		s.single.EOI(line)
	case slotShared:
		s.callCount++
		for _, h := range s.shared {
			h.HandleInterrupt(line)
			h.EOI(line)
		}
	}
}

// CallCount returns the number of dispatches that reached a handler on
// the line.
func (t *Table) CallCount(line uint8) uint64 {
	return t.slots[line].callCount
}

// SpuriousCount returns the number of arrivals on the line while it was
// unhandled.
func (t *Table) SpuriousCount(line uint8) uint64 {
	return t.slots[line].spurious
}

// IsShared reports whether the line currently chains multiple handlers.
func (t *Table) IsShared(line uint8) bool {
	return t.slots[line].kind == slotShared
}

// IsHandled reports whether any handler is installed on the line.
func (t *Table) IsHandled(line uint8) bool {
	return t.slots[line].kind != slotUnhandled
}
