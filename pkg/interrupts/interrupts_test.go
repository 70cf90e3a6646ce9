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

package interrupts

import "testing"

type countingHandler struct {
	handled int
	eois    int
}

func (h *countingHandler) HandleInterrupt(uint8) { h.handled++ }
func (h *countingHandler) EOI(uint8)             { h.eois++ }

func TestUnhandledLine(t *testing.T) {
	table := NewTable()

	table.Dispatch(5)
	table.Dispatch(5)

	if got := table.SpuriousCount(5); got != 2 {
		t.Errorf("SpuriousCount = %d, want 2", got)
	}
	if table.IsHandled(5) {
		t.Error("line 5 reported handled")
	}
}

func TestSingleHandler(t *testing.T) {
	table := NewTable()
	h := &countingHandler{}

	table.Register(9, h)
	table.Dispatch(9)

	if h.handled != 1 || h.eois != 1 {
		t.Errorf("handler saw %d interrupts, %d EOIs; want 1, 1", h.handled, h.eois)
	}
	if table.IsShared(9) {
		t.Error("single registration reported shared")
	}
}

func TestPromoteToShared(t *testing.T) {
	table := NewTable()
	first := &countingHandler{}
	second := &countingHandler{}

	table.Register(3, first)
	table.Register(3, second)
	if !table.IsShared(3) {
		t.Fatal("second registration did not promote the slot")
	}

	table.Dispatch(3)
	if first.handled != 1 || second.handled != 1 {
		t.Errorf("shared dispatch reached (%d, %d) handlers, want (1, 1)", first.handled, second.handled)
	}
}

func TestUnregisterRevertsToUnhandled(t *testing.T) {
	table := NewTable()
	first := &countingHandler{}
	second := &countingHandler{}

	table.Register(7, first)
	table.Register(7, second)
	table.Unregister(7, first)
	if !table.IsHandled(7) {
		t.Fatal("slot reverted with one handler still chained")
	}

	table.Unregister(7, second)
	if table.IsHandled(7) {
		t.Error("slot still handled after removing the last handler")
	}

	table.Dispatch(7)
	if got := table.SpuriousCount(7); got != 1 {
		t.Errorf("SpuriousCount after revert = %d, want 1", got)
	}
}

func TestUnregisterSingle(t *testing.T) {
	table := NewTable()
	h := &countingHandler{}

	table.Register(1, h)
	table.Unregister(1, h)
	if table.IsHandled(1) {
		t.Error("line still handled after unregister")
	}
}
