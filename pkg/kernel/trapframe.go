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

package kernel

// TrapFrame holds the register snapshot for one kernel entry. Frames
// nest when an interrupt preempts kernel code that is itself inside a
// trap; the processor tracks the nesting as an explicit per-thread
// stack rather than chaining frames through each other.
type TrapFrame struct {
	// Regs is the register state captured at the trap boundary.
	Regs *RegisterState
}

// FromUserMode reports whether this frame was captured on entry from
// user mode.
func (t *TrapFrame) FromUserMode() bool {
	return t.Regs.FromUserMode()
}
