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

import (
	"github.com/ferriteos/ferrite/pkg/arch"
)

// Scheduler is the scheduling policy the processor defers to. The
// processor decides when it is safe to schedule; the Scheduler decides
// what runs next.
type Scheduler interface {
	// InvokeAsync performs a scheduling pass. Called by the processor
	// at a point where no trap is in flight and no critical section is
	// held.
	InvokeAsync()

	// EnterCurrent finishes bookkeeping for the thread being switched
	// away from when a new context is entered for the first time.
	EnterCurrent(from *Thread)

	// LeaveOnFirstSwitch releases the scheduling lock acquired before
	// the first transfer into a fresh context, restoring the given
	// interrupt state.
	LeaveOnFirstSwitch(state arch.InterruptsState)

	// PrepareAfterExec rebuilds scheduling state after a thread's
	// context has been replaced wholesale.
	PrepareAfterExec()
}

// MemoryManager resolves page faults. The processor never inspects
// mappings itself; it hands every fault descriptor here and carries out
// the verdict.
type MemoryManager interface {
	HandlePageFault(fault PageFault) PageFaultResponse
}
