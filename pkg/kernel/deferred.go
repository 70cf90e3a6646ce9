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

// deferredCallPoolSize fixes the per-processor preallocated entry
// count. Bursts beyond it fall back to heap allocation.
const deferredCallPoolSize = 8

// deferredCall is one queued deferral. Entries are pushed LIFO and the
// queue is reversed at drain time so handlers run in submission order.
type deferredCall struct {
	handler func()
	next    *deferredCall
	pooled  bool
}

func (p *Processor) initDeferredPool() {
	for i := range p.deferredPool {
		e := &p.deferredPool[i]
		e.pooled = true
		e.next = p.deferredFree
		p.deferredFree = e
	}
}

func (p *Processor) allocDeferredCall() *deferredCall {
	if e := p.deferredFree; e != nil {
		p.deferredFree = e.next
		e.next = nil
		return e
	}
	return &deferredCall{}
}

func (p *Processor) freeDeferredCall(e *deferredCall) {
	e.handler = nil
	if !e.pooled {
		return
	}
	e.next = p.deferredFree
	p.deferredFree = e
}

// DeferCall queues fn to run at the next trap exit on this processor.
// Safe to call from interrupt handlers; the enqueue happens under a
// critical section.
func (p *Processor) DeferCall(fn func()) {
	p.EnterCritical()
	e := p.allocDeferredCall()
	e.handler = fn
	e.next = p.deferredQueue
	p.deferredQueue = e
	p.LeaveCritical()
}

// DeferredCallsPending reports whether any deferrals are queued.
func (p *Processor) DeferredCallsPending() bool {
	return p.deferredQueue != nil
}

// drainDeferredCalls runs every queued deferral exactly once, in the
// order it was submitted. Handlers queued by a running handler are
// picked up by the same drain.
func (p *Processor) drainDeferredCalls() {
	for p.deferredQueue != nil {
		head := p.deferredQueue
		p.deferredQueue = nil

		var fifo *deferredCall
		for head != nil {
			next := head.next
			head.next = fifo
			fifo = head
			head = next
		}
		for fifo != nil {
			next := fifo.next
			fn := fifo.handler
			p.freeDeferredCall(fifo)
			fn()
			fifo = next
		}
	}
}
