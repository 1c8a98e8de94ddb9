//  Copyright 2023 Stealth Rocket, Inc.
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

package kunwind

import (
	"sync"

	"github.com/stealthrocket/kunwind/internal/logging"
)

// Runtime is the dispatcher (C5): it owns every shared index and map the
// unwind programs consult, and drives one sample from "interrupted at
// PC" through to a hashed, deduped, reported trace. One Runtime serves
// every CPU/goroutine sampling concurrently; its own state is either
// read-mostly (Trie, StackDeltaIndex, ProcessTable) or itself
// concurrency-safe (Deduper, EventChannel, Metrics).
type Runtime struct {
	cfg Config

	trie    *Trie
	deltas  *StackDeltaIndex
	procs   *ProcessTable
	dedup   *Deduper
	events  *EventChannel
	metrics *Metrics
	life    *Lifecycle

	programs map[Program]unwindProgram

	memMu sync.RWMutex
	mem   map[uint32]vmem

	scratchPool sync.Pool
}

// NewRuntime wires every shared component together: the lookup tables,
// the dedup store, the event channel, metrics, the lifecycle probes,
// and all seven unwind programs (native plus the six interpreters),
// each pointed at the same Trie/ProcessTable/Metrics instances.
func NewRuntime(cfg Config, arch Arch) *Runtime {
	metrics := NewMetrics()
	trie := NewTrie()
	deltas := NewStackDeltaIndex()
	procs := NewProcessTable()
	events := NewEventChannel(cfg.EventRingSize, metrics)
	dedup := NewDeduper(metrics)
	life := NewLifecycle(trie, procs, events, metrics)

	programs := map[Program]unwindProgram{
		ProgNative: &nativeProgram{arch: arch, deltas: deltas, trie: trie, budget: cfg.Budgets.Native},
		ProgPython: &pythonProgram{procs: procs, trie: trie, budget: cfg.Budgets.Python},
		ProgPHP:    &phpProgram{procs: procs, trie: trie, budget: cfg.Budgets.PHP},
		ProgRuby:   &rubyProgram{procs: procs, trie: trie, budget: cfg.Budgets.Ruby},
		ProgPerl:   &perlProgram{procs: procs, trie: trie, budget: cfg.Budgets.Perl},
		ProgV8:     &v8Program{procs: procs, trie: trie, budget: cfg.Budgets.V8},
		ProgHotSpot: &hotspotProgram{procs: procs, arch: arch, budget: cfg.Budgets.HotSpot, metrics: metrics},
	}

	rt := &Runtime{
		cfg:      cfg,
		trie:     trie,
		deltas:   deltas,
		procs:    procs,
		dedup:    dedup,
		events:   events,
		metrics:  metrics,
		life:     life,
		programs: programs,
		mem:      make(map[uint32]vmem),
	}
	rt.scratchPool.New = func() any { return new(Scratch) }
	return rt
}

func (rt *Runtime) Trie() *Trie                 { return rt.trie }
func (rt *Runtime) Deltas() *StackDeltaIndex     { return rt.deltas }
func (rt *Runtime) Processes() *ProcessTable     { return rt.procs }
func (rt *Runtime) Dedup() *Deduper              { return rt.dedup }
func (rt *Runtime) Events() *EventChannel        { return rt.events }
func (rt *Runtime) Metrics() *Metrics            { return rt.metrics }
func (rt *Runtime) Lifecycle() *Lifecycle        { return rt.life }

// SetMemory installs the vmem a pid's reads should go through. Callers
// own the lifetime of r (e.g. closing a ProcMemReader once the pid
// exits); Runtime never closes it.
func (rt *Runtime) SetMemory(pid uint32, r vmem) {
	rt.memMu.Lock()
	defer rt.memMu.Unlock()
	rt.mem[pid] = r
}

// ForgetMemory drops the vmem registered for pid.
func (rt *Runtime) ForgetMemory(pid uint32) {
	rt.memMu.Lock()
	defer rt.memMu.Unlock()
	delete(rt.mem, pid)
}

func (rt *Runtime) readMemory(pid uint32, addr ptr, size uint32) ([]byte, bool) {
	rt.memMu.RLock()
	r, ok := rt.mem[pid]
	rt.memMu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Read(addr, size)
}

// Sample runs the full pipeline for one interrupted PC (§4.1): new-PID
// detection, initial program resolution, the unwind trampoline, and
// (via runTrampoline -> finish) hashing, dedup and reporting. It never
// returns an error: every failure mode ends in a Metrics counter and a
// best-effort partial trace, matching "no condition aborts the whole
// profiler" (§7).
func (rt *Runtime) Sample(pid uint32, regs Registers, kernelStackID int64) {
	s := rt.scratchPool.Get().(*Scratch)
	defer rt.scratchPool.Put(s)
	s.Reset(pid)
	s.Regs = regs
	s.KernelStackID = kernelStackID
	s.Native.pc = regs.PC
	s.Native.sp = regs.SP
	s.Native.fp = regs.FP
	s.Native.lr = regs.LR

	if !rt.trie.HasMapping(pid) && !rt.life.Reported(pid) {
		rt.metrics.Inc(MetricNumProcNew)
		rt.events.Send(Event{Type: EventNewPID, PID: pid})
		rt.life.NotePID(pid)
	}

	entry, offset, ok := rt.trie.Lookup(pid, uint64(regs.PC))
	if !ok {
		rt.events.Send(Event{Type: EventUnknownPC, PID: pid})
		return
	}

	prog := rt.trie.ResolveProgram(pid, entry, offset)
	start, ok := rt.programs[prog]
	if !ok {
		logging.Warn("no unwind program registered", "program", prog, "pid", pid)
		return
	}

	rt.runTrampoline(s, start)
}

// finish is the terminal step of every trampoline run (C6): hash the
// accumulated frames, hand the result to the Deduper, and log the
// outcome. It runs exactly once per trampoline run regardless of which
// program terminated the chain or whether an error was recorded along
// the way (§7: partial traces are still hashed and reported). A Sample
// call whose PC does not resolve, or resolves to no registered program,
// returns before the trampoline and so never reaches finish.
func (rt *Runtime) finish(s *Scratch) {
	if s.FrameCount == 0 {
		rt.metrics.Inc(MetricErrEmptyStack)
		return
	}

	lists := s.FrameLists()
	hash := HashTrace(s.KernelStackID, lists, s.PID)

	rec := &TraceRecord{
		KernelStackID: s.KernelStackID,
		PID:           s.PID,
		Comm:          s.Comm,
		Lists:         lists,
	}

	result := rt.dedup.Observe(hash, rec, needsSymbolization(lists), rt.events)
	if !result.Reported {
		rt.metrics.Inc(MetricNumTracesDeduped)
	}

	if s.HasError {
		rt.metrics.Inc(s.PendingError)
		logging.Debug("trace finished with pending error",
			"pid", s.PID, "hash", hash, "error", s.PendingError)
	}
}
