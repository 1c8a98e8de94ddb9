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

//go:build linux

package kunwind

import "sync"

// Lifecycle implements C8: the two probes that keep the Trie and
// ProcessTable from accumulating state for processes and mappings that
// no longer exist. A real deployment wires these to scheduler-exit and
// munmap tracepoints; here they are plain methods a caller (the
// process-lifecycle source of truth, whatever watches procfs or ptrace
// events) invokes directly.
type Lifecycle struct {
	trie    *Trie
	procs   *ProcessTable
	events  *EventChannel
	metrics *Metrics

	mu       sync.Mutex
	throttle map[uint32]struct{} // reported_pids: PIDs already NEW-reported this run
	munmap   chan MunmapEvent
}

func NewLifecycle(trie *Trie, procs *ProcessTable, events *EventChannel, metrics *Metrics) *Lifecycle {
	return &Lifecycle{
		trie:     trie,
		procs:    procs,
		events:   events,
		metrics:  metrics,
		throttle: make(map[uint32]struct{}),
	}
}

// NotePID marks pid as reported so a later sample for the same PID
// doesn't re-emit NEW_PID; the dispatcher calls this right after
// sending the event (§4.1's reported_pids throttle).
func (l *Lifecycle) NotePID(pid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.throttle[pid] = struct{}{}
}

// Reported reports whether pid has already been NEW-reported this run.
func (l *Lifecycle) Reported(pid uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.throttle[pid]
	return ok
}

// SchedulerExit is the thread-group-leader exit probe: when the exiting
// tid is also the pid (the process itself, not just one thread),
// drop every trace of it from the reported-pids throttle, the trie and
// the process table, then emit EXIT_PID (§ C8: "scheduler-exit probe...
// pid==tid leader exit").
func (l *Lifecycle) SchedulerExit(pid, tid uint32) {
	if pid != tid {
		return
	}
	if ProcessAlive(pid) {
		// Stale notification racing a /proc rescan: the leader is
		// still alive, don't tear down its state.
		return
	}

	l.mu.Lock()
	delete(l.throttle, pid)
	l.mu.Unlock()

	l.trie.RemovePID(pid)
	l.procs.Remove(pid)

	l.metrics.Inc(MetricNumProcExit)
	l.events.Send(Event{Type: EventExitPID, PID: pid})
}

// MunmapEnter checks, as pid is about to unmap [base, base+size),
// whether the Trie tracks any page of that range at all. Returning false
// here (no tracked mapping in that range) lets a caller skip the
// exit-time Trie mutation entirely.
func (l *Lifecycle) MunmapEnter(pid uint32, base, size uint64) bool {
	for p := pageOf(base); p < base+size; p += 1 << StackDeltaPageBits {
		if _, _, ok := l.trie.Lookup(pid, p); ok {
			return true
		}
	}
	return false
}

// MunmapExit is the matching exit probe: on a successful unmap (ret==0)
// of a range the Trie was tracking, it removes the mapping and emits
// MUNMAP. No state is kept between MunmapEnter and MunmapExit (nothing
// is keyed by pid_tgid); the caller passes the same pid, base and size
// to both.
func (l *Lifecycle) MunmapExit(pid uint32, base, size uint64, ret int64) {
	if ret != 0 {
		return
	}
	if l.trie.RemoveMapping(pid, base, size) {
		l.reportMunmap(pid, base)
	}
}

// reportMunmap is split out from MunmapExit because MunmapEvent carries
// an address, unlike the plain Event used for every other event type;
// a real consumer would select on a second channel or a tagged union,
// modeled here as a distinct method so callers can choose.
func (l *Lifecycle) reportMunmap(pid uint32, addr uint64) {
	select {
	case l.munmapCh() <- MunmapEvent{PID: pid, Addr: addr}:
	default:
		l.metrics.Inc(MetricEventRingFull)
	}
}

func (l *Lifecycle) munmapCh() chan MunmapEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.munmap == nil {
		l.munmap = make(chan MunmapEvent, 256)
	}
	return l.munmap
}

// Munmaps exposes the munmap event channel for consumers.
func (l *Lifecycle) Munmaps() <-chan MunmapEvent { return l.munmapCh() }
