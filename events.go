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

import "sync"

// EventType enumerates what travels over the bounded event channel (C7).
// Values match the wire ordering of the source this spec distills.
type EventType uint8

const (
	EventNewPID EventType = iota + 1
	EventExitPID
	EventTracesReady
	EventUnknownPC
)

func (e EventType) String() string {
	switch e {
	case EventNewPID:
		return "new_pid"
	case EventExitPID:
		return "exit_pid"
	case EventTracesReady:
		return "traces_ready"
	case EventUnknownPC:
		return "unknown_pc"
	default:
		return "unknown_event"
	}
}

// Event is the channel's payload. PID and Addr are only meaningful for
// the event types that carry them (NEW_PID/EXIT_PID carry PID, MUNMAP
// carries PID+Addr via MunmapEvent below); TRACES_READY and UNKNOWN_PC
// carry neither, they are pure triggers.
type Event struct {
	Type EventType
	PID  uint32
}

// MunmapEvent is emitted when Lifecycle's munmap probe pair observes a
// tracked mapping being torn down (§ C8).
type MunmapEvent struct {
	PID  uint32
	Addr uint64
}

// latchInhibited reports whether t is one of the two event types the
// source rate-limits by "already pending, don't requeue" rather than
// delivering unconditionally (§3: "UNKNOWN_PC and TRACES_READY are
// latch-inhibited: once raised they are not re-raised until the
// consumer clears the latch; NEW_PID, EXIT_PID and MUNMAP are always
// delivered").
func latchInhibited(t EventType) bool {
	return t == EventUnknownPC || t == EventTracesReady
}

// EventChannel is the bounded, drop-tolerant channel carrying lifecycle
// and sampling-side events to a consumer. It never blocks the caller:
// a full channel increments MetricEventRingFull and drops the event,
// mirroring a full BPF perf ring rather than backpressuring the
// unwinder (§9: "producers never block on delivery").
type EventChannel struct {
	mu      sync.Mutex
	latched map[EventType]bool
	ch      chan Event
	metrics *Metrics
}

func NewEventChannel(size int, metrics *Metrics) *EventChannel {
	return &EventChannel{
		latched: make(map[EventType]bool, 2),
		ch:      make(chan Event, size),
		metrics: metrics,
	}
}

// Send delivers ev, applying latch-inhibition for UNKNOWN_PC/TRACES_READY
// and dropping (with a metric bump) on a full channel.
func (c *EventChannel) Send(ev Event) {
	if latchInhibited(ev.Type) {
		c.mu.Lock()
		if c.latched[ev.Type] {
			c.mu.Unlock()
			return
		}
		c.latched[ev.Type] = true
		c.mu.Unlock()
	}

	select {
	case c.ch <- ev:
	default:
		c.metrics.Inc(MetricEventRingFull)
	}

	if ev.Type == EventUnknownPC {
		c.metrics.Inc(MetricNumUnknownPC)
	}
}

// Clear releases the latch for t, allowing it to be raised again. The
// consumer calls this once it has acted on a latched event (drained
// hash_to_trace for TRACES_READY, installed the missing mapping for
// UNKNOWN_PC).
func (c *EventChannel) Clear(t EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latched, t)
}

// Recv returns the channel for range-based or select-based consumption.
func (c *EventChannel) Recv() <-chan Event { return c.ch }

// Len reports the number of events currently queued, used by tests.
func (c *EventChannel) Len() int { return len(c.ch) }
