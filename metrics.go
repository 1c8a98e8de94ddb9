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

import "sync/atomic"

// MetricID names one of the monotonic counters bumped on the hot path.
// Every error category in §7 ends by ticking exactly one of these; none
// of them ever panics or aborts a sample beyond the unwind step that hit
// them.
type MetricID int

const (
	MetricUnwindNativeErrWrongTextSection MetricID = iota
	MetricUnwindErrStackLengthExceeded
	MetricUnwindErrBadFramePointer
	MetricUnwindErrPCRead
	MetricUnwindErrLRRequired
	MetricErrEmptyStack
	MetricReportedPIDsErr
	MetricNumProcNew
	MetricNumProcExit
	MetricNumUnknownPC
	MetricNumTracesReported
	MetricNumTracesDeduped
	MetricKnownTracesHit
	MetricKnownTracesMiss
	MetricEventRingFull
	MetricDedupMapFull
	MetricHotSpotEpilogueUnsupported // frame_size >= 528 on arm64, see Open Questions
	metricCount
)

var metricNames = [metricCount]string{
	MetricUnwindNativeErrWrongTextSection: "unwind_native_err_wrong_text_section",
	MetricUnwindErrStackLengthExceeded:    "unwind_err_stack_length_exceeded",
	MetricUnwindErrBadFramePointer:        "unwind_err_bad_frame_pointer",
	MetricUnwindErrPCRead:                 "unwind_err_pc_read",
	MetricUnwindErrLRRequired:             "unwind_err_lr_required",
	MetricErrEmptyStack:                   "err_empty_stack",
	MetricReportedPIDsErr:                 "reported_pids_err",
	MetricNumProcNew:                      "num_proc_new",
	MetricNumProcExit:                     "num_proc_exit",
	MetricNumUnknownPC:                    "num_unknown_pc",
	MetricNumTracesReported:               "num_traces_reported",
	MetricNumTracesDeduped:                "num_traces_deduped",
	MetricKnownTracesHit:                  "known_traces_hit",
	MetricKnownTracesMiss:                 "known_traces_miss",
	MetricEventRingFull:                   "event_ring_full",
	MetricDedupMapFull:                    "dedup_map_full",
	MetricHotSpotEpilogueUnsupported:      "hotspot_epilogue_unsupported",
}

func (m MetricID) String() string {
	if m < 0 || m >= metricCount {
		return "unknown_metric"
	}
	return metricNames[m]
}

// Metrics is the counter array every component ticks into. It is safe
// for concurrent use by any number of CPUs/goroutines.
type Metrics struct {
	counters [metricCount]atomic.Uint64
}

func NewMetrics() *Metrics { return &Metrics{} }

// Inc bumps the counter for id by one.
func (m *Metrics) Inc(id MetricID) {
	if id < 0 || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// Get returns the current value of the counter for id.
func (m *Metrics) Get(id MetricID) uint64 {
	if id < 0 || id >= metricCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot returns a name->value map suitable for exposing over the
// debug HTTP endpoint.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, metricCount)
	for i := MetricID(0); i < metricCount; i++ {
		out[i.String()] = m.Get(i)
	}
	return out
}
