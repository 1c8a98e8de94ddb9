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
	"fmt"
	"net/http"
	"time"

	"github.com/google/pprof/profile"
)

// DumpProfile converts a batch of deduped traces into a *profile.Profile
// for debugging. It deliberately never attempts file/line resolution —
// that's userland symbolization's job and out of scope here (§1) — so
// every pprof Location carries only the opaque (file_id, kind) identity
// a Frame already has, the same way locationForCall built one
// profile.Location per (function, pc) pair without resolving source
// lines itself.
func DumpProfile(traces map[uint64]*TraceRecord, counts map[uint64]uint64, start time.Time, duration time.Duration) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
		},
		Sample:        make([]*profile.Sample, 0, len(traces)),
		TimeNanos:     start.UnixNano(),
		DurationNanos: int64(duration),
	}

	type locKey struct {
		file FileID
		kind Kind
	}
	locationID := uint64(1)
	functionID := uint64(1)
	locations := make(map[locKey]*profile.Location)
	functions := make(map[locKey]*profile.Function)

	for hash, rec := range traces {
		var locs []*profile.Location
		for _, fl := range rec.Lists {
			for i := 0; i < fl.Len; i++ {
				f := fl.Frames[i]
				key := locKey{f.File, f.Kind}
				loc, ok := locations[key]
				if !ok {
					fn, ok := functions[key]
					if !ok {
						fn = &profile.Function{
							ID:   functionID,
							Name: fmt.Sprintf("%s:%#x", f.Kind, uint64(f.File)),
						}
						functionID++
						functions[key] = fn
					}
					loc = &profile.Location{
						ID:      locationID,
						Address: uint64(f.File),
						Line:    []profile.Line{{Function: fn}},
					}
					locationID++
					locations[key] = loc
				}
				locs = append(locs, loc)
			}
		}

		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{int64(counts[hash])},
			Label:    map[string][]string{"pid": {fmt.Sprintf("%d", rec.PID)}},
		})
	}

	prof.Location = make([]*profile.Location, 0, len(locations))
	for _, loc := range locations {
		prof.Location = append(prof.Location, loc)
	}
	prof.Function = make([]*profile.Function, 0, len(functions))
	for _, fn := range functions {
		prof.Function = append(prof.Function, fn)
	}

	return prof
}

// DebugHandler serves a pprof-format dump of whatever traces Deduper
// currently holds in flight, mirroring cpu.go's http.Handler-based debug
// endpoint pattern.
func DebugHandler(rt *Runtime) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.dedup.mu.RLock()
		traces := make(map[uint64]*TraceRecord, len(rt.dedup.hashToTrace))
		for h, rec := range rt.dedup.hashToTrace {
			traces[h] = rec
		}
		rt.dedup.mu.RUnlock()

		counts := make(map[uint64]uint64, len(traces))
		for h := range traces {
			counts[h] = rt.dedup.Count(h)
		}

		prof := DumpProfile(traces, counts, time.Now(), 0)
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := prof.Write(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
