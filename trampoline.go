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

import "github.com/stealthrocket/kunwind/internal/logging"

// Step is the outcome of one bounded segment of unwinding work, modeling
// what a tail call would have done in the source environment (§9:
// "model each program as a coroutine step that returns (continue_self |
// switch_to_other | terminate)").
type Step int

const (
	// StepContinueSelf re-invokes the same program; it left its cursor
	// in Scratch ready to resume.
	StepContinueSelf Step = iota
	// StepSwitchTo hands off to Scratch.nextProgram, set by the step
	// that returned this value.
	StepSwitchTo
	// StepTerminate ends the chain; the terminal program (trace
	// hashing/dedup/reporting) runs next exactly once.
	StepTerminate
)

// unwindProgram is one segment of the unwind pipeline: native or one of
// the six interpreters. Each Run
// call does at most one program's per-invocation frame budget of work.
type unwindProgram interface {
	Name() string
	Run(s *Scratch, rt *Runtime) Step
}

// maxTailCalls bounds the trampoline loop itself, standing in for the
// kernel's own tail-call depth limit; it is deliberately generous
// relative to MaxFrameUnwinds/per-language budgets so it only ever
// triggers on a programming error, never on a legitimate deep stack.
const maxTailCalls = 256

// runTrampoline drives program, handling StepContinueSelf/StepSwitchTo
// until StepTerminate, then always finishes with the trace hasher (C6).
// This loop is the in-process stand-in for tail-call chaining (§5:
// "There is no suspension within a program; long-running logic is
// chopped into segments... that hand off via tail-calls").
func (rt *Runtime) runTrampoline(s *Scratch, start unwindProgram) {
	prog := start
	for i := 0; i < maxTailCalls; i++ {
		step := prog.Run(s, rt)
		switch step {
		case StepContinueSelf:
			continue
		case StepSwitchTo:
			prog = rt.programs[s.nextProgram]
			continue
		case StepTerminate:
			rt.finish(s)
			return
		}
	}
	logging.Warn("unwind trampoline exceeded max tail calls", "pid", s.PID)
	s.SetError(MetricUnwindErrStackLengthExceeded)
	rt.finish(s)
}
