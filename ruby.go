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

// rubyVMMajorWithNativeBoundary is the first Ruby VM major version whose
// C->Ruby boundary frames (pc==0 || iseq==NULL) hand off to the native
// unwinder instead of being silently skipped. Only the major version is
// compared, so every 2.x VM hands off, including those before 2.6.
const rubyVMMajorWithNativeBoundary = 2

// rubyProgram is the C4 Ruby unwinder. It walks control-frame structs
// from the current frame toward the base of the VM stack.
type rubyProgram struct {
	procs  *ProcessTable
	trie   *Trie
	budget int
}

func (p *rubyProgram) Name() string { return "ruby" }

func (p *rubyProgram) Run(s *Scratch, rt *Runtime) Step {
	intro := p.procs.Get(s.PID)
	if intro == nil || intro.Ruby == nil {
		s.SetError(MetricUnwindErrBadFramePointer)
		return StepTerminate
	}
	rb := intro.Ruby

	if !s.Ruby.started {
		s.Ruby.started = true
		ecAddr := rb.CurrentECAddr
		if rb.VMMajorVersion >= 3 && rb.MainRactorAddr != 0 {
			// Ruby >= 3 keeps the current execution context behind the
			// main ractor rather than a plain global.
			indirect, ok := derefPtr32(rt, s.PID, rb.MainRactorAddr)
			if !ok {
				s.SetError(MetricUnwindErrPCRead)
				return StepTerminate
			}
			ecAddr = indirect
		}
		cfp, ok := derefPtr32(rt, s.PID, ecAddr+ptr32(rb.PadCfpInEC))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		s.Ruby.cfp = cfp
	}

	for i := 0; i < p.budget; i++ {
		if s.Ruby.cfp == 0 {
			return StepTerminate
		}

		iseq, ok := derefPtr32(rt, s.PID, s.Ruby.cfp+ptr32(rb.PadIseqInCFP))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		// The control frame's pc field is a full VALUE* pointer into the
		// iseq's bytecode, not a 32-bit quantity: read it wide so the
		// wire Line field below carries the real address.
		pc, ok := deref64At(rt, s.PID, (s.Ruby.cfp+ptr32(rb.PadPCInCFP)).wide())
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}

		if iseq == 0 || pc == 0 {
			// C->Ruby boundary.
			if rb.VMMajorVersion >= rubyVMMajorWithNativeBoundary {
				s.nextProgram = ProgNative
				return StepSwitchTo
			}
			s.Ruby.cfp += ptr32(rb.ControlFrameSize)
			continue
		}

		if !s.PushFrame(Frame{
			File: FileID(iseq),
			Line: EncodeRubyLine(pc),
			Kind: KindRuby,
		}) {
			s.SetError(MetricUnwindErrStackLengthExceeded)
			return StepTerminate
		}

		next := s.Ruby.cfp + ptr32(rb.ControlFrameSize)
		if uint64(next) >= uint64(rb.StackSize)-2*uint64(rb.ControlFrameSize) {
			s.Ruby.cfp = 0
			return StepTerminate
		}
		s.Ruby.cfp = next
	}
	return StepContinueSelf
}
