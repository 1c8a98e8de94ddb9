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

// Perl context types the unwinder recognizes; values match the low bits
// of a PERL_CONTEXT's cx_type field the source distinguishes SUB/FORMAT
// contexts by.
const (
	perlCxTypeSub    = 1
	perlCxTypeFormat = 2
)

// perlContextUnloaded marks that s.Perl.context hasn't been read from
// si_cxix for the current stackinfo yet, distinct from -1 meaning
// "walked every context of this stackinfo down to and including index
// 0". Without the distinction a stackinfo whose si_cxix is 0 (exactly
// one valid context) would reload the same index forever instead of
// advancing to si_next once that single context is processed.
const perlContextUnloaded = -2

// perlProgram is the C4 Perl unwinder: it walks the context stack of
// the current stackinfo, reporting the deepest COP seen at a SUB or
// FORMAT context, then follows si_next across stackinfos until the
// main one.
type perlProgram struct {
	procs  *ProcessTable
	trie   *Trie
	budget int
}

func (p *perlProgram) Name() string { return "perl" }

func (p *perlProgram) Run(s *Scratch, rt *Runtime) Step {
	intro := p.procs.Get(s.PID)
	if intro == nil || intro.Perl == nil {
		s.SetError(MetricUnwindErrBadFramePointer)
		return StepTerminate
	}
	pl := intro.Perl

	if !s.Perl.started {
		s.Perl.started = true
		si, ok := derefPtr32(rt, s.PID, pl.CurInterpreterAddr+ptr32(pl.PadCurStackInfo))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		s.Perl.stackinfo = si
		s.Perl.context = perlContextUnloaded
	}

	mainSI, _ := derefPtr32(rt, s.PID, pl.CurInterpreterAddr+ptr32(pl.PadMainStackInfo))

	for i := 0; i < p.budget; i++ {
		if s.Perl.stackinfo == 0 {
			return StepTerminate
		}

		if s.Perl.context == perlContextUnloaded {
			cxix, ok := derefInt32(rt, s.PID, s.Perl.stackinfo+ptr32(pl.PadSICxIx))
			if !ok {
				s.SetError(MetricUnwindErrPCRead)
				return StepTerminate
			}
			s.Perl.context = cxix
		}

		if s.Perl.context < 0 {
			// Exhausted this stackinfo's context array: move to the
			// next one, stopping at MAIN.
			if s.Perl.stackinfo == mainSI {
				return StepTerminate
			}
			next, ok := derefPtr32(rt, s.PID, s.Perl.stackinfo+ptr32(pl.PadSINext))
			if !ok {
				s.SetError(MetricUnwindErrPCRead)
				return StepTerminate
			}
			s.Perl.stackinfo = next
			s.Perl.context = perlContextUnloaded
			continue
		}

		cxBase, ok := derefPtr32(rt, s.PID, s.Perl.stackinfo+ptr32(pl.PadSICxStack))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		cx := cxBase + ptr32(s.Perl.context)*ptr32(pl.ContextSize)

		cxType, ok := derefUint32(rt, s.PID, cx+ptr32(pl.PadCxType))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}

		if cxType == perlCxTypeSub || cxType == perlCxTypeFormat {
			retop, ok := derefUint32(rt, s.PID, cx+ptr32(pl.PadCxSubRetOp))
			if !ok {
				s.SetError(MetricUnwindErrPCRead)
				return StepTerminate
			}
			if retop == 0 {
				// C->Perl boundary: yield to native.
				s.nextProgram = ProgNative
				return StepSwitchTo
			}

			cop, ok := derefPtr32(rt, s.PID, cx+ptr32(pl.PadCxCOP))
			if !ok {
				s.SetError(MetricUnwindErrPCRead)
				return StepTerminate
			}
			kind := KindPerl
			var file FileID
			if cxType == perlCxTypeFormat {
				file = FileID(cxBase) // EGV pointer stand-in; 0 for main
			}
			if !s.PushFrame(Frame{File: file, Line: EncodePerlLine(cop), Kind: kind}) {
				s.SetError(MetricUnwindErrStackLengthExceeded)
				return StepTerminate
			}
		}

		s.Perl.context--
	}
	return StepContinueSelf
}
