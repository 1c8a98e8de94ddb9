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

// pythonProgram is the C4 Python unwinder. It walks CPython's
// `_PyInterpreterFrame` linked list (frame -> previous) one call at a
// time, pushing a (code object, encoded line) Frame per VM frame.
//
// The per-PID PythonIntrospection record is userland's resolved view of
// the target: TLSKeyAddr is already the address of a pointer-to-pointer
// that, dereferenced once, yields the current thread's PyThreadState
// (userland having already done the glibc TLS-layout indirection this
// spec's dispatcher notes describe) and PadFrameInThreadState leads
// straight to the current frame, collapsing the cframe indirection the
// upstream CPython struct actually has one level of. Both
// simplifications are recorded in the design ledger.
type pythonProgram struct {
	procs  *ProcessTable
	trie   *Trie
	budget int
}

func (p *pythonProgram) Name() string { return "python" }

func (p *pythonProgram) Run(s *Scratch, rt *Runtime) Step {
	intro := p.procs.Get(s.PID)
	if intro == nil || intro.Python == nil {
		s.SetError(MetricUnwindErrBadFramePointer)
		return StepTerminate
	}
	py := intro.Python

	if !s.Python.started {
		s.Python.started = true
		tstatePtr, ok := derefPtr32(rt, s.PID, py.TLSKeyAddr)
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		currentTstate, ok := derefPtr32(rt, s.PID, py.PyRuntimeAddr+ptr32(py.PadTstateCurrentInRT))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		s.PythonGILHeld = tstatePtr != 0 && tstatePtr == currentTstate

		framep, ok := derefPtr32(rt, s.PID, tstatePtr+ptr32(py.PadFrameInThreadState))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		s.Python.framep = framep
	}

	for i := 0; i < p.budget; i++ {
		if s.Python.framep == 0 {
			return p.handoff(s)
		}

		codep, ok := derefPtr32(rt, s.PID, s.Python.framep+ptr32(py.PadCodeInFrame))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		fLasti, ok := derefInt32(rt, s.PID, s.Python.framep+ptr32(py.PadLastiInFrame))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}

		codeHash, ok := p.hashCodeObject(rt, s.PID, codep, py)
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}

		if !s.PushFrame(Frame{
			File: FileID(codep),
			Line: EncodePythonLine(codeHash, fLasti),
			Kind: KindPython,
		}) {
			s.SetError(MetricUnwindErrStackLengthExceeded)
			return StepTerminate
		}

		prev, ok := derefPtr32(rt, s.PID, s.Python.framep+ptr32(py.PadPreviousInFrame))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		if prev == s.Python.framep {
			// malformed chain: a frame pointing at itself.
			s.Python.framep = 0
			return StepTerminate
		}
		s.Python.framep = prev
	}
	return StepContinueSelf
}

// handoff is reached once f_back is null: the Python loop terminates
// "exactly after pushing the frame" (§8 boundary behavior) and the
// trampoline switches to the native unwinder, which resumes from the
// register state still held in Scratch.Native.
func (p *pythonProgram) handoff(s *Scratch) Step {
	s.nextProgram = ProgNative
	return StepSwitchTo
}

// hashCodeObject computes codeobject_hash = Murmur3_32(co_firstlineno) +
// Murmur3_32(co_flags) + Murmur3_32(co_argcount) +
// Murmur3_32(co_kwonlyargcount), per §4.4: each field is finalized on
// its own and the four results are summed, not xor'd together before a
// single finalization pass.
func (p *pythonProgram) hashCodeObject(rt *Runtime, pid uint32, codep ptr32, py *PythonIntrospection) (uint32, bool) {
	firstlineno, ok := derefUint32(rt, pid, codep+ptr32(py.PadFirstlinenoInCode))
	if !ok {
		return 0, false
	}
	flags, ok := derefUint32(rt, pid, codep+ptr32(py.PadFlagsInCode))
	if !ok {
		return 0, false
	}
	argcount, ok := derefUint32(rt, pid, codep+ptr32(py.PadArgcountInCode))
	if !ok {
		return 0, false
	}
	kwonlyargcount, ok := derefUint32(rt, pid, codep+ptr32(py.PadKwonlyargcountInCode))
	if !ok {
		return 0, false
	}
	return murmur3_32(firstlineno) + murmur3_32(flags) + murmur3_32(argcount) + murmur3_32(kwonlyargcount), true
}

// derefPtr32, derefInt32, derefUint32 read a 32-bit value out of pid's
// memory through the Runtime's registered vmem, used by every
// interpreter unwinder instead of the generic deref[T] helper since
// those operate against a live vmem handle rather than a Runtime.
func derefPtr32(rt *Runtime, pid uint32, addr ptr32) (ptr32, bool) {
	b, ok := rt.readMemory(pid, addr.wide(), 4)
	if !ok {
		return 0, false
	}
	return ptr32(b[0]) | ptr32(b[1])<<8 | ptr32(b[2])<<16 | ptr32(b[3])<<24, true
}

func derefInt32(rt *Runtime, pid uint32, addr ptr32) (int32, bool) {
	v, ok := derefUint32(rt, pid, addr)
	return int32(v), ok
}

func derefUint32(rt *Runtime, pid uint32, addr ptr32) (uint32, bool) {
	b, ok := rt.readMemory(pid, addr.wide(), 4)
	if !ok {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

func deref64At(rt *Runtime, pid uint32, addr ptr) (uint64, bool) {
	b, ok := rt.readMemory(pid, addr, 8)
	if !ok {
		return 0, false
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, true
}
