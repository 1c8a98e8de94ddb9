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

// phpJITTypeInfoTop flags that an opline's type_info has the "TOP"
// marker set, the condition under which a JIT-compiled frame's return
// address needs rewriting back into the JIT buffer (§4.4 PHP).
const phpJITTypeInfoTop = 1 << 0

// phpProgram is the C4 PHP unwinder: it walks
// executor_globals.current_execute_data -> prev_execute_data, pushing a
// frame per zend_execute_data node.
type phpProgram struct {
	procs  *ProcessTable
	trie   *Trie
	budget int
}

func (p *phpProgram) Name() string { return "php" }

func (p *phpProgram) Run(s *Scratch, rt *Runtime) Step {
	intro := p.procs.Get(s.PID)
	if intro == nil || intro.PHP == nil {
		s.SetError(MetricUnwindErrBadFramePointer)
		return StepTerminate
	}
	php := intro.PHP

	if !s.PHP.started {
		s.PHP.started = true
		ed, ok := derefPtr32(rt, s.PID, php.ExecutorGlobalsAddr+ptr32(php.PadCurrentExecData))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		s.PHP.executeData = ed
	}

	for i := 0; i < p.budget; i++ {
		if s.PHP.executeData == 0 {
			return StepTerminate
		}

		zfunc, ok := derefPtr32(rt, s.PID, s.PHP.executeData+ptr32(php.PadFuncInExecData))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		opline, ok := derefPtr32(rt, s.PID, s.PHP.executeData+ptr32(php.PadOpline))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}

		var line, typeInfo uint32
		if opline != 0 {
			line, _ = derefUint32(rt, s.PID, opline+ptr32(php.PadOpcodeLine))
			typeInfo, _ = derefUint32(rt, s.PID, opline+ptr32(php.PadOpcodeTypeInfo))
		}

		kind := KindPHP
		if typeInfo&phpJITTypeInfoTop != 0 {
			kind = KindPHPJIT
		}

		if !s.PushFrame(Frame{
			File: FileID(zfunc),
			Line: EncodePHPLine(line, typeInfo),
			Kind: kind,
		}) {
			s.SetError(MetricUnwindErrStackLengthExceeded)
			return StepTerminate
		}

		if kind == KindPHPJIT && s.Native.pc >= php.JITBufferStart.wide() && s.Native.pc < php.JITBufferEnd.wide() {
			// Rewrite PC to the JIT return address and re-enter PC
			// resolution via the native program, matching "re-enter PC
			// resolution" in §4.4. Semantics for multiple concurrent
			// JIT regions per process are an open question (§9); this
			// always uses the single installed JITReturnAddr.
			s.Native.pc = php.JITReturnAddr.wide()
			s.nextProgram = ProgNative
			return StepSwitchTo
		}

		prev, ok := derefPtr32(rt, s.PID, s.PHP.executeData+ptr32(php.PadPrevExecData))
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		if prev == s.PHP.executeData {
			s.PHP.executeData = 0
			return StepTerminate
		}
		s.PHP.executeData = prev
	}
	return StepContinueSelf
}
