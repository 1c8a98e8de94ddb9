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

// V8's standard frame layout, relative to FP: [FP+0]=caller FP,
// [FP+8]=return PC. The context or frame marker (an SMI for non-JS
// frames), the JSFunction (a tagged HeapObject pointer) and the bytecode
// slots sit at per-build offsets from FP (V8Introspection.PadFP*).
const (
	v8FPCallerFPOffset = 0
)

// Tagged-pointer discriminators. Smi and HeapObject share the same low
// tag bit (0 vs 1) but a normal Smi's payload sits above bit 32
// (SmiValueShift), while the legacy stub frame marker is a Smi shifted
// only by the tag width (SmiTagShift) to let a push <imm32> encode it
// (§9: "express the Smi/HeapObject tag scheme as a sum type with
// explicit decoders").
const (
	v8SmiTag        = 0x0
	v8SmiTagMask    = 0x1
	v8SmiTagShift   = 1
	v8SmiValueShift = 32
	v8HeapObjectTag = 0x1
	v8HeapObjMask   = 0x3
)

// v8MaxStackSlotScan bounds the top-frame PC recovery scan to 3 slots
// per §4.4 ("scan up to three stack slots"), reading downward from SP
// (stk[2] is the highest address, stk[0] the lowest; the highest
// matching slot wins).
const v8MaxStackSlotScan = 3
const v8StackSlotStride = 8

// v8FrameWindow bounds how far FP may sit from SP for a frame to be
// considered valid (§4.4: "verify FP is within [SP, SP+8192)").
const v8FrameWindow = 8192

// v8Program is the C4 V8 unwinder. Frame walks proceed via FP only.
type v8Program struct {
	procs  *ProcessTable
	trie   *Trie
	budget int
}

func (p *v8Program) Name() string { return "v8" }

func (p *v8Program) Run(s *Scratch, rt *Runtime) Step {
	intro := p.procs.Get(s.PID)
	if intro == nil || intro.V8 == nil {
		s.SetError(MetricUnwindErrBadFramePointer)
		return StepTerminate
	}
	vi := intro.V8

	if !s.V8.started {
		s.V8.started = true
		s.V8.fp = s.Native.fp
	}

	for i := 0; i < p.budget; i++ {
		fp := s.V8.fp
		if fp == 0 {
			return StepTerminate
		}
		if fp < s.Native.sp || uint64(fp) >= uint64(s.Native.sp)+v8FrameWindow {
			s.SetError(MetricUnwindErrBadFramePointer)
			return StepTerminate
		}

		if !p.unwindOneFrame(s, rt, vi, fp, i == 0) {
			return StepTerminate
		}

		// Every V8 frame (JS, stub, or otherwise) carries a standard
		// [callerFP, returnPC] pair at its base: unwind via FP
		// unconditionally, independent of how the frame was classified
		// above.
		callerFP, ok := deref64At(rt, s.PID, fp+v8FPCallerFPOffset)
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		if ptr(callerFP) == fp {
			s.V8.fp = 0
			return StepTerminate
		}
		returnPC, ok := deref64At(rt, s.PID, fp+8)
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return StepTerminate
		}
		s.Native.sp = fp + 16
		s.V8.fp = ptr(callerFP)
		s.Native.pc = ptr(returnPC)
	}
	return StepContinueSelf
}

// unwindOneFrame ports unwind_one_v8_frame: it classifies the frame via
// the marker word at FP, resolves a JSFunction/Code object when
// present, and pushes exactly one Frame before the caller advances FP.
func (p *v8Program) unwindOneFrame(s *Scratch, rt *Runtime, vi *V8Introspection, fp ptr, top bool) bool {
	var jsfunc ptr
	var line uint64
	native := false

	marker, ok := deref64At(rt, s.PID, fp+ptr(vi.PadFPMarker))
	if !ok {
		s.SetError(MetricUnwindErrBadFramePointer)
		return false
	}

	if marker&v8SmiTagMask == v8SmiTag {
		// Pre-5.8.261 V8 encodes the stub frame marker as a Smi shifted
		// only by the tag width, not the full SmiValueShift.
		line = marker >> v8SmiTagShift
		return p.push(s, jsfunc, line, native)
	}

	jsfunc = v8ReadObjectPtr(rt, s.PID, fp+ptr(vi.PadFPFunction))
	if v8ReadObjectType(rt, s.PID, vi, jsfunc) != vi.TypeJSFunction {
		s.SetError(MetricUnwindErrBadFramePointer)
		return false
	}

	code := v8ReadObjectPtr(rt, s.PID, jsfunc+ptr(vi.PadJSFunctionCode))
	codeType := v8ReadObjectType(rt, s.PID, vi, code)
	if codeType != vi.TypeCode {
		// Unrecognized code representation: report the JSFunction with no
		// line information rather than failing the whole trace.
		return p.push(s, jsfunc, 0, native)
	}

	codeStart, ok := deref32At(rt, s.PID, code+ptr(vi.PadCodeInstructionStart))
	if !ok {
		s.SetError(MetricUnwindErrPCRead)
		return false
	}
	codeSize, ok := deref32At(rt, s.PID, code+ptr(vi.PadCodeInstructionSize))
	if !ok {
		s.SetError(MetricUnwindErrPCRead)
		return false
	}
	codeStartAddr := ptr(codeStart)
	codeEnd := codeStartAddr + ptr(codeSize)

	bytecodeArray := v8ReadObjectPtr(rt, s.PID, fp+ptr(vi.PadFPBytecodeArray))
	if v8ReadObjectType(rt, s.PID, vi, bytecodeArray) == vi.TypeBytecodeArray {
		// Bytecode is being used: the raw bytecode offset is a normal
		// SMI, shifted by the full SmiValueShift.
		offset, ok := v8ReadSMI(rt, s.PID, fp+ptr(vi.PadFPBytecodeOffset), 0)
		if !ok {
			offset = 0
		}
		return p.push(s, jsfunc, uint64(offset), native)
	}

	native = true
	pc := s.Native.pc
	if !(pc >= codeStartAddr && pc < codeEnd) {
		// PC landed outside the Code object's range, which is expected
		// only on the topmost frame while executing a callee's
		// prologue/epilogue: try to recover the real PC by scanning the
		// three stack slots immediately below SP.
		if top {
			recovered, found := v8ScanStackForPC(rt, s.PID, s.Native.sp, codeStartAddr, codeEnd)
			if !found {
				return p.push(s, jsfunc, 0, native)
			}
			pc = recovered
		} else {
			return p.push(s, jsfunc, 0, native)
		}
	}

	line = EncodeV8NativeLine(ptr(code), uint32(pc-codeStartAddr))
	return p.push(s, jsfunc, line, native)
}

func (p *v8Program) push(s *Scratch, jsfunc ptr, line uint64, native bool) bool {
	if !s.PushFrame(Frame{
		File: EncodeV8File(jsfunc, native),
		Line: line,
		Kind: KindV8,
	}) {
		s.SetError(MetricUnwindErrStackLengthExceeded)
		return false
	}
	return true
}

// v8ReadObjectPtr reads and tag-checks a V8 HeapObject pointer, per
// v8_read_object_ptr: a zero-valued or non-HeapObject-tagged word
// yields 0.
func v8ReadObjectPtr(rt *Runtime, pid uint32, addr ptr) ptr {
	if addr == 0 {
		return 0
	}
	v, ok := deref64At(rt, pid, addr)
	if !ok {
		return 0
	}
	if v&v8HeapObjMask != v8HeapObjectTag {
		return 0
	}
	return ptr(v &^ uint64(v8HeapObjMask))
}

// v8ReadSMI reads and tag-checks a normal (non-marker) V8 Smi, per
// v8_read_smi: the payload sits above SmiValueShift.
func v8ReadSMI(rt *Runtime, pid uint32, addr ptr, def int64) (int64, bool) {
	v, ok := deref64At(rt, pid, addr)
	if !ok {
		return def, false
	}
	if v&v8SmiTagMask != v8SmiTag {
		return def, false
	}
	return int64(v) >> v8SmiValueShift, true
}

// v8ReadObjectType reads a HeapObject's instance-type tag via its Map,
// per v8_read_object_type. Returns 0 (never a valid type) on any
// failure, matching the ground-truth's "zero on error" contract.
func v8ReadObjectType(rt *Runtime, pid uint32, vi *V8Introspection, addr ptr) uint16 {
	if addr == 0 {
		return 0
	}
	m := v8ReadObjectPtr(rt, pid, addr+ptr(vi.PadHeapObjectMap))
	if m == 0 {
		return 0
	}
	t, ok := rt.readMemory(pid, m+ptr(vi.PadMapInstanceType), 2)
	if !ok {
		return 0
	}
	return uint16(t[0]) | uint16(t[1])<<8
}

// v8ScanStackForPC recovers a top frame's real PC by scanning the
// three 8-byte slots immediately below SP, highest address first,
// returning the first one that falls inside [codeStart, codeEnd).
func v8ScanStackForPC(rt *Runtime, pid uint32, sp ptr, codeStart, codeEnd ptr) (ptr, bool) {
	base := sp - v8MaxStackSlotScan*v8StackSlotStride
	for slot := v8MaxStackSlotScan - 1; slot >= 0; slot-- {
		addr := base + ptr(slot*v8StackSlotStride)
		v, ok := deref64At(rt, pid, addr)
		if !ok {
			continue
		}
		if ptr(v) >= codeStart && ptr(v) < codeEnd {
			return ptr(v), true
		}
	}
	return 0, false
}

func deref32At(rt *Runtime, pid uint32, addr ptr) (uint32, bool) {
	b, ok := rt.readMemory(pid, addr, 4)
	if !ok {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}
