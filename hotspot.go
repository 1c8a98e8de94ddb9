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

// hotspotSegmapSteps bounds the segmap tag-chain walk used to locate a
// CodeBlob, per §4.4/§9 ("segmap iterations=12").
const hotspotSegmapSteps = 12

// hotspotBreadcrumbFixupBytes is the SP adjustment (SP += 16) of the
// 64-bit ARM "breadcrumb fixup" (§4.4). hotspotProgram does not apply
// that fixup, and nothing reads this constant.
const hotspotBreadcrumbFixupBytes = 16

// hotspotEpilogueMaxFrameSizeARM64 is the boundary named in the Open
// Questions (§9): epilogue handling is defined only below this frame
// size on 64-bit ARM. Larger frames are an explicitly undecided case;
// this port refuses to guess and counts them instead.
const hotspotEpilogueMaxFrameSizeARM64 = 528

// hotspotBlobKind is the first-4-bytes dispatch the source performs on
// a CodeBlob's name string.
type hotspotBlobKind uint8

const (
	hotspotBlobNmethod hotspotBlobKind = iota
	hotspotBlobNativeNmethod
	hotspotBlobInterpreter
	hotspotBlobVtableChunks
	hotspotBlobStub
	hotspotBlobUnknown
)

func classifyHotSpotBlob(nameTag uint32) hotspotBlobKind {
	switch nameTag {
	// nameTag is read little-endian, so each case is the string's
	// first four bytes in reverse order.
	case 0x74656d6e: // "nmet" (nmethod)
		return hotspotBlobNmethod
	case 0x6974616e: // "nati" (native_nmethod)
		return hotspotBlobNativeNmethod
	case 0x65746e49: // "Inte" (Interpreter)
		return hotspotBlobInterpreter
	case 0x6c627476: // "vtbl" (vtable_chunks)
		return hotspotBlobVtableChunks
	case 0x62757473: // "stub"
		return hotspotBlobStub
	default:
		return hotspotBlobUnknown
	}
}

// hotspotProgram is the C4 HotSpot unwinder. It locates the CodeBlob
// covering PC via the JVM's segmap tag-chain, overreads its header into
// a scratch buffer, then dispatches on blob kind to choose an unwind
// action. Budget: 4 frames per call.
type hotspotProgram struct {
	procs   *ProcessTable
	arch    Arch
	budget  int
	metrics *Metrics
}

func (p *hotspotProgram) Name() string { return "hotspot" }

func (p *hotspotProgram) Run(s *Scratch, rt *Runtime) Step {
	intro := p.procs.Get(s.PID)
	if intro == nil || intro.HotSpot == nil {
		s.SetError(MetricUnwindErrBadFramePointer)
		return StepTerminate
	}
	hs := intro.HotSpot

	if !s.HotSpot.started {
		s.HotSpot.started = true
		s.HotSpot.fp = s.Native.fp
		s.HotSpot.pc = s.Native.pc
	}

	for i := 0; i < p.budget; i++ {
		blob, ok := p.findCodeBlob(rt, s.PID, hs, s.HotSpot.pc)
		if !ok {
			s.SetError(MetricUnwindNativeErrWrongTextSection)
			return StepTerminate
		}

		switch classifyHotSpotBlob(blob.nameTag) {
		case hotspotBlobNmethod, hotspotBlobNativeNmethod:
			if !p.stepNmethod(s, rt, hs, blob) {
				return StepTerminate
			}
		case hotspotBlobInterpreter:
			if !p.stepInterpreter(s, rt, hs, blob) {
				return StepTerminate
			}
		case hotspotBlobVtableChunks:
			if !p.stepVtable(s, rt, blob) {
				return StepTerminate
			}
		case hotspotBlobStub:
			if !p.stepStub(s, rt, blob) {
				return StepTerminate
			}
		default:
			s.SetError(MetricUnwindNativeErrWrongTextSection)
			return StepTerminate
		}
	}
	return StepContinueSelf
}

// hotspotBlob is the overread CodeBlob header, fields copied out of
// target memory into host memory once per frame.
type hotspotBlob struct {
	addr          ptr
	nameTag       uint32
	frameSize     uint32
	frameComplete uint32
	deoptHandler  ptr
	origPCOffset  int32
	compileID     uint32
}

// findCodeBlob walks the segmap tag-chain from pc's segment index
// toward lower segments, bounded to hotspotSegmapSteps, per §4.4's
// "tag-backed chain, ≤12 steps, 0/0xFF terminators".
func (p *hotspotProgram) findCodeBlob(rt *Runtime, pid uint32, hs *HotSpotIntrospection, pc ptr) (hotspotBlob, bool) {
	if pc < hs.CodeCacheLo.wide() || pc >= hs.CodeCacheHi.wide() {
		return hotspotBlob{}, false
	}
	segIndex := uint64(pc-hs.CodeCacheLo.wide()) >> hs.SegmapShift

	var blobSeg uint64
	found := false
	for step := 0; step < hotspotSegmapSteps; step++ {
		tag, ok := derefUint32(rt, pid, hs.SegmapAddr+ptr32(segIndex-uint64(step)))
		if !ok {
			return hotspotBlob{}, false
		}
		if tag == 0 {
			blobSeg = segIndex - uint64(step)
			found = true
			break
		}
		if tag == 0xFF {
			return hotspotBlob{}, false
		}
	}
	if !found {
		return hotspotBlob{}, false
	}

	blobAddr := hs.CodeCacheLo.wide() + ptr(blobSeg<<hs.SegmapShift)
	nameTag, _ := derefUint32(rt, pid, ptr32(blobAddr)+ptr32(hs.PadNameInBlob))
	frameSize, _ := derefUint32(rt, pid, ptr32(blobAddr)+ptr32(hs.PadFrameSizeInBlob))
	frameComplete, _ := derefUint32(rt, pid, ptr32(blobAddr)+ptr32(hs.PadFrameCompleteInBlob))
	deopt, _ := derefPtr32(rt, pid, ptr32(blobAddr)+ptr32(hs.PadDeoptHandlerInBlob))
	origOff, _ := derefInt32(rt, pid, ptr32(blobAddr)+ptr32(hs.PadOrigPCOffsetInBlob))
	compileID, _ := derefUint32(rt, pid, ptr32(blobAddr)+ptr32(hs.PadCompileIdInBlob))

	return hotspotBlob{
		addr:          blobAddr,
		nameTag:       nameTag,
		frameSize:     frameSize,
		frameComplete: frameComplete,
		deoptHandler:  deopt.wide(),
		origPCOffset:  origOff,
		compileID:     compileID,
	}, true
}

// push records a compiled/vtable/stub frame: File is the CodeBlob's own
// address (unlike interpreter frames, which use the Method* instead).
func (p *hotspotProgram) push(s *Scratch, blob hotspotBlob, sub HotSpotSubkind, mid, low uint32) bool {
	if !s.PushFrame(Frame{File: FileID(blob.addr), Line: EncodeHotSpotLine(sub, mid, low), Kind: KindHotSpot}) {
		s.SetError(MetricUnwindErrStackLengthExceeded)
		return false
	}
	return true
}

// stepNmethod implements the nmethod/native_nmethod dispatch: deopt
// detection, prologue/epilogue detection, and the chosen unwind action.
func (p *hotspotProgram) stepNmethod(s *Scratch, rt *Runtime, hs *HotSpotIntrospection, blob hotspotBlob) bool {
	pc := s.HotSpot.pc

	if blob.deoptHandler != 0 && pc == blob.deoptHandler {
		v, ok := deref64At(rt, s.PID, s.HotSpot.fp+ptr(blob.origPCOffset))
		if !ok || ptr(v) < hs.CodeCacheLo.wide() || ptr(v) >= hs.CodeCacheHi.wide() {
			s.SetError(MetricUnwindErrPCRead)
			return false
		}
		pc = ptr(v)
	}

	// pc_delta and compile_id are carried as the NATIVE frame's
	// mid/ptr_check cookie (§6), computed from this frame's own
	// (deopt-corrected) pc before the caller is unwound below.
	pcDelta := uint32(pc - blob.addr)
	if !p.push(s, blob, HotSpotCompiled, pcDelta, blob.compileID) {
		return false
	}

	switch {
	case uint64(pc-blob.addr) < uint64(blob.frameComplete):
		// Prologue: PC-only unwind, nothing to recover yet.
		if p.arch == ArchAMD64 {
			v, ok := deref64At(rt, s.PID, s.Native.sp)
			if !ok {
				s.SetError(MetricUnwindErrPCRead)
				return false
			}
			s.HotSpot.pc = ptr(v)
			return true
		}
		if s.Native.lr == 0 {
			s.SetError(MetricUnwindErrLRRequired)
			return false
		}
		s.HotSpot.pc = normalizeCodePointer(p.arch, s.Native.lr)
		return true
	case p.detectEpilogue(s, rt, blob):
		if p.arch == ArchARM64 && blob.frameSize >= hotspotEpilogueMaxFrameSizeARM64 {
			p.metrics.Inc(MetricHotSpotEpilogueUnsupported)
			return false
		}
		return p.unwindFPBased(s, rt, blob)
	default:
		return p.unwindFullFrame(s, rt, blob)
	}
}

func (p *hotspotProgram) detectEpilogue(s *Scratch, rt *Runtime, blob hotspotBlob) bool {
	// ARM64 epilogue: look for an `ldp fp,lr,[sp,#imm]` word within a
	// 6-instruction look-back window. The `add sp,sp,N` that follows it
	// in a full epilogue is not checked. x86-64 has no equivalent fixed
	// pattern here and is treated as full-frame instead.
	if p.arch != ArchARM64 {
		return false
	}
	const lookBack = 6 * 4
	for off := 0; off < lookBack; off += 4 {
		word, ok := derefUint32(rt, s.PID, ptr32(s.HotSpot.pc)-ptr32(off))
		if !ok {
			continue
		}
		const ldpFpLrMask = 0xFFC07FFF
		const ldpFpLrMatch = 0xA9407BFD
		if word&ldpFpLrMask == ldpFpLrMatch {
			return true
		}
	}
	return false
}

func (p *hotspotProgram) unwindFPBased(s *Scratch, rt *Runtime, blob hotspotBlob) bool {
	v, ok := deref64At(rt, s.PID, s.HotSpot.fp)
	if !ok {
		s.SetError(MetricUnwindErrPCRead)
		return false
	}
	pc, ok := deref64At(rt, s.PID, s.HotSpot.fp+8)
	if !ok {
		s.SetError(MetricUnwindErrPCRead)
		return false
	}
	s.HotSpot.fp = ptr(v)
	s.HotSpot.pc = normalizeCodePointer(p.arch, ptr(pc))
	return true
}

func (p *hotspotProgram) unwindFullFrame(s *Scratch, rt *Runtime, blob hotspotBlob) bool {
	cfa := s.Native.sp + ptr(blob.frameSize)
	if p.arch == ArchAMD64 {
		// x86-64 allows up to 6 extra 8-byte slots of return-address
		// search, validated against the code cache bounds.
		intro := p.procs.Get(s.PID)
		if intro == nil || intro.HotSpot == nil {
			s.SetError(MetricUnwindErrBadFramePointer)
			return false
		}
		lo, hi := intro.HotSpot.CodeCacheLo.wide(), intro.HotSpot.CodeCacheHi.wide()
		for slot := 0; slot < 6; slot++ {
			v, ok := deref64At(rt, s.PID, cfa-8-ptr(slot*8))
			if ok && ptr(v) >= lo && ptr(v) < hi {
				s.HotSpot.pc = ptr(v)
				s.Native.sp = cfa
				return true
			}
		}
		s.SetError(MetricUnwindErrPCRead)
		return false
	}
	return p.unwindFPBased(s, rt, blob)
}

func (p *hotspotProgram) stepInterpreter(s *Scratch, rt *Runtime, hs *HotSpotIntrospection, blob hotspotBlob) bool {
	// Interpreter frames carry Method*/BCP relative to FP. BCI is
	// derived from the raw bcp heap pointer by subtracting the
	// ConstMethod's base-plus-header offset (§4.4: "BCI = BCP -
	// (cmethod + cmethod_size)"), not by masking the pointer.
	method, ok := derefPtr32(rt, s.PID, ptr32(s.HotSpot.fp))
	if !ok {
		s.SetError(MetricUnwindErrPCRead)
		return false
	}
	bcp, ok := derefPtr32(rt, s.PID, ptr32(s.HotSpot.fp)+4)
	if !ok {
		s.SetError(MetricUnwindErrPCRead)
		return false
	}
	cmethod, ok := derefPtr32(rt, s.PID, method+ptr32(hs.PadMethodConstMethod))
	if !ok {
		s.SetError(MetricUnwindErrPCRead)
		return false
	}

	bci := uint32(bcp)
	threshold := uint32(cmethod) + hs.ConstMethodSize
	if uint32(bcp) >= threshold {
		bci = uint32(bcp) - threshold
	}
	if bci > 0xFFFF {
		bci = 0xFFFF
	}
	ptrCheck := uint32(cmethod) >> 3

	if !s.PushFrame(Frame{File: FileID(method), Line: EncodeHotSpotLine(HotSpotInterpreted, bci, ptrCheck), Kind: KindHotSpot}) {
		s.SetError(MetricUnwindErrStackLengthExceeded)
		return false
	}
	return p.unwindFPBased(s, rt, blob)
}

func (p *hotspotProgram) stepVtable(s *Scratch, rt *Runtime, blob hotspotBlob) bool {
	if !p.push(s, blob, HotSpotVtable, 0, 0) {
		return false
	}
	if p.arch == ArchAMD64 {
		v, ok := deref64At(rt, s.PID, s.Native.sp)
		if !ok {
			s.SetError(MetricUnwindErrPCRead)
			return false
		}
		s.HotSpot.pc = ptr(v)
		return true
	}
	if s.Native.lr == 0 {
		s.SetError(MetricUnwindErrLRRequired)
		return false
	}
	s.HotSpot.pc = normalizeCodePointer(p.arch, s.Native.lr)
	return true
}

func (p *hotspotProgram) stepStub(s *Scratch, rt *Runtime, blob hotspotBlob) bool {
	if !p.push(s, blob, HotSpotStub, 0, 0) {
		return false
	}
	if blob.frameSize == 0 {
		return p.unwindFPBased(s, rt, blob)
	}
	return p.unwindFullFrame(s, rt, blob)
}
