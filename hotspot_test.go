//go:build amd64 || arm64

package kunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildHotSpotProcess(t *testing.T, rt *Runtime, pid uint32) (*FakeMemory, *HotSpotIntrospection) {
	t.Helper()
	mem := NewFakeMemory()

	hs := &HotSpotIntrospection{
		SegmapAddr:             ptr32(0x500000),
		SegmapShift:            16,
		CodeCacheLo:            ptr32(0x1000000),
		CodeCacheHi:            ptr32(0x2000000),
		PadNameInBlob:          0x0,
		PadFrameSizeInBlob:     0x4,
		PadFrameCompleteInBlob: 0x8,
		PadDeoptHandlerInBlob:  0xC,
		PadOrigPCOffsetInBlob:  0x10,
		PadCompileIdInBlob:     0x14,
		PadMethodConstMethod:   0x0,
		ConstMethodSize:        0x40,
	}
	rt.Processes().Install(pid, &Introspection{HotSpot: hs})
	rt.SetMemory(pid, mem)
	rt.Trie().InstallMapping(pid, 0x400000, 0x1000, MappingEntry{File: 0xFF, Bias: 0x400000, Program: ProgHotSpot})
	return mem, hs
}

func TestHotSpotStepStubUnwindsViaFramePointer(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	const pid = uint32(1)
	mem, hs := buildHotSpotProcess(t, rt, pid)

	const (
		pc       ptr = 0x1020000 // segIndex = 0x20000>>16 = 2
		blobAddr     = pc
		fp       ptr = 0x7100
		callerFP ptr = 0x7200
		retPC    ptr = 0x1030000
	)

	mem.WriteU32(hs.SegmapAddr.wide()+2, 0) // tag==0: blob found at step 0

	mem.WriteU32(blobAddr+ptr(hs.PadNameInBlob), 0x62757473) // "stub"
	mem.WriteU32(blobAddr+ptr(hs.PadFrameSizeInBlob), 0)     // frameSize==0

	mem.WriteU64(fp, uint64(callerFP))
	mem.WriteU64(fp+8, uint64(retPC))

	s := &Scratch{}
	s.Reset(pid)
	s.Native.pc = pc
	s.Native.fp = fp

	prog := rt.programs[ProgHotSpot].(*hotspotProgram)
	prog.Run(s, rt)

	require.Equal(t, 1, s.FrameCount)
	assert.Equal(t, FileID(blobAddr), s.Frames[0].File)
	sub, mid, low := DecodeHotSpotLine(s.Frames[0].Line)
	assert.Equal(t, HotSpotStub, sub)
	assert.Equal(t, uint32(0), mid)
	assert.Equal(t, uint32(0), low)
	assert.Equal(t, callerFP, s.HotSpot.fp)
	assert.Equal(t, retPC, s.HotSpot.pc)
}

func TestHotSpotFindCodeBlobFailsOnSegmapTerminator(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	const pid = uint32(2)
	mem, hs := buildHotSpotProcess(t, rt, pid)

	const pc ptr = 0x1020000
	mem.WriteU32(hs.SegmapAddr.wide()+2, 0xFF) // terminator: no blob

	s := &Scratch{}
	s.Reset(pid)
	s.Native.pc = pc

	prog := rt.programs[ProgHotSpot].(*hotspotProgram)
	step := prog.Run(s, rt)

	assert.Equal(t, StepTerminate, step)
	assert.True(t, s.HasError)
	assert.Equal(t, 0, s.FrameCount)
}

func TestHotSpotEpilogueOnARM64PastFrameSizeBoundIsCounted(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchARM64)
	const pid = uint32(3)
	mem, hs := buildHotSpotProcess(t, rt, pid)

	const (
		pc       ptr = 0x1020000
		blobAddr     = pc
	)

	mem.WriteU32(hs.SegmapAddr.wide()+2, 0) // tag==0: blob found

	mem.WriteU32(blobAddr+ptr(hs.PadNameInBlob), 0x74656d6e)   // "nmet"
	mem.WriteU32(blobAddr+ptr(hs.PadFrameSizeInBlob), 528)     // at the ARM64 boundary
	mem.WriteU32(blobAddr+ptr(hs.PadFrameCompleteInBlob), 0)   // frameComplete=0: not in the prologue
	mem.WriteU32(blobAddr+ptr(hs.PadDeoptHandlerInBlob), 0)    // no deopt handler
	mem.WriteU32(blobAddr+ptr(hs.PadCompileIdInBlob), 0x2A)    // compile_id cookie

	// ARM64 epilogue pattern "ldp fp,lr,[sp,#N]" one instruction before
	// PC (PC itself holds the blob's name tag, since pc == blob.addr).
	mem.WriteU32(pc-4, 0xA9407BFD)

	before := rt.Metrics().Get(MetricHotSpotEpilogueUnsupported)

	s := &Scratch{}
	s.Reset(pid)
	s.Native.pc = pc

	prog := rt.programs[ProgHotSpot].(*hotspotProgram)
	step := prog.Run(s, rt)

	require.Equal(t, StepTerminate, step)
	require.Equal(t, 1, s.FrameCount, "the blob frame is pushed before the epilogue-size check")
	sub, mid, low := DecodeHotSpotLine(s.Frames[0].Line)
	assert.Equal(t, HotSpotCompiled, sub)
	assert.Equal(t, uint32(0), mid, "pc_delta is 0 when pc == blob.addr")
	assert.Equal(t, uint32(0x2A), low, "compile_id is carried as the NATIVE frame's ptr_check cookie")
	assert.Equal(t, before+1, rt.Metrics().Get(MetricHotSpotEpilogueUnsupported))
}

func TestHotSpotStepInterpreterComputesBCIFromConstMethod(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	const pid = uint32(4)
	mem, hs := buildHotSpotProcess(t, rt, pid)

	const (
		pc       ptr = 0x1020000
		blobAddr     = pc
		fp       ptr = 0x7100

		method  ptr32 = 0x2000
		cmethod ptr32 = 0x2100
		bcp     ptr32 = 0x2150 // >= cmethod+ConstMethodSize
	)

	mem.WriteU32(hs.SegmapAddr.wide()+2, 0) // tag==0: blob found at step 0
	mem.WriteU32(blobAddr+ptr(hs.PadNameInBlob), 0x65746e49) // "Inte"

	mem.WriteU32(method.wide(), uint32(cmethod))

	// The interpreter frame layout here packs method (fp+0..3) and bcp
	// (fp+4..7) into the same 8 bytes the generic FP-based unwind step
	// reads as [callerFP]; the caller FP that unwind produces is exactly
	// those two four-byte fields reinterpreted, and the return PC comes
	// from fp+8.
	mem.WriteU32(fp, uint32(method))
	mem.WriteU32(fp+4, uint32(bcp))
	mem.WriteU64(fp+8, 0x1030000)

	s := &Scratch{}
	s.Reset(pid)
	s.Native.pc = pc
	s.Native.fp = fp

	prog := rt.programs[ProgHotSpot].(*hotspotProgram)
	prog.Run(s, rt)

	require.Equal(t, 1, s.FrameCount)
	assert.Equal(t, FileID(method), s.Frames[0].File, "interpreter frames carry Method*, not the CodeBlob address")
	sub, bci, ptrCheck := DecodeHotSpotLine(s.Frames[0].Line)
	assert.Equal(t, HotSpotInterpreted, sub)
	assert.Equal(t, uint32(0x10), bci, "bci = bcp - (cmethod + cmethod_size)")
	assert.Equal(t, uint32(cmethod)>>3, ptrCheck)
}

func TestHotSpotStepVtableUnwindsViaSPOnAMD64(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	const pid = uint32(5)
	mem, hs := buildHotSpotProcess(t, rt, pid)

	const (
		pc       ptr = 0x1020000
		blobAddr     = pc
		sp       ptr = 0x7000
		retPC    ptr = 0x1040000
	)

	mem.WriteU32(hs.SegmapAddr.wide()+2, 0) // tag==0: blob found
	mem.WriteU32(blobAddr+ptr(hs.PadNameInBlob), 0x6c627476) // "vtbl"
	mem.WriteU64(sp, uint64(retPC))

	s := &Scratch{}
	s.Reset(pid)
	s.Native.pc = pc
	s.Native.sp = sp

	prog := rt.programs[ProgHotSpot].(*hotspotProgram)
	prog.Run(s, rt)

	require.Equal(t, 1, s.FrameCount)
	assert.Equal(t, FileID(blobAddr), s.Frames[0].File)
	sub, mid, low := DecodeHotSpotLine(s.Frames[0].Line)
	assert.Equal(t, HotSpotVtable, sub)
	assert.Equal(t, uint32(0), mid)
	assert.Equal(t, uint32(0), low)
	assert.Equal(t, retPC, s.HotSpot.pc)
}
