//go:build amd64 || arm64

package kunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPythonProcess wires a two-frame CPython call stack into mem,
// installs the matching introspection record, and points the trie at
// ProgPython for the whole text section so a sample lands directly in
// the Python unwinder.
func buildPythonProcess(t *testing.T, rt *Runtime, pid uint32) {
	t.Helper()
	mem := NewFakeMemory()

	const (
		runtimeAddr  ptr = 0x1000
		tlsKeyAddr   ptr = 0x2000
		tstateAddr   ptr = 0x3000
		frame1       ptr = 0x4000
		frame2       ptr = 0x5000
		code1        ptr = 0x6000
		code2        ptr = 0x7000
		currentInRT  ptr = 0x10
	)

	intro := &Introspection{Python: &PythonIntrospection{
		PyRuntimeAddr:          ptr32(runtimeAddr),
		TLSKeyAddr:             ptr32(tlsKeyAddr),
		PadTstateCurrentInRT:   uint32(currentInRT),
		PadFrameInThreadState:  0x8,
		PadPreviousInFrame:     0x10,
		PadCodeInFrame:         0x18,
		PadLastiInFrame:        0x20,
		PadFirstlinenoInCode:   0x0,
		PadFilenameInCode:      0x4,
		PadArgcountInCode:      0x8,
		PadKwonlyargcountInCode: 0xC,
		PadFlagsInCode:         0x10,
	}}
	rt.Processes().Install(pid, intro)

	// tlsKeyAddr dereferences straight to the current PyThreadState.
	mem.WritePtr32(tlsKeyAddr, ptr32(tstateAddr))
	// runtime.gilstate.tstate_current also points at it: GIL held.
	mem.WritePtr32(runtimeAddr+currentInRT, ptr32(tstateAddr))
	// thread state -> current frame (innermost first).
	mem.WritePtr32(tstateAddr+8, ptr32(frame2))

	// frame2 (innermost): code2, f_lasti=4, previous=frame1.
	mem.WritePtr32(frame2+0x18, ptr32(code2))
	mem.WriteU32(frame2+0x20, 4)
	mem.WritePtr32(frame2+0x10, ptr32(frame1))

	// frame1 (outermost): code1, f_lasti=0, previous=NULL.
	mem.WritePtr32(frame1+0x18, ptr32(code1))
	mem.WriteU32(frame1+0x20, 0)
	mem.WritePtr32(frame1+0x10, 0)

	for _, c := range []ptr{code1, code2} {
		mem.WriteU32(c+0x0, 10)  // firstlineno
		mem.WriteU32(c+0x8, 2)   // argcount
		mem.WriteU32(c+0xC, 0)   // kwonlyargcount
		mem.WriteU32(c+0x10, 0)  // flags
	}

	rt.SetMemory(pid, mem)
	rt.Trie().InstallMapping(pid, 0x400000, 0x1000, MappingEntry{
		File: 0xAA, Bias: 0x400000, Program: ProgPython,
	})
}

func TestPythonUnwinderSampleReportsOneTraceWithoutReadErrors(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	const pid = uint32(42)
	buildPythonProcess(t, rt, pid)

	rt.Sample(pid, Registers{PC: 0x400100}, -1)

	require.Equal(t, 1, rt.Dedup().KnownTraceCount())
	assert.Equal(t, uint64(0), rt.Metrics().Get(MetricUnwindErrPCRead))
}

func TestPythonUnwinderGILHeldDetection(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	const pid = uint32(43)
	buildPythonProcess(t, rt, pid)

	s := &Scratch{}
	s.Reset(pid)
	s.Native.pc = 0x400100

	prog := rt.programs[ProgPython].(*pythonProgram)
	prog.Run(s, rt)

	assert.True(t, s.PythonGILHeld)
	assert.Equal(t, 2, s.FrameCount, "both frames in the chain are pushed innermost-first")
	assert.Equal(t, FileID(0x6000), s.Frames[1].File, "outermost frame pushed last")
	assert.Equal(t, FileID(0x7000), s.Frames[0].File, "innermost frame pushed first")
}

func TestHashCodeObjectIsDeterministic(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	mem := NewFakeMemory()
	rt.SetMemory(1, mem)

	py := &PythonIntrospection{
		PadFirstlinenoInCode:    0x0,
		PadArgcountInCode:       0x8,
		PadKwonlyargcountInCode: 0xC,
		PadFlagsInCode:          0x10,
	}
	mem.WriteU32(0x100, 5)
	mem.WriteU32(0x108, 1)
	mem.WriteU32(0x10C, 0)
	mem.WriteU32(0x110, 0)

	prog := &pythonProgram{}
	h1, ok1 := prog.hashCodeObject(rt, 1, 0x100, py)
	h2, ok2 := prog.hashCodeObject(rt, 1, 0x100, py)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, h1, h2)
}
