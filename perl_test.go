//go:build amd64 || arm64

package kunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPerlProcess(t *testing.T, rt *Runtime, pid uint32) *FakeMemory {
	t.Helper()
	mem := NewFakeMemory()

	const (
		interpAddr ptr = 0x1000
		mainSI     ptr = 0x2000
		cxStack    ptr = 0x3000
		cxSize         = 0x20
		cop1       ptr = 0x4000
	)

	intro := &Introspection{Perl: &PerlIntrospection{
		CurInterpreterAddr: ptr32(interpAddr),
		PadMainStackInfo:   0x0,
		PadCurStackInfo:    0x8,
		PadSINext:          0x10,
		PadSICxIx:          0x18,
		PadSICxStack:       0x1C,
		ContextSize:        cxSize,
		PadCxType:          0x0,
		PadCxSubRetOp:      0x4,
		PadCxCOP:           0x8,
	}}
	rt.Processes().Install(pid, intro)

	mem.WritePtr32(interpAddr, ptr32(mainSI))      // main_stack
	mem.WritePtr32(interpAddr+0x8, ptr32(mainSI))  // curstackinfo == main: single stackinfo
	mem.WriteU32(mainSI+0x18, 0)                   // si_cxix = 0: one valid context
	mem.WritePtr32(mainSI+0x1C, ptr32(cxStack))

	mem.WriteU32(cxStack+0x0, perlCxTypeSub)
	mem.WriteU32(cxStack+0x4, 0x1234) // sub_retop != 0
	mem.WritePtr32(cxStack+0x8, ptr32(cop1))

	rt.SetMemory(pid, mem)
	rt.Trie().InstallMapping(pid, 0x400000, 0x1000, MappingEntry{File: 0xDD, Bias: 0x400000, Program: ProgPerl})
	return mem
}

func TestPerlUnwinderReportsCOPPointerForSubContext(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	const pid = uint32(1)
	buildPerlProcess(t, rt, pid)

	s := &Scratch{}
	s.Reset(pid)
	prog := rt.programs[ProgPerl].(*perlProgram)
	step := prog.Run(s, rt)

	require.Equal(t, StepTerminate, step, "single context + main stackinfo exhausts the chain")
	require.Equal(t, 1, s.FrameCount)
	assert.Equal(t, ptr32(0x4000), DecodePerlLine(s.Frames[0].Line))
}

func TestPerlUnwinderCToPerlBoundaryHandsOffOnZeroRetop(t *testing.T) {
	rt := NewRuntime(NewConfig(), ArchAMD64)
	const pid = uint32(2)
	mem := buildPerlProcess(t, rt, pid)
	mem.WriteU32(0x3000+0x4, 0) // sub_retop == 0: C->Perl boundary

	s := &Scratch{}
	s.Reset(pid)
	prog := rt.programs[ProgPerl].(*perlProgram)
	step := prog.Run(s, rt)

	assert.Equal(t, StepSwitchTo, step)
	assert.Equal(t, ProgNative, s.nextProgram)
	assert.Equal(t, 0, s.FrameCount)
}
