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

import "sync"

// PythonIntrospection holds the virtual addresses and struct-field
// offsets the Python unwinder needs. Userland populates this after
// reading them out of the target's debug info; the unwinder only reads.
type PythonIntrospection struct {
	PyRuntimeAddr       ptr32
	TLSKeyAddr          ptr32
	PadTstateCurrentInRT uint32
	PadFrameInThreadState uint32
	PadPreviousInFrame   uint32
	PadCodeInFrame       uint32
	PadLastiInFrame      uint32
	PadFirstlinenoInCode uint32
	PadFilenameInCode    uint32
	PadArgcountInCode    uint32
	PadKwonlyargcountInCode uint32
	PadFlagsInCode       uint32
}

// PHPIntrospection holds the offsets needed by the PHP unwinder,
// including the JIT buffer range when the target uses the JIT.
type PHPIntrospection struct {
	ExecutorGlobalsAddr ptr32
	PadCurrentExecData  uint32 // offset of current_execute_data within executor_globals
	PadFuncInExecData   uint32 // zend_execute_data.func
	PadPrevExecData     uint32 // zend_execute_data.prev_execute_data
	PadOpline           uint32 // zend_execute_data.opline
	PadOpcodeLine       uint32 // zend_op.lineno
	PadOpcodeTypeInfo   uint32 // zend_op.extended_value / type marker
	JITBufferStart      ptr32
	JITBufferEnd        ptr32
	JITReturnAddr       ptr32
}

// RubyIntrospection holds the offsets needed by the Ruby unwinder.
type RubyIntrospection struct {
	CurrentECAddr    ptr32
	MainRactorAddr   ptr32
	VMMajorVersion   uint8
	PadCfpInEC       uint32 // rb_execution_context_struct.cfp
	PadIseqInCFP     uint32 // rb_control_frame_struct.iseq
	PadPCInCFP       uint32 // rb_control_frame_struct.pc
	ControlFrameSize uint32
	StackSize        uint32
}

// PerlIntrospection holds the offsets needed by the Perl unwinder.
type PerlIntrospection struct {
	CurInterpreterAddr ptr32
	PadMainStackInfo   uint32 // PL_curinterp -> main_stack (stackinfo)
	PadCurStackInfo    uint32 // PL_curinterp -> curstackinfo
	PadSINext          uint32 // stackinfo.si_next
	PadSICxIx          uint32 // stackinfo.si_cxix (deepest valid context index)
	PadSICxStack       uint32 // stackinfo.si_cxstack (context array base)
	ContextSize        uint32
	PadCxType          uint32
	PadCxSubRetOp      uint32
	PadCxCOP           uint32
}

// V8Introspection holds the offsets and object-type tags the V8
// unwinder needs to verify a tagged pointer really is the HeapObject
// kind it expects, mirroring V8ProcInfo.
type V8Introspection struct {
	TypeJSFunction    uint16
	TypeCode          uint16
	TypeBytecodeArray uint16

	PadHeapObjectMap       uint32 // HeapObject.map
	PadMapInstanceType     uint32 // Map.instance_type
	PadJSFunctionCode      uint32 // JSFunction.code
	PadCodeInstructionStart uint32
	PadCodeInstructionSize  uint32

	PadFPMarker         int32 // offset from FP to the frame type marker
	PadFPFunction       int32 // offset from FP to the JSFunction pointer
	PadFPBytecodeArray  int32 // offset from FP to the BytecodeArray pointer
	PadFPBytecodeOffset int32 // offset from FP to the SMI bytecode offset
}

// HotSpotIntrospection holds the offsets needed by the HotSpot unwinder.
type HotSpotIntrospection struct {
	SegmapAddr  ptr32
	SegmapShift uint32
	CodeCacheLo ptr32
	CodeCacheHi ptr32

	// Fields overread from a matched CodeBlob header, offsets into that
	// scratch buffer rather than target-process addresses.
	PadNameInBlob         uint32
	PadFrameSizeInBlob    uint32
	PadFrameCompleteInBlob uint32
	PadDeoptHandlerInBlob uint32
	PadOrigPCOffsetInBlob uint32
	PadCompileIdInBlob    uint32 // nmethod::compile_id, carried as the NATIVE frame's ptr_check cookie

	// Interpreter BCP -> BCI conversion (Method* -> ConstMethod*).
	PadMethodConstMethod uint32
	ConstMethodSize      uint32
}

// Introspection is the per-PID bundle of all per-language introspection
// records, versioned by Generation so that readers can validate they
// are not observing a partially-updated snapshot: userland always
// swaps in a brand new *Introspection value (see ProcessTable.Install)
// rather than mutating fields in place, so any reader that captured a
// pointer before an update keeps reading a complete, consistent struct.
type Introspection struct {
	Generation uint64

	Python  *PythonIntrospection
	PHP     *PHPIntrospection
	Ruby    *RubyIntrospection
	Perl    *PerlIntrospection
	V8      *V8Introspection
	HotSpot *HotSpotIntrospection
}

// ProcessTable owns the per-PID Introspection snapshots. It is the Go
// analogue of the per-language introspection maps in the data model:
// one map "per language" there becomes one map of composite snapshots
// here, which is simpler to keep consistent since Go doesn't need one
// BPF map type per struct layout.
type ProcessTable struct {
	mu    sync.RWMutex
	procs map[uint32]*Introspection
	gen   uint64
}

func NewProcessTable() *ProcessTable {
	return &ProcessTable{procs: make(map[uint32]*Introspection)}
}

// Install publishes a new Introspection snapshot for pid, replacing any
// previous one atomically from a reader's perspective. Matches the
// invariant "introspection records are installed before the first
// sample for a PID observes a matching executable mapping".
func (t *ProcessTable) Install(pid uint32, snap *Introspection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	snap.Generation = t.gen
	t.procs[pid] = snap
}

// Remove drops the introspection record for pid, called from the
// scheduler-exit lifecycle probe teardown path (§3: "scheduler-exit
// removes them" describes the trie mapping; introspection teardown
// proper is userland's job per §1's non-goals, but the lifecycle probe
// here exposes the hook so a userland collaborator wired into this
// process can call it at EXIT_PID).
func (t *ProcessTable) Remove(pid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Get returns the current snapshot for pid, or nil if none is
// installed.
func (t *ProcessTable) Get(pid uint32) *Introspection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.procs[pid]
}
