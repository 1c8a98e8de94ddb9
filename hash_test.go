package kunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkFrameList(frames ...Frame) FrameList {
	var fl FrameList
	fl.Len = copy(fl.Frames[:], frames)
	return fl
}

func TestHashTraceDeterministic(t *testing.T) {
	lists := []FrameList{
		mkFrameList(
			Frame{File: 1, Line: 10, Kind: KindNative},
			Frame{File: 2, Line: 20, Kind: KindNative},
		),
	}

	h1 := HashTrace(42, lists, 1234)
	h2 := HashTrace(42, lists, 1234)
	require.Equal(t, h1, h2, "equal inputs must hash identically (property 2)")
}

func TestHashTraceDiffersOnContent(t *testing.T) {
	base := mkFrameList(Frame{File: 1, Line: 10, Kind: KindNative})
	other := mkFrameList(Frame{File: 1, Line: 11, Kind: KindNative})

	h1 := HashTrace(0, []FrameList{base}, 1)
	h2 := HashTrace(0, []FrameList{other}, 1)
	assert.NotEqual(t, h1, h2)
}

func TestHashTraceDiffersOnKernelStackID(t *testing.T) {
	fl := mkFrameList(Frame{File: 1, Line: 10, Kind: KindNative})
	h1 := HashTrace(1, []FrameList{fl}, 1)
	h2 := HashTrace(2, []FrameList{fl}, 1)
	assert.NotEqual(t, h1, h2, "two user-space-identical traces at different kernel depths must stay distinguishable")
}

func TestHashTraceDiffersOnPID(t *testing.T) {
	fl := mkFrameList(Frame{File: 1, Line: 10, Kind: KindNative})
	h1 := HashTrace(0, []FrameList{fl}, 1)
	h2 := HashTrace(0, []FrameList{fl}, 2)
	assert.NotEqual(t, h1, h2)
}

func TestHashTraceIgnoresListsBeyondMaxFrameLists(t *testing.T) {
	fl := mkFrameList(Frame{File: 1, Line: 10, Kind: KindNative})
	lists := make([]FrameList, MaxFrameLists+2)
	for i := range lists {
		lists[i] = fl
	}
	truncated := lists[:MaxFrameLists]

	assert.Equal(t, HashTrace(0, truncated, 7), HashTrace(0, lists, 7))
}

func TestMurmur3_32IsStableAndAvalanches(t *testing.T) {
	a := murmur3_32(1)
	b := murmur3_32(2)
	assert.NotEqual(t, a, b)
	assert.Equal(t, murmur3_32(1), a)
}
