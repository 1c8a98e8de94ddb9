package kunwind

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodePythonLineRoundTrip(t *testing.T) {
	cases := []struct {
		codeHash uint32
		fLasti   int32
	}{
		{0, 0},
		{0xDEADBEEF, 42},
		{1, -1},
		{math.MaxUint32, math.MaxInt32},
	}
	for _, c := range cases {
		v := EncodePythonLine(c.codeHash, c.fLasti)
		gotHash, gotLasti := DecodePythonLine(v)
		assert.Equal(t, c.codeHash, gotHash)
		assert.Equal(t, c.fLasti, gotLasti)
	}
}

func TestEncodeDecodePHPLineRoundTrip(t *testing.T) {
	cases := []struct {
		lineno   uint32
		typeInfo uint32
	}{
		{0, 0},
		{0x1234, 0},
		{0x1234, phpJITTypeInfoTop},
		{0x1234, 0xFFFFFFFF},
	}
	for _, c := range cases {
		v := EncodePHPLine(c.lineno, c.typeInfo)
		assert.Equal(t, uint64(c.typeInfo)<<32|uint64(c.lineno), v, "line = (type_info<<32) | opcode_lineno")
		gotLineno, gotTypeInfo := DecodePHPLine(v)
		assert.Equal(t, c.lineno, gotLineno)
		assert.Equal(t, c.typeInfo, gotTypeInfo)
	}
}

func TestEncodeDecodeRubyLineRoundTrip(t *testing.T) {
	cases := []uint64{0, 7, 0xABCDEF0123456789}
	for _, pc := range cases {
		v := EncodeRubyLine(pc)
		assert.Equal(t, pc, v, "ruby's line field is the raw, unshifted control-frame pc")
		assert.Equal(t, pc, DecodeRubyLine(v))
	}
}

func TestEncodeDecodePerlLineCarriesRawPointer(t *testing.T) {
	cop := ptr32(0xABCD1234)
	v := EncodePerlLine(cop)
	assert.Equal(t, uint64(cop), v, "perl's line field is the raw COP pointer, not a packed encoding")
	assert.Equal(t, cop, DecodePerlLine(v))
}

func TestEncodeDecodeV8NativeLineRoundTrip(t *testing.T) {
	codePtr := ptr(0xABCDEF00)
	v := EncodeV8NativeLine(codePtr, 0x50)
	assert.Equal(t, (uint64(codePtr)>>4)<<32|0x50, v, "line = (code_ptr>>4 << 32) | pc_delta")
	cookie, delta := DecodeV8NativeLine(v)
	assert.Equal(t, uint32(uint64(codePtr)>>4), cookie)
	assert.Equal(t, uint32(0x50), delta)
}

func TestEncodeDecodeV8FileRoundTrip(t *testing.T) {
	jsfunc := ptr(0x12345678)
	for _, native := range []bool{false, true} {
		f := EncodeV8File(jsfunc, native)
		gotFunc, gotNative := DecodeV8File(f)
		assert.Equal(t, jsfunc, gotFunc)
		assert.Equal(t, native, gotNative)
		if native {
			assert.Equal(t, uint64(1), uint64(f)&v8FileFlagNative)
		}
	}
}

func TestEncodeDecodeHotSpotLineRoundTrip(t *testing.T) {
	cases := []struct {
		sub HotSpotSubkind
		mid uint32
		low uint32
	}{
		{HotSpotStub, 0, 0},
		{HotSpotVtable, 0, 0},
		{HotSpotInterpreted, 0x1234, 0x56},
		{HotSpotCompiled, 0xABCD, 0xEF01},
	}
	for _, c := range cases {
		v := EncodeHotSpotLine(c.sub, c.mid, c.low)
		assert.Equal(t, uint64(c.sub)<<60|uint64(c.mid)<<32|uint64(c.low), v, "line = (subtype<<60)|(mid<<32)|(low)")
		gotSub, gotMid, gotLow := DecodeHotSpotLine(v)
		assert.Equal(t, c.sub, gotSub)
		assert.Equal(t, c.mid, gotMid)
		assert.Equal(t, c.low, gotLow)
	}
}

func TestKindStringCoversEveryValue(t *testing.T) {
	kinds := []Kind{KindNative, KindPython, KindPHP, KindPHPJIT, KindRuby, KindPerl, KindV8, KindHotSpot, KindAbort}
	for _, k := range kinds {
		assert.NotEqual(t, "unknown", k.String())
	}
	assert.Equal(t, "unknown", Kind(255).String())
}
