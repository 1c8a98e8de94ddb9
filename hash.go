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

// FrameListPrimes are P_b in §4.5/§6: one prime per frame-list bucket
// (MaxFrameLists = 6), applied to that bucket's own hash_list result
// before the per-bucket contributions are summed into the trace hash.
// The values and the fact that they are *added*, never xor'd, are
// normative: changing either breaks cross-version deduplication.
var FrameListPrimes = [MaxFrameLists]uint64{5, 17, 37, 61, 89, 127}

// FrameContentPrimes are the 16 Q[i] constants each frame's (file, line)
// pair is multiplied by inside hashList, taken verbatim from the source
// this spec was distilled from.
var FrameContentPrimes = [16]uint64{
	16576144079302944559, 2186004484194203119, 11172729313195809529,
	12813429998291790233, 18270836424055081333, 1902216791325332717,
	6613110929925725887, 7424432044193291893, 5003464939776917567,
	12445729212826957111, 15427968335075868449, 11531585458220364679,
	10179302947144594243, 15269173932701057419, 15644478762211198373,
	17710734944920619687,
}

// Murmur3 32-bit finalizer constants used to fold the pid into the trace
// hash (§6).
const (
	murmur3Finalize1 uint32 = 0x85ebca6b
	murmur3Finalize2 uint32 = 0xc2b2ae35
)

// hash64Finalize constants are the multipliers of MurmurHash3's 64-bit
// finalizer (fmix64), used only by hash64. The normative trace hash does
// not use them (it uses Murmur3_32(pid) and addition over primes per
// §4.5).
const (
	hash64Finalize1 uint64 = 0xff51afd7ed558ccd
	hash64Finalize2 uint64 = 0xc4ceb9fe1a85ec53
)

// murmur3_32 finalizes a 32-bit value the way MurmurHash3's avalanche
// step does: this is the exact function named Murmur3_32 in §6 and
// applied to the pid when folding it into the trace hash.
func murmur3_32(h uint32) uint32 {
	h ^= h >> 16
	h *= murmur3Finalize1
	h ^= h >> 13
	h *= murmur3Finalize2
	h ^= h >> 16
	return h
}

// hash64 finalizes a 64-bit value with MurmurHash3's 64-bit finalizer
// (fmix64). Nothing in the package calls it, and it is not part of the
// normative trace hash.
func hash64(h uint64) uint64 {
	h ^= h >> 33
	h *= hash64Finalize1
	h ^= h >> 33
	h *= hash64Finalize2
	h ^= h >> 33
	return h
}

// hashFrame mixes a single frame's file and line fields against the
// *same* FrameContentPrimes entry, matching hash_frame_list's
// per-frame multiplication (files[i] and linenos[i] both times
// FRAME_CONTENT_PRIME[i]) before summing into the bucket hash.
func hashFrame(f Frame, idx int) uint64 {
	return uint64(f.File)*FrameContentPrimes[idx] + f.Line*FrameContentPrimes[idx]
}

// hashFrameList computes hash_list(list_b, used_b): the sum, over the
// active frames in one FrameList bucket, of each frame's file/line
// product against a rotating FrameContentPrimes entry. The source
// manually unrolls this over 16 frames with 16 distinct primes; using
// a modular index here reproduces the identical sequence of
// multiplications for a 16-entry table applied to up to 16 frames.
func hashFrameList(fl FrameList) uint64 {
	var sum uint64
	for i := 0; i < fl.Len; i++ {
		idx := i % len(FrameContentPrimes)
		sum += hashFrame(fl.Frames[i], idx)
	}
	return sum
}

// HashTrace computes the normative 64-bit trace hash per §4.5:
//
//	hash = kernel_stack_id + Σ_b (hash_list(list_b) * P_b) + Murmur3_32(pid)
//
// Equal ordered frame contents plus equal pid always produce the same
// hash (§8 property 2); kernel_stack_id participates so that two
// user-space-identical traces interrupted at different kernel depths
// remain distinguishable, matching the source's inclusion of the
// kernel-side stack id in the same sum.
func HashTrace(kernelStackID int64, lists []FrameList, pid uint32) uint64 {
	h := uint64(kernelStackID)
	for b, fl := range lists {
		if b >= MaxFrameLists {
			break
		}
		h += hashFrameList(fl) * FrameListPrimes[b]
	}
	h += uint64(murmur3_32(pid))
	return h
}
