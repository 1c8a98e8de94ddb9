//go:build amd64 || arm64

package kunwind

// FakeMemory is a synthetic vmem backing a byte-addressable map, letting
// interpreter-unwinder tests build a small fake VM stack without a real
// target process. Unmapped reads fail the way a bad /proc/pid/mem read
// would, exercising the same error path rt.readMemory callers rely on.
type FakeMemory struct {
	bytes map[ptr]byte
}

func NewFakeMemory() *FakeMemory {
	return &FakeMemory{bytes: make(map[ptr]byte)}
}

func (m *FakeMemory) Read(address ptr, size uint32) ([]byte, bool) {
	out := make([]byte, size)
	for i := uint32(0); i < size; i++ {
		b, ok := m.bytes[address+ptr(i)]
		if !ok {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

func (m *FakeMemory) WriteU32(addr ptr, v uint32) {
	for i := 0; i < 4; i++ {
		m.bytes[addr+ptr(i)] = byte(v >> (8 * i))
	}
}

func (m *FakeMemory) WriteU64(addr ptr, v uint64) {
	for i := 0; i < 8; i++ {
		m.bytes[addr+ptr(i)] = byte(v >> (8 * i))
	}
}

func (m *FakeMemory) WritePtr32(addr ptr, v ptr32) { m.WriteU32(addr, uint32(v)) }
