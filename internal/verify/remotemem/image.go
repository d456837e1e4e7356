package remotemem

import (
	"encoding/binary"
	"sync"
)

// Image is a sparse address space made of independently mapped regions.
//
// A read succeeds only when one region covers the whole requested range;
// anything else is a Fault. Regions may overlap, in which case any covering
// region may answer.
//
// Thread Safety: safe for concurrent use.
type Image struct {
	mu      sync.RWMutex
	regions map[uint64][]byte // region start -> bytes
}

// NewImage returns an empty address space.
func NewImage() *Image {
	return &Image{regions: make(map[uint64][]byte)}
}

// Map installs a copy of data at addr, replacing a region with the same start.
func (m *Image) Map(addr uint64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.regions[addr] = buf
	m.mu.Unlock()
}

// Unmap removes the region starting at addr. Reads inside it fault afterwards.
func (m *Image) Unmap(addr uint64) {
	m.mu.Lock()
	delete(m.regions, addr)
	m.mu.Unlock()
}

// Len returns the number of mapped regions.
func (m *Image) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regions)
}

// WriteUint64 stores v at addr, in place when a region already covers it.
func (m *Image) WriteUint64(addr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.write(addr, b[:])
}

// WriteInt32 stores v at addr, in place when a region already covers it.
func (m *Image) WriteInt32(addr uint64, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	m.write(addr, b[:])
}

func (m *Image) write(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start, region, ok := m.covering(addr, len(data)); ok {
		copy(region[addr-start:], data)
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.regions[addr] = buf
}

// Read implements Reader.
func (m *Image) Read(addr uint64, size int) ([]byte, error) {
	if err := checkRange(addr, size); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	start, region, ok := m.covering(addr, size)
	if !ok {
		return nil, &Fault{Addr: addr, Size: size}
	}
	out := make([]byte, size)
	copy(out, region[addr-start:])
	return out, nil
}

// covering finds a region holding [addr, addr+size). Caller holds mu.
func (m *Image) covering(addr uint64, size int) (uint64, []byte, bool) {
	end := addr + uint64(size)

	// Fast path: a region that starts exactly at addr.
	if region, ok := m.regions[addr]; ok && uint64(len(region)) >= uint64(size) {
		return addr, region, true
	}
	for start, region := range m.regions {
		if start <= addr && end <= start+uint64(len(region)) {
			return start, region, true
		}
	}
	return 0, nil, false
}
