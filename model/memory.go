package model

import "encoding/binary"

// MemoryRegion denotes access permissions for a virtual range. Regions are
// not required to be non-overlapping: two containers may legitimately
// describe the same address range.
type MemoryRegion struct {
	Start      uint64
	Size       uint64
	Readable   bool
	Writable   bool
	Executable bool
}

// MemoryMap is an append-only, ordered collection of MemoryRegions.
type MemoryMap struct {
	regions []MemoryRegion
}

// AddRegion appends a region. Ordering matches container traversal order.
func (m *MemoryMap) AddRegion(r MemoryRegion) {
	m.regions = append(m.regions, r)
}

// Regions returns the regions in append order.
func (m *MemoryMap) Regions() []MemoryRegion {
	return m.regions
}

// ImageSegment is a concrete byte mapping at a virtual address.
type ImageSegment struct {
	Start uint64
	Data  []byte
}

// end returns Start+len(Data). Callers that map segments must never
// overflow uint64 doing so; the loader core assumes well-formed containers.
func (s ImageSegment) end() uint64 {
	return s.Start + uint64(len(s.Data))
}

func (s ImageSegment) contains(addr uint64) bool {
	return addr >= s.Start && addr < s.end()
}

// MemoryImage is an ordered sequence of ImageSegments materializing the
// loaded virtual address space. There is no coalescing and no overlap
// checking: overlapping segments are the container parser's responsibility.
type MemoryImage struct {
	segments []ImageSegment
}

// MapSegment appends a segment with a copy of bytes.
func (m *MemoryImage) MapSegment(start uint64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.segments = append(m.segments, ImageSegment{Start: start, Data: cp})
}

// ZeroFill appends a segment of size zero bytes.
func (m *MemoryImage) ZeroFill(start uint64, size uint64) {
	m.segments = append(m.segments, ImageSegment{Start: start, Data: make([]byte, size)})
}

// Segments returns the mapped segments in append order.
func (m *MemoryImage) Segments() []ImageSegment {
	return m.segments
}

// findSegment returns the first segment whose half-open range contains
// address and whose tail accommodates width bytes.
func (m *MemoryImage) findSegment(address uint64, width uint64) *ImageSegment {
	for i := range m.segments {
		seg := &m.segments[i]
		if seg.contains(address) && address+width <= seg.end() {
			return seg
		}
	}
	return nil
}

// ReadU32 reads a little-endian uint32. It fails if the full width does not
// lie inside a single segment.
func (m *MemoryImage) ReadU32(address uint64) (uint32, bool) {
	seg := m.findSegment(address, 4)
	if seg == nil {
		return 0, false
	}
	off := address - seg.Start
	return binary.LittleEndian.Uint32(seg.Data[off : off+4]), true
}

// ReadU64 reads a little-endian uint64.
func (m *MemoryImage) ReadU64(address uint64) (uint64, bool) {
	seg := m.findSegment(address, 8)
	if seg == nil {
		return 0, false
	}
	off := address - seg.Start
	return binary.LittleEndian.Uint64(seg.Data[off : off+8]), true
}

// WriteU32 writes a little-endian uint32, failing under the same rule as
// ReadU32.
func (m *MemoryImage) WriteU32(address uint64, value uint32) bool {
	seg := m.findSegment(address, 4)
	if seg == nil {
		return false
	}
	off := address - seg.Start
	binary.LittleEndian.PutUint32(seg.Data[off:off+4], value)
	return true
}

// WriteU64 writes a little-endian uint64.
func (m *MemoryImage) WriteU64(address uint64, value uint64) bool {
	seg := m.findSegment(address, 8)
	if seg == nil {
		return false
	}
	off := address - seg.Start
	binary.LittleEndian.PutUint64(seg.Data[off:off+8], value)
	return true
}
