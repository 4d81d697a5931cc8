package model

// Section is a raw container-level section record, preserved verbatim for
// downstream consumers (disassembler, decompiler).
type Section struct {
	Name       string
	Address    uint64
	Size       uint64
	FileOffset uint64
	Flags      uint64
}

// Segment is a raw container-level load-segment record (distinct from
// ImageSegment, which is the materialized byte mapping).
type Segment struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Flags  uint64
}

// AddressSpace is a named linear interval covering loadable memory for one
// container.
type AddressSpace struct {
	Name string
	Base uint64
	Size uint64
}
