// Package model holds the loader's output data model: the Program
// aggregate and every record type it owns (memory map, memory image,
// address spaces, symbols, relocations, container-level sections and
// segments, and debug info). Nothing in this package parses a container or
// applies a relocation; it is a pure aggregator, populated in traversal
// order by the container parsers, the relocation engine, the DWARF reader,
// and the type resolver.
package model

// Program is the owning aggregate produced by a single Load call. It is
// constructed empty with a human name, mutated only by the loader during
// load, and should be treated as read-only by everything downstream.
//
// References between debug entities are by absolute DIE offset, not by
// pointer, so the DebugType arena can hold cyclic type graphs (pointer to
// struct containing pointer to struct) without any ownership cycle.
type Program struct {
	name string

	memoryMap   MemoryMap
	memoryImage MemoryImage

	addressSpaces []AddressSpace
	symbols       []Symbol
	types         TypeSystem
	relocations   []Relocation

	loadBias    uint64
	loadBiasSet bool

	debugInfo DebugInfo

	sections []Section
	segments []Segment

	// Error carries a non-fatal diagnostic (e.g. an abandoned DWARF parse)
	// that did not prevent the rest of the Program from being populated.
	Error string
}

// NewProgram constructs an empty Program ready for a single Load call.
func NewProgram(name string) *Program {
	return &Program{name: name}
}

// Name returns the Program's human-readable name (typically the input path).
func (p *Program) Name() string { return p.name }

// MemoryMap returns the mutable region map.
func (p *Program) MemoryMap() *MemoryMap { return &p.memoryMap }

// MemoryImage returns the mutable byte-mapped image.
func (p *Program) MemoryImage() *MemoryImage { return &p.memoryImage }

// AddAddressSpace appends an address space.
func (p *Program) AddAddressSpace(s AddressSpace) {
	p.addressSpaces = append(p.addressSpaces, s)
}

// AddressSpaces returns the address spaces in append order.
func (p *Program) AddressSpaces() []AddressSpace { return p.addressSpaces }

// AddSymbol appends a symbol.
func (p *Program) AddSymbol(s Symbol) {
	p.symbols = append(p.symbols, s)
}

// Symbols returns the symbols in append order.
func (p *Program) Symbols() []Symbol { return p.symbols }

// Types returns the mutable type system.
func (p *Program) Types() *TypeSystem { return &p.types }

// AddRelocation appends a relocation record.
func (p *Program) AddRelocation(r Relocation) {
	p.relocations = append(p.relocations, r)
}

// Relocations returns the relocations in append order.
func (p *Program) Relocations() []Relocation { return p.relocations }

// SetLoadBias sets the load bias. It is single-shot per load: subsequent
// calls are ignored, matching the invariant that a Program is populated by
// exactly one container parser.
func (p *Program) SetLoadBias(bias uint64) {
	if p.loadBiasSet {
		return
	}
	p.loadBias = bias
	p.loadBiasSet = true
}

// LoadBias returns the delta added to nominal virtual addresses to obtain
// mapped addresses.
func (p *Program) LoadBias() uint64 { return p.loadBias }

// DebugInfo returns the mutable debug-info aggregate.
func (p *Program) DebugInfo() *DebugInfo { return &p.debugInfo }

// AddSection appends a container-level section record.
func (p *Program) AddSection(s Section) {
	p.sections = append(p.sections, s)
}

// Sections returns sections in append order.
func (p *Program) Sections() []Section { return p.sections }

// AddSegment appends a container-level segment record.
func (p *Program) AddSegment(s Segment) {
	p.segments = append(p.segments, s)
}

// Segments returns segments in append order.
func (p *Program) Segments() []Segment { return p.segments }
