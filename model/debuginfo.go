package model

// DebugTypeKind classifies a DebugType as produced directly from a DWARF
// DIE, prior to type resolution.
type DebugTypeKind int

const (
	DebugTypeUnknown DebugTypeKind = iota
	DebugTypeBase
	DebugTypePointer
	DebugTypeStruct
	DebugTypeArray
	DebugTypeTypedef
	DebugTypeUnion
	DebugTypeConst
	DebugTypeVolatile
	DebugTypeEnumeration
	DebugTypeSubroutine
)

// DebugFunction is a DWARF subprogram DIE with a name. HighPC is always
// absolute after decoding (see the DWARF reader's high_pc normalization).
type DebugFunction struct {
	Name          string
	LowPC         uint64
	HighPC        uint64
	ReturnTypeRef uint64
}

// DebugLineEntry is one committed row of the DWARF line-number matrix.
type DebugLineEntry struct {
	Address uint64
	File    string
	Line    uint32
}

// DebugMember is a struct/union field discovered under a `member` DIE.
// BitOffset is -1 when neither DW_AT_data_bit_offset nor DW_AT_bit_offset
// was present.
type DebugMember struct {
	Name      string
	TypeRef   uint64
	Offset    uint64
	BitSize   uint32
	BitOffset int32
	Alignment uint32
}

// DebugType is a type-shaped DIE as decoded directly from the DWARF tree,
// prior to the Type Resolver's second pass. DIEOffset uniquely identifies
// the producing DIE within the source compilation unit; TypeRef is the
// absolute DIE offset of a referenced type, or 0 for none.
type DebugType struct {
	Name       string
	Kind       DebugTypeKind
	Size       uint32
	DIEOffset  uint64
	TypeRef    uint64
	ArrayCount uint64
	Members    []DebugMember
}

// DebugInfo is the aggregate output of the DWARF reader: every function,
// line-table row, and type discovered across all compilation units, plus
// (for PE containers) the CodeView PDB path.
type DebugInfo struct {
	Functions []DebugFunction
	Lines     []DebugLineEntry
	Types     []DebugType
	PDBPath   string
}
