// Package dwarfreader implements the DWARF v4+ reader (C8): compilation
// unit walk, abbreviation table decoding, DIE tree traversal with a
// type-scope stack, and the line-number program state machine. It reads
// through bincursor rather than the standard library's debug/dwarf, since
// the loader core needs the raw DIE offsets and the pre-resolution
// DebugType shape the type resolver consumes, not debug/dwarf's already
// resolved Entry/Type graph.
package dwarfreader

import (
	"github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/hizawye/loadcore/bincursor"
	"github.com/hizawye/loadcore/model"
)

// Sections holds the raw bytes of the four DWARF sections this reader
// consumes. A nil slice means the section was absent from the container.
type Sections struct {
	DebugInfo   []byte
	DebugAbbrev []byte
	DebugLine   []byte
	DebugStr    []byte
}

const (
	tagCompileUnit    = 0x11
	tagSubprogram     = 0x2e
	tagBaseType       = 0x24
	tagPointerType    = 0x0f
	tagStructureType  = 0x13
	tagArrayType      = 0x01
	tagTypedef        = 0x16
	tagUnionType      = 0x17
	tagConstType      = 0x26
	tagVolatileType   = 0x35
	tagEnumeration    = 0x04
	tagSubroutineType = 0x15
	tagMember         = 0x0d
	tagSubrangeType   = 0x21

	atName              = 0x03
	atLowPC             = 0x11
	atHighPC            = 0x12
	atByteSize          = 0x0b
	atStmtList          = 0x10
	atType              = 0x49
	atDataMemberLoc     = 0x38
	atUpperBound        = 0x2f
	atLowerBound        = 0x22
	atCount             = 0x37
	atBitSize           = 0x0d
	atBitOffset         = 0x0c
	atDataBitOffset     = 0x6b
	atAlignment         = 0x88

	formAddr        = 0x01
	formData1       = 0x0b
	formData2       = 0x05
	formData4       = 0x06
	formData8       = 0x07
	formSdata       = 0x0d
	formUdata       = 0x0f
	formString      = 0x08
	formStrp        = 0x0e
	formSecOffset   = 0x17
	formFlag        = 0x0c
	formRef1        = 0x11
	formRef2        = 0x12
	formRef4        = 0x13
	formRef8        = 0x14
	formRefUdata    = 0x15
	formRefAddr     = 0x10
	formFlagPresent = 0x19
	formExprloc     = 0x18
	formBlock1      = 0x0a
	formBlock2      = 0x03
	formBlock4      = 0x04
	formBlock       = 0x09

	lineOpCopy            = 1
	lineOpAdvancePC       = 2
	lineOpAdvanceLine     = 3
	lineOpSetFile         = 4
	lineOpSetColumn       = 5
	lineOpNegStmt         = 6
	lineOpSetBasicBlock   = 7
	lineOpConstAddPC      = 8
	lineOpFixedAdvancePC  = 9
	lineOpSetPrologueEnd  = 10
	lineOpSetEpilogueBeg  = 11
	lineOpSetISA          = 12
)

type abbrevAttr struct {
	name uint32
	form uint32
}

type abbrevEntry struct {
	code        uint32
	tag         uint32
	hasChildren bool
	attributes  []abbrevAttr
}

// reader carries the section bytes and a small cache of parsed abbreviation
// tables, since a container commonly reuses one .debug_abbrev offset across
// many compilation units.
type reader struct {
	sections Sections
	abbrevs  *lru.Cache[uint64, map[uint32]abbrevEntry]
}

// Parse decodes every compilation unit in sections.DebugInfo and merges the
// discovered functions, types, and line-table rows into out. It returns an
// error only for structurally invalid DWARF (short reads, DWARF64, or a
// unit version below 4); a missing .debug_line offset for one compile unit
// does not abort the parse of the rest.
func Parse(sections Sections, out *model.DebugInfo) error {
	if sections.DebugInfo == nil || sections.DebugAbbrev == nil {
		return errors.New("missing debug sections")
	}

	cache, err := lru.New[uint64, map[uint32]abbrevEntry](8)
	if err != nil {
		return errors.Wrap(err, "allocating abbrev cache")
	}
	r := &reader{sections: sections, abbrevs: cache}

	c := bincursor.New(sections.DebugInfo)
	for c.Offset < c.Len() {
		if err := r.parseUnit(c, out); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) parseUnit(c *bincursor.Cursor, out *model.DebugInfo) error {
	unitStart := c.Offset
	unitLength, err := c.ReadU32()
	if err != nil {
		return errors.Wrap(err, "reading unit length")
	}
	if unitLength == 0 {
		return nil
	}
	if unitLength == 0xffffffff {
		return errors.New("DWARF64 not supported")
	}
	unitEnd := c.Offset + int(unitLength)

	version, err := c.ReadU16()
	if err != nil {
		return errors.Wrap(err, "reading unit version")
	}
	if version < 4 {
		return errors.Errorf("DWARF version %d not supported", version)
	}

	abbrevOffset, err := c.ReadU32()
	if err != nil {
		return errors.Wrap(err, "reading abbrev offset")
	}
	addressSize, err := c.ReadU8()
	if err != nil {
		return errors.Wrap(err, "reading address size")
	}

	table, err := r.abbrevTable(uint64(abbrevOffset))
	if err != nil {
		return err
	}

	treeEnd := unitEnd
	if treeEnd > c.Len() {
		treeEnd = c.Len()
	}
	tree := bincursor.At(r.sections.DebugInfo[:treeEnd], c.Offset)
	if err := r.parseDIETree(tree, table, addressSize, uint64(unitStart), out); err != nil {
		return err
	}

	c.Offset = unitEnd
	return nil
}

func (r *reader) abbrevTable(offset uint64) (map[uint32]abbrevEntry, error) {
	if table, ok := r.abbrevs.Get(offset); ok {
		return table, nil
	}
	table, err := parseAbbrevTable(r.sections.DebugAbbrev, offset)
	if err != nil {
		return nil, err
	}
	r.abbrevs.Add(offset, table)
	return table, nil
}

func parseAbbrevTable(data []byte, offset uint64) (map[uint32]abbrevEntry, error) {
	if int(offset) >= len(data) {
		return nil, errors.New("invalid abbrev offset")
	}
	c := bincursor.At(data, int(offset))
	table := make(map[uint32]abbrevEntry)

	for c.Offset < c.Len() {
		code, err := c.ReadULEB128()
		if err != nil {
			return nil, errors.Wrap(err, "reading abbrev code")
		}
		if code == 0 {
			break
		}

		tag, err := c.ReadULEB128()
		if err != nil {
			return nil, errors.Wrap(err, "reading abbrev tag")
		}
		hasChildren, err := c.ReadU8()
		if err != nil {
			return nil, errors.Wrap(err, "reading abbrev has_children")
		}

		entry := abbrevEntry{code: uint32(code), tag: uint32(tag), hasChildren: hasChildren != 0}
		for {
			attrName, err := c.ReadULEB128()
			if err != nil {
				return nil, errors.Wrap(err, "reading attribute name")
			}
			attrForm, err := c.ReadULEB128()
			if err != nil {
				return nil, errors.Wrap(err, "reading attribute form")
			}
			if attrName == 0 && attrForm == 0 {
				break
			}
			entry.attributes = append(entry.attributes, abbrevAttr{name: uint32(attrName), form: uint32(attrForm)})
		}

		table[entry.code] = entry
	}
	return table, nil
}

func (r *reader) readStr(offset uint32) string {
	if r.sections.DebugStr == nil || int(offset) >= len(r.sections.DebugStr) {
		return ""
	}
	end := int(offset)
	for end < len(r.sections.DebugStr) && r.sections.DebugStr[end] != 0 {
		end++
	}
	return string(r.sections.DebugStr[offset:end])
}

// formValue holds the decoded value of one attribute, in whichever of the
// three shapes its form produces.
type formValue struct {
	u   uint64
	s   int64
	str string
}

func (r *reader) readForm(c *bincursor.Cursor, form uint32, addressSize uint8, unitOffset uint64) (formValue, error) {
	var v formValue
	switch form {
	case formAddr:
		if addressSize == 8 {
			u, err := c.ReadU64()
			if err != nil {
				return v, err
			}
			v.u = u
		} else {
			u, err := c.ReadU32()
			if err != nil {
				return v, err
			}
			v.u = uint64(u)
		}
	case formData1:
		u, err := c.ReadU8()
		if err != nil {
			return v, err
		}
		v.u = uint64(u)
	case formData2:
		u, err := c.ReadU16()
		if err != nil {
			return v, err
		}
		v.u = uint64(u)
	case formData4:
		u, err := c.ReadU32()
		if err != nil {
			return v, err
		}
		v.u = uint64(u)
	case formData8:
		u, err := c.ReadU64()
		if err != nil {
			return v, err
		}
		v.u = u
	case formSdata:
		s, err := c.ReadSLEB128()
		if err != nil {
			return v, err
		}
		v.s = s
	case formUdata:
		u, err := c.ReadULEB128()
		if err != nil {
			return v, err
		}
		v.u = u
	case formString:
		s, err := c.ReadCString()
		if err != nil {
			return v, err
		}
		v.str = s
	case formStrp:
		off, err := c.ReadU32()
		if err != nil {
			return v, err
		}
		v.str = r.readStr(off)
	case formSecOffset:
		u, err := c.ReadU32()
		if err != nil {
			return v, err
		}
		v.u = uint64(u)
	case formFlag:
		u, err := c.ReadU8()
		if err != nil {
			return v, err
		}
		v.u = uint64(u)
	case formFlagPresent:
		v.u = 1
	case formRef1:
		u, err := c.ReadU8()
		if err != nil {
			return v, err
		}
		v.u = unitOffset + uint64(u)
	case formRef2:
		u, err := c.ReadU16()
		if err != nil {
			return v, err
		}
		v.u = unitOffset + uint64(u)
	case formRef4:
		u, err := c.ReadU32()
		if err != nil {
			return v, err
		}
		v.u = unitOffset + uint64(u)
	case formRef8:
		u, err := c.ReadU64()
		if err != nil {
			return v, err
		}
		v.u = unitOffset + u
	case formRefUdata:
		u, err := c.ReadULEB128()
		if err != nil {
			return v, err
		}
		v.u = unitOffset + u
	case formRefAddr:
		if addressSize == 8 {
			u, err := c.ReadU64()
			if err != nil {
				return v, err
			}
			v.u = u
		} else {
			u, err := c.ReadU32()
			if err != nil {
				return v, err
			}
			v.u = uint64(u)
		}
	case formExprloc, formBlock:
		length, err := c.ReadULEB128()
		if err != nil {
			return v, err
		}
		if err := c.Skip(int(length)); err != nil {
			return v, err
		}
	case formBlock1:
		length, err := c.ReadU8()
		if err != nil {
			return v, err
		}
		if err := c.Skip(int(length)); err != nil {
			return v, err
		}
	case formBlock2:
		length, err := c.ReadU16()
		if err != nil {
			return v, err
		}
		if err := c.Skip(int(length)); err != nil {
			return v, err
		}
	case formBlock4:
		length, err := c.ReadU32()
		if err != nil {
			return v, err
		}
		if err := c.Skip(int(length)); err != nil {
			return v, err
		}
	default:
		return v, errors.Errorf("unsupported DWARF form %#x", form)
	}
	return v, nil
}

func isHighPCOffsetForm(form uint32) bool {
	return form != formAddr
}

func isTypeTag(tag uint32) bool {
	switch tag {
	case tagBaseType, tagPointerType, tagStructureType, tagArrayType, tagTypedef,
		tagUnionType, tagConstType, tagVolatileType, tagEnumeration, tagSubroutineType:
		return true
	default:
		return false
	}
}

func debugTypeKind(tag uint32) model.DebugTypeKind {
	switch tag {
	case tagBaseType:
		return model.DebugTypeBase
	case tagPointerType:
		return model.DebugTypePointer
	case tagStructureType:
		return model.DebugTypeStruct
	case tagArrayType:
		return model.DebugTypeArray
	case tagTypedef:
		return model.DebugTypeTypedef
	case tagUnionType:
		return model.DebugTypeUnion
	case tagConstType:
		return model.DebugTypeConst
	case tagVolatileType:
		return model.DebugTypeVolatile
	case tagEnumeration:
		return model.DebugTypeEnumeration
	case tagSubroutineType:
		return model.DebugTypeSubroutine
	default:
		return model.DebugTypeUnknown
	}
}

// parseDIETree walks one compilation unit's DIE tree, maintaining a stack
// of struct/union/array type indices so that nested member and subrange
// DIEs attach to their enclosing type.
func (r *reader) parseDIETree(c *bincursor.Cursor, table map[uint32]abbrevEntry, addressSize uint8, unitOffset uint64, out *model.DebugInfo) error {
	var hasChildrenStack []bool
	var typeStack []int

	for c.Offset < c.Len() {
		dieOffset := uint64(c.Offset)
		code, err := c.ReadULEB128()
		if err != nil {
			return errors.Wrap(err, "reading DIE abbrev code")
		}
		if code == 0 {
			if len(hasChildrenStack) == 0 {
				return nil
			}
			hasChildrenStack = hasChildrenStack[:len(hasChildrenStack)-1]
			if len(typeStack) > 0 {
				typeStack = typeStack[:len(typeStack)-1]
			}
			continue
		}

		entry, ok := table[uint32(code)]
		if !ok {
			return errors.Errorf("unknown abbrev code %d", code)
		}

		var lowPC, highPC, stmtList, byteSize, typeRef, memberLoc, upperBound, lowerBound, count, bitSize, alignment uint64
		bitOffset := int64(-1)
		dataBitOffset := int64(-1)
		var name string
		var highPCForm uint32

		for _, attr := range entry.attributes {
			v, err := r.readForm(c, attr.form, addressSize, unitOffset)
			if err != nil {
				return errors.Wrap(err, "reading DIE attribute")
			}
			switch attr.name {
			case atName:
				name = v.str
			case atLowPC:
				lowPC = v.u
			case atHighPC:
				highPC = v.u
				highPCForm = attr.form
			case atStmtList:
				stmtList = v.u
			case atByteSize:
				byteSize = v.u
			case atType:
				typeRef = v.u
			case atDataMemberLoc:
				memberLoc = v.u
			case atUpperBound:
				upperBound = v.u
			case atLowerBound:
				lowerBound = v.u
			case atCount:
				count = v.u
			case atBitSize:
				bitSize = v.u
			case atBitOffset:
				bitOffset = int64(v.u)
			case atDataBitOffset:
				dataBitOffset = int64(v.u)
			case atAlignment:
				alignment = v.u
			}
		}

		if highPC != 0 && lowPC != 0 && isHighPCOffsetForm(highPCForm) {
			highPC = lowPC + highPC
		}

		if entry.tag == tagCompileUnit && stmtList != 0 {
			// A missing or malformed line program does not fail the DIE walk.
			_ = r.parseLineProgram(stmtList, out)
		}

		if entry.tag == tagSubprogram && name != "" {
			out.Functions = append(out.Functions, model.DebugFunction{
				Name:          name,
				LowPC:         lowPC,
				HighPC:        highPC,
				ReturnTypeRef: typeRef,
			})
		}

		if entry.tag == tagMember && len(typeStack) > 0 && typeStack[len(typeStack)-1] >= 0 {
			resolvedBitOffset := bitOffset
			if dataBitOffset >= 0 {
				resolvedBitOffset = dataBitOffset
			}
			parentIdx := typeStack[len(typeStack)-1]
			out.Types[parentIdx].Members = append(out.Types[parentIdx].Members, model.DebugMember{
				Name:      name,
				TypeRef:   typeRef,
				Offset:    memberLoc,
				BitSize:   uint32(bitSize),
				BitOffset: int32(resolvedBitOffset),
				Alignment: uint32(alignment),
			})
		}

		if entry.tag == tagSubrangeType && len(typeStack) > 0 && typeStack[len(typeStack)-1] >= 0 {
			parentIdx := typeStack[len(typeStack)-1]
			if out.Types[parentIdx].Kind == model.DebugTypeArray {
				rangeCount := count
				if rangeCount == 0 && upperBound >= lowerBound {
					rangeCount = upperBound - lowerBound + 1
				}
				if rangeCount != 0 {
					out.Types[parentIdx].ArrayCount = rangeCount
				}
			}
		}

		pushedType := false
		if isTypeTag(entry.tag) && name != "" {
			out.Types = append(out.Types, model.DebugType{
				Name:      name,
				Kind:      debugTypeKind(entry.tag),
				Size:      uint32(byteSize),
				DIEOffset: dieOffset,
				TypeRef:   typeRef,
			})
			if entry.hasChildren {
				typeStack = append(typeStack, len(out.Types)-1)
				pushedType = true
			}
		}

		if entry.hasChildren {
			hasChildrenStack = append(hasChildrenStack, true)
			if !pushedType {
				typeStack = append(typeStack, -1)
			}
		}
	}

	return nil
}
