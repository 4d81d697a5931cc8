package dwarfreader

import (
	"testing"

	"github.com/hizawye/loadcore/model"
)

// buildAbbrevTable returns a two-entry .debug_abbrev table: code 1 is a
// compile_unit with a strp name and a sec_offset stmt_list, code 2 is a
// base_type with a cstring name and a data1 byte_size.
func buildAbbrevTable() []byte {
	return []byte{
		0x01, 0x11, 0x01, 0x03, 0x0e, 0x10, 0x17, 0x00, 0x00,
		0x02, 0x24, 0x00, 0x03, 0x08, 0x0b, 0x0b, 0x00, 0x00,
		0x00,
	}
}

func buildSingleUnitDebugInfo() []byte {
	dieTree := []byte{
		0x01,                   // CU abbrev code
		0x00, 0x00, 0x00, 0x00, // name: strp offset 0
		0x00, 0x00, 0x00, 0x00, // stmt_list: sec_offset 0 (skip line program)
		0x02, // base_type abbrev code
		'i', 'n', 't', 0x00,
		0x04, // byte_size = 4
		0x00, // null: closes CU
	}
	header := []byte{
		0, 0, 0, 0, // unit_length, patched below
		0x04, 0x00, // version 4
		0x00, 0x00, 0x00, 0x00, // abbrev_offset 0
		0x08, // address_size 8
	}
	unitLength := uint32(len(header) - 4 + len(dieTree))
	header[0] = byte(unitLength)
	header[1] = byte(unitLength >> 8)
	header[2] = byte(unitLength >> 16)
	header[3] = byte(unitLength >> 24)
	return append(header, dieTree...)
}

func TestParseCompileUnitWithBaseType(t *testing.T) {
	sections := Sections{
		DebugInfo:   buildSingleUnitDebugInfo(),
		DebugAbbrev: buildAbbrevTable(),
		DebugStr:    []byte("cu\x00"),
	}
	var out model.DebugInfo
	if err := Parse(sections, &out); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out.Types) != 1 {
		t.Fatalf("got %d types, want 1", len(out.Types))
	}
	ty := out.Types[0]
	if ty.Name != "int" || ty.Kind != model.DebugTypeBase || ty.Size != 4 {
		t.Fatalf("got %+v", ty)
	}
	if ty.DIEOffset != 20 {
		t.Fatalf("got DIEOffset %d, want 20", ty.DIEOffset)
	}
	if len(out.Functions) != 0 {
		t.Fatalf("expected no functions, got %d", len(out.Functions))
	}
}

func TestParseRejectsDwarf3(t *testing.T) {
	data := buildSingleUnitDebugInfo()
	data[4] = 0x03 // version 3
	sections := Sections{DebugInfo: data, DebugAbbrev: buildAbbrevTable()}
	var out model.DebugInfo
	if err := Parse(sections, &out); err == nil {
		t.Fatal("expected DWARF version 3 to be rejected")
	}
}

func TestParseMissingSectionsFails(t *testing.T) {
	var out model.DebugInfo
	if err := Parse(Sections{}, &out); err == nil {
		t.Fatal("expected missing debug sections to fail")
	}
}

func TestParseStructWithMember(t *testing.T) {
	abbrev := []byte{
		0x01, 0x11, 0x01, 0x03, 0x0e, 0x00, 0x00, // CU: name strp, has_children
		0x02, 0x13, 0x01, 0x03, 0x08, 0x0b, 0x0b, 0x00, 0x00, // struct: name string, byte_size data1, has_children
		0x03, 0x0d, 0x00, 0x03, 0x08, 0x49, 0x13, 0x38, 0x0b, 0x00, 0x00, // member: name string, type ref4, data_member_location data1
		0x00,
	}
	dieTree := []byte{
		0x01,                   // CU
		0x00, 0x00, 0x00, 0x00, // name strp 0
		0x02, // struct
		's', 't', 0x00,
		0x08, // byte_size 8
		0x03, // member
		'f', 0x00,
		0x00, 0x00, 0x00, 0x00, // type ref4 -> unit_offset + 0
		0x00, // data_member_location = 0
		0x00, // null: closes struct
		0x00, // null: closes CU
	}
	header := []byte{
		0, 0, 0, 0,
		0x04, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x08,
	}
	unitLength := uint32(len(header) - 4 + len(dieTree))
	header[0] = byte(unitLength)
	header[1] = byte(unitLength >> 8)
	header[2] = byte(unitLength >> 16)
	header[3] = byte(unitLength >> 24)
	debugInfo := append(header, dieTree...)

	sections := Sections{DebugInfo: debugInfo, DebugAbbrev: abbrev, DebugStr: []byte("cu\x00")}
	var out model.DebugInfo
	if err := Parse(sections, &out); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(out.Types) != 1 {
		t.Fatalf("got %d types, want 1", len(out.Types))
	}
	st := out.Types[0]
	if st.Name != "st" || st.Kind != model.DebugTypeStruct {
		t.Fatalf("got %+v", st)
	}
	if len(st.Members) != 1 || st.Members[0].Name != "f" {
		t.Fatalf("got members %+v", st.Members)
	}
}
