package typeresolve

import (
	"testing"

	"github.com/hizawye/loadcore/model"
)

func TestResolvePointerToBase(t *testing.T) {
	info := &model.DebugInfo{
		Types: []model.DebugType{
			{Name: "int", Kind: model.DebugTypeBase, Size: 4, DIEOffset: 0x10},
			{Kind: model.DebugTypePointer, DIEOffset: 0x20, TypeRef: 0x10},
		},
	}
	var ts model.TypeSystem
	Resolve(info, &ts)

	if len(ts.Types()) != 2 {
		t.Fatalf("got %d types, want 2", len(ts.Types()))
	}
	if ts.Types()[0].Name != "int" || ts.Types()[0].Kind != model.TypeInteger {
		t.Fatalf("got %+v", ts.Types()[0])
	}
	ptr := ts.Types()[1]
	if ptr.Name != "int*" || ptr.Kind != model.TypePointer || ptr.Size != 8 {
		t.Fatalf("got %+v", ptr)
	}
}

func TestResolveAnonymousStructNamed(t *testing.T) {
	info := &model.DebugInfo{
		Types: []model.DebugType{
			{Kind: model.DebugTypeStruct, DIEOffset: 0x30, Size: 16},
		},
	}
	var ts model.TypeSystem
	Resolve(info, &ts)

	if len(ts.Types()) != 1 {
		t.Fatalf("got %d types", len(ts.Types()))
	}
	got := ts.Types()[0]
	if got.Name != "struct_48" || got.Kind != model.TypeStruct || got.Size != 16 {
		t.Fatalf("got %+v", got)
	}
}

func TestResolveCyclicPointerTerminates(t *testing.T) {
	// A typedef and a pointer that reference each other: typedef "node"
	// (0x10, type_ref=0x20) -> pointer (0x20, type_ref=0x10) -> back to
	// the typedef. Resolving either one re-enters the other, which the
	// DIEOffset-keyed emitting set must not loop on.
	info := &model.DebugInfo{
		Types: []model.DebugType{
			{Name: "node", Kind: model.DebugTypeTypedef, DIEOffset: 0x10, TypeRef: 0x20, Size: 8},
			{Kind: model.DebugTypePointer, DIEOffset: 0x20, TypeRef: 0x10},
		},
	}
	var ts model.TypeSystem
	Resolve(info, &ts)
	if len(ts.Types()) != 2 {
		t.Fatalf("got %d types, want 2", len(ts.Types()))
	}
}

func TestResolveArrayOfBase(t *testing.T) {
	info := &model.DebugInfo{
		Types: []model.DebugType{
			{Name: "char", Kind: model.DebugTypeBase, Size: 1, DIEOffset: 0x1},
			{Kind: model.DebugTypeArray, DIEOffset: 0x2, TypeRef: 0x1, ArrayCount: 10},
		},
	}
	var ts model.TypeSystem
	Resolve(info, &ts)

	arr := ts.Types()[1]
	if arr.Name != "char[10]" || arr.Size != 10 {
		t.Fatalf("got %+v", arr)
	}
}

func TestResolveEmptyIsNoop(t *testing.T) {
	var ts model.TypeSystem
	Resolve(&model.DebugInfo{}, &ts)
	if len(ts.Types()) != 0 {
		t.Fatalf("expected no types, got %d", len(ts.Types()))
	}
}
