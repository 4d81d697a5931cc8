// Package typeresolve implements the debug-type resolver (C9): the second
// pass over the DWARF reader's raw DebugType arena that turns a graph of
// DIE-offset-linked pointer/const/volatile/typedef/array/struct/union/
// enumeration/subroutine nodes into named, sized model.Type records.
package typeresolve

import (
	"fmt"

	"github.com/hizawye/loadcore/model"
)

type resolved struct {
	name string
	size uint32
}

// Resolve walks debugInfo.Types and appends one model.Type per distinct
// DIE-backed type to types, in DebugInfo discovery order. It is safe to
// call on an empty DebugInfo (a no-op).
func Resolve(debugInfo *model.DebugInfo, types *model.TypeSystem) {
	if len(debugInfo.Types) == 0 {
		return
	}

	byOffset := make(map[uint64]*model.DebugType, len(debugInfo.Types))
	for i := range debugInfo.Types {
		dt := &debugInfo.Types[i]
		if dt.DIEOffset != 0 {
			byOffset[dt.DIEOffset] = dt
		}
	}

	emitting := make(map[uint64]bool)

	var resolveType func(dt *model.DebugType) resolved
	resolveRef := func(ref uint64) resolved {
		target, ok := byOffset[ref]
		if !ok {
			return resolved{}
		}
		return resolveType(target)
	}

	resolveType = func(dt *model.DebugType) resolved {
		if dt == nil {
			return resolved{}
		}
		// A type already mid-resolution on this call stack (a cyclic
		// reference, e.g. a struct containing a pointer to itself) is
		// reported by its own raw name/size rather than recursing forever.
		if dt.DIEOffset != 0 {
			if emitting[dt.DIEOffset] {
				return resolved{name: dt.Name, size: dt.Size}
			}
			emitting[dt.DIEOffset] = true
			defer delete(emitting, dt.DIEOffset)
		}

		name := dt.Name
		size := dt.Size

		switch dt.Kind {
		case model.DebugTypePointer:
			target := resolveRef(dt.TypeRef)
			base := target.name
			if base == "" {
				base = "void"
			}
			name = base + "*"
			if size == 0 {
				size = 8
			}
		case model.DebugTypeConst:
			target := resolveRef(dt.TypeRef)
			if target.name != "" {
				name = "const " + target.name
			}
			if size == 0 {
				size = target.size
			}
		case model.DebugTypeVolatile:
			target := resolveRef(dt.TypeRef)
			if target.name != "" {
				name = "volatile " + target.name
			}
			if size == 0 {
				size = target.size
			}
		case model.DebugTypeTypedef:
			target := resolveRef(dt.TypeRef)
			if name == "" && target.name != "" {
				name = target.name
			}
			if size == 0 {
				size = target.size
			}
		case model.DebugTypeArray:
			target := resolveRef(dt.TypeRef)
			base := target.name
			if base == "" {
				base = "void"
			}
			if dt.ArrayCount != 0 {
				name = fmt.Sprintf("%s[%d]", base, dt.ArrayCount)
			} else {
				name = base + "[]"
			}
			if size == 0 && target.size != 0 && dt.ArrayCount != 0 {
				size = uint32(uint64(target.size) * dt.ArrayCount)
			}
		case model.DebugTypeStruct, model.DebugTypeUnion:
			if name == "" && dt.DIEOffset != 0 {
				prefix := "struct_"
				if dt.Kind == model.DebugTypeUnion {
					prefix = "union_"
				}
				name = fmt.Sprintf("%s%d", prefix, dt.DIEOffset)
			}
		case model.DebugTypeEnumeration:
			if name == "" && dt.DIEOffset != 0 {
				name = fmt.Sprintf("enum_%d", dt.DIEOffset)
			}
		case model.DebugTypeSubroutine:
			if name == "" {
				name = "fn"
			}
			if size == 0 {
				size = 8
			}
		}

		return resolved{name: name, size: size}
	}

	emitted := make(map[uint64]bool)
	for i := range debugInfo.Types {
		dt := &debugInfo.Types[i]
		if dt.DIEOffset == 0 || emitted[dt.DIEOffset] {
			continue
		}
		r := resolveType(dt)
		if r.name == "" {
			continue
		}

		types.AddType(model.Type{
			Kind: finalTypeKind(dt.Kind),
			Name: r.name,
			Size: r.size,
		})
		emitted[dt.DIEOffset] = true
	}
}

func finalTypeKind(kind model.DebugTypeKind) model.TypeKind {
	switch kind {
	case model.DebugTypeBase:
		return model.TypeInteger
	case model.DebugTypePointer:
		return model.TypePointer
	case model.DebugTypeStruct, model.DebugTypeUnion:
		return model.TypeStruct
	case model.DebugTypeArray:
		return model.TypeArray
	case model.DebugTypeTypedef, model.DebugTypeConst, model.DebugTypeVolatile, model.DebugTypeEnumeration:
		return model.TypeInteger
	case model.DebugTypeSubroutine:
		return model.TypePointer
	default:
		return model.TypeVoid
	}
}
