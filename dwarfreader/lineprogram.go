package dwarfreader

import (
	"github.com/pkg/errors"

	"github.com/hizawye/loadcore/bincursor"
	"github.com/hizawye/loadcore/model"
)

type lineFile struct {
	name     string
	dirIndex uint32
}

type lineHeader struct {
	version              uint16
	minInstLength        uint8
	maxOpsPerInst        uint8
	defaultIsStmt        uint8
	lineBase             int8
	lineRange            uint8
	opcodeBase           uint8
	standardOpcodeLens   []uint8
	includeDirs          []string
	files                []lineFile
}

func joinPath(dir, file string) string {
	if dir == "" {
		return file
	}
	return dir + "/" + file
}

// parseLineProgram decodes the line-number program at offset within
// .debug_line and appends every committed row to out.Lines.
func (r *reader) parseLineProgram(offset uint64, out *model.DebugInfo) error {
	if r.sections.DebugLine == nil {
		return errors.New("missing .debug_line")
	}
	if int(offset) >= len(r.sections.DebugLine) {
		return errors.New("stmt_list offset out of range")
	}

	c := bincursor.At(r.sections.DebugLine, int(offset))
	unitLength, err := c.ReadU32()
	if err != nil {
		return err
	}
	if unitLength == 0 || unitLength == 0xffffffff {
		return errors.New("empty or DWARF64 line program")
	}
	unitEnd := c.Offset + int(unitLength)

	var h lineHeader
	if h.version, err = c.ReadU16(); err != nil {
		return err
	}
	if h.version < 4 {
		return errors.Errorf("DWARF line version %d not supported", h.version)
	}

	headerLength, err := c.ReadU32()
	if err != nil {
		return err
	}
	headerEnd := c.Offset + int(headerLength)

	if h.minInstLength, err = c.ReadU8(); err != nil {
		return err
	}
	if h.maxOpsPerInst, err = c.ReadU8(); err != nil {
		return err
	}
	if h.defaultIsStmt, err = c.ReadU8(); err != nil {
		return err
	}
	rawLineBase, err := c.ReadU8()
	if err != nil {
		return err
	}
	h.lineBase = int8(rawLineBase)
	if h.lineRange, err = c.ReadU8(); err != nil {
		return err
	}
	if h.opcodeBase, err = c.ReadU8(); err != nil {
		return err
	}

	nStd := 0
	if h.opcodeBase > 0 {
		nStd = int(h.opcodeBase) - 1
	}
	h.standardOpcodeLens = make([]uint8, nStd)
	for i := range h.standardOpcodeLens {
		if h.standardOpcodeLens[i], err = c.ReadU8(); err != nil {
			return err
		}
	}

	for c.Offset < headerEnd {
		dir, err := c.ReadCString()
		if err != nil {
			return err
		}
		if dir == "" {
			break
		}
		h.includeDirs = append(h.includeDirs, dir)
	}

	for c.Offset < headerEnd {
		name, err := c.ReadCString()
		if err != nil {
			return err
		}
		if name == "" {
			break
		}
		dirIndex, err := c.ReadULEB128()
		if err != nil {
			return err
		}
		if _, err := c.ReadULEB128(); err != nil { // mtime, unused
			return err
		}
		if _, err := c.ReadULEB128(); err != nil { // length, unused
			return err
		}
		h.files = append(h.files, lineFile{name: name, dirIndex: uint32(dirIndex)})
	}

	fileEntry := func(file uint32) (lineFile, bool) {
		if file == 0 || int(file) > len(h.files) {
			return lineFile{}, false
		}
		return h.files[file-1], true
	}
	dirOf := func(f lineFile) string {
		if f.dirIndex == 0 || int(f.dirIndex) > len(h.includeDirs) {
			return ""
		}
		return h.includeDirs[f.dirIndex-1]
	}

	var address uint64
	line := int64(1)
	file := uint32(1)
	isStmt := h.defaultIsStmt != 0

	emit := func() {
		f, ok := fileEntry(file)
		if !ok {
			return
		}
		out.Lines = append(out.Lines, model.DebugLineEntry{
			Address: address,
			File:    joinPath(dirOf(f), f.name),
			Line:    uint32(line),
		})
	}

	for c.Offset < unitEnd {
		opcode, err := c.ReadU8()
		if err != nil {
			return err
		}

		if opcode == 0 {
			extLen, err := c.ReadULEB128()
			if err != nil {
				return err
			}
			sub, err := c.ReadU8()
			if err != nil {
				return err
			}
			if sub == 1 {
				address = 0
				line = 1
				file = 1
				isStmt = h.defaultIsStmt != 0
			} else if extLen > 1 {
				if err := c.Skip(int(extLen) - 1); err != nil {
					return err
				}
			}
			continue
		}

		if opcode < h.opcodeBase {
			switch opcode {
			case lineOpCopy:
				emit()
			case lineOpAdvancePC:
				advance, err := c.ReadULEB128()
				if err != nil {
					return err
				}
				address += advance * uint64(h.minInstLength)
			case lineOpAdvanceLine:
				delta, err := c.ReadSLEB128()
				if err != nil {
					return err
				}
				line += delta
			case lineOpSetFile:
				v, err := c.ReadULEB128()
				if err != nil {
					return err
				}
				file = uint32(v)
			case lineOpSetColumn:
				if _, err := c.ReadULEB128(); err != nil {
					return err
				}
			case lineOpNegStmt:
				isStmt = !isStmt
			case lineOpSetBasicBlock, lineOpSetPrologueEnd, lineOpSetEpilogueBeg:
			case lineOpConstAddPC:
				adjusted := uint64(255) - uint64(h.opcodeBase)
				if h.lineRange != 0 {
					address += (adjusted / uint64(h.lineRange)) * uint64(h.minInstLength)
				}
			case lineOpFixedAdvancePC:
				advance, err := c.ReadU16()
				if err != nil {
					return err
				}
				address += uint64(advance)
			case lineOpSetISA:
				if _, err := c.ReadULEB128(); err != nil {
					return err
				}
			default:
				argCount := uint8(0)
				if int(opcode)-1 >= 0 && int(opcode)-1 < len(h.standardOpcodeLens) {
					argCount = h.standardOpcodeLens[opcode-1]
				}
				for i := uint8(0); i < argCount; i++ {
					if _, err := c.ReadULEB128(); err != nil {
						return err
					}
				}
			}
			continue
		}

		adjusted := opcode - h.opcodeBase
		if h.lineRange == 0 {
			return errors.New("line_range is zero")
		}
		advanceAddr := (uint64(adjusted) / uint64(h.lineRange)) * uint64(h.minInstLength)
		advanceLine := int64(h.lineBase) + int64(adjusted)%int64(h.lineRange)
		address += advanceAddr
		line += advanceLine
		emit()
	}

	return nil
}
