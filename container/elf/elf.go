// Package elf implements the ELF64 container parser (C4): header/phdr/shdr
// walk, segment materialization, symbol and string-table extraction,
// relocation decoding, and the handoff into the DWARF reader and type
// resolver. Only ELF64 little-endian ET_EXEC/ET_DYN objects are accepted.
package elf

import (
	"github.com/pkg/errors"

	"github.com/hizawye/loadcore/bincursor"
	"github.com/hizawye/loadcore/dwarfreader"
	"github.com/hizawye/loadcore/internal/telemetry"
	"github.com/hizawye/loadcore/model"
	"github.com/hizawye/loadcore/reloc"
	"github.com/hizawye/loadcore/typeresolve"
)

const component = "elf"

var magic = [4]byte{0x7f, 'E', 'L', 'F'}

const (
	classELF64  = 2
	dataLittle  = 1
	etExec      = 2
	etDyn       = 3
	ptLoad      = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtRela     = 4
	shtRel      = 9
	shtDynsym   = 11
	sttNotype   = 0
	sttObject   = 1
	sttFunc     = 2
	sttSection  = 3
	ehdrSize    = 64
	phdrSize    = 56
	shdrSize    = 64
	symSize     = 24
	relaSize    = 24
	relSize     = 16
	permExecute = 0x1
	permWrite   = 0x2
	permRead    = 0x4
)

// Match reports whether data begins with the ELF64 little-endian magic
// this parser accepts.
func Match(data []byte) bool {
	return len(data) >= 20 &&
		data[0] == magic[0] && data[1] == magic[1] && data[2] == magic[2] && data[3] == magic[3] &&
		data[4] == classELF64 && data[5] == dataLittle
}

type header struct {
	ident      [16]byte
	typ        uint16
	machine    uint16
	version    uint32
	entry      uint64
	phoff      uint64
	shoff      uint64
	flags      uint32
	ehsize     uint16
	phentsize  uint16
	phnum      uint16
	shentsize  uint16
	shnum      uint16
	shstrndx   uint16
}

func readHeader(c *bincursor.Cursor) (header, error) {
	var h header
	ident, err := c.ReadBytes(16)
	if err != nil {
		return h, err
	}
	copy(h.ident[:], ident)

	var errRead error
	readU16 := func(dst *uint16) {
		if errRead == nil {
			*dst, errRead = c.ReadU16()
		}
	}
	readU32 := func(dst *uint32) {
		if errRead == nil {
			*dst, errRead = c.ReadU32()
		}
	}
	readU64 := func(dst *uint64) {
		if errRead == nil {
			*dst, errRead = c.ReadU64()
		}
	}

	readU16(&h.typ)
	readU16(&h.machine)
	readU32(&h.version)
	readU64(&h.entry)
	readU64(&h.phoff)
	readU64(&h.shoff)
	readU32(&h.flags)
	readU16(&h.ehsize)
	readU16(&h.phentsize)
	readU16(&h.phnum)
	readU16(&h.shentsize)
	readU16(&h.shnum)
	readU16(&h.shstrndx)
	if errRead != nil {
		return h, errRead
	}
	return h, nil
}

type phdr struct {
	typ    uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

func readPhdr(c *bincursor.Cursor) (phdr, error) {
	var p phdr
	var err error
	if p.typ, err = c.ReadU32(); err != nil {
		return p, err
	}
	if p.flags, err = c.ReadU32(); err != nil {
		return p, err
	}
	if p.offset, err = c.ReadU64(); err != nil {
		return p, err
	}
	if p.vaddr, err = c.ReadU64(); err != nil {
		return p, err
	}
	if p.paddr, err = c.ReadU64(); err != nil {
		return p, err
	}
	if p.filesz, err = c.ReadU64(); err != nil {
		return p, err
	}
	if p.memsz, err = c.ReadU64(); err != nil {
		return p, err
	}
	if p.align, err = c.ReadU64(); err != nil {
		return p, err
	}
	return p, nil
}

type shdr struct {
	name      uint32
	typ       uint32
	flags     uint64
	addr      uint64
	offset    uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

func readShdr(c *bincursor.Cursor) (shdr, error) {
	var s shdr
	var err error
	if s.name, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.typ, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.flags, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.addr, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.offset, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.size, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.link, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.info, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.addralign, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.entsize, err = c.ReadU64(); err != nil {
		return s, err
	}
	return s, nil
}

type sym struct {
	name  uint32
	info  uint8
	other uint8
	shndx uint16
	value uint64
	size  uint64
}

func readSym(c *bincursor.Cursor) (sym, error) {
	var s sym
	var err error
	if s.name, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.info, err = c.ReadU8(); err != nil {
		return s, err
	}
	if s.other, err = c.ReadU8(); err != nil {
		return s, err
	}
	if s.shndx, err = c.ReadU16(); err != nil {
		return s, err
	}
	if s.value, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.size, err = c.ReadU64(); err != nil {
		return s, err
	}
	return s, nil
}

func cstring(table []byte, offset uint32) string {
	if int(offset) >= len(table) {
		return ""
	}
	end := int(offset)
	for end < len(table) && table[end] != 0 {
		end++
	}
	return string(table[offset:end])
}

func symbolKind(sttType uint8) model.SymbolKind {
	switch sttType {
	case sttFunc:
		return model.SymbolFunction
	case sttObject:
		return model.SymbolData
	case sttSection:
		return model.SymbolLabel
	default:
		return model.SymbolUnknown
	}
}

// Load parses data as an ELF64 object and populates program.
func Load(data []byte, program *model.Program) error {
	if !Match(data) {
		return errors.New("not an ELF64 little-endian file")
	}

	c := bincursor.New(data)
	h, err := readHeader(c)
	if err != nil {
		return errors.Wrap(err, "reading ELF header")
	}
	if h.typ != etExec && h.typ != etDyn {
		return errors.Errorf("unsupported ELF type %d", h.typ)
	}
	if h.phentsize != phdrSize {
		return errors.Errorf("unexpected program header size %d", h.phentsize)
	}
	if h.phoff == 0 || h.phnum == 0 {
		return errors.New("ELF has no program headers")
	}

	var minVaddr uint64 = ^uint64(0)
	var maxVaddr uint64
	foundLoad := false

	for i := uint16(0); i < h.phnum; i++ {
		pc := bincursor.At(data, int(h.phoff)+int(i)*phdrSize)
		p, err := readPhdr(pc)
		if err != nil {
			return errors.Wrap(err, "reading program header")
		}
		if p.typ != ptLoad || p.memsz == 0 {
			continue
		}

		region := model.MemoryRegion{
			Start:      p.vaddr,
			Size:       p.memsz,
			Readable:   p.flags&permRead != 0,
			Writable:   p.flags&permWrite != 0,
			Executable: p.flags&permExecute != 0,
		}
		program.MemoryMap().AddRegion(region)

		if p.offset+p.filesz > uint64(len(data)) {
			return errors.New("segment bytes out of file bounds")
		}
		program.MemoryImage().MapSegment(p.vaddr, data[p.offset:p.offset+p.filesz])
		if p.memsz > p.filesz {
			program.MemoryImage().ZeroFill(p.vaddr+p.filesz, p.memsz-p.filesz)
		}
		program.AddSegment(model.Segment{Vaddr: p.vaddr, Memsz: p.memsz, Filesz: p.filesz, Flags: uint64(p.flags)})

		if p.vaddr < minVaddr {
			minVaddr = p.vaddr
		}
		if p.vaddr+p.memsz > maxVaddr {
			maxVaddr = p.vaddr + p.memsz
		}
		foundLoad = true
	}

	if !foundLoad {
		return errors.New("no loadable segments")
	}

	if minVaddr < maxVaddr {
		program.AddAddressSpace(model.AddressSpace{Name: "ram", Base: minVaddr, Size: maxVaddr - minVaddr})
	}
	if h.typ == etDyn {
		program.SetLoadBias(minVaddr)
	} else {
		program.SetLoadBias(0)
	}

	if h.shoff == 0 || h.shnum == 0 {
		return nil
	}
	if h.shentsize != shdrSize {
		return errors.Errorf("unexpected section header size %d", h.shentsize)
	}

	sections := make([]shdr, h.shnum)
	for i := uint16(0); i < h.shnum; i++ {
		sc := bincursor.At(data, int(h.shoff)+int(i)*shdrSize)
		s, err := readShdr(sc)
		if err != nil {
			return errors.Wrap(err, "reading section header")
		}
		sections[i] = s
	}

	if int(h.shstrndx) >= len(sections) {
		return errors.New("invalid section string table index")
	}
	shstrtab, err := sectionBytes(data, sections[h.shstrndx])
	if err != nil {
		return errors.Wrap(err, "reading section string table")
	}

	for _, sh := range sections {
		program.AddSection(model.Section{
			Name:       cstring(shstrtab, sh.name),
			Address:    sh.addr,
			Size:       sh.size,
			FileOffset: sh.offset,
			Flags:      sh.flags,
		})
	}

	stringTables := make([][]byte, len(sections))
	symbolTables := make([][]sym, len(sections))

	for i, sh := range sections {
		if sh.typ != shtSymtab && sh.typ != shtDynsym {
			continue
		}
		if sh.entsize != symSize || sh.size == 0 {
			continue
		}
		if int(sh.link) >= len(sections) || sections[sh.link].typ != shtStrtab {
			continue
		}
		strtab, err := sectionBytes(data, sections[sh.link])
		if err != nil {
			continue
		}
		stringTables[i] = strtab

		count := int(sh.size / sh.entsize)
		syms := make([]sym, 0, count)
		sc := bincursor.At(data, int(sh.offset))
		for idx := 0; idx < count; idx++ {
			s, err := readSym(sc)
			if err != nil {
				telemetry.Warn(component, "symbol table truncated, keeping partial results")
				break
			}
			syms = append(syms, s)
		}
		symbolTables[i] = syms
	}

	for i, sh := range sections {
		if sh.typ != shtSymtab && sh.typ != shtDynsym {
			continue
		}
		if sh.entsize != symSize || sh.size == 0 {
			continue
		}
		strtab := stringTables[i]
		for _, s := range symbolTables[i] {
			sttType := s.info & 0x0f
			if sttType == sttNotype && s.name == 0 {
				continue
			}
			name := cstring(strtab, s.name)
			if name == "" {
				continue
			}
			kind := symbolKind(sttType)
			program.AddSymbol(model.Symbol{Name: name, Address: s.value, Kind: kind})
			if kind == model.SymbolData && s.size > 0 {
				program.Types().AddType(model.Type{
					Kind: model.TypeInteger,
					Name: name + "_t",
					Size: uint32(s.size),
				})
			}
		}
	}

	for _, sh := range sections {
		if sh.typ != shtRela && sh.typ != shtRel {
			continue
		}
		if sh.entsize == 0 || sh.size == 0 {
			continue
		}
		if int(sh.link) >= len(sections) {
			continue
		}
		symtab := symbolTables[sh.link]
		strtab := stringTables[sh.link]

		entSize := relaSize
		if sh.typ == shtRel {
			entSize = relSize
		}
		if int(sh.entsize) != entSize {
			continue
		}
		count := int(sh.size / sh.entsize)
		rc := bincursor.At(data, int(sh.offset))

		for idx := 0; idx < count; idx++ {
			var address uint64
			var info uint64
			var addend int64
			var note string

			if sh.typ == shtRela {
				var err error
				if address, err = rc.ReadU64(); err != nil {
					break
				}
				if info, err = rc.ReadU64(); err != nil {
					break
				}
				a, err := rc.ReadS64()
				if err != nil {
					break
				}
				addend = a
			} else {
				var err error
				if address, err = rc.ReadU64(); err != nil {
					break
				}
				if info, err = rc.ReadU64(); err != nil {
					break
				}
				raw, ok := program.MemoryImage().ReadU64(address + program.LoadBias())
				if !ok {
					note = "addend read failed"
				}
				addend = int64(raw)
			}

			relType := uint32(info)
			symIndex := uint32(info >> 32)

			var symbolName string
			var symbolValue uint64
			if int(symIndex) < len(symtab) {
				symbolName = cstring(strtab, symtab[symIndex].name)
				symbolValue = symtab[symIndex].value
			}

			applied, applyNote := reloc.ApplyX86_64(relType, address, symbolValue, addend, program.LoadBias(), program.MemoryImage())
			if applyNote != "" && note == "" {
				note = applyNote
			}
			if !applied && note == "" {
				note = "relocation not applied"
			}
			program.AddRelocation(model.Relocation{
				Address: address,
				Type:    relType,
				Symbol:  symbolName,
				Addend:  addend,
				Applied: applied,
				Note:    note,
			})
		}
	}

	var debugInfoBytes, debugAbbrevBytes, debugLineBytes, debugStrBytes []byte
	for _, sh := range sections {
		name := cstring(shstrtab, sh.name)
		switch name {
		case ".debug_info":
			debugInfoBytes, _ = sectionBytes(data, sh)
		case ".debug_abbrev":
			debugAbbrevBytes, _ = sectionBytes(data, sh)
		case ".debug_line":
			debugLineBytes, _ = sectionBytes(data, sh)
		case ".debug_str":
			debugStrBytes, _ = sectionBytes(data, sh)
		}
	}

	if debugInfoBytes != nil && debugAbbrevBytes != nil {
		sects := dwarfreader.Sections{
			DebugInfo:   debugInfoBytes,
			DebugAbbrev: debugAbbrevBytes,
			DebugLine:   debugLineBytes,
			DebugStr:    debugStrBytes,
		}
		if dwarfErr := dwarfreader.Parse(sects, program.DebugInfo()); dwarfErr != nil {
			if program.Error == "" {
				program.Error = "DWARF parse failed: " + dwarfErr.Error()
			}
			telemetry.Warn(component, dwarfErr.Error())
		}
	}

	typeresolve.Resolve(program.DebugInfo(), program.Types())

	return nil
}

func sectionBytes(data []byte, sh shdr) ([]byte, error) {
	if sh.offset+sh.size > uint64(len(data)) {
		return nil, errors.New("section out of file bounds")
	}
	return data[sh.offset : sh.offset+sh.size], nil
}
