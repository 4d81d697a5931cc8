package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/hizawye/loadcore/model"
	"github.com/hizawye/loadcore/reloc"
)

// elfBuilder assembles a minimal, well-formed ELF64 little-endian object
// byte-by-byte so tests exercise the real parser rather than a library.
type elfBuilder struct {
	etype      uint16
	phdrs      []builtPhdr
	sections   []builtSection
	shstrtab   []byte
	shstrIndex uint16
}

type builtPhdr struct {
	typ, flags       uint32
	vaddr            uint64
	data             []byte
	memsz            uint64
}

type builtSection struct {
	name    string
	typ     uint32
	flags   uint64
	addr    uint64
	data    []byte
	link    uint32
	entsize uint64
}

func le16(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func le32(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
func le64(v uint64) []byte { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); return b }

func (b *elfBuilder) addLoad(vaddr uint64, flags uint32, data []byte, memsz uint64) {
	b.phdrs = append(b.phdrs, builtPhdr{typ: ptLoad, flags: flags, vaddr: vaddr, data: data, memsz: memsz})
}

func (b *elfBuilder) addSection(s builtSection) uint16 {
	idx := uint16(len(b.sections))
	b.sections = append(b.sections, s)
	return idx
}

// build lays the file out as: ELF header, program headers, section data
// (in append order), shstrtab data, PT_LOAD segment data, section headers,
// with the synthesized shstrtab section header appended last.
func (b *elfBuilder) build() []byte {
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOffsets := make([]uint32, len(b.sections))
	for i, s := range b.sections {
		nameOffsets[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	ehsize := ehdrSize
	phoff := uint64(ehsize)
	phTotal := len(b.phdrs) * phdrSize
	dataStart := phoff + uint64(phTotal)

	var body bytes.Buffer
	sectionOffsets := make([]uint64, len(b.sections))
	for i, s := range b.sections {
		sectionOffsets[i] = dataStart + uint64(body.Len())
		body.Write(s.data)
	}
	shstrtabOffset := dataStart + uint64(body.Len())
	body.Write(shstrtab.Bytes())

	// Each PT_LOAD's bytes are written once, after the section data and
	// shstrtab; its program header's file offset points at that copy. The
	// segment bytes do not overlap any section's file range.
	phdrOffsets := make([]uint64, len(b.phdrs))
	for i, p := range b.phdrs {
		phdrOffsets[i] = dataStart + uint64(body.Len())
		body.Write(p.data)
	}

	shoff := dataStart + uint64(body.Len())

	var out bytes.Buffer
	out.Write([]byte{0x7f, 'E', 'L', 'F', classELF64, dataLittle, 1, 0})
	out.Write(make([]byte, 8)) // ident padding
	out.Write(le16(b.etype))
	out.Write(le16(0x3e)) // EM_X86_64
	out.Write(le32(1))
	out.Write(le64(0))
	out.Write(le64(phoff))
	out.Write(le64(shoff))
	out.Write(le32(0))
	out.Write(le16(uint16(ehsize)))
	out.Write(le16(uint16(phdrSize)))
	out.Write(le16(uint16(len(b.phdrs))))
	out.Write(le16(uint16(shdrSize)))
	out.Write(le16(uint16(len(b.sections) + 1))) // +1 for shstrtab
	out.Write(le16(uint16(len(b.sections))))     // shstrndx: shstrtab is last

	for i, p := range b.phdrs {
		out.Write(le32(p.typ))
		out.Write(le32(p.flags))
		out.Write(le64(phdrOffsets[i]))
		out.Write(le64(p.vaddr))
		out.Write(le64(p.vaddr))
		out.Write(le64(uint64(len(p.data))))
		out.Write(le64(p.memsz))
		out.Write(le64(0x1000))
	}

	dataOff := int(dataStart)
	fileSoFar := out.Len()
	if fileSoFar < dataOff {
		out.Write(make([]byte, dataOff-fileSoFar))
	}
	out.Write(body.Bytes())

	for i, s := range b.sections {
		out.Write(le32(nameOffsets[i]))
		out.Write(le32(s.typ))
		out.Write(le64(s.flags))
		out.Write(le64(s.addr))
		out.Write(le64(sectionOffsets[i]))
		out.Write(le64(uint64(len(s.data))))
		out.Write(le32(s.link))
		out.Write(le32(0))
		out.Write(le64(1))
		out.Write(le64(s.entsize))
	}
	// shstrtab section header itself
	out.Write(le32(shstrtabNameOff))
	out.Write(le32(shtStrtab))
	out.Write(le64(0))
	out.Write(le64(0))
	out.Write(le64(shstrtabOffset))
	out.Write(le64(uint64(shstrtab.Len())))
	out.Write(le32(0))
	out.Write(le32(0))
	out.Write(le64(1))
	out.Write(le64(0))

	return out.Bytes()
}

func symtabEntry(nameOff uint32, info uint8, value, size uint64) []byte {
	var buf bytes.Buffer
	buf.Write(le32(nameOff))
	buf.WriteByte(info)
	buf.WriteByte(0)
	buf.Write(le16(0))
	buf.Write(le64(value))
	buf.Write(le64(size))
	return buf.Bytes()
}

func TestLoadStaticExecutableWithFunctionSymbol(t *testing.T) {
	b := &elfBuilder{etype: etExec}
	code := make([]byte, 0x20)
	b.addLoad(0x400000, permRead|permExecute, code, uint64(len(code)))

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	mainOff := uint32(strtab.Len())
	strtab.WriteString("main")
	strtab.WriteByte(0)

	sym := symtabEntry(mainOff, (sttFunc), 0x400010, 0)
	strtabIdx := b.addSection(builtSection{name: ".strtab", typ: shtStrtab, data: strtab.Bytes()})
	b.addSection(builtSection{name: ".symtab", typ: shtSymtab, data: sym, link: uint32(strtabIdx), entsize: symSize})

	data := b.build()

	program := model.NewProgram("test")
	if err := Load(data, program); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if program.LoadBias() != 0 {
		t.Fatalf("expected zero load bias for ET_EXEC, got %#x", program.LoadBias())
	}
	found := false
	for _, s := range program.Symbols() {
		if s.Name == "main" && s.Address == 0x400010 && s.Kind == model.SymbolFunction {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected symbol main at 0x400010, got %+v", program.Symbols())
	}
}

func TestLoadPositionIndependentAppliesRelativeReloc(t *testing.T) {
	b := &elfBuilder{etype: etDyn}
	code := make([]byte, 0x2000)
	b.addLoad(0x1000, permRead|permWrite, code, uint64(len(code)))

	var rela bytes.Buffer
	rela.Write(le64(0x1100)) // r_offset
	rela.Write(le64(uint64(reloc.X8664_Relative)))
	rela.Write(le64(uint64(int64(0x1234))))

	b.addSection(builtSection{name: ".rela.dyn", typ: shtRela, data: rela.Bytes(), link: 0, entsize: relaSize})

	data := b.build()

	program := model.NewProgram("test")
	if err := Load(data, program); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if program.LoadBias() != 0x1000 {
		t.Fatalf("expected load bias 0x1000, got %#x", program.LoadBias())
	}
	place := uint64(0x1100) + program.LoadBias()
	got, ok := program.MemoryImage().ReadU64(place)
	if !ok {
		t.Fatalf("expected place %#x to be mapped", place)
	}
	want := program.LoadBias() + 0x1234
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
	if len(program.Relocations()) != 1 || !program.Relocations()[0].Applied {
		t.Fatalf("expected one applied relocation, got %+v", program.Relocations())
	}
}

func TestLoadRejectsNonELF(t *testing.T) {
	program := model.NewProgram("test")
	if err := Load([]byte("not an elf"), program); err == nil {
		t.Fatal("expected non-ELF data to fail")
	}
}

func TestLoadRejectsNoProgramHeaders(t *testing.T) {
	b := &elfBuilder{etype: etExec}
	data := b.build()
	// No addLoad call, so build() writes zero program headers (phnum 0)
	// and this should fail on "no program headers".
	program := model.NewProgram("test")
	if err := Load(data, program); err == nil {
		t.Fatal("expected missing program headers to fail")
	}
}
