// Package pe implements the PE32/PE32+ container parser (C5): DOS/NT
// header walk, section materialization, export/import directory walk,
// base relocation application, and CodeView/RSDS PDB path extraction.
package pe

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/hizawye/loadcore/bincursor"
	"github.com/hizawye/loadcore/internal/telemetry"
	"github.com/hizawye/loadcore/model"
)

const component = "pe"

const (
	dosMagic    = 0x5a4d
	ntSignature = 0x00004550
	optMagic32  = 0x10b
	optMagic64  = 0x20b

	dirExport = 0
	dirImport = 1
	dirReloc  = 5
	dirDebug  = 6

	relocHighLow = 3
	relocDir64   = 10

	debugTypeCodeView = 2

	sectionCharRead    = 0x40000000
	sectionCharWrite   = 0x80000000
	sectionCharExecute = 0x20000000

	sectionHeaderSize = 40
	dataDirectorySize = 8
)

// Match reports whether data begins with an MZ/PE header this parser
// accepts (the DOS stub is not validated beyond the magic and e_lfanew).
func Match(data []byte) bool {
	if len(data) < 0x40 {
		return false
	}
	magic := uint16(data[0]) | uint16(data[1])<<8
	if magic != dosMagic {
		return false
	}
	lfanew := uint64(data[0x3c]) | uint64(data[0x3d])<<8 | uint64(data[0x3e])<<16 | uint64(data[0x3f])<<24
	if lfanew+4 > uint64(len(data)) {
		return false
	}
	return data[lfanew] == 'P' && data[lfanew+1] == 'E' && data[lfanew+2] == 0 && data[lfanew+3] == 0
}

type dataDirectory struct {
	rva  uint32
	size uint32
}

type sectionHeader struct {
	name             string
	virtualSize      uint32
	virtualAddress   uint32
	sizeOfRawData    uint32
	pointerToRawData uint32
	characteristics  uint32
}

func rvaToFileOffset(rva, headersSize uint32, sections []sectionHeader) uint32 {
	if rva < headersSize {
		return rva
	}
	for _, s := range sections {
		end := s.virtualAddress + s.virtualSize
		if s.sizeOfRawData > s.virtualSize {
			end = s.virtualAddress + s.sizeOfRawData
		}
		if rva >= s.virtualAddress && rva < end {
			return s.pointerToRawData + (rva - s.virtualAddress)
		}
	}
	return 0
}

func readStringAt(data []byte, offset uint32) string {
	if int(offset) >= len(data) {
		return ""
	}
	end := int(offset)
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[offset:end])
}

// Load parses data as a PE32 or PE32+ image and populates program.
func Load(data []byte, program *model.Program) error {
	if !Match(data) {
		return errors.New("not a PE file")
	}
	dos := bincursor.New(data)
	if err := dos.Skip(0x3c); err != nil {
		return errors.Wrap(err, "reading DOS header")
	}
	lfanew, err := dos.ReadU32()
	if err != nil {
		return errors.Wrap(err, "reading e_lfanew")
	}
	if int(lfanew) >= len(data) {
		return errors.New("e_lfanew out of file bounds")
	}

	nt := bincursor.At(data, int(lfanew))
	signature, err := nt.ReadU32()
	if err != nil || signature != ntSignature {
		return errors.New("invalid NT signature")
	}

	if err := nt.Skip(2); err != nil { // machine
		return errors.Wrap(err, "reading file header")
	}
	numberOfSections, err := nt.ReadU16()
	if err != nil {
		return errors.Wrap(err, "reading number of sections")
	}
	if err := nt.Skip(4 + 4 + 4); err != nil { // timestamp, symtab ptr, symbol count
		return err
	}
	sizeOfOptionalHeader, err := nt.ReadU16()
	if err != nil {
		return errors.Wrap(err, "reading size of optional header")
	}
	if _, err := nt.ReadU16(); err != nil { // characteristics
		return err
	}

	optionalStart := nt.Offset
	if optionalStart+int(sizeOfOptionalHeader) > len(data) {
		return errors.New("optional header out of file bounds")
	}
	opt := bincursor.At(data, optionalStart)

	var isPE32 bool
	var imageBase uint64
	var headersSize uint32
	var dirs [16]dataDirectory

	if sizeOfOptionalHeader >= 2 {
		magic, err := opt.ReadU16()
		if err != nil {
			return errors.Wrap(err, "reading optional header magic")
		}
		switch magic {
		case optMagic32:
			isPE32 = true
			if err := readOptionalHeader32(opt, &imageBase, &headersSize, &dirs); err != nil {
				return errors.Wrap(err, "reading PE32 optional header")
			}
		case optMagic64:
			if err := readOptionalHeader64(opt, &imageBase, &headersSize, &dirs); err != nil {
				return errors.Wrap(err, "reading PE32+ optional header")
			}
		default:
			return errors.Errorf("unsupported optional header magic %#x", magic)
		}
	}

	sectionsStart := optionalStart + int(sizeOfOptionalHeader)
	sc := bincursor.At(data, sectionsStart)
	sections := make([]sectionHeader, 0, numberOfSections)
	for i := uint16(0); i < numberOfSections; i++ {
		sh, err := readSectionHeader(sc)
		if err != nil {
			return errors.Wrap(err, "reading section header")
		}
		sections = append(sections, sh)
	}

	var minVaddr uint64 = ^uint64(0)
	var maxVaddr uint64
	for _, sec := range sections {
		vaddr := imageBase + uint64(sec.virtualAddress)

		if sec.name != "" {
			program.AddSection(model.Section{
				Name:       sec.name,
				Address:    vaddr,
				Size:       uint64(sec.virtualSize),
				FileOffset: uint64(sec.pointerToRawData),
				Flags:      uint64(sec.characteristics),
			})
		}
		program.AddSegment(model.Segment{
			Vaddr:  vaddr,
			Memsz:  uint64(sec.virtualSize),
			Filesz: uint64(sec.sizeOfRawData),
			Flags:  uint64(sec.characteristics),
		})
		program.MemoryMap().AddRegion(model.MemoryRegion{
			Start:      vaddr,
			Size:       uint64(sec.virtualSize),
			Readable:   sec.characteristics&sectionCharRead != 0,
			Writable:   sec.characteristics&sectionCharWrite != 0,
			Executable: sec.characteristics&sectionCharExecute != 0,
		})

		if vaddr < minVaddr {
			minVaddr = vaddr
		}
		if vaddr+uint64(sec.virtualSize) > maxVaddr {
			maxVaddr = vaddr + uint64(sec.virtualSize)
		}

		if sec.sizeOfRawData != 0 {
			end := uint64(sec.pointerToRawData) + uint64(sec.sizeOfRawData)
			if end > uint64(len(data)) {
				return errors.New("section raw data out of file bounds")
			}
			program.MemoryImage().MapSegment(vaddr, data[sec.pointerToRawData:end])
			if sec.virtualSize > sec.sizeOfRawData {
				program.MemoryImage().ZeroFill(vaddr+uint64(sec.sizeOfRawData), uint64(sec.virtualSize-sec.sizeOfRawData))
			}
		}
	}

	if minVaddr < maxVaddr {
		program.AddAddressSpace(model.AddressSpace{Name: "image", Base: minVaddr, Size: maxVaddr - minVaddr})
	}
	program.SetLoadBias(imageBase)

	if dirs[dirExport].rva != 0 {
		parseExports(data, dirs[dirExport], headersSize, sections, imageBase, program)
	}
	if dirs[dirImport].rva != 0 {
		parseImports(data, dirs[dirImport], headersSize, sections, imageBase, isPE32, program)
	}
	if dirs[dirReloc].rva != 0 {
		parseBaseRelocations(data, dirs[dirReloc], headersSize, sections, imageBase, program)
	}
	if dirs[dirDebug].rva != 0 {
		parseDebugDirectory(data, dirs[dirDebug], headersSize, sections, program)
	}

	return nil
}

func readOptionalHeader32(c *bincursor.Cursor, imageBase *uint64, headersSize *uint32, dirs *[16]dataDirectory) error {
	if err := c.Skip(1 + 1 + 4 + 4 + 4 + 4 + 4 + 4); err != nil { // linker ver, sizes, entry, base_of_code, base_of_data
		return err
	}
	base, err := c.ReadU32()
	if err != nil {
		return err
	}
	*imageBase = uint64(base)
	if err := c.Skip(4 + 4); err != nil { // section/file alignment
		return err
	}
	if err := c.Skip(2 * 6); err != nil { // os/image/subsystem version pairs
		return err
	}
	if err := c.Skip(4); err != nil { // win32_version_value
		return err
	}
	if err := c.Skip(4); err != nil { // size_of_image
		return err
	}
	hs, err := c.ReadU32()
	if err != nil {
		return err
	}
	*headersSize = hs
	if err := c.Skip(4); err != nil { // checksum
		return err
	}
	if err := c.Skip(2 + 2); err != nil { // subsystem, dll_characteristics
		return err
	}
	if err := c.Skip(4 * 4); err != nil { // stack/heap reserve/commit (32-bit)
		return err
	}
	if err := c.Skip(4); err != nil { // loader_flags
		return err
	}
	numDirs, err := c.ReadU32()
	if err != nil {
		return err
	}
	return readDataDirectories(c, numDirs, dirs)
}

func readOptionalHeader64(c *bincursor.Cursor, imageBase *uint64, headersSize *uint32, dirs *[16]dataDirectory) error {
	if err := c.Skip(1 + 1 + 4 + 4 + 4 + 4 + 4); err != nil { // linker ver, sizes, entry, base_of_code
		return err
	}
	base, err := c.ReadU64()
	if err != nil {
		return err
	}
	*imageBase = base
	if err := c.Skip(4 + 4); err != nil {
		return err
	}
	if err := c.Skip(2 * 6); err != nil {
		return err
	}
	if err := c.Skip(4); err != nil {
		return err
	}
	if err := c.Skip(4); err != nil {
		return err
	}
	hs, err := c.ReadU32()
	if err != nil {
		return err
	}
	*headersSize = hs
	if err := c.Skip(4); err != nil {
		return err
	}
	if err := c.Skip(2 + 2); err != nil {
		return err
	}
	if err := c.Skip(8 * 4); err != nil { // stack/heap reserve/commit (64-bit)
		return err
	}
	if err := c.Skip(4); err != nil {
		return err
	}
	numDirs, err := c.ReadU32()
	if err != nil {
		return err
	}
	return readDataDirectories(c, numDirs, dirs)
}

func readDataDirectories(c *bincursor.Cursor, numDirs uint32, dirs *[16]dataDirectory) error {
	limit := int(numDirs)
	if limit > 16 {
		limit = 16
	}
	for i := 0; i < limit; i++ {
		if c.Remaining() < dataDirectorySize {
			return nil
		}
		rva, err := c.ReadU32()
		if err != nil {
			return err
		}
		size, err := c.ReadU32()
		if err != nil {
			return err
		}
		dirs[i] = dataDirectory{rva: rva, size: size}
	}
	return nil
}

func readSectionHeader(c *bincursor.Cursor) (sectionHeader, error) {
	var sh sectionHeader
	nameBytes, err := c.ReadBytes(8)
	if err != nil {
		return sh, err
	}
	sh.name = strings.TrimRight(string(nameBytes), "\x00")
	if sh.virtualSize, err = c.ReadU32(); err != nil {
		return sh, err
	}
	if sh.virtualAddress, err = c.ReadU32(); err != nil {
		return sh, err
	}
	if sh.sizeOfRawData, err = c.ReadU32(); err != nil {
		return sh, err
	}
	if sh.pointerToRawData, err = c.ReadU32(); err != nil {
		return sh, err
	}
	if err := c.Skip(4 + 4 + 2 + 2); err != nil { // relocs, linenumbers, counts
		return sh, err
	}
	if sh.characteristics, err = c.ReadU32(); err != nil {
		return sh, err
	}
	return sh, nil
}

func parseExports(data []byte, dir dataDirectory, headersSize uint32, sections []sectionHeader, imageBase uint64, program *model.Program) {
	exportOffset := rvaToFileOffset(dir.rva, headersSize, sections)
	if exportOffset == 0 || int(exportOffset)+40 > len(data) {
		return
	}
	c := bincursor.At(data, int(exportOffset))
	if err := c.Skip(4 + 4 + 2 + 2 + 4 + 4); err != nil { // characteristics..base
		return
	}
	numberOfFunctions, err := c.ReadU32()
	if err != nil {
		return
	}
	numberOfNames, err := c.ReadU32()
	if err != nil {
		return
	}
	addressOfFunctions, err := c.ReadU32()
	if err != nil {
		return
	}
	addressOfNames, err := c.ReadU32()
	if err != nil {
		return
	}
	addressOfNameOrdinals, err := c.ReadU32()
	if err != nil {
		return
	}

	namesOffset := rvaToFileOffset(addressOfNames, headersSize, sections)
	ordOffset := rvaToFileOffset(addressOfNameOrdinals, headersSize, sections)
	funcOffset := rvaToFileOffset(addressOfFunctions, headersSize, sections)
	if namesOffset == 0 || ordOffset == 0 || funcOffset == 0 {
		return
	}

	namesCursor := bincursor.At(data, int(namesOffset))
	ordCursor := bincursor.At(data, int(ordOffset))
	funcsCursor := bincursor.At(data, int(funcOffset))

	funcs := make([]uint32, numberOfFunctions)
	for i := range funcs {
		v, err := funcsCursor.ReadU32()
		if err != nil {
			telemetry.Warn(component, "export function table truncated")
			break
		}
		funcs[i] = v
	}

	for i := uint32(0); i < numberOfNames; i++ {
		nameRVA, err := namesCursor.ReadU32()
		if err != nil {
			break
		}
		ordinal, err := ordCursor.ReadU16()
		if err != nil {
			break
		}
		nameOffset := rvaToFileOffset(nameRVA, headersSize, sections)
		name := readStringAt(data, nameOffset)
		if name == "" || int(ordinal) >= len(funcs) {
			continue
		}
		program.AddSymbol(model.Symbol{
			Name:    name,
			Address: imageBase + uint64(funcs[ordinal]),
			Kind:    model.SymbolFunction,
		})
	}
}

func parseImports(data []byte, dir dataDirectory, headersSize uint32, sections []sectionHeader, imageBase uint64, isPE32 bool, program *model.Program) {
	impOffset := rvaToFileOffset(dir.rva, headersSize, sections)
	if impOffset == 0 {
		return
	}
	c := bincursor.At(data, int(impOffset))

	const descriptorSize = 20
	for {
		if c.Remaining() < descriptorSize {
			return
		}
		originalFirstThunk, err := c.ReadU32()
		if err != nil {
			return
		}
		if err := c.Skip(4 + 4); err != nil { // timestamp, forwarder chain
			return
		}
		nameRVA, err := c.ReadU32()
		if err != nil {
			return
		}
		firstThunk, err := c.ReadU32()
		if err != nil {
			return
		}
		nextDesc := c.Offset

		if nameRVA == 0 {
			return
		}
		dllName := readStringAt(data, rvaToFileOffset(nameRVA, headersSize, sections))

		thunkRVA := firstThunk
		if originalFirstThunk != 0 {
			thunkRVA = originalFirstThunk
		}
		thunkOffset := rvaToFileOffset(thunkRVA, headersSize, sections)
		if thunkOffset != 0 {
			readImportThunks(data, thunkOffset, headersSize, sections, imageBase, isPE32, thunkRVA, dllName, program)
		}

		c.Offset = nextDesc
	}
}

func readImportThunks(data []byte, thunkOffset uint32, headersSize uint32, sections []sectionHeader, imageBase uint64, isPE32 bool, thunkRVA uint32, dllName string, program *model.Program) {
	c := bincursor.At(data, int(thunkOffset))
	ordinalFlag32 := uint64(0x80000000)
	ordinalFlag64 := uint64(0x8000000000000000)

	for {
		var thunk uint64
		var err error
		if isPE32 {
			var v32 uint32
			v32, err = c.ReadU32()
			thunk = uint64(v32)
		} else {
			thunk, err = c.ReadU64()
		}
		if err != nil || thunk == 0 {
			return
		}
		flag := ordinalFlag64
		if isPE32 {
			flag = ordinalFlag32
		}
		if thunk&flag != 0 {
			thunkRVA += entrySize(isPE32)
			continue
		}

		hintNameRVA := uint32(thunk)
		hintNameOffset := rvaToFileOffset(hintNameRVA, headersSize, sections)
		if hintNameOffset == 0 {
			thunkRVA += entrySize(isPE32)
			continue
		}
		funcName := readStringAt(data, hintNameOffset+2)
		if funcName != "" {
			program.AddSymbol(model.Symbol{
				Name:    dllName + "!" + funcName,
				Address: imageBase + uint64(thunkRVA),
				Kind:    model.SymbolExternal,
			})
		}
		thunkRVA += entrySize(isPE32)
	}
}

func entrySize(isPE32 bool) uint32 {
	if isPE32 {
		return 4
	}
	return 8
}

// parseBaseRelocations walks the .reloc directory's blocks directly out of
// the raw file bytes (the block layout is a file structure, not a
// memory-image one) and rewrites each fixup site in place, matching x86's
// null base-relocation semantics: the "fixup" reads the current value at
// the target and writes it back unchanged, since this loader never
// actually relocates code to a different base.
func parseBaseRelocations(data []byte, dir dataDirectory, headersSize uint32, sections []sectionHeader, imageBase uint64, program *model.Program) {
	relocOffset := rvaToFileOffset(dir.rva, headersSize, sections)
	if relocOffset == 0 || dir.size == 0 {
		return
	}
	image := program.MemoryImage()
	end := uint64(relocOffset) + uint64(dir.size)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	pos := uint64(relocOffset)
	for pos+8 <= end {
		c := bincursor.At(data, int(pos))
		pageRVA, err := c.ReadU32()
		if err != nil {
			return
		}
		blockSize, err := c.ReadU32()
		if err != nil || blockSize == 0 {
			return
		}

		entryCount := (blockSize - 8) / 2
		for i := uint32(0); i < entryCount; i++ {
			entry, err := c.ReadU16()
			if err != nil {
				break
			}
			relocType := entry >> 12
			relocOffsetInPage := entry & 0x0fff
			addr := imageBase + uint64(pageRVA) + uint64(relocOffsetInPage)

			rec := model.Relocation{Address: addr, Type: uint32(relocType)}
			switch relocType {
			case relocHighLow:
				if value, ok := image.ReadU32(addr); ok {
					image.WriteU32(addr, value)
					rec.Applied = true
				} else {
					rec.Note = "reloc read failed"
				}
			case relocDir64:
				if value, ok := image.ReadU64(addr); ok {
					image.WriteU64(addr, value)
					rec.Applied = true
				} else {
					rec.Note = "reloc read failed"
				}
			default:
				rec.Note = "unsupported reloc"
			}
			program.AddRelocation(rec)
		}
		pos += uint64(blockSize)
	}
}

func parseDebugDirectory(data []byte, dir dataDirectory, headersSize uint32, sections []sectionHeader, program *model.Program) {
	dbgOffset := rvaToFileOffset(dir.rva, headersSize, sections)
	if dbgOffset == 0 {
		return
	}
	const entrySize = 28
	count := int(dir.size) / entrySize
	c := bincursor.At(data, int(dbgOffset))
	for i := 0; i < count; i++ {
		if c.Remaining() < entrySize {
			return
		}
		if err := c.Skip(4 + 4 + 2 + 2); err != nil {
			return
		}
		typ, err := c.ReadU32()
		if err != nil {
			return
		}
		sizeOfData, err := c.ReadU32()
		if err != nil {
			return
		}
		if err := c.Skip(4); err != nil { // address_of_raw_data
			return
		}
		pointerToRawData, err := c.ReadU32()
		if err != nil {
			return
		}
		if typ == debugTypeCodeView && pointerToRawData != 0 {
			end := uint64(pointerToRawData) + uint64(sizeOfData)
			if end <= uint64(len(data)) && sizeOfData > 24 {
				cv := data[pointerToRawData : pointerToRawData+sizeOfData]
				if len(cv) > 24 && cv[0] == 'R' && cv[1] == 'S' && cv[2] == 'D' && cv[3] == 'S' {
					program.DebugInfo().PDBPath = readStringAt(cv, 24)
				}
			}
		}
	}
}
