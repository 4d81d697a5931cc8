// Package macho implements the Mach-O 64-bit container parser (C6):
// load-command walk, LC_SEGMENT_64 segment/section materialization,
// LC_SYMTAB symbol extraction, and LC_DYSYMTAB local-relocation recording.
// Local relocations are decoded but never applied; Mach-O rebasing is out
// of scope for this loader core.
package macho

import (
	"github.com/pkg/errors"

	"github.com/hizawye/loadcore/bincursor"
	"github.com/hizawye/loadcore/model"
)

const (
	magic64     = 0xfeedfacf
	lcSegment64 = 0x19
	lcSymtab    = 0x2
	lcDysymtab  = 0xb

	machHeaderSize      = 32
	loadCommandSize     = 8
	segmentCommandSize  = 72
	section64Size       = 80
	symtabCommandSize   = 24
	dysymtabCommandSize = 80
)

// Match reports whether data begins with the 64-bit little-endian
// Mach-O magic this parser accepts.
func Match(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return magic == magic64
}

func trimCString(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

type symtabCommand struct {
	symOff, nsyms, strOff, strSize uint32
}

type dysymtabCommand struct {
	locRelOff, nLocRel uint32
}

// Load parses data as a Mach-O 64-bit object and populates program.
func Load(data []byte, program *model.Program) error {
	if !Match(data) {
		return errors.New("not a Mach-O 64-bit little-endian file")
	}

	c := bincursor.New(data)
	if err := c.Skip(4); err != nil { // magic
		return err
	}
	if err := c.Skip(4 + 4 + 4); err != nil { // cputype, cpusubtype, filetype
		return err
	}
	ncmds, err := c.ReadU32()
	if err != nil {
		return errors.Wrap(err, "reading ncmds")
	}
	if _, err := c.ReadU32(); err != nil { // sizeofcmds
		return err
	}
	if err := c.Skip(4 + 4); err != nil { // flags, reserved
		return err
	}

	var minVaddr uint64 = ^uint64(0)
	var maxVaddr uint64

	var symtab symtabCommand
	var dysymtab dysymtabCommand
	hasSymtab := false

	cmdOffset := machHeaderSize
	for i := uint32(0); i < ncmds; i++ {
		if cmdOffset+loadCommandSize > len(data) {
			return errors.New("load command out of file bounds")
		}
		lcCursor := bincursor.At(data, cmdOffset)
		cmd, err := lcCursor.ReadU32()
		if err != nil {
			return errors.Wrap(err, "reading load command")
		}
		cmdSize, err := lcCursor.ReadU32()
		if err != nil || cmdSize < loadCommandSize {
			return errors.New("malformed load command")
		}

		switch {
		case cmd == lcSegment64 && cmdSize >= segmentCommandSize:
			seg, err := readSegmentCommand64(data, cmdOffset)
			if err != nil {
				return errors.Wrap(err, "reading segment command")
			}

			program.AddSegment(model.Segment{Vaddr: seg.vmaddr, Memsz: seg.vmsize, Filesz: seg.filesize, Flags: uint64(seg.initprot)})
			program.MemoryMap().AddRegion(model.MemoryRegion{
				Start:      seg.vmaddr,
				Size:       seg.vmsize,
				Readable:   seg.initprot&1 != 0,
				Writable:   seg.initprot&2 != 0,
				Executable: seg.initprot&4 != 0,
			})

			if seg.filesize != 0 {
				end := seg.fileoff + seg.filesize
				if end > uint64(len(data)) {
					return errors.New("segment bytes out of file bounds")
				}
				program.MemoryImage().MapSegment(seg.vmaddr, data[seg.fileoff:end])
				if seg.vmsize > seg.filesize {
					program.MemoryImage().ZeroFill(seg.vmaddr+seg.filesize, seg.vmsize-seg.filesize)
				}
			} else if seg.vmsize != 0 {
				program.MemoryImage().ZeroFill(seg.vmaddr, seg.vmsize)
			}

			if seg.vmaddr < minVaddr {
				minVaddr = seg.vmaddr
			}
			if seg.vmaddr+seg.vmsize > maxVaddr {
				maxVaddr = seg.vmaddr + seg.vmsize
			}

			sectOffset := cmdOffset + segmentCommandSize
			for s := uint32(0); s < seg.nsects; s++ {
				sect, err := readSection64(data, sectOffset)
				if err != nil {
					return errors.Wrap(err, "reading section")
				}
				if sect.name != "" {
					program.AddSection(model.Section{
						Name:       sect.name,
						Address:    sect.addr,
						Size:       sect.size,
						FileOffset: uint64(sect.offset),
						Flags:      uint64(sect.flags),
					})
				}
				sectOffset += section64Size
			}

		case cmd == lcSymtab && cmdSize >= symtabCommandSize:
			symtab, err = readSymtabCommand(data, cmdOffset)
			if err != nil {
				return errors.Wrap(err, "reading symtab command")
			}
			hasSymtab = true

		case cmd == lcDysymtab && cmdSize >= dysymtabCommandSize:
			dysymtab, err = readDysymtabCommand(data, cmdOffset)
			if err != nil {
				return errors.Wrap(err, "reading dysymtab command")
			}
		}

		cmdOffset += int(cmdSize)
	}

	if minVaddr < maxVaddr {
		program.AddAddressSpace(model.AddressSpace{Name: "image", Base: minVaddr, Size: maxVaddr - minVaddr})
	}

	if hasSymtab {
		if err := loadSymbols(data, symtab, program); err != nil {
			return errors.Wrap(err, "reading symbol table")
		}
	}

	if dysymtab.nLocRel > 0 && dysymtab.locRelOff != 0 {
		loadLocalRelocations(data, dysymtab, program)
	}

	return nil
}

type segmentCommand64 struct {
	vmaddr, vmsize, fileoff, filesize uint64
	maxprot, initprot, nsects, flags  uint32
}

func readSegmentCommand64(data []byte, offset int) (segmentCommand64, error) {
	var s segmentCommand64
	c := bincursor.At(data, offset+8) // skip cmd, cmdsize
	if err := c.Skip(16); err != nil { // segname
		return s, err
	}
	var err error
	if s.vmaddr, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.vmsize, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.fileoff, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.filesize, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.maxprot, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.initprot, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.nsects, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.flags, err = c.ReadU32(); err != nil {
		return s, err
	}
	return s, nil
}

type section64 struct {
	name          string
	addr, size    uint64
	offset, flags uint32
}

func readSection64(data []byte, offset int) (section64, error) {
	var s section64
	c := bincursor.At(data, offset)
	nameBytes, err := c.ReadBytes(16)
	if err != nil {
		return s, err
	}
	s.name = trimCString(nameBytes)
	if err := c.Skip(16); err != nil { // segname
		return s, err
	}
	if s.addr, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.size, err = c.ReadU64(); err != nil {
		return s, err
	}
	if s.offset, err = c.ReadU32(); err != nil {
		return s, err
	}
	if err := c.Skip(4); err != nil { // align
		return s, err
	}
	if err := c.Skip(4 + 4); err != nil { // reloff, nreloc
		return s, err
	}
	if s.flags, err = c.ReadU32(); err != nil {
		return s, err
	}
	return s, nil
}

func readSymtabCommand(data []byte, offset int) (symtabCommand, error) {
	var s symtabCommand
	c := bincursor.At(data, offset+8)
	var err error
	if s.symOff, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.nsyms, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.strOff, err = c.ReadU32(); err != nil {
		return s, err
	}
	if s.strSize, err = c.ReadU32(); err != nil {
		return s, err
	}
	return s, nil
}

func readDysymtabCommand(data []byte, offset int) (dysymtabCommand, error) {
	var d dysymtabCommand
	c := bincursor.At(data, offset+8)
	if err := c.Skip(4 * 14); err != nil { // ilocalsym .. nindirectsyms
		return d, err
	}
	if err := c.Skip(4 + 4); err != nil { // extreloff, nextrel
		return d, err
	}
	var err error
	if d.locRelOff, err = c.ReadU32(); err != nil {
		return d, err
	}
	if d.nLocRel, err = c.ReadU32(); err != nil {
		return d, err
	}
	return d, nil
}

func loadSymbols(data []byte, symtab symtabCommand, program *model.Program) error {
	strEnd := uint64(symtab.strOff) + uint64(symtab.strSize)
	if strEnd > uint64(len(data)) {
		return errors.New("string table out of file bounds")
	}
	strtab := data[symtab.strOff:strEnd]

	c := bincursor.At(data, int(symtab.symOff))
	for i := uint32(0); i < symtab.nsyms; i++ {
		nStrx, err := c.ReadU32()
		if err != nil {
			break
		}
		if err := c.Skip(1 + 1 + 2); err != nil { // n_type, n_sect, n_desc
			break
		}
		nValue, err := c.ReadU64()
		if err != nil {
			break
		}
		name := readCStringFrom(strtab, nStrx)
		if name == "" {
			continue
		}
		program.AddSymbol(model.Symbol{Name: name, Address: nValue, Kind: model.SymbolFunction})
	}
	return nil
}

func readCStringFrom(table []byte, offset uint32) string {
	if int(offset) >= len(table) {
		return ""
	}
	end := int(offset)
	for end < len(table) && table[end] != 0 {
		end++
	}
	return string(table[offset:end])
}

func loadLocalRelocations(data []byte, dysymtab dysymtabCommand, program *model.Program) {
	c := bincursor.At(data, int(dysymtab.locRelOff))
	for i := uint32(0); i < dysymtab.nLocRel; i++ {
		address, err := c.ReadU32()
		if err != nil {
			return
		}
		packed, err := c.ReadU32()
		if err != nil {
			return
		}
		relocType := (packed >> 28) & 0xf
		program.AddRelocation(model.Relocation{
			Address: uint64(int32(address)),
			Type:    relocType,
			Applied: false,
			Note:    "macho reloc",
		})
	}
}
