// Package loadcore is the binary image loader core of a reverse-engineering
// toolkit: it parses ELF64, PE32/PE32+, and Mach-O64 objects into a single
// normalized Program (memory map, memory image, symbols, relocations,
// sections, segments, and DWARF-derived debug info), applying x86-64
// relocations against the mapped image as it goes.
package loadcore

import (
	"os"

	"github.com/pkg/errors"

	"github.com/hizawye/loadcore/container/elf"
	"github.com/hizawye/loadcore/container/macho"
	"github.com/hizawye/loadcore/container/pe"
	"github.com/hizawye/loadcore/internal/telemetry"
	"github.com/hizawye/loadcore/model"
)

const component = "loadcore"

// Load reads the file at path, detects its container format by magic
// bytes, and populates program with the parsed result. program must be a
// freshly constructed, empty *model.Program; passing nil is a programmer
// error and panics.
func Load(path string, program *model.Program) error {
	if program == nil {
		panic("loadcore: nil Program")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading input file")
	}

	switch {
	case elf.Match(data):
		telemetry.Tracef(component, "detected ELF container for %s", path)
		return elf.Load(data, program)
	case pe.Match(data):
		telemetry.Tracef(component, "detected PE container for %s", path)
		return pe.Load(data, program)
	case macho.Match(data):
		telemetry.Tracef(component, "detected Mach-O container for %s", path)
		return macho.Load(data, program)
	default:
		return errors.New("unrecognized container format")
	}
}
