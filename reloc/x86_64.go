// Package reloc implements the relocation engine (C7): per-architecture
// application of relocation records to a model.MemoryImage. Only x86-64
// ELF relocation types are applied; PE base relocations and Mach-O local
// relocations are decoded and recorded by their respective container
// parsers directly, since neither carries a symbol-value/addend pair in
// the shape this engine expects.
package reloc

import "github.com/hizawye/loadcore/model"

// x86-64 ELF relocation types (R_X86_64_*), per the System V x86-64 psABI.
const (
	X8664_64       uint32 = 1
	X8664_PC32     uint32 = 2
	X8664_GlobDat  uint32 = 6
	X8664_JumpSlot uint32 = 7
	X8664_Relative uint32 = 8
	X8664_32       uint32 = 10
	X8664_32S      uint32 = 11
)

// ApplyX86_64 applies a single relocation of the given ELF x86-64 type
// against image, following S = symbolValue, A = addend, B = loadBias,
// place = address + loadBias. It returns whether the fixup was committed
// and, if not, a human-readable reason.
func ApplyX86_64(relocType uint32, address uint64, symbolValue uint64, addend int64, loadBias uint64, image *model.MemoryImage) (applied bool, note string) {
	place := address + loadBias
	switch relocType {
	case X8664_64:
		value := symbolValue + uint64(addend) + loadBias
		if !image.WriteU64(place, value) {
			return false, "place out of image"
		}
		return true, ""
	case X8664_PC32:
		value := symbolValue + uint64(addend) + loadBias
		result := value - place
		if !image.WriteU32(place, uint32(result)) {
			return false, "place out of image"
		}
		return true, ""
	case X8664_32:
		value := symbolValue + uint64(addend) + loadBias
		if !image.WriteU32(place, uint32(value)) {
			return false, "place out of image"
		}
		return true, ""
	case X8664_32S:
		value := int64(symbolValue) + addend + int64(loadBias)
		if !image.WriteU32(place, uint32(value)) {
			return false, "place out of image"
		}
		return true, ""
	case X8664_GlobDat, X8664_JumpSlot:
		value := symbolValue + loadBias
		if !image.WriteU64(place, value) {
			return false, "place out of image"
		}
		return true, ""
	case X8664_Relative:
		value := loadBias + uint64(addend)
		if !image.WriteU64(place, value) {
			return false, "place out of image"
		}
		return true, ""
	default:
		return false, "unsupported relocation"
	}
}
