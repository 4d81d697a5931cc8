package reloc

import (
	"testing"

	"github.com/hizawye/loadcore/model"
)

func TestApplyRelativeReloc(t *testing.T) {
	image := &model.MemoryImage{}
	image.MapSegment(0x1000, make([]byte, 0x2000))

	const loadBias = 0x1000
	const addr = 0x1100
	const addend = 0x1234

	applied, note := ApplyX86_64(X8664_Relative, addr, 0, addend, loadBias, image)
	if !applied {
		t.Fatalf("expected applied, got note %q", note)
	}
	place := uint64(addr) + uint64(loadBias)
	got, ok := image.ReadU64(place)
	if !ok {
		t.Fatal("expected place to be readable")
	}
	want := uint64(loadBias) + uint64(addend)
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestApplyUnsupportedReloc(t *testing.T) {
	image := &model.MemoryImage{}
	image.MapSegment(0x1000, make([]byte, 0x100))
	applied, note := ApplyX86_64(0xFFFF, 0x1000, 0, 0, 0, image)
	if applied {
		t.Fatal("expected unsupported relocation to not apply")
	}
	if note != "unsupported relocation" {
		t.Fatalf("got note %q", note)
	}
}

func TestApplyOutOfImage(t *testing.T) {
	image := &model.MemoryImage{}
	image.MapSegment(0x1000, make([]byte, 0x10))
	applied, note := ApplyX86_64(X8664_Relative, 0x9000, 0, 0, 0, image)
	if applied {
		t.Fatal("expected out-of-image relocation to not apply")
	}
	if note != "place out of image" {
		t.Fatalf("got note %q", note)
	}
}

func TestApplyGlobDat(t *testing.T) {
	image := &model.MemoryImage{}
	image.MapSegment(0x2000, make([]byte, 0x100))
	applied, note := ApplyX86_64(X8664_GlobDat, 0x2008, 0x5000, 0, 0, image)
	if !applied {
		t.Fatalf("expected applied, got %q", note)
	}
	got, _ := image.ReadU64(0x2008)
	if got != 0x5000 {
		t.Fatalf("got %#x, want 0x5000", got)
	}
}

func TestApplyPC32(t *testing.T) {
	image := &model.MemoryImage{}
	image.MapSegment(0x3000, make([]byte, 0x100))
	// S=0x3100, A=0, B=0, place=0x3000 -> result = 0x3100-0x3000 = 0x100
	applied, _ := ApplyX86_64(X8664_PC32, 0x3000, 0x3100, 0, 0, image)
	if !applied {
		t.Fatal("expected applied")
	}
	got, _ := image.ReadU32(0x3000)
	if got != 0x100 {
		t.Fatalf("got %#x, want 0x100", got)
	}
}
