package bincursor

import "testing"

func TestReadPrimitives(t *testing.T) {
	c := New([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	u8, err := c.ReadU8()
	if err != nil || u8 != 0x01 {
		t.Fatalf("ReadU8: got %d, %v", u8, err)
	}
	c2 := New([]byte{0x34, 0x12})
	u16, err := c2.ReadU16()
	if err != nil || u16 != 0x1234 {
		t.Fatalf("ReadU16: got %#x, %v", u16, err)
	}
	c3 := New([]byte{0x78, 0x56, 0x34, 0x12})
	u32, err := c3.ReadU32()
	if err != nil || u32 != 0x12345678 {
		t.Fatalf("ReadU32: got %#x, %v", u32, err)
	}
	c4 := New([]byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01})
	u64, err := c4.ReadU64()
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("ReadU64: got %#x, %v", u64, err)
	}
}

func TestReadShortFails(t *testing.T) {
	c := New([]byte{0x01})
	if _, err := c.ReadU32(); err == nil {
		t.Fatal("expected short read error")
	}
}

func TestReadULEB128(t *testing.T) {
	// 624485 encodes as E5 8E 26 in the DWARF spec example.
	c := New([]byte{0xE5, 0x8E, 0x26})
	v, err := c.ReadULEB128()
	if err != nil {
		t.Fatal(err)
	}
	if v != 624485 {
		t.Fatalf("got %d, want 624485", v)
	}
}

func TestReadSLEB128Negative(t *testing.T) {
	// -2 encodes as 0x7E in SLEB128.
	c := New([]byte{0x7E})
	v, err := c.ReadSLEB128()
	if err != nil {
		t.Fatal(err)
	}
	if v != -2 {
		t.Fatalf("got %d, want -2", v)
	}
}

func TestReadSLEB128LargeNegative(t *testing.T) {
	// -123456 encodes as 0xC0 0xBB 0x78 in the DWARF spec example.
	c := New([]byte{0xC0, 0xBB, 0x78})
	v, err := c.ReadSLEB128()
	if err != nil {
		t.Fatal(err)
	}
	if v != -123456 {
		t.Fatalf("got %d, want -123456", v)
	}
}

func TestReadCString(t *testing.T) {
	c := New([]byte("hello\x00world"))
	s, err := c.ReadCString()
	if err != nil {
		t.Fatal(err)
	}
	if s != "hello" {
		t.Fatalf("got %q", s)
	}
	if c.Offset != 6 {
		t.Fatalf("offset after NUL: got %d, want 6", c.Offset)
	}
}

func TestReadCStringUnterminatedFails(t *testing.T) {
	c := New([]byte("noterm"))
	if _, err := c.ReadCString(); err == nil {
		t.Fatal("expected error for unterminated string")
	}
}

func TestSkip(t *testing.T) {
	c := New([]byte{1, 2, 3, 4})
	if err := c.Skip(2); err != nil {
		t.Fatal(err)
	}
	v, err := c.ReadU8()
	if err != nil || v != 3 {
		t.Fatalf("got %d, %v", v, err)
	}
	if err := c.Skip(10); err == nil {
		t.Fatal("expected short skip to fail")
	}
}
