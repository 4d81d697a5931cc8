// Package bincursor implements a bounds-checked, little-endian byte cursor
// over an immutable region, shared by every container parser and the DWARF
// reader. It is the loader's one primitive decoding layer (C1): every other
// component reads through it rather than indexing byte slices directly.
//
// A dedicated cursor rather than a library exists because no package in
// this module's dependency graph exposes DWARF-flavored SLEB128 (the
// sign-extension convention DWARF uses is not the zigzag encoding used by
// protobuf-style varint packages or encoding/binary's own Varint); see
// DESIGN.md.
package bincursor

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortRead is wrapped into every failure caused by running off the end
// of the underlying data.
var ErrShortRead = errors.New("bincursor: short read")

// Cursor is a bounds-checked reader over an immutable byte slice. On any
// read failure the Cursor's offset is left unspecified; the caller must
// abandon it rather than continue reading.
type Cursor struct {
	data   []byte
	Offset int
}

// New wraps data in a Cursor starting at offset 0.
func New(data []byte) *Cursor {
	return &Cursor{data: data}
}

// At wraps data in a Cursor starting at the given offset.
func At(data []byte, offset int) *Cursor {
	return &Cursor{data: data, Offset: offset}
}

// Len returns the length of the underlying data.
func (c *Cursor) Len() int { return len(c.data) }

// Remaining returns the number of unread bytes, or 0 if the cursor has run
// past the end.
func (c *Cursor) Remaining() int {
	if c.Offset >= len(c.data) {
		return 0
	}
	return len(c.data) - c.Offset
}

func (c *Cursor) canRead(n int) bool {
	return c.Offset >= 0 && n >= 0 && c.Offset+n <= len(c.data)
}

// Skip advances the offset by n bytes without reading them.
func (c *Cursor) Skip(n int) error {
	if !c.canRead(n) {
		return errors.Wrapf(ErrShortRead, "skip %d bytes at offset %d", n, c.Offset)
	}
	c.Offset += n
	return nil
}

// ReadU8 reads one byte.
func (c *Cursor) ReadU8() (uint8, error) {
	if !c.canRead(1) {
		return 0, errors.Wrapf(ErrShortRead, "u8 at offset %d", c.Offset)
	}
	v := c.data[c.Offset]
	c.Offset++
	return v, nil
}

// ReadU16 reads a little-endian uint16.
func (c *Cursor) ReadU16() (uint16, error) {
	if !c.canRead(2) {
		return 0, errors.Wrapf(ErrShortRead, "u16 at offset %d", c.Offset)
	}
	v := binary.LittleEndian.Uint16(c.data[c.Offset:])
	c.Offset += 2
	return v, nil
}

// ReadU32 reads a little-endian uint32.
func (c *Cursor) ReadU32() (uint32, error) {
	if !c.canRead(4) {
		return 0, errors.Wrapf(ErrShortRead, "u32 at offset %d", c.Offset)
	}
	v := binary.LittleEndian.Uint32(c.data[c.Offset:])
	c.Offset += 4
	return v, nil
}

// ReadU64 reads a little-endian uint64.
func (c *Cursor) ReadU64() (uint64, error) {
	if !c.canRead(8) {
		return 0, errors.Wrapf(ErrShortRead, "u64 at offset %d", c.Offset)
	}
	v := binary.LittleEndian.Uint64(c.data[c.Offset:])
	c.Offset += 8
	return v, nil
}

// ReadS64 reads a little-endian int64.
func (c *Cursor) ReadS64() (int64, error) {
	v, err := c.ReadU64()
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// ReadBytes reads and returns a copy of n raw bytes.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if !c.canRead(n) {
		return nil, errors.Wrapf(ErrShortRead, "%d bytes at offset %d", n, c.Offset)
	}
	out := make([]byte, n)
	copy(out, c.data[c.Offset:c.Offset+n])
	c.Offset += n
	return out, nil
}

// ReadULEB128 decodes an unsigned LEB128 value.
func (c *Cursor) ReadULEB128() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := c.ReadU8()
		if err != nil {
			return 0, errors.Wrap(err, "uleb128")
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

// ReadSLEB128 decodes a signed LEB128 value. Sign extension applies
// -(1 << shift) when the final byte's sign bit (0x40) is set and
// shift < 64.
func (c *Cursor) ReadSLEB128() (int64, error) {
	var result int64
	var shift uint
	var b uint8
	var err error
	for {
		b, err = c.ReadU8()
		if err != nil {
			return 0, errors.Wrap(err, "sleb128")
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -(1 << shift)
	}
	return result, nil
}

// ReadCString reads a NUL-terminated string, consuming the NUL.
func (c *Cursor) ReadCString() (string, error) {
	start := c.Offset
	for c.Offset < len(c.data) && c.data[c.Offset] != 0 {
		c.Offset++
	}
	if c.Offset >= len(c.data) {
		return "", errors.Wrapf(ErrShortRead, "cstring starting at offset %d", start)
	}
	s := string(c.data[start:c.Offset])
	c.Offset++
	return s, nil
}
