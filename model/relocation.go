package model

// Relocation records a fixup site discovered in a container. Applied is
// false whenever the relocation engine recognized but could not commit the
// fixup (unsupported type, target outside the memory image); Note carries
// the reason in that case.
type Relocation struct {
	Address uint64
	Type    uint32
	Symbol  string
	Addend  int64
	Applied bool
	Note    string
}
