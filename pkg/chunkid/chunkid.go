// Package chunkid implements the 128-bit chunk id encoding: four u32
// parts, bit 0 of parts[0] carrying the type tag, a cell tag embedded in
// the upper 16 bits of parts[3], and (for erasure chunks) a part index
// folded into the id hash.
package chunkid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Type is the chunk kind encoded in bit 0 (erasure) and bit 1 (journal)
// of parts[0]; TypeErasureJournal sets both.
type Type uint8

const (
	TypeRegular Type = iota
	TypeErasure
	TypeJournal
	TypeErasureJournal
)

func (t Type) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeErasure:
		return "erasure"
	case TypeJournal:
		return "journal"
	case TypeErasureJournal:
		return "erasure_journal"
	default:
		return "unknown"
	}
}

// ID is a chunk id: four u32 parts in a `{parts[4] of u32}` wire encoding.
type ID struct {
	Parts [4]uint32
}

// Nil is the zero chunk id, used as a "no id" sentinel.
var Nil = ID{}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Type extracts the type tag from bit 0 (regular vs. erasure) and bit 1
// (journal) of parts[0].
func (id ID) Type() Type {
	return Type(id.Parts[0] & 0x3)
}

// CellTag extracts the cell-of-origin tag from the upper 16 bits of
// parts[3].
func (id ID) CellTag() uint16 {
	return uint16(id.Parts[3] >> 16)
}

// PartIndex extracts the erasure part index folded into the id hash for
// erasure and erasure-journal chunks. Only meaningful when Type() is
// TypeErasure or TypeErasureJournal.
func (id ID) PartIndex() uint8 {
	return uint8(id.Parts[0] >> 2 & 0xFF)
}

// New generates a fresh, random chunk id of the given type, cell tag, and
// (for erasure/erasure-journal chunks) part index.
func New(typ Type, cellTag uint16, partIndex uint8) (ID, error) {
	var id ID
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return id, fmt.Errorf("generate chunk id: %w", err)
	}
	for i := 0; i < 4; i++ {
		id.Parts[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	id.Parts[0] = (id.Parts[0] &^ 0x3FF) | uint32(typ)&0x3 | uint32(partIndex)<<2
	id.Parts[3] = (id.Parts[3] & 0x0000FFFF) | uint32(cellTag)<<16
	return id, nil
}

// String renders the id as four colon-separated hex u32s, e.g.
// "a1b2c3d4:00000000:00000000:00010000".
func (id ID) String() string {
	return fmt.Sprintf("%08x:%08x:%08x:%08x", id.Parts[0], id.Parts[1], id.Parts[2], id.Parts[3])
}

// Parse reverses String.
func Parse(s string) (ID, error) {
	var id ID
	n, err := fmt.Sscanf(s, "%08x:%08x:%08x:%08x", &id.Parts[0], &id.Parts[1], &id.Parts[2], &id.Parts[3])
	if err != nil || n != 4 {
		return ID{}, fmt.Errorf("parse chunk id %q: %w", s, err)
	}
	return id, nil
}

// MarshalText implements encoding.TextMarshaler so ID can be a BoltDB /
// JSON map key.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
