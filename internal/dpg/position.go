// Package dpg implements the value types and command framing of the LINAK
// DPG protocol. Everything here is pure: no I/O and no shared state.
package dpg

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Position is a desk height in 1/100 cm.
type Position uint16

// MaxCm is the largest height a Position can carry.
const MaxCm = float64(math.MaxUint16) / 100

// RawFromCm converts centimetres to a Position, rounding up.
func RawFromCm(cm float64) (Position, error) {
	if math.IsNaN(cm) || cm < 0 || cm > MaxCm {
		return 0, fmt.Errorf("%w: %.2f cm", ErrOutOfRange, cm)
	}
	// Snap to a millionth of a raw unit first so values like 1.1 cm do not
	// pick up a unit from binary rounding.
	raw := math.Ceil(math.Round(cm*100*1e6) / 1e6)
	if raw > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %.2f cm", ErrOutOfRange, cm)
	}
	return Position(raw), nil
}

// Raw returns the wire value.
func (p Position) Raw() uint16 { return uint16(p) }

// Cm returns the height in whole centimetres, rounding half up.
func (p Position) Cm() int { return (int(p) + 50) / 100 }

// Float returns the height in centimetres without rounding.
func (p Position) Float() float64 { return float64(p) / 100 }

func (p Position) String() string { return fmt.Sprintf("%d cm", p.Cm()) }

// Encode returns the little-endian wire form.
func (p Position) Encode() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(p))
	return b
}

// DecodePosition reads a Position from the first two bytes of b.
func DecodePosition(b []byte) (Position, error) {
	if err := need("position", b, 2); err != nil {
		return 0, err
	}
	return Position(binary.LittleEndian.Uint16(b)), nil
}

// Delta returns the absolute difference between two positions.
func Delta(a, b Position) uint16 {
	if a > b {
		return uint16(a - b)
	}
	return uint16(b - a)
}
