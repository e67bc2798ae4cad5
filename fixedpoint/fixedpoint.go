// Package fixedpoint decodes the sign-extended fixed-point format sensors use for
// calibration registers.
package fixedpoint

import "math"

// To16Bit composes a big-endian 16 bit word.
func To16Bit(msb, lsb byte) uint16 {
	return uint16(msb)<<8 | uint16(lsb)
}

// Decode converts the big-endian word (msb, lsb) into a signed rational value.
//
// integerBits is the number of significant bits including the sign, counted from the
// most significant bit; the remaining low bits are padding and are discarded by an
// arithmetic shift. The shifted value is divided by 2^(fractionalBits+padBits).
// integerBits outside 1..16 is clamped.
func Decode(msb, lsb byte, integerBits, fractionalBits, padBits int) float64 {
	if integerBits > 16 {
		integerBits = 16
	}
	if integerBits < 1 {
		integerBits = 1
	}
	numerator := int32(int16(To16Bit(msb, lsb))) >> (16 - integerBits)
	return float64(numerator) / math.Exp2(float64(fractionalBits+padBits))
}

// Round rounds v to the given number of decimal places, halves away from zero.
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
