package value

import (
	"fmt"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Hex converts the colour to an RGB hex string such as "#40bf40".
// Out-of-range fields are clamped first; the conversion is lossy.
func (c HSL) Hex() string {
	h := math.Mod(float64(clamp(c.Hue, 0, 359)), 360)
	s := float64(clamp(c.Saturation, 0, 100)) / 100
	l := float64(clamp(c.Lightness, 0, 100)) / 100
	return colorful.Hsl(h, s, l).Clamped().Hex()
}

// String formats the colour the way openHAB expects it in a command body.
func (c HSL) String() string {
	return fmt.Sprintf("%d,%d,%d", c.Hue, c.Saturation, c.Lightness)
}

// HSLFromHex parses an RGB hex colour ("#rrggbb" or "#rgb") into its
// hue/saturation/lightness components, rounded to integers.
func HSLFromHex(hex string) (HSL, error) {
	col, err := colorful.Hex(hex)
	if err != nil {
		return HSL{}, fmt.Errorf("invalid colour %q: %w", hex, err)
	}
	h, s, l := col.Hsl()
	return HSL{
		Hue:        int(math.Round(h)) % 360,
		Saturation: int(math.Round(s * 100)),
		Lightness:  int(math.Round(l * 100)),
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
