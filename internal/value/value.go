// Package value interprets the raw string states reported by openHAB items.
//
// openHAB reports every item state as a string. The same string can mean a
// switch position, a dimmer percentage or a colour, so Parse returns a tagged
// Value and leaves it to the caller to decide which interpretation applies to
// a given entity.
package value

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies which interpretation of a raw state matched.
type Kind int

const (
	// Unrecognized means no interpretation matched (empty, NULL or UNDEF states).
	Unrecognized Kind = iota
	// Bool is an ON/OFF token.
	Bool
	// Percent is a bare integer in the dimmer range.
	Percent
	// Triple is a comma-separated hue,saturation,lightness value.
	Triple
	// Text is any other non-empty string, passed through untouched.
	Text
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Percent:
		return "percent"
	case Triple:
		return "triple"
	case Text:
		return "text"
	default:
		return "unrecognized"
	}
}

// HSL is a colour as reported by an openHAB Color item.
// Hue is in degrees (0-359), Saturation and Lightness are percentages (0-100).
type HSL struct {
	Hue        int
	Saturation int
	Lightness  int
}

// Value is the tagged result of Parse. Only the field matching Kind is meaningful.
type Value struct {
	Kind    Kind
	Raw     string
	On      bool
	Percent int
	Color   HSL
}

func (v Value) String() string {
	switch v.Kind {
	case Bool:
		if v.On {
			return "bool(ON)"
		}
		return "bool(OFF)"
	case Percent:
		return fmt.Sprintf("percent(%d)", v.Percent)
	case Triple:
		return fmt.Sprintf("triple(%d,%d,%d)", v.Color.Hue, v.Color.Saturation, v.Color.Lightness)
	case Text:
		return fmt.Sprintf("text(%q)", v.Raw)
	default:
		return "unrecognized"
	}
}

// Tokens openHAB uses for items without a usable state.
const (
	TokenUndef = "UNDEF"
	TokenNull  = "NULL"
)

var (
	// percentPattern accepts 0-199, not just 0-100.
	percentPattern = regexp.MustCompile(`^1?[0-9]{1,2}$`)

	// colorPattern accepts "h,s" or "h,s,l", each field optionally with a fraction.
	colorPattern = regexp.MustCompile(`^([0-9]{1,3})(?:\.[0-9]+)?,([0-9]{1,3})(?:\.[0-9]+)?(?:,([0-9]{1,3})(?:\.[0-9]+)?)?$`)
)

// Parse classifies a raw item state.
//
// The order matters: ON/OFF is tested before anything numeric so that switch
// feeds are never mistaken for dimmers, then colour triples, then percentages.
func Parse(raw string) Value {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, TokenUndef) || strings.EqualFold(s, TokenNull) {
		return Value{Kind: Unrecognized, Raw: raw}
	}

	if on, ok := ParseBool(s); ok {
		return Value{Kind: Bool, Raw: raw, On: on}
	}

	if c, ok := ParseColor(s); ok {
		return Value{Kind: Triple, Raw: raw, Color: c}
	}

	if p, ok := ParsePercent(s); ok {
		return Value{Kind: Percent, Raw: raw, Percent: p}
	}

	return Value{Kind: Text, Raw: raw}
}

// ParseBool matches the exact tokens ON and OFF, ignoring case.
func ParseBool(s string) (on bool, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON":
		return true, true
	case "OFF":
		return false, true
	}
	return false, false
}

// ParsePercent matches a dimmer-style integer. Out-of-range values are
// matched syntactically and not clamped.
func ParsePercent(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if !percentPattern.MatchString(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseColor matches a two or three field colour value. A missing third
// field means full lightness is not known and is reported as 0.
func ParseColor(s string) (HSL, bool) {
	m := colorPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return HSL{}, false
	}
	var c HSL
	c.Hue, _ = strconv.Atoi(m[1])
	c.Saturation, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		c.Lightness, _ = strconv.Atoi(m[3])
	}
	return c, true
}

// ParseInt is the strict integer conversion used for blind positions and
// volumes, where any base-10 integer is accepted.
func ParseInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
