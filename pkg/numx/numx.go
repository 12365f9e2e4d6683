// Package numx converts binary floating-point values inside dynamic payloads
// into fixed-precision decimal representations. The analytics store rejects
// binary floats, so every payload passes through Decimalize before it is
// persisted or published.
package numx

import (
	"encoding/json"
	"math"
	"strconv"
)

// Decimalize recursively walks maps and lists and replaces float32/float64
// values with json.Number decimals. Non-finite floats become the string
// "NaN"/"+Inf"/"-Inf" since no decimal form exists. All other values pass
// through unchanged.
func Decimalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Decimalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Decimalize(val)
		}
		return out
	case float64:
		return floatToDecimal(t)
	case float32:
		return floatToDecimal(float64(t))
	default:
		return v
	}
}

// DecimalizeMap is a convenience wrapper for the common payload shape.
func DecimalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Decimalize(m).(map[string]any)
}

func floatToDecimal(f float64) any {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "+Inf"
	}
	if math.IsInf(f, -1) {
		return "-Inf"
	}
	// Shortest decimal representation that round-trips; whole numbers
	// render without an exponent so the store sees plain decimals.
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}
