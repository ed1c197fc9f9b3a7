package formula

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// literal turns a record value into a formula value: nil, float64, string,
// bool or dateValue.
func literal(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if d, ok := asDate(t); ok {
			return d
		}
		return t
	case bool:
		return t
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// toNumber coerces a formula value for arithmetic. Dates become day counts
// and report so through isDate. Non-numeric strings give NaN.
func toNumber(v any) (n float64, isDate bool) {
	switch t := v.(type) {
	case float64:
		return t, false
	case dateValue:
		if t.invalid {
			return math.NaN(), true
		}
		return float64(t.days), true
	case bool:
		if t {
			return 1, false
		}
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN(), false
		}
		return f, false
	default:
		return math.NaN(), false
	}
}

// numericString reports whether a string coerces cleanly to a number.
func numericString(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	default:
		return true
	}
}

// display renders a value the way string concatenation sees it.
func display(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case dateValue:
		return t.text
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatNumber(t)
	default:
		return fmt.Sprint(t)
	}
}

func formatNumber(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// bad reports the values IFERROR replaces and the final result maps to null.
func bad(v any) bool {
	if v == nil {
		return true
	}
	if f, ok := v.(float64); ok {
		return math.IsNaN(f) || math.IsInf(f, 0)
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToUpper(s), strings.ToUpper(sub))
}
