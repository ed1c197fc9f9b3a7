// Package rules matches field values against simple comparison predicates.
// The same matcher gates field visibility and picks conditional_value rows.
package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dlovans/fieldcalc/pkg/schema"
)

// Operator names.
const (
	Equals      = "equals"
	NotEquals   = "not_equals"
	Contains    = "contains"
	GreaterThan = "greater_than"
	LessThan    = "less_than"
	In          = "in"
)

var known = map[string]bool{
	Equals: true, NotEquals: true, Contains: true,
	GreaterThan: true, LessThan: true, In: true,
}

// Known reports whether op is a supported operator.
func Known(op string) bool {
	return known[op]
}

// Matches tests fieldValue against comparand. Unknown operators never match.
func Matches(fieldValue any, op string, comparand any) bool {
	switch op {
	case Equals:
		return equal(fieldValue, comparand)
	case NotEquals:
		return !equal(fieldValue, comparand)
	case Contains:
		return contains(fieldValue, comparand)
	case GreaterThan:
		return compareNumeric(fieldValue, comparand, func(a, b float64) bool { return a > b })
	case LessThan:
		return compareNumeric(fieldValue, comparand, func(a, b float64) bool { return a < b })
	case In:
		return in(fieldValue, comparand)
	default:
		return false
	}
}

// FirstMatch returns the result value of the first rule whose condition holds.
func FirstMatch(rs []schema.ValueRule, values map[string]any) (any, bool) {
	for _, r := range rs {
		if Matches(values[r.ConditionField], r.ConditionOperator, r.ConditionValue) {
			return r.ResultValue, true
		}
	}
	return nil, false
}

// Visible evaluates a display condition. No condition means visible.
func Visible(cond *schema.Condition, values map[string]any) bool {
	if cond == nil || cond.Field == "" {
		return true
	}
	return Matches(values[cond.Field], cond.Operator, cond.Value)
}

// equal compares as booleans when the field value is boolean-like, otherwise
// as strings. nil equals only nil or "".
func equal(a, b any) bool {
	if isBoolish(a) {
		return toBool(a) == toBool(b)
	}
	return text(a) == text(b)
}

func isBoolish(v any) bool {
	switch t := v.(type) {
	case bool:
		return true
	case string:
		return t == "true" || t == "false"
	}
	return false
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1"
	case nil:
		return false
	}
	if f, ok := schema.ToFloat(v); ok {
		return f == 1
	}
	return false
}

// text renders a value for string comparison.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	}
	if f, ok := schema.ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func contains(v, sub any) bool {
	if v == nil {
		return false
	}
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if text(item) == text(sub) {
				return true
			}
		}
		return false
	}
	return strings.Contains(text(v), text(sub))
}

func compareNumeric(a, b any, cmp func(float64, float64) bool) bool {
	x := parseFloat(a)
	y := parseFloat(b)
	if math.IsNaN(x) || math.IsNaN(y) {
		return false
	}
	return cmp(x, y)
}

// parseFloat reads the longest numeric prefix of a value's text, so
// "12.5%" is 12.5. No numeric prefix gives NaN.
func parseFloat(v any) float64 {
	if v == nil {
		return math.NaN()
	}
	if f, ok := schema.ToFloat(v); ok {
		return f
	}
	s := strings.TrimSpace(text(v))
	end := 0
	seenDigit, seenDot, seenExp := false, false, false
scan:
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			seenDigit = true
			end = i + 1
		case (c == '+' || c == '-') && (i == 0 || s[i-1] == 'e' || s[i-1] == 'E'):
		case c == '.' && !seenDot && !seenExp:
			seenDot = true
		case (c == 'e' || c == 'E') && seenDigit && !seenExp:
			seenExp = true
		default:
			break scan
		}
	}
	if !seenDigit {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func in(v, list any) bool {
	members := memberList(list)
	if values, ok := v.([]any); ok {
		for _, item := range values {
			if members[text(item)] {
				return true
			}
		}
		return false
	}
	if v == nil {
		return false
	}
	return members[text(v)]
}

func memberList(list any) map[string]bool {
	out := make(map[string]bool)
	switch t := list.(type) {
	case []any:
		for _, item := range t {
			out[strings.TrimSpace(text(item))] = true
		}
	case []string:
		for _, item := range t {
			out[strings.TrimSpace(item)] = true
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			out[strings.TrimSpace(part)] = true
		}
	default:
		if list != nil {
			out[text(list)] = true
		}
	}
	return out
}
