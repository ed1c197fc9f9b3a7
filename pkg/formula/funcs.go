package formula

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

type builtin struct {
	min, max int // max < 0 means variadic
	call     func(e *evaluator, args []node) (any, error)
}

func (b builtin) arity() string {
	switch {
	case b.max < 0:
		return fmt.Sprintf("at least %d argument(s)", b.min)
	case b.min == b.max:
		return fmt.Sprintf("%d argument(s)", b.min)
	default:
		return fmt.Sprintf("%d to %d arguments", b.min, b.max)
	}
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"IF":      {min: 2, max: 3, call: fnIf},
		"IFERROR": {min: 2, max: 2, call: fnIfError},
		"EOMONTH": {min: 2, max: 2, call: fnEOMonth},
		"ROUND":   {min: 1, max: 2, call: fnRound},
		"MAX":     {min: 1, max: -1, call: fnExtreme(math.Max)},
		"MIN":     {min: 1, max: -1, call: fnExtreme(math.Min)},
		"ABS":     {min: 1, max: 1, call: fnMath(math.Abs)},
		"FLOOR":   {min: 1, max: 1, call: fnMath(math.Floor)},
		"CEIL":    {min: 1, max: 1, call: fnMath(math.Ceil)},
		"SQRT":    {min: 1, max: 1, call: fnMath(math.Sqrt)},
	}
}

// IF evaluates only the chosen branch. A missing else yields null.
func fnIf(e *evaluator, args []node) (any, error) {
	cond, err := e.eval(args[0])
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return e.eval(args[1])
	}
	if len(args) == 3 {
		return e.eval(args[2])
	}
	return nil, nil
}

// IFERROR falls back when the value is null, NaN, infinite, or fails to
// evaluate.
func fnIfError(e *evaluator, args []node) (any, error) {
	v, err := e.eval(args[0])
	if err != nil {
		if !errors.Is(err, ErrRuntime) {
			return nil, err
		}
		return e.eval(args[1])
	}
	if bad(v) {
		return e.eval(args[1])
	}
	return v, nil
}

func fnEOMonth(e *evaluator, args []node) (any, error) {
	d, err := e.eval(args[0])
	if err != nil {
		return nil, err
	}
	m, err := e.eval(args[1])
	if err != nil {
		return nil, err
	}
	e.eomonth = true

	var days int
	switch t := d.(type) {
	case nil:
		return nil, nil
	case dateValue:
		if t.invalid {
			return nil, errAt(args[0].position(), ErrRuntime, "EOMONTH: %q is not a date", t.text)
		}
		days = t.days
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return math.NaN(), nil
		}
		if math.Abs(t) > maxDayCount {
			return nil, errAt(args[0].position(), ErrRuntime, "EOMONTH: day count %s is out of range", formatNumber(t))
		}
		days = int(math.Floor(t))
	case string:
		dv, ok := asDate(t)
		if !ok || dv.invalid {
			return nil, errAt(args[0].position(), ErrRuntime, "EOMONTH: %q is not a date", t)
		}
		days = dv.days
	default:
		return nil, errAt(args[0].position(), ErrRuntime, "EOMONTH: %v is not a date", t)
	}

	offset := 0
	if m != nil {
		f, _ := toNumber(m)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errAt(args[1].position(), ErrRuntime, "EOMONTH: month offset %v is not a number", display(m))
		}
		if math.Abs(f) > maxMonthOffset {
			return nil, errAt(args[1].position(), ErrRuntime, "EOMONTH: month offset %s is out of range", formatNumber(f))
		}
		offset = int(math.Trunc(f))
	}
	return float64(endOfMonth(days, offset)), nil
}

// ROUND rounds half up on the exact decimal value, so ROUND(1.005, 2) is
// 1.01 rather than the binary float's 1.
func fnRound(e *evaluator, args []node) (any, error) {
	x, err := e.eval(args[0])
	if err != nil {
		return nil, err
	}
	if x == nil {
		return nil, nil
	}
	places := int32(0)
	if len(args) == 2 {
		p, err := e.eval(args[1])
		if err != nil {
			return nil, err
		}
		if p != nil {
			f, _ := toNumber(p)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return math.NaN(), nil
			}
			places = int32(math.Max(-20, math.Min(20, math.Trunc(f))))
		}
	}
	f, _ := toNumber(x)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f, nil
	}
	half := decimal.NewFromFloat(0.5)
	rounded, _ := decimal.NewFromFloat(f).Shift(places).Add(half).Floor().Shift(-places).Float64()
	return rounded, nil
}

// fnExtreme builds MAX/MIN. Nulls are skipped; no numeric argument at all
// yields null.
func fnExtreme(pick func(a, b float64) float64) func(*evaluator, []node) (any, error) {
	return func(e *evaluator, args []node) (any, error) {
		var acc float64
		seen := false
		for _, a := range args {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			if v == nil {
				continue
			}
			f, _ := toNumber(v)
			if math.IsNaN(f) {
				return math.NaN(), nil
			}
			if !seen {
				acc, seen = f, true
				continue
			}
			acc = pick(acc, f)
		}
		if !seen {
			return nil, nil
		}
		return acc, nil
	}
}

func fnMath(fn func(float64) float64) func(*evaluator, []node) (any, error) {
	return func(e *evaluator, args []node) (any, error) {
		v, err := e.eval(args[0])
		if err != nil || v == nil {
			return nil, err
		}
		f, _ := toNumber(v)
		return fn(f), nil
	}
}
