// Package formula evaluates spreadsheet-like formulas over record fields.
//
// A formula references fields as {{name}} and supports + - * / ^, the
// comparisons = < > <= >=, and the functions IF, IFERROR, EOMONTH, ROUND,
// MAX, MIN, ABS, FLOOR, CEIL and SQRT. Dates read from fields take part in
// arithmetic as day counts since 1970-01-01. Arithmetic on null yields null.
//
// Formulas are parsed into an AST and interpreted; nothing is executed
// outside the interpreter.
package formula

import (
	"math"
	"strings"
)

// Program is a compiled formula. It is immutable and safe for concurrent
// use.
type Program struct {
	src       string
	root      node
	refs      []string
	dateGuard bool
}

// Compile parses a formula.
func Compile(src string) (*Program, error) {
	root, refs, err := parse(src)
	if err != nil {
		return nil, wrap(src, err)
	}
	return &Program{
		src:       src,
		root:      root,
		refs:      refs,
		dateGuard: usesDateArithmetic(src),
	}, nil
}

// Evaluate compiles and runs a formula in one step.
func Evaluate(src string, values map[string]any) (any, error) {
	p, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return p.Eval(values)
}

// References lists the field names a formula reads, in order of first use.
func References(src string) ([]string, error) {
	p, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return p.References(), nil
}

// Source returns the formula text.
func (p *Program) Source() string { return p.src }

// References lists the field names the program reads.
func (p *Program) References() []string {
	return append([]string(nil), p.refs...)
}

// Eval runs the program against field values. The result is nil, float64,
// string or bool. Date arithmetic results come back as ISO date strings.
func (p *Program) Eval(values map[string]any) (any, error) {
	e := &evaluator{values: values}
	v, err := e.eval(p.root)
	if err != nil {
		return nil, wrap(p.src, err)
	}
	return p.finish(e, v), nil
}

func (p *Program) finish(e *evaluator, v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case dateValue:
		return t.text
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		if p.dateGuard && (e.dateArith || e.eomonth) && t >= minDateDays && t <= maxDateDays {
			return FormatDays(int(math.Floor(t)))
		}
		return t
	default:
		return t
	}
}

type evaluator struct {
	values    map[string]any
	dateArith bool // a date operand entered arithmetic
	eomonth   bool
}

func (e *evaluator) eval(n node) (any, error) {
	switch t := n.(type) {
	case *numberLit:
		return t.v, nil
	case *stringLit:
		return t.v, nil
	case *boolLit:
		return t.v, nil
	case *nullLit:
		return nil, nil
	case *fieldRef:
		return literal(e.values[t.name]), nil
	case *unaryExpr:
		x, err := e.eval(t.x)
		if err != nil || x == nil {
			return nil, err
		}
		f, isDate := toNumber(x)
		if isDate {
			e.dateArith = true
		}
		return -f, nil
	case *binaryExpr:
		l, err := e.eval(t.l)
		if err != nil {
			return nil, err
		}
		r, err := e.eval(t.r)
		if err != nil {
			return nil, err
		}
		switch t.op {
		case "=", "<", ">", "<=", ">=":
			return compare(t.op, l, r), nil
		default:
			return e.arith(t.op, l, r), nil
		}
	case *callExpr:
		return builtins[t.name].call(e, t.args)
	default:
		return nil, errAt(n.position(), ErrRuntime, "unknown node")
	}
}

// arith applies + - * / ^. Any null operand makes the result null.
func (e *evaluator) arith(op string, l, r any) any {
	if l == nil || r == nil {
		return nil
	}
	if op == "+" && (isText(l) || isText(r)) {
		return display(l) + display(r)
	}
	a, ad := toNumber(l)
	b, bd := toNumber(r)
	if ad || bd {
		e.dateArith = true
	}
	switch op {
	case "+":
		return a + b
	case "-":
		return a - b
	case "*":
		return a * b
	case "/":
		return a / b
	case "^":
		return math.Pow(a, b)
	}
	return math.NaN()
}

// isText reports a string that does not read as a number. Such strings make
// + concatenate.
func isText(v any) bool {
	s, ok := v.(string)
	return ok && !numericString(s)
}

// compare implements = < > <= >=. Null equals only null and never orders.
func compare(op string, l, r any) bool {
	if l == nil || r == nil {
		return op == "=" && l == nil && r == nil
	}

	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok && op == "=" {
			return lb == rb
		}
	}

	// Two texts compare as text; ISO dates order correctly that way.
	ls, lText := textOf(l)
	rs, rText := textOf(r)
	if lText && rText {
		_, lDate := l.(dateValue)
		_, rDate := r.(dateValue)
		bothNumeric := !lDate && !rDate && numericString(ls) && numericString(rs)
		if !bothNumeric {
			return orderStrings(op, ls, rs)
		}
	}

	a, _ := toNumber(l)
	b, _ := toNumber(r)
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	switch op {
	case "=":
		return a == b
	case "<":
		return a < b
	case ">":
		return a > b
	case "<=":
		return a <= b
	case ">=":
		return a >= b
	}
	return false
}

func textOf(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case dateValue:
		return t.text, true
	}
	return "", false
}

func orderStrings(op, a, b string) bool {
	c := strings.Compare(a, b)
	switch op {
	case "=":
		return c == 0
	case "<":
		return c < 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case ">=":
		return c >= 0
	}
	return false
}
