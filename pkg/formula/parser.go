package formula

import "strings"

// MaxDepth bounds parenthesis and call nesting so malformed input always
// terminates.
const MaxDepth = 64

type node interface {
	position() int
}

type (
	numberLit struct {
		pos int
		v   float64
	}
	stringLit struct {
		pos int
		v   string
	}
	boolLit struct {
		pos int
		v   bool
	}
	nullLit struct {
		pos int
	}
	fieldRef struct {
		pos  int
		name string
	}
	unaryExpr struct {
		pos int
		x   node
	}
	binaryExpr struct {
		pos  int
		op   string
		l, r node
	}
	callExpr struct {
		pos  int
		name string
		args []node
	}
)

func (n *numberLit) position() int  { return n.pos }
func (n *stringLit) position() int  { return n.pos }
func (n *boolLit) position() int    { return n.pos }
func (n *nullLit) position() int    { return n.pos }
func (n *fieldRef) position() int   { return n.pos }
func (n *unaryExpr) position() int  { return n.pos }
func (n *binaryExpr) position() int { return n.pos }
func (n *callExpr) position() int   { return n.pos }

type parser struct {
	toks  []token
	i     int
	depth int
	refs  []string
	seen  map[string]bool
}

// parse builds the AST for src and collects field references in order of
// first appearance.
func parse(src string) (node, []string, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, nil, err
	}
	p := &parser{toks: toks, seen: make(map[string]bool)}
	if p.peek().kind == tokEOF {
		return nil, nil, errAt(0, ErrSyntax, "empty formula")
	}
	n, err := p.comparison()
	if err != nil {
		return nil, nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		if t.kind == tokRParen {
			return nil, nil, errAt(t.pos, ErrSyntax, "unbalanced ')'")
		}
		return nil, nil, errAt(t.pos, ErrSyntax, "unexpected token %s", describe(t))
	}
	return n, p.refs, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) isOp(ops ...string) bool {
	t := p.peek()
	if t.kind != tokOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

func (p *parser) enter(pos int) error {
	p.depth++
	if p.depth > MaxDepth {
		return errAt(pos, ErrTooDeep, "limit is %d", MaxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) comparison() (node, error) {
	l, err := p.additive()
	if err != nil {
		return nil, err
	}
	for p.isOp("=", "<", ">", "<=", ">=") {
		op := p.next()
		r, err := p.additive()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{pos: op.pos, op: op.text, l: l, r: r}
	}
	return l, nil
}

func (p *parser) additive() (node, error) {
	l, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for p.isOp("+", "-") {
		op := p.next()
		r, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{pos: op.pos, op: op.text, l: l, r: r}
	}
	return l, nil
}

func (p *parser) multiplicative() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*", "/") {
		op := p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{pos: op.pos, op: op.text, l: l, r: r}
	}
	return l, nil
}

// unary binds looser than ^, so -2^2 is -(2^2).
func (p *parser) unary() (node, error) {
	if p.isOp("-", "+") {
		op := p.next()
		if err := p.enter(op.pos); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		if op.text == "+" {
			return x, nil
		}
		return &unaryExpr{pos: op.pos, x: x}, nil
	}
	return p.power()
}

func (p *parser) power() (node, error) {
	base, err := p.primary()
	if err != nil {
		return nil, err
	}
	if p.isOp("^") {
		op := p.next()
		if err := p.enter(op.pos); err != nil {
			return nil, err
		}
		defer p.leave()
		exp, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &binaryExpr{pos: op.pos, op: "^", l: base, r: exp}, nil
	}
	return base, nil
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &numberLit{pos: t.pos, v: t.num}, nil
	case tokString:
		return &stringLit{pos: t.pos, v: t.text}, nil
	case tokField:
		if !p.seen[t.text] {
			p.seen[t.text] = true
			p.refs = append(p.refs, t.text)
		}
		return &fieldRef{pos: t.pos, name: t.text}, nil
	case tokLParen:
		if err := p.enter(t.pos); err != nil {
			return nil, err
		}
		defer p.leave()
		n, err := p.comparison()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, errAt(t.pos, ErrSyntax, "unbalanced '('")
		}
		return n, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &boolLit{pos: t.pos, v: true}, nil
		case "false":
			return &boolLit{pos: t.pos, v: false}, nil
		case "null":
			return &nullLit{pos: t.pos}, nil
		}
		if p.peek().kind != tokLParen {
			return nil, errAt(t.pos, ErrSyntax, "unexpected identifier %q", t.text)
		}
		return p.call(t)
	case tokEOF:
		return nil, errAt(t.pos, ErrSyntax, "unexpected end of formula")
	default:
		return nil, errAt(t.pos, ErrSyntax, "unexpected token %s", describe(t))
	}
}

func (p *parser) call(name token) (node, error) {
	open := p.next()
	if err := p.enter(open.pos); err != nil {
		return nil, err
	}
	defer p.leave()

	upper := strings.ToUpper(name.text)
	fn, ok := builtins[upper]
	if !ok {
		return nil, errAt(name.pos, ErrUnknownFunction, "%s", name.text)
	}

	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.comparison()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if c := p.next(); c.kind != tokRParen {
		return nil, errAt(open.pos, ErrSyntax, "unbalanced '(' in %s call", upper)
	}
	if len(args) < fn.min || (fn.max >= 0 && len(args) > fn.max) {
		return nil, errAt(name.pos, ErrArity, "%s takes %s, got %d", upper, fn.arity(), len(args))
	}
	return &callExpr{pos: name.pos, name: upper, args: args}, nil
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of formula"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokField:
		return "{{" + t.text + "}}"
	case tokString:
		return "string literal"
	default:
		return "'" + t.text + "'"
	}
}
