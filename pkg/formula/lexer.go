package formula

import (
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokField
	tokLParen
	tokRParen
	tokComma
	tokOp
)

type token struct {
	kind tokenKind
	text string // operator, identifier, field name or decoded string
	num  float64
	pos  int
}

// lex splits a formula into tokens.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '{' && strings.HasPrefix(src[i:], "{{"):
			end := strings.Index(src[i+2:], "}}")
			if end < 0 {
				return nil, errAt(i, ErrSyntax, "unterminated field reference")
			}
			name := strings.TrimSpace(src[i+2 : i+2+end])
			if name == "" {
				return nil, errAt(i, ErrSyntax, "empty field reference")
			}
			toks = append(toks, token{kind: tokField, text: name, pos: i})
			i += end + 4

		case c == '"' || c == '\'':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				j := i + 1
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				if j < len(src) && isDigit(src[j]) {
					i = j
					for i < len(src) && isDigit(src[i]) {
						i++
					}
				}
			}
			f, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, errAt(start, ErrSyntax, "bad number %q", src[start:i])
			}
			toks = append(toks, token{kind: tokNumber, num: f, text: src[start:i], pos: start})

		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || isDigit(src[i]) || unicode.IsLetter(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})

		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, pos: i})
			i++

		case c == '=' || c == '!' || c == '<' || c == '>':
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "==", "!=", "<>":
				return nil, errAt(i, ErrUnsupportedOperator, "%q", two)
			case "<=", ">=":
				toks = append(toks, token{kind: tokOp, text: two, pos: i})
				i += 2
				continue
			}
			if c == '!' {
				return nil, errAt(i, ErrUnsupportedOperator, "%q", "!")
			}
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++

		case strings.IndexByte("+-*/^", c) >= 0:
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++

		default:
			return nil, errAt(i, ErrSyntax, "unexpected character %q", c)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// lexString decodes a quoted string starting at src[start]. It returns the
// decoded text and the number of source bytes consumed.
func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1 - start, nil
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i])
			}
		default:
			b.WriteByte(c)
		}
		i++
	}
	return "", 0, errAt(start, ErrSyntax, "unterminated string")
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
