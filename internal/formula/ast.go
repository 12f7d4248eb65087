package formula

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// Expr is one node of a parsed formula expression tree. Expressions are
// immutable once parsed.
type Expr interface {
	// Pos returns the byte offset of the node in the source expression,
	// carried through to compile errors.
	Pos() int
}

// Literal is a numeric constant.
type Literal struct {
	At    int
	Value float64
}

// MetricRef references one metric kind of one component.
type MetricRef struct {
	At        int
	Component types.ComponentID
	Metric    types.MetricKind
}

// FormulaRef references another registered formula by name.
type FormulaRef struct {
	At   int
	Name string
}

// Unary is a unary minus.
type Unary struct {
	At int
	X  Expr
}

// Binary is one of + - * /.
type Binary struct {
	At   int
	Op   byte // '+', '-', '*', '/'
	X, Y Expr
}

// Call is an aggregate over one or more operands: sum, avg, min, max.
type Call struct {
	At   int
	Fn   string
	Args []Expr
}

func (e *Literal) Pos() int    { return e.At }
func (e *MetricRef) Pos() int  { return e.At }
func (e *FormulaRef) Pos() int { return e.At }
func (e *Unary) Pos() int      { return e.At }
func (e *Binary) Pos() int     { return e.At }
func (e *Call) Pos() int       { return e.At }

// CountNodes returns the number of nodes in the expression tree. The
// compiler emits exactly one DAG node per AST node.
func CountNodes(e Expr) int {
	switch v := e.(type) {
	case *Unary:
		return 1 + CountNodes(v.X)
	case *Binary:
		return 1 + CountNodes(v.X) + CountNodes(v.Y)
	case *Call:
		n := 1
		for _, a := range v.Args {
			n += CountNodes(a)
		}
		return n
	default:
		return 1
	}
}

// aggregates is the closed set of aggregate function names.
var aggregates = map[string]bool{"sum": true, "avg": true, "min": true, "max": true}

// --- lexer ------------------------------------------------------------------

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokString
	tokOp     // + - * /
	tokLParen // (
	tokRParen // )
	tokComma  // ,
)

type token struct {
	kind tokenKind
	pos  int
	text string
	num  float64
}

type lexer struct {
	src string
	off int
}

func (l *lexer) next() (token, error) {
	for l.off < len(l.src) && (l.src[l.off] == ' ' || l.src[l.off] == '\t' || l.src[l.off] == '\n') {
		l.off++
	}
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: l.off}, nil
	}

	start := l.off
	c := l.src[l.off]
	switch {
	case c == '+' || c == '-' || c == '*' || c == '/':
		l.off++
		return token{kind: tokOp, pos: start, text: string(c)}, nil
	case c == '(':
		l.off++
		return token{kind: tokLParen, pos: start, text: "("}, nil
	case c == ')':
		l.off++
		return token{kind: tokRParen, pos: start, text: ")"}, nil
	case c == ',':
		l.off++
		return token{kind: tokComma, pos: start, text: ","}, nil
	case c == '"':
		l.off++
		end := strings.IndexByte(l.src[l.off:], '"')
		if end < 0 {
			return token{}, newError(CodeSyntax, start, "unterminated string")
		}
		text := l.src[l.off : l.off+end]
		l.off += end + 1
		return token{kind: tokString, pos: start, text: text}, nil
	case c >= '0' && c <= '9' || c == '.':
		for l.off < len(l.src) && (isDigit(l.src[l.off]) || l.src[l.off] == '.') {
			l.off++
		}
		// Optional exponent, with an optional sign: 1e3, 2.5E+2, 1e-3.
		if l.off < len(l.src) && (l.src[l.off] == 'e' || l.src[l.off] == 'E') {
			l.off++
			if l.off < len(l.src) && (l.src[l.off] == '+' || l.src[l.off] == '-') {
				l.off++
			}
			for l.off < len(l.src) && isDigit(l.src[l.off]) {
				l.off++
			}
		}
		text := l.src[start:l.off]
		num, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, newError(CodeSyntax, start, fmt.Sprintf("bad number %q", text))
		}
		return token{kind: tokNumber, pos: start, text: text, num: num}, nil
	case isIdentStart(c):
		for l.off < len(l.src) && isIdentChar(l.src[l.off]) {
			l.off++
		}
		return token{kind: tokIdent, pos: start, text: l.src[start:l.off]}, nil
	default:
		return token{}, newError(CodeSyntax, start, fmt.Sprintf("unexpected character %q", c))
	}
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isIdentChar(c byte) bool  { return isIdentStart(c) || isDigit(c) }

// --- parser -----------------------------------------------------------------

type parser struct {
	lex    lexer
	tok    token
	peeked bool
}

// Parse parses src into an expression tree. The only error kind returned is
// a *CompileError with CodeSyntax.
func Parse(src string) (Expr, error) {
	p := &parser{lex: lexer{src: src}}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.kind != tokEOF {
		return nil, newError(CodeSyntax, t.pos, fmt.Sprintf("unexpected %q after expression", t.text))
	}
	return e, nil
}

func (p *parser) next() (token, error) {
	if p.peeked {
		p.peeked = false
		return p.tok, nil
	}
	return p.lex.next()
}

func (p *parser) peek() (token, error) {
	if !p.peeked {
		t, err := p.lex.next()
		if err != nil {
			return token{}, err
		}
		p.tok = t
		p.peeked = true
	}
	return p.tok, nil
}

// parseExpr handles + and - (lowest precedence).
func (p *parser) parseExpr() (Expr, error) {
	x, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return x, nil
		}
		p.peeked = false
		y, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		x = &Binary{At: t.pos, Op: t.text[0], X: x, Y: y}
	}
}

// parseTerm handles * and /.
func (p *parser) parseTerm() (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return x, nil
		}
		p.peeked = false
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		x = &Binary{At: t.pos, Op: t.text[0], X: x, Y: y}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	t, err := p.peek()
	if err != nil {
		return nil, err
	}
	if t.kind == tokOp && t.text == "-" {
		p.peeked = false
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{At: t.pos, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}

	switch t.kind {
	case tokNumber:
		return &Literal{At: t.pos, Value: t.num}, nil

	case tokLParen:
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil

	case tokIdent:
		nxt, err := p.peek()
		if err != nil {
			return nil, err
		}
		if nxt.kind != tokLParen {
			return &FormulaRef{At: t.pos, Name: t.text}, nil
		}
		p.peeked = false

		if t.text == "metric" {
			return p.parseMetricRef(t.pos)
		}
		if !aggregates[t.text] {
			return nil, newError(CodeSyntax, t.pos, fmt.Sprintf("unknown function %q", t.text))
		}
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, newError(CodeSyntax, t.pos, fmt.Sprintf("%s requires at least one argument", t.text))
		}
		return &Call{At: t.pos, Fn: t.text, Args: args}, nil

	case tokEOF:
		return nil, newError(CodeSyntax, t.pos, "unexpected end of expression")
	default:
		return nil, newError(CodeSyntax, t.pos, fmt.Sprintf("unexpected %q", t.text))
	}
}

// parseMetricRef parses the tail of `metric(<component>, <kind>)`. The
// component may be a quoted string (for ids with characters outside the
// identifier set, e.g. "pv-1") or a bare identifier.
func (p *parser) parseMetricRef(at int) (Expr, error) {
	comp, err := p.next()
	if err != nil {
		return nil, err
	}
	if comp.kind != tokIdent && comp.kind != tokString {
		return nil, newError(CodeSyntax, comp.pos, "metric: expected component id")
	}
	if err := p.expect(tokComma, ","); err != nil {
		return nil, err
	}
	kind, err := p.next()
	if err != nil {
		return nil, err
	}
	if kind.kind != tokIdent {
		return nil, newError(CodeSyntax, kind.pos, "metric: expected metric kind")
	}
	if err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	if !types.ValidMetricKind(types.MetricKind(kind.text)) {
		return nil, newError(CodeSyntax, kind.pos, fmt.Sprintf("unknown metric kind %q", kind.text))
	}
	return &MetricRef{
		At:        at,
		Component: types.ComponentID(comp.text),
		Metric:    types.MetricKind(kind.text),
	}, nil
}

func (p *parser) parseArgs() ([]Expr, error) {
	var args []Expr
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if t.kind == tokRParen {
			p.peeked = false
			return args, nil
		}
		if len(args) > 0 {
			if t.kind != tokComma {
				return nil, newError(CodeSyntax, t.pos, fmt.Sprintf("expected ',' or ')', got %q", t.text))
			}
			p.peeked = false
		}
		a, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
}

func (p *parser) expect(kind tokenKind, what string) error {
	t, err := p.next()
	if err != nil {
		return err
	}
	if t.kind != kind {
		return newError(CodeSyntax, t.pos, fmt.Sprintf("expected %q, got %q", what, t.text))
	}
	return nil
}
