package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// node is a parsed condition. Column references are resolved by bind before
// a node can be evaluated.
type node interface {
	bind(columns []string) error
	eval(row []any) bool
}

type operand struct {
	column string
	index  int
	lit    any
	isCol  bool
}

func (o *operand) bind(columns []string) error {
	if !o.isCol {
		return nil
	}
	for i, c := range columns {
		if c == o.column {
			o.index = i
			return nil
		}
	}
	for i, c := range columns {
		if strings.EqualFold(c, o.column) {
			o.index = i
			return nil
		}
	}
	return fmt.Errorf("unknown column %q", o.column)
}

func (o *operand) value(row []any) any {
	if !o.isCol {
		return o.lit
	}
	if o.index < len(row) {
		return row[o.index]
	}
	return nil
}

type logical struct {
	and         bool
	left, right node
}

func (n *logical) bind(columns []string) error {
	if err := n.left.bind(columns); err != nil {
		return err
	}
	return n.right.bind(columns)
}

func (n *logical) eval(row []any) bool {
	if n.and {
		return n.left.eval(row) && n.right.eval(row)
	}
	return n.left.eval(row) || n.right.eval(row)
}

type not struct{ inner node }

func (n *not) bind(columns []string) error { return n.inner.bind(columns) }
func (n *not) eval(row []any) bool         { return !n.inner.eval(row) }

type comparison struct {
	op          string
	left, right *operand
}

func (n *comparison) bind(columns []string) error {
	if err := n.left.bind(columns); err != nil {
		return err
	}
	return n.right.bind(columns)
}

func (n *comparison) eval(row []any) bool {
	return compare(n.op, n.left.value(row), n.right.value(row))
}

type isNull struct {
	arg    *operand
	negate bool
}

func (n *isNull) bind(columns []string) error { return n.arg.bind(columns) }
func (n *isNull) eval(row []any) bool         { return (n.arg.value(row) == nil) != n.negate }

type in struct {
	arg    *operand
	list   []*operand
	negate bool
}

func (n *in) bind(columns []string) error {
	if err := n.arg.bind(columns); err != nil {
		return err
	}
	for _, o := range n.list {
		if err := o.bind(columns); err != nil {
			return err
		}
	}
	return nil
}

func (n *in) eval(row []any) bool {
	v := n.arg.value(row)
	if v == nil {
		return false
	}
	for _, o := range n.list {
		if compare("==", v, o.value(row)) {
			return !n.negate
		}
	}
	return n.negate
}

type like struct {
	arg, pattern *operand
	negate       bool
}

func (n *like) bind(columns []string) error {
	if err := n.arg.bind(columns); err != nil {
		return err
	}
	return n.pattern.bind(columns)
}

func (n *like) eval(row []any) bool {
	v, p := n.arg.value(row), n.pattern.value(row)
	if v == nil || p == nil {
		return false
	}
	return matchLike(text(v), text(p)) != n.negate
}

// truthy evaluates a bare operand such as a boolean column.
type truthy struct{ arg *operand }

func (n *truthy) bind(columns []string) error { return n.arg.bind(columns) }
func (n *truthy) eval(row []any) bool         { return isTruthy(n.arg.value(row)) }

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 1 {
		return nil, fmt.Errorf("empty condition")
	}
	p := &parser{toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// keyword reports whether the next token is one of words, consuming it if so.
func (p *parser) keyword(words ...string) bool {
	t := p.peek()
	for _, w := range words {
		if (t.kind == tokIdent || t.kind == tokOp) && strings.EqualFold(t.text, w) {
			p.pos++
			return true
		}
	}
	return false
}

func (p *parser) or() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("or", "||") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = &logical{left: left, right: right}
	}
	return left, nil
}

func (p *parser) and() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and", "&&") {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &logical{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if p.keyword("not", "!") {
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &not{inner: inner}, nil
	}
	return p.predicate()
}

func (p *parser) predicate() (node, error) {
	if p.peek().kind == tokLParen {
		p.next()
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", t.pos)
		}
		return n, nil
	}
	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "=", "!=", "<>", "<", "<=", ">", ">=":
			p.next()
			right, err := p.operand()
			if err != nil {
				return nil, err
			}
			op := t.text
			switch op {
			case "=":
				op = "=="
			case "<>":
				op = "!="
			}
			return &comparison{op: op, left: left, right: right}, nil
		}
	}
	if p.keyword("is") {
		negate := p.keyword("not")
		if !p.keyword("null") {
			return nil, fmt.Errorf("expected null at %d", p.peek().pos)
		}
		return &isNull{arg: left, negate: negate}, nil
	}
	negate := false
	if t := p.peek(); t.kind == tokIdent && strings.EqualFold(t.text, "not") {
		if n := p.toks[p.pos+1]; n.kind == tokIdent && (strings.EqualFold(n.text, "in") || strings.EqualFold(n.text, "like")) {
			p.next()
			negate = true
		}
	}
	if p.keyword("in") {
		list, err := p.list()
		if err != nil {
			return nil, err
		}
		return &in{arg: left, list: list, negate: negate}, nil
	}
	if p.keyword("like") {
		pattern, err := p.operand()
		if err != nil {
			return nil, err
		}
		return &like{arg: left, pattern: pattern, negate: negate}, nil
	}
	return &truthy{arg: left}, nil
}

func (p *parser) list() ([]*operand, error) {
	if t := p.next(); t.kind != tokLParen {
		return nil, fmt.Errorf("expected ( at %d", t.pos)
	}
	var out []*operand
	for {
		o, err := p.operand()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		t := p.next()
		if t.kind == tokRParen {
			return out, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected , or ) at %d", t.pos)
		}
	}
}

func (p *parser) operand() (*operand, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return &operand{lit: i}, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return &operand{lit: f}, nil
	case tokString:
		return &operand{lit: t.text}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &operand{lit: true}, nil
		case "false":
			return &operand{lit: false}, nil
		case "null":
			return &operand{lit: nil}, nil
		case "and", "or", "not", "is", "in", "like":
			return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
		}
		return &operand{column: t.text, isCol: true}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of condition")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}
