package rules

import (
	"fmt"
)

// node is one compiled AST node.
type node interface {
	eval(ec *evalContext) (Value, error)
}

type litNode struct{ v Value }

type identNode struct{ name string }

type listNode struct{ elems []node }

type notNode struct{ operand node }

type binNode struct {
	op          tokenType // tokAnd, tokOr
	left, right node
}

type cmpNode struct {
	op          tokenType // tokLT..tokNE
	left, right node
}

// inNode tests membership of left in either a literal list or a named
// allow/deny list resolved through the list checker.
type inNode struct {
	left node
	name string // named list, empty when lit is set
	lit  *listNode
}

// callNode is a whitelisted function call with string-only arguments.
type callNode struct {
	name string
	args []string
}

// allowed function names and their arities.
var funcArity = map[string]int{
	"velocity_1h":  1,
	"velocity_24h": 1,
	"member_of":    2,
}

type parser struct {
	toks []token
	pos  int
}

// parse compiles a condition string into an AST. Every construct outside the
// grammar (unknown functions, non-string arguments, trailing tokens) is an
// error here; invalid rules are rejected at load time as a whole set.
func parse(src string) (node, error) {
	toks, err := scan(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().typ != tokEOF {
		return nil, fmt.Errorf("pos %d: unexpected %s after expression", p.peek().pos, p.peek().typ)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.typ != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(tt tokenType) (token, error) {
	t := p.peek()
	if t.typ != tt {
		return token{}, fmt.Errorf("pos %d: expected %s, got %s", t.pos, tt, t.typ)
	}
	return p.next(), nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().typ == tokNot {
		p.next()
		operand, err := p.parseNot() // right-binding
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch t := p.peek(); t.typ {
	case tokLT, tokLE, tokGT, tokGE, tokEQ, tokNE:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: t.typ, left: left, right: right}, nil
	case tokIn:
		p.next()
		switch p.peek().typ {
		case tokIdent:
			name := p.next().text
			return &inNode{left: left, name: name}, nil
		case tokLBracket:
			lit, err := p.parseListLiteral()
			if err != nil {
				return nil, err
			}
			return &inNode{left: left, lit: lit}, nil
		default:
			return nil, fmt.Errorf("pos %d: IN requires a list name or list literal", p.peek().pos)
		}
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.typ {
	case tokNumber:
		p.next()
		return &litNode{v: Num(t.num)}, nil
	case tokString:
		p.next()
		return &litNode{v: Str(t.text)}, nil
	case tokTrue:
		p.next()
		return &litNode{v: Bool(true)}, nil
	case tokFalse:
		p.next()
		return &litNode{v: Bool(false)}, nil
	case tokLBracket:
		return p.parseListLiteral()
	case tokLParen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return n, nil
	case tokIdent:
		p.next()
		if p.peek().typ == tokLParen {
			return p.parseCall(t)
		}
		return &identNode{name: t.text}, nil
	}
	return nil, fmt.Errorf("pos %d: unexpected %s", t.pos, t.typ)
}

func (p *parser) parseCall(name token) (node, error) {
	arity, ok := funcArity[name.text]
	if !ok {
		return nil, fmt.Errorf("pos %d: unknown function %q", name.pos, name.text)
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	var args []string
	for p.peek().typ != tokRParen {
		if len(args) > 0 {
			if _, err := p.expect(tokComma); err != nil {
				return nil, err
			}
		}
		arg, err := p.expect(tokString)
		if err != nil {
			return nil, fmt.Errorf("function %s takes string arguments only: %w", name.text, err)
		}
		args = append(args, arg.text)
	}
	p.next() // ')'
	if len(args) != arity {
		return nil, fmt.Errorf("pos %d: %s takes %d argument(s), got %d", name.pos, name.text, arity, len(args))
	}
	return &callNode{name: name.text, args: args}, nil
}

func (p *parser) parseListLiteral() (*listNode, error) {
	if _, err := p.expect(tokLBracket); err != nil {
		return nil, err
	}
	var elems []node
	for p.peek().typ != tokRBracket {
		if len(elems) > 0 {
			if _, err := p.expect(tokComma); err != nil {
				return nil, err
			}
		}
		t := p.peek()
		switch t.typ {
		case tokNumber:
			p.next()
			elems = append(elems, &litNode{v: Num(t.num)})
		case tokString:
			p.next()
			elems = append(elems, &litNode{v: Str(t.text)})
		case tokTrue:
			p.next()
			elems = append(elems, &litNode{v: Bool(true)})
		case tokFalse:
			p.next()
			elems = append(elems, &litNode{v: Bool(false)})
		default:
			return nil, fmt.Errorf("pos %d: list literals hold literals only", t.pos)
		}
	}
	p.next() // ']'
	return &listNode{elems: elems}, nil
}
