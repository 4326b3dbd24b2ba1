// Package calc evaluates arithmetic expressions: + - * / %, ** or ^ for powers,
// unary signs, parentheses and decimal literals. Nothing else is reachable from
// an expression, there are no names, calls or attribute lookups.
package calc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrSyntax         = errors.New("syntax error")
	ErrDivisionByZero = errors.New("division by zero")
	ErrOutOfRange     = errors.New("result out of range")
)

const (
	maxInputLen = 512
	maxDepth    = 64
)

// Eval parses and evaluates expr.
func Eval(expr string) (float64, error) {
	if len(expr) > maxInputLen {
		return 0, fmt.Errorf("%w: expression longer than %d bytes", ErrSyntax, maxInputLen)
	}
	p := &parser{src: expr}
	v, err := p.expr(0)
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, p.src[p.pos], p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrOutOfRange
	}
	return v, nil
}

// Format renders v the shortest way that round-trips: 4, 3.5, -0.25.
func Format(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && strings.IndexByte(" \t\r\n", p.src[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

// expr := term (('+' | '-') term)*
func (p *parser) expr(depth int) (float64, error) {
	left, err := p.term(depth)
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.term(depth)
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.term(depth)
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// term := unary (('*' | '/' | '%') unary)*
func (p *parser) term(depth int) (float64, error) {
	left, err := p.unary(depth)
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op == '*' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '*' {
			// power is handled one level down
			return left, nil
		}
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.unary(depth)
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, ErrDivisionByZero
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, ErrDivisionByZero
			}
			// sign follows the divisor, as in floored modulo
			m := math.Mod(left, right)
			if m != 0 && (m < 0) != (right < 0) {
				m += right
			}
			left = m
		}
	}
}

// unary := ('+' | '-') unary | power
func (p *parser) unary(depth int) (float64, error) {
	if depth > maxDepth {
		return 0, fmt.Errorf("%w: nesting deeper than %d", ErrSyntax, maxDepth)
	}
	switch p.peek() {
	case '+':
		p.pos++
		return p.unary(depth + 1)
	case '-':
		p.pos++
		v, err := p.unary(depth + 1)
		return -v, err
	}
	return p.power(depth)
}

// power := primary (('**' | '^') unary)?
// The exponent binds to the right, so 2**3**2 is 2**(3**2) and -2**2 is -(2**2).
func (p *parser) power(depth int) (float64, error) {
	base, err := p.primary(depth)
	if err != nil {
		return 0, err
	}
	switch p.peek() {
	case '^':
		p.pos++
	case '*':
		if p.pos+1 < len(p.src) && p.src[p.pos+1] == '*' {
			p.pos += 2
		} else {
			return base, nil
		}
	default:
		return base, nil
	}
	exp, err := p.unary(depth + 1)
	if err != nil {
		return 0, err
	}
	if base == 0 && exp < 0 {
		return 0, ErrDivisionByZero
	}
	return math.Pow(base, exp), nil
}

// primary := number | '(' expr ')'
func (p *parser) primary(depth int) (float64, error) {
	c := p.peek()
	if c == '(' {
		p.pos++
		v, err := p.expr(depth + 1)
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("%w: missing closing parenthesis", ErrSyntax)
		}
		p.pos++
		return v, nil
	}
	return p.number()
}

func (p *parser) number() (float64, error) {
	start := p.pos
	seenDigit, seenDot := false, false
	for ; p.pos < len(p.src); p.pos++ {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' {
			seenDigit = true
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			continue
		}
		break
	}
	if !seenDigit {
		if start >= len(p.src) {
			return 0, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
		}
		return 0, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, p.src[start], start)
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrSyntax, p.src[start:p.pos])
	}
	return v, nil
}
