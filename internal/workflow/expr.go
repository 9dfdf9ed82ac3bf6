package workflow

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// The conditional expression language: arithmetic, comparisons,
// and/or/not, parentheses, literals, and a short function whitelist.
// Anything else is a parse error. Hard caps keep evaluation cheap:
// expression length, string operand length, and the ** exponent.
const (
	maxExprLen   = 500
	maxStringLen = 1000
	maxExponent  = 100
)

// EvalError reports why an expression was rejected or failed.
type EvalError struct {
	Expr   string
	Reason string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression error: %s", e.Reason)
}

// Eval parses and evaluates an expression against a symbol table of
// pre-resolved variables.
func Eval(expr string, vars map[string]any) (any, error) {
	if len(expr) > maxExprLen {
		return nil, &EvalError{Expr: expr, Reason: fmt.Sprintf("expression exceeds %d characters", maxExprLen)}
	}
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{expr: expr, toks: toks, vars: vars}
	v, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, p.errorf("unexpected %q", p.toks[p.pos].text)
	}
	return v, nil
}

// Truthy applies boolean coercion at the node boundary only.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

type tokKind int

const (
	tokNumber tokKind = iota
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func lex(expr string) ([]token, error) {
	var toks []token
	runes := []rune(expr)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(string(runes[i:j]), 64)
			if err != nil {
				return nil, &EvalError{Expr: expr, Reason: fmt.Sprintf("bad number %q", string(runes[i:j]))}
			}
			toks = append(toks, token{kind: tokNumber, num: num, text: string(runes[i:j])})
			i = j
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, &EvalError{Expr: expr, Reason: "unterminated string"}
			}
			s := string(runes[i+1 : j])
			if len(s) > maxStringLen {
				return nil, &EvalError{Expr: expr, Reason: fmt.Sprintf("string operand exceeds %d characters", maxStringLen)}
			}
			toks = append(toks, token{kind: tokString, text: s})
			i = j + 1
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: string(runes[i:j])})
			i = j
		default:
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "**", "==", "!=", "<=", ">=":
				toks = append(toks, token{kind: tokOp, text: two})
				i += 2
				continue
			}
			switch c {
			case '+', '-', '*', '/', '%', '<', '>', '(', ')', ',':
				toks = append(toks, token{kind: tokOp, text: string(c)})
				i++
			default:
				return nil, &EvalError{Expr: expr, Reason: fmt.Sprintf("forbidden character %q", string(c))}
			}
		}
	}
	return toks, nil
}

type parser struct {
	expr string
	toks []token
	pos  int
	vars map[string]any
}

func (p *parser) errorf(format string, args ...any) error {
	return &EvalError{Expr: p.expr, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) acceptIdent(words ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != tokIdent {
		return "", false
	}
	for _, w := range words {
		if t.text == w {
			p.pos++
			return w, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptIdent("or"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) || Truthy(right)
	}
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptIdent("and"); !ok {
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) && Truthy(right)
	}
}

func (p *parser) parseNot() (any, error) {
	if _, ok := p.acceptIdent("not"); ok {
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right, p)
}

func (p *parser) parseAdditive() (any, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			ls, lok := left.(string)
			rs, rok := right.(string)
			if lok && rok {
				if len(ls)+len(rs) > maxStringLen {
					return nil, p.errorf("string result exceeds %d characters", maxStringLen)
				}
				left = ls + rs
				continue
			}
		}
		ln, rn, err := numbers(op, left, right, p)
		if err != nil {
			return nil, err
		}
		if op == "+" {
			left = ln + rn
		} else {
			left = ln - rn
		}
	}
}

func (p *parser) parseMultiplicative() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		ln, rn, err := numbers(op, left, right, p)
		if err != nil {
			return nil, err
		}
		switch op {
		case "*":
			left = ln * rn
		case "/":
			if rn == 0 {
				return nil, p.errorf("division by zero")
			}
			left = ln / rn
		case "%":
			if rn == 0 {
				return nil, p.errorf("modulo by zero")
			}
			left = math.Mod(ln, rn)
		}
	}
}

func (p *parser) parseUnary() (any, error) {
	if _, ok := p.acceptOp("-"); ok {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n, ok := v.(float64)
		if !ok {
			return nil, p.errorf("unary minus needs a number")
		}
		return -n, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (any, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.acceptOp("**"); !ok {
		return base, nil
	}
	// Right associative.
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	bn, en, err := numbers("**", base, exp, p)
	if err != nil {
		return nil, err
	}
	if en > maxExponent {
		return nil, p.errorf("exponent %g exceeds %d", en, maxExponent)
	}
	return math.Pow(bn, en), nil
}

func (p *parser) parsePrimary() (any, error) {
	t, ok := p.peek()
	if !ok {
		return nil, p.errorf("unexpected end of expression")
	}

	switch t.kind {
	case tokNumber:
		p.pos++
		return t.num, nil
	case tokString:
		p.pos++
		return t.text, nil
	case tokIdent:
		switch t.text {
		case "true":
			p.pos++
			return true, nil
		case "false":
			p.pos++
			return false, nil
		case "null":
			p.pos++
			return nil, nil
		case "abs", "min", "max", "len", "str":
			p.pos++
			return p.parseCall(t.text)
		case "and", "or", "not":
			return nil, p.errorf("unexpected keyword %q", t.text)
		default:
			p.pos++
			if next, ok := p.peek(); ok && next.kind == tokOp && next.text == "(" {
				return nil, p.errorf("unknown function %q", t.text)
			}
			v, found := p.vars[t.text]
			if !found {
				return nil, p.errorf("unknown variable %q", t.text)
			}
			if s, isStr := v.(string); isStr && len(s) > maxStringLen {
				return nil, p.errorf("string operand exceeds %d characters", maxStringLen)
			}
			return v, nil
		}
	case tokOp:
		if t.text == "(" {
			p.pos++
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, p.errorf("missing closing parenthesis")
			}
			return v, nil
		}
	}
	return nil, p.errorf("unexpected %q", t.text)
}

func (p *parser) parseCall(fn string) (any, error) {
	if _, ok := p.acceptOp("("); !ok {
		return nil, p.errorf("function %q requires arguments", fn)
	}
	var args []any
	if _, closed := p.acceptOp(")"); !closed {
		for {
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, v)
			if _, more := p.acceptOp(","); more {
				continue
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, p.errorf("missing closing parenthesis in %s()", fn)
			}
			break
		}
	}
	return p.applyFunc(fn, args)
}

func (p *parser) applyFunc(fn string, args []any) (any, error) {
	switch fn {
	case "abs":
		if len(args) != 1 {
			return nil, p.errorf("abs() takes 1 argument")
		}
		n, ok := args[0].(float64)
		if !ok {
			return nil, p.errorf("abs() needs a number")
		}
		return math.Abs(n), nil
	case "min", "max":
		if len(args) < 1 {
			return nil, p.errorf("%s() takes at least 1 argument", fn)
		}
		best, ok := args[0].(float64)
		if !ok {
			return nil, p.errorf("%s() needs numbers", fn)
		}
		for _, a := range args[1:] {
			n, ok := a.(float64)
			if !ok {
				return nil, p.errorf("%s() needs numbers", fn)
			}
			if (fn == "min" && n < best) || (fn == "max" && n > best) {
				best = n
			}
		}
		return best, nil
	case "len":
		if len(args) != 1 {
			return nil, p.errorf("len() takes 1 argument")
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, p.errorf("len() needs a string, array or object")
		}
	case "str":
		if len(args) != 1 {
			return nil, p.errorf("str() takes 1 argument")
		}
		s := stringify(args[0])
		if len(s) > maxStringLen {
			return nil, p.errorf("string result exceeds %d characters", maxStringLen)
		}
		return s, nil
	}
	return nil, p.errorf("unknown function %q", fn)
}

func numbers(op string, left, right any, p *parser) (float64, float64, error) {
	ln, lok := left.(float64)
	rn, rok := right.(float64)
	if !lok || !rok {
		return 0, 0, p.errorf("operator %q needs numbers", op)
	}
	return ln, rn, nil
}

func compare(op string, left, right any, p *parser) (any, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		if !rok {
			return nil, p.errorf("cannot compare string with non-string")
		}
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	ln, rn, err := numbers(op, left, right, p)
	if err != nil {
		return nil, err
	}
	switch op {
	case "<":
		return ln < rn, nil
	case "<=":
		return ln <= rn, nil
	case ">":
		return ln > rn, nil
	default:
		return ln >= rn, nil
	}
}

func looseEqual(a, b any) bool {
	if an, ok := a.(float64); ok {
		if bn, ok := b.(float64); ok {
			return an == bn
		}
	}
	return reflect.DeepEqual(a, b)
}

// rewriteRefs substitutes ${...} references in a conditional expression
// with generated variable names and returns the symbol table, so values
// keep their types instead of being spliced in as text.
func rewriteRefs(expr string, state *State) (string, map[string]any, error) {
	vars := make(map[string]any)
	var err error
	n := 0
	rewritten := varPattern.ReplaceAllStringFunc(expr, func(m string) string {
		ref := m[2 : len(m)-1]
		val, lerr := lookup(ref, state)
		if lerr != nil {
			if err == nil {
				err = lerr
			}
			return m
		}
		name := fmt.Sprintf("v_%d", n)
		n++
		vars[name] = val
		return name
	})
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(rewritten), vars, nil
}
