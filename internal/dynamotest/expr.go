package dynamotest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is a stored DynamoDB item.
type Item = map[string]types.AttributeValue

// Condition is a compiled condition, filter, or key condition expression.
type Condition func(item Item) bool

type operand func(item Item) (types.AttributeValue, bool)

// Compile parses expr against its placeholder maps. It understands the subset
// of the DynamoDB expression grammar this module emits: comparisons
// (= <> < <= > >=), attribute_exists, attribute_not_exists, contains,
// begins_with, AND, OR, NOT, and parentheses. An empty expression matches
// every item.
func Compile(expr string, names map[string]string, values map[string]types.AttributeValue) (Condition, error) {
	if strings.TrimSpace(expr) == "" {
		return func(Item) bool { return true }, nil
	}
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, names: names, values: values}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected token %q", p.toks[p.pos])
	}
	return c, nil
}

func tokenize(s string) ([]string, error) {
	var toks []string
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')' || c == ',' || c == '=':
			toks = append(toks, string(c))
			i++
		case c == '<' || c == '>':
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				toks = append(toks, s[i:i+2])
				i += 2
				continue
			}
			toks = append(toks, string(c))
			i++
		case isIdent(c):
			j := i
			for j < len(s) && isIdent(s[j]) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

func isIdent(c byte) bool {
	return c == '_' || c == '#' || c == ':' || c == '.' ||
		(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

type parser struct {
	toks   []string
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) next() (string, error) {
	if p.pos >= len(p.toks) {
		return "", fmt.Errorf("unexpected end of expression")
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *parser) acceptKeyword(kw string) bool {
	if strings.EqualFold(p.peek(), kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(tok string) error {
	t, err := p.next()
	if err != nil {
		return err
	}
	if t != tok {
		return fmt.Errorf("expected %q, got %q", tok, t)
	}
	return nil
}

func (p *parser) parseOr() (Condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(it Item) bool { return l(it) || right(it) }
	}
	return left, nil
}

func (p *parser) parseAnd() (Condition, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(it Item) bool { return l(it) && right(it) }
	}
	return left, nil
}

func (p *parser) parseUnary() (Condition, error) {
	if p.acceptKeyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(it Item) bool { return !inner(it) }, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Condition, error) {
	if p.peek() == "(" {
		p.pos++
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		return c, p.expect(")")
	}

	switch strings.ToLower(p.peek()) {
	case "attribute_exists", "attribute_not_exists":
		fn := strings.ToLower(p.toks[p.pos])
		p.pos++
		if err := p.expect("("); err != nil {
			return nil, err
		}
		path, err := p.operand()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		want := fn == "attribute_exists"
		return func(it Item) bool {
			_, ok := path(it)
			return ok == want
		}, nil

	case "contains", "begins_with":
		fn := strings.ToLower(p.toks[p.pos])
		p.pos++
		if err := p.expect("("); err != nil {
			return nil, err
		}
		a, err := p.operand()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		b, err := p.operand()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		test := contains
		if fn == "begins_with" {
			test = beginsWith
		}
		return func(it Item) bool {
			av, ok := a(it)
			bv, okb := b(it)
			return ok && okb && test(av, bv)
		}, nil
	}

	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	op, err := p.next()
	if err != nil {
		return nil, err
	}
	switch op {
	case "=", "<>", "<", "<=", ">", ">=":
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return func(it Item) bool {
		a, ok := left(it)
		b, okb := right(it)
		if !ok || !okb {
			return false
		}
		return compare(a, b, op)
	}, nil
}

// operand parses a :value placeholder or an attribute path whose segments
// are bare names or #name placeholders.
func (p *parser) operand() (operand, error) {
	tok, err := p.next()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(tok, ":") {
		v, ok := p.values[tok]
		if !ok {
			return nil, fmt.Errorf("value placeholder %s is not defined", tok)
		}
		return func(Item) (types.AttributeValue, bool) { return v, true }, nil
	}

	var segments []string
	for _, seg := range strings.Split(tok, ".") {
		if strings.HasPrefix(seg, "#") {
			name, ok := p.names[seg]
			if !ok {
				return nil, fmt.Errorf("name placeholder %s is not defined", seg)
			}
			seg = name
		}
		if seg == "" {
			return nil, fmt.Errorf("invalid attribute path %q", tok)
		}
		segments = append(segments, seg)
	}
	return func(it Item) (types.AttributeValue, bool) { return resolve(it, segments) }, nil
}

func resolve(item Item, path []string) (types.AttributeValue, bool) {
	var cur types.AttributeValue
	m := item
	for i, seg := range path {
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
		if i < len(path)-1 {
			mv, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return nil, false
			}
			m = mv.Value
		}
	}
	return cur, true
}

func compare(a, b types.AttributeValue, op string) bool {
	switch op {
	case "=":
		return Equal(a, b)
	case "<>":
		return !Equal(a, b)
	}
	c, ok := order(a, b)
	if !ok {
		return false
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}

func order(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, err1 := strconv.ParseFloat(av.Value, 64)
		y, err2 := strconv.ParseFloat(bv.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		if !ok {
			return 0, false
		}
		return bytes.Compare(av.Value, bv.Value), true
	}
	return 0, false
}

// Equal reports whether two attribute values are the same type and value.
func Equal(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		c, ok := order(a, b)
		return ok && c == 0
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		return ok && bytes.Equal(av.Value, bv.Value)
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	case *types.AttributeValueMemberL:
		bv, ok := b.(*types.AttributeValueMemberL)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for i := range av.Value {
			if !Equal(av.Value[i], bv.Value[i]) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberM:
		bv, ok := b.(*types.AttributeValueMemberM)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for k, v := range av.Value {
			w, ok := bv.Value[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberSS:
		bv, ok := b.(*types.AttributeValueMemberSS)
		return ok && sameSet(av.Value, bv.Value)
	case *types.AttributeValueMemberNS:
		bv, ok := b.(*types.AttributeValueMemberNS)
		return ok && sameSet(av.Value, bv.Value)
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

func contains(haystack, needle types.AttributeValue) bool {
	switch h := haystack.(type) {
	case *types.AttributeValueMemberS:
		n, ok := needle.(*types.AttributeValueMemberS)
		return ok && strings.Contains(h.Value, n.Value)
	case *types.AttributeValueMemberL:
		for _, v := range h.Value {
			if Equal(v, needle) {
				return true
			}
		}
	case *types.AttributeValueMemberSS:
		n, ok := needle.(*types.AttributeValueMemberS)
		if !ok {
			return false
		}
		for _, v := range h.Value {
			if v == n.Value {
				return true
			}
		}
	case *types.AttributeValueMemberNS:
		for _, v := range h.Value {
			if Equal(&types.AttributeValueMemberN{Value: v}, needle) {
				return true
			}
		}
	}
	return false
}

func beginsWith(a, prefix types.AttributeValue) bool {
	s, ok := a.(*types.AttributeValueMemberS)
	p, okp := prefix.(*types.AttributeValueMemberS)
	return ok && okp && strings.HasPrefix(s.Value, p.Value)
}
