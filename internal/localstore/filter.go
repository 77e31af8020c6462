package localstore

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// condition is a parsed filter or condition expression.
type condition interface {
	eval(item map[string]types.AttributeValue) bool
}

// operand yields an attribute value, or nil when the path is absent.
type operand interface {
	value(item map[string]types.AttributeValue) types.AttributeValue
}

type pathOperand []string

type valueOperand struct{ v types.AttributeValue }

type logicalCond struct {
	and         bool
	left, right condition
}

type notCond struct{ inner condition }

type compareCond struct {
	op          string
	left, right operand
}

type funcCond struct {
	name string
	path pathOperand
	arg  operand
}

func (p pathOperand) value(item map[string]types.AttributeValue) types.AttributeValue {
	cur := item
	for i, seg := range p {
		av, ok := cur[seg]
		if !ok {
			return nil
		}
		if i == len(p)-1 {
			return av
		}
		m, ok := av.(*types.AttributeValueMemberM)
		if !ok {
			return nil
		}
		cur = m.Value
	}
	return nil
}

func (v valueOperand) value(map[string]types.AttributeValue) types.AttributeValue { return v.v }

func (c logicalCond) eval(item map[string]types.AttributeValue) bool {
	if c.and {
		return c.left.eval(item) && c.right.eval(item)
	}
	return c.left.eval(item) || c.right.eval(item)
}

func (c notCond) eval(item map[string]types.AttributeValue) bool { return !c.inner.eval(item) }

func (c compareCond) eval(item map[string]types.AttributeValue) bool {
	l, r := c.left.value(item), c.right.value(item)
	if l == nil || r == nil {
		// absent attributes only satisfy <>
		return c.op == "<>"
	}
	cmp, ok := compareValues(l, r)
	switch c.op {
	case "=":
		return ok && cmp == 0
	case "<>":
		return !ok || cmp != 0
	}
	if !ok || !ordered(l) {
		return false
	}
	switch c.op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func (c funcCond) eval(item map[string]types.AttributeValue) bool {
	av := c.path.value(item)
	switch c.name {
	case "attribute_exists":
		return av != nil
	case "attribute_not_exists":
		return av == nil
	}
	if av == nil {
		return false
	}
	arg := c.arg.value(item)
	switch c.name {
	case "begins_with":
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			s, ok := arg.(*types.AttributeValueMemberS)
			return ok && strings.HasPrefix(v.Value, s.Value)
		case *types.AttributeValueMemberB:
			b, ok := arg.(*types.AttributeValueMemberB)
			return ok && bytes.HasPrefix(v.Value, b.Value)
		}
	case "contains":
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			s, ok := arg.(*types.AttributeValueMemberS)
			return ok && strings.Contains(v.Value, s.Value)
		case *types.AttributeValueMemberSS:
			s, ok := arg.(*types.AttributeValueMemberS)
			return ok && containsString(v.Value, s.Value, false)
		case *types.AttributeValueMemberNS:
			n, ok := arg.(*types.AttributeValueMemberN)
			return ok && containsString(v.Value, n.Value, true)
		case *types.AttributeValueMemberL:
			for _, e := range v.Value {
				if cmp, ok := compareValues(e, arg); ok && cmp == 0 {
					return true
				}
			}
		}
	}
	return false
}

func containsString(set []string, s string, numeric bool) bool {
	for _, e := range set {
		if numeric {
			if cmp, ok := compareNumbers(e, s); ok && cmp == 0 {
				return true
			}
		} else if e == s {
			return true
		}
	}
	return false
}

func ordered(av types.AttributeValue) bool {
	switch av.(type) {
	case *types.AttributeValueMemberS, *types.AttributeValueMemberN, *types.AttributeValueMemberB:
		return true
	}
	return false
}

func compareNumbers(a, b string) (int, bool) {
	da, err := decimal.NewFromString(a)
	if err != nil {
		return 0, false
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		return 0, false
	}
	return da.Cmp(db), true
}

// compareValues orders two values of the same member type. Numbers compare
// as decimals. Values of different types are not comparable.
func compareValues(a, b types.AttributeValue) (int, bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(x.Value, y.Value), true
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		return compareNumbers(x.Value, y.Value)
	case *types.AttributeValueMemberB:
		y, ok := b.(*types.AttributeValueMemberB)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x.Value, y.Value), true
	case *types.AttributeValueMemberBOOL:
		y, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || x.Value != y.Value {
			return 1, ok
		}
		return 0, true
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return 0, ok
	}
	ka, err := encodeItem(map[string]types.AttributeValue{"": a})
	if err != nil {
		return 0, false
	}
	kb, err := encodeItem(map[string]types.AttributeValue{"": b})
	if err != nil {
		return 0, false
	}
	if bytes.Equal(ka, kb) {
		return 0, true
	}
	return 1, true
}

// ---- parsing ----

type exprParser struct {
	toks   []string
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
}

// parseCondition parses a filter, condition or key expression. An empty
// expression yields nil.
func parseCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (condition, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks, names: names, values: values}
	c, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("localstore: unexpected %q in expression %q", p.toks[p.pos], expr)
	}
	return c, nil
}

func tokenize(s string) ([]string, error) {
	var out []string
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case strings.ContainsRune("(),.", rune(c)):
			out = append(out, string(c))
			i++
		case c == '<' || c == '>':
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				out = append(out, s[i:i+2])
				i += 2
			} else {
				out = append(out, string(c))
				i++
			}
		case c == '=':
			out = append(out, "=")
			i++
		case c == '#' || c == ':' || c == '_' || isLetter(c):
			j := i + 1
			for j < len(s) && (isLetter(s[j]) || isDigit(s[j]) || s[j] == '_' || s[j] == '-') {
				j++
			}
			out = append(out, s[i:j])
			i = j
		default:
			return nil, fmt.Errorf("localstore: unexpected character %q in expression %q", c, s)
		}
	}
	return out, nil
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

func (p *exprParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *exprParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *exprParser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("localstore: expected %q, got %q", tok, got)
	}
	return nil
}

func (p *exprParser) or() (condition, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "OR") {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = logicalCond{left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) and() (condition, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = logicalCond{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) not() (condition, error) {
	if strings.EqualFold(p.peek(), "NOT") {
		p.next()
		inner, err := p.not()
		if err != nil {
			return nil, err
		}
		return notCond{inner: inner}, nil
	}
	return p.primary()
}

func (p *exprParser) primary() (condition, error) {
	tok := p.peek()
	if tok == "(" {
		p.next()
		c, err := p.or()
		if err != nil {
			return nil, err
		}
		return c, p.expect(")")
	}
	switch strings.ToLower(tok) {
	case "attribute_exists", "attribute_not_exists", "begins_with", "contains":
		p.next()
		return p.function(strings.ToLower(tok))
	}

	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	op := p.next()
	switch op {
	case "=", "<>", "<", "<=", ">", ">=":
	default:
		return nil, fmt.Errorf("localstore: expected comparison operator, got %q", op)
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return compareCond{op: op, left: left, right: right}, nil
}

func (p *exprParser) function(name string) (condition, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	path, err := p.path()
	if err != nil {
		return nil, err
	}
	fc := funcCond{name: name, path: path}
	if name == "begins_with" || name == "contains" {
		if err := p.expect(","); err != nil {
			return nil, err
		}
		if fc.arg, err = p.operand(); err != nil {
			return nil, err
		}
	}
	return fc, p.expect(")")
}

func (p *exprParser) operand() (operand, error) {
	if strings.HasPrefix(p.peek(), ":") {
		tok := p.next()
		v, ok := p.values[tok]
		if !ok {
			return nil, fmt.Errorf("localstore: value %s is not defined", tok)
		}
		return valueOperand{v}, nil
	}
	return p.path()
}

func (p *exprParser) path() (pathOperand, error) {
	var out pathOperand
	for {
		tok := p.next()
		if tok == "" || strings.HasPrefix(tok, ":") || !(strings.HasPrefix(tok, "#") || isLetter(tok[0]) || tok[0] == '_') {
			return nil, fmt.Errorf("localstore: expected attribute name, got %q", tok)
		}
		if strings.HasPrefix(tok, "#") {
			name, ok := p.names[tok]
			if !ok {
				return nil, fmt.Errorf("localstore: name %s is not defined", tok)
			}
			tok = name
		}
		out = append(out, tok)
		if p.peek() != "." {
			return out, nil
		}
		p.next()
	}
}

// parseProjection resolves a projection expression to top-level attribute names.
func parseProjection(expr string, names map[string]string) (map[string]bool, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	out := map[string]bool{}
	for _, part := range strings.Split(expr, ",") {
		seg := strings.TrimSpace(strings.SplitN(part, ".", 2)[0])
		if strings.HasPrefix(seg, "#") {
			name, ok := names[seg]
			if !ok {
				return nil, fmt.Errorf("localstore: name %s is not defined", seg)
			}
			seg = name
		}
		out[seg] = true
	}
	return out, nil
}

func project(item map[string]types.AttributeValue, attrs map[string]bool) map[string]types.AttributeValue {
	if attrs == nil {
		return item
	}
	out := make(map[string]types.AttributeValue, len(attrs))
	for k, v := range item {
		if attrs[k] {
			out[k] = v
		}
	}
	return out
}
