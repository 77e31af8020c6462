package dynorm

import (
	"strings"

	"github.com/cloudxsgmbh/dynamodb-orm-go/internal/lexer"
)

// ParsePredicate parses predicate text of the form
//
//	x => x.Id == 0 && (x.Name != $name || !x.Active)
//
// The "x =>" head is optional; without it the parameter is DefaultParam.
// $name refers to vars["name"]. Functions are written as calls, `lower($s)`,
// or as methods on their first argument, `$s.lower()`.
func ParsePredicate(src string, vars map[string]any) (Predicate, error) {
	tokens, lexErrs := lexer.New(src).ScanTokens()
	if len(lexErrs) > 0 {
		return Predicate{}, NewError("invalid predicate text", WithCode(ErrParse), WithCause(lexErrs[0]),
			WithContext(map[string]any{"source": src}))
	}
	p := &parser{tokens: tokens, vars: vars, param: DefaultParam, src: src}
	if len(tokens) > 2 && tokens[0].Type == lexer.TOKEN_IDENTIFIER && tokens[1].Type == lexer.TOKEN_FAT_ARROW {
		p.param = tokens[0].Lexeme
		p.pos = 2
	}
	body, err := p.expression()
	if err != nil {
		return Predicate{}, err
	}
	if !p.check(lexer.TOKEN_EOF) {
		return Predicate{}, p.errorf("unexpected %s", p.peek().Lexeme)
	}
	return Predicate{Param: p.param, Body: body}, nil
}

// MustParsePredicate is ParsePredicate that panics on error.
func MustParsePredicate(src string, vars map[string]any) Predicate {
	p, err := ParsePredicate(src, vars)
	if err != nil {
		panic(err)
	}
	return p
}

type parser struct {
	tokens []lexer.Token
	pos    int
	vars   map[string]any
	param  string
	src    string
}

var comparisonOps = map[lexer.TokenType]Op{
	lexer.TOKEN_EQUAL_EQUAL:   OpEq,
	lexer.TOKEN_BANG_EQUAL:    OpNe,
	lexer.TOKEN_LESS:          OpLt,
	lexer.TOKEN_LESS_EQUAL:    OpLe,
	lexer.TOKEN_GREATER:       OpGt,
	lexer.TOKEN_GREATER_EQUAL: OpGe,
}

func (p *parser) expression() (Expr, error) { return p.or() }

func (p *parser) or() (Expr, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.TOKEN_PIPE_PIPE) {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Expr, error) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.TOKEN_AMPERSAND_AMPERSAND) {
		right, err := p.comparison()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) comparison() (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	if op, ok := comparisonOps[p.peek().Type]; ok {
		p.advance()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) unary() (Expr, error) {
	switch {
	case p.match(lexer.TOKEN_BANG):
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Not(e), nil
	case p.match(lexer.TOKEN_MINUS):
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		if c, ok := e.(*Constant); ok {
			switch v := c.Value.(type) {
			case int64:
				return Value(-v), nil
			case float64:
				return Value(-v), nil
			}
		}
		return Neg(e), nil
	}
	return p.postfix()
}

// postfix handles method-call sugar: recv.fn(args) becomes fn(recv, args).
func (p *parser) postfix() (Expr, error) {
	e, err := p.primary()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.TOKEN_DOT) {
		p.advance()
		name, err := p.consume(lexer.TOKEN_IDENTIFIER, "expected method name after '.'")
		if err != nil {
			return nil, err
		}
		if _, err := p.consume(lexer.TOKEN_LPAREN, "expected '(' after method name"); err != nil {
			return nil, err
		}
		args, err := p.list(lexer.TOKEN_RPAREN)
		if err != nil {
			return nil, err
		}
		e = &Call{Func: strings.ToLower(name.Lexeme), Args: append([]Expr{e}, args...)}
	}
	return e, nil
}

func (p *parser) primary() (Expr, error) {
	tok := p.advance()
	switch tok.Type {
	case lexer.TOKEN_INT_LITERAL, lexer.TOKEN_FLOAT_LITERAL, lexer.TOKEN_STRING_LITERAL:
		return Value(tok.Literal), nil
	case lexer.TOKEN_TRUE:
		return Value(true), nil
	case lexer.TOKEN_FALSE:
		return Value(false), nil
	case lexer.TOKEN_NIL:
		return Value(nil), nil
	case lexer.TOKEN_VARIABLE:
		name := tok.Literal.(string)
		v, ok := p.vars[name]
		if !ok {
			return nil, NewError("undefined predicate variable", WithCode(ErrArgument),
				WithContext(map[string]any{"variable": name, "source": p.src}))
		}
		return Value(v), nil
	case lexer.TOKEN_LPAREN:
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.consume(lexer.TOKEN_RPAREN, "expected ')'"); err != nil {
			return nil, err
		}
		return e, nil
	case lexer.TOKEN_LBRACKET:
		elems, err := p.list(lexer.TOKEN_RBRACKET)
		if err != nil {
			return nil, err
		}
		return &ArrayLit{Elems: elems}, nil
	case lexer.TOKEN_IDENTIFIER:
		if tok.Lexeme == p.param {
			return p.member()
		}
		if p.match(lexer.TOKEN_LPAREN) {
			args, err := p.list(lexer.TOKEN_RPAREN)
			if err != nil {
				return nil, err
			}
			return &Call{Func: strings.ToLower(tok.Lexeme), Args: args}, nil
		}
		return nil, p.errorAt(tok, "unknown identifier %q", tok.Lexeme)
	}
	return nil, p.errorAt(tok, "unexpected %s", tok.Type)
}

// member reads the attribute path after the parameter name. A trailing
// `.name(` is left for postfix as a method call.
func (p *parser) member() (Expr, error) {
	var path []string
	for p.check(lexer.TOKEN_DOT) && p.peekAt(1).Type == lexer.TOKEN_IDENTIFIER &&
		p.peekAt(2).Type != lexer.TOKEN_LPAREN {
		p.advance()
		path = append(path, p.advance().Lexeme)
	}
	if len(path) == 0 {
		return nil, p.errorf("expected attribute after %q", p.param)
	}
	return &Member{Param: p.param, Name: strings.Join(path, ".")}, nil
}

// list parses comma separated expressions up to and including end.
func (p *parser) list(end lexer.TokenType) ([]Expr, error) {
	var out []Expr
	if p.match(end) {
		return out, nil
	}
	for {
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.match(end) {
			return out, nil
		}
		if _, err := p.consume(lexer.TOKEN_COMMA, "expected ',' or "+end.String()); err != nil {
			return nil, err
		}
	}
}

func (p *parser) peek() lexer.Token { return p.peekAt(0) }

func (p *parser) peekAt(n int) lexer.Token {
	if p.pos+n >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+n]
}

func (p *parser) advance() lexer.Token {
	t := p.peek()
	if t.Type != lexer.TOKEN_EOF {
		p.pos++
	}
	return t
}

func (p *parser) check(tt lexer.TokenType) bool { return p.peek().Type == tt }

func (p *parser) match(tt lexer.TokenType) bool {
	if p.check(tt) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) consume(tt lexer.TokenType, msg string) (lexer.Token, error) {
	if p.check(tt) {
		return p.advance(), nil
	}
	return lexer.Token{}, p.errorf("%s", msg)
}

func (p *parser) errorf(format string, args ...any) *Error {
	return p.errorAt(p.peek(), format, args...)
}

func (p *parser) errorAt(tok lexer.Token, format string, args ...any) *Error {
	e := newCodeError(ErrParse, format, args...)
	e.Context = map[string]any{"column": tok.Column, "source": p.src}
	return e
}
