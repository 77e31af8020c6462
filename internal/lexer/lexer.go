// Package lexer tokenizes the predicate language accepted by dynorm.ParsePredicate:
//
//	x => x.Id == 0 && (x.Name != $name || !x.Active)
package lexer

import (
	"strconv"
	"strings"
	"unicode"
)

// Lexer tokenizes predicate source
type Lexer struct {
	source  []rune
	start   int
	current int
	tokens  []Token
	errors  []LexError
}

// New creates a new Lexer for the given source
func New(source string) *Lexer {
	return &Lexer{
		source: []rune(source),
		tokens: make([]Token, 0, len(source)/3+1),
	}
}

// ScanTokens scans all tokens and returns them with any errors. The token
// list always ends with TOKEN_EOF.
func (l *Lexer) ScanTokens() ([]Token, []LexError) {
	for !l.isAtEnd() {
		l.start = l.current
		l.scanToken()
	}
	l.tokens = append(l.tokens, Token{Type: TOKEN_EOF, Column: l.current + 1})
	return l.tokens, l.errors
}

func (l *Lexer) scanToken() {
	r := l.advance()

	switch r {
	case '(':
		l.addToken(TOKEN_LPAREN, nil)
	case ')':
		l.addToken(TOKEN_RPAREN, nil)
	case '[':
		l.addToken(TOKEN_LBRACKET, nil)
	case ']':
		l.addToken(TOKEN_RBRACKET, nil)
	case ',':
		l.addToken(TOKEN_COMMA, nil)
	case '.':
		l.addToken(TOKEN_DOT, nil)
	case '-':
		l.addToken(TOKEN_MINUS, nil)
	case '!':
		if l.match('=') {
			l.addToken(TOKEN_BANG_EQUAL, nil)
		} else {
			l.addToken(TOKEN_BANG, nil)
		}
	case '=':
		if l.match('=') {
			l.addToken(TOKEN_EQUAL_EQUAL, nil)
		} else if l.match('>') {
			l.addToken(TOKEN_FAT_ARROW, nil)
		} else {
			l.addError("single '=' is not an operator, use '=='")
		}
	case '<':
		if l.match('=') {
			l.addToken(TOKEN_LESS_EQUAL, nil)
		} else if l.match('>') {
			l.addToken(TOKEN_BANG_EQUAL, nil)
		} else {
			l.addToken(TOKEN_LESS, nil)
		}
	case '>':
		if l.match('=') {
			l.addToken(TOKEN_GREATER_EQUAL, nil)
		} else {
			l.addToken(TOKEN_GREATER, nil)
		}
	case '&':
		if l.match('&') {
			l.addToken(TOKEN_AMPERSAND_AMPERSAND, nil)
		} else {
			l.addError("unexpected character: &")
		}
	case '|':
		if l.match('|') {
			l.addToken(TOKEN_PIPE_PIPE, nil)
		} else {
			l.addError("unexpected character: |")
		}
	case '"', '\'':
		l.scanString(r)
	case '$':
		l.scanVariable()
	case ' ', '\r', '\t', '\n':
	default:
		if isDigit(r) {
			l.scanNumber()
		} else if isAlpha(r) {
			l.scanIdentifier()
		} else {
			l.addError("unexpected character: " + string(r))
		}
	}
}

// scanString scans a quoted string literal with \n, \t, \\ and quote escapes
func (l *Lexer) scanString(quote rune) {
	var b strings.Builder
	for !l.isAtEnd() && l.peek() != quote {
		if l.peek() == '\\' {
			l.advance()
			if l.isAtEnd() {
				break
			}
			switch esc := l.advance(); esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			default:
				b.WriteRune(esc)
			}
			continue
		}
		b.WriteRune(l.advance())
	}
	if l.isAtEnd() {
		l.addError("unterminated string")
		return
	}
	l.advance()
	l.addToken(TOKEN_STRING_LITERAL, b.String())
}

func (l *Lexer) scanNumber() {
	for isDigit(l.peek()) || l.peek() == '_' {
		l.advance()
	}
	isFloat := false
	if l.peek() == '.' && isDigit(l.peekNext()) {
		isFloat = true
		l.advance()
		for isDigit(l.peek()) || l.peek() == '_' {
			l.advance()
		}
	}
	if l.peek() == 'e' || l.peek() == 'E' {
		isFloat = true
		l.advance()
		if l.peek() == '+' || l.peek() == '-' {
			l.advance()
		}
		if !isDigit(l.peek()) {
			l.addError("invalid scientific notation")
			return
		}
		for isDigit(l.peek()) {
			l.advance()
		}
	}

	lexeme := strings.ReplaceAll(string(l.source[l.start:l.current]), "_", "")
	if isFloat {
		v, err := strconv.ParseFloat(lexeme, 64)
		if err != nil {
			l.addError("invalid float literal: " + err.Error())
			return
		}
		l.addToken(TOKEN_FLOAT_LITERAL, v)
		return
	}
	v, err := strconv.ParseInt(lexeme, 10, 64)
	if err != nil {
		l.addError("invalid integer literal: " + err.Error())
		return
	}
	l.addToken(TOKEN_INT_LITERAL, v)
}

func (l *Lexer) scanIdentifier() {
	for isAlphaNumeric(l.peek()) {
		l.advance()
	}
	lexeme := string(l.source[l.start:l.current])
	if tt, ok := lookupKeyword(lexeme); ok {
		l.addToken(tt, nil)
		return
	}
	l.addToken(TOKEN_IDENTIFIER, nil)
}

func (l *Lexer) scanVariable() {
	if !isAlpha(l.peek()) {
		l.addError("expected variable name after '$'")
		return
	}
	for isAlphaNumeric(l.peek()) {
		l.advance()
	}
	l.addToken(TOKEN_VARIABLE, string(l.source[l.start+1:l.current]))
}

func (l *Lexer) isAtEnd() bool {
	return l.current >= len(l.source)
}

func (l *Lexer) advance() rune {
	if l.isAtEnd() {
		return 0
	}
	r := l.source[l.current]
	l.current++
	return r
}

func (l *Lexer) match(expected rune) bool {
	if l.isAtEnd() || l.source[l.current] != expected {
		return false
	}
	l.current++
	return true
}

func (l *Lexer) peek() rune {
	if l.isAtEnd() {
		return 0
	}
	return l.source[l.current]
}

func (l *Lexer) peekNext() rune {
	if l.current+1 >= len(l.source) {
		return 0
	}
	return l.source[l.current+1]
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isAlpha(r rune) bool { return unicode.IsLetter(r) || r == '_' }

func isAlphaNumeric(r rune) bool { return isAlpha(r) || isDigit(r) }

func (l *Lexer) addToken(tt TokenType, literal any) {
	l.tokens = append(l.tokens, Token{
		Type:    tt,
		Lexeme:  string(l.source[l.start:l.current]),
		Literal: literal,
		Column:  l.start + 1,
	})
}

func (l *Lexer) addError(message string) {
	l.errors = append(l.errors, LexError{Message: message, Column: l.start + 1})
}
