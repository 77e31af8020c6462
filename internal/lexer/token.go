package lexer

import "fmt"

// TokenType is the kind of a predicate token.
type TokenType int

const (
	TOKEN_EOF TokenType = iota
	TOKEN_ERROR

	// Literals
	TOKEN_IDENTIFIER
	TOKEN_VARIABLE // $name
	TOKEN_INT_LITERAL
	TOKEN_FLOAT_LITERAL
	TOKEN_STRING_LITERAL
	TOKEN_TRUE
	TOKEN_FALSE
	TOKEN_NIL

	// Operators
	TOKEN_BANG                // !
	TOKEN_MINUS               // -
	TOKEN_DOT                 // .
	TOKEN_COMMA               // ,
	TOKEN_LESS                // <
	TOKEN_GREATER             // >
	TOKEN_EQUAL_EQUAL         // ==
	TOKEN_BANG_EQUAL          // !=
	TOKEN_LESS_EQUAL          // <=
	TOKEN_GREATER_EQUAL       // >=
	TOKEN_AMPERSAND_AMPERSAND // &&
	TOKEN_PIPE_PIPE           // ||
	TOKEN_FAT_ARROW           // =>

	// Delimiters
	TOKEN_LPAREN   // (
	TOKEN_RPAREN   // )
	TOKEN_LBRACKET // [
	TOKEN_RBRACKET // ]
)

var tokenNames = map[TokenType]string{
	TOKEN_EOF:                 "EOF",
	TOKEN_ERROR:               "ERROR",
	TOKEN_IDENTIFIER:          "IDENTIFIER",
	TOKEN_VARIABLE:            "VARIABLE",
	TOKEN_INT_LITERAL:         "INT_LITERAL",
	TOKEN_FLOAT_LITERAL:       "FLOAT_LITERAL",
	TOKEN_STRING_LITERAL:      "STRING_LITERAL",
	TOKEN_TRUE:                "TRUE",
	TOKEN_FALSE:               "FALSE",
	TOKEN_NIL:                 "NIL",
	TOKEN_BANG:                "BANG",
	TOKEN_MINUS:               "MINUS",
	TOKEN_DOT:                 "DOT",
	TOKEN_COMMA:               "COMMA",
	TOKEN_LESS:                "LESS",
	TOKEN_GREATER:             "GREATER",
	TOKEN_EQUAL_EQUAL:         "EQUAL_EQUAL",
	TOKEN_BANG_EQUAL:          "BANG_EQUAL",
	TOKEN_LESS_EQUAL:          "LESS_EQUAL",
	TOKEN_GREATER_EQUAL:       "GREATER_EQUAL",
	TOKEN_AMPERSAND_AMPERSAND: "AMPERSAND_AMPERSAND",
	TOKEN_PIPE_PIPE:           "PIPE_PIPE",
	TOKEN_FAT_ARROW:           "FAT_ARROW",
	TOKEN_LPAREN:              "LPAREN",
	TOKEN_RPAREN:              "RPAREN",
	TOKEN_LBRACKET:            "LBRACKET",
	TOKEN_RBRACKET:            "RBRACKET",
}

// String returns the name of the token type
func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TokenType(%d)", int(t))
}

// Token is a single lexical token
type Token struct {
	Type    TokenType
	Lexeme  string
	Literal any // int64, float64 or string for literal tokens
	Column  int
}

func (t Token) String() string {
	return fmt.Sprintf("%s %q at column %d", t.Type, t.Lexeme, t.Column)
}

// LexError is a tokenization failure
type LexError struct {
	Message string
	Column  int
}

func (e LexError) Error() string {
	return fmt.Sprintf("column %d: %s", e.Column, e.Message)
}

var keywords = map[string]TokenType{
	"true":  TOKEN_TRUE,
	"false": TOKEN_FALSE,
	"nil":   TOKEN_NIL,
	"null":  TOKEN_NIL,
	"and":   TOKEN_AMPERSAND_AMPERSAND,
	"or":    TOKEN_PIPE_PIPE,
	"not":   TOKEN_BANG,
}

func lookupKeyword(s string) (TokenType, bool) {
	t, ok := keywords[s]
	return t, ok
}
