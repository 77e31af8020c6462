/*
Package dynorm – predicate trees.

A Predicate is a boolean expression over one record parameter. Trees are
built with the helpers below or parsed from text by ParsePredicate:

	p := Where(And(Eq(Attr("Id"), Value(0)), Gt(Attr("Age"), Value(18))))
	p, err := ParsePredicate("x => x.Id == 0 && x.Age > 18", nil)
*/
package dynorm

import (
	"fmt"
	"reflect"
	"strings"
)

// DefaultParam is the parameter name used by Where.
const DefaultParam = "x"

// Op is a binary operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

var opText = [...]string{
	OpEq:  "==",
	OpNe:  "!=",
	OpLt:  "<",
	OpLe:  "<=",
	OpGt:  ">",
	OpGe:  ">=",
	OpAnd: "&&",
	OpOr:  "||",
}

func (o Op) String() string {
	if int(o) < len(opText) {
		return opText[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Logical reports whether o combines two boolean operands.
func (o Op) Logical() bool { return o == OpAnd || o == OpOr }

// UnaryOp is a unary operator.
type UnaryOp int

const (
	UnaryNot UnaryOp = iota
	UnaryNegate
	UnaryConvert
)

// Expr is a predicate tree node.
type Expr interface {
	fmt.Stringer
	exprNode()
}

// Binary applies Op to two operands.
type Binary struct {
	Op          Op
	Left, Right Expr
}

// Unary applies a unary operator. Type is the target of UnaryConvert and
// may be nil.
type Unary struct {
	Op      UnaryOp
	Operand Expr
	Type    reflect.Type
}

// Member is an attribute access on a parameter. Name may be a dotted path
// into nested maps. An empty Param means the enclosing predicate's parameter.
type Member struct {
	Param string
	Name  string
}

// Constant is a literal or captured value.
type Constant struct {
	Value any
}

// Call invokes a named function.
type Call struct {
	Func string
	Args []Expr
}

// ArrayLit is an array of expressions.
type ArrayLit struct {
	Elems []Expr
}

func (*Binary) exprNode() {}
func (*Unary) exprNode() {}
func (*Member) exprNode() {}
func (*Constant) exprNode() {}
func (*Call) exprNode() {}
func (*ArrayLit) exprNode() {}

func (b *Binary) String() string {
	return "(" + b.Left.String() + " " + b.Op.String() + " " + b.Right.String() + ")"
}

func (u *Unary) String() string {
	switch u.Op {
	case UnaryNot:
		return "!" + u.Operand.String()
	case UnaryNegate:
		return "-" + u.Operand.String()
	}
	if u.Type != nil {
		return "convert(" + u.Operand.String() + ", " + u.Type.String() + ")"
	}
	return "convert(" + u.Operand.String() + ")"
}

func (m *Member) String() string {
	if m.Param == "" {
		return DefaultParam + "." + m.Name
	}
	return m.Param + "." + m.Name
}

func (c *Constant) String() string {
	switch v := c.Value.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", v)
	case fmt.Stringer:
		return fmt.Sprintf("%q", v.String())
	}
	return fmt.Sprintf("%v", c.Value)
}

func (c *Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Func + "(" + strings.Join(args, ", ") + ")"
}

func (a *ArrayLit) String() string {
	elems := make([]string, len(a.Elems))
	for i, e := range a.Elems {
		elems[i] = e.String()
	}
	return "[" + strings.Join(elems, ", ") + "]"
}

// Predicate is a boolean expression over the parameter Param.
type Predicate struct {
	Param string
	Body  Expr
}

// String renders the canonical text form, e.g. `x => (x.Id == 0)`.
func (p Predicate) String() string {
	if p.Body == nil {
		return p.param() + " => <nil>"
	}
	return p.param() + " => " + p.Body.String()
}

func (p Predicate) param() string {
	if p.Param == "" {
		return DefaultParam
	}
	return p.Param
}

// Where wraps body in a predicate over DefaultParam.
func Where(body Expr) Predicate { return Predicate{Param: DefaultParam, Body: body} }

func Eq(l, r Expr) *Binary { return &Binary{Op: OpEq, Left: l, Right: r} }
func Ne(l, r Expr) *Binary { return &Binary{Op: OpNe, Left: l, Right: r} }
func Lt(l, r Expr) *Binary { return &Binary{Op: OpLt, Left: l, Right: r} }
func Le(l, r Expr) *Binary { return &Binary{Op: OpLe, Left: l, Right: r} }
func Gt(l, r Expr) *Binary { return &Binary{Op: OpGt, Left: l, Right: r} }
func Ge(l, r Expr) *Binary { return &Binary{Op: OpGe, Left: l, Right: r} }
func Not(e Expr) *Unary { return &Unary{Op: UnaryNot, Operand: e} }
func Neg(e Expr) *Unary { return &Unary{Op: UnaryNegate, Operand: e} }
func Attr(name string) *Member { return &Member{Name: name} }
func Value(v any) *Constant { return &Constant{Value: v} }

// And folds its operands left to right: And(a, b, c) is ((a && b) && c).
func And(first Expr, rest ...Expr) Expr { return fold(OpAnd, first, rest) }

// Or folds its operands left to right.
func Or(first Expr, rest ...Expr) Expr { return fold(OpOr, first, rest) }

func fold(op Op, first Expr, rest []Expr) Expr {
	out := first
	for _, e := range rest {
		out = &Binary{Op: op, Left: out, Right: e}
	}
	return out
}

// Convert wraps e in a type conversion.
func Convert(e Expr, t reflect.Type) *Unary { return &Unary{Op: UnaryConvert, Operand: e, Type: t} }

// Fn builds a function call.
func Fn(name string, args ...Expr) *Call { return &Call{Func: name, Args: args} }

// Array builds an array literal from constants.
func Array(values ...any) *ArrayLit {
	elems := make([]Expr, len(values))
	for i, v := range values {
		if e, ok := v.(Expr); ok {
			elems[i] = e
			continue
		}
		elems[i] = Value(v)
	}
	return &ArrayLit{Elems: elems}
}
