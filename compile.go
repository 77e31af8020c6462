/*
Package dynorm – predicate compiler.

Compile walks a Predicate depth first, left to right. Each leaf comparison
becomes `#attr op :valN`, where the non-field side is evaluated to a literal
and bound to the next :valN placeholder. Logical nodes render as
`(L AND R)` / `(L OR R)`.
*/
package dynorm

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ValuePrefix prefixes every value placeholder.
const ValuePrefix = ":val"

// filterTokens maps operators to the store's filter vocabulary.
var filterTokens = map[Op]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpLt:  "<",
	OpLe:  "<=",
	OpGt:  ">",
	OpGe:  ">=",
	OpAnd: "AND",
	OpOr:  "OR",
}

// mirrored is the operator that keeps `literal op field` true as `field op' literal`.
var mirrored = map[Op]Op{
	OpEq: OpEq,
	OpNe: OpNe,
	OpLt: OpGt,
	OpLe: OpGe,
	OpGt: OpLt,
	OpGe: OpLe,
}

// CompiledPredicate is the compiler output. Names maps every `#attr`
// placeholder used in Filter to its attribute name.
type CompiledPredicate struct {
	Filter string
	Values map[string]types.AttributeValue
	Names  map[string]string
}

// Empty reports whether there is no filter.
func (c CompiledPredicate) Empty() bool { return c.Filter == "" }

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithCompilerCodec sets the codec used to encode bound values.
func WithCompilerCodec(c *Codec) CompilerOption {
	return func(cc *Compiler) { cc.codec = c }
}

// WithCompilerLogger sets the logger that traces each compilation.
func WithCompilerLogger(l Logger) CompilerOption {
	return func(cc *Compiler) { cc.log = l }
}

// Compiler turns predicates into filter expressions. It holds no per-call
// state and may be shared.
type Compiler struct {
	codec *Codec
	log   Logger
}

func NewCompiler(opts ...CompilerOption) *Compiler {
	c := &Compiler{codec: defaultCodec, log: nopLogger}
	for _, o := range opts {
		o(c)
	}
	return c
}

var defaultCompiler = NewCompiler()

// CompilePredicate compiles p against the schema of T.
func CompilePredicate[T any](p Predicate) (CompiledPredicate, error) {
	return defaultCompiler.Compile(reflect.TypeFor[T](), p)
}

// CompileSchemaless compiles p without validating attribute names.
func CompileSchemaless(p Predicate) (CompiledPredicate, error) {
	return defaultCompiler.Compile(nil, p)
}

// Compile compiles p against record, which may be a value, a pointer or a
// reflect.Type. A nil record skips attribute validation.
func (c *Compiler) Compile(record any, p Predicate) (CompiledPredicate, error) {
	var schema *Schema
	if record != nil {
		var err error
		if schema, err = SchemaOf(record); err != nil {
			return CompiledPredicate{}, err
		}
	}
	if p.Body == nil {
		return CompiledPredicate{}, newCodeError(ErrArgument, "predicate has no body")
	}

	run := compileRun{schema: schema, param: p.param()}
	text, st, err := run.condition(p.Body, compileState{})
	if err != nil {
		c.log.Error("predicate compilation failed", map[string]any{"predicate": p.String(), "err": err})
		return CompiledPredicate{}, err
	}

	out := CompiledPredicate{
		Filter: text,
		Values: make(map[string]types.AttributeValue, len(st.values)),
		Names:  make(map[string]string, len(st.names)),
	}
	for i, v := range st.values {
		av, err := c.codec.Encode(v)
		if err != nil {
			return CompiledPredicate{}, withField(err, ValuePrefix+strconv.Itoa(i))
		}
		out.Values[ValuePrefix+strconv.Itoa(i)] = av
	}
	for _, n := range st.names {
		out.Names[n.placeholder] = n.attr
	}
	c.log.Trace("compiled predicate", map[string]any{
		"predicate": p.String(),
		"filter":    out.Filter,
		"values":    len(out.Values),
	})
	return out, nil
}

type boundName struct {
	placeholder string
	attr        string
}

// compileState is threaded through the walk; st.values[i] binds :val{i}.
type compileState struct {
	values []any
	names  []boundName
}

func (st compileState) bind(v any) (string, compileState) {
	ph := ValuePrefix + strconv.Itoa(len(st.values))
	st.values = append(st.values[:len(st.values):len(st.values)], v)
	return ph, st
}

func (st compileState) name(ph, attr string) compileState {
	for _, n := range st.names {
		if n.placeholder == ph {
			return st
		}
	}
	st.names = append(st.names[:len(st.names):len(st.names)], boundName{ph, attr})
	return st
}

type compileRun struct {
	schema *Schema
	param  string
}

func unsupportedExpr(e Expr, reason string) *Error {
	return NewError(reason, WithCode(ErrUnsupportedExpression),
		WithContext(map[string]any{"expression": e.String()}))
}

// condition compiles a node that must yield a boolean.
func (r compileRun) condition(e Expr, st compileState) (string, compileState, error) {
	switch n := e.(type) {
	case *Binary:
		if n.Op.Logical() {
			return r.logical(n, st)
		}
		return r.comparison(n, st)
	case *Unary:
		if n.Op != UnaryNot {
			return "", st, unsupportedExpr(e, "only negation can wrap a condition")
		}
		inner, st, err := r.condition(n.Operand, st)
		if err != nil {
			return "", st, err
		}
		return "(NOT " + inner + ")", st, nil
	case *Member:
		path, ft, st, err := r.attribute(n, st)
		if err != nil {
			return "", st, err
		}
		if ft != nil && indirect(ft).Kind() != reflect.Bool {
			return "", st, unsupportedExpr(e, "attribute used as a condition is not boolean")
		}
		ph, st := st.bind(true)
		return path + " = " + ph, st, nil
	case *Call:
		return r.function(n, st)
	}
	return "", st, unsupportedExpr(e, "expression is not a condition")
}

func (r compileRun) logical(n *Binary, st compileState) (string, compileState, error) {
	left, st, err := r.condition(n.Left, st)
	if err != nil {
		return "", st, err
	}
	right, st, err := r.condition(n.Right, st)
	if err != nil {
		return "", st, err
	}
	return "(" + left + " " + filterTokens[n.Op] + " " + right + ")", st, nil
}

func (r compileRun) comparison(n *Binary, st compileState) (string, compileState, error) {
	lm, lok := r.fieldSide(n.Left)
	rm, rok := r.fieldSide(n.Right)
	op := n.Op
	var field *Member
	var other Expr
	switch {
	case lok && rok:
		return "", st, unsupportedExpr(n, "comparison between two attributes")
	case lok:
		field, other = lm, n.Right
	case rok:
		field, other, op = rm, n.Left, mirrored[op]
	default:
		return "", st, unsupportedExpr(n, "comparison has no attribute side")
	}

	path, _, st, err := r.attribute(field, st)
	if err != nil {
		return "", st, err
	}
	v, err := r.eval(other)
	if err != nil {
		return "", st, err
	}
	ph, st := st.bind(v)
	return path + " " + filterTokens[op] + " " + ph, st, nil
}

// function compiles the store-native condition functions.
func (r compileRun) function(n *Call, st compileState) (string, compileState, error) {
	switch n.Func {
	case "attribute_exists", "attribute_not_exists":
		if len(n.Args) != 1 {
			return "", st, unsupportedExpr(n, n.Func+" takes one attribute")
		}
		m, ok := r.fieldSide(n.Args[0])
		if !ok {
			return "", st, unsupportedExpr(n, n.Func+" takes one attribute")
		}
		path, _, st, err := r.attribute(m, st)
		if err != nil {
			return "", st, err
		}
		return n.Func + "(" + path + ")", st, nil
	case "begins_with", "contains":
		if len(n.Args) != 2 {
			return "", st, unsupportedExpr(n, n.Func+" takes an attribute and a value")
		}
		m, ok := r.fieldSide(n.Args[0])
		if !ok {
			return "", st, unsupportedExpr(n, n.Func+" takes an attribute and a value")
		}
		path, _, st, err := r.attribute(m, st)
		if err != nil {
			return "", st, err
		}
		v, err := r.eval(n.Args[1])
		if err != nil {
			return "", st, err
		}
		ph, st := st.bind(v)
		return n.Func + "(" + path + ", " + ph + ")", st, nil
	}
	return "", st, unsupportedExpr(n, "function "+n.Func+" is not a condition")
}

// fieldSide reports whether e accesses an attribute of the predicate
// parameter, looking through conversions.
func (r compileRun) fieldSide(e Expr) (*Member, bool) {
	for {
		switch n := e.(type) {
		case *Member:
			if n.Param == "" || n.Param == r.param {
				return n, true
			}
			return nil, false
		case *Unary:
			if n.Op != UnaryConvert {
				return nil, false
			}
			e = n.Operand
		default:
			return nil, false
		}
	}
}

// attribute resolves a member path to `#a.#b` placeholders and records the
// names. The returned type is nil when there is no schema.
func (r compileRun) attribute(m *Member, st compileState) (string, reflect.Type, compileState, error) {
	segments := strings.Split(m.Name, ".")
	out := make([]string, len(segments))
	schema := r.schema
	var ft reflect.Type
	for i, seg := range segments {
		attr := seg
		ph := Placeholder(seg)
		switch {
		case schema != nil:
			f := schema.Field(seg)
			if f == nil {
				return "", nil, st, unsupportedExpr(m, fmt.Sprintf("%v has no attribute %q", schema.Type, seg))
			}
			attr, ph, ft = f.Name, f.Placeholder, f.Type
			schema = nil
			if t := indirect(f.Type); t.Kind() == reflect.Struct && defaultCodec.KindOf(t) == KindStruct {
				var err error
				if schema, err = schemaFor(t); err != nil {
					return "", nil, st, err
				}
			}
		case i > 0:
			ft = nil
		}
		out[i] = ph
		st = st.name(ph, attr)
	}
	return strings.Join(out, "."), ft, st, nil
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
