package dynorm

import (
	"reflect"
	"strings"

	"github.com/shopspring/decimal"
)

// literalFunc is a pure function usable on the value side of a comparison.
type literalFunc func(call *Call, args []any) (any, error)

var literalFuncs = map[string]literalFunc{
	"lower": stringFunc(strings.ToLower),
	"upper": stringFunc(strings.ToUpper),
	"trim":  stringFunc(strings.TrimSpace),
	"max":   extremeFunc(1),
	"min":   extremeFunc(-1),
	"len":   lenFunc,
}

// eval reduces a non-attribute expression to a literal.
func (r compileRun) eval(e Expr) (any, error) {
	switch n := e.(type) {
	case *Constant:
		return n.Value, nil
	case *ArrayLit:
		out := make([]any, len(n.Elems))
		for i, el := range n.Elems {
			v, err := r.eval(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *Unary:
		v, err := r.eval(n.Operand)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case UnaryNegate:
			return negate(n, v)
		case UnaryNot:
			b, ok := v.(bool)
			if !ok {
				return nil, unsupportedExpr(n, "negation of a non-boolean value")
			}
			return !b, nil
		}
		return convertTo(n, v)
	case *Call:
		fn, ok := literalFuncs[n.Func]
		if !ok {
			return nil, unsupportedExpr(n, "unsupported function "+n.Func)
		}
		args := make([]any, len(n.Args))
		for i, a := range n.Args {
			v, err := r.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn(n, args)
	case *Member:
		return nil, unsupportedExpr(n, "attribute used where a value is expected")
	}
	return nil, unsupportedExpr(e, "expression cannot be reduced to a value")
}

func stringFunc(f func(string) string) literalFunc {
	return func(call *Call, args []any) (any, error) {
		if len(args) != 1 {
			return nil, unsupportedExpr(call, call.Func+" takes one argument")
		}
		rv := reflect.ValueOf(args[0])
		if !rv.IsValid() || rv.Kind() != reflect.String {
			return nil, unsupportedExpr(call, call.Func+" takes a string")
		}
		return f(rv.String()), nil
	}
}

func lenFunc(call *Call, args []any) (any, error) {
	if len(args) != 1 {
		return nil, unsupportedExpr(call, "len takes one argument")
	}
	rv := reflect.ValueOf(args[0])
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return nil, unsupportedExpr(call, "len of a value without length")
}

// extremeFunc returns max (sign 1) or min (sign -1) of either one sequence
// argument or several scalar arguments.
func extremeFunc(sign int) literalFunc {
	return func(call *Call, args []any) (any, error) {
		items := args
		if len(args) == 1 {
			rv := reflect.ValueOf(args[0])
			if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
				items = make([]any, rv.Len())
				for i := range items {
					items[i] = rv.Index(i).Interface()
				}
			}
		}
		if len(items) == 0 {
			return nil, unsupportedExpr(call, call.Func+" of an empty sequence")
		}
		best := items[0]
		for _, v := range items[1:] {
			cmp, ok := compareLiterals(v, best)
			if !ok {
				return nil, unsupportedExpr(call, call.Func+" of values that cannot be ordered")
			}
			if cmp*sign > 0 {
				best = v
			}
		}
		if _, ok := compareLiterals(best, best); !ok {
			return nil, unsupportedExpr(call, call.Func+" of values that cannot be ordered")
		}
		return best, nil
	}
}

// compareLiterals orders two numbers or two strings.
func compareLiterals(a, b any) (int, bool) {
	if da, ok := toDecimal(a); ok {
		db, ok := toDecimal(b)
		if !ok {
			return 0, false
		}
		return da.Cmp(db), true
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Kind() == reflect.String && bv.Kind() == reflect.String {
		return strings.Compare(av.String(), bv.String()), true
	}
	return 0, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	if d, ok := v.(decimal.Decimal); ok {
		return d, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return decimal.NewFromInt(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return decimal.NewFromUint64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return decimal.NewFromFloat(rv.Float()), true
	}
	return decimal.Decimal{}, false
}

func negate(n *Unary, v any) (any, error) {
	if d, ok := v.(decimal.Decimal); ok {
		return d.Neg(), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out := reflect.New(rv.Type()).Elem()
		out.SetInt(-rv.Int())
		return out.Interface(), nil
	case reflect.Float32, reflect.Float64:
		out := reflect.New(rv.Type()).Elem()
		out.SetFloat(-rv.Float())
		return out.Interface(), nil
	}
	return nil, unsupportedExpr(n, "arithmetic negation of a non-signed value")
}

func convertTo(n *Unary, v any) (any, error) {
	if n.Type == nil || v == nil {
		return v, nil
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().ConvertibleTo(n.Type) {
		return nil, unsupportedExpr(n, "value cannot be converted to "+n.Type.String())
	}
	return rv.Convert(n.Type).Interface(), nil
}
