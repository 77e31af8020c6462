package dynorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePredicate(t *testing.T) {
	vars := map[string]any{"name": "Ann", "ids": []int{1, 2}}
	tests := []struct {
		src  string
		want string
	}{
		{"x => x.Id == 0", `x => (x.Id == 0)`},
		{"x.Id == 0", `x => (x.Id == 0)`},
		{"u => u.Age >= 18 && u.Name != $name", `u => ((u.Age >= 18) && (u.Name != "Ann"))`},
		{"x => x.A == 1 || x.B == 2 && x.C == 3", `x => ((x.A == 1) || ((x.B == 2) && (x.C == 3)))`},
		{"x => (x.A == 1 || x.B == 2) && x.C == 3", `x => (((x.A == 1) || (x.B == 2)) && (x.C == 3))`},
		{"x => !x.Active", `x => !x.Active`},
		{"x => not x.Active and x.Id <> -5", `x => (!x.Active && (x.Id != -5))`},
		{"x => x.Address.City == 'Oslo'", `x => (x.Address.City == "Oslo")`},
		{"x => x.Name.begins_with(\"A\")", `x => begins_with(x.Name, "A")`},
		{"x => x.Name == lower($name)", `x => (x.Name == lower("Ann"))`},
		{"x => x.Name == $name.upper()", `x => (x.Name == upper("Ann"))`},
		{"x => x.Age == max([1, 2.5, 3])", `x => (x.Age == max([1, 2.5, 3]))`},
		{"x => x.Nick == nil", `x => (x.Nick == nil)`},
		{"x => 3 < x.Age", `x => (3 < x.Age)`},
		{"x => attribute_exists(x.Nick)", `x => attribute_exists(x.Nick)`},
		{"x => x.Age == -$ids.len()", `x => (x.Age == -len([1 2]))`},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			p, err := ParsePredicate(tt.src, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.String())
		})
	}
}

func TestParsePredicateErrors(t *testing.T) {
	tests := []struct {
		src  string
		code ErrorCode
	}{
		{"x => x.Id ==", ErrParse},
		{"x => x.Id = 1", ErrParse},
		{"x => (x.Id == 1", ErrParse},
		{"x => x.Id == 1 x.Id", ErrParse},
		{"x => y.Id == 1", ErrParse},
		{"x => x == 1", ErrParse},
		{"x => x.Id == 'open", ErrParse},
		{"x => x.Id == $missing", ErrArgument},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := ParsePredicate(tt.src, nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err), err.Error())
		})
	}
}

func TestMustParsePredicate(t *testing.T) {
	assert.NotPanics(t, func() { MustParsePredicate("x => x.Id == 1", nil) })
	assert.Panics(t, func() { MustParsePredicate("x =>", nil) })
}

func TestBuildersMatchParser(t *testing.T) {
	built := Where(And(Eq(Attr("Id"), Value(int64(0))), Gt(Attr("Age"), Value(int64(18)))))
	parsed := MustParsePredicate("x => x.Id == 0 && x.Age > 18", nil)
	assert.Equal(t, parsed.String(), built.String())

	// members built without a parameter render with the default one
	assert.Equal(t, "x => (x.Id == 0)", Predicate{Body: Eq(Attr("Id"), Value(0))}.String())
}
