package dynorm

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schemaAudit struct {
	CreatedBy string
	internal  int
}

type schemaUser struct {
	_ struct{} `dynamo:"table:Users"`
	schemaAudit
	ID      int    `dynamo:"Id,hash"`
	Email   string `dynamo:",range"`
	Name    string
	Skipped string `dynamo:"-"`
	Note    string `dynamo:"note,omitempty"`
	secret  string
}

type schemaTabler struct {
	ID string `dynamo:"Id,hash"`
}

func (schemaTabler) TableName() string { return "Tabled" }

type schemaBothTables struct {
	_  struct{} `dynamo:"table:One"`
	ID string   `dynamo:"Id,hash"`
}

func (schemaBothTables) TableName() string { return "Two" }

type schemaNoTable struct {
	ID string `dynamo:"Id,hash"`
}

type schemaNoKeys struct {
	_    struct{} `dynamo:"table:T"`
	Name string
}

type schemaRangeOnly struct {
	_    struct{} `dynamo:"table:T"`
	Sort string   `dynamo:",range"`
}

type schemaTwoHashes struct {
	_ struct{} `dynamo:"table:T"`
	A string   `dynamo:",hash"`
	B string   `dynamo:",hash"`
}

type schemaTwoRanges struct {
	_ struct{} `dynamo:"table:T"`
	A string   `dynamo:",hash"`
	B string   `dynamo:",range"`
	C string   `dynamo:",range"`
}

func TestSchemaFields(t *testing.T) {
	s, err := SchemaOf(&schemaUser{})
	require.NoError(t, err)

	var names []string
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"CreatedBy", "Id", "Email", "Name", "note"}, names)

	id := s.Field("Id")
	require.NotNil(t, id)
	assert.True(t, id.Hash)
	assert.Equal(t, "ID", id.GoName)
	assert.Same(t, id, s.Field("ID"), "lookup by Go field name")
	assert.True(t, s.Field("Email").Range)
	assert.True(t, s.Field("note").OmitEmpty)
	assert.Nil(t, s.Field("Skipped"))
	assert.Nil(t, s.Field("secret"))
	assert.Equal(t, []int{1, 0}, s.Field("CreatedBy").Index)
}

func TestSchemaIsCached(t *testing.T) {
	a, err := SchemaOf(schemaUser{})
	require.NoError(t, err)
	b, err := SchemaOf(reflect.TypeOf(&schemaUser{}))
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestSchemaOfNonStruct(t *testing.T) {
	_, err := SchemaOf(42)
	assert.True(t, Is(err, ErrUnsupportedType))

	_, err = SchemaOf(nil)
	assert.True(t, Is(err, ErrArgument))
}

func TestTableIdentity(t *testing.T) {
	tests := []struct {
		name    string
		record  any
		want    string
		wantErr bool
	}{
		{"tag", schemaUser{}, "Users", false},
		{"tabler", schemaTabler{}, "Tabled", false},
		{"tabler pointer", &schemaTabler{}, "Tabled", false},
		{"two declarations", schemaBothTables{}, "", true},
		{"none", schemaNoTable{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TableIdentity(tt.record)
			if tt.wantErr {
				assert.True(t, Is(err, ErrMissingTableAnnotation), "got %v", err)
				assert.True(t, IsSchemaError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyFields(t *testing.T) {
	ks, err := KeyFields(schemaUser{})
	require.NoError(t, err)
	assert.Equal(t, "Id", ks.Hash.Name)
	require.NotNil(t, ks.Range)
	assert.Equal(t, "Email", ks.Range.Name)

	ks, err = KeyFields(schemaTabler{})
	require.NoError(t, err)
	assert.Nil(t, ks.Range)

	tests := []struct {
		name   string
		record any
		code   ErrorCode
	}{
		{"no keys", schemaNoKeys{}, ErrMissingKey},
		{"range only", schemaRangeOnly{}, ErrMissingKey},
		{"two hashes", schemaTwoHashes{}, ErrMultipleHashKey},
		{"two ranges", schemaTwoRanges{}, ErrMultipleRangeKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := KeyFields(tt.record)
			assert.Equal(t, tt.code, CodeOf(err))
			assert.True(t, IsSchemaError(err))
		})
	}
}

func TestPlaceholder(t *testing.T) {
	tests := map[string]string{
		"Id":        "#id",
		"id":        "#id",
		"FirstName": "#firstName",
		"Ärger":     "#ärger",
		"":          "#",
	}
	for in, want := range tests {
		assert.Equal(t, want, Placeholder(in), in)
	}
}

func TestPlaceholderMap(t *testing.T) {
	m, err := PlaceholderMap(schemaUser{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"#createdBy": "CreatedBy",
		"#id":        "Id",
		"#email":     "Email",
		"#name":      "Name",
		"#note":      "note",
	}, m)
}

type schemaCaseClash struct {
	_     struct{} `dynamo:"table:T"`
	ID    string   `dynamo:"Id,hash"`
	Alias string   `dynamo:"id"`
}

type schemaNestedClash struct {
	_     struct{} `dynamo:"table:T"`
	ID    string   `dynamo:"Id,hash"`
	Inner schemaCaseClash
}

func TestPlaceholderCollision(t *testing.T) {
	_, err := SchemaOf(schemaCaseClash{})
	require.Error(t, err)
	assert.True(t, Is(err, ErrPlaceholderCollision))
	assert.True(t, IsSchemaError(err))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "#id", e.Context["placeholder"])
	assert.Equal(t, []string{"Id", "id"}, e.Context["attributes"])

	_, err = PlaceholderMap(schemaCaseClash{})
	assert.True(t, Is(err, ErrPlaceholderCollision))

	_, err = EncodeRecord(schemaNestedClash{ID: "a"})
	assert.True(t, Is(err, ErrPlaceholderCollision))

	_, err = CompilePredicate[schemaNestedClash](Where(Eq(Attr("Inner.Alias"), Value("x"))))
	assert.True(t, Is(err, ErrPlaceholderCollision))
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("boom")
	err := NewError("write failed", WithCode(ErrRepository), WithCause(cause),
		WithContext(map[string]any{"table": "Users"}))

	assert.Equal(t, "[RepositoryError] write failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Users", err.Context["table"])
	assert.Equal(t, "plain", NewError("plain").Error())

	wrapped := errors.Join(errors.New("outer"), err)
	assert.Equal(t, ErrRepository, CodeOf(wrapped))
	assert.True(t, Is(wrapped, ErrRepository))
	assert.False(t, Is(nil, ErrRepository))
	assert.False(t, IsSchemaError(err))
}
