package dynorm

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cloudxsgmbh/dynamodb-orm-go/internal/localstore"
)

type repoUser struct {
	_       struct{} `dynamo:"table:Users"`
	ID      string   `dynamo:"Id,hash"`
	Name    string
	Age     int
	Active  bool
	Tags    []string
	Address compileAddress
}

type repoEvent struct {
	_      struct{} `dynamo:"table:Events"`
	Stream string   `dynamo:",hash"`
	Seq    int      `dynamo:",range"`
	Kind   string
}

type repoToken struct {
	_  struct{} `dynamo:"table:Tokens"`
	ID string   `dynamo:"Id,hash"`
}

type repoUntabled struct {
	ID string `dynamo:"Id,hash"`
}

func newTestRepository(t *testing.T, opts ...RepositoryOption) (*Repository, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "repo.db"), localstore.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, tbl := range []struct{ name, hash, rng string }{
		{"Users", "Id", ""},
		{"Archive", "Id", ""},
		{"Events", "Stream", "Seq"},
		{"Tokens", "Id", ""},
	} {
		schema := []types.KeySchemaElement{{AttributeName: aws.String(tbl.hash), KeyType: types.KeyTypeHash}}
		if tbl.rng != "" {
			schema = append(schema, types.KeySchemaElement{AttributeName: aws.String(tbl.rng), KeyType: types.KeyTypeRange})
		}
		_, err := store.CreateTable(context.Background(), &ddb.CreateTableInput{TableName: aws.String(tbl.name), KeySchema: schema})
		require.NoError(t, err)
	}

	repo, err := NewRepository(store, opts...)
	require.NoError(t, err)
	return repo, store
}

func TestNewRepositoryNeedsClient(t *testing.T) {
	_, err := NewRepository(nil)
	assert.True(t, Is(err, ErrArgument))
}

func TestRepositoryAddGet(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	in := repoUser{ID: "u1", Name: "Ann", Age: 31, Active: true, Tags: []string{"a"}, Address: compileAddress{City: "Oslo"}}
	require.NoError(t, repo.Add(ctx, &in))

	got, err := Get[repoUser](ctx, repo, "u1", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in, *got)

	missing, err := Get[repoUser](ctx, repo, "nobody", nil)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = Get[repoUser](ctx, repo, nil, nil)
	assert.True(t, Is(err, ErrRepository))

	// Add replaces
	require.NoError(t, repo.Add(ctx, repoUser{ID: "u1", Name: "Bo"}))
	got, err = Get[repoUser](ctx, repo, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, repoUser{ID: "u1", Name: "Bo"}, *got)
}

func TestRepositoryCompositeKey(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	require.NoError(t, repo.Add(ctx, repoEvent{Stream: "s", Seq: 1, Kind: "created"}))
	require.NoError(t, repo.Add(ctx, repoEvent{Stream: "s", Seq: 2, Kind: "updated"}))

	got, err := Get[repoEvent](ctx, repo, "s", 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "updated", got.Kind)

	require.NoError(t, DeleteByKey[repoEvent](ctx, repo, "s", 1))
	all, err := List[repoEvent](ctx, repo, Predicate{})
	require.NoError(t, err)
	assert.Equal(t, []repoEvent{{Stream: "s", Seq: 2, Kind: "updated"}}, all)
}

func TestRepositoryUpdate(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	require.NoError(t, repo.Add(ctx, repoUser{ID: "u1", Name: "Ann", Age: 30, Tags: []string{"x"}}))
	require.NoError(t, repo.Update(ctx, &repoUser{ID: "u1", Name: "Ann B", Age: 31}))

	got, err := Get[repoUser](ctx, repo, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, repoUser{ID: "u1", Name: "Ann B", Age: 31}, *got, "empty attributes are removed")

	// update creates missing records
	require.NoError(t, repo.Update(ctx, repoUser{ID: "u2", Name: "New"}))
	got, err = Get[repoUser](ctx, repo, "u2", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "New", got.Name)

	// a key-only type has nothing to update
	assert.NoError(t, repo.Update(ctx, repoToken{ID: "t"}))
}

func TestUpdateExpression(t *testing.T) {
	s, err := SchemaOf(repoUser{})
	require.NoError(t, err)

	expr, names, values := updateExpression(s, Item{
		"Name": avS("Ann"),
		"Age":  avN("3"),
		"Tags": NullValue(),
	})
	assert.Equal(t, "SET #name = :u0, #age = :u1 REMOVE #active, #tags, #address", expr)
	assert.Equal(t, map[string]string{
		"#name": "Name", "#age": "Age", "#active": "Active", "#tags": "Tags", "#address": "Address",
	}, names)
	assert.Equal(t, map[string]types.AttributeValue{":u0": avS("Ann"), ":u1": avN("3")}, values)

	expr, _, values = updateExpression(s, Item{})
	assert.Equal(t, "REMOVE #name, #age, #active, #tags, #address", expr)
	assert.Nil(t, values)
}

func TestRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	require.NoError(t, repo.Add(ctx, repoUser{ID: "u1"}))
	require.NoError(t, repo.Add(ctx, repoUser{ID: "u2"}))

	require.NoError(t, repo.Delete(ctx, &repoUser{ID: "u1"}))
	require.NoError(t, DeleteByKey[repoUser](ctx, repo, "u2", nil))

	all, err := List[repoUser](ctx, repo, Predicate{})
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.True(t, Is(DeleteByKey[repoUser](ctx, repo, nil, nil), ErrRepository))
	assert.True(t, Is(DeleteByKey[repoUser](ctx, repo, "u1", "extra"), ErrArgument))
}

func seedUsers(t *testing.T, repo *Repository, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		u := repoUser{ID: fmt.Sprintf("u%02d", i), Name: fmt.Sprintf("user %d", i), Age: 20 + i, Active: i%2 == 0}
		require.NoError(t, repo.Add(context.Background(), u))
	}
}

func ids(users []repoUser) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	sort.Strings(out)
	return out
}

func TestRepositoryList(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	seedUsers(t, repo, 10)

	all, err := List[repoUser](ctx, repo, Predicate{})
	require.NoError(t, err)
	assert.Len(t, all, 10)

	older, err := List[repoUser](ctx, repo, Where(Ge(Attr("Age"), Value(27))))
	require.NoError(t, err)
	assert.Equal(t, []string{"u07", "u08", "u09"}, ids(older))

	active, err := List[repoUser](ctx, repo, MustParsePredicate("u => u.Active && u.Age < 25", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"u00", "u02", "u04"}, ids(active))

	// small pages still return every match
	paged, err := List[repoUser](ctx, repo, Where(Attr("Active")), WithPageSize(3))
	require.NoError(t, err)
	assert.Len(t, paged, 5)

	limited, err := List[repoUser](ctx, repo, Predicate{}, WithLimit(4), WithPageSize(3))
	require.NoError(t, err)
	assert.Len(t, limited, 4)

	_, err = List[repoUser](ctx, repo, Where(Eq(Attr("Unknown"), Value(1))))
	assert.True(t, Is(err, ErrUnsupportedExpression))
}

func TestRepositoryFind(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	seedUsers(t, repo, 4)

	one, err := Find[repoUser](ctx, repo, Where(Eq(Attr("Name"), Value("user 2"))))
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "u02", one.ID)

	none, err := Find[repoUser](ctx, repo, Where(Eq(Attr("Name"), Value("nobody"))))
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = Find[repoUser](ctx, repo, Where(Gt(Attr("Age"), Value(20))))
	assert.True(t, Is(err, ErrRepository))
	assert.ErrorContains(t, err, "too many items")
}

func TestRepositoryTableOverride(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	require.NoError(t, repo.Add(ctx, repoUser{ID: "a1", Name: "archived"}, WithTable("Archive")))

	got, err := Get[repoUser](ctx, repo, "a1", nil)
	require.NoError(t, err)
	assert.Nil(t, got, "not in the declared table")

	got, err = Get[repoUser](ctx, repo, "a1", nil, WithTable("Archive"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "archived", got.Name)

	// a type without a table annotation needs an explicit table
	err = repo.Add(ctx, repoUntabled{ID: "x"})
	assert.True(t, Is(err, ErrMissingTableAnnotation))
	require.NoError(t, repo.Add(ctx, repoUntabled{ID: "x"}, WithTable("Tokens")))
}

func TestRepositoryStoreErrors(t *testing.T) {
	ctx := context.Background()
	var levels []string
	logger := FuncLogger{Fn: func(level, msg string, _ map[string]any) { levels = append(levels, level) }}
	repo, _ := newTestRepository(t, WithLogger(logger))

	err := repo.Add(ctx, repoUser{ID: "x"}, WithTable("Missing"))
	require.True(t, Is(err, ErrRepository))
	var notFound *types.ResourceNotFoundException
	assert.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), `put failed for "Missing"`)

	assert.Equal(t, []string{"trace", "data", "error"}, levels)
}

func TestRepositoryWriteTransaction(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	require.NoError(t, repo.Add(ctx, repoUser{ID: "gone"}))

	assert.False(t, repo.InWriteTransaction())
	repo.BeginWriteTransaction()
	assert.True(t, repo.InWriteTransaction())

	require.NoError(t, repo.Add(ctx, repoUser{ID: "t1", Name: "one"}))
	require.NoError(t, repo.Update(ctx, repoUser{ID: "t2", Name: "two"}))
	require.NoError(t, repo.Delete(ctx, repoUser{ID: "gone"}))

	before, err := List[repoUser](ctx, repo, Predicate{})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, ids(before), "nothing is written before commit")

	require.NoError(t, repo.CommitWriteTransaction(ctx))
	assert.False(t, repo.InWriteTransaction())

	after, err := List[repoUser](ctx, repo, Predicate{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids(after))
}

func TestRepositoryRollback(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	repo.BeginWriteTransaction()
	require.NoError(t, repo.Add(ctx, repoUser{ID: "r1"}))
	repo.RollbackWriteTransaction()
	assert.False(t, repo.InWriteTransaction())

	all, err := List[repoUser](ctx, repo, Predicate{})
	require.NoError(t, err)
	assert.Empty(t, all)

	err = repo.CommitWriteTransaction(ctx)
	assert.True(t, Is(err, ErrRepository), "commit without a transaction")

	repo.BeginWriteTransaction()
	assert.NoError(t, repo.CommitWriteTransaction(ctx), "empty transaction")
}

func TestRepositoryTransactionLimit(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	repo.BeginWriteTransaction()
	for i := 0; i <= maxTransactItems; i++ {
		require.NoError(t, repo.Add(ctx, repoUser{ID: fmt.Sprintf("u%03d", i)}))
	}
	err := repo.CommitWriteTransaction(ctx)
	assert.True(t, Is(err, ErrRepository))
	assert.False(t, repo.InWriteTransaction(), "buffer is cleared on failure")
}

func TestRepositoryTransactionCancelled(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepository(t)

	repo.BeginWriteTransaction()
	require.NoError(t, repo.Add(ctx, repoUser{ID: "c1"}))
	require.NoError(t, repo.Add(ctx, repoUser{ID: "c2"}, WithTable("Missing")))
	err := repo.CommitWriteTransaction(ctx)
	require.True(t, Is(err, ErrRepository))

	out, err := store.Scan(ctx, &ddb.ScanInput{TableName: aws.String("Users")})
	require.NoError(t, err)
	assert.Zero(t, out.Count, "the whole transaction is rolled back")
}
