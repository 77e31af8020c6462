/*
Package dynorm – Repository.

Repository is a thin pass-through: it reflects the record type, encodes
the record or compiles the predicate, and hands one request to the
DynamoClient. Writes issued between BeginWriteTransaction and
CommitWriteTransaction are buffered and sent as one TransactWriteItems call.
*/
package dynorm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoClient is the subset of the DynamoDB API the repository calls. It is
// satisfied by *dynamodb.Client and by test doubles.
type DynamoClient interface {
	GetItem(ctx context.Context, params *ddb.GetItemInput, optFns ...func(*ddb.Options)) (*ddb.GetItemOutput, error)
	PutItem(ctx context.Context, params *ddb.PutItemInput, optFns ...func(*ddb.Options)) (*ddb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *ddb.DeleteItemInput, optFns ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *ddb.UpdateItemInput, optFns ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *ddb.ScanInput, optFns ...func(*ddb.Options)) (*ddb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *ddb.TransactWriteItemsInput, optFns ...func(*ddb.Options)) (*ddb.TransactWriteItemsOutput, error)
}

// maxTransactItems is the store's limit on actions per write transaction.
const maxTransactItems = 100

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithCodec sets the codec used for records and bound values.
func WithCodec(c *Codec) RepositoryOption {
	return func(r *Repository) { r.codec = c }
}

// WithLogger sets the logger. Requests are traced, failures logged as errors.
func WithLogger(l Logger) RepositoryOption {
	return func(r *Repository) { r.log = l }
}

// Repository maps records to DynamoDB requests.
type Repository struct {
	client   DynamoClient
	codec    *Codec
	compiler *Compiler
	log      Logger

	mu sync.Mutex
	tx []types.TransactWriteItem // nil outside a write transaction
}

// NewRepository builds a Repository over client.
func NewRepository(client DynamoClient, opts ...RepositoryOption) (*Repository, error) {
	if client == nil {
		return nil, newCodeError(ErrArgument, "repository needs a DynamoDB client")
	}
	r := &Repository{client: client, codec: defaultCodec, log: nopLogger}
	for _, o := range opts {
		o(r)
	}
	r.compiler = NewCompiler(WithCompilerCodec(r.codec), WithCompilerLogger(r.log))
	return r, nil
}

// CallOption tunes one repository call.
type CallOption func(*callOpts)

type callOpts struct {
	table    string
	limit    int
	pageSize int32
}

// WithTable overrides the record type's table for one call.
func WithTable(name string) CallOption {
	return func(o *callOpts) { o.table = name }
}

// WithLimit caps the number of records List returns.
func WithLimit(n int) CallOption {
	return func(o *callOpts) { o.limit = n }
}

// WithPageSize sets the Scan page size (items evaluated per request).
func WithPageSize(n int32) CallOption {
	return func(o *callOpts) { o.pageSize = n }
}

func buildCallOpts(opts []CallOption) callOpts {
	var o callOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o callOpts) tableFor(s *Schema) (string, error) {
	if strings.TrimSpace(o.table) != "" {
		return o.table, nil
	}
	return s.Table()
}

// ─── writes ──────────────────────────────────────────────────────────────────

// Add stores entity, replacing any record with the same key.
func (r *Repository) Add(ctx context.Context, entity any, opts ...CallOption) error {
	_, s, err := recordValue(entity)
	if err != nil {
		return err
	}
	table, err := buildCallOpts(opts).tableFor(s)
	if err != nil {
		return err
	}
	if _, err := s.Keys(); err != nil {
		return err
	}
	item, err := r.codec.EncodeRecord(entity)
	if err != nil {
		return err
	}
	input := &ddb.PutItemInput{TableName: aws.String(table), Item: item}
	if r.buffer(types.TransactWriteItem{Put: &types.Put{TableName: input.TableName, Item: input.Item}}) {
		return nil
	}
	r.trace("put", table, map[string]any{"item": item})
	if _, err := r.client.PutItem(ctx, input); err != nil {
		return r.fail("put", table, err)
	}
	return nil
}

// Update writes every non-key attribute of entity: present values are SET,
// absent and empty ones are REMOVEd. The record is created if missing.
func (r *Repository) Update(ctx context.Context, entity any, opts ...CallOption) error {
	v, s, err := recordValue(entity)
	if err != nil {
		return err
	}
	table, err := buildCallOpts(opts).tableFor(s)
	if err != nil {
		return err
	}
	key, err := r.codec.KeyValues(v.Interface(), nil, nil)
	if err != nil {
		return err
	}
	attrs, err := r.codec.EncodeRecord(v.Interface(), ExcludeKeys())
	if err != nil {
		return err
	}
	expr, names, values := updateExpression(s, attrs)
	if expr == "" {
		return nil
	}
	input := &ddb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       key,
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	if r.buffer(types.TransactWriteItem{Update: &types.Update{
		TableName:                 input.TableName,
		Key:                       input.Key,
		UpdateExpression:          input.UpdateExpression,
		ExpressionAttributeNames:  input.ExpressionAttributeNames,
		ExpressionAttributeValues: input.ExpressionAttributeValues,
	}}) {
		return nil
	}
	r.trace("update", table, map[string]any{"expression": expr})
	if _, err := r.client.UpdateItem(ctx, input); err != nil {
		return r.fail("update", table, err)
	}
	return nil
}

// updateExpression renders `SET #a = :u0, ... REMOVE #b, ...` in field order.
func updateExpression(s *Schema, attrs Item) (string, map[string]string, map[string]types.AttributeValue) {
	var set, remove []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	for _, f := range s.Fields {
		if f.Hash || f.Range {
			continue
		}
		av, ok := attrs[f.Name]
		names[f.Placeholder] = f.Name
		if !ok || IsNull(av) {
			remove = append(remove, f.Placeholder)
			continue
		}
		ph := ":u" + strconv.Itoa(len(values))
		values[ph] = av
		set = append(set, f.Placeholder+" = "+ph)
	}
	var parts []string
	if len(set) > 0 {
		parts = append(parts, "SET "+strings.Join(set, ", "))
	}
	if len(remove) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(remove, ", "))
	}
	if len(values) == 0 {
		values = nil
	}
	return strings.Join(parts, " "), names, values
}

// Delete removes the record with entity's key.
func (r *Repository) Delete(ctx context.Context, entity any, opts ...CallOption) error {
	return r.deleteKey(ctx, entity, nil, nil, opts)
}

// DeleteByKey removes the T record with the given key values. rng must be
// nil for hash-only types.
func DeleteByKey[T any](ctx context.Context, r *Repository, hash, rng any, opts ...CallOption) error {
	if hash == nil {
		return newCodeError(ErrRepository, "no hash key provided")
	}
	return r.deleteKey(ctx, new(T), hash, rng, opts)
}

func (r *Repository) deleteKey(ctx context.Context, entity, hash, rng any, opts []CallOption) error {
	_, s, err := recordValue(entity)
	if err != nil {
		return err
	}
	table, err := buildCallOpts(opts).tableFor(s)
	if err != nil {
		return err
	}
	key, err := r.codec.KeyValues(entity, hash, rng)
	if err != nil {
		return err
	}
	input := &ddb.DeleteItemInput{TableName: aws.String(table), Key: key}
	if r.buffer(types.TransactWriteItem{Delete: &types.Delete{TableName: input.TableName, Key: input.Key}}) {
		return nil
	}
	r.trace("delete", table, map[string]any{"key": key})
	if _, err := r.client.DeleteItem(ctx, input); err != nil {
		return r.fail("delete", table, err)
	}
	return nil
}

// ─── reads ───────────────────────────────────────────────────────────────────

// Get reads the T record with the given key. It returns nil, nil when no
// record exists.
func Get[T any](ctx context.Context, r *Repository, hash, rng any, opts ...CallOption) (*T, error) {
	if hash == nil {
		return nil, newCodeError(ErrRepository, "no hash key provided")
	}
	s, err := schemaFor(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	table, err := buildCallOpts(opts).tableFor(s)
	if err != nil {
		return nil, err
	}
	key, err := r.codec.KeyValues(new(T), hash, rng)
	if err != nil {
		return nil, err
	}
	projection, names := projectionOf(s)
	input := &ddb.GetItemInput{
		TableName:                aws.String(table),
		Key:                      key,
		ProjectionExpression:     aws.String(projection),
		ExpressionAttributeNames: names,
	}
	r.trace("get", table, map[string]any{"key": key})
	out, err := r.client.GetItem(ctx, input)
	if err != nil {
		return nil, r.fail("get", table, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	rec := new(T)
	if err := r.codec.DecodeRecordInto(out.Item, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Find returns the single T record matching p, or nil when none does. More
// than one match is an ErrRepository error.
func Find[T any](ctx context.Context, r *Repository, p Predicate, opts ...CallOption) (*T, error) {
	var found *T
	err := r.scan(ctx, reflect.TypeFor[T](), p, buildCallOpts(opts), func(item Item) (bool, error) {
		if found != nil {
			return false, NewError("too many items returned by query", WithCode(ErrRepository),
				WithContext(map[string]any{"predicate": p.String()}))
		}
		found = new(T)
		return true, r.codec.DecodeRecordInto(item, found)
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// List returns every T record matching p. A zero Predicate matches all.
func List[T any](ctx context.Context, r *Repository, p Predicate, opts ...CallOption) ([]T, error) {
	o := buildCallOpts(opts)
	var out []T
	err := r.scan(ctx, reflect.TypeFor[T](), p, o, func(item Item) (bool, error) {
		var rec T
		if err := r.codec.DecodeRecordInto(item, &rec); err != nil {
			return false, err
		}
		out = append(out, rec)
		return o.limit <= 0 || len(out) < o.limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scan pages through the table, calling yield for each matching item until
// yield returns false or an error.
func (r *Repository) scan(ctx context.Context, t reflect.Type, p Predicate, o callOpts, yield func(Item) (bool, error)) error {
	s, err := schemaFor(t)
	if err != nil {
		return err
	}
	table, err := o.tableFor(s)
	if err != nil {
		return err
	}
	projection, names := projectionOf(s)
	input := &ddb.ScanInput{
		TableName:                aws.String(table),
		ProjectionExpression:     aws.String(projection),
		ExpressionAttributeNames: names,
	}
	if o.pageSize > 0 {
		input.Limit = aws.Int32(o.pageSize)
	}
	if p.Body != nil {
		compiled, err := r.compiler.Compile(t, p)
		if err != nil {
			return err
		}
		input.FilterExpression = aws.String(compiled.Filter)
		input.ExpressionAttributeValues = compiled.Values
		for k, v := range compiled.Names {
			names[k] = v
		}
	}

	for page := 0; ; page++ {
		r.trace("scan", table, map[string]any{"filter": aws.ToString(input.FilterExpression), "page": page})
		out, err := r.client.Scan(ctx, input)
		if err != nil {
			return r.fail("scan", table, err)
		}
		for _, item := range out.Items {
			more, err := yield(item)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// projectionOf lists every declared attribute, sorted by placeholder.
func projectionOf(s *Schema) (string, map[string]string) {
	names := s.PlaceholderMap()
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", "), names
}

// ─── write transactions ──────────────────────────────────────────────────────

// BeginWriteTransaction starts buffering Add, Update and Delete calls. Any
// writes already buffered are discarded.
func (r *Repository) BeginWriteTransaction() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tx = make([]types.TransactWriteItem, 0, 8)
}

// RollbackWriteTransaction discards the buffered writes.
func (r *Repository) RollbackWriteTransaction() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tx = nil
}

// InWriteTransaction reports whether writes are being buffered.
func (r *Repository) InWriteTransaction() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tx != nil
}

// CommitWriteTransaction sends the buffered writes in one transaction and
// ends buffering, whether or not the call succeeds.
func (r *Repository) CommitWriteTransaction(ctx context.Context) error {
	r.mu.Lock()
	items := r.tx
	r.tx = nil
	r.mu.Unlock()

	if items == nil {
		return newCodeError(ErrRepository, "no write transaction in progress")
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) > maxTransactItems {
		return newCodeError(ErrRepository, "write transaction has %d actions, the limit is %d", len(items), maxTransactItems)
	}
	r.trace("transactWrite", "", map[string]any{"items": len(items)})
	_, err := r.client.TransactWriteItems(ctx, &ddb.TransactWriteItemsInput{
		TransactItems:          items,
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return r.fail("transactWrite", "", err)
	}
	return nil
}

// buffer appends w to the open write transaction, if any.
func (r *Repository) buffer(w types.TransactWriteItem) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx == nil {
		return false
	}
	r.tx = append(r.tx, w)
	return true
}

// ─── logging ─────────────────────────────────────────────────────────────────

func (r *Repository) trace(op, table string, ctx map[string]any) {
	r.log.Trace(fmt.Sprintf(`dynorm "%s" "%s"`, op, table), map[string]any{"op": op, "table": table})
	r.log.Data(fmt.Sprintf(`dynorm "%s" request`, op), ctx)
}

func (r *Repository) fail(op, table string, err error) error {
	var (
		wrapped   *Error
		condition *types.ConditionalCheckFailedException
		cancelled *types.TransactionCanceledException
	)
	switch {
	case errors.As(err, &condition):
		wrapped = NewError(fmt.Sprintf(`conditional %s failed for "%s"`, op, table), WithCode(ErrRepository), WithCause(err))
	case errors.As(err, &cancelled):
		wrapped = NewError("transaction cancelled", WithCode(ErrRepository), WithCause(err))
	default:
		wrapped = NewError(fmt.Sprintf(`%s failed for "%s"`, op, table), WithCode(ErrRepository), WithCause(err))
	}
	r.log.Error(wrapped.Message, map[string]any{"op": op, "table": table, "err": err})
	return wrapped
}
