// Package localstore is an embedded, single-file stand-in for the DynamoDB
// item API. Tables are bbolt buckets, items are msgpack documents keyed by
// their primary key. It serves tests and the dynorm CLI; it implements the
// request fields dynorm sends and ignores the rest.
package localstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const metaBucket = "__tables"

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithTimeout sets how long Open waits for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Store is a local table store backed by a bbolt file.
type Store struct {
	db      *bbolt.DB
	log     *zap.Logger
	timeout time.Duration
}

// Open opens or creates the store file at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{log: zap.NewNop(), timeout: time.Second}
	for _, o := range opts {
		o(s)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: init %s: %w", path, err)
	}
	s.db = db
	s.log.Debug("localstore opened", zap.String("path", path))
	return s, nil
}

// Close releases the store file.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTable records the table's key schema and creates its bucket.
func (s *Store) CreateTable(_ context.Context, in *ddb.CreateTableInput, _ ...func(*ddb.Options)) (*ddb.CreateTableOutput, error) {
	name := aws.ToString(in.TableName)
	if name == "" {
		return nil, validation("TableName is required")
	}
	var meta tableMeta
	for _, k := range in.KeySchema {
		switch k.KeyType {
		case types.KeyTypeHash:
			meta.Hash = aws.ToString(k.AttributeName)
		case types.KeyTypeRange:
			meta.Range = aws.ToString(k.AttributeName)
		}
	}
	if meta.Hash == "" {
		return nil, validation("KeySchema needs a HASH key")
	}
	raw, err := encodeMeta(meta)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket([]byte(metaBucket))
		if mb.Get([]byte(name)) != nil {
			return &types.ResourceInUseException{Message: aws.String("table already exists: " + name)}
		}
		if _, err := tx.CreateBucket([]byte(name)); err != nil {
			return err
		}
		return mb.Put([]byte(name), raw)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("table created", zap.String("table", name), zap.String("hash", meta.Hash), zap.String("range", meta.Range))
	return &ddb.CreateTableOutput{TableDescription: &types.TableDescription{
		TableName:   aws.String(name),
		KeySchema:   in.KeySchema,
		TableStatus: types.TableStatusActive,
	}}, nil
}

// DeleteTable drops a table and its items.
func (s *Store) DeleteTable(_ context.Context, in *ddb.DeleteTableInput, _ ...func(*ddb.Options)) (*ddb.DeleteTableOutput, error) {
	name := aws.ToString(in.TableName)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket([]byte(metaBucket))
		if mb.Get([]byte(name)) == nil {
			return notFound(name)
		}
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			return err
		}
		return mb.Delete([]byte(name))
	})
	if err != nil {
		return nil, err
	}
	return &ddb.DeleteTableOutput{}, nil
}

// table is one open bucket plus its key schema.
type table struct {
	name   string
	meta   tableMeta
	bucket *bbolt.Bucket
}

func openTable(tx *bbolt.Tx, name *string) (*table, error) {
	n := aws.ToString(name)
	raw := tx.Bucket([]byte(metaBucket)).Get([]byte(n))
	if raw == nil {
		return nil, notFound(n)
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}
	return &table{name: n, meta: meta, bucket: tx.Bucket([]byte(n))}, nil
}

// keyOf builds the bucket key of an item or key map.
func (t *table) keyOf(item map[string]types.AttributeValue) ([]byte, error) {
	h, err := keyPart(item, t.meta.Hash)
	if err != nil {
		return nil, err
	}
	if t.meta.Range == "" {
		return h, nil
	}
	r, err := keyPart(item, t.meta.Range)
	if err != nil {
		return nil, err
	}
	return append(append(h, 0), r...), nil
}

func keyPart(item map[string]types.AttributeValue, attr string) ([]byte, error) {
	switch v := item[attr].(type) {
	case *types.AttributeValueMemberS:
		return append([]byte{'S'}, v.Value...), nil
	case *types.AttributeValueMemberN:
		return append([]byte{'N'}, v.Value...), nil
	case *types.AttributeValueMemberB:
		return append([]byte{'B'}, v.Value...), nil
	case nil:
		return nil, validation("missing key attribute " + attr)
	}
	return nil, validation("key attribute " + attr + " must be S, N or B")
}

func (t *table) get(key []byte) (map[string]types.AttributeValue, error) {
	raw := t.bucket.Get(key)
	if raw == nil {
		return nil, nil
	}
	return decodeItem(raw)
}

func (t *table) put(key []byte, item map[string]types.AttributeValue) error {
	for name, av := range item {
		if err := checkSets(name, av); err != nil {
			return err
		}
	}
	raw, err := encodeItem(item)
	if err != nil {
		return err
	}
	return t.bucket.Put(key, raw)
}

// checkSets rejects empty sets, sets holding duplicates and string sets
// holding empty strings, at any depth.
func checkSets(path string, av types.AttributeValue) error {
	var members []string
	switch v := av.(type) {
	case *types.AttributeValueMemberSS:
		for _, s := range v.Value {
			if s == "" {
				return validation("string set " + path + " contains an empty string")
			}
		}
		members = v.Value
	case *types.AttributeValueMemberNS:
		members = make([]string, len(v.Value))
		for i, n := range v.Value {
			r, ok := new(big.Rat).SetString(n)
			if !ok {
				return validation("number set " + path + " contains " + strconv.Quote(n))
			}
			members[i] = r.RatString()
		}
	case *types.AttributeValueMemberBS:
		members = make([]string, len(v.Value))
		for i, b := range v.Value {
			members[i] = string(b)
		}
	case *types.AttributeValueMemberM:
		for k, e := range v.Value {
			if err := checkSets(path+"."+k, e); err != nil {
				return err
			}
		}
		return nil
	case *types.AttributeValueMemberL:
		for i, e := range v.Value {
			if err := checkSets(path+"["+strconv.Itoa(i)+"]", e); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
	if len(members) == 0 {
		return validation("set " + path + " is empty")
	}
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if _, dup := seen[m]; dup {
			return validation("input collection " + path + " contains duplicates")
		}
		seen[m] = struct{}{}
	}
	return nil
}

// check evaluates a condition expression against the current item (which
// may be nil).
func check(expr *string, names map[string]string, values map[string]types.AttributeValue, current map[string]types.AttributeValue) error {
	cond, err := parseCondition(aws.ToString(expr), names, values)
	if err != nil {
		return validation(err.Error())
	}
	if cond == nil {
		return nil
	}
	if current == nil {
		current = map[string]types.AttributeValue{}
	}
	if !cond.eval(current) {
		return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	return nil
}

// PutItem stores an item, replacing any item with the same key.
func (s *Store) PutItem(_ context.Context, in *ddb.PutItemInput, _ ...func(*ddb.Options)) (*ddb.PutItemOutput, error) {
	out := &ddb.PutItemOutput{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return applyPut(tx, in.TableName, in.Item, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues,
			func(old map[string]types.AttributeValue) {
				if in.ReturnValues == types.ReturnValueAllOld {
					out.Attributes = old
				}
			})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("put", zap.String("table", aws.ToString(in.TableName)))
	return out, nil
}

func applyPut(tx *bbolt.Tx, name *string, item map[string]types.AttributeValue, cond *string,
	names map[string]string, values map[string]types.AttributeValue, old func(map[string]types.AttributeValue)) error {
	t, err := openTable(tx, name)
	if err != nil {
		return err
	}
	key, err := t.keyOf(item)
	if err != nil {
		return err
	}
	current, err := t.get(key)
	if err != nil {
		return err
	}
	if err := check(cond, names, values, current); err != nil {
		return err
	}
	if old != nil {
		old(current)
	}
	return t.put(key, item)
}

// GetItem reads one item by key.
func (s *Store) GetItem(_ context.Context, in *ddb.GetItemInput, _ ...func(*ddb.Options)) (*ddb.GetItemOutput, error) {
	attrs, err := parseProjection(aws.ToString(in.ProjectionExpression), in.ExpressionAttributeNames)
	if err != nil {
		return nil, validation(err.Error())
	}
	out := &ddb.GetItemOutput{}
	err = s.db.View(func(tx *bbolt.Tx) error {
		t, err := openTable(tx, in.TableName)
		if err != nil {
			return err
		}
		key, err := t.keyOf(in.Key)
		if err != nil {
			return err
		}
		item, err := t.get(key)
		if err != nil || item == nil {
			return err
		}
		out.Item = project(item, attrs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteItem removes one item by key. Deleting a missing item succeeds.
func (s *Store) DeleteItem(_ context.Context, in *ddb.DeleteItemInput, _ ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error) {
	out := &ddb.DeleteItemOutput{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return applyDelete(tx, in.TableName, in.Key, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues,
			func(old map[string]types.AttributeValue) {
				if in.ReturnValues == types.ReturnValueAllOld {
					out.Attributes = old
				}
			})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("delete", zap.String("table", aws.ToString(in.TableName)))
	return out, nil
}

func applyDelete(tx *bbolt.Tx, name *string, keyAttrs map[string]types.AttributeValue, cond *string,
	names map[string]string, values map[string]types.AttributeValue, old func(map[string]types.AttributeValue)) error {
	t, err := openTable(tx, name)
	if err != nil {
		return err
	}
	key, err := t.keyOf(keyAttrs)
	if err != nil {
		return err
	}
	current, err := t.get(key)
	if err != nil {
		return err
	}
	if err := check(cond, names, values, current); err != nil {
		return err
	}
	if old != nil {
		old(current)
	}
	return t.bucket.Delete(key)
}

// UpdateItem applies SET and REMOVE actions, creating the item if needed.
func (s *Store) UpdateItem(_ context.Context, in *ddb.UpdateItemInput, _ ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error) {
	out := &ddb.UpdateItemOutput{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		updated, err := applyUpdate(tx, in.TableName, in.Key, in.UpdateExpression, in.ConditionExpression,
			in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return err
		}
		if in.ReturnValues == types.ReturnValueAllNew {
			out.Attributes = updated
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("update", zap.String("table", aws.ToString(in.TableName)))
	return out, nil
}

func applyUpdate(tx *bbolt.Tx, name *string, keyAttrs map[string]types.AttributeValue, update, cond *string,
	names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	t, err := openTable(tx, name)
	if err != nil {
		return nil, err
	}
	key, err := t.keyOf(keyAttrs)
	if err != nil {
		return nil, err
	}
	current, err := t.get(key)
	if err != nil {
		return nil, err
	}
	if err := check(cond, names, values, current); err != nil {
		return nil, err
	}
	actions, err := parseUpdate(aws.ToString(update), names, values)
	if err != nil {
		return nil, validation(err.Error())
	}
	item := map[string]types.AttributeValue{}
	for k, v := range current {
		item[k] = v
	}
	for k, v := range keyAttrs {
		item[k] = v
	}
	for _, a := range actions {
		if a.path[0] == t.meta.Hash || a.path[0] == t.meta.Range {
			return nil, validation("cannot update key attribute " + a.path[0])
		}
		if a.remove {
			removePath(item, a.path)
			continue
		}
		setPath(item, a.path, a.value.value(current))
	}
	return item, t.put(key, item)
}

type updateAction struct {
	path   pathOperand
	value  operand
	remove bool
}

// parseUpdate understands `SET a = :v, b = :w REMOVE c, d`.
func parseUpdate(expr string, names map[string]string, values map[string]types.AttributeValue) ([]updateAction, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks, names: names, values: values}
	var out []updateAction
	mode := ""
	for p.pos < len(p.toks) {
		switch kw := strings.ToUpper(p.peek()); kw {
		case "SET", "REMOVE":
			p.next()
			mode = kw
			continue
		case ",":
			p.next()
			continue
		}
		path, err := p.path()
		if err != nil {
			return nil, err
		}
		switch mode {
		case "SET":
			if err := p.expect("="); err != nil {
				return nil, err
			}
			v, err := p.operand()
			if err != nil {
				return nil, err
			}
			out = append(out, updateAction{path: path, value: v})
		case "REMOVE":
			out = append(out, updateAction{path: path, remove: true})
		default:
			return nil, fmt.Errorf("localstore: update expression must start with SET or REMOVE")
		}
	}
	return out, nil
}

func setPath(item map[string]types.AttributeValue, path pathOperand, v types.AttributeValue) {
	if v == nil {
		return
	}
	cur := item
	for _, seg := range path[:len(path)-1] {
		m, ok := cur[seg].(*types.AttributeValueMemberM)
		if !ok {
			m = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}}
			cur[seg] = m
		}
		cur = m.Value
	}
	cur[path[len(path)-1]] = v
}

func removePath(item map[string]types.AttributeValue, path pathOperand) {
	cur := item
	for _, seg := range path[:len(path)-1] {
		m, ok := cur[seg].(*types.AttributeValueMemberM)
		if !ok {
			return
		}
		cur = m.Value
	}
	delete(cur, path[len(path)-1])
}

// Scan reads items in key order, applying ExclusiveStartKey, Limit,
// FilterExpression and ProjectionExpression the way DynamoDB does: Limit
// counts evaluated items, before filtering.
func (s *Store) Scan(_ context.Context, in *ddb.ScanInput, _ ...func(*ddb.Options)) (*ddb.ScanOutput, error) {
	cond, err := parseCondition(aws.ToString(in.FilterExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, validation(err.Error())
	}
	attrs, err := parseProjection(aws.ToString(in.ProjectionExpression), in.ExpressionAttributeNames)
	if err != nil {
		return nil, validation(err.Error())
	}
	limit := int(aws.ToInt32(in.Limit))

	out := &ddb.ScanOutput{}
	err = s.db.View(func(tx *bbolt.Tx) error {
		t, err := openTable(tx, in.TableName)
		if err != nil {
			return err
		}
		c := t.bucket.Cursor()
		k, v := c.First()
		if len(in.ExclusiveStartKey) > 0 {
			start, err := t.keyOf(in.ExclusiveStartKey)
			if err != nil {
				return err
			}
			k, v = c.Seek(start)
			if k != nil && bytes.Equal(k, start) {
				k, v = c.Next()
			}
		}
		var lastKey map[string]types.AttributeValue
		for ; k != nil; k, v = c.Next() {
			if limit > 0 && int(out.ScannedCount) == limit {
				out.LastEvaluatedKey = lastKey
				break
			}
			item, err := decodeItem(v)
			if err != nil {
				return err
			}
			out.ScannedCount++
			lastKey = keyAttributes(t.meta, item)
			if cond != nil && !cond.eval(item) {
				continue
			}
			out.Items = append(out.Items, project(item, attrs))
			out.Count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("scan", zap.String("table", aws.ToString(in.TableName)),
		zap.Int32("scanned", out.ScannedCount), zap.Int32("count", out.Count))
	return out, nil
}

func keyAttributes(meta tableMeta, item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := map[string]types.AttributeValue{meta.Hash: item[meta.Hash]}
	if meta.Range != "" {
		out[meta.Range] = item[meta.Range]
	}
	return out
}

// TransactWriteItems applies every action in one bbolt transaction. Any
// failed condition cancels the whole transaction.
func (s *Store) TransactWriteItems(_ context.Context, in *ddb.TransactWriteItemsInput, _ ...func(*ddb.Options)) (*ddb.TransactWriteItemsOutput, error) {
	if len(in.TransactItems) > 100 {
		return nil, validation("too many transaction items")
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for i, w := range in.TransactItems {
			var err error
			switch {
			case w.Put != nil:
				err = applyPut(tx, w.Put.TableName, w.Put.Item, w.Put.ConditionExpression,
					w.Put.ExpressionAttributeNames, w.Put.ExpressionAttributeValues, nil)
			case w.Delete != nil:
				err = applyDelete(tx, w.Delete.TableName, w.Delete.Key, w.Delete.ConditionExpression,
					w.Delete.ExpressionAttributeNames, w.Delete.ExpressionAttributeValues, nil)
			case w.Update != nil:
				_, err = applyUpdate(tx, w.Update.TableName, w.Update.Key, w.Update.UpdateExpression,
					w.Update.ConditionExpression, w.Update.ExpressionAttributeNames, w.Update.ExpressionAttributeValues)
			case w.ConditionCheck != nil:
				err = conditionCheck(tx, w.ConditionCheck)
			default:
				err = validation("empty transaction item")
			}
			if err != nil {
				var ccf *types.ConditionalCheckFailedException
				if errors.As(err, &ccf) {
					return cancelled(i, len(in.TransactItems))
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("transact write", zap.Int("items", len(in.TransactItems)))
	return &ddb.TransactWriteItemsOutput{}, nil
}

func conditionCheck(tx *bbolt.Tx, c *types.ConditionCheck) error {
	t, err := openTable(tx, c.TableName)
	if err != nil {
		return err
	}
	key, err := t.keyOf(c.Key)
	if err != nil {
		return err
	}
	current, err := t.get(key)
	if err != nil {
		return err
	}
	return check(c.ConditionExpression, c.ExpressionAttributeNames, c.ExpressionAttributeValues, current)
}

func cancelled(failed, total int) error {
	reasons := make([]types.CancellationReason, total)
	for i := range reasons {
		reasons[i].Code = aws.String("None")
	}
	reasons[failed].Code = aws.String("ConditionalCheckFailed")
	return &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
		CancellationReasons: reasons,
	}
}

func notFound(table string) error {
	return &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + table + " not found")}
}

func validation(msg string) error {
	return fmt.Errorf("localstore: ValidationException: %s", msg)
}
