package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTable(t *testing.T, s *Store, name, hash, rng string) {
	t.Helper()
	schema := []types.KeySchemaElement{{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash}}
	if rng != "" {
		schema = append(schema, types.KeySchemaElement{AttributeName: aws.String(rng), KeyType: types.KeyTypeRange})
	}
	_, err := s.CreateTable(context.Background(), &ddb.CreateTableInput{TableName: aws.String(name), KeySchema: schema})
	require.NoError(t, err)
}

func put(t *testing.T, s *Store, table string, item map[string]types.AttributeValue) {
	t.Helper()
	_, err := s.PutItem(context.Background(), &ddb.PutItemInput{TableName: aws.String(table), Item: item})
	require.NoError(t, err)
}

func TestCreateAndDeleteTable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	createTable(t, s, "Users", "Id", "")

	_, err := s.CreateTable(ctx, &ddb.CreateTableInput{
		TableName: aws.String("Users"),
		KeySchema: []types.KeySchemaElement{{AttributeName: aws.String("Id"), KeyType: types.KeyTypeHash}},
	})
	var inUse *types.ResourceInUseException
	assert.ErrorAs(t, err, &inUse)

	_, err = s.CreateTable(ctx, &ddb.CreateTableInput{TableName: aws.String("NoKeys")})
	assert.Error(t, err)

	_, err = s.DeleteTable(ctx, &ddb.DeleteTableInput{TableName: aws.String("Users")})
	require.NoError(t, err)

	_, err = s.GetItem(ctx, &ddb.GetItemInput{TableName: aws.String("Users"), Key: map[string]types.AttributeValue{"Id": num("1")}})
	var notFound *types.ResourceNotFoundException
	assert.ErrorAs(t, err, &notFound)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	createTable(t, s, "Orders", "Customer", "Order")

	item := map[string]types.AttributeValue{
		"Customer": str("c1"),
		"Order":    num("7"),
		"Total":    num("12.50"),
		"Lines": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{"Sku": str("x")}},
		}},
		"Gift": &types.AttributeValueMemberNULL{Value: true},
	}
	put(t, s, "Orders", item)

	key := map[string]types.AttributeValue{"Customer": str("c1"), "Order": num("7")}
	got, err := s.GetItem(ctx, &ddb.GetItemInput{TableName: aws.String("Orders"), Key: key})
	require.NoError(t, err)
	assert.Equal(t, item, got.Item)

	got, err = s.GetItem(ctx, &ddb.GetItemInput{
		TableName:                aws.String("Orders"),
		Key:                      key,
		ProjectionExpression:     aws.String("#total"),
		ExpressionAttributeNames: map[string]string{"#total": "Total"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]types.AttributeValue{"Total": num("12.50")}, got.Item)

	_, err = s.GetItem(ctx, &ddb.GetItemInput{TableName: aws.String("Orders"), Key: map[string]types.AttributeValue{"Customer": str("c1")}})
	assert.Error(t, err, "missing range key")

	del, err := s.DeleteItem(ctx, &ddb.DeleteItemInput{TableName: aws.String("Orders"), Key: key, ReturnValues: types.ReturnValueAllOld})
	require.NoError(t, err)
	assert.Equal(t, item, del.Attributes)

	got, err = s.GetItem(ctx, &ddb.GetItemInput{TableName: aws.String("Orders"), Key: key})
	require.NoError(t, err)
	assert.Nil(t, got.Item)

	_, err = s.DeleteItem(ctx, &ddb.DeleteItemInput{TableName: aws.String("Orders"), Key: key})
	assert.NoError(t, err, "deleting a missing item succeeds")
}

func TestConditionalPut(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	createTable(t, s, "Users", "Id", "")

	in := &ddb.PutItemInput{
		TableName:                aws.String("Users"),
		Item:                     map[string]types.AttributeValue{"Id": str("u1")},
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": "Id"},
	}
	_, err := s.PutItem(ctx, in)
	require.NoError(t, err)

	_, err = s.PutItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	assert.ErrorAs(t, err, &ccf)
}

func TestUpdateItem(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	createTable(t, s, "Users", "Id", "")
	put(t, s, "Users", map[string]types.AttributeValue{"Id": str("u1"), "Name": str("Ann"), "Age": num("30")})

	key := map[string]types.AttributeValue{"Id": str("u1")}
	out, err := s.UpdateItem(ctx, &ddb.UpdateItemInput{
		TableName:                 aws.String("Users"),
		Key:                       key,
		UpdateExpression:          aws.String("SET #name = :n, #address.#city = :c REMOVE #age"),
		ExpressionAttributeNames:  map[string]string{"#name": "Name", "#age": "Age", "#address": "Address", "#city": "City"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":n": str("Bo"), ":c": str("Oslo")},
		ReturnValues:              types.ReturnValueAllNew,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]types.AttributeValue{
		"Id":   str("u1"),
		"Name": str("Bo"),
		"Address": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"City": str("Oslo"),
		}},
	}, out.Attributes)

	// upsert
	_, err = s.UpdateItem(ctx, &ddb.UpdateItemInput{
		TableName:                 aws.String("Users"),
		Key:                       map[string]types.AttributeValue{"Id": str("u2")},
		UpdateExpression:          aws.String("SET Age = :a"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":a": num("1")},
	})
	require.NoError(t, err)
	got, err := s.GetItem(ctx, &ddb.GetItemInput{TableName: aws.String("Users"), Key: map[string]types.AttributeValue{"Id": str("u2")}})
	require.NoError(t, err)
	assert.Equal(t, map[string]types.AttributeValue{"Id": str("u2"), "Age": num("1")}, got.Item)

	_, err = s.UpdateItem(ctx, &ddb.UpdateItemInput{
		TableName:                 aws.String("Users"),
		Key:                       key,
		UpdateExpression:          aws.String("SET Id = :a"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":a": str("u9")},
	})
	assert.Error(t, err, "key attributes cannot be updated")
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	createTable(t, s, "Users", "Id", "")
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		age := "20"
		if id == "b" || id == "d" {
			age = "40"
		}
		put(t, s, "Users", map[string]types.AttributeValue{"Id": str(id), "Age": num(age), "Name": str("n-" + id)})
	}

	out, err := s.Scan(ctx, &ddb.ScanInput{
		TableName:                 aws.String("Users"),
		FilterExpression:          aws.String("#age > :a"),
		ProjectionExpression:      aws.String("#id"),
		ExpressionAttributeNames:  map[string]string{"#age": "Age", "#id": "Id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":a": num("30")},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(5), out.ScannedCount)
	assert.Equal(t, []map[string]types.AttributeValue{{"Id": str("b")}, {"Id": str("d")}}, out.Items)
	assert.Nil(t, out.LastEvaluatedKey)

	// pages of two, following LastEvaluatedKey
	var ids []string
	var start map[string]types.AttributeValue
	pages := 0
	for {
		page, err := s.Scan(ctx, &ddb.ScanInput{TableName: aws.String("Users"), Limit: aws.Int32(2), ExclusiveStartKey: start})
		require.NoError(t, err)
		pages++
		for _, item := range page.Items {
			ids = append(ids, item["Id"].(*types.AttributeValueMemberS).Value)
		}
		if page.LastEvaluatedKey == nil {
			break
		}
		start = page.LastEvaluatedKey
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	assert.Equal(t, 3, pages)

	_, err = s.Scan(ctx, &ddb.ScanInput{TableName: aws.String("Users"), FilterExpression: aws.String("#x = :y")})
	assert.Error(t, err)
}

func TestTransactWriteItems(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	createTable(t, s, "Users", "Id", "")
	put(t, s, "Users", map[string]types.AttributeValue{"Id": str("old")})

	_, err := s.TransactWriteItems(ctx, &ddb.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String("Users"), Item: map[string]types.AttributeValue{"Id": str("new")}}},
		{Delete: &types.Delete{TableName: aws.String("Users"), Key: map[string]types.AttributeValue{"Id": str("old")}}},
		{Update: &types.Update{
			TableName:                 aws.String("Users"),
			Key:                       map[string]types.AttributeValue{"Id": str("third")},
			UpdateExpression:          aws.String("SET Age = :a"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":a": num("3")},
		}},
	}})
	require.NoError(t, err)

	out, err := s.Scan(ctx, &ddb.ScanInput{TableName: aws.String("Users")})
	require.NoError(t, err)
	assert.Equal(t, int32(2), out.Count)

	// a failed condition rolls back every action
	_, err = s.TransactWriteItems(ctx, &ddb.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String("Users"), Item: map[string]types.AttributeValue{"Id": str("fourth")}}},
		{ConditionCheck: &types.ConditionCheck{
			TableName:           aws.String("Users"),
			Key:                 map[string]types.AttributeValue{"Id": str("missing")},
			ConditionExpression: aws.String("attribute_exists(Id)"),
		}},
	}})
	var cancelled *types.TransactionCanceledException
	require.ErrorAs(t, err, &cancelled)
	require.Len(t, cancelled.CancellationReasons, 2)
	assert.Equal(t, "ConditionalCheckFailed", aws.ToString(cancelled.CancellationReasons[1].Code))

	got, err := s.GetItem(ctx, &ddb.GetItemInput{TableName: aws.String("Users"), Key: map[string]types.AttributeValue{"Id": str("fourth")}})
	require.NoError(t, err)
	assert.Nil(t, got.Item)

	_, err = s.TransactWriteItems(ctx, &ddb.TransactWriteItemsInput{TransactItems: make([]types.TransactWriteItem, 101)})
	assert.Error(t, err)
}

func TestItemEncodingRoundTrip(t *testing.T) {
	item := map[string]types.AttributeValue{
		"S":    str("s"),
		"N":    num("-1.5"),
		"B":    &types.AttributeValueMemberB{Value: []byte{0, 1}},
		"T":    &types.AttributeValueMemberBOOL{Value: true},
		"F":    &types.AttributeValueMemberBOOL{Value: false},
		"Null": &types.AttributeValueMemberNULL{Value: true},
		"SS":   &types.AttributeValueMemberSS{Value: []string{"a", "b"}},
		"NS":   &types.AttributeValueMemberNS{Value: []string{"1", "2"}},
		"BS":   &types.AttributeValueMemberBS{Value: [][]byte{{1}, {2}}},
		"L":    &types.AttributeValueMemberL{Value: []types.AttributeValue{str("x"), num("2")}},
		"M": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"k": str("v"), "a": num("1"), "z": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"y": str("1"), "b": str("2"), "q": str("3"),
			}},
		}},
	}
	raw, err := encodeItem(item)
	require.NoError(t, err)
	back, err := decodeItem(raw)
	require.NoError(t, err)
	assert.Equal(t, item, back)

	for i := 0; i < 20; i++ {
		again, err := encodeItem(back)
		require.NoError(t, err)
		require.Equal(t, raw, again, "encoding is deterministic")
	}

	_, err = encodeItem(map[string]types.AttributeValue{"x": nil})
	assert.Error(t, err)
}

func TestPutRejectsInvalidSets(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	createTable(t, s, "Users", "Id", "")

	tests := map[string]types.AttributeValue{
		"duplicate strings": &types.AttributeValueMemberSS{Value: []string{"a", "a"}},
		"duplicate numbers": &types.AttributeValueMemberNS{Value: []string{"1", "1.0"}},
		"duplicate binary":  &types.AttributeValueMemberBS{Value: [][]byte{{1}, {1}}},
		"empty string":      &types.AttributeValueMemberSS{Value: []string{""}},
		"empty set":         &types.AttributeValueMemberSS{Value: []string{}},
		"bad number":        &types.AttributeValueMemberNS{Value: []string{"x"}},
		"nested": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"Tags": &types.AttributeValueMemberSS{Value: []string{"b", "b"}},
		}},
	}
	for name, av := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.PutItem(ctx, &ddb.PutItemInput{
				TableName: aws.String("Users"),
				Item:      map[string]types.AttributeValue{"Id": str("1"), "Set": av},
			})
			assert.ErrorContains(t, err, "ValidationException")
		})
	}

	put(t, s, "Users", map[string]types.AttributeValue{
		"Id":  str("1"),
		"Set": &types.AttributeValueMemberNS{Value: []string{"1", "1.5"}},
	})
}
