// Package dynamotest provides an in-memory DynamoDB for tests. It implements
// the single-table item, query, and transaction calls the store makes, with
// condition expressions evaluated by Compile.
package dynamotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Operation names accepted by Calls and Fail.
const (
	OpGetItem            = "GetItem"
	OpPutItem            = "PutItem"
	OpDeleteItem         = "DeleteItem"
	OpQuery              = "Query"
	OpTransactWriteItems = "TransactWriteItems"
)

// MaxTransactItems is DynamoDB's limit on actions per transaction.
const MaxTransactItems = 100

// Fake is safe for concurrent use.
type Fake struct {
	mu         sync.Mutex
	tables     map[string]*table
	calls      map[string]int
	faults     map[string][]error
	tokens     map[string]bool
	batchSizes []int

	// MaxPageItems caps the items evaluated by one Query that sets no
	// Limit, standing in for the 1 MB page cap. 0 means unbounded.
	MaxPageItems int
}

type table struct {
	hashKey  string
	rangeKey string
	items    map[string]Item
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		tables: make(map[string]*table),
		calls:  make(map[string]int),
		faults: make(map[string][]error),
		tokens: make(map[string]bool),
	}
}

// CreateTable adds a table keyed by hashKey and, if non-empty, rangeKey.
func (f *Fake) CreateTable(name, hashKey, rangeKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{hashKey: hashKey, rangeKey: rangeKey, items: make(map[string]Item)}
}

// Fail makes the next len(errs) calls of op return errs in order.
func (f *Fake) Fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], errs...)
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes the call counters and the recorded batch sizes.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
	f.batchSizes = nil
}

// TransactBatchSizes returns the size of every transaction submitted, in
// arrival order.
func (f *Fake) TransactBatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batchSizes...)
}

// Len returns the number of items stored in a table.
func (f *Fake) Len(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[tableName]; ok {
		return len(t.items)
	}
	return 0
}

// Seed stores item directly, bypassing conditions and call counters.
func (f *Fake) Seed(tableName string, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(&tableName)
	if err != nil {
		return err
	}
	key, err := t.key(item)
	if err != nil {
		return err
	}
	t.items[key] = clone(item)
	return nil
}

// Raw returns a copy of the stored item with the given key, or nil.
func (f *Fake) Raw(tableName string, key Item) Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(&tableName)
	if err != nil {
		return nil
	}
	k, err := t.key(key)
	if err != nil {
		return nil
	}
	return clone(t.items[k])
}

// GetItem reads one item by key.
func (f *Fake) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpGetItem); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{
		Item:             clone(t.items[key]),
		ConsumedCapacity: capacity(in.ReturnConsumedCapacity, in.TableName, 0.5),
	}, nil
}

// PutItem writes one item, honouring ConditionExpression and ReturnValues.
func (f *Fake) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpPutItem); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.key(in.Item)
	if err != nil {
		return nil, err
	}
	old := t.items[key]
	ok, err := check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
	}

	t.items[key] = clone(in.Item)
	out := &dynamodb.PutItemOutput{ConsumedCapacity: capacity(in.ReturnConsumedCapacity, in.TableName, 1)}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = clone(old)
	}
	return out, nil
}

// DeleteItem removes one item, honouring ConditionExpression and ReturnValues.
func (f *Fake) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpDeleteItem); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	old := t.items[key]
	ok, err := check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
	}

	delete(t.items, key)
	out := &dynamodb.DeleteItemOutput{ConsumedCapacity: capacity(in.ReturnConsumedCapacity, in.TableName, 1)}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = clone(old)
	}
	return out, nil
}

// Query returns items matching the key condition in ascending range-key
// order. Limit bounds the items evaluated before the filter is applied, and
// LastEvaluatedKey is set only when evaluated items remain.
func (f *Fake) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpQuery); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if aws.ToString(in.KeyConditionExpression) == "" {
		return nil, validation("KeyConditionExpression is required")
	}
	keyCond, err := Compile(aws.ToString(in.KeyConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, validation("Invalid KeyConditionExpression: %v", err)
	}
	filter, err := Compile(aws.ToString(in.FilterExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, validation("Invalid FilterExpression: %v", err)
	}

	var candidates []Item
	for _, item := range t.items {
		if keyCond(item) {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return t.less(candidates[i], candidates[j]) })

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		start = sort.Search(len(candidates), func(i int) bool { return t.less(in.ExclusiveStartKey, candidates[i]) })
	}
	evaluated := candidates[start:]

	limit := int(aws.ToInt32(in.Limit))
	if limit == 0 {
		limit = f.MaxPageItems
	}
	out := &dynamodb.QueryOutput{}
	if limit > 0 && len(evaluated) > limit {
		evaluated = evaluated[:limit]
		out.LastEvaluatedKey = t.keyOf(evaluated[len(evaluated)-1])
	}

	var matched []Item
	for _, item := range evaluated {
		if filter(item) {
			matched = append(matched, item)
		}
	}

	out.Count = int32(len(matched))
	out.ScannedCount = int32(len(evaluated))
	if in.Select != types.SelectCount {
		out.Items = make([]Item, len(matched))
		for i, item := range matched {
			out.Items[i] = clone(item)
		}
	}
	out.ConsumedCapacity = capacity(in.ReturnConsumedCapacity, in.TableName, max(0.5, 0.5*float64(len(evaluated))))
	return out, nil
}

type write struct {
	table *table
	key   string
	put   Item
}

// TransactWriteItems applies Put, Delete, and ConditionCheck actions
// atomically. When any condition fails, nothing is written and the error
// carries one cancellation reason per action. A repeated ClientRequestToken
// of a committed transaction succeeds without writing again.
func (f *Fake) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpTransactWriteItems); err != nil {
		return nil, err
	}
	n := len(in.TransactItems)
	if n == 0 || n > MaxTransactItems {
		return nil, validation("Member must have length between 1 and %d, got %d", MaxTransactItems, n)
	}
	token := aws.ToString(in.ClientRequestToken)
	if token != "" && f.tokens[token] {
		return &dynamodb.TransactWriteItemsOutput{}, nil
	}
	f.batchSizes = append(f.batchSizes, n)

	writes := make([]write, 0, n)
	reasons := make([]types.CancellationReason, n)
	seen := make(map[string]bool, n)
	units := make(map[string]float64)
	canceled := false

	for i, ti := range in.TransactItems {
		var (
			tableName *string
			keyItem   Item
			w         write
			cond      *string
			names     map[string]string
			values    map[string]types.AttributeValue
			onFailure types.ReturnValuesOnConditionCheckFailure
		)
		switch {
		case ti.Put != nil:
			tableName, keyItem, cond, names, values, onFailure = ti.Put.TableName, ti.Put.Item, ti.Put.ConditionExpression,
				ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues, ti.Put.ReturnValuesOnConditionCheckFailure
			w.put = ti.Put.Item
		case ti.Delete != nil:
			tableName, keyItem, cond, names, values, onFailure = ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression,
				ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues, ti.Delete.ReturnValuesOnConditionCheckFailure
		case ti.ConditionCheck != nil:
			tableName, keyItem, cond, names, values, onFailure = ti.ConditionCheck.TableName, ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression,
				ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues, ti.ConditionCheck.ReturnValuesOnConditionCheckFailure
		default:
			return nil, validation("TransactItems[%d]: unsupported action", i)
		}

		t, err := f.table(tableName)
		if err != nil {
			return nil, err
		}
		key, err := t.key(keyItem)
		if err != nil {
			return nil, err
		}
		if seen[aws.ToString(tableName)+"\x00"+key] {
			return nil, validation("Transaction request cannot include multiple operations on one item")
		}
		seen[aws.ToString(tableName)+"\x00"+key] = true
		units[aws.ToString(tableName)] += 2

		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		old := t.items[key]
		ok, err := check(cond, names, values, old)
		if err != nil {
			return nil, err
		}
		if !ok {
			canceled = true
			reasons[i] = types.CancellationReason{
				Code:    aws.String("ConditionalCheckFailed"),
				Message: aws.String("The conditional request failed"),
			}
			if onFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
				reasons[i].Item = clone(old)
			}
		}
		if ti.ConditionCheck == nil {
			w.table, w.key = t, key
			writes = append(writes, w)
		}
	}

	if canceled {
		codes := make([]string, n)
		for i, r := range reasons {
			codes[i] = aws.ToString(r.Code)
		}
		return nil, &types.TransactionCanceledException{
			Message:             aws.String(fmt.Sprintf("Transaction cancelled, please refer cancellation reasons for specific reasons [%s]", strings.Join(codes, ", "))),
			CancellationReasons: reasons,
		}
	}

	for _, w := range writes {
		if w.put != nil {
			w.table.items[w.key] = clone(w.put)
		} else {
			delete(w.table.items, w.key)
		}
	}
	if token != "" {
		f.tokens[token] = true
	}

	out := &dynamodb.TransactWriteItemsOutput{}
	if in.ReturnConsumedCapacity != "" && in.ReturnConsumedCapacity != types.ReturnConsumedCapacityNone {
		for name, u := range units {
			out.ConsumedCapacity = append(out.ConsumedCapacity, types.ConsumedCapacity{
				TableName:     aws.String(name),
				CapacityUnits: aws.Float64(u),
			})
		}
	}
	return out, nil
}

// begin must be called with f.mu held.
func (f *Fake) begin(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := f.faults[op]; len(q) > 0 {
		f.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) table(name *string) (*table, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + aws.ToString(name) + " not found")}
	}
	return t, nil
}

func (t *table) key(item Item) (string, error) {
	h, err := keyPart(item, t.hashKey)
	if err != nil {
		return "", err
	}
	if t.rangeKey == "" {
		return h, nil
	}
	r, err := keyPart(item, t.rangeKey)
	if err != nil {
		return "", err
	}
	return h + "\x00" + r, nil
}

func keyPart(item Item, attr string) (string, error) {
	switch v := item[attr].(type) {
	case *types.AttributeValueMemberS:
		return "S" + v.Value, nil
	case *types.AttributeValueMemberN:
		return "N" + v.Value, nil
	case *types.AttributeValueMemberB:
		return "B" + string(v.Value), nil
	case nil:
		return "", validation("One of the required keys was not given a value: %s", attr)
	default:
		return "", validation("Type mismatch for key %s", attr)
	}
}

func (t *table) keyOf(item Item) Item {
	k := Item{t.hashKey: item[t.hashKey]}
	if t.rangeKey != "" {
		k[t.rangeKey] = item[t.rangeKey]
	}
	return k
}

// less orders items by hash key then range key.
func (t *table) less(a, b Item) bool {
	for _, attr := range []string{t.hashKey, t.rangeKey} {
		if attr == "" {
			continue
		}
		if c, ok := order(a[attr], b[attr]); ok && c != 0 {
			return c < 0
		}
	}
	return false
}

func check(expr *string, names map[string]string, values map[string]types.AttributeValue, old Item) (bool, error) {
	if aws.ToString(expr) == "" {
		return true, nil
	}
	cond, err := Compile(aws.ToString(expr), names, values)
	if err != nil {
		return false, validation("Invalid ConditionExpression: %v", err)
	}
	if old == nil {
		old = Item{}
	}
	return cond(old), nil
}

func conditionFailed(old Item, onFailure types.ReturnValuesOnConditionCheckFailure) error {
	err := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if onFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
		err.Item = clone(old)
	}
	return err
}

func capacity(mode types.ReturnConsumedCapacity, tableName *string, units float64) *types.ConsumedCapacity {
	if mode == "" || mode == types.ReturnConsumedCapacityNone {
		return nil
	}
	return &types.ConsumedCapacity{TableName: tableName, CapacityUnits: aws.Float64(units)}
}

func validation(format string, args ...any) error {
	return &smithy.GenericAPIError{
		Code:    "ValidationException",
		Message: fmt.Sprintf(format, args...),
		Fault:   smithy.FaultClient,
	}
}

func clone(item Item) Item {
	if item == nil {
		return nil
	}
	c := make(Item, len(item))
	for k, v := range item {
		c[k] = v
	}
	return c
}
