package store

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/strata/document"
)

// Query selects documents of one partition.
type Query struct {
	PartitionKey string

	// FilterExpression is ANDed with the active filter. The placeholders
	// #pk, :pk, #deleted and :notDeleted are reserved.
	FilterExpression          string
	ExpressionAttributeNames  map[string]string
	ExpressionAttributeValues map[string]types.AttributeValue

	// IncludeDeleted disables the active filter.
	IncludeDeleted bool

	// PageSize bounds the items evaluated per remote call. 0 = store default.
	PageSize int32
}

// Page is one page of GetPage.
type Page[T any] struct {
	Items []T

	// ContinuationToken fetches the next page. Empty on the last page.
	ContinuationToken string

	// TotalCount is the partition's active document count. It is only set
	// on the first page.
	TotalCount *int
}

// buildQuery is the single place query input is assembled. Unless
// IncludeDeleted is set, the active filter is always part of the result.
func (c *Client[T]) buildQuery(q Query) *dynamodb.QueryInput {
	names := mergeExprNames(q.ExpressionAttributeNames, map[string]string{"#pk": c.typeCfg.PartitionKeyField})
	values := mergeExprValues(q.ExpressionAttributeValues, map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: q.PartitionKey},
	})

	filter := q.FilterExpression
	if !q.IncludeDeleted {
		if filter != "" {
			filter = fmt.Sprintf("(%s) AND %s", filter, ActiveFilterExpr())
		} else {
			filter = ActiveFilterExpr()
		}
		names = mergeExprNames(names, ActiveFilterNames())
		values = mergeExprValues(values, ActiveFilterValues())
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(c.table),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	}
	if filter != "" {
		input.FilterExpression = aws.String(filter)
	}
	if q.PageSize > 0 {
		input.Limit = aws.Int32(q.PageSize)
	}
	return input
}

// Query streams the documents matching q. Pages are fetched lazily as the
// sequence is consumed, and stopping early or cancelling ctx stops fetching.
// Each range over the sequence issues the query anew.
func (c *Client[T]) Query(ctx context.Context, q Query) iter.Seq2[T, error] {
	if err := c.validator.ValidatePartitionKey(q.PartitionKey); err != nil {
		return failed[T](err)
	}
	return c.stream(ctx, "query", c.buildQuery(q), 0, 0)
}

// GetAll streams the active documents of a partition, skipping the first
// offset and stopping after count (0 = all). pageSize bounds each remote call.
func (c *Client[T]) GetAll(ctx context.Context, partitionKey string, pageSize, offset, count int) iter.Seq2[T, error] {
	if err := c.validator.ValidatePartitionKey(partitionKey); err != nil {
		return failed[T](err)
	}
	if err := c.validator.ValidatePagingParameters(pageSize, offset, count); err != nil {
		return failed[T](err)
	}
	input := c.buildQuery(Query{PartitionKey: partitionKey, PageSize: int32(pageSize)})
	return c.stream(ctx, "get_all", input, offset, count)
}

// QueryByProperty streams the active documents whose field equals value.
func (c *Client[T]) QueryByProperty(ctx context.Context, partitionKey, field string, value any) iter.Seq2[T, error] {
	return c.queryField(ctx, partitionKey, field, value, "#field = :value")
}

// QueryArrayContains streams the active documents whose list or set field
// contains value.
func (c *Client[T]) QueryArrayContains(ctx context.Context, partitionKey, field string, value any) iter.Seq2[T, error] {
	return c.queryField(ctx, partitionKey, field, value, "contains(#field, :value)")
}

func (c *Client[T]) queryField(ctx context.Context, pk, field string, value any, expr string) iter.Seq2[T, error] {
	if err := c.validator.ValidateFieldName(field); err != nil {
		return failed[T](err)
	}
	av, err := attributevalue.Marshal(value)
	if err != nil {
		return failed[T](fmt.Errorf("marshal filter value for %s: %w", field, err))
	}
	return c.Query(ctx, Query{
		PartitionKey:              pk,
		FilterExpression:          expr,
		ExpressionAttributeNames:  map[string]string{"#field": field},
		ExpressionAttributeValues: map[string]types.AttributeValue{":value": av},
	})
}

// GetPage returns up to pageSize active documents following the position
// in continuationToken (empty for the first page). The total count is only
// computed for the first page.
func (c *Client[T]) GetPage(ctx context.Context, partitionKey string, pageSize int, continuationToken string) (*Page[T], error) {
	if err := c.validator.ValidatePartitionKey(partitionKey); err != nil {
		return nil, err
	}
	if err := c.validator.ValidatePagingParameters(pageSize, 0, 0); err != nil {
		return nil, err
	}
	start, err := c.decodeToken(continuationToken, partitionKey)
	if err != nil {
		return nil, err
	}

	input := c.buildQuery(Query{PartitionKey: partitionKey, PageSize: int32(pageSize)})
	input.ExclusiveStartKey = start

	page := &Page[T]{Items: make([]T, 0, pageSize)}
	var last map[string]types.AttributeValue
	more := false
	for !more {
		var out *dynamodb.QueryOutput
		err := c.call(ctx, "get_page", func(ctx context.Context) error {
			var err error
			out, err = c.reader.Query(ctx, input)
			return err
		})
		if err != nil {
			return nil, err
		}
		c.recordCapacity("get_page", out.ConsumedCapacity)

		for _, raw := range out.Items {
			if len(page.Items) == pageSize {
				more = true
				break
			}
			doc, err := c.unmarshal(raw)
			if err != nil {
				return nil, err
			}
			page.Items = append(page.Items, doc)
			last = raw
		}
		if more || len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
		more = len(page.Items) == pageSize
	}

	if more {
		if page.ContinuationToken, err = encodeToken(c.keyOf(last)); err != nil {
			return nil, err
		}
	}
	if continuationToken == "" {
		n, err := c.GetCount(ctx, partitionKey, c.cfg.PageCountMaxAge)
		if err != nil {
			return nil, err
		}
		page.TotalCount = &n
	}
	return page, nil
}

// stream yields the documents of every page of input, skipping the first
// offset and stopping after count when count > 0.
func (c *Client[T]) stream(ctx context.Context, op string, input *dynamodb.QueryInput, offset, count int) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		skipped, emitted := 0, 0
		paginator := dynamodb.NewQueryPaginator(c.reader, input)
		for paginator.HasMorePages() {
			var page *dynamodb.QueryOutput
			err := c.call(ctx, op, func(ctx context.Context) error {
				var err error
				page, err = paginator.NextPage(ctx)
				return err
			})
			if err != nil {
				yield(zero, err)
				return
			}
			c.recordCapacity(op, page.ConsumedCapacity)

			for _, raw := range page.Items {
				if skipped < offset {
					skipped++
					continue
				}
				doc, err := c.unmarshal(raw)
				if !yield(doc, err) || err != nil {
					return
				}
				emitted++
				if count > 0 && emitted >= count {
					return
				}
			}
		}
	}
}

func failed[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// keyOf extracts the primary key of a stored item.
func (c *Client[T]) keyOf(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		c.typeCfg.PartitionKeyField: item[c.typeCfg.PartitionKeyField],
		document.AttrID:             item[document.AttrID],
	}
}
