package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GetCount returns the number of active documents in a partition, served
// from the count cache when the cached value is at most maxAge old.
// maxAge 0 always counts fresh.
func (c *Client[T]) GetCount(ctx context.Context, partitionKey string, maxAge time.Duration) (int, error) {
	if err := c.validator.ValidatePartitionKey(partitionKey); err != nil {
		return 0, err
	}
	return c.active.GetWithCache(ctx, partitionKey, maxAge)
}

// GetTotalCount is GetCount including soft-deleted documents.
func (c *Client[T]) GetTotalCount(ctx context.Context, partitionKey string, maxAge time.Duration) (int, error) {
	if err := c.validator.ValidatePartitionKey(partitionKey); err != nil {
		return 0, err
	}
	return c.total.GetWithCache(ctx, partitionKey, maxAge)
}

// InvalidateCount drops both cached counts of a partition. It is called
// after every write that can change a count and is safe to call at any time.
func (c *Client[T]) InvalidateCount(ctx context.Context, partitionKey string) error {
	return errors.Join(
		c.active.Invalidate(ctx, partitionKey),
		c.total.Invalidate(ctx, partitionKey),
	)
}

// count performs a fresh count over every page of the partition.
func (c *Client[T]) count(ctx context.Context, pk string, includeDeleted bool) (int, error) {
	input := c.buildQuery(Query{PartitionKey: pk, IncludeDeleted: includeDeleted})
	input.Select = types.SelectCount

	op := "count"
	if includeDeleted {
		op = "count_total"
	}

	total := 0
	paginator := dynamodb.NewQueryPaginator(c.reader, input)
	for paginator.HasMorePages() {
		var page *dynamodb.QueryOutput
		err := c.call(ctx, op, func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return 0, err
		}
		total += int(page.Count)
		c.recordCapacity(op, page.ConsumedCapacity)
	}

	c.log.Debug().Str("partition", pk).Bool("include_deleted", includeDeleted).Int("count", total).Msg("counted partition")
	return total, nil
}
