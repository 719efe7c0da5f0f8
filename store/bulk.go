package store

import (
	"context"
	"fmt"

	"github.com/jacentio/strata/bulk"
	"github.com/jacentio/strata/document"
	"github.com/jacentio/strata/validate"
)

// BulkCreate inserts items, which must all belong to partitionKey, as
// transactional batches. Items whose ID exists fail without affecting
// other batches. Whenever any item fails the error is a *bulk.Error[T]
// carrying the same result as the first return value.
func (c *Client[T]) BulkCreate(ctx context.Context, items []T, partitionKey string, opts bulk.Options) (*bulk.Result[T], error) {
	return c.bulk(ctx, items, partitionKey, bulk.Create, opts)
}

// BulkUpsert creates or overwrites items as transactional batches.
// Failures are reported as for BulkCreate.
func (c *Client[T]) BulkUpsert(ctx context.Context, items []T, partitionKey string, opts bulk.Options) (*bulk.Result[T], error) {
	return c.bulk(ctx, items, partitionKey, bulk.Upsert, opts)
}

func (c *Client[T]) bulk(ctx context.Context, items []T, pk string, op bulk.Operation, opts bulk.Options) (*bulk.Result[T], error) {
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = c.cfg.Bulk.BatchSize
	}
	concurrency := opts.MaxConcurrency
	if concurrency == 0 {
		concurrency = c.cfg.Bulk.MaxConcurrency
	}

	partitions := make([]string, len(items))
	for i, item := range items {
		if document.IsNil(item) {
			return nil, fmt.Errorf("items[%d]: %w", i, &validate.Error{Field: "document", Reason: "must not be nil"})
		}
		partitions[i] = c.binding.PartitionKey(item)
	}
	if err := c.validator.ValidateBulkItems(partitions, pk, batchSize, concurrency); err != nil {
		return nil, err
	}
	for i, item := range items {
		if err := c.validator.ValidateDocument(item, pk); err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
	}

	return c.engine.Execute(ctx, items, pk, op, bulk.Options{BatchSize: batchSize, MaxConcurrency: concurrency})
}
