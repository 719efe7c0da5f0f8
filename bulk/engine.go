// Package bulk writes many documents of one partition as bounded,
// concurrently submitted transactional batches.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jacentio/strata/audit"
	"github.com/jacentio/strata/document"
	"github.com/jacentio/strata/metrics"
)

// MaxBatchSize is the remote store's limit on items per transaction.
const MaxBatchSize = 100

// Defaults for Config.
const (
	DefaultBatchSize      = 100
	DefaultMaxConcurrency = 10
)

// Operation selects how items are written.
type Operation int

const (
	// Create fails items whose id already exists.
	Create Operation = iota
	// Upsert creates or overwrites items.
	Upsert
)

func (o Operation) String() string {
	switch o {
	case Create:
		return "create"
	case Upsert:
		return "upsert"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// TransactWriter submits transactional batches.
type TransactWriter interface {
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Invalidator is notified once per bulk call that wrote at least one item.
type Invalidator interface {
	InvalidateCount(ctx context.Context, partitionKey string) error
}

// Retrier runs one remote call with transient-error retries.
type Retrier interface {
	Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error
}

// Config holds configuration for an Engine.
type Config struct {
	// Table is the DynamoDB table items are written to.
	Table string

	// PartitionKeyField, if set, is overwritten on every item with the
	// partition key passed to Execute.
	PartitionKeyField string

	// BatchSize is the default number of items per transaction.
	// Default: 100. Max: MaxBatchSize.
	BatchSize int

	// MaxConcurrency is the default number of batches in flight.
	// Default: 10.
	MaxConcurrency int

	// BatchesPerSecond throttles batch submission. 0 = unlimited.
	BatchesPerSecond float64

	// Retry retries each batch submission. Nil submits once.
	Retry Retrier

	Logger  zerolog.Logger
	Metrics *metrics.Recorder
}

// Options override Config per call. Zero values keep the configured default.
type Options struct {
	BatchSize      int
	MaxConcurrency int
}

// Engine executes bulk writes for documents of type T.
type Engine[T document.Document] struct {
	writer      TransactWriter
	auditor     *audit.Manager
	invalidator Invalidator
	limiter     *rate.Limiter
	cfg         Config
}

// NewEngine creates an Engine. invalidator may be nil.
func NewEngine[T document.Document](writer TransactWriter, auditor *audit.Manager, invalidator Invalidator, cfg Config) *Engine[T] {
	cfg.BatchSize = clampBatchSize(cfg.BatchSize, DefaultBatchSize)
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	e := &Engine[T]{
		writer:      writer,
		auditor:     auditor,
		invalidator: invalidator,
		cfg:         cfg,
	}
	if cfg.BatchesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), 1)
	}
	return e
}

func clampBatchSize(size, fallback int) int {
	if size < 1 {
		size = fallback
	}
	if size > MaxBatchSize {
		size = MaxBatchSize
	}
	return size
}

// Execute writes items, which must all belong to partitionKey, in batches of
// at most BatchSize with at most MaxConcurrency batches in flight.
//
// The returned Result always accounts for every item. If any item failed,
// the error is a *Error carrying the same Result. Batches already submitted
// when ctx ends are not rolled back; batches not yet submitted are reported
// as failed with the context error.
func (e *Engine[T]) Execute(ctx context.Context, items []T, partitionKey string, op Operation, opts Options) (*Result[T], error) {
	result := &Result[T]{}
	if len(items) == 0 {
		return result, nil
	}

	batchSize := clampBatchSize(opts.BatchSize, e.cfg.BatchSize)
	concurrency := opts.MaxConcurrency
	if concurrency < 1 {
		concurrency = e.cfg.MaxConcurrency
	}

	batches := splitBatches(items, batchSize)
	opID := uuid.NewString()
	log := e.cfg.Logger.With().
		Str("bulk_id", opID).
		Str("operation", op.String()).
		Str("partition", partitionKey).
		Logger()

	log.Debug().
		Int("items", len(items)).
		Int("batches", len(batches)).
		Int("concurrency", concurrency).
		Msg("bulk execution started")
	start := time.Now()

	var mu sync.Mutex
	record := func(br batchResult[T]) {
		mu.Lock()
		result.merge(br)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			for _, rest := range batches[i:] {
				record(batchResult[T]{failed: failAll(rest, err)})
			}
			break
		}
		g.Go(func() error {
			record(e.runBatch(ctx, log, i, batch, partitionKey, op))
			return nil
		})
	}
	_ = g.Wait()

	e.cfg.Metrics.RecordBulkItems(op.String(), len(result.SuccessfulItems), len(result.FailedItems))
	e.cfg.Metrics.RecordCapacity("bulk_"+op.String(), result.TotalCostUnits)

	if len(result.SuccessfulItems) > 0 && e.invalidator != nil {
		// The cache must learn about durable writes even if the caller gave up.
		if err := e.invalidator.InvalidateCount(context.WithoutCancel(ctx), partitionKey); err != nil {
			log.Warn().Err(err).Msg("count invalidation after bulk write failed")
		}
	}

	event := log.Info()
	if len(result.FailedItems) > 0 {
		event = log.Error()
	}
	event.
		Int("succeeded", len(result.SuccessfulItems)).
		Int("failed", len(result.FailedItems)).
		Float64("cost_units", result.TotalCostUnits).
		Dur("elapsed", time.Since(start)).
		Msg("bulk execution finished")

	if len(result.FailedItems) > 0 {
		return result, &Error[T]{Operation: op, PartitionKey: partitionKey, Result: result}
	}
	return result, nil
}

// runBatch stamps, submits, and classifies one batch.
func (e *Engine[T]) runBatch(ctx context.Context, log zerolog.Logger, index int, batch []T, partitionKey string, op Operation) batchResult[T] {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return batchResult[T]{failed: failAll(batch, err)}
		}
	}
	if err := ctx.Err(); err != nil {
		return batchResult[T]{failed: failAll(batch, err)}
	}

	// Items that end up failed get this metadata back.
	prev := make([]document.Metadata, len(batch))
	for i, item := range batch {
		prev[i] = *item.Meta()
	}
	if e.auditor != nil {
		audit.SetBulkAuditFields(ctx, e.auditor, batch, op == Create)
	}

	var out batchResult[T]
	submitted := make([]T, 0, len(batch))
	submittedPrev := make([]document.Metadata, 0, len(batch))
	txItems := make([]types.TransactWriteItem, 0, len(batch))
	for i, item := range batch {
		put, err := e.buildPut(item, partitionKey, op)
		if err != nil {
			*item.Meta() = prev[i]
			out.failed = append(out.failed, ItemFailure[T]{
				Item:         item,
				StatusCode:   StatusBadRequest,
				Code:         "MarshalError",
				ErrorMessage: err.Error(),
				Cause:        err,
			})
			continue
		}
		submitted = append(submitted, item)
		submittedPrev = append(submittedPrev, prev[i])
		txItems = append(txItems, types.TransactWriteItem{Put: put})
	}
	if len(txItems) == 0 {
		return out
	}

	input := &dynamodb.TransactWriteItemsInput{
		TransactItems:          txItems,
		ClientRequestToken:     aws.String(uuid.NewString()),
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	}

	var output *dynamodb.TransactWriteItemsOutput
	submit := func(ctx context.Context) error {
		start := time.Now()
		var err error
		output, err = e.writer.TransactWriteItems(ctx, input)
		e.cfg.Metrics.RecordOperation("transact_write", err, time.Since(start))
		return err
	}

	var err error
	if e.cfg.Retry != nil {
		err = e.cfg.Retry.Do(ctx, "transact_write", submit)
	} else {
		err = submit(ctx)
	}

	if err != nil {
		for i, item := range submitted {
			*item.Meta() = submittedPrev[i]
		}
		log.Warn().Err(err).Int("batch", index).Int("items", len(submitted)).Msg("batch rejected")
		out.failed = append(out.failed, classifyFailure(submitted, err)...)
		return out
	}

	out.succeeded = append(out.succeeded, submitted...)
	for _, c := range output.ConsumedCapacity {
		out.costUnits += aws.ToFloat64(c.CapacityUnits)
	}
	log.Debug().Int("batch", index).Int("items", len(submitted)).Msg("batch committed")
	return out
}

// buildPut marshals item into a put for op, bumping its version.
func (e *Engine[T]) buildPut(item T, partitionKey string, op Operation) (*types.Put, error) {
	meta := item.Meta()
	if op == Create {
		meta.Version = 1
	} else {
		meta.Version++
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item %s: %w", meta.ID, err)
	}
	if e.cfg.PartitionKeyField != "" {
		av[e.cfg.PartitionKeyField] = &types.AttributeValueMemberS{Value: partitionKey}
	}

	put := &types.Put{
		TableName: aws.String(e.cfg.Table),
		Item:      av,
	}
	if op == Create {
		put.ConditionExpression = aws.String("attribute_not_exists(#id)")
		put.ExpressionAttributeNames = map[string]string{"#id": document.AttrID}
	}
	return put, nil
}

// classifyFailure maps a failed submission onto its items. A canceled
// transaction reports one reason per item, in request order: items with a
// reason of their own carry it, and the rest failed only because the
// transaction as a whole was canceled.
func classifyFailure[T any](items []T, err error) []ItemFailure[T] {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) || len(txErr.CancellationReasons) != len(items) {
		return failAll(items, err)
	}

	failed := make([]ItemFailure[T], len(items))
	for i, item := range items {
		reason := txErr.CancellationReasons[i]
		code := aws.ToString(reason.Code)
		if code == "" || code == "None" {
			failed[i] = ItemFailure[T]{
				Item:         item,
				StatusCode:   StatusFailedDependency,
				Code:         "FailedDependency",
				ErrorMessage: "transaction canceled by another item in the batch",
				Cause:        err,
			}
			continue
		}
		failed[i] = ItemFailure[T]{
			Item:         item,
			StatusCode:   statusForReason(code),
			Code:         code,
			ErrorMessage: aws.ToString(reason.Message),
			Cause:        err,
		}
	}
	return failed
}

func statusForReason(code string) int {
	switch code {
	case "ConditionalCheckFailed", "TransactionConflict", "DuplicateItem":
		return StatusConflict
	case "ItemCollectionSizeLimitExceeded":
		return StatusTooLarge
	case "ThrottlingError", "ProvisionedThroughputExceeded", "RequestLimitExceeded":
		return StatusTooManyRequests
	case "ValidationError":
		return StatusBadRequest
	default:
		return StatusInternal
	}
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func statusForError(err error) int {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ProvisionedThroughputExceededException", "RequestLimitExceeded":
		return StatusTooManyRequests
	case "ValidationException", "SerializationException":
		return StatusBadRequest
	case "ConditionalCheckFailedException", "TransactionConflictException", "IdempotentParameterMismatchException":
		return StatusConflict
	default:
		if apiErr.ErrorFault() == smithy.FaultServer {
			return StatusInternal
		}
		return 0
	}
}

// splitBatches splits items into contiguous batches of at most size,
// preserving input order within each batch.
func splitBatches[T any](items []T, size int) [][]T {
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end:end])
	}
	return batches
}
