package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/audit"
	"github.com/jacentio/strata/bulk"
	"github.com/jacentio/strata/countcache"
	"github.com/jacentio/strata/document"
	"github.com/jacentio/strata/internal/keys"
	"github.com/jacentio/strata/internal/retry"
	"github.com/jacentio/strata/metrics"
	"github.com/jacentio/strata/validate"
)

// DeleteMode selects how Delete removes a document.
type DeleteMode int

const (
	// DeleteSoft sets the Deleted flag. The document stays readable with
	// includeDeleted and can be restored.
	DeleteSoft DeleteMode = iota
	// DeleteHard physically removes the document.
	DeleteHard
)

func (m DeleteMode) String() string {
	switch m {
	case DeleteSoft:
		return "soft"
	case DeleteHard:
		return "hard"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Client provides DynamoDB operations for documents of type T.
type Client[T document.Document] struct {
	binding   Binding[T]
	typeCfg   TypeConfig
	cfg       Config
	table     string
	reader    DynamoAPI
	writer    DynamoAPI
	validator validate.Validator
	auditor   *audit.Manager
	active    *countcache.Cache
	total     *countcache.Cache
	engine    *bulk.Engine[T]
	retry     *retry.Policy
	log       zerolog.Logger
	metrics   *metrics.Recorder
}

// New creates a Client for the type named by b.TypeName. A type without a
// container mapping or an endpoint that is not registered is an
// ErrConfiguration.
func New[T document.Document](endpoints *Endpoints, cfg Config, b Binding[T]) (*Client[T], error) {
	cfg.validate()
	if b.TypeName == "" {
		return nil, fmt.Errorf("%w: binding has no type name", ErrConfiguration)
	}
	if b.PartitionKey == nil {
		return nil, fmt.Errorf("%w: type %q has no partition key extractor", ErrConfiguration, b.TypeName)
	}
	if endpoints == nil {
		return nil, fmt.Errorf("%w: no endpoints registered", ErrConfiguration)
	}
	tc, err := cfg.typeConfig(b.TypeName)
	if err != nil {
		return nil, err
	}
	reader, ok := endpoints.Get(tc.ReadEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: read endpoint %q of type %q is not registered", ErrConfiguration, tc.ReadEndpoint, b.TypeName)
	}
	writer, ok := endpoints.Get(tc.WriteEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: write endpoint %q of type %q is not registered", ErrConfiguration, tc.WriteEndpoint, b.TypeName)
	}

	log := b.Logger.With().Str("component", "store").Str("type", b.TypeName).Logger()
	c := &Client[T]{
		binding:   b,
		typeCfg:   tc,
		cfg:       cfg,
		table:     tc.TableName(),
		reader:    reader,
		writer:    writer,
		validator: b.Validator,
		auditor:   b.Auditor,
		retry:     cfg.Retry.policy(log, b.Metrics),
		log:       log,
		metrics:   b.Metrics,
	}
	if c.validator == nil {
		c.validator = validate.Default{}
	}
	if c.auditor == nil {
		c.auditor = audit.NewManager(b.Identity)
	}

	cacheStore := b.CacheStore
	if cacheStore == nil {
		cacheStore = countcache.NewMemoryStore()
	}
	container := keys.Container(tc.WriteEndpoint, c.table)
	c.active = countcache.New(cacheStore, func(ctx context.Context, pk string) (int, error) {
		return c.count(ctx, pk, false)
	}, countcache.Config{
		Container:   container,
		TypeName:    b.TypeName,
		Kind:        keys.KindActive,
		FallbackTTL: cfg.CountCacheFallbackTTL,
		Logger:      log,
		Metrics:     b.Metrics,
	})
	c.total = countcache.New(cacheStore, func(ctx context.Context, pk string) (int, error) {
		return c.count(ctx, pk, true)
	}, countcache.Config{
		Container:   container,
		TypeName:    b.TypeName,
		Kind:        keys.KindTotal,
		FallbackTTL: cfg.CountCacheFallbackTTL,
		Logger:      log,
		Metrics:     b.Metrics,
	})

	c.engine = bulk.NewEngine[T](writer, c.auditor, c, bulk.Config{
		Table:             c.table,
		PartitionKeyField: tc.PartitionKeyField,
		BatchSize:         cfg.Bulk.BatchSize,
		MaxConcurrency:    cfg.Bulk.MaxConcurrency,
		BatchesPerSecond:  cfg.Bulk.BatchesPerSecond,
		Retry:             c.retry,
		Logger:            log,
		Metrics:           b.Metrics,
	})

	log.Debug().
		Str("table", c.table).
		Str("read_endpoint", tc.ReadEndpoint).
		Str("write_endpoint", tc.WriteEndpoint).
		Msg("client ready")
	return c, nil
}

// TableName returns the DynamoDB table the client reads and writes.
func (c *Client[T]) TableName() string { return c.table }

// PartitionKeyField returns the attribute holding the partition key.
func (c *Client[T]) PartitionKeyField() string { return c.typeCfg.PartitionKeyField }

// GetItem reads one document. A missing document, or a soft-deleted one
// when includeDeleted is false, is reported as found == false with a nil error.
func (c *Client[T]) GetItem(ctx context.Context, id, partitionKey string, includeDeleted bool) (T, bool, error) {
	var zero T
	if err := c.validator.ValidateIDAndPartitionKey(id, partitionKey); err != nil {
		return zero, false, err
	}
	raw, err := c.read(ctx, "get_item", c.reader, false, id, partitionKey)
	if err != nil || raw == nil {
		return zero, false, err
	}
	if !includeDeleted && IsDeleted(raw) {
		return zero, false, nil
	}
	doc, err := c.unmarshal(raw)
	if err != nil {
		return zero, false, err
	}
	return doc, true, nil
}

// Create inserts a new document, create-stamping it with Version 1.
// Returns ErrAlreadyExists if the ID is taken, including by a soft-deleted
// document. On failure the document's metadata is left unchanged.
func (c *Client[T]) Create(ctx context.Context, item T) error {
	pk, err := c.checkDocument(item)
	if err != nil {
		return err
	}

	meta := item.Meta()
	prev := *meta
	c.auditor.SetCreateAuditFields(ctx, item)
	meta.Version = 1

	av, err := c.marshal(item, pk)
	if err != nil {
		*meta = prev
		return err
	}
	_, err = c.put(ctx, "create", &dynamodb.PutItemInput{
		TableName:                aws.String(c.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": document.AttrID},
	})
	if err != nil {
		*meta = prev
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, prev.ID)
		}
		return err
	}

	c.invalidateAfterWrite(ctx, pk)
	return nil
}

// Replace overwrites an existing document with optimistic locking on its
// Version. Returns ErrNotFound if the document doesn't exist and
// ErrConcurrentModification if it was written since item was read.
func (c *Client[T]) Replace(ctx context.Context, item T) error {
	pk, err := c.checkDocument(item)
	if err != nil {
		return err
	}
	return c.replace(ctx, "replace", item, pk)
}

func (c *Client[T]) replace(ctx context.Context, op string, item T, pk string) error {
	meta := item.Meta()
	prev := *meta
	c.auditor.SetUpdateAuditFields(ctx, item)
	meta.Version = prev.Version + 1

	av, err := c.marshal(item, pk)
	if err != nil {
		*meta = prev
		return err
	}
	cond, names, values := versionCondition(prev.Version)
	out, err := c.put(ctx, op, &dynamodb.PutItemInput{
		TableName:                           aws.String(c.table),
		Item:                                av,
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		*meta = prev
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if condErr.Item == nil {
				return fmt.Errorf("%w: %s", ErrNotFound, prev.ID)
			}
			return fmt.Errorf("%w: %s at version %d", ErrConcurrentModification, prev.ID, prev.Version)
		}
		return err
	}

	// Replacing can flip the soft-delete flag, which moves the active count.
	if IsDeleted(out.Attributes) != meta.Deleted {
		c.invalidateAfterWrite(ctx, pk)
	}
	return nil
}

// versionCondition requires the document to exist at the expected version.
// Version 0 also accepts documents written without a version.
func versionCondition(expected int64) (string, map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{"#id": document.AttrID, "#version": document.AttrVersion}
	values := map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
	}
	if expected == 0 {
		return "attribute_exists(#id) AND (attribute_not_exists(#version) OR #version = :expected)", names, values
	}
	return "attribute_exists(#id) AND #version = :expected", names, values
}

// Upsert creates or overwrites a document. Whether it is new is decided
// from its CreatedOnUtc, unless Config.ProbeUpsertExistence is set, in which
// case a never-stamped document first inherits the stored creation fields.
// The count cache is invalidated only when the write created the document
// or changed its soft-delete flag.
func (c *Client[T]) Upsert(ctx context.Context, item T) error {
	pk, err := c.checkDocument(item)
	if err != nil {
		return err
	}

	meta := item.Meta()
	prev := *meta
	if c.cfg.ProbeUpsertExistence && meta.IsNew() {
		if err := c.inheritStored(ctx, meta, pk); err != nil {
			*meta = prev
			return err
		}
	}
	c.auditor.SetUpsertAuditFields(ctx, item)
	meta.Version++

	av, err := c.marshal(item, pk)
	if err != nil {
		*meta = prev
		return err
	}
	out, err := c.put(ctx, "upsert", &dynamodb.PutItemInput{
		TableName:    aws.String(c.table),
		Item:         av,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		*meta = prev
		return err
	}

	if out.Attributes == nil || IsDeleted(out.Attributes) != meta.Deleted {
		c.invalidateAfterWrite(ctx, pk)
	}
	return nil
}

// inheritStored copies creation fields and version from the stored copy of
// meta's document, if there is one.
func (c *Client[T]) inheritStored(ctx context.Context, meta *document.Metadata, pk string) error {
	raw, err := c.read(ctx, "upsert_probe", c.writer, true, meta.ID, pk)
	if err != nil || raw == nil {
		return err
	}
	stored, err := c.unmarshal(raw)
	if err != nil {
		return err
	}
	sm := stored.Meta()
	meta.CreatedOnUtc = sm.CreatedOnUtc
	meta.CreatedBy = sm.CreatedBy
	meta.Version = sm.Version
	if meta.UpdatedOnUtc.Before(sm.UpdatedOnUtc) {
		meta.UpdatedOnUtc = sm.UpdatedOnUtc
	}
	c.log.Debug().Str("id", meta.ID).Msg("upsert inherited stored creation fields")
	return nil
}

// Delete removes a document. DeleteSoft marks it deleted and is a no-op for
// an already soft-deleted document; DeleteHard removes it physically.
// Both return ErrNotFound for a missing document.
func (c *Client[T]) Delete(ctx context.Context, id, partitionKey string, mode DeleteMode) error {
	if err := c.validator.ValidateIDAndPartitionKey(id, partitionKey); err != nil {
		return err
	}
	switch mode {
	case DeleteSoft:
		return c.setDeleted(ctx, "soft_delete", id, partitionKey, true)
	case DeleteHard:
		return c.hardDelete(ctx, id, partitionKey)
	default:
		return &validate.Error{Field: "mode", Reason: fmt.Sprintf("unknown delete mode %s", mode)}
	}
}

// Restore clears the soft-delete flag of a document. Restoring an active
// document is a no-op.
func (c *Client[T]) Restore(ctx context.Context, id, partitionKey string) error {
	if err := c.validator.ValidateIDAndPartitionKey(id, partitionKey); err != nil {
		return err
	}
	return c.setDeleted(ctx, "restore", id, partitionKey, false)
}

func (c *Client[T]) setDeleted(ctx context.Context, op, id, pk string, deleted bool) error {
	raw, err := c.read(ctx, op, c.writer, true, id, pk)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if IsDeleted(raw) == deleted {
		return nil
	}
	doc, err := c.unmarshal(raw)
	if err != nil {
		return err
	}
	doc.Meta().Deleted = deleted
	return c.replace(ctx, op, doc, pk)
}

func (c *Client[T]) hardDelete(ctx context.Context, id, pk string) error {
	var out *dynamodb.DeleteItemOutput
	err := c.call(ctx, "hard_delete", func(ctx context.Context) error {
		var err error
		out, err = c.writer.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                aws.String(c.table),
			Key:                      c.key(id, pk),
			ConditionExpression:      aws.String("attribute_exists(#id)"),
			ExpressionAttributeNames: map[string]string{"#id": document.AttrID},
			ReturnConsumedCapacity:   types.ReturnConsumedCapacityTotal,
		})
		return err
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	c.recordCapacity("hard_delete", out.ConsumedCapacity)
	c.invalidateAfterWrite(ctx, pk)
	return nil
}

// call runs one remote call under the retry policy and records its outcome.
func (c *Client[T]) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := c.retry.Do(ctx, op, fn)
	c.metrics.RecordOperation(op, err, time.Since(start))
	if err != nil {
		c.log.Debug().Err(err).Str("operation", op).Msg("remote call failed")
	}
	return err
}

func (c *Client[T]) read(ctx context.Context, op string, api DynamoAPI, consistent bool, id, pk string) (map[string]types.AttributeValue, error) {
	var out *dynamodb.GetItemOutput
	err := c.call(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:              aws.String(c.table),
			Key:                    c.key(id, pk),
			ConsistentRead:         aws.Bool(consistent),
			ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.recordCapacity(op, out.ConsumedCapacity)
	return out.Item, nil
}

func (c *Client[T]) put(ctx context.Context, op string, in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
	in.ReturnConsumedCapacity = types.ReturnConsumedCapacityTotal
	var out *dynamodb.PutItemOutput
	err := c.call(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = c.writer.PutItem(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.recordCapacity(op, out.ConsumedCapacity)
	return out, nil
}

func (c *Client[T]) recordCapacity(op string, cc *types.ConsumedCapacity) {
	if cc != nil {
		c.metrics.RecordCapacity(op, aws.ToFloat64(cc.CapacityUnits))
	}
}

// key builds the primary key of a document.
// checkDocument validates item and returns its partition key. A nil item is
// rejected before the partition extractor can dereference it.
func (c *Client[T]) checkDocument(item T) (string, error) {
	if document.IsNil(item) {
		return "", &validate.Error{Field: "document", Reason: "must not be nil"}
	}
	pk := c.binding.PartitionKey(item)
	if err := c.validator.ValidateDocument(item, pk); err != nil {
		return "", err
	}
	return pk, nil
}

func (c *Client[T]) key(id, pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		c.typeCfg.PartitionKeyField: &types.AttributeValueMemberS{Value: pk},
		document.AttrID:             &types.AttributeValueMemberS{Value: id},
	}
}

// marshal converts a document to an item, setting the partition key
// attribute from the extracted key.
func (c *Client[T]) marshal(item T, pk string) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal %s %s: %w", c.binding.TypeName, item.Meta().ID, err)
	}
	av[c.typeCfg.PartitionKeyField] = &types.AttributeValueMemberS{Value: pk}
	return av, nil
}

func (c *Client[T]) unmarshal(raw map[string]types.AttributeValue) (T, error) {
	var doc T
	if err := attributevalue.UnmarshalMap(raw, &doc); err != nil {
		return doc, fmt.Errorf("unmarshal %s: %w", c.binding.TypeName, err)
	}
	return doc, nil
}

// invalidateAfterWrite drops cached counts once a write is durable.
// Failures are logged, not returned.
func (c *Client[T]) invalidateAfterWrite(ctx context.Context, pk string) {
	if err := c.InvalidateCount(context.WithoutCancel(ctx), pk); err != nil {
		c.log.Warn().Err(err).Str("partition", pk).Msg("count invalidation failed")
	}
}
