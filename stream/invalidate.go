// Package stream provides DynamoDB Streams handlers that keep cached
// partition counts in step with writes made by other processes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/document"
)

// Target is a store client whose counts are invalidated from the stream.
// *store.Client satisfies it.
type Target interface {
	TableName() string
	PartitionKeyField() string
	InvalidateCount(ctx context.Context, partitionKey string) error
}

// Handler processes DynamoDB stream events for count invalidation.
type Handler struct {
	targets map[string][]Target
	logger  zerolog.Logger
}

// NewHandler creates a stream handler for the given targets. Several targets
// may share a table.
func NewHandler(logger zerolog.Logger, targets ...Target) *Handler {
	h := &Handler{
		targets: make(map[string][]Target),
		logger:  logger.With().Str("component", "stream").Logger(),
	}
	for _, t := range targets {
		h.targets[t.TableName()] = append(h.targets[t.TableName()], t)
	}
	return h
}

type partition struct {
	table string
	key   string
}

// HandleInvalidations invalidates the cached counts of every partition that
// a record in event created, removed, soft-deleted or restored a document
// in. Each partition is invalidated once per event. Records of tables
// without a target are ignored.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleInvalidations(ctx context.Context, event events.DynamoDBEvent) error {
	var order []partition
	seen := make(map[partition]bool)
	for _, record := range event.Records {
		for _, p := range h.affected(record) {
			if !seen[p] {
				seen[p] = true
				order = append(order, p)
			}
		}
	}

	var errs []error
	for _, p := range order {
		for _, t := range h.targets[p.table] {
			if err := t.InvalidateCount(ctx, p.key); err != nil {
				h.logger.Error().Err(err).
					Str("table", p.table).
					Str("partition", p.key).
					Msg("failed to invalidate count")
				errs = append(errs, fmt.Errorf("invalidate %s/%s: %w", p.table, p.key, err))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...) // Will retry, eventually DLQ
	}

	h.logger.Debug().
		Int("records", len(event.Records)).
		Int("partitions", len(order)).
		Msg("invalidated counts")
	return nil
}

// affected returns the partitions whose counts a record may have changed.
func (h *Handler) affected(record events.DynamoDBEventRecord) []partition {
	table := tableFromARN(record.EventSourceArn)
	targets := h.targets[table]
	if len(targets) == 0 {
		return nil
	}
	if !changesCount(record) {
		return nil
	}

	var out []partition
	for _, t := range targets {
		key := getStringAttr(record.Change.Keys, t.PartitionKeyField())
		if key == "" {
			h.logger.Warn().
				Str("eventID", record.EventID).
				Str("table", table).
				Msg("stream record has no partition key")
			continue
		}
		out = append(out, partition{table: table, key: key})
	}
	return out
}

// changesCount reports whether a record can move a partition count.
// MODIFY records without both images are assumed to.
func changesCount(record events.DynamoDBEventRecord) bool {
	switch events.DynamoDBOperationType(record.EventName) {
	case events.DynamoDBOperationTypeInsert, events.DynamoDBOperationTypeRemove:
		return true
	case events.DynamoDBOperationTypeModify:
		oldImage, newImage := record.Change.OldImage, record.Change.NewImage
		if oldImage == nil || newImage == nil {
			return true
		}
		return getBoolAttr(oldImage, document.AttrDeleted) != getBoolAttr(newImage, document.AttrDeleted)
	default:
		return false
	}
}

// tableFromARN extracts the table name from a stream ARN of the form
// arn:aws:dynamodb:region:account:table/NAME/stream/LABEL.
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getBoolAttr extracts a boolean attribute from a DynamoDB stream image.
func getBoolAttr(image map[string]events.DynamoDBAttributeValue, key string) bool {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeBoolean {
		return v.Boolean()
	}
	return false
}
