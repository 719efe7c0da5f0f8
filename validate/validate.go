// Package validate checks caller input before any remote call is made.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"unicode"

	"github.com/jacentio/strata/document"
)

// ErrValidation is wrapped by every validation failure.
var ErrValidation = errors.New("strata: validation failed")

// Limits imposed by the remote store.
const (
	MaxIDBytes           = 1024
	MaxPartitionKeyBytes = 2048
	MaxBatchSize         = 100
	MaxPageSize          = 1000
)

// Error describes one invalid input.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *Error) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validator checks input for the store client. Implementations must not
// have side effects.
type Validator interface {
	// ValidateDocument checks a document about to be written to partitionKey.
	ValidateDocument(doc document.Document, partitionKey string) error

	// ValidateIDAndPartitionKey checks a point-operation key.
	ValidateIDAndPartitionKey(id, partitionKey string) error

	// ValidatePartitionKey checks the key of a partition-wide operation.
	ValidatePartitionKey(partitionKey string) error

	// ValidateBulkItems checks the partition keys of a bulk call.
	// itemPartitions[i] is the partition key of item i.
	ValidateBulkItems(itemPartitions []string, partitionKey string, batchSize, maxConcurrency int) error

	// ValidatePagingParameters checks page size, offset, and count.
	ValidatePagingParameters(pageSize, offset, count int) error

	// ValidateFieldName checks a user-supplied attribute name for filters.
	ValidateFieldName(field string) error
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Default enforces the remote store's key limits.
type Default struct{}

var _ Validator = Default{}

// ValidateDocument implements Validator.
func (d Default) ValidateDocument(doc document.Document, partitionKey string) error {
	if document.IsNil(doc) || doc.Meta() == nil {
		return invalid("document", "must not be nil")
	}
	return d.ValidateIDAndPartitionKey(doc.Meta().ID, partitionKey)
}

// ValidateIDAndPartitionKey implements Validator.
func (Default) ValidateIDAndPartitionKey(id, partitionKey string) error {
	if err := checkKey("id", id, MaxIDBytes); err != nil {
		return err
	}
	return checkKey("partitionKey", partitionKey, MaxPartitionKeyBytes)
}

// ValidatePartitionKey implements Validator.
func (Default) ValidatePartitionKey(partitionKey string) error {
	return checkKey("partitionKey", partitionKey, MaxPartitionKeyBytes)
}

// ValidateBulkItems implements Validator.
func (Default) ValidateBulkItems(itemPartitions []string, partitionKey string, batchSize, maxConcurrency int) error {
	if err := checkKey("partitionKey", partitionKey, MaxPartitionKeyBytes); err != nil {
		return err
	}
	if batchSize < 1 || batchSize > MaxBatchSize {
		return invalid("batchSize", "must be between 1 and %d, got %d", MaxBatchSize, batchSize)
	}
	if maxConcurrency < 1 {
		return invalid("maxConcurrency", "must be at least 1, got %d", maxConcurrency)
	}
	for i, p := range itemPartitions {
		if p != partitionKey {
			return invalid(fmt.Sprintf("items[%d]", i), "partition key %q does not match %q", p, partitionKey)
		}
	}
	return nil
}

// ValidatePagingParameters implements Validator. A count of 0 means unbounded.
func (Default) ValidatePagingParameters(pageSize, offset, count int) error {
	if pageSize < 1 || pageSize > MaxPageSize {
		return invalid("pageSize", "must be between 1 and %d, got %d", MaxPageSize, pageSize)
	}
	if offset < 0 {
		return invalid("offset", "must not be negative, got %d", offset)
	}
	if count < 0 {
		return invalid("count", "must not be negative, got %d", count)
	}
	return nil
}

// ValidateFieldName implements Validator.
func (Default) ValidateFieldName(field string) error {
	if !fieldName.MatchString(field) {
		return invalid("field", "%q is not a valid attribute name", field)
	}
	if document.IsManaged(field) {
		return invalid("field", "%q is a managed attribute", field)
	}
	return nil
}

func checkKey(field, value string, maxBytes int) error {
	if value == "" {
		return invalid(field, "must not be empty")
	}
	if len(value) > maxBytes {
		return invalid(field, "exceeds %d bytes", maxBytes)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return invalid(field, "contains control characters")
		}
	}
	return nil
}
