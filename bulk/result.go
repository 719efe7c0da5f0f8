package bulk

import (
	"errors"
	"fmt"
)

// ErrPartialFailure is matched by every *Error.
var ErrPartialFailure = errors.New("strata: bulk operation had failed items")

// Status codes attached to failed items, following HTTP semantics.
const (
	StatusBadRequest       = 400
	StatusConflict         = 409
	StatusTooLarge         = 413
	StatusFailedDependency = 424
	StatusTooManyRequests  = 429
	StatusInternal         = 500
)

// ItemFailure describes one item that was not written.
type ItemFailure[T any] struct {
	Item T

	// StatusCode is 0 when the store gave no per-item status.
	StatusCode int

	// Code is the store's reason code, e.g. "ConditionalCheckFailed".
	Code string

	ErrorMessage string

	// Cause is the error raised by the batch submission, if any.
	Cause error
}

// Result aggregates the outcome of a bulk call.
type Result[T any] struct {
	SuccessfulItems []T
	FailedItems     []ItemFailure[T]
	TotalCostUnits  float64
}

// Total returns the number of items accounted for.
func (r *Result[T]) Total() int {
	return len(r.SuccessfulItems) + len(r.FailedItems)
}

func (r *Result[T]) merge(o batchResult[T]) {
	r.SuccessfulItems = append(r.SuccessfulItems, o.succeeded...)
	r.FailedItems = append(r.FailedItems, o.failed...)
	r.TotalCostUnits += o.costUnits
}

// Error is returned whenever a bulk call has at least one failed item. The
// embedded Result also lists the items that were written.
type Error[T any] struct {
	Operation    Operation
	PartitionKey string
	Result       *Result[T]
}

func (e *Error[T]) Error() string {
	return fmt.Sprintf("strata: bulk %s into partition %q: %d of %d items failed",
		e.Operation, e.PartitionKey, len(e.Result.FailedItems), e.Result.Total())
}

// Unwrap lets errors.Is match ErrPartialFailure.
func (e *Error[T]) Unwrap() error { return ErrPartialFailure }

// batchResult is the outcome of one batch before aggregation.
type batchResult[T any] struct {
	succeeded []T
	failed    []ItemFailure[T]
	costUnits float64
}

func failAll[T any](items []T, cause error) []ItemFailure[T] {
	failed := make([]ItemFailure[T], len(items))
	for i, item := range items {
		failed[i] = ItemFailure[T]{
			Item:         item,
			Code:         errorCode(cause),
			StatusCode:   statusForError(cause),
			ErrorMessage: cause.Error(),
			Cause:        cause,
		}
	}
	return failed
}
