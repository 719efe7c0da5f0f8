// Package store provides a typed DynamoDB document store with soft delete,
// optimistic locking, audit stamping and cached partition counts.
//
// Each document type is mapped by name to a container: a table named
// "<database>-<container>" whose hash key is the type's partition key field
// and whose range key is "id". Reads and writes can go to different
// registered endpoints, e.g. a replica for reads.
//
// # Documents
//
// Documents embed [document.Metadata] and are used as pointers:
//
//	type Product struct {
//	    document.Metadata
//	    Category string `dynamodbav:"category"`
//	    Name     string `dynamodbav:"name"`
//	}
//
//	products, err := store.New(endpoints, cfg, store.Binding[*Product]{
//	    TypeName:     "product",
//	    PartitionKey: func(p *Product) string { return p.Category },
//	})
//
// # Soft delete
//
// [Client.Delete] with [DeleteSoft] sets the deleted flag. Every read path
// excludes soft-deleted documents unless asked to include them, and every
// query is built with the active filter. [Client.Restore] clears the flag.
//
// # Counts
//
// [Client.GetCount] and [Client.GetTotalCount] serve partition counts from a
// [countcache.Store] when the cached value is recent enough. Every write
// that can change a count invalidates the partition's entries once it is
// durable.
//
// # Bulk writes
//
// [Client.BulkCreate] and [Client.BulkUpsert] split items into transactional
// batches run with bounded concurrency. A failed batch does not affect the
// others. Failures are reported per item with an HTTP-like status code.
//
// # Configuration
//
// Use [DefaultConfig] and add one [TypeConfig] per document type:
//
//	cfg := store.DefaultConfig()
//	cfg.Types["product"] = store.TypeConfig{
//	    Database:          "catalog",
//	    Container:         "products",
//	    PartitionKeyField: "category",
//	}
//
// # Errors
//
// The package defines these errors, to be matched with errors.Is:
//   - [ErrNotFound]: document does not exist
//   - [ErrAlreadyExists]: create with an ID that is taken
//   - [ErrConcurrentModification]: version mismatch on replace
//   - [ErrConfiguration]: missing type mapping or endpoint
//
// Invalid arguments fail with [validate.ErrValidation] before any remote
// call. Bulk calls with failed items return a [*bulk.Error].
package store
