package store

import (
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/audit"
	"github.com/jacentio/strata/countcache"
	"github.com/jacentio/strata/document"
	"github.com/jacentio/strata/metrics"
	"github.com/jacentio/strata/validate"
)

// Binding registers a document type and its collaborators with a Client.
type Binding[T document.Document] struct {
	// TypeName selects the TypeConfig and names the type in cache keys
	// and logs. Required.
	TypeName string

	// PartitionKey extracts the partition key of a document. Required.
	PartitionKey func(doc T) string

	// Identity supplies the principal stamped on writes. Ignored when
	// Auditor is set. Nil stamps audit.SystemPrincipal.
	Identity audit.IdentityProvider

	// Auditor overrides the audit manager built from Identity.
	Auditor *audit.Manager

	// Validator checks input before any remote call. Default: validate.Default.
	Validator validate.Validator

	// CacheStore backs the count cache. Default: an in-process MemoryStore.
	CacheStore countcache.Store

	Logger  zerolog.Logger
	Metrics *metrics.Recorder
}
