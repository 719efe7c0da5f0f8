// Package keys derives physical table names and count cache keys.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Count kinds.
const (
	KindActive = "active"
	KindTotal  = "total"
)

// TableName computes the DynamoDB table backing a (database, container) pair.
// An empty database yields the bare container name.
func TableName(database, container string) string {
	if database == "" {
		return container
	}
	return database + "-" + container
}

// Container computes the fully-qualified identity of a container: the
// endpoint it is reached through plus its table. Two document types that
// share a name but live in different containers never share a key.
func Container(endpoint, table string) string {
	return endpoint + "/" + table
}

// CountKey computes the count cache key for a partition of a document type.
// The partition value is hashed so arbitrary user input yields a bounded,
// delimiter-free key.
func CountKey(container, typeName, kind, partition string) string {
	return fmt.Sprintf("strata:count:%s#%s#%s#%s", container, typeName, kind, PartitionDigest(partition))
}

// PartitionDigest computes a 128-bit hex digest of a partition key value.
func PartitionDigest(partition string) string {
	h := sha256.Sum256([]byte(partition))
	return hex.EncodeToString(h[:16])
}
