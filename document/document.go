// Package document defines the metadata every stored document carries.
package document

import (
	"reflect"
	"time"
)

// Attribute names of the managed fields. Expression builders reference
// these through placeholders, never inline.
const (
	AttrID           = "id"
	AttrCreatedOnUtc = "createdOnUtc"
	AttrUpdatedOnUtc = "updatedOnUtc"
	AttrCreatedBy    = "createdBy"
	AttrUpdatedBy    = "updatedBy"
	AttrDeleted      = "deleted"
	AttrVersion      = "version"
)

// Metadata holds the identity, audit, and soft-delete fields of a document.
// Embed it in a struct to make that struct a Document:
//
//	type Product struct {
//	    document.Metadata
//	    Category string `dynamodbav:"category"`
//	    Name     string `dynamodbav:"name"`
//	}
type Metadata struct {
	// ID is unique within its container.
	ID string `dynamodbav:"id" json:"id"`

	// CreatedOnUtc is set once on creation and never changed afterwards.
	CreatedOnUtc time.Time `dynamodbav:"createdOnUtc" json:"createdOnUtc"`

	// UpdatedOnUtc is monotonically non-decreasing across the document's lifetime.
	UpdatedOnUtc time.Time `dynamodbav:"updatedOnUtc" json:"updatedOnUtc"`

	CreatedBy string `dynamodbav:"createdBy" json:"createdBy"`
	UpdatedBy string `dynamodbav:"updatedBy" json:"updatedBy"`

	// Deleted marks the document as soft-deleted.
	Deleted bool `dynamodbav:"deleted" json:"deleted"`

	// Version is the optimistic lock version, managed by the store.
	Version int64 `dynamodbav:"version" json:"version"`
}

// Meta returns the metadata itself, so embedding Metadata satisfies Document.
func (m *Metadata) Meta() *Metadata { return m }

// IsNew reports whether the document has never been create-stamped.
func (m *Metadata) IsNew() bool { return m.CreatedOnUtc.IsZero() }

// Document is any value exposing mutable metadata.
type Document interface {
	Meta() *Metadata
}

// IsNil reports whether doc is nil or a typed nil, on which Meta would panic.
func IsNil(doc Document) bool {
	if doc == nil {
		return true
	}
	v := reflect.ValueOf(doc)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// IsManaged reports whether an attribute name belongs to the managed metadata.
func IsManaged(attr string) bool {
	switch attr {
	case AttrID, AttrCreatedOnUtc, AttrUpdatedOnUtc, AttrCreatedBy, AttrUpdatedBy, AttrDeleted, AttrVersion:
		return true
	}
	return false
}
