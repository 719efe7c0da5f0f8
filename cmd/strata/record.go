package main

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/strata/document"
)

// Record is a schema-flexible document: managed metadata plus arbitrary
// attributes.
type Record struct {
	document.Metadata
	Attrs map[string]any
}

var (
	_ attributevalue.Marshaler   = (*Record)(nil)
	_ attributevalue.Unmarshaler = (*Record)(nil)
)

// MarshalDynamoDBAttributeValue implements attributevalue.Marshaler.
// Attributes named like a managed field are dropped.
func (r *Record) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(r.Metadata)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Attrs {
		if document.IsManaged(k) {
			continue
		}
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		item[k] = av
	}
	return &types.AttributeValueMemberM{Value: item}, nil
}

// UnmarshalDynamoDBAttributeValue implements attributevalue.Unmarshaler.
func (r *Record) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return fmt.Errorf("record: expected a map attribute, got %T", av)
	}
	if err := attributevalue.UnmarshalMap(m.Value, &r.Metadata); err != nil {
		return err
	}
	r.Attrs = make(map[string]any, len(m.Value))
	for k, v := range m.Value {
		if document.IsManaged(k) {
			continue
		}
		var x any
		if err := attributevalue.Unmarshal(v, &x); err != nil {
			return fmt.Errorf("attribute %s: %w", k, err)
		}
		r.Attrs[k] = x
	}
	return nil
}

// MarshalJSON flattens metadata and attributes into one object.
func (r *Record) MarshalJSON() ([]byte, error) {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(r.Attrs)+7)
	if err := json.Unmarshal(meta, &out); err != nil {
		return nil, err
	}
	for k, v := range r.Attrs {
		if !document.IsManaged(k) {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// parseRecord reads one JSON object. Only "id" is taken from the managed
// fields; the partition attribute is set to partition when absent and must
// match it otherwise.
func parseRecord(line []byte, partitionField, partition string) (*Record, error) {
	var attrs map[string]any
	if err := json.Unmarshal(line, &attrs); err != nil {
		return nil, err
	}
	id, _ := attrs[document.AttrID].(string)
	r := &Record{Metadata: document.Metadata{ID: id}, Attrs: maps.Clone(attrs)}
	for k := range r.Attrs {
		if document.IsManaged(k) {
			delete(r.Attrs, k)
		}
	}

	switch v, ok := r.Attrs[partitionField]; {
	case !ok:
		r.Attrs[partitionField] = partition
	case v != partition:
		return nil, fmt.Errorf("record %q: %s is %v, want %q", id, partitionField, v, partition)
	}
	return r, nil
}

// partitionOf returns the extractor for records partitioned by field.
func partitionOf(field string) func(*Record) string {
	return func(r *Record) string {
		s, _ := r.Attrs[field].(string)
		return s
	}
}
