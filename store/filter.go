package store

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/strata/document"
)

// IsDeleted checks if an item carries the soft-delete flag.
func IsDeleted(item map[string]types.AttributeValue) bool {
	v, ok := item[document.AttrDeleted].(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}

// ActiveFilterExpr returns the filter expression to exclude soft-deleted items.
// Use this when building custom queries that need soft-delete filtering.
func ActiveFilterExpr() string {
	return "(attribute_not_exists(#deleted) OR #deleted = :notDeleted)"
}

// ActiveFilterNames returns expression attribute names for the active filter.
func ActiveFilterNames() map[string]string {
	return map[string]string{"#deleted": document.AttrDeleted}
}

// ActiveFilterValues returns expression attribute values for the active filter.
func ActiveFilterValues() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":notDeleted": &types.AttributeValueMemberBOOL{Value: false},
	}
}

// mergeExprNames merges multiple expression attribute name maps. Later maps win.
func mergeExprNames(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// mergeExprValues merges multiple expression attribute value maps. Later maps win.
func mergeExprValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
