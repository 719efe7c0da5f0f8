package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/strata/document"
	"github.com/jacentio/strata/validate"
)

// encodeToken turns the primary key of the last returned item into an
// opaque, URL-safe continuation token.
func encodeToken(key map[string]types.AttributeValue) (string, error) {
	var plain map[string]any
	if err := attributevalue.UnmarshalMap(key, &plain); err != nil {
		return "", fmt.Errorf("encode continuation token: %w", err)
	}
	b, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("encode continuation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// decodeToken parses a continuation token issued for partitionKey. An empty
// token decodes to a nil key.
func (c *Client[T]) decodeToken(token, partitionKey string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, invalidToken("not base64url")
	}
	var plain map[string]any
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, invalidToken("malformed")
	}
	if pk, _ := plain[c.typeCfg.PartitionKeyField].(string); pk != partitionKey {
		return nil, invalidToken("issued for another partition")
	}
	if id, _ := plain[document.AttrID].(string); id == "" {
		return nil, invalidToken("missing id")
	}
	if len(plain) != 2 {
		return nil, invalidToken("unexpected attributes")
	}
	key, err := attributevalue.MarshalMap(plain)
	if err != nil {
		return nil, invalidToken("malformed")
	}
	return key, nil
}

func invalidToken(reason string) error {
	return &validate.Error{Field: "continuationToken", Reason: reason}
}
