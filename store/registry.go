package store

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// DynamoAPI is the subset of *dynamodb.Client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ DynamoAPI = (*dynamodb.Client)(nil)

// Endpoints holds the named DynamoDB clients that TypeConfig refers to.
type Endpoints struct {
	mu      sync.RWMutex
	clients map[string]DynamoAPI
}

// NewEndpoints creates a new empty Endpoints.
func NewEndpoints() *Endpoints {
	return &Endpoints{clients: make(map[string]DynamoAPI)}
}

// Register adds or replaces the client reached under name.
// This should be called before building any Client that uses it.
func (e *Endpoints) Register(name string, client DynamoAPI) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[name] = client
}

// Get returns the client registered under name.
func (e *Endpoints) Get(name string) (DynamoAPI, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clients[name]
	return c, ok
}

// Names returns all registered endpoint names in sorted order.
func (e *Endpoints) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.clients))
	for name := range e.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
