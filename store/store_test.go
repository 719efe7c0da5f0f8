package store_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/strata/audit"
	"github.com/jacentio/strata/bulk"
	"github.com/jacentio/strata/countcache"
	"github.com/jacentio/strata/document"
	"github.com/jacentio/strata/internal/dynamotest"
	"github.com/jacentio/strata/metrics"
	"github.com/jacentio/strata/store"
	"github.com/jacentio/strata/validate"
)

// --- Test Document Types ---

// Product is partitioned by category.
type Product struct {
	document.Metadata
	Category string   `dynamodbav:"category"`
	Name     string   `dynamodbav:"name"`
	Price    float64  `dynamodbav:"price"`
	Tags     []string `dynamodbav:"tags,omitempty"`
}

const table = "catalog-products"

// clock is a settable time source shared by the audit manager.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	client *store.Client[*Product]
	fake   *dynamotest.Fake
	clock  *clock
}

type option func(*store.Config, *store.Binding[*Product])

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	fake := dynamotest.New()
	fake.CreateTable(table, "category", "id")
	eps := store.NewEndpoints()
	eps.Register(store.DefaultEndpoint, fake)

	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg := store.DefaultConfig()
	cfg.Types["product"] = store.TypeConfig{Database: "catalog", Container: "products", PartitionKeyField: "category"}
	cfg.Retry = store.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	b := store.Binding[*Product]{
		TypeName:     "product",
		PartitionKey: func(p *Product) string { return p.Category },
		Auditor:      audit.NewManager(audit.Static("tester"), audit.WithClock(clk.Now)),
	}
	for _, opt := range opts {
		opt(&cfg, &b)
	}

	c, err := store.New(eps, cfg, b)
	require.NoError(t, err)
	return &harness{client: c, fake: fake, clock: clk}
}

func product(category, id string) *Product {
	return &Product{
		Metadata: document.Metadata{ID: id},
		Category: category,
		Name:     "Product " + id,
		Price:    9.99,
	}
}

func seed(t *testing.T, h *harness, category string, n int) []*Product {
	t.Helper()
	items := make([]*Product, n)
	for i := range items {
		items[i] = product(category, fmt.Sprintf("%s-%02d", category, i))
		require.NoError(t, h.client.Create(context.Background(), items[i]))
	}
	return items
}

func collect[T any](t *testing.T, seq func(func(T, error) bool)) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func ids(items []*Product) []string {
	out := make([]string, len(items))
	for i, p := range items {
		out[i] = p.ID
	}
	return out
}

// --- Construction ---

func TestNew_ConfigurationErrors(t *testing.T) {
	eps := store.NewEndpoints()
	eps.Register(store.DefaultEndpoint, dynamotest.New())
	cfg := store.DefaultConfig()
	cfg.Types["product"] = store.TypeConfig{Container: "products", PartitionKeyField: "category"}
	cfg.Types["replicated"] = store.TypeConfig{Container: "products", PartitionKeyField: "category", ReadEndpoint: "replica"}
	pk := func(p *Product) string { return p.Category }

	tests := []struct {
		name      string
		endpoints *store.Endpoints
		binding   store.Binding[*Product]
	}{
		{"unmapped type", eps, store.Binding[*Product]{TypeName: "order", PartitionKey: pk}},
		{"unregistered endpoint", eps, store.Binding[*Product]{TypeName: "replicated", PartitionKey: pk}},
		{"no extractor", eps, store.Binding[*Product]{TypeName: "product"}},
		{"no type name", eps, store.Binding[*Product]{PartitionKey: pk}},
		{"no endpoints", nil, store.Binding[*Product]{TypeName: "product", PartitionKey: pk}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.New(tt.endpoints, cfg, tt.binding)
			assert.ErrorIs(t, err, store.ErrConfiguration)
		})
	}
}

func TestNew_TableName(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, table, h.client.TableName())
	assert.Equal(t, "category", h.client.PartitionKeyField())
}

// --- Create ---

func TestCreate_StampsAuditFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := product("electronics", "tv-1")

	require.NoError(t, h.client.Create(ctx, p))

	assert.True(t, p.CreatedOnUtc.Equal(h.clock.Now()))
	assert.True(t, p.CreatedOnUtc.Equal(p.UpdatedOnUtc))
	assert.Equal(t, "tester", p.CreatedBy)
	assert.Equal(t, "tester", p.UpdatedBy)
	assert.False(t, p.Deleted)
	assert.Equal(t, int64(1), p.Version)

	got, found, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Product tv-1", got.Name)
	assert.Equal(t, "electronics", got.Category)
	assert.True(t, got.CreatedOnUtc.Equal(p.CreatedOnUtc))
	assert.Equal(t, int64(1), got.Version)
}

func TestCreate_Conflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Create(ctx, product("electronics", "tv-1")))

	dup := product("electronics", "tv-1")
	err := h.client.Create(ctx, dup)

	assert.ErrorIs(t, err, store.ErrAlreadyExists)
	assert.True(t, dup.CreatedOnUtc.IsZero(), "failed create leaves metadata untouched")
	assert.Equal(t, int64(0), dup.Version)
	assert.Equal(t, 2, h.fake.Calls(dynamotest.OpPutItem), "conflicts are not retried")
}

func TestCreate_ValidationHasNoSideEffects(t *testing.T) {
	h := newHarness(t)

	err := h.client.Create(context.Background(), product("electronics", ""))

	assert.ErrorIs(t, err, validate.ErrValidation)
	assert.Zero(t, h.fake.Calls(dynamotest.OpPutItem))
}

func TestWrites_RejectNilDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var missing *Product

	assert.ErrorIs(t, h.client.Create(ctx, missing), validate.ErrValidation)
	assert.ErrorIs(t, h.client.Replace(ctx, missing), validate.ErrValidation)
	assert.ErrorIs(t, h.client.Upsert(ctx, missing), validate.ErrValidation)

	_, err := h.client.BulkUpsert(ctx, []*Product{product("toys", "a"), nil}, "toys", bulk.Options{})
	assert.ErrorIs(t, err, validate.ErrValidation)
	assert.ErrorContains(t, err, "items[1]")

	assert.Zero(t, h.fake.Calls(dynamotest.OpPutItem))
	assert.Zero(t, h.fake.Calls(dynamotest.OpTransactWriteItems))
}

// --- Replace ---

func TestReplace_PreservesCreatedAndAdvancesUpdated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := product("electronics", "tv-1")
	require.NoError(t, h.client.Create(ctx, p))
	created := p.CreatedOnUtc

	// Same clock reading: UpdatedOnUtc must still move forward.
	p.Name = "Renamed"
	require.NoError(t, h.client.Replace(ctx, p))

	assert.True(t, p.CreatedOnUtc.Equal(created))
	assert.True(t, p.UpdatedOnUtc.After(created))
	assert.Equal(t, int64(2), p.Version)

	h.clock.Advance(time.Minute)
	previous := p.UpdatedOnUtc
	p.Name = "Renamed again"
	require.NoError(t, h.client.Replace(ctx, p))
	assert.True(t, p.UpdatedOnUtc.After(previous))

	got, _, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)
	assert.Equal(t, "Renamed again", got.Name)
	assert.True(t, got.CreatedOnUtc.Equal(created))
	assert.Equal(t, int64(3), got.Version)
}

func TestReplace_ConcurrentModification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Create(ctx, product("electronics", "tv-1")))

	first, _, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)
	second, _, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)

	first.Name = "first"
	require.NoError(t, h.client.Replace(ctx, first))

	second.Name = "second"
	err = h.client.Replace(ctx, second)
	assert.ErrorIs(t, err, store.ErrConcurrentModification)
	assert.Equal(t, int64(1), second.Version, "failed replace restores the version")
}

func TestReplace_NotFound(t *testing.T) {
	h := newHarness(t)

	err := h.client.Replace(context.Background(), product("electronics", "ghost"))

	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Upsert ---

func TestUpsert_NewDocumentBehavesLikeCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	count, err := h.client.GetCount(ctx, "electronics", time.Hour)
	require.NoError(t, err)
	require.Zero(t, count)

	p := product("electronics", "tv-1")
	require.NoError(t, h.client.Upsert(ctx, p))

	assert.True(t, p.CreatedOnUtc.Equal(p.UpdatedOnUtc))
	assert.Equal(t, "tester", p.CreatedBy)
	assert.Equal(t, int64(1), p.Version)

	count, err = h.client.GetCount(ctx, "electronics", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "an upsert that creates invalidates the count")
}

func TestUpsert_ExistingPreservesCreated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := product("electronics", "tv-1")
	require.NoError(t, h.client.Create(ctx, p))
	created := p.CreatedOnUtc

	_, err := h.client.GetCount(ctx, "electronics", time.Hour)
	require.NoError(t, err)
	queries := h.fake.Calls(dynamotest.OpQuery)

	h.clock.Advance(time.Second)
	p.Price = 19.99
	require.NoError(t, h.client.Upsert(ctx, p))

	assert.True(t, p.CreatedOnUtc.Equal(created))
	assert.True(t, p.UpdatedOnUtc.Equal(created.Add(time.Second)))
	assert.Equal(t, int64(2), p.Version)

	_, err = h.client.GetCount(ctx, "electronics", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, queries, h.fake.Calls(dynamotest.OpQuery), "an upsert that replaces keeps the cached count")
}

func TestUpsert_TrustsCallerStateByDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Create(ctx, product("electronics", "tv-1")))
	original, _, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.client.Upsert(ctx, product("electronics", "tv-1")))

	got, _, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)
	assert.True(t, got.CreatedOnUtc.After(original.CreatedOnUtc), "a copy without CreatedOnUtc is treated as new")
}

func TestUpsert_ProbeCarriesForwardCreationFields(t *testing.T) {
	h := newHarness(t, func(cfg *store.Config, _ *store.Binding[*Product]) {
		cfg.ProbeUpsertExistence = true
	})
	ctx := context.Background()
	require.NoError(t, h.client.Create(ctx, product("electronics", "tv-1")))
	original, _, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	fresh := product("electronics", "tv-1")
	require.NoError(t, h.client.Upsert(ctx, fresh))

	assert.True(t, fresh.CreatedOnUtc.Equal(original.CreatedOnUtc))
	assert.Equal(t, "tester", fresh.CreatedBy)
	assert.Equal(t, int64(2), fresh.Version)
	assert.True(t, fresh.UpdatedOnUtc.After(original.UpdatedOnUtc))
}

// --- Delete and Restore ---

func TestSoftDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Create(ctx, product("electronics", "tv-1")))

	require.NoError(t, h.client.Delete(ctx, "tv-1", "electronics", store.DeleteSoft))

	_, found, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)
	assert.False(t, found)

	got, found, err := h.client.GetItem(ctx, "tv-1", "electronics", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Deleted)
	assert.Equal(t, int64(2), got.Version)

	assert.NoError(t, h.client.Delete(ctx, "tv-1", "electronics", store.DeleteSoft), "soft delete is idempotent")
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Create(ctx, product("electronics", "tv-1")))
	require.NoError(t, h.client.Delete(ctx, "tv-1", "electronics", store.DeleteSoft))

	require.NoError(t, h.client.Restore(ctx, "tv-1", "electronics"))

	got, found, err := h.client.GetItem(ctx, "tv-1", "electronics", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, got.Deleted)

	assert.NoError(t, h.client.Restore(ctx, "tv-1", "electronics"), "restoring an active document is a no-op")
	assert.ErrorIs(t, h.client.Restore(ctx, "ghost", "electronics"), store.ErrNotFound)
}

func TestHardDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Create(ctx, product("electronics", "tv-1")))
	require.NoError(t, h.client.Create(ctx, product("electronics", "tv-2")))
	require.NoError(t, h.client.Delete(ctx, "tv-2", "electronics", store.DeleteSoft))

	require.NoError(t, h.client.Delete(ctx, "tv-1", "electronics", store.DeleteHard))
	require.NoError(t, h.client.Delete(ctx, "tv-2", "electronics", store.DeleteHard))

	for _, id := range []string{"tv-1", "tv-2"} {
		for _, includeDeleted := range []bool{false, true} {
			_, found, err := h.client.GetItem(ctx, id, "electronics", includeDeleted)
			require.NoError(t, err)
			assert.False(t, found, "%s includeDeleted=%v", id, includeDeleted)
		}
	}
	assert.ErrorIs(t, h.client.Delete(ctx, "tv-1", "electronics", store.DeleteHard), store.ErrNotFound)
	assert.ErrorIs(t, h.client.Delete(ctx, "tv-1", "electronics", store.DeleteSoft), store.ErrNotFound)
}

func TestDelete_UnknownMode(t *testing.T) {
	h := newHarness(t)
	err := h.client.Delete(context.Background(), "tv-1", "electronics", store.DeleteMode(7))
	assert.ErrorIs(t, err, validate.ErrValidation)
}

// --- Counts ---

func TestCount_SoftDeletedExcludedFromActiveCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h, "books", 4)

	require.NoError(t, h.client.Delete(ctx, "books-02", "books", store.DeleteSoft))

	active, err := h.client.GetCount(ctx, "books", 5*time.Minute)
	require.NoError(t, err)
	total, err := h.client.GetTotalCount(ctx, "books", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
	assert.Equal(t, 4, total)
}

func TestCount_CachedWithinMaxAge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h, "books", 3)
	h.fake.ResetCalls()

	first, err := h.client.GetCount(ctx, "books", 5*time.Minute)
	require.NoError(t, err)
	second, err := h.client.GetCount(ctx, "books", 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 3, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.fake.Calls(dynamotest.OpQuery))

	for range 2 {
		_, err := h.client.GetCount(ctx, "books", 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.fake.Calls(dynamotest.OpQuery), "maxAge 0 always counts fresh")
}

func TestCount_SpansPages(t *testing.T) {
	h := newHarness(t)
	h.fake.MaxPageItems = 2
	seed(t, h, "books", 5)

	n, err := h.client.GetCount(context.Background(), "books", 0)

	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestCount_KeyedByContainer(t *testing.T) {
	shared := countcache.NewMemoryStore()
	fake := dynamotest.New()
	fake.CreateTable("catalog-products", "category", "id")
	fake.CreateTable("archive-products", "category", "id")
	eps := store.NewEndpoints()
	eps.Register(store.DefaultEndpoint, fake)
	ctx := context.Background()

	newClient := func(database string) *store.Client[*Product] {
		cfg := store.DefaultConfig()
		cfg.Types["product"] = store.TypeConfig{Database: database, Container: "products", PartitionKeyField: "category"}
		c, err := store.New(eps, cfg, store.Binding[*Product]{
			TypeName:     "product",
			PartitionKey: func(p *Product) string { return p.Category },
			CacheStore:   shared,
		})
		require.NoError(t, err)
		return c
	}
	catalog := newClient("catalog")
	archive := newClient("archive")

	require.NoError(t, catalog.Create(ctx, product("books", "b-1")))
	require.NoError(t, catalog.Create(ctx, product("books", "b-2")))
	require.NoError(t, archive.Create(ctx, product("books", "b-1")))

	n, err := catalog.GetCount(ctx, "books", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = archive.GetCount(ctx, "books", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "same type name in another container must not share a cache entry")
}

// --- Bulk ---

func TestBulkCreate_ElectronicsScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	before, err := h.client.GetCount(ctx, "electronics", 5*time.Minute)
	require.NoError(t, err)
	require.Zero(t, before)

	items := make([]*Product, 10)
	for i := range items {
		items[i] = product("electronics", fmt.Sprintf("e-%02d", i))
	}
	queries := h.fake.Calls(dynamotest.OpQuery)

	result, err := h.client.BulkCreate(ctx, items, "electronics", bulk.Options{BatchSize: 3})

	require.NoError(t, err)
	assert.Len(t, result.SuccessfulItems, 10)
	assert.Empty(t, result.FailedItems)
	assert.Positive(t, result.TotalCostUnits)

	sizes := h.fake.TransactBatchSizes()
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	assert.Equal(t, []int{3, 3, 3, 1}, sizes)

	after, err := h.client.GetCount(ctx, "electronics", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10, after)
	assert.Equal(t, queries+1, h.fake.Calls(dynamotest.OpQuery), "count after bulk must be a fresh query")

	got, found, err := h.client.GetItem(ctx, "e-07", "electronics", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tester", got.CreatedBy)
	assert.Equal(t, int64(1), got.Version)
}

func TestBulkCreate_PartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h, "toys", 1) // toys-00 exists

	items := make([]*Product, 6)
	for i := range items {
		items[i] = product("toys", fmt.Sprintf("toys-%02d", i))
	}

	result, err := h.client.BulkCreate(ctx, items, "toys", bulk.Options{BatchSize: 2})

	require.Error(t, err)
	var bulkErr *bulk.Error[*Product]
	require.ErrorAs(t, err, &bulkErr)
	assert.Same(t, result, bulkErr.Result)
	assert.Equal(t, 6, len(result.SuccessfulItems)+len(result.FailedItems))
	assert.Len(t, result.SuccessfulItems, 4)
	require.Len(t, result.FailedItems, 2)

	codes := map[string]int{}
	for _, f := range result.FailedItems {
		codes[f.Item.ID] = f.StatusCode
	}
	assert.Equal(t, map[string]int{"toys-00": bulk.StatusConflict, "toys-01": bulk.StatusFailedDependency}, codes)

	n, err := h.client.GetCount(ctx, "toys", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestBulkUpsert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	existing := seed(t, h, "toys", 2)
	h.clock.Advance(time.Minute)

	items := append(existing, product("toys", "toys-02"))
	result, err := h.client.BulkUpsert(ctx, items, "toys", bulk.Options{})

	require.NoError(t, err)
	assert.Len(t, result.SuccessfulItems, 3)
	assert.Equal(t, int64(2), existing[0].Version)
	assert.True(t, existing[0].UpdatedOnUtc.After(existing[0].CreatedOnUtc))

	n, err := h.client.GetCount(ctx, "toys", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBulkUpsert_FailureLeavesDocumentsReplaceable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := seed(t, h, "toys", 1)[0]
	h.fake.Fail(dynamotest.OpTransactWriteItems, &smithy.GenericAPIError{Code: "ValidationException", Message: "bad"})

	_, err := h.client.BulkUpsert(ctx, []*Product{p}, "toys", bulk.Options{})
	require.ErrorIs(t, err, bulk.ErrPartialFailure)
	assert.Equal(t, int64(1), p.Version)

	p.Name = "Renamed"
	require.NoError(t, h.client.Replace(ctx, p))
	assert.Equal(t, int64(2), p.Version)
}

func TestBulk_ValidationFailsBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.BulkCreate(ctx, []*Product{product("toys", "a"), product("books", "b")}, "toys", bulk.Options{})
	assert.ErrorIs(t, err, validate.ErrValidation)

	_, err = h.client.BulkCreate(ctx, []*Product{product("toys", "a")}, "toys", bulk.Options{BatchSize: 101})
	assert.ErrorIs(t, err, validate.ErrValidation)

	_, err = h.client.BulkUpsert(ctx, []*Product{product("toys", "")}, "toys", bulk.Options{})
	assert.ErrorIs(t, err, validate.ErrValidation)

	assert.Zero(t, h.fake.Calls(dynamotest.OpTransactWriteItems))
}

// --- Queries ---

func TestGetAll_OffsetAndCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h, "books", 8)
	require.NoError(t, h.client.Delete(ctx, "books-01", "books", store.DeleteSoft))

	all := collect(t, h.client.GetAll(ctx, "books", 3, 0, 0))
	assert.Len(t, all, 7)
	assert.NotContains(t, ids(all), "books-01")

	window := collect(t, h.client.GetAll(ctx, "books", 3, 2, 3))
	assert.Equal(t, []string{"books-03", "books-04", "books-05"}, ids(window))
}

func TestGetAll_InvalidPaging(t *testing.T) {
	h := newHarness(t)
	for _, err := range h.client.GetAll(context.Background(), "books", 0, 0, 0) {
		assert.ErrorIs(t, err, validate.ErrValidation)
	}
	assert.Zero(t, h.fake.Calls(dynamotest.OpQuery))
}

func TestQuery_LazyAndStoppable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h, "books", 9)
	h.fake.ResetCalls()

	seen := 0
	for _, err := range h.client.Query(ctx, store.Query{PartitionKey: "books", PageSize: 2}) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}

	assert.Equal(t, 3, seen)
	assert.Equal(t, 2, h.fake.Calls(dynamotest.OpQuery), "only the pages consumed are fetched")
}

func TestQuery_Cancelled(t *testing.T) {
	h := newHarness(t)
	seed(t, h, "books", 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errs []error
	n := 0
	for _, err := range h.client.Query(ctx, store.Query{PartitionKey: "books", PageSize: 2}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
		cancel()
	}

	assert.Equal(t, 2, n, "the page in hand is delivered")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestQuery_IncludeDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h, "books", 3)
	require.NoError(t, h.client.Delete(ctx, "books-00", "books", store.DeleteSoft))

	active := collect(t, h.client.Query(ctx, store.Query{PartitionKey: "books"}))
	everything := collect(t, h.client.Query(ctx, store.Query{PartitionKey: "books", IncludeDeleted: true}))

	assert.Len(t, active, 2)
	assert.Len(t, everything, 3)
}

func TestQueryByProperty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	items := seed(t, h, "books", 4)
	items[1].Name = "Dune"
	items[3].Name = "Dune"
	require.NoError(t, h.client.Replace(ctx, items[1]))
	require.NoError(t, h.client.Replace(ctx, items[3]))
	require.NoError(t, h.client.Delete(ctx, "books-03", "books", store.DeleteSoft))

	got := collect(t, h.client.QueryByProperty(ctx, "books", "name", "Dune"))

	assert.Equal(t, []string{"books-01"}, ids(got))
}

func TestQueryByProperty_RejectsBadField(t *testing.T) {
	h := newHarness(t)
	for _, field := range []string{"name) OR (id", "deleted", ""} {
		for _, err := range h.client.QueryByProperty(context.Background(), "books", field, "x") {
			assert.ErrorIs(t, err, validate.ErrValidation, field)
		}
	}
	assert.Zero(t, h.fake.Calls(dynamotest.OpQuery))
}

func TestQueryArrayContains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := product("books", "a")
	a.Tags = []string{"scifi", "classic"}
	b := product("books", "b")
	b.Tags = []string{"romance"}
	c := product("books", "c")
	c.Tags = []string{"classic"}
	for _, p := range []*Product{a, b, c} {
		require.NoError(t, h.client.Create(ctx, p))
	}

	got := collect(t, h.client.QueryArrayContains(ctx, "books", "tags", "classic"))

	assert.Equal(t, []string{"a", "c"}, ids(got))
}

func TestGetPage_WalksAllPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h, "books", 8)
	require.NoError(t, h.client.Delete(ctx, "books-04", "books", store.DeleteSoft))

	var pages [][]string
	token := ""
	for {
		page, err := h.client.GetPage(ctx, "books", 3, token)
		require.NoError(t, err)
		if token == "" {
			require.NotNil(t, page.TotalCount)
			assert.Equal(t, 7, *page.TotalCount)
		} else {
			assert.Nil(t, page.TotalCount, "total count only on the first page")
		}
		pages = append(pages, ids(page.Items))
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}

	assert.Equal(t, [][]string{
		{"books-00", "books-01", "books-02"},
		{"books-03", "books-05", "books-06"},
		{"books-07"},
	}, pages)
}

func TestGetPage_RejectsForeignToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h, "books", 3)

	page, err := h.client.GetPage(ctx, "books", 1, "")
	require.NoError(t, err)
	require.NotEmpty(t, page.ContinuationToken)

	_, err = h.client.GetPage(ctx, "toys", 1, page.ContinuationToken)
	assert.ErrorIs(t, err, validate.ErrValidation)
}

// --- Endpoints, retries, metrics ---

func TestReadsUseReadEndpoint(t *testing.T) {
	primary := dynamotest.New()
	replica := dynamotest.New()
	for _, f := range []*dynamotest.Fake{primary, replica} {
		f.CreateTable(table, "category", "id")
	}
	eps := store.NewEndpoints()
	eps.Register("primary", primary)
	eps.Register("replica", replica)
	cfg := store.DefaultConfig()
	cfg.Types["product"] = store.TypeConfig{
		Database: "catalog", Container: "products", PartitionKeyField: "category",
		ReadEndpoint: "replica", WriteEndpoint: "primary",
	}
	c, err := store.New(eps, cfg, store.Binding[*Product]{
		TypeName:     "product",
		PartitionKey: func(p *Product) string { return p.Category },
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, product("books", "b-1")))

	_, found, err := c.GetItem(ctx, "b-1", "books", false)
	require.NoError(t, err)
	assert.False(t, found, "replica has not received the write")
	assert.Equal(t, 1, primary.Len(table))
	assert.Equal(t, 1, replica.Calls(dynamotest.OpGetItem))
	assert.Zero(t, primary.Calls(dynamotest.OpGetItem))
}

func TestRetriesTransientErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(_ *store.Config, b *store.Binding[*Product]) {
		b.Metrics = metrics.NewRecorder(reg)
	})
	ctx := context.Background()
	require.NoError(t, h.client.Create(ctx, product("books", "b-1")))
	h.fake.Fail(dynamotest.OpGetItem,
		&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
		&smithy.GenericAPIError{Code: "InternalServerError", Message: "oops", Fault: smithy.FaultServer},
	)

	_, found, err := h.client.GetItem(ctx, "b-1", "books", false)

	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, h.fake.Calls(dynamotest.OpGetItem))

	expected := `
# HELP strata_retries_total Total number of retried remote calls after a transient error
# TYPE strata_retries_total counter
strata_retries_total{operation="get_item"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "strata_retries_total"))
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	throttled := &smithy.GenericAPIError{Code: "ThrottlingException"}
	h.fake.Fail(dynamotest.OpPutItem, throttled, throttled, throttled)

	err := h.client.Create(context.Background(), product("books", "b-1"))

	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "ThrottlingException", apiErr.ErrorCode())
	assert.Equal(t, 3, h.fake.Calls(dynamotest.OpPutItem))
}

func TestNonTransientErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t)
	h.fake.Fail(dynamotest.OpPutItem, &smithy.GenericAPIError{Code: "ValidationException", Message: "bad"})

	err := h.client.Upsert(context.Background(), product("books", "b-1"))

	assert.Error(t, err)
	assert.Equal(t, 1, h.fake.Calls(dynamotest.OpPutItem))
}

func TestCapacityRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(_ *store.Config, b *store.Binding[*Product]) {
		b.Metrics = metrics.NewRecorder(reg)
	})

	require.NoError(t, h.client.Create(context.Background(), product("books", "b-1")))

	n, err := testutil.GatherAndCount(reg, "strata_capacity_units_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
