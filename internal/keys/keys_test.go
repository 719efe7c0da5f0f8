package keys

import (
	"strings"
	"testing"
)

func TestTableName(t *testing.T) {
	tests := []struct {
		database  string
		container string
		expected  string
	}{
		{"catalog", "products", "catalog-products"},
		{"", "products", "products"},
		{"prod.catalog", "orders", "prod.catalog-orders"},
	}

	for _, tt := range tests {
		result := TableName(tt.database, tt.container)
		if result != tt.expected {
			t.Errorf("TableName(%q, %q) = %q, want %q", tt.database, tt.container, result, tt.expected)
		}
	}
}

func TestContainer(t *testing.T) {
	result := Container("replica", "catalog-products")
	if result != "replica/catalog-products" {
		t.Errorf("expected 'replica/catalog-products', got %q", result)
	}
}

func TestCountKey_Format(t *testing.T) {
	result := CountKey("primary/catalog-products", "Product", KindActive, "electronics")

	prefix := "strata:count:primary/catalog-products#Product#active#"
	if !strings.HasPrefix(result, prefix) {
		t.Fatalf("expected prefix %q, got %q", prefix, result)
	}

	digest := result[len(prefix):]
	if len(digest) != 32 {
		t.Errorf("expected 32-character digest, got %q", digest)
	}
	for _, c := range digest {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("expected hex character, got %c", c)
		}
	}
}

func TestCountKey_Deterministic(t *testing.T) {
	first := CountKey("primary/t", "Product", KindTotal, "electronics")
	for i := 0; i < 100; i++ {
		result := CountKey("primary/t", "Product", KindTotal, "electronics")
		if result != first {
			t.Errorf("expected deterministic result %q, got %q on iteration %d", first, result, i)
		}
	}
}

func TestCountKey_Uniqueness(t *testing.T) {
	seen := make(map[string]string)

	inputs := []struct {
		container string
		typeName  string
		kind      string
		partition string
	}{
		{"primary/catalog-products", "Product", KindActive, "electronics"},
		{"primary/catalog-products", "Product", KindActive, "books"},
		{"primary/catalog-products", "Product", KindTotal, "electronics"},
		{"primary/archive-products", "Product", KindActive, "electronics"},
		{"replica/catalog-products", "Product", KindActive, "electronics"},
		{"primary/catalog-products", "Order", KindActive, "electronics"},
		{"primary/catalog-products", "Product", KindActive, "a#b"},
		{"primary/catalog-products", "Product", KindActive, "a"},
	}

	for _, in := range inputs {
		key := CountKey(in.container, in.typeName, in.kind, in.partition)
		label := in.container + "|" + in.typeName + "|" + in.kind + "|" + in.partition
		if existing, ok := seen[key]; ok {
			t.Errorf("collision: %q and %q both produce %q", existing, label, key)
		}
		seen[key] = label
	}
}

func BenchmarkCountKey(b *testing.B) {
	partition := "550e8400-e29b-41d4-a716-446655440000"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CountKey("primary/catalog-products", "Product", KindActive, partition)
	}
}
