// Package audit stamps creation, update, and soft-delete metadata on documents.
package audit

import (
	"context"
	"time"

	"github.com/jacentio/strata/document"
)

// SystemPrincipal is stamped when the identity provider has no current principal.
const SystemPrincipal = "system"

// IdentityProvider resolves the principal performing the current operation.
type IdentityProvider interface {
	// CurrentPrincipal returns the acting principal, or false if there is none.
	CurrentPrincipal(ctx context.Context) (string, bool)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func(ctx context.Context) (string, bool)

// CurrentPrincipal implements IdentityProvider.
func (f IdentityFunc) CurrentPrincipal(ctx context.Context) (string, bool) { return f(ctx) }

// Static always reports the same principal.
type Static string

// CurrentPrincipal implements IdentityProvider.
func (s Static) CurrentPrincipal(context.Context) (string, bool) {
	return string(s), s != ""
}

type principalKey struct{}

// WithPrincipal returns a context carrying principal for FromContext.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// FromContext reads the principal stored by WithPrincipal.
var FromContext IdentityProvider = IdentityFunc(func(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
})

// Manager stamps audit fields. It never contacts the store: whether a document
// is new is inferred from its in-memory CreatedOnUtc.
type Manager struct {
	identity IdentityProvider
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. A nil identity stamps SystemPrincipal.
func NewManager(identity IdentityProvider, opts ...Option) *Manager {
	m := &Manager{identity: identity, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// stamp captures one clock reading and one principal lookup.
type stamp struct {
	at time.Time
	by string
}

func (m *Manager) stamp(ctx context.Context) stamp {
	by := SystemPrincipal
	if m.identity != nil {
		if p, ok := m.identity.CurrentPrincipal(ctx); ok {
			by = p
		}
	}
	return stamp{at: m.now().UTC(), by: by}
}

// SetCreateAuditFields marks doc as freshly created and active.
func (m *Manager) SetCreateAuditFields(ctx context.Context, doc document.Document) {
	applyCreate(doc.Meta(), m.stamp(ctx))
}

// SetUpdateAuditFields refreshes the Updated* fields, backfilling Created*
// when the document was never create-stamped.
func (m *Manager) SetUpdateAuditFields(ctx context.Context, doc document.Document) {
	applyUpdate(doc.Meta(), m.stamp(ctx))
}

// SetUpsertAuditFields create-stamps a new document and update-stamps an existing one.
func (m *Manager) SetUpsertAuditFields(ctx context.Context, doc document.Document) {
	applyUpsert(doc.Meta(), m.stamp(ctx))
}

// SetBulkAuditFields stamps a batch as a unit: one clock reading and one
// principal lookup for every item. Create batches are create-stamped
// uniformly; otherwise each item is upsert-stamped on its own state.
func SetBulkAuditFields[T document.Document](ctx context.Context, m *Manager, items []T, isCreateOperation bool) {
	s := m.stamp(ctx)
	for _, item := range items {
		if isCreateOperation {
			applyCreate(item.Meta(), s)
		} else {
			applyUpsert(item.Meta(), s)
		}
	}
}

func applyCreate(meta *document.Metadata, s stamp) {
	meta.CreatedOnUtc = s.at
	meta.UpdatedOnUtc = s.at
	meta.CreatedBy = s.by
	meta.UpdatedBy = s.by
	meta.Deleted = false
}

func applyUpdate(meta *document.Metadata, s stamp) {
	if meta.IsNew() {
		meta.CreatedOnUtc = s.at
		meta.CreatedBy = s.by
	}
	meta.UpdatedOnUtc = advance(meta.UpdatedOnUtc, s.at)
	meta.UpdatedBy = s.by
}

func applyUpsert(meta *document.Metadata, s stamp) {
	if meta.IsNew() {
		applyCreate(meta, s)
		return
	}
	applyUpdate(meta, s)
}

// advance returns now, or prev plus one nanosecond when the clock has not
// moved past prev.
func advance(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
