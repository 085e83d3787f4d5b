package core

import (
	"context"
	"errors"
	"time"

	"github.com/markdave123-py/Sitewise/internal/models"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when an insert collides with an existing
	// natural key, typically because a concurrent sync inserted it first.
	ErrDuplicateKey = errors.New("duplicate key")
)

type TenantStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	MarkTenantSynced(ctx context.Context, id string, at time.Time) error
	SetTenantNamespace(ctx context.Context, id, namespace string) error
	ResetUsage(ctx context.Context, id string) error
	// DeleteTenant removes the tenant and everything it owns.
	DeleteTenant(ctx context.Context, id string) error
}

type AccessKeyStore interface {
	CreateAccessKey(ctx context.Context, k *models.AccessKey) error
	GetAccessKey(ctx context.Context, id string) (*models.AccessKey, error)
	RevokeAccessKey(ctx context.Context, id string) error
}

// ContentStore persists normalized content keyed by (tenant, type, source id).
// Insert and Update replace a product's variants and images as a set.
type ContentStore interface {
	FindContentItem(ctx context.Context, tenantID string, t models.ContentType, sourceID string) (*models.ContentItem, error)
	InsertContentItem(ctx context.Context, item *models.ContentItem) error
	UpdateContentItem(ctx context.Context, item *models.ContentItem) error
	ListContentItems(ctx context.Context, tenantID string, t models.ContentType) ([]models.ContentItem, error)
	FindContentBySlug(ctx context.Context, tenantID string, t models.ContentType, slug string) (*models.ContentItem, error)
	// PruneChildren deletes the rows of type t under parentID whose source
	// id is not in keep and reports how many were removed.
	PruneChildren(ctx context.Context, tenantID string, t models.ContentType, parentID string, keep []string) (int, error)
}

type ConversationStore interface {
	// FindThread matches ref against the internal id or the external LLM id.
	FindThread(ctx context.Context, tenantID, ref string) (*models.ConversationThread, error)
	CreateThread(ctx context.Context, th *models.ConversationThread) error
	// SetThreadExternalID rebinds a thread to a new upstream LLM thread.
	SetThreadExternalID(ctx context.Context, threadID, externalID string) error
	AppendMessage(ctx context.Context, m *models.Message) error
	// CompleteTurn stores the assistant message, touches the thread and
	// increments the tenant's monthly query count in one transaction.
	CompleteTurn(ctx context.Context, tenantID string, m *models.Message) error
	ListMessages(ctx context.Context, threadID string) ([]models.Message, error)
}

// Store is the full persistence surface; Postgres and in-memory backends
// implement it.
type Store interface {
	TenantStore
	AccessKeyStore
	ContentStore
	ConversationStore

	Ping(ctx context.Context) error
	Close() error
}
