// Package memdb is an in-process core.Store used for local runs and tests.
// It enforces the same natural-key uniqueness as the Postgres schema.
package memdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/models"
)

type contentKey struct {
	tenantID string
	typ      models.ContentType
	sourceID string
}

type Store struct {
	mu       sync.RWMutex
	tenants  map[string]*models.Tenant
	keys     map[string]*models.AccessKey
	content  map[contentKey]*models.ContentItem
	threads  map[string]*models.ConversationThread
	messages map[string][]models.Message

	now func() time.Time
}

var _ core.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants:  make(map[string]*models.Tenant),
		keys:     make(map[string]*models.AccessKey),
		content:  make(map[contentKey]*models.ContentItem),
		threads:  make(map[string]*models.ConversationThread),
		messages: make(map[string][]models.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// cloneItem deep-copies through JSON so callers never share mutable state
// with the store.
func cloneItem(in *models.ContentItem) *models.ContentItem {
	b, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("memdb: clone content item: %v", err))
	}
	var out models.ContentItem
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("memdb: clone content item: %v", err))
	}
	return &out
}

func (s *Store) CreateTenant(_ context.Context, t *models.Tenant) error {
	if t == nil {
		return errors.New("nil tenant")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return core.ErrDuplicateKey
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *Store) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) updateTenant(id string, fn func(*models.Tenant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return core.ErrNotFound
	}
	fn(t)
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkTenantSynced(_ context.Context, id string, at time.Time) error {
	return s.updateTenant(id, func(t *models.Tenant) { t.LastSyncedAt = &at })
}

func (s *Store) SetTenantNamespace(_ context.Context, id, namespace string) error {
	return s.updateTenant(id, func(t *models.Tenant) { t.VectorNamespace = namespace })
}

func (s *Store) ResetUsage(_ context.Context, id string) error {
	return s.updateTenant(id, func(t *models.Tenant) { t.MonthlyQueries = 0 })
}

func (s *Store) DeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.tenants, id)
	for k, v := range s.keys {
		if v.TenantID == id {
			delete(s.keys, k)
		}
	}
	for k := range s.content {
		if k.tenantID == id {
			delete(s.content, k)
		}
	}
	for k, th := range s.threads {
		if th.TenantID == id {
			delete(s.threads, k)
			delete(s.messages, k)
		}
	}
	return nil
}

func (s *Store) CreateAccessKey(_ context.Context, k *models.AccessKey) error {
	if k == nil {
		return errors.New("nil access key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[k.TenantID]; !ok {
		return core.ErrNotFound
	}
	if _, ok := s.keys[k.ID]; ok {
		return core.ErrDuplicateKey
	}
	k.CreatedAt = s.now()
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *Store) GetAccessKey(_ context.Context, id string) (*models.AccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *Store) RevokeAccessKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return core.ErrNotFound
	}
	if k.RevokedAt == nil {
		now := s.now()
		k.RevokedAt = &now
	}
	return nil
}

func (s *Store) FindContentItem(_ context.Context, tenantID string, t models.ContentType, sourceID string) (*models.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.content[contentKey{tenantID, t, sourceID}]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneItem(item), nil
}

func (s *Store) InsertContentItem(_ context.Context, item *models.ContentItem) error {
	if item == nil {
		return errors.New("nil content item")
	}
	if !item.Type.Valid() {
		return fmt.Errorf("unknown content type %q", item.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[item.TenantID]; !ok {
		return fmt.Errorf("tenant %s: %w", item.TenantID, core.ErrNotFound)
	}
	key := contentKey{item.TenantID, item.Type, item.SourceID}
	if _, ok := s.content[key]; ok {
		return core.ErrDuplicateKey
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := s.now()
	item.CreatedAt, item.UpdatedAt = now, now
	s.content[key] = cloneItem(item)
	return nil
}

// UpdateContentItem replaces the stored row wholesale, children included.
func (s *Store) UpdateContentItem(_ context.Context, item *models.ContentItem) error {
	if item == nil {
		return errors.New("nil content item")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contentKey{item.TenantID, item.Type, item.SourceID}
	existing, ok := s.content[key]
	if !ok {
		return core.ErrNotFound
	}
	item.ID = existing.ID
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = s.now()
	s.content[key] = cloneItem(item)
	return nil
}

func (s *Store) ListContentItems(_ context.Context, tenantID string, t models.ContentType) ([]models.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ContentItem
	for k, item := range s.content {
		if k.tenantID == tenantID && k.typ == t {
			out = append(out, *cloneItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (s *Store) FindContentBySlug(ctx context.Context, tenantID string, t models.ContentType, slug string) (*models.ContentItem, error) {
	slug = models.SlugOf(slug)
	if slug == "" {
		return nil, core.ErrNotFound
	}
	items, err := s.ListContentItems(ctx, tenantID, t)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	for i := range items {
		if items[i].Slug() == slug {
			return &items[i], nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) PruneChildren(_ context.Context, tenantID string, t models.ContentType, parentID string, keep []string) (int, error) {
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, item := range s.content {
		if k.tenantID == tenantID && k.typ == t && item.ParentID == parentID && !kept[k.sourceID] {
			delete(s.content, k)
			n++
		}
	}
	return n, nil
}

// ContentCount is the number of stored rows of type t for a tenant.
func (s *Store) ContentCount(tenantID string, t models.ContentType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.content {
		if k.tenantID == tenantID && k.typ == t {
			n++
		}
	}
	return n
}

func (s *Store) FindThread(_ context.Context, tenantID, ref string) (*models.ConversationThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if th, ok := s.threads[ref]; ok && th.TenantID == tenantID {
		cp := *th
		return &cp, nil
	}
	for _, th := range s.threads {
		if th.TenantID == tenantID && th.ExternalID == ref {
			cp := *th
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) CreateThread(_ context.Context, th *models.ConversationThread) error {
	if th == nil {
		return errors.New("nil thread")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[th.TenantID]; !ok {
		return fmt.Errorf("tenant %s: %w", th.TenantID, core.ErrNotFound)
	}
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	now := s.now()
	th.CreatedAt, th.LastMessageAt = now, now
	cp := *th
	s.threads[th.ID] = &cp
	return nil
}

func (s *Store) SetThreadExternalID(_ context.Context, threadID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, core.ErrNotFound)
	}
	th.ExternalID = externalID
	return nil
}

func (s *Store) appendLocked(m *models.Message) error {
	if _, ok := s.threads[m.ThreadID]; !ok {
		return fmt.Errorf("thread %s: %w", m.ThreadID, core.ErrNotFound)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = s.now()
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], *m)
	return nil
}

func (s *Store) AppendMessage(_ context.Context, m *models.Message) error {
	if m == nil {
		return errors.New("nil message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

func (s *Store) CompleteTurn(_ context.Context, tenantID string, m *models.Message) error {
	if m == nil {
		return errors.New("nil message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return core.ErrNotFound
	}
	if err := s.appendLocked(m); err != nil {
		return err
	}
	s.threads[m.ThreadID].LastMessageAt = m.CreatedAt
	t.MonthlyQueries++
	t.UpdatedAt = m.CreatedAt
	return nil
}

func (s *Store) ListMessages(_ context.Context, threadID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
