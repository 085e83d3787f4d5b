package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/core/database/memdb"
	"github.com/markdave123-py/Sitewise/internal/core/lock"
	"github.com/markdave123-py/Sitewise/internal/models"
)

// hookedStore wraps memdb with optional per-call hooks.
type hookedStore struct {
	*memdb.Store
	findFn   func(ctx context.Context, item string) (bool, error)
	insertFn func(ctx context.Context, item *models.ContentItem) error
}

func (h *hookedStore) FindContentItem(ctx context.Context, tenantID string, t models.ContentType, sourceID string) (*models.ContentItem, error) {
	if h.findFn != nil {
		if handled, err := h.findFn(ctx, sourceID); handled {
			return nil, err
		}
	}
	return h.Store.FindContentItem(ctx, tenantID, t, sourceID)
}

func (h *hookedStore) InsertContentItem(ctx context.Context, item *models.ContentItem) error {
	if h.insertFn != nil {
		if err := h.insertFn(ctx, item); err != nil {
			return err
		}
	}
	return h.Store.InsertContentItem(ctx, item)
}

func newStore(t *testing.T) *hookedStore {
	t.Helper()
	s := memdb.New()
	if err := s.CreateTenant(context.Background(), &models.Tenant{ID: "t1", Platform: models.PlatformShopify, Active: true}); err != nil {
		t.Fatal(err)
	}
	return &hookedStore{Store: s}
}

func newOrchestrator(store Store, cfg *SyncConfig) *Orchestrator {
	return NewOrchestrator(store, lock.NewLocal(), nil, nil, zap.NewNop(), cfg)
}

func payloadFrom(t *testing.T, body string) *models.SyncPayload {
	t.Helper()
	var p models.SyncPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return &p
}

const samplePayload = `{
	"pages": [{"id": "pg1", "title": "About", "handle": "about"}],
	"products": [
		{"id": "p1", "title": "Widget", "handle": "widget", "variants": [{"id": "v1"}, {"id": "v2"}]},
		{"id": "p2", "title": "Gadget", "handle": "gadget"}
	],
	"reviews": [{"id": "r1", "product_id": "p1", "rating": 5}]
}`

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	o := newOrchestrator(store, nil)

	first, err := o.Sync(ctx, "t1", payloadFrom(t, samplePayload))
	if err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	if first.Created != 4 || first.Updated != 0 || first.Errors != 0 {
		t.Errorf("first stats = %+v", first)
	}

	second, err := o.Sync(ctx, "t1", payloadFrom(t, samplePayload))
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if second.Created != 0 || second.Updated != 4 {
		t.Errorf("second stats = %+v, want created=0 updated=4", second)
	}
	if n := store.ContentCount("t1", models.ContentProduct); n != 2 {
		t.Errorf("product rows = %d, want 2", n)
	}

	tn, _ := store.GetTenant(ctx, "t1")
	if tn.LastSyncedAt == nil {
		t.Error("LastSyncedAt not set")
	}
}

func TestSyncRetriesDuplicateInsertAsUpdate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	if err := store.Store.InsertContentItem(ctx, &models.ContentItem{
		TenantID: "t1", Type: models.ContentProduct, SourceID: "p1", Title: "Old",
	}); err != nil {
		t.Fatal(err)
	}
	// Simulate a concurrent writer: the lookup misses, the insert collides.
	store.findFn = func(_ context.Context, sourceID string) (bool, error) {
		return sourceID == "p1", core.ErrNotFound
	}
	o := newOrchestrator(store, nil)

	stats, err := o.Sync(ctx, "t1", payloadFrom(t, `{"products": [{"id": "p1", "title": "New"}]}`))
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if stats.Errors != 0 || stats.Updated != 1 || stats.Created != 0 {
		t.Errorf("stats = %+v, want one update", stats)
	}
	got, _ := store.Store.FindContentItem(ctx, "t1", models.ContentProduct, "p1")
	if got.Title != "New" {
		t.Errorf("title = %q, want New", got.Title)
	}
}

func TestConcurrentSyncsConverge(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	o := newOrchestrator(store, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, title := range []string{"A", "B"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := fmt.Sprintf(`{"products": [{"id": "p1", "title": %q}, {"id": "p-%s"}]}`, title, title)
			stats, err := o.Sync(ctx, "t1", payloadFrom(t, body))
			if err == nil && stats.Errors != 0 {
				err = fmt.Errorf("stats errors: %+v", stats.Details)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Sync() error = %v", err)
		}
	}

	if n := store.ContentCount("t1", models.ContentProduct); n != 3 {
		t.Errorf("product rows = %d, want 3", n)
	}
	got, _ := store.Store.FindContentItem(ctx, "t1", models.ContentProduct, "p1")
	if got.Title != "A" && got.Title != "B" {
		t.Errorf("title = %q, want one of the two payloads", got.Title)
	}
}

func TestSyncIsolatesRecordFailures(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	store.insertFn = func(_ context.Context, item *models.ContentItem) error {
		if item.SourceID == "bad" {
			return errors.New("disk full")
		}
		return nil
	}
	o := newOrchestrator(store, nil)

	stats, err := o.Sync(ctx, "t1", payloadFrom(t, `{"pages": [
		{"id": "a"}, {"id": "bad"}, {"id": "c"}, {"title": "missing id"}
	]}`))
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if stats.Created != 2 || stats.Errors != 2 || len(stats.Details) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	var found bool
	for _, d := range stats.Details {
		if d.SourceID == "bad" && strings.Contains(d.Error, "disk full") && d.Type == models.ContentPage {
			found = true
		}
	}
	if !found {
		t.Errorf("details = %+v, want entry for bad", stats.Details)
	}
}

func TestSyncReplacesProductChildren(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	o := newOrchestrator(store, nil)

	if _, err := o.Sync(ctx, "t1", payloadFrom(t, samplePayload)); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Sync(ctx, "t1", payloadFrom(t, `{"products": [{"id": "p1", "variants": [{"id": "v9"}]}]}`)); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Store.FindContentItem(ctx, "t1", models.ContentProduct, "p1")
	if len(got.Product.Variants) != 1 || got.Product.Variants[0].SourceID != "v9" {
		t.Errorf("variants = %+v, want only v9", got.Product.Variants)
	}
}

func TestSyncPrunesCommentsAndPostsPerParent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	o := newOrchestrator(store, nil)

	first := `{
		"posts": [
			{"id": "a1", "title": "Spring", "blog_id": "b1"},
			{"id": "a2", "title": "Summer", "blog_id": "b1"},
			{"id": "a3", "title": "News", "blog_id": "b2"}
		],
		"comments": [
			{"id": "c1", "post_id": "a1", "content": "nice"},
			{"id": "c2", "post_id": "a1", "content": "spam"},
			{"id": "c3", "post_id": "a2", "content": "hello"}
		]
	}`
	if _, err := o.Sync(ctx, "t1", payloadFrom(t, first)); err != nil {
		t.Fatal(err)
	}

	second := `{
		"posts": [{"id": "a1", "title": "Spring", "blog_id": "b1"}],
		"comments": [{"id": "c1", "post_id": "a1", "content": "nice"}]
	}`
	stats, err := o.Sync(ctx, "t1", payloadFrom(t, second))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pruned != 2 {
		t.Errorf("pruned = %d, want 2", stats.Pruned)
	}

	comments, _ := store.ListContentItems(ctx, "t1", models.ContentComment)
	var gotComments []string
	for _, c := range comments {
		gotComments = append(gotComments, c.SourceID)
	}
	if strings.Join(gotComments, ",") != "c1,c3" {
		t.Errorf("comments = %v, want c1 and c3 (a2 was not in the payload)", gotComments)
	}

	posts, _ := store.ListContentItems(ctx, "t1", models.ContentPost)
	var gotPosts []string
	for _, p := range posts {
		gotPosts = append(gotPosts, p.SourceID)
	}
	if strings.Join(gotPosts, ",") != "a1,a3" {
		t.Errorf("posts = %v, want a1 and a3 (b2 was not in the payload)", gotPosts)
	}
}

func TestSyncBoundsBatchConcurrency(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	var inFlight, peak int32
	store.insertFn = func(context.Context, *models.ContentItem) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}
	o := newOrchestrator(store, &SyncConfig{BatchSize: 3, VariantConcurrency: 1})

	var records []string
	for i := 0; i < 10; i++ {
		records = append(records, fmt.Sprintf(`{"id": "pg%d"}`, i))
	}
	stats, err := o.Sync(ctx, "t1", payloadFrom(t, `{"pages": [`+strings.Join(records, ",")+`]}`))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Created != 10 {
		t.Errorf("created = %d, want 10", stats.Created)
	}
	if peak > 3 {
		t.Errorf("peak concurrent inserts = %d, want <= 3", peak)
	}
}

func TestSyncItemTimeoutIsRecordFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	store.insertFn = func(ctx context.Context, item *models.ContentItem) error {
		if item.SourceID == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	o := newOrchestrator(store, &SyncConfig{ItemTimeout: 20 * time.Millisecond})

	stats, err := o.Sync(ctx, "t1", payloadFrom(t, `{"pages": [{"id": "slow"}, {"id": "fast"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Created != 1 || stats.Errors != 1 || stats.Details[0].SourceID != "slow" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSyncUnknownTenant(t *testing.T) {
	o := newOrchestrator(newStore(t), nil)
	_, err := o.Sync(context.Background(), "nobody", &models.SyncPayload{})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Sync() error = %v, want ErrNotFound", err)
	}
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func (m *memObjects) UploadFile(_ context.Context, bucket, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return "", errors.New("s3 down")
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[bucket+"/"+key] = data
	return "s3://" + bucket + "/" + key, nil
}

func (m *memObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return data, nil
}

func TestArchiveAndReplay(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	objects := &memObjects{}
	o := NewOrchestrator(store, lock.NewLocal(), NewArchive(objects, "archive"), nil, zap.NewNop(), nil)

	if _, err := o.Sync(ctx, "t1", payloadFrom(t, samplePayload)); err != nil {
		t.Fatal(err)
	}
	if len(objects.objects) != 1 {
		t.Fatalf("archived objects = %d, want 1", len(objects.objects))
	}
	var key string
	for k := range objects.objects {
		key = strings.TrimPrefix(k, "archive/")
	}
	if !strings.HasPrefix(key, "tenants/t1/syncs/") || !strings.HasSuffix(key, ".json") {
		t.Errorf("archive key = %q", key)
	}

	stats, err := o.Replay(ctx, "t1", key)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if stats.Created != 0 || stats.Updated != 4 {
		t.Errorf("replay stats = %+v", stats)
	}
	if len(objects.objects) != 1 {
		t.Errorf("replay archived the payload again")
	}

	if _, err := o.Replay(ctx, "t1", "tenants/t2/syncs/x.json"); err == nil {
		t.Error("Replay() accepted another tenant's key")
	}
}

func TestArchiveFailureDoesNotFailSync(t *testing.T) {
	store := newStore(t)
	o := NewOrchestrator(store, lock.NewLocal(), NewArchive(&memObjects{failPut: true}, "archive"), nil, zap.NewNop(), nil)
	stats, err := o.Sync(context.Background(), "t1", payloadFrom(t, samplePayload))
	if err != nil || stats.Created != 4 {
		t.Errorf("Sync() = %+v, %v", stats, err)
	}
}
