package vectorize_engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/metrics"
	"github.com/markdave123-py/Sitewise/internal/models"
)

// Store is the content snapshot source and namespace sink of a rebuild.
type Store interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListContentItems(ctx context.Context, tenantID string, t models.ContentType) ([]models.ContentItem, error)
	SetTenantNamespace(ctx context.Context, id, namespace string) error
}

type Config struct {
	Concurrency  int           // items embedded at once within one content type
	ItemTimeout  time.Duration // deadline for one embed plus upsert
	EmbedDim     int           // dimension of the query vector used to purge the legacy namespace
	PurgePage    int           // ids fetched per legacy purge round
	MaxPurgeRuns int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 5
	}
	if out.ItemTimeout <= 0 {
		out.ItemTimeout = 30 * time.Second
	}
	if out.EmbedDim <= 0 {
		out.EmbedDim = 768
	}
	if out.PurgePage <= 0 {
		out.PurgePage = 1000
	}
	if out.MaxPurgeRuns <= 0 {
		out.MaxPurgeRuns = 100
	}
	return out
}

// VectorizeStats is the outcome of one rebuild.
type VectorizeStats struct {
	Added   int                `json:"added"`
	Errors  int                `json:"errors"`
	Details []models.ItemError `json:"details"`
}

// Indexer rebuilds tenant namespaces, on demand or from a background queue.
type Indexer struct {
	store    Store
	index    core.VectorIndex
	embedder core.EmbeddingProvider
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      Config

	jobs     chan string
	mu       sync.Mutex
	pending  map[string]bool
	afterRun func(tenantID string, stats *VectorizeStats, err error)
}

func NewIndexer(store Store, index core.VectorIndex, embedder core.EmbeddingProvider, m *metrics.Metrics, log *zap.Logger, cfg *Config) *Indexer {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Indexer{
		store:    store,
		index:    index,
		embedder: embedder,
		metrics:  m,
		log:      log.Named("vectorize"),
		cfg:      cfg.withDefaults(),
		jobs:     make(chan string, 64),
		pending:  make(map[string]bool),
	}
}

// Rebuild purges the tenant's vectors and re-embeds its whole content
// snapshot. Purge failures are logged and ignored; one item's failure is
// recorded in the stats without stopping its siblings.
func (ix *Indexer) Rebuild(ctx context.Context, tenantID string) (*VectorizeStats, error) {
	tenant, err := ix.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	namespace := tenant.Namespace()

	ix.purge(ctx, tenantID, namespace)

	items := make(map[models.ContentType][]models.ContentItem, len(models.ContentTypes))
	for _, t := range models.ContentTypes {
		list, err := ix.store.ListContentItems(ctx, tenantID, t)
		if err != nil {
			return nil, fmt.Errorf("list %s content: %w", t, err)
		}
		items[t] = list
	}
	snap := newSnapshot(items)

	stats := &VectorizeStats{Details: []models.ItemError{}}
	var mu sync.Mutex
	for _, t := range models.ContentTypes {
		g := new(errgroup.Group)
		g.SetLimit(ix.cfg.Concurrency)
		for i := range items[t] {
			item := &items[t][i]
			g.Go(func() error {
				err := ix.embedOne(ctx, namespace, snap, item)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					stats.Errors++
					stats.Details = append(stats.Details, models.ItemError{Type: item.Type, SourceID: item.SourceID, Error: err.Error()})
					ix.metrics.VectorizeItem("error")
					ix.log.Warn("item vectorization failed",
						zap.String("tenant", tenantID),
						zap.String("id", item.VectorID()),
						zap.Error(err))
					return nil
				}
				stats.Added++
				ix.metrics.VectorizeItem("added")
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := ix.store.SetTenantNamespace(ctx, tenantID, namespace); err != nil {
		return stats, fmt.Errorf("save namespace: %w", err)
	}

	ix.log.Info("rebuild finished",
		zap.String("tenant", tenantID),
		zap.String("namespace", namespace),
		zap.Int("added", stats.Added),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

func (ix *Indexer) embedOne(parent context.Context, namespace string, snap *snapshot, item *models.ContentItem) error {
	ctx, cancel := context.WithTimeout(parent, ix.cfg.ItemTimeout)
	defer cancel()

	vec, err := ix.embedder.Embed(ctx, snap.embeddingText(item))
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	rec := core.VectorRecord{ID: item.VectorID(), Values: vec, Metadata: snap.metadata(item)}
	if err := ix.index.Upsert(ctx, namespace, rec); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// purge removes the tenant's vectors from both the legacy shared namespace
// and its own namespace. It never fails the rebuild.
func (ix *Indexer) purge(ctx context.Context, tenantID, namespace string) {
	if namespace != core.LegacyNamespace {
		if n, err := ix.purgeLegacy(ctx, tenantID); err != nil {
			ix.log.Warn("legacy namespace purge failed", zap.String("tenant", tenantID), zap.Error(err))
		} else if n > 0 {
			ix.log.Info("purged legacy vectors", zap.String("tenant", tenantID), zap.Int("count", n))
		}
	}
	if err := ix.index.DeleteNamespace(ctx, namespace); err != nil {
		ix.log.Warn("namespace purge failed", zap.String("tenant", tenantID), zap.String("namespace", namespace), zap.Error(err))
	}
}

// purgeLegacy pages through the shared namespace by tenantId filter and
// deletes what it finds until nothing matches.
func (ix *Indexer) purgeLegacy(ctx context.Context, tenantID string) (int, error) {
	seed := make([]float32, ix.cfg.EmbedDim)
	seed[0] = 1
	filter := map[string]string{MetaTenantID: tenantID}

	total := 0
	for run := 0; run < ix.cfg.MaxPurgeRuns; run++ {
		matches, err := ix.index.Query(ctx, core.LegacyNamespace, seed, ix.cfg.PurgePage, filter)
		if err != nil {
			return total, err
		}
		if len(matches) == 0 {
			return total, nil
		}
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		if err := ix.index.DeleteByIDs(ctx, core.LegacyNamespace, ids); err != nil {
			return total, err
		}
		total += len(ids)
	}
	return total, fmt.Errorf("legacy purge stopped after %d rounds", ix.cfg.MaxPurgeRuns)
}

// Start runs numWorkers goroutines draining the rebuild queue until ctx ends.
func (ix *Indexer) Start(ctx context.Context, numWorkers int) {
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					ix.log.Debug("worker shutting down", zap.Int("worker", w))
					return
				case tenantID := <-ix.jobs:
					ix.mu.Lock()
					delete(ix.pending, tenantID)
					ix.mu.Unlock()

					ix.log.Info("rebuilding", zap.String("tenant", tenantID), zap.Int("worker", w))
					stats, err := ix.Rebuild(ctx, tenantID)
					if err != nil {
						ix.log.Error("rebuild failed", zap.String("tenant", tenantID), zap.Error(err))
					}
					if ix.afterRun != nil {
						ix.afterRun(tenantID, stats, err)
					}
				}
			}
		}(w)
	}
}

// Enqueue schedules a rebuild. It reports false when the tenant is already
// waiting or the queue is full.
func (ix *Indexer) Enqueue(tenantID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.pending[tenantID] {
		return false
	}
	select {
	case ix.jobs <- tenantID:
		ix.pending[tenantID] = true
		return true
	default:
		ix.log.Warn("rebuild queue full", zap.String("tenant", tenantID))
		return false
	}
}
