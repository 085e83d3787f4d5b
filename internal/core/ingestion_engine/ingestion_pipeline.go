package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/core/lock"
	"github.com/markdave123-py/Sitewise/internal/metrics"
	"github.com/markdave123-py/Sitewise/internal/models"
)

// Store is what a sync run reads and writes.
type Store interface {
	core.ContentStore
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	MarkTenantSynced(ctx context.Context, id string, at time.Time) error
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
)

// Orchestrator performs idempotent upserts keyed by (tenant, type, source id).
type Orchestrator struct {
	store   Store
	locks   lock.Locker
	archive *Archive
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     SyncConfig
	now     func() time.Time
}

// NewOrchestrator wires a sync orchestrator. archive and m may be nil.
func NewOrchestrator(store Store, locks lock.Locker, archive *Archive, m *metrics.Metrics, log *zap.Logger, cfg *SyncConfig) *Orchestrator {
	if cfg == nil {
		cfg = &SyncConfig{}
	}
	return &Orchestrator{
		store:   store,
		locks:   locks,
		archive: archive,
		metrics: m,
		log:     log.Named("sync"),
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ Syncer = (*Orchestrator)(nil)

// Sync archives the payload (best effort), upserts every record and stamps
// the tenant's lastSyncedAt. Per-record failures are reported in the stats
// and never fail the run.
func (o *Orchestrator) Sync(ctx context.Context, tenantID string, payload *models.SyncPayload) (*SyncStats, error) {
	if payload == nil {
		return nil, errors.New("nil payload")
	}
	if _, err := o.store.GetTenant(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}

	if o.archive != nil {
		if key, err := o.archive.Save(ctx, tenantID, payload); err != nil {
			o.log.Warn("payload archive failed", zap.String("tenant", tenantID), zap.Error(err))
		} else {
			o.log.Debug("payload archived", zap.String("tenant", tenantID), zap.String("key", key))
		}
	}

	return o.run(ctx, tenantID, payload)
}

// Replay re-runs a previously archived payload without archiving it again.
func (o *Orchestrator) Replay(ctx context.Context, tenantID, archiveKey string) (*SyncStats, error) {
	if o.archive == nil {
		return nil, errors.New("payload archive is not configured")
	}
	if _, err := o.store.GetTenant(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	payload, err := o.archive.Load(ctx, tenantID, archiveKey)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, tenantID, payload)
}

func (o *Orchestrator) run(ctx context.Context, tenantID string, payload *models.SyncPayload) (*SyncStats, error) {
	start := o.now()
	items, invalid := payload.Normalize(tenantID)

	stats := &SyncStats{Details: []models.ItemError{}}
	var mu sync.Mutex
	for _, e := range invalid {
		stats.Errors++
		stats.Details = append(stats.Details, e)
		o.metrics.SyncItem(string(e.Type), "invalid")
	}

	record := func(item *models.ContentItem, res outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			stats.Errors++
			stats.Details = append(stats.Details, models.ItemError{Type: item.Type, SourceID: item.SourceID, Error: err.Error()})
			o.metrics.SyncItem(string(item.Type), "error")
			o.log.Warn("record sync failed",
				zap.String("tenant", tenantID),
				zap.String("type", string(item.Type)),
				zap.String("source_id", item.SourceID),
				zap.Error(err))
			return
		}
		if res == outcomeCreated {
			stats.Created++
			o.metrics.SyncItem(string(item.Type), "created")
		} else {
			stats.Updated++
			o.metrics.SyncItem(string(item.Type), "updated")
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.VariantConcurrency)
	for _, t := range models.ContentTypes {
		records := items[t]
		if len(records) == 0 {
			continue
		}
		g.Go(func() error {
			o.syncVariant(ctx, records, record)
			return nil
		})
	}
	_ = g.Wait()

	o.pruneChildren(ctx, tenantID, items, invalid, stats)

	sort.SliceStable(stats.Details, func(i, j int) bool {
		a, b := stats.Details[i], stats.Details[j]
		if a.Type != b.Type {
			return typeOrder(a.Type) < typeOrder(b.Type)
		}
		return a.SourceID < b.SourceID
	})

	if err := o.store.MarkTenantSynced(ctx, tenantID, o.now()); err != nil {
		return stats, fmt.Errorf("mark tenant %s synced: %w", tenantID, err)
	}

	o.log.Info("sync finished",
		zap.String("tenant", tenantID),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("errors", stats.Errors),
		zap.Int("pruned", stats.Pruned),
		zap.Duration("took", o.now().Sub(start)))
	return stats, nil
}

// prunedTypes are child types whose payload set for a parent replaces the
// stored set: comments per post and posts per blog.
var prunedTypes = []models.ContentType{models.ContentComment, models.ContentPost}

// pruneChildren deletes stored children that a parent's payload set no
// longer carries. Records rejected during normalization are never pruned.
func (o *Orchestrator) pruneChildren(ctx context.Context, tenantID string, items map[models.ContentType][]models.ContentItem, invalid []models.ItemError, stats *SyncStats) {
	for _, t := range prunedTypes {
		keep := make(map[string][]string)
		for _, item := range items[t] {
			if item.ParentID == "" {
				continue
			}
			keep[item.ParentID] = append(keep[item.ParentID], item.SourceID)
		}
		if len(keep) == 0 {
			continue
		}
		var rejected []string
		for _, e := range invalid {
			if e.Type == t && e.SourceID != "" {
				rejected = append(rejected, e.SourceID)
			}
		}

		for parentID, ids := range keep {
			n, err := o.store.PruneChildren(ctx, tenantID, t, parentID, append(ids, rejected...))
			if err != nil {
				stats.Errors++
				stats.Details = append(stats.Details, models.ItemError{Type: t, SourceID: parentID, Error: "prune: " + err.Error()})
				o.log.Warn("prune children failed",
					zap.String("tenant", tenantID), zap.String("type", string(t)),
					zap.String("parent", parentID), zap.Error(err))
				continue
			}
			if n > 0 {
				stats.Pruned += n
				o.log.Debug("pruned children",
					zap.String("tenant", tenantID), zap.String("type", string(t)),
					zap.String("parent", parentID), zap.Int("count", n))
			}
		}
	}
}

// syncVariant walks one content type batch by batch. Records inside a batch
// run concurrently; a batch starts only after the previous one finished.
func (o *Orchestrator) syncVariant(ctx context.Context, records []models.ContentItem, record func(*models.ContentItem, outcome, error)) {
	for startIdx := 0; startIdx < len(records); startIdx += o.cfg.BatchSize {
		end := startIdx + o.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}

		var wg sync.WaitGroup
		for i := startIdx; i < end; i++ {
			item := &records[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := o.upsert(ctx, item)
				record(item, res, err)
			}()
		}
		wg.Wait()
	}
}

func lockKey(item *models.ContentItem) string {
	return "sync:" + item.TenantID + ":" + string(item.Type) + ":" + item.SourceID
}

// upsert writes one record under its natural-key lock. An insert that loses
// a race with another writer is retried as an update.
func (o *Orchestrator) upsert(parent context.Context, item *models.ContentItem) (outcome, error) {
	ctx, cancel := context.WithTimeout(parent, o.cfg.ItemTimeout)
	defer cancel()

	unlock, err := o.locks.Lock(ctx, lockKey(item))
	if err != nil {
		return 0, fmt.Errorf("lock: %w", err)
	}
	defer unlock()

	_, err = o.store.FindContentItem(ctx, item.TenantID, item.Type, item.SourceID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		err = o.store.InsertContentItem(ctx, item)
		if err == nil {
			return outcomeCreated, nil
		}
		if !errors.Is(err, core.ErrDuplicateKey) {
			return 0, fmt.Errorf("insert: %w", err)
		}
		o.log.Debug("insert conflict, retrying as update",
			zap.String("type", string(item.Type)), zap.String("source_id", item.SourceID))
		if err := o.store.UpdateContentItem(ctx, item); err != nil {
			return 0, fmt.Errorf("update after conflict: %w", err)
		}
		return outcomeUpdated, nil
	case err != nil:
		return 0, fmt.Errorf("lookup: %w", err)
	}

	if err := o.store.UpdateContentItem(ctx, item); err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	return outcomeUpdated, nil
}

func typeOrder(t models.ContentType) int {
	for i, ct := range models.ContentTypes {
		if ct == t {
			return i
		}
	}
	return len(models.ContentTypes)
}
