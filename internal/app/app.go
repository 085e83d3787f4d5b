// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/config"
	"github.com/markdave123-py/Sitewise/internal/core"
	db "github.com/markdave123-py/Sitewise/internal/core/database"
	"github.com/markdave123-py/Sitewise/internal/core/database/memdb"
	"github.com/markdave123-py/Sitewise/internal/core/conversation"
	"github.com/markdave123-py/Sitewise/internal/core/ingestion_engine"
	"github.com/markdave123-py/Sitewise/internal/core/llm"
	"github.com/markdave123-py/Sitewise/internal/core/lock"
	objectclient "github.com/markdave123-py/Sitewise/internal/core/object-client"
	"github.com/markdave123-py/Sitewise/internal/core/retrieval"
	"github.com/markdave123-py/Sitewise/internal/core/vectorindex"
	"github.com/markdave123-py/Sitewise/internal/core/vectorize_engine"
	"github.com/markdave123-py/Sitewise/internal/metrics"
	"github.com/markdave123-py/Sitewise/internal/services"
)

// Backends are the external collaborators the engine runs against.
// Objects may be nil, which disables the payload archive.
type Backends struct {
	Store     core.Store
	Index     core.VectorIndex
	Embedder  core.EmbeddingProvider
	Assistant core.AssistantService
	Objects   core.ObjectClient
	Locks     lock.Locker
}

type App struct {
	Cfg     *config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics

	Store         core.Store
	Index         core.VectorIndex
	Syncer        *ingestion_engine.Orchestrator
	Indexer       *vectorize_engine.Indexer
	Assembler     *retrieval.Assembler
	Conversations *conversation.Manager
	Tenants       *services.TenantService
	Keys          *services.AccessKeyService
	Server        *Server

	closers []func() error
}

// NewApp connects every backend selected by cfg and wires the engine.
func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var (
		b       Backends
		closers []func() error
	)
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	if cfg.UsesMemoryStore() {
		b.Store = memdb.New()
		log.Warn("using the in-memory store; data is lost on exit")
	} else {
		dbClient, err := db.NewDatabaseClient(appCtx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, dbClient.Close)
		b.Store = dbClient
		if cfg.VectorBackend == config.VectorPGVector {
			b.Index = vectorindex.NewPGVector(dbClient.DB())
		}
		log.Info("database initialized and ready")
	}
	if b.Index == nil {
		b.Index = vectorindex.NewMemory()
	}

	embedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel)
	if err != nil {
		return fail(fmt.Errorf("couldn't initialize the embedder, %w", err))
	}
	closers = append(closers, embedder.Close)
	b.Embedder = llm.NewRateLimitedEmbedder(embedder, cfg.EmbedRatePerSec)

	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		oa, err := llm.NewOpenAIAssistants(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
		if err != nil {
			return fail(err)
		}
		b.Assistant = oa
	default:
		ga, err := llm.NewGeminiAssistants(appCtx, cfg.AIAPIKey, cfg.GenModel)
		if err != nil {
			return fail(fmt.Errorf("couldn't initialize the assistant runtime, %w", err))
		}
		closers = append(closers, ga.Close)
		b.Assistant = ga
	}

	if cfg.RedisAddr != "" {
		rdb, err := lock.NewRedisClient(appCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rdb.Close)
		b.Locks = lock.NewRedis(rdb, cfg.LockTTL)
		log.Info("using redis locks", zap.String("addr", cfg.RedisAddr))
	} else {
		b.Locks = lock.NewLocal()
	}

	if cfg.ArchiveBucket != "" {
		objClient, err := objectclient.NewS3Client(appCtx, cfg)
		if err != nil {
			return fail(err)
		}
		b.Objects = objClient
		log.Info("payload archive enabled", zap.String("bucket", cfg.ArchiveBucket))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := Assemble(cfg, log, metrics.New(reg), &b)
	a.closers = closers
	return a, nil
}

// Assemble wires the engine and HTTP surface on top of ready backends.
func Assemble(cfg *config.Config, log *zap.Logger, m *metrics.Metrics, b *Backends) *App {
	var archive *ingestion_engine.Archive
	if b.Objects != nil && cfg.ArchiveBucket != "" {
		archive = ingestion_engine.NewArchive(b.Objects, cfg.ArchiveBucket)
	}

	syncer := ingestion_engine.NewOrchestrator(b.Store, b.Locks, archive, m, log, &ingestion_engine.SyncConfig{
		BatchSize:          cfg.SyncBatchSize,
		VariantConcurrency: cfg.SyncVariantConcurrency,
		ItemTimeout:        cfg.SyncItemTimeout,
	})
	indexer := vectorize_engine.NewIndexer(b.Store, b.Index, b.Embedder, m, log, &vectorize_engine.Config{
		Concurrency: cfg.VectorizeConcurrency,
		ItemTimeout: cfg.VectorizeItemTimeout,
		EmbedDim:    cfg.EmbedDim,
	})
	assembler := retrieval.NewAssembler(b.Store, b.Index, b.Embedder, cfg.ContextTopK, log)
	conv := conversation.NewManager(b.Store, b.Assistant, assembler, b.Locks, m, log, &conversation.Config{
		PollInterval: cfg.RunPollInterval,
		MaxPolls:     cfg.RunMaxPolls,
	})
	tenants := services.NewTenantService(b.Store, b.Index, log)
	keys := services.NewAccessKeyService(b.Store)

	a := &App{
		Cfg:           cfg,
		Log:           log,
		Metrics:       m,
		Store:         b.Store,
		Index:         b.Index,
		Syncer:        syncer,
		Indexer:       indexer,
		Assembler:     assembler,
		Conversations: conv,
		Tenants:       tenants,
		Keys:          keys,
	}
	a.Server = NewServer(cfg, log, m, a)
	return a
}

// Run starts the background rebuild workers and serves HTTP until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.Indexer.Start(ctx, a.Cfg.VectorizeWorkers)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
}
