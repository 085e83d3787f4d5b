package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	middleware "github.com/markdave123-py/Sitewise/internal/api/middlewares"
	"github.com/markdave123-py/Sitewise/internal/core/ingestion_engine"
	"github.com/markdave123-py/Sitewise/internal/core/vectorize_engine"
	"github.com/markdave123-py/Sitewise/internal/models"
)

// RebuildQueue schedules background index rebuilds.
type RebuildQueue interface {
	Enqueue(tenantID string) bool
}

type Rebuilder interface {
	Rebuild(ctx context.Context, tenantID string) (*vectorize_engine.VectorizeStats, error)
}

type SyncHandler struct {
	syncer        ingestion_engine.Syncer
	queue         RebuildQueue
	autoVectorize bool
	log           *zap.Logger
}

func NewSyncHandler(syncer ingestion_engine.Syncer, queue RebuildQueue, autoVectorize bool, log *zap.Logger) *SyncHandler {
	return &SyncHandler{syncer: syncer, queue: queue, autoVectorize: autoVectorize, log: log}
}

type syncResponse struct {
	Success         bool                        `json:"success"`
	Stats           *ingestion_engine.SyncStats `json:"stats"`
	VectorizeQueued bool                        `json:"vectorize_queued,omitempty"`
}

// Sync upserts a bulk content payload for the authenticated tenant.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload models.SyncPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.Len() == 0 {
		writeError(w, http.StatusBadRequest, "payload contains no content")
		return
	}

	stats, err := h.syncer.Sync(r.Context(), tenant.ID, &payload)
	if err != nil {
		h.log.Error("sync failed", zap.String("tenant", tenant.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	resp := syncResponse{Success: true, Stats: stats}
	vectorize, _ := strconv.ParseBool(r.URL.Query().Get("vectorize"))
	if (vectorize || h.autoVectorize) && h.queue != nil {
		resp.VectorizeQueued = h.queue.Enqueue(tenant.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

type VectorizeHandler struct {
	indexer Rebuilder
	log     *zap.Logger
}

func NewVectorizeHandler(indexer Rebuilder, log *zap.Logger) *VectorizeHandler {
	return &VectorizeHandler{indexer: indexer, log: log}
}

// Vectorize rebuilds the tenant's index synchronously and reports the stats.
func (h *VectorizeHandler) Vectorize(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stats, err := h.indexer.Rebuild(r.Context(), tenant.ID)
	if err != nil {
		h.log.Error("vectorize failed", zap.String("tenant", tenant.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "vectorize failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}
