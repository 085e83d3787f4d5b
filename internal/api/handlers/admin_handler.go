package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/models"
	"github.com/markdave123-py/Sitewise/internal/services"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type AdminHandler struct {
	tenants *services.TenantService
	keys    *services.AccessKeyService
	log     *zap.Logger
}

func NewAdminHandler(tenants *services.TenantService, keys *services.AccessKeyService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{tenants: tenants, keys: keys, log: log}
}

func (h *AdminHandler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Error("admin operation failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func (h *AdminHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var in services.NewTenant
	if !decodeBody(w, r, &in) {
		return
	}
	t, err := h.tenants.Create(r.Context(), &in)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateKey) {
			writeError(w, http.StatusConflict, "tenant exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *AdminHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, "get tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// IssueKey returns the raw key once; it is not retrievable afterwards.
func (h *AdminHandler) IssueKey(w http.ResponseWriter, r *http.Request) {
	raw, key, err := h.keys.Issue(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, "issue key", err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		*models.AccessKey
		Key string `json:"key"`
	}{key, raw})
}

func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Revoke(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		h.fail(w, "revoke key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	if err := h.tenants.ResetUsage(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.fail(w, "reset usage", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := h.tenants.Teardown(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.fail(w, "teardown", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports whether the store answers.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
