package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/Sitewise/internal/api/middlewares"
	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/core/conversation"
	"github.com/markdave123-py/Sitewise/internal/models"
)

type Conversations interface {
	Converse(ctx context.Context, req *conversation.TurnRequest) (*conversation.TurnResult, error)
	History(ctx context.Context, tenantID, ref string) (*models.ConversationThread, []models.Message, error)
}

type ChatHandler struct {
	conv Conversations
	log  *zap.Logger
}

func NewChatHandler(conv Conversations, log *zap.Logger) *ChatHandler {
	return &ChatHandler{conv: conv, log: log}
}

type pageContext struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type ConverseRequest struct {
	Message      string          `json:"message"`
	Context      pageContext     `json:"context"`
	ThreadRef    string          `json:"threadRef"`
	Modality     models.Modality `json:"modality"`
	PriorQueries []string        `json:"priorQueries"`
}

type replyBody struct {
	Content      string `json:"content"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
	ScrollToText string `json:"scrollToText,omitempty"`
}

type converseResponse struct {
	Response  replyBody `json:"response"`
	ThreadRef string    `json:"threadRef"`
}

// Converse answers one visitor message within a thread.
func (h *ChatHandler) Converse(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ConverseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Modality == "" {
		req.Modality = models.ModalityText
	}
	if req.Modality != models.ModalityText && req.Modality != models.ModalityVoice {
		writeError(w, http.StatusBadRequest, "modality must be text or voice")
		return
	}

	res, err := h.conv.Converse(r.Context(), &conversation.TurnRequest{
		TenantID:     tenant.ID,
		Message:      req.Message,
		ThreadRef:    req.ThreadRef,
		Modality:     req.Modality,
		PageURL:      req.Context.URL,
		PageTitle:    req.Context.Title,
		PageContent:  req.Context.Content,
		PriorQueries: req.PriorQueries,
	})
	if err != nil {
		h.writeTurnError(w, tenant.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, converseResponse{
		Response: replyBody{
			Content:      res.Reply.Content,
			RedirectURL:  res.Reply.RedirectURL,
			ScrollToText: res.Reply.ScrollToText,
		},
		ThreadRef: res.ThreadRef,
	})
}

func (h *ChatHandler) writeTurnError(w http.ResponseWriter, tenantID string, err error) {
	var quota *conversation.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "monthly query quota exceeded",
			"usage": quota.Used,
			"limit": quota.Limit,
		})
	case errors.Is(err, conversation.ErrAssistantNotConfigured), errors.Is(err, conversation.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("conversation turn failed", zap.String("tenant", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "the assistant could not answer right now")
	}
}

// ThreadMessages lists the persisted messages of one of the tenant's threads.
func (h *ChatHandler) ThreadMessages(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	th, msgs, err := h.conv.History(r.Context(), tenant.ID, chi.URLParam(r, "threadRef"))
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		h.log.Error("thread history failed", zap.String("tenant", tenant.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load thread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": th, "messages": msgs})
}
