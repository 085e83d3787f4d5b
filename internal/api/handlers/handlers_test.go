package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/Sitewise/internal/api/middlewares"
	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/core/conversation"
	"github.com/markdave123-py/Sitewise/internal/core/ingestion_engine"
	"github.com/markdave123-py/Sitewise/internal/core/vectorize_engine"
	"github.com/markdave123-py/Sitewise/internal/models"
)

type fakeSyncer struct {
	syncFn func(ctx context.Context, tenantID string, p *models.SyncPayload) (*ingestion_engine.SyncStats, error)
}

func (f *fakeSyncer) Sync(ctx context.Context, tenantID string, p *models.SyncPayload) (*ingestion_engine.SyncStats, error) {
	return f.syncFn(ctx, tenantID, p)
}

func (f *fakeSyncer) Replay(context.Context, string, string) (*ingestion_engine.SyncStats, error) {
	return nil, errors.New("not used")
}

type fakeQueue struct{ queued []string }

func (q *fakeQueue) Enqueue(tenantID string) bool {
	q.queued = append(q.queued, tenantID)
	return true
}

type rebuildFunc func(ctx context.Context, tenantID string) (*vectorize_engine.VectorizeStats, error)

func (f rebuildFunc) Rebuild(ctx context.Context, tenantID string) (*vectorize_engine.VectorizeStats, error) {
	return f(ctx, tenantID)
}

type fakeConversations struct {
	converseFn func(req *conversation.TurnRequest) (*conversation.TurnResult, error)
	historyFn  func(tenantID, ref string) (*models.ConversationThread, []models.Message, error)
}

func (f *fakeConversations) Converse(_ context.Context, req *conversation.TurnRequest) (*conversation.TurnResult, error) {
	return f.converseFn(req)
}

func (f *fakeConversations) History(_ context.Context, tenantID, ref string) (*models.ConversationThread, []models.Message, error) {
	return f.historyFn(tenantID, ref)
}

func asTenant(r *http.Request) *http.Request {
	return r.WithContext(middleware.WithTenant(r.Context(), &models.Tenant{ID: "t1"}))
}

func TestSyncHandler(t *testing.T) {
	var gotTenant string
	syncer := &fakeSyncer{syncFn: func(_ context.Context, tenantID string, p *models.SyncPayload) (*ingestion_engine.SyncStats, error) {
		gotTenant = tenantID
		return &ingestion_engine.SyncStats{Created: len(p.Products), Details: []models.ItemError{}}, nil
	}}
	queue := &fakeQueue{}
	h := NewSyncHandler(syncer, queue, false, zap.NewNop())

	body := `{"products":[{"id":"p1","title":"Widget"}]}`
	req := asTenant(httptest.NewRequest(http.MethodPost, "/api/sync?vectorize=true", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	h.Sync(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Stats   struct {
			Created int `json:"created"`
		} `json:"stats"`
		VectorizeQueued bool `json:"vectorize_queued"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Stats.Created != 1 || !resp.VectorizeQueued || gotTenant != "t1" {
		t.Fatalf("resp = %+v tenant=%s", resp, gotTenant)
	}
	if len(queue.queued) != 1 {
		t.Fatalf("queued = %v", queue.queued)
	}
}

func TestSyncHandlerRejectsBadInput(t *testing.T) {
	h := NewSyncHandler(&fakeSyncer{}, nil, false, zap.NewNop())
	for _, body := range []string{"{", "{}"} {
		rec := httptest.NewRecorder()
		h.Sync(rec, asTenant(httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body))))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.Sync(rec, httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"pages":[{"id":1}]}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
}

func TestVectorizeHandler(t *testing.T) {
	h := NewVectorizeHandler(rebuildFunc(func(_ context.Context, tenantID string) (*vectorize_engine.VectorizeStats, error) {
		return &vectorize_engine.VectorizeStats{Added: 9, Errors: 1, Details: []models.ItemError{{Type: models.ContentProduct, SourceID: "p4", Error: "boom"}}}, nil
	}), zap.NewNop())

	rec := httptest.NewRecorder()
	h.Vectorize(rec, asTenant(httptest.NewRequest(http.MethodPost, "/api/vectorize", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"added":9`) || !strings.Contains(rec.Body.String(), `"source_id":"p4"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestConverseHandlerStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"quota", &conversation.QuotaExceededError{Used: 100, Limit: 100}, http.StatusTooManyRequests},
		{"no assistant", conversation.ErrAssistantNotConfigured, http.StatusBadRequest},
		{"run failed", conversation.ErrRunFailed, http.StatusInternalServerError},
		{"bad reply", &conversation.ResponseFormatError{Raw: "x", Err: errors.New("bad")}, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewChatHandler(&fakeConversations{converseFn: func(*conversation.TurnRequest) (*conversation.TurnResult, error) {
				return nil, tc.err
			}}, zap.NewNop())
			rec := httptest.NewRecorder()
			h.Converse(rec, asTenant(httptest.NewRequest(http.MethodPost, "/api/converse", strings.NewReader(`{"message":"hi"}`))))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusTooManyRequests && !strings.Contains(rec.Body.String(), `"limit":100`) {
				t.Fatalf("quota body = %s", rec.Body.String())
			}
		})
	}
}

func TestConverseHandlerSuccess(t *testing.T) {
	var got *conversation.TurnRequest
	h := NewChatHandler(&fakeConversations{converseFn: func(req *conversation.TurnRequest) (*conversation.TurnResult, error) {
		got = req
		return &conversation.TurnResult{
			Reply:     models.AssistantReply{Content: "Widget is 19.99", RedirectURL: "/products/widget"},
			ThreadRef: "th_1",
		}, nil
	}}, zap.NewNop())

	body := `{"message":"price?","threadRef":"th_1","modality":"voice","context":{"url":"/products/widget"},"priorQueries":["widget"]}`
	rec := httptest.NewRecorder()
	h.Converse(rec, asTenant(httptest.NewRequest(http.MethodPost, "/api/converse", strings.NewReader(body))))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got.Modality != models.ModalityVoice || got.PageURL != "/products/widget" || got.ThreadRef != "th_1" || len(got.PriorQueries) != 1 {
		t.Fatalf("turn request = %+v", got)
	}

	var resp converseResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ThreadRef != "th_1" || resp.Response.RedirectURL != "/products/widget" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestConverseHandlerValidation(t *testing.T) {
	h := NewChatHandler(&fakeConversations{}, zap.NewNop())
	for _, body := range []string{`{"message":""}`, `{"message":"hi","modality":"video"}`} {
		rec := httptest.NewRecorder()
		h.Converse(rec, asTenant(httptest.NewRequest(http.MethodPost, "/api/converse", strings.NewReader(body))))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d", body, rec.Code)
		}
	}
}

func TestThreadMessages(t *testing.T) {
	h := NewChatHandler(&fakeConversations{historyFn: func(tenantID, ref string) (*models.ConversationThread, []models.Message, error) {
		if ref != "th_1" {
			return nil, nil, core.ErrNotFound
		}
		return &models.ConversationThread{ID: "th_1", TenantID: tenantID}, []models.Message{{ID: "m1", Role: models.RoleUser}}, nil
	}}, zap.NewNop())

	r := chi.NewRouter()
	r.Get("/api/threads/{threadRef}/messages", h.ThreadMessages)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, asTenant(httptest.NewRequest(http.MethodGet, "/api/threads/th_1/messages", nil)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"m1"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, asTenant(httptest.NewRequest(http.MethodGet, "/api/threads/nope/messages", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(pingFunc(func(context.Context) error { return nil }))(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Health(pingFunc(func(context.Context) error { return errors.New("down") }))(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
