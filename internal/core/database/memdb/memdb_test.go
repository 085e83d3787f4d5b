package memdb

import (
	"context"
	"errors"
	"testing"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/models"
)

func newStoreWithTenant(t *testing.T) *Store {
	t.Helper()
	s := New()
	err := s.CreateTenant(context.Background(), &models.Tenant{
		ID: "t1", Domain: "shop.example", Platform: models.PlatformShopify, QueryLimit: 10, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	return s
}

func TestContentNaturalKey(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithTenant(t)

	item := &models.ContentItem{TenantID: "t1", Type: models.ContentProduct, SourceID: "p1", Title: "Widget",
		Product: &models.ProductDetails{Variants: []models.ProductVariant{{SourceID: "v1"}, {SourceID: "v2"}}}}
	if err := s.InsertContentItem(ctx, item); err != nil {
		t.Fatalf("InsertContentItem() error = %v", err)
	}

	dup := &models.ContentItem{TenantID: "t1", Type: models.ContentProduct, SourceID: "p1"}
	if err := s.InsertContentItem(ctx, dup); !errors.Is(err, core.ErrDuplicateKey) {
		t.Fatalf("second insert error = %v, want ErrDuplicateKey", err)
	}

	// Same source id under another type is a different key.
	page := &models.ContentItem{TenantID: "t1", Type: models.ContentPage, SourceID: "p1"}
	if err := s.InsertContentItem(ctx, page); err != nil {
		t.Fatalf("insert page with same source id: %v", err)
	}

	upd := &models.ContentItem{TenantID: "t1", Type: models.ContentProduct, SourceID: "p1", Title: "Widget 2",
		Product: &models.ProductDetails{Variants: []models.ProductVariant{{SourceID: "v3"}}}}
	if err := s.UpdateContentItem(ctx, upd); err != nil {
		t.Fatalf("UpdateContentItem() error = %v", err)
	}
	if upd.ID != item.ID {
		t.Errorf("update changed row id: %q -> %q", item.ID, upd.ID)
	}

	got, err := s.FindContentItem(ctx, "t1", models.ContentProduct, "p1")
	if err != nil {
		t.Fatalf("FindContentItem() error = %v", err)
	}
	if got.Title != "Widget 2" || len(got.Product.Variants) != 1 || got.Product.Variants[0].SourceID != "v3" {
		t.Errorf("stored product = %+v", got)
	}
	if n := s.ContentCount("t1", models.ContentProduct); n != 1 {
		t.Errorf("ContentCount = %d, want 1", n)
	}

	missing := &models.ContentItem{TenantID: "t1", Type: models.ContentProduct, SourceID: "nope"}
	if err := s.UpdateContentItem(ctx, missing); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("update missing error = %v, want ErrNotFound", err)
	}
}

func TestFindContentBySlug(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithTenant(t)
	for _, it := range []*models.ContentItem{
		{TenantID: "t1", Type: models.ContentPage, SourceID: "1", URL: "/pages/red-shoes"},
		{TenantID: "t1", Type: models.ContentPage, SourceID: "2", URL: "/pages/shoes"},
	} {
		if err := s.InsertContentItem(ctx, it); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.FindContentBySlug(ctx, "t1", models.ContentPage, "https://shop.example/pages/shoes/")
	if err != nil {
		t.Fatalf("FindContentBySlug() error = %v", err)
	}
	if got.SourceID != "2" {
		t.Errorf("matched source %q, want 2", got.SourceID)
	}
	if _, err := s.FindContentBySlug(ctx, "t1", models.ContentPost, "shoes"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("post lookup error = %v, want ErrNotFound", err)
	}
}

func TestThreadsAndTurns(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithTenant(t)

	th := &models.ConversationThread{TenantID: "t1", ExternalID: "ext-1"}
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	for _, ref := range []string{th.ID, "ext-1"} {
		got, err := s.FindThread(ctx, "t1", ref)
		if err != nil || got.ID != th.ID {
			t.Errorf("FindThread(%q) = %v, %v", ref, got, err)
		}
	}
	if _, err := s.FindThread(ctx, "other", th.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("foreign tenant lookup error = %v, want ErrNotFound", err)
	}

	if err := s.AppendMessage(ctx, &models.Message{ThreadID: th.ID, Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTurn(ctx, "t1", &models.Message{ThreadID: th.ID, Role: models.RoleAssistant, Content: "{}"}); err != nil {
		t.Fatalf("CompleteTurn() error = %v", err)
	}

	msgs, _ := s.ListMessages(ctx, th.ID)
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}
	tn, _ := s.GetTenant(ctx, "t1")
	if tn.MonthlyQueries != 1 {
		t.Errorf("MonthlyQueries = %d, want 1", tn.MonthlyQueries)
	}

	if err := s.ResetUsage(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	tn, _ = s.GetTenant(ctx, "t1")
	if tn.MonthlyQueries != 0 {
		t.Errorf("MonthlyQueries after reset = %d", tn.MonthlyQueries)
	}
}

func TestDeleteTenantCascades(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithTenant(t)
	_ = s.InsertContentItem(ctx, &models.ContentItem{TenantID: "t1", Type: models.ContentPage, SourceID: "1"})
	_ = s.CreateAccessKey(ctx, &models.AccessKey{ID: "k1", TenantID: "t1", SecretHash: "x"})
	th := &models.ConversationThread{TenantID: "t1", ExternalID: "e"}
	_ = s.CreateThread(ctx, th)

	if err := s.DeleteTenant(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTenant() error = %v", err)
	}
	if n := s.ContentCount("t1", models.ContentPage); n != 0 {
		t.Errorf("content left = %d", n)
	}
	if _, err := s.GetAccessKey(ctx, "k1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("access key survived teardown")
	}
	if _, err := s.FindThread(ctx, "t1", th.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("thread survived teardown")
	}
}
