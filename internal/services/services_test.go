package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/core/database/memdb"
	"github.com/markdave123-py/Sitewise/internal/core/vectorindex"
	"github.com/markdave123-py/Sitewise/internal/models"
)

func newServices(t *testing.T) (*memdb.Store, *vectorindex.Memory, *TenantService, *AccessKeyService) {
	t.Helper()
	store := memdb.New()
	index := vectorindex.NewMemory()
	keys := NewAccessKeyService(store)
	keys.cost = bcrypt.MinCost
	return store, index, NewTenantService(store, index, zap.NewNop()), keys
}

func TestAccessKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	_, _, tenants, keys := newServices(t)

	tenant, err := tenants.Create(ctx, &NewTenant{Domain: "shop.test", Platform: "shopify"})
	if err != nil {
		t.Fatal(err)
	}
	if tenant.Platform != models.PlatformShopify || tenant.QueryLimit != defaultQueryLimit {
		t.Fatalf("tenant = %+v", tenant)
	}

	raw, key, err := keys.Issue(ctx, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, "sk_"+key.ID+"_") {
		t.Fatalf("raw key %q", raw)
	}
	if strings.Contains(key.SecretHash, strings.TrimPrefix(raw, "sk_"+key.ID+"_")) {
		t.Fatal("secret must not be stored in clear")
	}

	got, err := keys.Authenticate(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != tenant.ID {
		t.Fatalf("resolved tenant %s", got.ID)
	}

	if err := keys.Revoke(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Authenticate(ctx, raw); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("revoked key err = %v", err)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	_, _, tenants, keys := newServices(t)
	tenant, err := tenants.Create(ctx, &NewTenant{Domain: "blog.test", Platform: models.PlatformWordPress})
	if err != nil {
		t.Fatal(err)
	}
	raw, key, err := keys.Issue(ctx, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}

	for _, cred := range []string{"", "garbage", "sk_" + key.ID, "sk_" + key.ID + "_wrong", "pk_" + strings.TrimPrefix(raw, "sk_"), "sk_unknown_secret"} {
		if _, err := keys.Authenticate(ctx, cred); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("credential %q: err = %v", cred, err)
		}
	}
}

func TestAuthenticateInactiveTenant(t *testing.T) {
	ctx := context.Background()
	store, _, _, keys := newServices(t)
	if err := store.CreateTenant(ctx, &models.Tenant{ID: "off", Platform: models.PlatformShopify}); err != nil {
		t.Fatal(err)
	}
	raw, _, err := keys.Issue(ctx, "off")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Authenticate(ctx, raw); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateTenantValidation(t *testing.T) {
	_, _, tenants, _ := newServices(t)
	if _, err := tenants.Create(context.Background(), &NewTenant{Domain: "x.test", Platform: "DRUPAL"}); err == nil {
		t.Fatal("unknown platform accepted")
	}
	if _, err := tenants.Create(context.Background(), &NewTenant{Platform: "SHOPIFY"}); err == nil {
		t.Fatal("empty domain accepted")
	}
}

func TestTeardownRemovesRowsAndVectors(t *testing.T) {
	ctx := context.Background()
	store, index, tenants, _ := newServices(t)
	tenant, err := tenants.Create(ctx, &NewTenant{Domain: "shop.test", Platform: models.PlatformShopify})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.InsertContentItem(ctx, &models.ContentItem{TenantID: tenant.ID, Type: models.ContentPage, SourceID: "pg1"}); err != nil {
		t.Fatal(err)
	}
	if err := index.Upsert(ctx, tenant.ID, core.VectorRecord{ID: "page-pg1", Values: []float32{1}}); err != nil {
		t.Fatal(err)
	}

	if err := tenants.Teardown(ctx, tenant.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetTenant(ctx, tenant.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("tenant still present: %v", err)
	}
	if store.ContentCount(tenant.ID, models.ContentPage) != 0 {
		t.Fatal("content rows survived teardown")
	}
	if ids := index.IDs(tenant.ID); len(ids) != 0 {
		t.Fatalf("vectors survived teardown: %v", ids)
	}
}

func TestAdminToken(t *testing.T) {
	tok, err := MintAdminToken("s3cret", "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := VerifyAdminToken("s3cret", tok)
	if err != nil || sub != "ops" {
		t.Fatalf("sub=%q err=%v", sub, err)
	}
	if _, err := VerifyAdminToken("other", tok); err == nil {
		t.Fatal("token verified with the wrong secret")
	}

	expired, err := MintAdminToken("s3cret", "ops", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyAdminToken("s3cret", expired); err == nil {
		t.Fatal("expired token accepted")
	}
	if _, err := MintAdminToken("", "ops", time.Hour); err == nil {
		t.Fatal("empty secret accepted")
	}
}
