package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/models"
)

var (
	ErrInvalidCredential = errors.New("invalid or missing credential")
	ErrTenantInactive    = errors.New("tenant is inactive")
)

const keyPrefix = "sk"

type KeyStore interface {
	core.AccessKeyStore
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
}

// AccessKeyService issues and resolves tenant credentials of the form
// sk_<key id>_<secret>. Only a bcrypt hash of the secret is stored.
type AccessKeyService struct {
	store KeyStore
	cost  int
}

func NewAccessKeyService(store KeyStore) *AccessKeyService {
	return &AccessKeyService{store: store, cost: bcrypt.DefaultCost}
}

// Issue creates a key for the tenant and returns the raw credential. The
// raw value cannot be recovered later.
func (s *AccessKeyService) Issue(ctx context.Context, tenantID string) (string, *models.AccessKey, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return "", nil, fmt.Errorf("load tenant: %w", err)
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", nil, fmt.Errorf("hash secret: %w", err)
	}

	key := &models.AccessKey{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		TenantID:   tenantID,
		SecretHash: string(hash),
	}
	if err := s.store.CreateAccessKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store access key: %w", err)
	}
	return keyPrefix + "_" + key.ID + "_" + secret, key, nil
}

func (s *AccessKeyService) Revoke(ctx context.Context, keyID string) error {
	return s.store.RevokeAccessKey(ctx, keyID)
}

// Authenticate resolves a raw credential to exactly one active tenant.
func (s *AccessKeyService) Authenticate(ctx context.Context, raw string) (*models.Tenant, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return nil, ErrInvalidCredential
	}

	key, err := s.store.GetAccessKey(ctx, parts[1])
	if errors.Is(err, core.ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("load access key: %w", err)
	}
	if key.RevokedAt != nil {
		return nil, ErrInvalidCredential
	}
	if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(parts[2])) != nil {
		return nil, ErrInvalidCredential
	}

	tenant, err := s.store.GetTenant(ctx, key.TenantID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if !tenant.Active {
		return nil, ErrTenantInactive
	}
	return tenant, nil
}
