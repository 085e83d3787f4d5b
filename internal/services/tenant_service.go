package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/models"
)

const defaultQueryLimit = 1000

type NewTenant struct {
	Domain           string          `json:"domain"`
	Platform         models.Platform `json:"platform"`
	QueryLimit       int             `json:"query_limit"`
	TextAssistantID  string          `json:"text_assistant_id"`
	VoiceAssistantID string          `json:"voice_assistant_id"`
}

type TenantService struct {
	store core.TenantStore
	index core.VectorIndex
	log   *zap.Logger
}

func NewTenantService(store core.TenantStore, index core.VectorIndex, log *zap.Logger) *TenantService {
	return &TenantService{store: store, index: index, log: log.Named("tenants")}
}

func (s *TenantService) Create(ctx context.Context, in *NewTenant) (*models.Tenant, error) {
	if in == nil || strings.TrimSpace(in.Domain) == "" {
		return nil, errors.New("domain is required")
	}
	platform := models.Platform(strings.ToUpper(string(in.Platform)))
	if !platform.Valid() {
		return nil, fmt.Errorf("unsupported platform %q", in.Platform)
	}
	limit := in.QueryLimit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	t := &models.Tenant{
		ID:               uuid.NewString(),
		Domain:           strings.TrimSpace(in.Domain),
		Platform:         platform,
		QueryLimit:       limit,
		Active:           true,
		TextAssistantID:  in.TextAssistantID,
		VoiceAssistantID: in.VoiceAssistantID,
	}
	if err := s.store.CreateTenant(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info("tenant created", zap.String("tenant", t.ID), zap.String("domain", t.Domain))
	return t, nil
}

func (s *TenantService) Get(ctx context.Context, id string) (*models.Tenant, error) {
	return s.store.GetTenant(ctx, id)
}

// ResetUsage starts a new billing period for the tenant.
func (s *TenantService) ResetUsage(ctx context.Context, id string) error {
	return s.store.ResetUsage(ctx, id)
}

// Teardown deletes the tenant's rows and then its vector namespace.
func (s *TenantService) Teardown(ctx context.Context, id string) error {
	t, err := s.store.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTenant(ctx, id); err != nil {
		return fmt.Errorf("delete tenant rows: %w", err)
	}
	if err := s.index.DeleteNamespace(ctx, t.Namespace()); err != nil {
		return fmt.Errorf("delete vector namespace %s: %w", t.Namespace(), err)
	}
	s.log.Info("tenant torn down", zap.String("tenant", id))
	return nil
}
