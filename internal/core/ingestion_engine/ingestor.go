package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/Sitewise/internal/models"
)

// Syncer reconciles a bulk payload against a tenant's stored content.
type Syncer interface {
	Sync(ctx context.Context, tenantID string, payload *models.SyncPayload) (*SyncStats, error)
	Replay(ctx context.Context, tenantID, archiveKey string) (*SyncStats, error)
}

// SyncStats is the outcome of one sync run.
type SyncStats struct {
	Created int                `json:"created"`
	Updated int                `json:"updated"`
	Errors  int                `json:"errors"`
	Pruned  int                `json:"pruned"`
	Details []models.ItemError `json:"details"`
}
