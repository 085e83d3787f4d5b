package ingestion_engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/models"
)

// Archive keeps raw sync payloads in object storage so a run can be replayed.
type Archive struct {
	obj    core.ObjectClient
	bucket string
	now    func() time.Time
}

func NewArchive(obj core.ObjectClient, bucket string) *Archive {
	return &Archive{obj: obj, bucket: bucket, now: func() time.Time { return time.Now().UTC() }}
}

func archivePrefix(tenantID string) string {
	return "tenants/" + tenantID + "/syncs/"
}

// Save stores payload under tenants/{tenant}/syncs/{RFC3339}-{uuid}.json.
func (a *Archive) Save(ctx context.Context, tenantID string, payload *models.SyncPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	key := archivePrefix(tenantID) + a.now().Format(time.RFC3339) + "-" + uuid.NewString() + ".json"
	if _, err := a.obj.UploadFile(ctx, a.bucket, key, data, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Load fetches an archived payload; the key must belong to tenantID.
func (a *Archive) Load(ctx context.Context, tenantID, key string) (*models.SyncPayload, error) {
	if !strings.HasPrefix(key, archivePrefix(tenantID)) {
		return nil, fmt.Errorf("archive key %q does not belong to tenant %s", key, tenantID)
	}
	data, err := a.obj.GetFile(ctx, a.bucket, key)
	if err != nil {
		return nil, err
	}
	var p models.SyncPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode archived payload: %w", err)
	}
	return &p, nil
}
