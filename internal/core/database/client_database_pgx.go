package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/Sitewise/internal/config"
	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/models"
)

const uniqueViolation = "23505"

var contentTables = map[models.ContentType]string{
	models.ContentPage:     "pages",
	models.ContentProduct:  "products",
	models.ContentPost:     "posts",
	models.ContentComment:  "comments",
	models.ContentReview:   "reviews",
	models.ContentDiscount: "discounts",
}

func tableFor(t models.ContentType) (string, error) {
	table, ok := contentTables[t]
	if !ok {
		return "", fmt.Errorf("unknown content type %q", t)
	}
	return table, nil
}

type DatabaseClient struct {
	db *sql.DB
}

var _ core.Store = (*DatabaseClient)(nil)

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// DB exposes the pool for components that share it, such as the pgvector index.
func (c *DatabaseClient) DB() *sql.DB {
	return c.db
}

func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Tenants

const tenantColumns = `id, domain, platform, monthly_queries, query_limit, active, last_synced_at,
	text_assistant_id, voice_assistant_id, vector_namespace, created_at, updated_at`

func (c *DatabaseClient) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if t == nil {
		return errors.New("nil tenant")
	}
	const q = `
		INSERT INTO tenants (id, domain, platform, monthly_queries, query_limit, active,
			text_assistant_id, voice_assistant_id, vector_namespace, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING created_at, updated_at
	`
	err := c.db.QueryRowContext(ctx, q,
		t.ID, t.Domain, t.Platform, t.MonthlyQueries, t.QueryLimit, t.Active,
		t.TextAssistantID, t.VoiceAssistantID, t.VectorNamespace,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return core.ErrDuplicateKey
	}
	return err
}

func (c *DatabaseClient) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	var (
		t        models.Tenant
		lastSync sql.NullTime
	)
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&t.ID, &t.Domain, &t.Platform, &t.MonthlyQueries, &t.QueryLimit, &t.Active, &lastSync,
		&t.TextAssistantID, &t.VoiceAssistantID, &t.VectorNamespace, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t.LastSyncedAt = &lastSync.Time
	}
	return &t, nil
}

func (c *DatabaseClient) MarkTenantSynced(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE tenants SET last_synced_at = $2, updated_at = now() WHERE id = $1`
	return c.execOne(ctx, q, id, at)
}

func (c *DatabaseClient) SetTenantNamespace(ctx context.Context, id, namespace string) error {
	const q = `UPDATE tenants SET vector_namespace = $2, updated_at = now() WHERE id = $1`
	return c.execOne(ctx, q, id, namespace)
}

func (c *DatabaseClient) ResetUsage(ctx context.Context, id string) error {
	const q = `UPDATE tenants SET monthly_queries = 0, updated_at = now() WHERE id = $1`
	return c.execOne(ctx, q, id)
}

// DeleteTenant relies on ON DELETE CASCADE for owned rows.
func (c *DatabaseClient) DeleteTenant(ctx context.Context, id string) error {
	const q = `DELETE FROM tenants WHERE id = $1`
	return c.execOne(ctx, q, id)
}

// execOne runs q and maps zero affected rows to ErrNotFound.
func (c *DatabaseClient) execOne(ctx context.Context, q string, args ...any) error {
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Access keys

func (c *DatabaseClient) CreateAccessKey(ctx context.Context, k *models.AccessKey) error {
	if k == nil {
		return errors.New("nil access key")
	}
	const q = `
		INSERT INTO access_keys (id, tenant_id, secret_hash, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING created_at
	`
	return c.db.QueryRowContext(ctx, q, k.ID, k.TenantID, k.SecretHash).Scan(&k.CreatedAt)
}

func (c *DatabaseClient) GetAccessKey(ctx context.Context, id string) (*models.AccessKey, error) {
	const q = `SELECT id, tenant_id, secret_hash, created_at, revoked_at FROM access_keys WHERE id = $1`
	var (
		k       models.AccessKey
		revoked sql.NullTime
	)
	err := c.db.QueryRowContext(ctx, q, id).Scan(&k.ID, &k.TenantID, &k.SecretHash, &k.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		k.RevokedAt = &revoked.Time
	}
	return &k, nil
}

func (c *DatabaseClient) RevokeAccessKey(ctx context.Context, id string) error {
	const q = `UPDATE access_keys SET revoked_at = COALESCE(revoked_at, now()) WHERE id = $1`
	return c.execOne(ctx, q, id)
}

// Content

const contentColumns = `id, tenant_id, source_id, title, body, url, parent_source_id, reply_to_source_id,
	source_updated_at, details, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(s rowScanner, t models.ContentType) (*models.ContentItem, error) {
	var (
		item    = models.ContentItem{Type: t}
		updated sql.NullTime
		details []byte
	)
	if err := s.Scan(&item.ID, &item.TenantID, &item.SourceID, &item.Title, &item.Body, &item.URL,
		&item.ParentID, &item.ReplyToID, &updated, &details, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if updated.Valid {
		item.SourceUpdatedAt = &updated.Time
	}
	if err := decodeDetails(&item, details); err != nil {
		return nil, fmt.Errorf("decode %s %s details: %w", t, item.SourceID, err)
	}
	return &item, nil
}

// encodeDetails serializes the type-specific fields. Product children are
// stored in their own tables and left out.
func encodeDetails(item *models.ContentItem) ([]byte, error) {
	var v any = struct{}{}
	switch item.Type {
	case models.ContentProduct:
		if item.Product != nil {
			d := *item.Product
			d.Variants, d.Images = nil, nil
			v = d
		}
	case models.ContentPost:
		if item.Post != nil {
			v = item.Post
		}
	case models.ContentComment:
		if item.Comment != nil {
			v = item.Comment
		}
	case models.ContentReview:
		if item.Review != nil {
			v = item.Review
		}
	case models.ContentDiscount:
		if item.Discount != nil {
			v = item.Discount
		}
	}
	return json.Marshal(v)
}

func decodeDetails(item *models.ContentItem, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	switch item.Type {
	case models.ContentProduct:
		item.Product = &models.ProductDetails{}
		return json.Unmarshal(raw, item.Product)
	case models.ContentPost:
		item.Post = &models.PostDetails{}
		return json.Unmarshal(raw, item.Post)
	case models.ContentComment:
		item.Comment = &models.CommentDetails{}
		return json.Unmarshal(raw, item.Comment)
	case models.ContentReview:
		item.Review = &models.ReviewDetails{}
		return json.Unmarshal(raw, item.Review)
	case models.ContentDiscount:
		item.Discount = &models.DiscountDetails{}
		return json.Unmarshal(raw, item.Discount)
	}
	return nil
}

func (c *DatabaseClient) FindContentItem(ctx context.Context, tenantID string, t models.ContentType, sourceID string) (*models.ContentItem, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + contentColumns + ` FROM ` + table + ` WHERE tenant_id = $1 AND source_id = $2`
	item, err := scanContent(c.db.QueryRowContext(ctx, q, tenantID, sourceID), t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t == models.ContentProduct {
		if err := c.loadProductChildren(ctx, item); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// InsertContentItem returns core.ErrDuplicateKey when the natural key exists.
func (c *DatabaseClient) InsertContentItem(ctx context.Context, item *models.ContentItem) error {
	if item == nil {
		return errors.New("nil content item")
	}
	table, err := tableFor(item.Type)
	if err != nil {
		return err
	}
	details, err := encodeDetails(item)
	if err != nil {
		return err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := `
		INSERT INTO ` + table + ` (id, tenant_id, source_id, title, body, url, parent_source_id,
			reply_to_source_id, source_updated_at, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, q,
		item.ID, item.TenantID, item.SourceID, item.Title, item.Body, item.URL, item.ParentID,
		item.ReplyToID, item.SourceUpdatedAt, details,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if isUniqueViolation(err) {
		return core.ErrDuplicateKey
	}
	if err != nil {
		return err
	}

	if item.Type == models.ContentProduct {
		if err := replaceProductChildren(ctx, tx, item); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateContentItem overwrites the row addressed by (tenant, source id) and
// returns core.ErrNotFound when there is none.
func (c *DatabaseClient) UpdateContentItem(ctx context.Context, item *models.ContentItem) error {
	if item == nil {
		return errors.New("nil content item")
	}
	table, err := tableFor(item.Type)
	if err != nil {
		return err
	}
	details, err := encodeDetails(item)
	if err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := `
		UPDATE ` + table + `
		SET title = $3, body = $4, url = $5, parent_source_id = $6, reply_to_source_id = $7,
			source_updated_at = $8, details = $9, updated_at = now()
		WHERE tenant_id = $1 AND source_id = $2
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, q,
		item.TenantID, item.SourceID, item.Title, item.Body, item.URL, item.ParentID,
		item.ReplyToID, item.SourceUpdatedAt, details,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}

	if item.Type == models.ContentProduct {
		if err := replaceProductChildren(ctx, tx, item); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) PruneChildren(ctx context.Context, tenantID string, t models.ContentType, parentID string, keep []string) (int, error) {
	table, err := tableFor(t)
	if err != nil {
		return 0, err
	}
	if keep == nil {
		keep = []string{}
	}
	q := `DELETE FROM ` + table + `
		WHERE tenant_id = $1 AND parent_source_id = $2 AND source_id <> ALL($3::text[])`
	res, err := c.db.ExecContext(ctx, q, tenantID, parentID, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func replaceProductChildren(ctx context.Context, tx *sql.Tx, item *models.ContentItem) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, item.ID); err != nil {
		return fmt.Errorf("clear variants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_images WHERE product_id = $1`, item.ID); err != nil {
		return fmt.Errorf("clear images: %w", err)
	}
	if item.Product == nil {
		return nil
	}

	const qv = `
		INSERT INTO product_variants (id, product_id, source_id, title, price, sku, available, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for i, v := range item.Product.Variants {
		if _, err := tx.ExecContext(ctx, qv,
			uuid.NewString(), item.ID, v.SourceID, v.Title, v.Price, v.SKU, v.Available, i,
		); err != nil {
			return fmt.Errorf("insert variant %s: %w", v.SourceID, err)
		}
	}

	const qi = `
		INSERT INTO product_images (id, product_id, source_id, url, alt_text, position)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, img := range item.Product.Images {
		if _, err := tx.ExecContext(ctx, qi,
			uuid.NewString(), item.ID, img.SourceID, img.URL, img.AltText, img.Position,
		); err != nil {
			return fmt.Errorf("insert image %s: %w", img.SourceID, err)
		}
	}
	return nil
}

func (c *DatabaseClient) loadProductChildren(ctx context.Context, item *models.ContentItem) error {
	if item.Product == nil {
		item.Product = &models.ProductDetails{}
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT source_id, title, price, sku, available
		FROM product_variants WHERE product_id = $1 ORDER BY position ASC`, item.ID)
	if err != nil {
		return err
	}
	var variants []models.ProductVariant
	for rows.Next() {
		var v models.ProductVariant
		if err := rows.Scan(&v.SourceID, &v.Title, &v.Price, &v.SKU, &v.Available); err != nil {
			rows.Close()
			return err
		}
		variants = append(variants, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = c.db.QueryContext(ctx, `
		SELECT source_id, url, alt_text, position
		FROM product_images WHERE product_id = $1 ORDER BY position ASC`, item.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	var images []models.ProductImage
	for rows.Next() {
		var img models.ProductImage
		if err := rows.Scan(&img.SourceID, &img.URL, &img.AltText, &img.Position); err != nil {
			return err
		}
		images = append(images, img)
	}

	item.Product.Variants = variants
	item.Product.Images = images
	return rows.Err()
}

func (c *DatabaseClient) ListContentItems(ctx context.Context, tenantID string, t models.ContentType) ([]models.ContentItem, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + contentColumns + ` FROM ` + table + ` WHERE tenant_id = $1 ORDER BY source_id ASC`
	items, err := c.queryContent(ctx, t, q, tenantID)
	if err != nil {
		return nil, err
	}
	if t == models.ContentProduct {
		for i := range items {
			if err := c.loadProductChildren(ctx, &items[i]); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

// FindContentBySlug narrows candidates in SQL and confirms the trailing path
// segment in Go, so "/a/shoes" does not match slug "red-shoes".
func (c *DatabaseClient) FindContentBySlug(ctx context.Context, tenantID string, t models.ContentType, slug string) (*models.ContentItem, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, core.ErrNotFound
	}
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	q := `
		SELECT ` + contentColumns + ` FROM ` + table + `
		WHERE tenant_id = $1 AND position($2 in lower(url)) > 0
		ORDER BY updated_at DESC
		LIMIT 50
	`
	items, err := c.queryContent(ctx, t, q, tenantID, slug)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Slug() == slug {
			return &items[i], nil
		}
	}
	return nil, core.ErrNotFound
}

func (c *DatabaseClient) queryContent(ctx context.Context, t models.ContentType, q string, args ...any) ([]models.ContentItem, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ContentItem
	for rows.Next() {
		item, err := scanContent(rows, t)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// Conversation

func (c *DatabaseClient) FindThread(ctx context.Context, tenantID, ref string) (*models.ConversationThread, error) {
	const q = `
		SELECT id, tenant_id, external_id, created_at, last_message_at
		FROM conversation_threads
		WHERE tenant_id = $1 AND (id = $2 OR external_id = $2)
		LIMIT 1
	`
	var th models.ConversationThread
	err := c.db.QueryRowContext(ctx, q, tenantID, ref).Scan(
		&th.ID, &th.TenantID, &th.ExternalID, &th.CreatedAt, &th.LastMessageAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &th, nil
}

func (c *DatabaseClient) CreateThread(ctx context.Context, th *models.ConversationThread) error {
	if th == nil {
		return errors.New("nil thread")
	}
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO conversation_threads (id, tenant_id, external_id, created_at, last_message_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING created_at, last_message_at
	`
	return c.db.QueryRowContext(ctx, q, th.ID, th.TenantID, th.ExternalID).Scan(&th.CreatedAt, &th.LastMessageAt)
}

func (c *DatabaseClient) SetThreadExternalID(ctx context.Context, threadID, externalID string) error {
	return c.execOne(ctx, `UPDATE conversation_threads SET external_id = $2 WHERE id = $1`, threadID, externalID)
}

const insertMessage = `
	INSERT INTO messages (id, thread_id, role, content, modality, created_at)
	VALUES ($1, $2, $3, $4, $5, now())
	RETURNING created_at
`

func (c *DatabaseClient) AppendMessage(ctx context.Context, m *models.Message) error {
	if m == nil {
		return errors.New("nil message")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return c.db.QueryRowContext(ctx, insertMessage, m.ID, m.ThreadID, m.Role, m.Content, m.Modality).Scan(&m.CreatedAt)
}

func (c *DatabaseClient) CompleteTurn(ctx context.Context, tenantID string, m *models.Message) error {
	if m == nil {
		return errors.New("nil message")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, insertMessage, m.ID, m.ThreadID, m.Role, m.Content, m.Modality).Scan(&m.CreatedAt); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_threads SET last_message_at = now() WHERE id = $1`, m.ThreadID); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tenants SET monthly_queries = monthly_queries + 1, updated_at = now() WHERE id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return tx.Commit()
}

func (c *DatabaseClient) ListMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	const q = `
		SELECT id, thread_id, role, content, modality, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY seq ASC
	`
	rows, err := c.db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.Modality, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
