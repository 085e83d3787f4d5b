package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/Sitewise/internal/core"
)

// PGVector keeps vectors in the vector_records table of the main database,
// one logical namespace per tenant.
type PGVector struct {
	db *sql.DB
}

var _ core.VectorIndex = (*PGVector)(nil)

func NewPGVector(db *sql.DB) *PGVector {
	return &PGVector{db: db}
}

func (p *PGVector) Upsert(ctx context.Context, namespace string, rec core.VectorRecord) error {
	meta, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	const q = `
		INSERT INTO vector_records (namespace, id, embedding, metadata, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, id) DO UPDATE
		SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata, updated_at = now()
	`
	_, err = p.db.ExecContext(ctx, q, namespace, rec.ID, pgvector.NewVector(rec.Values), meta)
	return err
}

// Query ranks by cosine distance; Score is cosine similarity.
func (p *PGVector) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) ([]core.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	f, err := json.Marshal(nonNil(filter))
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	const q = `
		SELECT id, metadata, 1 - (embedding <=> $2) AS score
		FROM vector_records
		WHERE namespace = $1 AND metadata @> $3::jsonb
		ORDER BY embedding <=> $2, id
		LIMIT $4
	`
	rows, err := p.db.QueryContext(ctx, q, namespace, pgvector.NewVector(vector), f, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.VectorMatch
	for rows.Next() {
		var (
			m    core.VectorMatch
			meta []byte
		)
		if err := rows.Scan(&m.ID, &meta, &m.Score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PGVector) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM vector_records WHERE namespace = $1`, namespace)
	return err
}

func (p *PGVector) DeleteByIDs(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM vector_records WHERE namespace = $1 AND id = ANY($2)`, namespace, ids)
	return err
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
