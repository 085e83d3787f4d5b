package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/markdave123-py/Sitewise/internal/core"
)

// Memory is an exhaustive cosine-similarity index held in process.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]core.VectorRecord
}

var _ core.VectorIndex = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]map[string]core.VectorRecord)}
}

func (m *Memory) Upsert(_ context.Context, namespace string, rec core.VectorRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("vector record has no id")
	}
	if len(rec.Values) == 0 {
		return fmt.Errorf("vector record %s has no values", rec.ID)
	}
	cp := core.VectorRecord{
		ID:       rec.ID,
		Values:   append([]float32(nil), rec.Values...),
		Metadata: make(map[string]string, len(rec.Metadata)),
	}
	for k, v := range rec.Metadata {
		cp.Metadata[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]core.VectorRecord)
		m.namespaces[namespace] = ns
	}
	ns[rec.ID] = cp
	return nil
}

func (m *Memory) Query(_ context.Context, namespace string, vector []float32, topK int, filter map[string]string) ([]core.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.VectorMatch
	for _, rec := range m.namespaces[namespace] {
		if !matches(rec.Metadata, filter) {
			continue
		}
		meta := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		out = append(out, core.VectorMatch{ID: rec.ID, Score: cosine(vector, rec.Values), Metadata: meta})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *Memory) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}

func (m *Memory) DeleteByIDs(_ context.Context, namespace string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.namespaces[namespace]
	for _, id := range ids {
		delete(ns, id)
	}
	return nil
}

// IDs lists the record ids in a namespace, sorted.
func (m *Memory) IDs(namespace string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.namespaces[namespace]))
	for id := range m.namespaces[namespace] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func matches(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
