package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/yungbote/neurobridge-risk/internal/platform/qdrant"
)

type Match struct {
	ID    string
	Score float64
}

// Index answers nearest-neighbour queries over embedded entries.
type Index interface {
	Load(ctx context.Context, entries []Entry) error
	// Search returns up to k matches restricted to entries carrying any of
	// filter's tags; k <= 0 means no limit.
	Search(ctx context.Context, vec []float32, k int, filter []string) ([]Match, error)
	Name() string
}

// MemoryIndex is an exact cosine scan. Ties keep corpus order.
type MemoryIndex struct {
	entries []Entry
}

func NewMemoryIndex() *MemoryIndex { return &MemoryIndex{} }

func (m *MemoryIndex) Name() string { return "memory" }

func (m *MemoryIndex) Load(_ context.Context, entries []Entry) error {
	m.entries = append([]Entry(nil), entries...)
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, vec []float32, k int, filter []string) ([]Match, error) {
	out := make([]Match, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.HasAnyTag(filter) {
			continue
		}
		out = append(out, Match{ID: e.ID, Score: cosine(vec, e.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// QdrantIndex keeps the vectors in a Qdrant collection under one namespace.
type QdrantIndex struct {
	store     *qdrant.Store
	namespace string
}

func NewQdrantIndex(store *qdrant.Store, namespace string) *QdrantIndex {
	return &QdrantIndex{store: store, namespace: namespace}
}

func (q *QdrantIndex) Name() string { return "qdrant" }

func (q *QdrantIndex) Load(ctx context.Context, entries []Entry) error {
	points := make([]qdrant.Point, 0, len(entries))
	for _, e := range entries {
		points = append(points, qdrant.Point{
			ID:      e.ID,
			Vector:  e.Embedding,
			Tags:    e.Tags,
			Payload: map[string]any{"title": e.Title},
		})
	}
	if err := q.store.Upsert(ctx, q.namespace, points); err != nil {
		return fmt.Errorf("qdrant upsert corpus: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, vec []float32, k int, filter []string) ([]Match, error) {
	if k <= 0 {
		k = 64
	}
	matches, err := q.store.Search(ctx, q.namespace, vec, k, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Match, len(matches))
	for i, m := range matches {
		out[i] = Match{ID: m.ID, Score: m.Score}
	}
	return out, nil
}
