package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

const (
	DefaultK = 3
	// BoostWeight is added to the cosine score scaled by the fraction of boost
	// tags an entry carries.
	BoostWeight = 0.15
)

type state struct {
	entries  []Entry
	position map[string]int
	embedder Embedder
	index    Index
}

// Retriever serves top-k lookups over an immutable corpus snapshot that is
// replaced wholesale by Rebuild.
type Retriever struct {
	log   *logger.Logger
	k     int
	state atomic.Pointer[state]
}

func NewRetriever(log *logger.Logger, k int) *Retriever {
	if k <= 0 {
		k = DefaultK
	}
	return &Retriever{log: log.With("service", "KnowledgeRetriever"), k: k}
}

// Rebuild embeds entries, loads them into index and swaps the new snapshot in.
// On error the previous snapshot stays active.
func (r *Retriever) Rebuild(ctx context.Context, entries []Entry, embedder Embedder, index Index) error {
	if embedder == nil || index == nil {
		return errors.New("embedder and index required")
	}
	entries, err := Validate(entries)
	if err != nil {
		return err
	}
	docs := make([]string, len(entries))
	for i, e := range entries {
		docs[i] = e.document()
	}
	vecs, err := embedder.Embed(ctx, docs)
	if err != nil {
		return fmt.Errorf("embed corpus: %w", err)
	}
	if len(vecs) != len(entries) {
		return fmt.Errorf("embed corpus: got %d vectors for %d entries", len(vecs), len(entries))
	}
	pos := make(map[string]int, len(entries))
	for i := range entries {
		entries[i].Embedding = vecs[i]
		pos[entries[i].ID] = i
	}
	if err := index.Load(ctx, entries); err != nil {
		return err
	}
	r.state.Store(&state{entries: entries, position: pos, embedder: embedder, index: index})
	r.log.Info("knowledge index ready", "entries", len(entries), "embedder", embedder.Name(), "index", index.Name(), "dim", embedder.Dim())
	return nil
}

func (r *Retriever) Ready() bool { return r.state.Load() != nil }

func (r *Retriever) Size() int {
	if s := r.state.Load(); s != nil {
		return len(s.entries)
	}
	return 0
}

// Search returns the top-k entries for q. Any failure is reported as
// ErrRetrievalUnavailable.
func (r *Retriever) Search(ctx context.Context, q Query) (Result, error) {
	s := r.state.Load()
	if s == nil {
		return Result{}, fmt.Errorf("%w: no corpus loaded", ErrRetrievalUnavailable)
	}
	filter := normalizeTags(q.Filter)
	boost := normalizeTags(q.Boost)
	text := strings.TrimSpace(q.Text)
	if text == "" {
		text = strings.ReplaceAll(strings.Join(boost, " "), "_", " ")
	}
	res := Result{Hits: []Hit{}, Backend: s.index.Name()}
	if text == "" {
		return res, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return Result{}, fmt.Errorf("%w: embed query: %w", ErrRetrievalUnavailable, err)
	}
	if len(vecs) != 1 {
		return Result{}, fmt.Errorf("%w: embed query returned %d vectors", ErrRetrievalUnavailable, len(vecs))
	}
	// Boosting can lift any entry into the top k, so score the whole corpus.
	fetch := r.k
	if len(boost) > 0 {
		fetch = len(s.entries)
	}
	matches, err := s.index.Search(ctx, vecs[0], fetch, filter)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s search: %w", ErrRetrievalUnavailable, s.index.Name(), err)
	}

	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		i, ok := s.position[m.ID]
		if !ok {
			continue
		}
		e := s.entries[i]
		if !e.HasAnyTag(filter) {
			continue
		}
		e.Embedding = nil
		hits = append(hits, Hit{Entry: e, Score: m.Score + boostScore(e, boost)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return s.position[hits[i].ID] < s.position[hits[j].ID]
	})
	if len(hits) > r.k {
		hits = hits[:r.k]
	}
	res.Hits = hits
	return res, nil
}

// Retrieve is Search that fails closed: errors are logged and an empty,
// degraded result is returned.
func (r *Retriever) Retrieve(ctx context.Context, q Query) Result {
	res, err := r.Search(ctx, q)
	if err != nil {
		r.log.Warn("knowledge retrieval degraded", "error", err)
		return Result{Hits: []Hit{}, Degraded: true}
	}
	return res
}

func boostScore(e Entry, boost []string) float64 {
	if len(boost) == 0 {
		return 0
	}
	n := 0
	for _, t := range boost {
		if e.HasTag(t) {
			n++
		}
	}
	return BoostWeight * float64(n) / float64(len(boost))
}
