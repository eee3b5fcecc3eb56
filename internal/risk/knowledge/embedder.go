package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/yungbote/neurobridge-risk/internal/inference/engine"
)

// Embedder maps texts into the corpus vector space. Dim is fixed for the
// lifetime of an embedder.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
	Name() string
}

// DefaultTFIDFFeatures bounds the TF-IDF vocabulary.
const DefaultTFIDFFeatures = 384

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

func tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

// TFIDF is a vocabulary fitted on the corpus. Vectors are raw term counts
// scaled by smoothed idf and L2-normalized, always MaxFeatures wide.
type TFIDF struct {
	vocab       map[string]int
	idf         []float64
	maxFeatures int
}

// FitTFIDF keeps the maxFeatures most frequent terms (ties alphabetical) and
// indexes them alphabetically.
func FitTFIDF(docs []string, maxFeatures int) *TFIDF {
	if maxFeatures <= 0 {
		maxFeatures = DefaultTFIDFFeatures
	}
	counts := map[string]int{}
	df := map[string]int{}
	for _, d := range docs {
		seen := map[string]bool{}
		for _, tok := range tokenize(d) {
			counts[tok]++
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxFeatures {
		terms = terms[:maxFeatures]
	}
	sort.Strings(terms)

	n := float64(len(docs))
	t := &TFIDF{vocab: make(map[string]int, len(terms)), idf: make([]float64, len(terms)), maxFeatures: maxFeatures}
	for i, term := range terms {
		t.vocab[term] = i
		t.idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
	return t
}

func (t *TFIDF) Name() string { return "tfidf" }

func (t *TFIDF) Dim() int { return t.maxFeatures }

func (t *TFIDF) VocabularySize() int { return len(t.vocab) }

func (t *TFIDF) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = t.vector(s)
	}
	return out, nil
}

func (t *TFIDF) vector(s string) []float32 {
	raw := make([]float64, t.maxFeatures)
	for _, tok := range tokenize(s) {
		if j, ok := t.vocab[tok]; ok {
			raw[j]++
		}
	}
	var norm float64
	for j, c := range raw {
		if c == 0 {
			continue
		}
		raw[j] = c * t.idf[j]
		norm += raw[j] * raw[j]
	}
	vec := make([]float32, t.maxFeatures)
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for j, v := range raw {
		vec[j] = float32(v / norm)
	}
	return vec
}

// EngineEmbedder delegates to an embedding model behind engine.Engine.
type EngineEmbedder struct {
	eng   engine.Engine
	model string
	dim   int
}

// NewEngineEmbedder probes the engine once to learn the vector width.
func NewEngineEmbedder(ctx context.Context, eng engine.Engine, model string) (*EngineEmbedder, error) {
	if eng == nil {
		return nil, errors.New("embedding engine required")
	}
	probe, err := eng.Embed(ctx, model, []string{"probe"})
	if err != nil {
		return nil, fmt.Errorf("probe embedding model %q: %w", model, err)
	}
	if len(probe) != 1 || len(probe[0]) == 0 {
		return nil, fmt.Errorf("probe embedding model %q: empty vector", model)
	}
	return &EngineEmbedder{eng: eng, model: model, dim: len(probe[0])}, nil
}

func (e *EngineEmbedder) Name() string { return "engine:" + e.model }

func (e *EngineEmbedder) Dim() int { return e.dim }

func (e *EngineEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.eng.Embed(ctx, e.model, texts)
	if err != nil {
		return nil, err
	}
	for i, v := range vecs {
		if len(v) != e.dim {
			return nil, fmt.Errorf("embedding %d: dimension %d, want %d", i, len(v), e.dim)
		}
	}
	return vecs, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
