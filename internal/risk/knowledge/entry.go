package knowledge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRetrievalUnavailable means no index could answer; callers of Retrieve
// never see it, they get an empty degraded Result instead.
var ErrRetrievalUnavailable = errors.New("knowledge retrieval unavailable")

type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title,omitempty" yaml:"title,omitempty"`
	Text      string    `json:"text" yaml:"text"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Embedding []float32 `json:"-" yaml:"-"`
}

func (e Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasAnyTag is true when tags is empty or e carries at least one of them.
func (e Entry) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if e.HasTag(t) {
			return true
		}
	}
	return false
}

func (e Entry) document() string {
	if e.Title == "" {
		return e.Text
	}
	return e.Title + ". " + e.Text
}

// Documents is the text embedded for each entry, in corpus order.
func Documents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.document()
	}
	return out
}

type Hit struct {
	Entry
	Score float64 `json:"score"`
}

type Result struct {
	Hits     []Hit  `json:"hits"`
	Degraded bool   `json:"degraded,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

func (r Result) Top() (Hit, bool) {
	if len(r.Hits) == 0 {
		return Hit{}, false
	}
	return r.Hits[0], true
}

// Query drives one retrieval. Filter restricts to entries carrying any of its
// tags; Boost tags only reorder.
type Query struct {
	Text   string
	Filter []string
	Boost  []string
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Validate trims fields, lowercases tags and rejects empty or duplicate ids.
func Validate(entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, errors.New("knowledge corpus is empty")
	}
	out := make([]Entry, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		e.ID = strings.TrimSpace(e.ID)
		e.Title = strings.TrimSpace(e.Title)
		e.Text = strings.TrimSpace(e.Text)
		if e.ID == "" {
			return nil, fmt.Errorf("knowledge entry %d: id required", i)
		}
		if e.Text == "" {
			return nil, fmt.Errorf("knowledge entry %q: text required", e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("knowledge entry %q: duplicate id", e.ID)
		}
		seen[e.ID] = struct{}{}
		e.Tags = normalizeTags(e.Tags)
		e.Embedding = nil
		out[i] = e
	}
	return out, nil
}
