package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ObjectReader fetches gs:// corpus files.
type ObjectReader interface {
	Read(ctx context.Context, uri string) ([]byte, error)
}

type corpusFile struct {
	Entries []Entry `json:"entries" yaml:"entries"`
}

// ParseCorpus accepts either a bare list of entries or {"entries": [...]}.
// format is "json" or "yaml".
func ParseCorpus(data []byte, format string) ([]Entry, error) {
	var entries []Entry
	switch strings.ToLower(format) {
	case "yaml", "yml":
		var f corpusFile
		if err := yaml.Unmarshal(data, &f); err != nil || len(f.Entries) == 0 {
			if err := yaml.Unmarshal(data, &entries); err != nil {
				return nil, fmt.Errorf("decode yaml corpus: %w", err)
			}
		} else {
			entries = f.Entries
		}
	default:
		trimmed := strings.TrimSpace(string(data))
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal(data, &entries); err != nil {
				return nil, fmt.Errorf("decode json corpus: %w", err)
			}
		} else {
			var f corpusFile
			if err := json.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("decode json corpus: %w", err)
			}
			entries = f.Entries
		}
	}
	return Validate(entries)
}

// LoadCorpus reads path (local file or gs:// uri). An empty path returns the
// built-in corpus.
func LoadCorpus(ctx context.Context, path string, objects ObjectReader) ([]Entry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultCorpus(), nil
	}
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(path, "gs://") {
		if objects == nil {
			return nil, fmt.Errorf("corpus %s: object storage not configured", path)
		}
		data, err = objects.Read(ctx, path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	return ParseCorpus(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}

// DefaultCorpus is the built-in intervention-strategy corpus.
func DefaultCorpus() []Entry {
	entries := []Entry{
		{
			ID:    "study-techniques",
			Title: "Effective study techniques",
			Text:  "Effective study techniques include: active recall, spaced repetition, and practice testing. Review your notes regularly and test yourself frequently.",
			Tags:  []string{"study_habits", "avg_score", "moderate"},
		},
		{
			ID:    "time-management",
			Title: "Time management",
			Text:  "Time management is crucial for academic success. Create a study schedule, break large tasks into smaller ones, and avoid procrastination.",
			Tags:  []string{"time_management", "study_habits", "days_active", "moderate", "high"},
		},
		{
			ID:    "ask-for-help",
			Title: "Asking for help",
			Text:  "If you're struggling with a course, don't hesitate to ask for help. Attend office hours, join study groups, and use online resources.",
			Tags:  []string{"help_seeking", "at_risk", "avg_score", "high", "critical"},
		},
		{
			ID:    "vle-daily",
			Title: "Check the VLE daily",
			Text:  "Regularly accessing the Virtual Learning Environment (VLE) is associated with better grades. Check the VLE daily for announcements, materials, and assignments.",
			Tags:  []string{"vle_engagement", "vle_clicks", "days_active", "moderate", "high"},
		},
		{
			ID:    "diverse-materials",
			Title: "Use every kind of material",
			Text:  "Engage with all types of course materials - videos, readings, quizzes, and forums. Diverse engagement helps reinforce learning.",
			Tags:  []string{"vle_engagement", "resource_diversity", "unique_resources", "low", "moderate"},
		},
		{
			ID:    "start-early",
			Title: "Start assignments early",
			Text:  "Start assignments early to avoid last-minute stress. Read the requirements carefully and plan your work.",
			Tags:  []string{"assessment", "deadlines", "submission_rate", "moderate"},
		},
		{
			ID:    "late-submissions",
			Title: "Avoid late submissions",
			Text:  "Late submissions can significantly impact your grade. Set reminders for deadlines and submit work early when possible.",
			Tags:  []string{"assessment", "deadlines", "submission_rate", "high", "critical"},
		},
		{
			ID:    "assessment-prep",
			Title: "Preparing for an assessment",
			Text:  "If you're concerned about an upcoming assessment, review past materials and practice problems. Seek clarification on confusing topics.",
			Tags:  []string{"assessment", "avg_score", "study_habits", "moderate", "high"},
		},
		{
			ID:    "catch-up-plan",
			Title: "Falling behind",
			Text:  "Students who fall behind should: 1) Contact their advisor immediately, 2) Create a catch-up plan, 3) Prioritize the most important tasks.",
			Tags:  []string{"at_risk", "help_seeking", "days_active", "submission_rate", "high", "critical"},
		},
		{
			ID:    "feeling-overwhelmed",
			Title: "Feeling overwhelmed",
			Text:  "If you're feeling overwhelmed, remember that many students experience similar challenges. Reach out to student support services for help.",
			Tags:  []string{"wellbeing", "at_risk", "help_seeking", "critical"},
		},
		{
			ID:    "module-aaa",
			Title: "Module AAA",
			Text:  "For module AAA (Arts and Humanities): Focus on critical reading and writing skills. Engage deeply with primary sources.",
			Tags:  []string{"module_aaa", "study_habits"},
		},
		{
			ID:    "module-bbb",
			Title: "Module BBB",
			Text:  "For module BBB (Social Sciences): Understand research methods and data analysis. Practice interpreting statistics and graphs.",
			Tags:  []string{"module_bbb", "study_habits"},
		},
		{
			ID:    "module-ccc",
			Title: "Module CCC",
			Text:  "For module CCC (STEM): Build strong foundational knowledge. Complete practice problems and understand underlying concepts.",
			Tags:  []string{"module_ccc", "study_habits", "avg_score"},
		},
		{
			ID:    "balanced-lifestyle",
			Title: "Balanced lifestyle",
			Text:  "Maintaining a balanced lifestyle improves academic performance. Get adequate sleep, exercise regularly, and manage stress.",
			Tags:  []string{"wellbeing", "low"},
		},
		{
			ID:    "peer-learning",
			Title: "Peer learning",
			Text:  "Connect with classmates through forums and study groups. Peer learning can clarify difficult concepts and provide motivation.",
			Tags:  []string{"help_seeking", "vle_engagement", "unique_resources", "low", "moderate"},
		},
	}
	out, err := Validate(entries)
	if err != nil {
		panic(err)
	}
	return out
}

// ModuleTag maps a cohort key such as "AAA-2014J" to its module tag.
func ModuleTag(cohortKey string) string {
	module, _, _ := strings.Cut(strings.TrimSpace(cohortKey), "-")
	if module == "" || module == "*" {
		return ""
	}
	return "module_" + strings.ToLower(module)
}
