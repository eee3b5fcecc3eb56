// Package training fits a risk snapshot from historical learner records:
// cohort statistics, a cross-validated classifier, the attribution reference
// sample and the cold-start history.
package training

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/yungbote/neurobridge-risk/internal/data/repos"
	types "github.com/yungbote/neurobridge-risk/internal/domain"
	"github.com/yungbote/neurobridge-risk/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
)

// Record is one historical learner in one presentation of a module.
type Record struct {
	LearnerID   string
	CohortKey   string
	Features    map[string]any
	FinalResult string
}

func (r Record) Labeled() bool { return strings.TrimSpace(r.FinalResult) != "" }

// AtRisk treats failing and withdrawing as the positive outcome.
func (r Record) AtRisk() bool {
	switch strings.ToLower(strings.TrimSpace(r.FinalResult)) {
	case strings.ToLower(types.ResultFail), strings.ToLower(types.ResultWithdrawn):
		return true
	}
	return false
}

// FromLearnerRecords converts stored rows. Rows with unreadable features are
// an error; the table is owned by another system and should not drift.
func FromLearnerRecords(rows []*types.LearnerRecord) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		fv := map[string]any{}
		if len(row.Features) > 0 {
			if err := json.Unmarshal(row.Features, &fv); err != nil {
				return nil, fmt.Errorf("learner_record %s: decode features: %w", row.ID, err)
			}
		}
		out = append(out, Record{
			LearnerID:   row.LearnerID,
			CohortKey:   row.CohortKey(),
			Features:    fv,
			FinalResult: row.FinalResult,
		})
	}
	return out, nil
}

// LoadRepo reads labeled records from the database. limit <= 0 reads all.
func LoadRepo(ctx context.Context, repo repos.LearnerRecordRepo, limit int) ([]Record, error) {
	rows, err := repo.ListLabeled(dbctx.Context{Ctx: ctx}, limit)
	if err != nil {
		return nil, fmt.Errorf("list labeled learner records: %w", err)
	}
	return FromLearnerRecords(rows)
}

var requiredColumns = []string{"learner_id", "code_module", "code_presentation", "final_result"}

// LoadCSV reads a flat export with one row per learner presentation. The
// identity columns are required; every other column is passed through as a
// feature value and empty cells are treated as unobserved.
func LoadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "id_student" {
			h = "learner_id"
		}
		col[h] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("csv is missing required column %q", name)
		}
	}

	var out []Record
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		get := func(name string) string { return strings.TrimSpace(rec[col[name]]) }
		r := Record{
			LearnerID:   get("learner_id"),
			CohortKey:   get("code_module") + "-" + get("code_presentation"),
			FinalResult: get("final_result"),
			Features:    map[string]any{},
		}
		if r.LearnerID == "" {
			return nil, fmt.Errorf("csv line %d: empty learner_id", line)
		}
		for name, i := range col {
			if isIdentityColumn(name) || i >= len(rec) {
				continue
			}
			if v := strings.TrimSpace(rec[i]); v != "" {
				r.Features[name] = v
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func isIdentityColumn(name string) bool {
	for _, c := range requiredColumns {
		if c == name {
			return true
		}
	}
	return false
}

// WriteCSV writes records in the layout LoadCSV reads, with schema features
// as columns.
func WriteCSV(w io.Writer, schema features.Schema, recs []Record) error {
	cw := csv.NewWriter(w)
	header := append([]string(nil), requiredColumns...)
	for _, f := range schema.Features {
		header = append(header, f.Name)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range recs {
		module, presentation, _ := strings.Cut(r.CohortKey, "-")
		row := []string{r.LearnerID, module, presentation, r.FinalResult}
		for _, f := range schema.Features {
			v, ok := r.Features[f.Name]
			if !ok || v == nil {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprint(v))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Cohorts lists the distinct cohort keys in recs.
func Cohorts(recs []Record) []string {
	seen := map[string]struct{}{}
	for _, r := range recs {
		seen[r.CohortKey] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
