package risk_model_train

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yungbote/neurobridge-risk/internal/data/repos/learning"
	"github.com/yungbote/neurobridge-risk/internal/data/repos/testutil"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
	"github.com/yungbote/neurobridge-risk/internal/risk/training"
)

type fakeNotifier struct {
	versions []string
	err      error
}

func (f *fakeNotifier) PublishRefresh(_ context.Context, version string) error {
	f.versions = append(f.versions, version)
	return f.err
}

func TestRunSyntheticToFileAndDB(t *testing.T) {
	db := testutil.DB(t)
	models := learning.NewModelSnapshotRepo(db, testutil.Logger(t))
	notifier := &fakeNotifier{}
	p := New(logger.Nop(), nil, models, nil, notifier, training.Config{Folds: 3, Seed: 1})

	out := filepath.Join(t.TempDir(), "snapshot.json")
	res, err := p.Run(context.Background(), Request{
		Source:     SourceSynthetic,
		Synthetic:  training.SyntheticConfig{Learners: 400, Seed: 4},
		OutputPath: out,
		SaveDB:     true,
		ModelKey:   "risk",
		Activate:   true,
		Notify:     true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Version != "risk-v1" || !res.Stored || res.Path != out || !res.Notified {
		t.Fatalf("result: got=%+v", res)
	}
	if len(notifier.versions) != 1 || notifier.versions[0] != "risk-v1" {
		t.Fatalf("notices: got=%v", notifier.versions)
	}

	fromFile, err := (&snapshot.FileSource{Path: out}).Load(context.Background())
	if err != nil {
		t.Fatalf("FileSource.Load: %v", err)
	}
	fromDB, err := (&snapshot.DBSource{Repo: models, Key: "risk"}).Load(context.Background())
	if err != nil {
		t.Fatalf("DBSource.Load: %v", err)
	}
	if fromFile.Version != res.Version || fromDB.Version != res.Version {
		t.Fatalf("stored versions: want=%s file=%s db=%s", res.Version, fromFile.Version, fromDB.Version)
	}
}

func TestRunNotifyFailureIsNotFatal(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("redis down")}
	p := New(logger.Nop(), nil, nil, nil, notifier, training.Config{Folds: 3, Version: "v1"})
	res, err := p.Run(context.Background(), Request{
		Synthetic:  training.SyntheticConfig{Learners: 300, Seed: 2},
		OutputPath: filepath.Join(t.TempDir(), "s.json"),
		Notify:     true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Notified {
		t.Fatalf("failed notice must not be reported as sent")
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	p := New(logger.Nop(), nil, nil, nil, nil, training.Config{})
	cases := map[string]Request{
		"no output":    {Source: SourceSynthetic},
		"db without":   {Source: SourceSynthetic, SaveDB: true},
		"csv no path":  {Source: SourceCSV, OutputPath: "x.json"},
		"db no repo":   {Source: SourceDB, OutputPath: "x.json"},
		"unknown kind": {Source: "kafka", OutputPath: "x.json"},
	}
	for name, req := range cases {
		if _, err := p.Run(context.Background(), req); err == nil || !strings.Contains(err.Error(), "risk_model_train") {
			t.Fatalf("%s: want risk_model_train error got=%v", name, err)
		}
	}
}
