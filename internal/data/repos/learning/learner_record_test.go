package learning

import (
	"context"
	"testing"

	"github.com/yungbote/neurobridge-risk/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-risk/internal/domain"
	"github.com/yungbote/neurobridge-risk/internal/platform/dbctx"
	"gorm.io/datatypes"
)

func TestLearnerRecordRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewLearnerRecordRepo(db, testutil.Logger(t))

	rows := []*types.LearnerRecord{
		{LearnerID: "l1", CodeModule: "AAA", CodePresentation: "2014J", Features: datatypes.JSON([]byte(`{"vle_clicks":400}`)), FinalResult: types.ResultFail},
		{LearnerID: "l2", CodeModule: "AAA", CodePresentation: "2014J", Features: datatypes.JSON([]byte(`{"vle_clicks":1200}`)), FinalResult: types.ResultPass},
		{LearnerID: "l3", CodeModule: "BBB", CodePresentation: "2014J", Features: datatypes.JSON([]byte(`{"vle_clicks":20}`))},
	}
	if err := repo.Upsert(dbc, rows); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if n, err := repo.CountLabeled(dbc); err != nil || n != 2 {
		t.Fatalf("CountLabeled: want=2 got=%d err=%v", n, err)
	}
	labeled, err := repo.ListLabeled(dbc, 0)
	if err != nil || len(labeled) != 2 || labeled[0].LearnerID != "l1" {
		t.Fatalf("ListLabeled: err=%v len=%d", err, len(labeled))
	}
	if !labeled[0].AtRisk() || labeled[1].AtRisk() {
		t.Fatalf("AtRisk: want=[true false] got=[%v %v]", labeled[0].AtRisk(), labeled[1].AtRisk())
	}

	got, err := repo.GetByLearnerAndCohort(dbc, "l3", "BBB", "2014J")
	if err != nil || got == nil || got.CohortKey() != "BBB-2014J" {
		t.Fatalf("GetByLearnerAndCohort: got=%v err=%v", got, err)
	}

	update := []*types.LearnerRecord{
		{LearnerID: "l3", CodeModule: "BBB", CodePresentation: "2014J", Features: datatypes.JSON([]byte(`{"vle_clicks":80}`)), FinalResult: types.ResultWithdrawn},
	}
	if err := repo.Upsert(dbc, update); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	latest, err := repo.GetLatestByLearner(dbc, "l3")
	if err != nil || latest == nil || latest.FinalResult != types.ResultWithdrawn {
		t.Fatalf("GetLatestByLearner: got=%v err=%v", latest, err)
	}
	if n, err := repo.CountLabeled(dbc); err != nil || n != 3 {
		t.Fatalf("CountLabeled after update: want=3 got=%d err=%v", n, err)
	}

	if missing, err := repo.GetLatestByLearner(dbc, "nobody"); err != nil || missing != nil {
		t.Fatalf("GetLatestByLearner unknown: got=%v err=%v", missing, err)
	}
}
