package pipeline

import (
	"context"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

// Delivery hands a finished intervention to whatever surfaces it to the
// learner or advisor. The pipeline never stores interventions itself.
type Delivery interface {
	Deliver(ctx context.Context, iv *Intervention) error
}

// LogDelivery records interventions in the service log only.
type LogDelivery struct {
	Log *logger.Logger
}

func (d LogDelivery) Deliver(_ context.Context, iv *Intervention) error {
	d.Log.Info("intervention ready",
		"intervention_id", iv.ID,
		"learner_id", iv.LearnerID,
		"tier", iv.Tier,
		"source", iv.RiskAssessment.Source,
		"notify_advisor", iv.Escalation.NotifyAdvisor,
		"partial", iv.Partial,
	)
	return nil
}
