// Package escalation maps a risk probability to an intervention tier.
package escalation

import (
	"fmt"
	"math"
	"time"
)

type Tier string

const (
	TierLow      Tier = "low"
	TierModerate Tier = "moderate"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Thresholds are the lower bounds of the moderate, high and critical tiers.
type Thresholds struct {
	Moderate float64
	High     float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Moderate: 0.40, High: 0.70, Critical: 0.85}
}

func (t Thresholds) Validate() error {
	if !(0 < t.Moderate && t.Moderate < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("escalation thresholds must satisfy 0 < moderate < high < critical <= 1 (got %v/%v/%v)", t.Moderate, t.High, t.Critical)
	}
	return nil
}

// Decision is the tier plus how the intervention should be delivered.
type Decision struct {
	Tier          Tier          `json:"tier"`
	Urgency       int           `json:"urgency"`
	Channels      []string      `json:"channels"`
	NotifyAdvisor bool          `json:"notify_advisor"`
	FollowUp      time.Duration `json:"-"`
	FollowUpHours int           `json:"follow_up_hours"`
}

type Policy struct {
	t Thresholds
}

func NewPolicy(t Thresholds) (*Policy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Policy{t: t}, nil
}

func (p *Policy) Thresholds() Thresholds { return p.t }

// TierFor is a pure function of p. NaN is treated as 0.
func (p *Policy) TierFor(prob float64) Tier {
	if math.IsNaN(prob) {
		prob = 0
	}
	switch {
	case prob >= p.t.Critical:
		return TierCritical
	case prob >= p.t.High:
		return TierHigh
	case prob >= p.t.Moderate:
		return TierModerate
	default:
		return TierLow
	}
}

func (p *Policy) Decide(prob float64) Decision {
	tier := p.TierFor(prob)
	d := Decision{Tier: tier}
	switch tier {
	case TierCritical:
		d.Urgency = 3
		d.Channels = []string{"in_app", "email", "advisor"}
		d.NotifyAdvisor = true
		d.FollowUp = 24 * time.Hour
	case TierHigh:
		d.Urgency = 2
		d.Channels = []string{"in_app", "email"}
		d.NotifyAdvisor = true
		d.FollowUp = 72 * time.Hour
	case TierModerate:
		d.Urgency = 1
		d.Channels = []string{"in_app"}
		d.FollowUp = 7 * 24 * time.Hour
	default:
		d.Channels = []string{"in_app"}
		d.FollowUp = 14 * 24 * time.Hour
	}
	d.FollowUpHours = int(d.FollowUp / time.Hour)
	return d
}

// Describe is a short phrase for prompts and templates.
func (t Tier) Describe() string {
	switch t {
	case TierCritical:
		return "critical risk, immediate support recommended"
	case TierHigh:
		return "high risk of not completing the module"
	case TierModerate:
		return "moderate risk, some warning signs"
	default:
		return "low risk, on track"
	}
}
