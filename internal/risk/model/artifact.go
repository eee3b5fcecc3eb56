package model

import (
	"fmt"
)

// Artifact is the serialized, tagged form of a trained model. Exactly one of
// the family fields is set, matching Kind.
type Artifact struct {
	Kind         Kind       `json:"kind"`
	Version      string     `json:"version"`
	FeatureNames []string   `json:"feature_names"`
	Required     []int      `json:"required"`
	Threshold    float64    `json:"threshold"`
	Logistic     *Logistic  `json:"logistic,omitempty"`
	Stumps       *Stumps    `json:"stumps,omitempty"`
	Prototype    *Prototype `json:"prototype,omitempty"`
}

// NewArtifact wraps a fitted scorer of a known family.
func NewArtifact(version string, names []string, required []int, scorer Scorer) (Artifact, error) {
	a := Artifact{
		Version:      version,
		FeatureNames: append([]string(nil), names...),
		Required:     append([]int(nil), required...),
		Threshold:    0.5,
	}
	switch s := scorer.(type) {
	case *Logistic:
		a.Kind, a.Logistic = KindLogistic, s
	case *Stumps:
		a.Kind, a.Stumps = KindStumps, s
	case *Prototype:
		a.Kind, a.Prototype = KindPrototype, s
	default:
		return Artifact{}, fmt.Errorf("unsupported scorer %T", scorer)
	}
	return a, nil
}

// Build validates the artifact and returns the serving model.
func (a Artifact) Build() (*Model, error) {
	d := len(a.FeatureNames)
	if d == 0 {
		return nil, fmt.Errorf("model artifact %q has no features", a.Version)
	}
	for _, idx := range a.Required {
		if idx < 0 || idx >= d {
			return nil, fmt.Errorf("model artifact %q: required index %d out of range", a.Version, idx)
		}
	}
	threshold := a.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	var scorer Scorer
	switch a.Kind {
	case KindLogistic:
		if a.Logistic == nil || len(a.Logistic.Weights) != d {
			return nil, fmt.Errorf("model artifact %q: logistic params do not match %d features", a.Version, d)
		}
		scorer = a.Logistic
	case KindStumps:
		if a.Stumps == nil || a.Stumps.Features != d {
			return nil, fmt.Errorf("model artifact %q: stump params do not match %d features", a.Version, d)
		}
		for _, s := range a.Stumps.Stumps {
			if s.Feature < 0 || s.Feature >= d {
				return nil, fmt.Errorf("model artifact %q: stump feature %d out of range", a.Version, s.Feature)
			}
		}
		scorer = a.Stumps
	case KindPrototype:
		p := a.Prototype
		if p == nil || len(p.Safe) != d || len(p.AtRisk) != d || len(p.Variance) != d {
			return nil, fmt.Errorf("model artifact %q: prototype params do not match %d features", a.Version, d)
		}
		for _, v := range p.Variance {
			if v <= 0 {
				return nil, fmt.Errorf("model artifact %q: non-positive prototype variance", a.Version)
			}
		}
		scorer = p
	default:
		return nil, fmt.Errorf("model artifact %q: unknown kind %q", a.Version, a.Kind)
	}
	return &Model{
		kind:      a.Kind,
		version:   a.Version,
		names:     append([]string(nil), a.FeatureNames...),
		required:  append([]int(nil), a.Required...),
		threshold: threshold,
		scorer:    scorer,
	}, nil
}
